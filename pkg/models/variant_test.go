package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVariant_ObjectKeys(t *testing.T) {
	imageKey := "objects/out.png"
	thumbKey := "objects/thumb.png"

	variant := &Variant{
		ImageKey:     &imageKey,
		ThumbnailKey: &thumbKey,
		Recipe:       &Recipe{InputKeys: []string{"objects/ref.png", "objects/out.png", ""}},
	}

	// Duplicates and empty keys are dropped; order follows first occurrence.
	assert.Equal(t, []string{"objects/out.png", "objects/thumb.png", "objects/ref.png"}, variant.ObjectKeys())
}

func TestVariant_ObjectKeys_Placeholder(t *testing.T) {
	variant := &Variant{Status: VariantStatusPending}

	assert.Empty(t, variant.ObjectKeys())
}

func TestVariantStatus_IsActive(t *testing.T) {
	assert.True(t, VariantStatusPending.IsActive())
	assert.True(t, VariantStatusProcessing.IsActive())
	assert.True(t, VariantStatusUploading.IsActive())
	assert.False(t, VariantStatusCompleted.IsActive())
	assert.False(t, VariantStatusFailed.IsActive())
}

func TestStepStatus_IsTerminal(t *testing.T) {
	assert.True(t, StepStatusCompleted.IsTerminal())
	assert.True(t, StepStatusFailed.IsTerminal())
	assert.True(t, StepStatusSkipped.IsTerminal())
	assert.False(t, StepStatusPending.IsTerminal())
	assert.False(t, StepStatusInProgress.IsTerminal())
	assert.False(t, StepStatusBlocked.IsTerminal())
}
