package variant

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/pkg/events"
	"github.com/atelierhq/atelier/pkg/models"
	"github.com/atelierhq/atelier/pkg/persistence/sqlite"
	"github.com/atelierhq/atelier/pkg/refcount"
)

type recordingBus struct {
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, event events.Event) error {
	b.events = append(b.events, event)

	return nil
}

type nopDeleter struct{}

func (nopDeleter) Delete(context.Context, string) error { return nil }

type fixture struct {
	service *Service
	store   *sqlite.Persistence
	bus     *recordingBus
	asset   *models.Asset
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.NewPersistence(t.Context(), logger, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close(t.Context())
	})

	bus := &recordingBus{}
	refs := refcount.NewCounter(store.ImageRefs(), nopDeleter{}, logger)
	service := NewService("space-1", store, refs, bus, logger)

	asset := &models.Asset{Name: "Hero", Kind: "character"}
	require.NoError(t, store.Assets().Save(t.Context(), asset))

	return &fixture{service: service, store: store, bus: bus, asset: asset}
}

func TestService_CreatePlaceholder(t *testing.T) {
	f := newFixture(t)

	variant, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{
		AssetID: f.asset.ID,
		Recipe:  &models.Recipe{Prompt: "a hero"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, variant.ID)
	assert.Equal(t, models.VariantStatusPending, variant.Status)

	// Placeholders hold no object references.
	refs, err := f.store.ImageRefs().GetAll(t.Context())
	require.NoError(t, err)
	assert.Empty(t, refs)

	require.Len(t, f.bus.events, 1)
	assert.Equal(t, events.VariantCreatedEvent, f.bus.events[0].GetType())
}

func TestService_CreatePlaceholder_MissingAsset(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{AssetID: "missing"})
	require.Error(t, err)
	assert.Empty(t, f.bus.events)
}

func TestService_CreatePlaceholder_WithParentLineage(t *testing.T) {
	f := newFixture(t)

	parent, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{AssetID: f.asset.ID})
	require.NoError(t, err)

	child, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{
		AssetID:         f.asset.ID,
		ParentVariantID: &parent.ID,
		Relation:        models.LineageRelationRefined,
	})
	require.NoError(t, err)

	edges, err := f.store.Lineage().GetByVariant(t.Context(), child.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, parent.ID, edges[0].ParentVariantID)
	assert.Equal(t, models.LineageRelationRefined, edges[0].Relation)
}

func TestService_Complete_IncrementsReferences(t *testing.T) {
	f := newFixture(t)

	variant, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{
		AssetID: f.asset.ID,
		Recipe:  &models.Recipe{Prompt: "a hero", InputKeys: []string{"objects/ref.png"}},
	})
	require.NoError(t, err)

	require.NoError(t, f.service.Complete(t.Context(), variant.ID, "objects/out.png", "objects/thumb.png"))

	for _, key := range []string{"objects/out.png", "objects/thumb.png", "objects/ref.png"} {
		ref, err := f.store.ImageRefs().Get(t.Context(), key)
		require.NoError(t, err)
		require.NotNil(t, ref, key)
		assert.Equal(t, int64(1), ref.RefCount)
	}

	fetched, err := f.service.Get(t.Context(), variant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VariantStatusCompleted, fetched.Status)
}

func TestService_Complete_TerminalVariantRejected(t *testing.T) {
	f := newFixture(t)

	variant, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{AssetID: f.asset.ID})
	require.NoError(t, err)

	require.NoError(t, f.service.Fail(t.Context(), variant.ID, "generation timed out"))

	err = f.service.Complete(t.Context(), variant.ID, "objects/out.png", "objects/thumb.png")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestService_UpdateStatus_ActivePathOnly(t *testing.T) {
	f := newFixture(t)

	variant, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{AssetID: f.asset.ID})
	require.NoError(t, err)

	require.NoError(t, f.service.UpdateStatus(t.Context(), variant.ID, models.VariantStatusProcessing))
	require.NoError(t, f.service.UpdateStatus(t.Context(), variant.ID, models.VariantStatusUploading))

	// Jumping back or straight to completed is not an advance.
	err = f.service.UpdateStatus(t.Context(), variant.ID, models.VariantStatusPending)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	err = f.service.UpdateStatus(t.Context(), variant.ID, models.VariantStatusCompleted)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestService_AttachWorkflow(t *testing.T) {
	f := newFixture(t)

	variant, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{AssetID: f.asset.ID})
	require.NoError(t, err)

	require.NoError(t, f.service.AttachWorkflow(t.Context(), variant.ID, "wf-42", models.VariantStatusProcessing))

	fetched, err := f.service.Get(t.Context(), variant.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched.WorkflowID)
	assert.Equal(t, "wf-42", *fetched.WorkflowID)
	assert.Equal(t, models.VariantStatusProcessing, fetched.Status)
}

func TestService_AttachWorkflow_DeletedVariant(t *testing.T) {
	f := newFixture(t)

	err := f.service.AttachWorkflow(t.Context(), "gone", "wf-42", models.VariantStatusProcessing)
	assert.True(t, errors.Is(err, ErrVariantNotFound))
}

func TestService_RetryReset(t *testing.T) {
	f := newFixture(t)

	variant, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{
		AssetID: f.asset.ID,
		Recipe:  &models.Recipe{Prompt: "a hero", Seed: 7},
	})
	require.NoError(t, err)

	require.NoError(t, f.service.AttachWorkflow(t.Context(), variant.ID, "wf-1", models.VariantStatusProcessing))
	require.NoError(t, f.service.Fail(t.Context(), variant.ID, "generation timed out"))

	require.NoError(t, f.service.RetryReset(t.Context(), variant.ID))

	fetched, err := f.service.Get(t.Context(), variant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VariantStatusPending, fetched.Status)
	assert.Nil(t, fetched.Error)
	assert.Nil(t, fetched.WorkflowID)

	// Identity and recipe survive the reset.
	assert.Equal(t, variant.ID, fetched.ID)
	require.NotNil(t, fetched.Recipe)
	assert.Equal(t, "a hero", fetched.Recipe.Prompt)
	assert.Equal(t, int64(7), fetched.Recipe.Seed)
}

func TestService_Fail_CompletedVariantRejected(t *testing.T) {
	f := newFixture(t)

	variant, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{AssetID: f.asset.ID})
	require.NoError(t, err)
	require.NoError(t, f.service.Complete(t.Context(), variant.ID, "objects/out.png", "objects/thumb.png"))

	err = f.service.Fail(t.Context(), variant.ID, "late error report")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestService_RetryReset_NotFailed(t *testing.T) {
	f := newFixture(t)

	variant, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{AssetID: f.asset.ID})
	require.NoError(t, err)

	err = f.service.RetryReset(t.Context(), variant.ID)
	assert.True(t, errors.Is(err, ErrNotFailed))
}

func TestService_Delete_ReleasesReferencesAndActivePointer(t *testing.T) {
	f := newFixture(t)

	variant, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{AssetID: f.asset.ID})
	require.NoError(t, err)
	require.NoError(t, f.service.Complete(t.Context(), variant.ID, "objects/out.png", "objects/thumb.png"))

	require.NoError(t, f.store.Assets().SetActiveVariant(t.Context(), f.asset.ID, &variant.ID))

	require.NoError(t, f.service.Delete(t.Context(), variant.ID))

	refs, err := f.store.ImageRefs().GetAll(t.Context())
	require.NoError(t, err)
	assert.Empty(t, refs)

	// The owning asset survives with its active pointer cleared.
	asset, err := f.store.Assets().GetByID(t.Context(), f.asset.ID)
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Nil(t, asset.ActiveVariantID)
}

func TestService_Delete_PlaceholderTouchesNoReferences(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.ImageRefs().Increment(t.Context(), "objects/other.png"))

	variant, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{AssetID: f.asset.ID})
	require.NoError(t, err)
	require.NoError(t, f.service.Delete(t.Context(), variant.ID))

	ref, err := f.store.ImageRefs().Get(t.Context(), "objects/other.png")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, int64(1), ref.RefCount)
}

func TestService_CreateCompleted(t *testing.T) {
	f := newFixture(t)

	variant, err := f.service.CreateCompleted(t.Context(), CreateCompletedRequest{
		AssetID:      f.asset.ID,
		ImageKey:     "objects/forked.png",
		ThumbnailKey: "objects/forked_thumb.png",
	})
	require.NoError(t, err)
	assert.Equal(t, models.VariantStatusCompleted, variant.Status)

	ref, err := f.store.ImageRefs().Get(t.Context(), "objects/forked.png")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, int64(1), ref.RefCount)
}

func TestService_Complete_RunsAdvanceHook(t *testing.T) {
	f := newFixture(t)

	var advanced string

	f.service.SetAdvanceHook(func(_ context.Context, v *models.Variant) error {
		advanced = v.ID

		return nil
	})

	variant, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{AssetID: f.asset.ID})
	require.NoError(t, err)
	require.NoError(t, f.service.Complete(t.Context(), variant.ID, "objects/out.png", "objects/thumb.png"))

	assert.Equal(t, variant.ID, advanced)
}

func TestService_Complete_AdvanceHookFailureSwallowed(t *testing.T) {
	f := newFixture(t)

	f.service.SetAdvanceHook(func(context.Context, *models.Variant) error {
		return errors.New("scheduler unavailable")
	})

	variant, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{AssetID: f.asset.ID})
	require.NoError(t, err)

	require.NoError(t, f.service.Complete(t.Context(), variant.ID, "objects/out.png", "objects/thumb.png"))

	fetched, err := f.service.Get(t.Context(), variant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VariantStatusCompleted, fetched.Status)
}

func TestService_SetStarred(t *testing.T) {
	f := newFixture(t)

	variant, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{AssetID: f.asset.ID})
	require.NoError(t, err)

	require.NoError(t, f.service.SetStarred(t.Context(), variant.ID, true))

	fetched, err := f.service.Get(t.Context(), variant.ID)
	require.NoError(t, err)
	assert.True(t, fetched.Starred)
}

func TestService_SeverEdge(t *testing.T) {
	f := newFixture(t)

	parent, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{AssetID: f.asset.ID})
	require.NoError(t, err)

	child, err := f.service.CreatePlaceholder(t.Context(), CreatePlaceholderRequest{
		AssetID:         f.asset.ID,
		ParentVariantID: &parent.ID,
	})
	require.NoError(t, err)

	edges, err := f.store.Lineage().GetByVariant(t.Context(), child.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)

	require.NoError(t, f.service.SeverEdge(t.Context(), edges[0].ID, true))

	// The edge still exists, only flagged.
	fetched, err := f.store.Lineage().GetByID(t.Context(), edges[0].ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.True(t, fetched.Severed)
}
