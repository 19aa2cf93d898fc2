// Package refcount implements the reference-counted garbage collector for
// externally stored binary objects.
package refcount

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atelierhq/atelier/pkg/models"
	"github.com/atelierhq/atelier/pkg/objectstore"
	"github.com/atelierhq/atelier/pkg/persistence"
)

// Counter tracks how many live variants reference each object key and
// triggers physical deletion when a count reaches zero. Counts are advisory
// bookkeeping: a failed physical deletion is logged, the counter row is
// removed regardless, and the orphaned object is an accepted failure mode.
type Counter struct {
	refs    persistence.ImageRefRepository
	deleter objectstore.Deleter
	logger  *slog.Logger
}

// NewCounter creates a reference counter over the given repository and
// physical deleter.
func NewCounter(refs persistence.ImageRefRepository, deleter objectstore.Deleter, logger *slog.Logger) *Counter {
	return &Counter{
		refs:    refs,
		deleter: deleter,
		logger:  logger,
	}
}

// Increment records one more live reference to an object key.
func (c *Counter) Increment(ctx context.Context, objectKey string) error {
	return c.refs.Increment(ctx, objectKey)
}

// Decrement releases one reference. At zero or below, the physical object is
// deleted and the counter row removed; deletion failure does not block row
// removal.
func (c *Counter) Decrement(ctx context.Context, objectKey string) error {
	count, err := c.refs.Decrement(ctx, objectKey)
	if err != nil {
		return fmt.Errorf("failed to decrement reference for %s: %w", objectKey, err)
	}

	if count > 0 {
		return nil
	}

	return c.reclaim(ctx, objectKey)
}

// reclaim deletes the physical object and drops its counter row. Deletion
// failure does not block row removal.
func (c *Counter) reclaim(ctx context.Context, objectKey string) error {
	if err := c.deleter.Delete(ctx, objectKey); err != nil {
		c.logger.ErrorContext(ctx, "failed to delete unreferenced object",
			"object_key", objectKey, "error", err)
	}

	if err := c.refs.Remove(ctx, objectKey); err != nil {
		return fmt.Errorf("failed to remove reference row for %s: %w", objectKey, err)
	}

	return nil
}

// AddVariantRefs increments references for every object key a completed
// variant holds. Callers invoke this exactly once per variant, at completion
// or at completed-at-creation time.
func (c *Counter) AddVariantRefs(ctx context.Context, variant *models.Variant) error {
	for _, key := range variant.ObjectKeys() {
		if err := c.Increment(ctx, key); err != nil {
			return err
		}
	}

	return nil
}

// ReleaseVariantRefs decrements references for every object key a completed
// variant holds. Placeholder and failed variants contribute no references,
// so callers must gate on completed status.
func (c *Counter) ReleaseVariantRefs(ctx context.Context, variant *models.Variant) error {
	for _, key := range variant.ObjectKeys() {
		if err := c.Decrement(ctx, key); err != nil {
			return err
		}
	}

	return nil
}

// Sweep reconciles the counter table against the completed variants,
// repairing drift left by crashes. Keys no longer referenced by any
// completed variant are reclaimed outright: the object is deleted and the
// counter row dropped regardless of its recorded count. Returns the number
// of keys swept.
func (c *Counter) Sweep(ctx context.Context, variants persistence.VariantRepository) (int, error) {
	completed, err := variants.GetCompleted(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list completed variants: %w", err)
	}

	live := make(map[string]struct{})

	for _, variant := range completed {
		for _, key := range variant.ObjectKeys() {
			live[key] = struct{}{}
		}
	}

	refs, err := c.refs.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list references: %w", err)
	}

	swept := 0

	for _, ref := range refs {
		if _, ok := live[ref.ObjectKey]; ok {
			continue
		}

		c.logger.WarnContext(ctx, "sweeping orphaned object reference",
			"object_key", ref.ObjectKey, "ref_count", ref.RefCount)

		if err := c.reclaim(ctx, ref.ObjectKey); err != nil {
			return swept, err
		}

		swept++
	}

	return swept, nil
}
