// Package space hosts the per-tenant single-writer actor and the engine
// registry that owns one actor per space.
package space

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/atelierhq/atelier/pkg/asset"
	"github.com/atelierhq/atelier/pkg/eventbus"
	"github.com/atelierhq/atelier/pkg/hierarchy"
	"github.com/atelierhq/atelier/pkg/lineage"
	"github.com/atelierhq/atelier/pkg/objectstore"
	"github.com/atelierhq/atelier/pkg/persistence"
	"github.com/atelierhq/atelier/pkg/plan"
	"github.com/atelierhq/atelier/pkg/refcount"
	"github.com/atelierhq/atelier/pkg/tracing"
	"github.com/atelierhq/atelier/pkg/variant"
)

// Space is the single logical writer for one tenant's state. Every operation
// against the space's store goes through Do, which serializes commands under
// one mutex: within a space there is never a concurrent read-modify-write,
// so status transitions, counter updates, and cycle-check-then-write
// sequences need no further locking. Distinct spaces run fully in parallel.
type Space struct {
	ID string

	mu     sync.Mutex
	store  persistence.Persistence
	logger *slog.Logger
	tracer trace.Tracer

	Assets    *asset.Service
	Variants  *variant.Service
	Plans     *plan.Scheduler
	Refs      *refcount.Counter
	Hierarchy *hierarchy.Graph
	Lineage   *lineage.Graph
}

// NewSpace wires the services for one space over its store. maxParallel is
// the plan concurrency bound applied when a plan does not set its own.
func NewSpace(id string, store persistence.Persistence, deleter objectstore.Deleter, maxParallel int, bus eventbus.Broadcaster, tracer trace.Tracer, logger *slog.Logger) *Space {
	refs := refcount.NewCounter(store.ImageRefs(), deleter, logger)
	graph := hierarchy.NewGraph(store.Assets())

	return &Space{
		ID:        id,
		store:     store,
		logger:    logger,
		tracer:    tracer,
		Refs:      refs,
		Hierarchy: graph,
		Lineage:   lineage.NewGraph(store.Lineage(), store.Variants()),
		Assets:    asset.NewService(id, store, graph, refs, bus, logger),
		Variants:  variant.NewService(id, store, refs, bus, logger),
		Plans:     plan.NewScheduler(id, store, plan.NewSchemaRegistry(), maxParallel, bus, logger),
	}
}

// Do runs one command against the space under the writer mutex. command
// names the operation for tracing.
func (s *Space) Do(ctx context.Context, command string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tracer != nil {
		var span trace.Span

		ctx, span = tracing.StartSpan(ctx, s.tracer, "space.command",
			attribute.String(tracing.SpaceIDKey, s.ID),
			attribute.String(tracing.CommandKey, command),
		)
		defer span.End()

		err := fn(ctx)
		if err != nil {
			tracing.SetError(span, err)
		}

		return err
	}

	return fn(ctx)
}

// Sweep reconciles the space's reference counts against its completed
// variants.
func (s *Space) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.Refs.Sweep(ctx, s.store.Variants())
}

// Close releases the space's store.
func (s *Space) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.Close(ctx)
}

// HealthCheck verifies the space's store is reachable.
func (s *Space) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}
