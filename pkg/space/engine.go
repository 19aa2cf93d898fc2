package space

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/atelierhq/atelier/pkg/config"
	"github.com/atelierhq/atelier/pkg/eventbus"
	"github.com/atelierhq/atelier/pkg/objectstore"
	"github.com/atelierhq/atelier/pkg/persistence/sqlite"
)

// Engine owns the spaces of one process: it opens each space's store on
// demand, holds the writer lease while a space is open, and runs the
// periodic reference-count sweep across all open spaces.
type Engine struct {
	config config.Config
	bus    eventbus.Broadcaster
	tracer trace.Tracer
	logger *slog.Logger
	lease  *WriterLease

	mu     sync.Mutex
	spaces map[string]*Space

	cron   *cron.Cron
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewEngine creates an engine. instanceID identifies this process for lease
// ownership; the lease is only enforced when the config sets a redis address.
func NewEngine(cfg config.Config, instanceID string, bus eventbus.Broadcaster, tracer trace.Tracer, logger *slog.Logger) *Engine {
	engine := &Engine{
		config: cfg,
		bus:    bus,
		tracer: tracer,
		logger: logger,
		spaces: make(map[string]*Space),
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		engine.lease = NewWriterLease(client, instanceID, DefaultLeaseTTL)
	}

	return engine
}

// Start launches the sweep schedule and the lease renewal loop.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.group, ctx = errgroup.WithContext(ctx)

	if e.lease != nil {
		e.group.Go(func() error {
			return e.renewLeases(ctx)
		})
	}

	if e.config.SweepSchedule != "" {
		e.cron = cron.New()

		_, err := e.cron.AddFunc(e.config.SweepSchedule, func() {
			e.sweepAll(ctx)
		})
		if err != nil {
			cancel()
			return fmt.Errorf("invalid sweep schedule %q: %w", e.config.SweepSchedule, err)
		}

		e.cron.Start()
	}

	e.logger.InfoContext(ctx, "space engine started",
		"data_dir", e.config.DataDir,
		"sweep_schedule", e.config.SweepSchedule,
		"writer_lease", e.lease != nil)

	return nil
}

// Open returns the space handle for id, opening its store on first use. The
// space id becomes a directory name, so path separators are rejected.
func (e *Engine) Open(ctx context.Context, id string) (*Space, error) {
	if id == "" || id == "." || id == ".." || id != filepath.Base(id) {
		return nil, fmt.Errorf("invalid space id %q", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if space, ok := e.spaces[id]; ok {
		return space, nil
	}

	if e.lease != nil {
		if err := e.lease.Acquire(ctx, id); err != nil {
			return nil, err
		}
	}

	space, err := e.open(ctx, id)
	if err != nil {
		if e.lease != nil {
			if releaseErr := e.lease.Release(ctx, id); releaseErr != nil {
				e.logger.ErrorContext(ctx, "failed to release writer lease",
					"space_id", id, "error", releaseErr)
			}
		}

		return nil, err
	}

	e.spaces[id] = space

	return space, nil
}

func (e *Engine) open(ctx context.Context, id string) (*Space, error) {
	dir := filepath.Join(e.config.DataDir, id)

	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create space directory for %s: %w", id, err)
	}

	store, err := sqlite.NewPersistence(ctx, e.logger, filepath.Join(dir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store for space %s: %w", id, err)
	}

	objects := objectstore.NewDiskStore(filepath.Join(dir, "objects"))

	e.logger.InfoContext(ctx, "space opened", "space_id", id)

	return NewSpace(id, store, objects, e.config.MaxParallelDefault, e.bus, e.tracer, e.logger), nil
}

// CloseSpace releases one space's store and writer lease.
func (e *Engine) CloseSpace(ctx context.Context, id string) error {
	e.mu.Lock()
	space, ok := e.spaces[id]
	delete(e.spaces, id)
	e.mu.Unlock()

	if !ok {
		return nil
	}

	err := space.Close(ctx)

	if e.lease != nil {
		if releaseErr := e.lease.Release(ctx, id); releaseErr != nil {
			e.logger.ErrorContext(ctx, "failed to release writer lease",
				"space_id", id, "error", releaseErr)
		}
	}

	return err
}

// Stop shuts down the sweep schedule, the renewal loop, and every open
// space.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}

	if e.cancel != nil {
		e.cancel()
	}

	if e.group != nil {
		if err := e.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.ErrorContext(ctx, "engine background task failed", "error", err)
		}
	}

	e.mu.Lock()
	ids := make([]string, 0, len(e.spaces))
	for id := range e.spaces {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.CloseSpace(ctx, id); err != nil {
			e.logger.ErrorContext(ctx, "failed to close space", "space_id", id, "error", err)
		}
	}

	e.logger.InfoContext(ctx, "space engine stopped")

	return nil
}

func (e *Engine) openIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.spaces))
	for id := range e.spaces {
		ids = append(ids, id)
	}

	return ids
}

func (e *Engine) sweepAll(ctx context.Context) {
	for _, id := range e.openIDs() {
		e.mu.Lock()
		space, ok := e.spaces[id]
		e.mu.Unlock()

		if !ok {
			continue
		}

		swept, err := space.Sweep(ctx)
		if err != nil {
			e.logger.ErrorContext(ctx, "reference sweep failed", "space_id", id, "error", err)
			continue
		}

		if swept > 0 {
			e.logger.InfoContext(ctx, "reference sweep reclaimed objects",
				"space_id", id, "swept", swept)
		}
	}
}

func (e *Engine) renewLeases(ctx context.Context) error {
	ticker := time.NewTicker(DefaultLeaseTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, id := range e.openIDs() {
				if err := e.lease.Renew(ctx, id); err != nil {
					e.logger.ErrorContext(ctx, "writer lease renewal failed",
						"space_id", id, "error", err)
				}
			}
		}
	}
}
