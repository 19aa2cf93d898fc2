package plan

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
)

type recordingBus struct {
	events []events.Event
}

func (b *recordingBus) Publish(_ context.Context, event events.Event) error {
	b.events = append(b.events, event)

	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *recordingBus) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.NewPersistence(t.Context(), logger, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close(t.Context())
	})

	bus := &recordingBus{}

	return NewScheduler("space-1", store, NewSchemaRegistry(), DefaultMaxParallel, bus, logger), bus
}

func generateParams(prompt string) map[string]any {
	return map[string]any{"prompt": prompt}
}

func TestScheduler_Create_ResolvesDependencyIndexes(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	plan, steps, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "design the villain",
		MaxParallel: 2,
		Steps: []StepSpec{
			{Description: "base look", Action: "generate_image", Params: generateParams("villain")},
			{Description: "alt look", Action: "generate_image", Params: generateParams("villain, armored")},
			{Description: "pick and refine", Action: "generate_image", Params: generateParams("refined"), DependsOn: []int{0, 1}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusPlanning, plan.Status)
	require.Len(t, steps, 3)

	assert.Equal(t, []string{steps[0].ID, steps[1].ID}, steps[2].DependsOn)
	assert.Equal(t, 2, steps[2].StepIndex)
}

func TestScheduler_Create_DefaultsMaxParallel(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	plan, _, err := scheduler.Create(t.Context(), CreateRequest{
		Goal: "sketch the hideout",
		Steps: []StepSpec{
			{Description: "exterior", Action: "generate_image", Params: generateParams("hideout")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxParallel, plan.MaxParallel)
}

func TestScheduler_Create_RejectsBadDependencyIndex(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	_, _, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "bad plan",
		MaxParallel: 1,
		Steps: []StepSpec{
			{Description: "self dep", Action: "generate_image", Params: generateParams("x"), DependsOn: []int{0}},
		},
	})
	require.Error(t, err)
}

func TestScheduler_Create_RejectsInvalidParams(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	_, _, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "bad params",
		MaxParallel: 1,
		Steps: []StepSpec{
			{Description: "no prompt", Action: "generate_image", Params: map[string]any{"model": "sdxl"}},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidParams))
}

func TestScheduler_Create_UnregisteredActionAccepted(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	_, _, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "custom action",
		MaxParallel: 1,
		Steps: []StepSpec{
			{Description: "custom", Action: "annotate_asset", Params: map[string]any{"note": "anything"}},
		},
	})
	require.NoError(t, err)
}

func TestScheduler_StatusTransitions(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	plan, _, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "lifecycle",
		MaxParallel: 1,
		Steps:       []StepSpec{{Description: "s", Action: "generate_image", Params: generateParams("x")}},
	})
	require.NoError(t, err)

	// Pausing a planning plan is illegal.
	err = scheduler.Pause(t.Context(), plan.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, scheduler.Approve(t.Context(), plan.ID))
	require.NoError(t, scheduler.Pause(t.Context(), plan.ID))
	require.NoError(t, scheduler.Resume(t.Context(), plan.ID))
	require.NoError(t, scheduler.Cancel(t.Context(), plan.ID))

	// Cancelled is terminal.
	err = scheduler.Cancel(t.Context(), plan.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestScheduler_GetExecutableSteps_DependencyGating(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	plan, steps, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "gated",
		MaxParallel: 3,
		Steps: []StepSpec{
			{Description: "s1", Action: "generate_image", Params: generateParams("a")},
			{Description: "s2", Action: "generate_image", Params: generateParams("b")},
			{Description: "s3", Action: "generate_image", Params: generateParams("c"), DependsOn: []int{0, 1}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.Approve(t.Context(), plan.ID))

	require.NoError(t, scheduler.StartStep(t.Context(), steps[0].ID))
	require.NoError(t, scheduler.CompleteStep(t.Context(), steps[0].ID, "done"))

	// s1 completed, s2 still pending: only s2 is executable, s3 waits.
	executable, err := scheduler.GetExecutableSteps(t.Context(), plan.ID, 0)
	require.NoError(t, err)
	require.Len(t, executable, 1)
	assert.Equal(t, steps[1].ID, executable[0].ID)
}

func TestScheduler_GetExecutableSteps_SkippedCountsAsResolved(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	plan, steps, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "skip path",
		MaxParallel: 1,
		Steps: []StepSpec{
			{Description: "s1", Action: "generate_image", Params: generateParams("a")},
			{Description: "s2", Action: "generate_image", Params: generateParams("b"), DependsOn: []int{0}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.Approve(t.Context(), plan.ID))

	require.NoError(t, scheduler.SkipStep(t.Context(), steps[0].ID))

	executable, err := scheduler.GetExecutableSteps(t.Context(), plan.ID, 0)
	require.NoError(t, err)
	require.Len(t, executable, 1)
	assert.Equal(t, steps[1].ID, executable[0].ID)
}

func TestScheduler_NextSteps_RespectsParallelCap(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	plan, steps, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "capped",
		AutoAdvance: true,
		MaxParallel: 2,
		Steps: []StepSpec{
			{Description: "s1", Action: "generate_image", Params: generateParams("a")},
			{Description: "s2", Action: "generate_image", Params: generateParams("b")},
			{Description: "s3", Action: "generate_image", Params: generateParams("c")},
		},
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.Approve(t.Context(), plan.ID))

	next, err := scheduler.NextSteps(t.Context(), plan.ID)
	require.NoError(t, err)
	assert.Len(t, next, 2)

	require.NoError(t, scheduler.StartStep(t.Context(), steps[0].ID))

	next, err = scheduler.NextSteps(t.Context(), plan.ID)
	require.NoError(t, err)
	assert.Len(t, next, 1)

	require.NoError(t, scheduler.StartStep(t.Context(), steps[1].ID))

	next, err = scheduler.NextSteps(t.Context(), plan.ID)
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestScheduler_NextSteps_ManualPlansReportNothing(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	plan, _, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "manual",
		AutoAdvance: false,
		MaxParallel: 2,
		Steps:       []StepSpec{{Description: "s1", Action: "generate_image", Params: generateParams("a")}},
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.Approve(t.Context(), plan.ID))

	next, err := scheduler.NextSteps(t.Context(), plan.ID)
	require.NoError(t, err)
	assert.Empty(t, next)

	// The steps are still individually executable.
	executable, err := scheduler.GetExecutableSteps(t.Context(), plan.ID, 0)
	require.NoError(t, err)
	assert.Len(t, executable, 1)
}

func TestScheduler_CompleteAllSteps_CompletesPlan(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	plan, steps, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "finish",
		MaxParallel: 1,
		Steps: []StepSpec{
			{Description: "s1", Action: "generate_image", Params: generateParams("a")},
			{Description: "s2", Action: "generate_image", Params: generateParams("b")},
		},
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.Approve(t.Context(), plan.ID))

	for _, step := range steps {
		require.NoError(t, scheduler.StartStep(t.Context(), step.ID))
		require.NoError(t, scheduler.CompleteStep(t.Context(), step.ID, "done"))
	}

	fetched, err := scheduler.Get(t.Context(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusCompleted, fetched.Status)
	assert.Equal(t, 0, fetched.ActiveStepCount)
}

func TestScheduler_FailStep_BlocksDirectDependentsOnly(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	// s2 depends on s1, s3 depends on s2. Failing s1 blocks s2 only:
	// the cascade is one level deep per failure.
	plan, steps, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "chain",
		MaxParallel: 1,
		Steps: []StepSpec{
			{Description: "s1", Action: "generate_image", Params: generateParams("a")},
			{Description: "s2", Action: "generate_image", Params: generateParams("b"), DependsOn: []int{0}},
			{Description: "s3", Action: "generate_image", Params: generateParams("c"), DependsOn: []int{1}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.Approve(t.Context(), plan.ID))

	require.NoError(t, scheduler.StartStep(t.Context(), steps[0].ID))
	require.NoError(t, scheduler.FailStep(t.Context(), steps[0].ID, "generation failed"))

	fetched, err := scheduler.Steps(t.Context(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, fetched[0].Status)
	assert.Equal(t, models.StepStatusBlocked, fetched[1].Status)
	assert.Equal(t, models.StepStatusPending, fetched[2].Status)

	failedPlan, err := scheduler.Get(t.Context(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanStatusFailed, failedPlan.Status)
}

func TestScheduler_ReresolveBlockedSteps(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	plan, steps, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "recover",
		MaxParallel: 1,
		Steps: []StepSpec{
			{Description: "s1", Action: "generate_image", Params: generateParams("a")},
			{Description: "s2", Action: "generate_image", Params: generateParams("b"), DependsOn: []int{0}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.Approve(t.Context(), plan.ID))

	require.NoError(t, scheduler.StartStep(t.Context(), steps[0].ID))
	require.NoError(t, scheduler.FailStep(t.Context(), steps[0].ID, "generation failed"))

	// While s1 stays failed, s2 stays blocked.
	require.NoError(t, scheduler.ReresolveBlockedSteps(t.Context(), plan.ID))

	fetched, err := scheduler.Steps(t.Context(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusBlocked, fetched[1].Status)
}

func TestScheduler_InsertStepAfter_ReindexesLaterSteps(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	plan, steps, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "revise",
		MaxParallel: 1,
		Steps: []StepSpec{
			{Description: "s1", Action: "generate_image", Params: generateParams("a")},
			{Description: "s2", Action: "generate_image", Params: generateParams("b")},
		},
	})
	require.NoError(t, err)

	inserted, err := scheduler.InsertStepAfter(t.Context(), steps[0].ID, StepSpec{
		Description: "inserted",
		Action:      "generate_image",
		Params:      generateParams("between"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted.StepIndex)

	fetched, err := scheduler.Steps(t.Context(), plan.ID)
	require.NoError(t, err)
	require.Len(t, fetched, 3)
	assert.Equal(t, []string{steps[0].ID, inserted.ID, steps[1].ID},
		[]string{fetched[0].ID, fetched[1].ID, fetched[2].ID})
	assert.Equal(t, []int{0, 1, 2},
		[]int{fetched[0].StepIndex, fetched[1].StepIndex, fetched[2].StepIndex})

	revised, err := scheduler.Get(t.Context(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, revised.RevisionCount)
	assert.NotNil(t, revised.RevisedAt)
}

func TestScheduler_UpdateStepDescription_SnapshotsOriginalOnce(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	_, steps, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "revise",
		MaxParallel: 1,
		Steps:       []StepSpec{{Description: "first draft", Action: "generate_image", Params: generateParams("a")}},
	})
	require.NoError(t, err)

	require.NoError(t, scheduler.UpdateStepDescription(t.Context(), steps[0].ID, "second draft"))
	require.NoError(t, scheduler.UpdateStepDescription(t.Context(), steps[0].ID, "third draft"))

	step, err := scheduler.getStep(t.Context(), steps[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "third draft", step.Description)
	require.NotNil(t, step.OriginalDescription)
	assert.Equal(t, "first draft", *step.OriginalDescription)
}

func TestScheduler_UpdateStepParams_PendingOnly(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	plan, steps, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "revise",
		MaxParallel: 1,
		Steps:       []StepSpec{{Description: "s1", Action: "generate_image", Params: generateParams("a")}},
	})
	require.NoError(t, err)
	require.NoError(t, scheduler.Approve(t.Context(), plan.ID))
	require.NoError(t, scheduler.StartStep(t.Context(), steps[0].ID))

	err = scheduler.UpdateStepParams(t.Context(), steps[0].ID, generateParams("b"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStepNotPending))
}

func TestScheduler_CompleteStep_RequiresInProgress(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	_, steps, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "report",
		MaxParallel: 1,
		Steps:       []StepSpec{{Description: "s1", Action: "generate_image", Params: generateParams("a")}},
	})
	require.NoError(t, err)

	err = scheduler.CompleteStep(t.Context(), steps[0].ID, "done")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStepNotInProgress))
}

func TestScheduler_Archive_TerminalOnly(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	plan, _, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "archive",
		MaxParallel: 1,
		Steps:       []StepSpec{{Description: "s1", Action: "generate_image", Params: generateParams("a")}},
	})
	require.NoError(t, err)

	err = scheduler.Archive(t.Context(), plan.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, scheduler.Cancel(t.Context(), plan.ID))
	require.NoError(t, scheduler.Archive(t.Context(), plan.ID))

	_, err = scheduler.Get(t.Context(), plan.ID)
	assert.True(t, errors.Is(err, ErrPlanNotFound))
}

func TestScheduler_EventsCarrySpace(t *testing.T) {
	scheduler, bus := newTestScheduler(t)

	_, _, err := scheduler.Create(t.Context(), CreateRequest{
		Goal:        "events",
		MaxParallel: 1,
		Steps:       []StepSpec{{Description: "s1", Action: "generate_image", Params: generateParams("a")}},
	})
	require.NoError(t, err)

	require.Len(t, bus.events, 1)

	created, ok := bus.events[0].(*events.PlanCreated)
	require.True(t, ok)
	assert.Equal(t, "space-1", created.SpaceID)
}
