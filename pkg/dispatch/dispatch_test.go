package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapilot/pkg/artefact"
	"datapilot/pkg/logger"
	"datapilot/pkg/plan"
	"datapilot/pkg/store"
)

func newTestDispatcher(t *testing.T, registry *Registry) (*Dispatcher, *store.Store, *artefact.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	artefacts := artefact.New(filepath.Join(dir, "collaterals"))
	log := logger.CreateTestLogger(filepath.Join(dir, "test.log"), "debug")
	return New(st, registry, artefacts, log), st, artefacts
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	r.Register("h", func(ctx context.Context, task store.TaskRecord) error { return nil })
	assert.Panics(t, func() {
		r.Register("h", func(ctx context.Context, task store.TaskRecord) error { return nil })
	})
}

func TestPollRunsEachTaskOnce(t *testing.T) {
	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register("count", func(ctx context.Context, task store.TaskRecord) error {
		calls.Add(1)
		return nil
	})
	d, st, _ := newTestDispatcher(t, registry)
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, st.EnqueueTask(ctx, id, store.EntityPlanner, "p1", "count", nil))

	d.poll(ctx)
	d.wg.Wait()
	d.poll(ctx)
	d.wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, task.Status)
}

func TestExecuteRecordsHandlerError(t *testing.T) {
	registry := NewRegistry()
	registry.Register("boom", func(ctx context.Context, task store.TaskRecord) error {
		return errors.New("handler exploded")
	})
	d, st, _ := newTestDispatcher(t, registry)
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, st.EnqueueTask(ctx, id, store.EntityWorker, "w1", "boom", nil))
	require.NoError(t, st.ClaimTask(ctx, id))

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	d.wg.Add(1)
	d.execute(ctx, *task)

	task, err = st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, task.Status)
	assert.Equal(t, "handler exploded", task.ErrorMessage)
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	registry := NewRegistry()
	registry.Register("panics", func(ctx context.Context, task store.TaskRecord) error {
		panic("nil map write")
	})
	d, st, _ := newTestDispatcher(t, registry)
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, st.EnqueueTask(ctx, id, store.EntityWorker, "w1", "panics", nil))
	require.NoError(t, st.ClaimTask(ctx, id))

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	d.wg.Add(1)
	require.NotPanics(t, func() { d.execute(ctx, *task) })

	task, err = st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "panic")
}

func TestExecuteFailsUnknownHandler(t *testing.T) {
	d, st, _ := newTestDispatcher(t, NewRegistry())
	ctx := context.Background()

	id := uuid.NewString()
	require.NoError(t, st.EnqueueTask(ctx, id, store.EntityPlanner, "p1", "never_registered", nil))
	require.NoError(t, st.ClaimTask(ctx, id))

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	d.wg.Add(1)
	d.execute(ctx, *task)

	task, err = st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "unknown handler")
}

func TestResumeReenqueuesRecordedHandler(t *testing.T) {
	d, st, _ := newTestDispatcher(t, NewRegistry())
	ctx := context.Background()

	require.NoError(t, st.CreateRouter(ctx, &store.Router{ID: "r1", Status: store.RouterStatusProcessing}))
	require.NoError(t, st.CreatePlanner(ctx, &store.Planner{
		ID:          "p-exec",
		RouterID:    "r1",
		Status:      store.PlannerStatusExecuting,
		NextHandler: store.HandlerSynthesis,
	}))
	require.NoError(t, st.CreatePlanner(ctx, &store.Planner{
		ID:          "p-done",
		RouterID:    "r1",
		Status:      store.PlannerStatusCompleted,
		NextHandler: store.NextHandlerDone,
	}))

	require.NoError(t, d.resume(ctx))

	pending, err := st.GetPendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, store.HandlerSynthesis, pending[0].HandlerName)
	assert.Equal(t, "p-exec", pending[0].EntityID)
}

func TestResumeWaitingPlannerRecoversWorkerTask(t *testing.T) {
	d, st, artefacts := newTestDispatcher(t, NewRegistry())
	ctx := context.Background()

	require.NoError(t, st.CreateRouter(ctx, &store.Router{ID: "r1", Status: store.RouterStatusProcessing}))
	require.NoError(t, st.CreatePlanner(ctx, &store.Planner{
		ID:          "p-wait",
		RouterID:    "r1",
		Status:      store.PlannerStatusExecuting,
		NextHandler: store.NextHandlerWaiting,
	}))
	require.NoError(t, artefacts.WriteJSON("p-wait", plan.TaskFilename, plan.Task{
		ID:              "task-7",
		TaskDescription: "count rows",
	}))

	require.NoError(t, d.resume(ctx))

	pending, err := st.GetPendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, store.HandlerWorkerInit, pending[0].HandlerName)
	assert.Equal(t, "task-7", pending[0].EntityID)
	assert.Contains(t, string(pending[0].Payload), "p-wait")
}

func TestResumeWaitingPlannerWithoutSnapshotLogsAndContinues(t *testing.T) {
	d, st, _ := newTestDispatcher(t, NewRegistry())
	ctx := context.Background()

	require.NoError(t, st.CreateRouter(ctx, &store.Router{ID: "r1", Status: store.RouterStatusProcessing}))
	require.NoError(t, st.CreatePlanner(ctx, &store.Planner{
		ID:          "p-lost",
		RouterID:    "r1",
		Status:      store.PlannerStatusExecuting,
		NextHandler: store.NextHandlerWaiting,
	}))

	// resume itself succeeds; the broken planner is logged and skipped.
	require.NoError(t, d.resume(ctx))
	pending, err := st.GetPendingTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
