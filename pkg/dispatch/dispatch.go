// Package dispatch polls the durable task queue and runs claimed tasks
// through registered handlers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"datapilot/pkg/artefact"
	"datapilot/pkg/logger"
	"datapilot/pkg/store"
)

const pollInterval = 1 * time.Second

// HandlerFunc executes one task. A returned error marks the task FAILED.
type HandlerFunc func(ctx context.Context, task store.TaskRecord) error

// Registry maps handler names to handler functions.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler name. Registering a duplicate name panics since
// it is a wiring bug.
func (r *Registry) Register(name string, fn HandlerFunc) {
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler %q registered twice", name))
	}
	r.handlers[name] = fn
}

// Get looks up a handler.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	fn, ok := r.handlers[name]
	return fn, ok
}

// Dispatcher drives the task queue: claim, execute in a goroutine, record
// the terminal status.
type Dispatcher struct {
	store     *store.Store
	registry  *Registry
	artefacts *artefact.Store
	logger    logger.Logger
	interval  time.Duration

	wg sync.WaitGroup
}

// New creates a dispatcher polling at the default interval.
func New(st *store.Store, registry *Registry, artefacts *artefact.Store, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:     st,
		registry:  registry,
		artefacts: artefacts,
		logger:    log,
		interval:  pollInterval,
	}
}

// Run wipes stale queue records, replays resumable planners, then polls until
// ctx is cancelled. In-flight handlers are waited for on shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	wiped, err := d.store.ClearTaskQueue(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear task queue on startup: %w", err)
	}
	if wiped > 0 {
		d.logger.Infof("🧹 Cleared %d stale task records on startup", wiped)
	}
	if err := d.resume(ctx); err != nil {
		return err
	}

	d.logger.Infof("🚀 Dispatcher polling every %s", d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll claims every pending task and runs each in its own goroutine.
func (d *Dispatcher) poll(ctx context.Context) {
	tasks, err := d.store.GetPendingTasks(ctx)
	if err != nil {
		d.logger.Errorf("Failed to read pending tasks: %v", err)
		return
	}
	for _, task := range tasks {
		if err := d.store.ClaimTask(ctx, task.TaskID); err != nil {
			if errors.Is(err, store.ErrClaimConflict) {
				continue
			}
			d.logger.Errorf("Failed to claim task %s: %v", task.TaskID, err)
			continue
		}
		d.wg.Add(1)
		go d.execute(ctx, task)
	}
}

// execute runs one claimed task to a terminal status. A handler panic is
// caught, logged with its stack, and recorded as FAILED.
func (d *Dispatcher) execute(ctx context.Context, task store.TaskRecord) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("Handler %s panicked on task %s: %v\n%s",
				task.HandlerName, task.TaskID, r, debug.Stack())
			d.finish(ctx, task.TaskID, store.TaskStatusFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	fn, ok := d.registry.Get(task.HandlerName)
	if !ok {
		d.logger.Errorf("No handler registered for %q (task %s)", task.HandlerName, task.TaskID)
		d.finish(ctx, task.TaskID, store.TaskStatusFailed, fmt.Sprintf("unknown handler: %s", task.HandlerName))
		return
	}

	d.logger.Infof("▶️  Running %s for %s %s", task.HandlerName, task.EntityType, task.EntityID)
	if err := fn(ctx, task); err != nil {
		d.logger.Errorf("Handler %s failed on task %s: %v", task.HandlerName, task.TaskID, err)
		d.finish(ctx, task.TaskID, store.TaskStatusFailed, err.Error())
		return
	}
	d.finish(ctx, task.TaskID, store.TaskStatusCompleted, "")
}

func (d *Dispatcher) finish(ctx context.Context, taskID, status, errMsg string) {
	if err := d.store.CompleteTask(ctx, taskID, status, errMsg); err != nil {
		d.logger.Errorf("Failed to record task %s as %s: %v", taskID, status, err)
	}
}
