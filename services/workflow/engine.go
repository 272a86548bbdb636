package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EngineConfig tunes the job waiter and logging. Zero values use defaults.
type EngineConfig struct {
	PollInterval time.Duration
	JobTimeout   time.Duration
	Logger       *slog.Logger
}

// StartOptions carries metadata recorded with a new run.
type StartOptions struct {
	WorkflowID string
	Name       string
}

// Engine hosts the active runs of this process and exposes the control
// surface used to start, cancel, pause and resume them.
type Engine struct {
	controller *Controller
	store      StateStore
	jobs       JobCanceller
	registry   Registry
	logger     *slog.Logger

	base context.Context
	stop context.CancelFunc

	// control serialises control-surface calls for the same process.
	control sync.Mutex
	mu      sync.Mutex
	runs    map[string]*Run
	wg      sync.WaitGroup
}

// NewEngine creates an Engine. jobs is consulted by the job waiter and for
// best-effort cancellation of external jobs.
func NewEngine(registry Registry, jobs JobService, store StateStore, cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	waiter := NewWaiter(jobs, cfg.PollInterval, cfg.JobTimeout, logger)
	return &Engine{
		controller: NewController(NewDispatcher(registry), waiter, store, logger),
		store:      store,
		jobs:       jobs,
		registry:   registry,
		logger:     logger,
		base:       base,
		stop:       stop,
		runs:       make(map[string]*Run),
	}
}

// Store returns the engine's state store.
func (e *Engine) Store() StateStore { return e.store }

// NodeTypes returns the node types this engine can dispatch.
func (e *Engine) NodeTypes() []string { return e.registry.Types() }

// Start records a new pending run of def and executes it in the background.
// It returns the run id immediately.
func (e *Engine) Start(ctx context.Context, def *Definition, input map[string]any, ownerID string, opts StartOptions) (string, error) {
	if def == nil {
		return "", ErrEmptyDefinition
	}

	run := newRun(e.base, uuid.NewString(), ownerID, opts.WorkflowID, def, input)
	if err := e.store.CreateRun(ctx, &RunRecord{
		ID:         run.ID,
		WorkflowID: opts.WorkflowID,
		OwnerID:    ownerID,
		Name:       opts.Name,
		Status:     RunPending,
	}); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	e.mu.Lock()
	e.runs[run.ID] = run
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(run.done)
		defer run.cancel()
		defer e.forget(run.ID)

		if err := e.controller.Execute(run); err != nil {
			e.logger.Debug("Workflow run ended with error", "run_id", run.ID, "error", err)
		}
	}()
	return run.ID, nil
}

// Await blocks until the run has finished or ctx is done. Runs that are not
// active in this process return immediately.
func (e *Engine) Await(ctx context.Context, runID string) error {
	run, ok := e.lookup(runID)
	if !ok {
		return nil
	}
	select {
	case <-run.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the ids of runs executing in this process.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cancel stops a run. Already completed nodes keep their status. External
// jobs still running for the run are asked to stop; failures to do so are
// logged and not returned.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.control.Lock()
	defer e.control.Unlock()

	var ownerID string
	var handles []JobHandle

	if run, ok := e.lookup(runID); ok {
		ok, err := run.commit(ctx, e.store, RunCanceled, "", RunPending, RunRunning, RunPaused)
		if !ok {
			return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, run.Status())
		}
		if h := run.takeActiveJob(); h != nil {
			handles = append(handles, *h)
		}
		run.cancel()
		if err != nil {
			return fmt.Errorf("persist cancel: %w", err)
		}
		ownerID = run.OwnerID
	} else {
		rec, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		switch rec.Status {
		case RunPending, RunRunning, RunPaused:
		default:
			return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, rec.Status)
		}
		if err := e.store.UpdateRunStatus(ctx, runID, RunCanceled, ""); err != nil {
			return fmt.Errorf("persist cancel: %w", err)
		}
		ownerID = rec.OwnerID
	}
	e.logger.Info("Workflow run canceled", "run_id", runID)

	running, err := e.store.RunningJobs(ctx, runID)
	if err != nil {
		e.logger.Error("Failed to list running jobs", "run_id", runID, "error", err)
	}
	e.cancelJobs(ctx, runID, ownerID, append(handles, running...))
	return nil
}

func (e *Engine) cancelJobs(ctx context.Context, runID, ownerID string, handles []JobHandle) {
	seen := make(map[JobHandle]bool, len(handles))
	for _, h := range handles {
		if seen[h] {
			continue
		}
		seen[h] = true
		if err := e.jobs.CancelJob(ctx, h, ownerID); err != nil {
			e.logger.Error("Failed to cancel external job", "run_id", runID, "job_id", h.ID, "job_kind", h.Kind, "error", err)
		}
	}
}

// Pause stops a running run before its next node. A node that is already
// executing, including one waiting on an external job, finishes first.
func (e *Engine) Pause(ctx context.Context, runID string) error {
	return e.signal(ctx, runID, RunPaused, RunRunning)
}

// Resume lets a paused run continue with its next node.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	return e.signal(ctx, runID, RunRunning, RunPaused)
}

func (e *Engine) signal(ctx context.Context, runID string, next, from RunStatus) error {
	e.control.Lock()
	defer e.control.Unlock()

	run, ok := e.lookup(runID)
	if !ok {
		if _, err := e.store.GetRun(ctx, runID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	ok, err := run.commit(ctx, e.store, next, "", from)
	if !ok {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, next, run.Status())
	}
	if err != nil {
		return fmt.Errorf("persist %s: %w", next, err)
	}
	e.logger.Info("Workflow run status changed", "run_id", runID, "status", next)
	return nil
}

// Details returns a run record with its node execution records.
func (e *Engine) Details(ctx context.Context, runID string) (*ExecutionDetails, error) {
	rec, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	nodes, err := e.store.ListNodeExecutions(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	return &ExecutionDetails{RunRecord: *rec, NodeExecutions: nodes}, nil
}

// Shutdown cancels every active run and waits for their controllers.
func (e *Engine) Shutdown(ctx context.Context) error {
	for _, id := range e.Active() {
		if err := e.Cancel(ctx, id); err != nil && !errors.Is(err, ErrInvalidTransition) {
			e.logger.Error("Failed to cancel run on shutdown", "run_id", id, "error", err)
		}
	}
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) lookup(runID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[runID]
	return run, ok
}

func (e *Engine) forget(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, runID)
}
