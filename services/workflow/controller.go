package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Controller drives a single run through its nodes in dependency order.
type Controller struct {
	dispatcher *Dispatcher
	waiter     *Waiter
	store      StateStore
	logger     *slog.Logger
	now        func() time.Time
}

// NewController creates a Controller.
func NewController(dispatcher *Dispatcher, waiter *Waiter, store StateStore, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		dispatcher: dispatcher,
		waiter:     waiter,
		store:      store,
		logger:     logger,
		now:        time.Now,
	}
}

// Execute runs every node of the run sequentially. It returns nil when the
// run completes or is canceled, and the causing error when it fails.
func (c *Controller) Execute(run *Run) error {
	// Store writes use a context detached from cancellation so the final
	// status of a canceled run is still recorded.
	ctx := context.WithoutCancel(run.ctx)
	logger := c.logger.With("run_id", run.ID)

	ok, err := run.commit(ctx, c.store, RunRunning, "", RunPending)
	if !ok {
		if run.Status() == RunCanceled {
			return nil
		}
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, run.Status())
	}
	if err != nil {
		return c.fail(ctx, run, fmt.Errorf("persist run start: %w", err))
	}
	total := len(run.Definition.Nodes)
	if err := c.store.UpdateRunProgress(ctx, run.ID, Progress{TotalNodes: total}); err != nil {
		return c.fail(ctx, run, fmt.Errorf("persist progress: %w", err))
	}
	logger.Info("Starting workflow run", "nodes", total)

	graph, err := BuildGraph(run.Definition)
	if err != nil {
		return c.fail(ctx, run, err)
	}
	order, err := Schedule(graph)
	if err != nil {
		return c.fail(ctx, run, err)
	}

	completed := 0
	for _, nodeID := range order {
		if err := run.awaitRunnable(); err != nil || run.Status() == RunCanceled {
			logger.Info("Workflow run canceled", "completed_nodes", completed)
			return nil
		}

		node, _ := graph.Node(nodeID)
		if err := c.executeNode(ctx, run, node); err != nil {
			if run.Status() == RunCanceled {
				logger.Info("Workflow run canceled", "node_id", node.ID, "completed_nodes", completed)
				return nil
			}
			return c.fail(ctx, run, fmt.Errorf("node %s: %w", node.ID, err))
		}

		completed++
		if err := c.store.UpdateRunProgress(ctx, run.ID, Progress{TotalNodes: total, CompletedNodes: completed}); err != nil {
			return c.fail(ctx, run, fmt.Errorf("persist progress: %w", err))
		}
	}

	if err := run.awaitRunnable(); err != nil {
		logger.Info("Workflow run canceled", "completed_nodes", completed)
		return nil
	}
	ok, err = run.commit(ctx, c.store, RunCompleted, "", RunRunning)
	if !ok {
		logger.Info("Workflow run canceled", "completed_nodes", completed)
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist run completion: %w", err)
	}
	logger.Info("Workflow run completed", "completed_nodes", completed)
	return nil
}

// executeNode dispatches one node, waits for its external job if it started
// one, and records the outcome.
func (c *Controller) executeNode(ctx context.Context, run *Run, node Node) error {
	logger := c.logger.With("run_id", run.ID, "node_id", node.ID, "node_type", node.Type)
	logger.Info("Executing node")

	input := run.assembleInput(node.ID)
	rec := &NodeExecutionRecord{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		NodeID:    node.ID,
		NodeType:  node.Type,
		Config:    node.Config,
		Status:    NodeRunning,
		Input:     input,
		StartedAt: c.now(),
	}
	if err := c.store.CreateNodeExecution(ctx, rec); err != nil {
		return fmt.Errorf("persist node execution: %w", err)
	}

	out, err := c.dispatch(ctx, run, rec, node, input)
	finished := c.now()
	rec.CompletedAt = &finished

	if err != nil {
		logger.Error("Node execution failed", "error", err)
		rec.Status = NodeFailed
		rec.ErrorMessage = err.Error()
		if ferr := c.store.FinishNodeExecution(ctx, rec); ferr != nil {
			logger.Error("Failed to persist node failure", "error", ferr)
		}
		return err
	}

	run.setOutput(node.ID, out)
	rec.Status = NodeCompleted
	rec.Output = out
	if err := c.store.FinishNodeExecution(ctx, rec); err != nil {
		return fmt.Errorf("persist node completion: %w", err)
	}
	logger.Info("Node execution completed", "duration", finished.Sub(rec.StartedAt))
	return nil
}

func (c *Controller) dispatch(ctx context.Context, run *Run, rec *NodeExecutionRecord, node Node, input Input) (*NodeOutput, error) {
	out, err := c.dispatcher.Dispatch(run.ctx, node, input, run.OwnerID)
	if err != nil || out.Job == nil {
		return out, err
	}

	handle := *out.Job
	rec.Job = &handle
	run.setActiveJob(&handle)
	defer run.setActiveJob(nil)
	if err := c.store.AttachNodeJob(ctx, rec.ID, handle); err != nil {
		return nil, fmt.Errorf("persist job handle: %w", err)
	}

	status, err := c.waiter.Wait(run.ctx, handle, run.OwnerID)
	if err != nil {
		return nil, err
	}
	return out.resolve(status), nil
}

func (c *Controller) fail(ctx context.Context, run *Run, cause error) error {
	ok, err := run.commit(ctx, c.store, RunFailed, cause.Error(), RunPending, RunRunning, RunPaused)
	if !ok {
		if errors.Is(cause, context.Canceled) || run.Status() == RunCanceled {
			return nil
		}
		return cause
	}
	c.logger.Error("Workflow run failed", "run_id", run.ID, "error", cause)
	if err != nil {
		c.logger.Error("Failed to persist run failure", "run_id", run.ID, "error", err)
	}
	return cause
}
