package workflow

import (
	"context"
	"maps"
	"sync"
)

// Run is the mutable state of one workflow run. Node outputs are written by
// the run's controller only; status and the active job are shared with the
// control surface and guarded by mu.
type Run struct {
	ID         string
	OwnerID    string
	WorkflowID string
	Definition *Definition
	Input      map[string]any

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	commitMu sync.Mutex

	mu        sync.Mutex
	status    RunStatus
	outputs   map[string]*NodeOutput
	activeJob *JobHandle
	resumed   chan struct{}
}

func newRun(ctx context.Context, id, ownerID, workflowID string, def *Definition, input map[string]any) *Run {
	ctx, cancel := context.WithCancel(ctx)
	if input == nil {
		input = map[string]any{}
	}
	return &Run{
		ID:         id,
		OwnerID:    ownerID,
		WorkflowID: workflowID,
		Definition: def,
		Input:      input,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		status:     RunPending,
		outputs:    make(map[string]*NodeOutput, len(def.Nodes)),
	}
}

// Status returns the run's current status.
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Output returns the captured output of a node, if it has run.
func (r *Run) Output(nodeID string) (*NodeOutput, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.outputs[nodeID]
	return out, ok
}

// Done is closed once the run's controller has returned.
func (r *Run) Done() <-chan struct{} { return r.done }

// transition moves the run to next when its current status is one of from.
func (r *Run) transition(next RunStatus, from ...RunStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range from {
		if r.status != s {
			continue
		}
		switch {
		case next == RunPaused:
			r.resumed = make(chan struct{})
		case s == RunPaused:
			close(r.resumed)
			r.resumed = nil
		}
		r.status = next
		return true
	}
	return false
}

// commit applies a transition and persists it under the run's commit lock,
// so store writes land in the same order as the transitions.
func (r *Run) commit(ctx context.Context, store StateStore, next RunStatus, errMsg string, from ...RunStatus) (bool, error) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	if !r.transition(next, from...) {
		return false, nil
	}
	return true, store.UpdateRunStatus(ctx, r.ID, next, errMsg)
}

// awaitRunnable blocks while the run is paused. It returns the run context's
// error if the run is canceled while paused.
func (r *Run) awaitRunnable() error {
	for {
		r.mu.Lock()
		status, resumed := r.status, r.resumed
		r.mu.Unlock()

		if status != RunPaused {
			return nil
		}
		select {
		case <-resumed:
		case <-r.ctx.Done():
			return r.ctx.Err()
		}
	}
}

func (r *Run) setOutput(nodeID string, out *NodeOutput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[nodeID] = out
}

func (r *Run) setActiveJob(handle *JobHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeJob = handle
}

func (r *Run) takeActiveJob() *JobHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle := r.activeJob
	r.activeJob = nil
	return handle
}

// assembleInput builds a node's input from the outputs of its upstream
// connections. A node without incoming connections receives the workflow
// input instead.
func (r *Run) assembleInput(nodeID string) Input {
	r.mu.Lock()
	defer r.mu.Unlock()

	input := Input{}
	incoming := 0
	for _, c := range r.Definition.Connections {
		if c.To != nodeID {
			continue
		}
		incoming++
		if out, ok := r.outputs[c.From]; ok {
			input[c.InputKey()] = out
		}
	}
	if incoming == 0 {
		return Input(maps.Clone(r.Input))
	}
	return input
}
