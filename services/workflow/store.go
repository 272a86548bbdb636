package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StateStore is the durable record of runs and node executions. The run
// controller is its only writer for a given run id.
type StateStore interface {
	CreateRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus, errMsg string) error
	UpdateRunProgress(ctx context.Context, runID string, progress Progress) error

	CreateNodeExecution(ctx context.Context, rec *NodeExecutionRecord) error
	AttachNodeJob(ctx context.Context, recordID string, handle JobHandle) error
	FinishNodeExecution(ctx context.Context, rec *NodeExecutionRecord) error
	ListNodeExecutions(ctx context.Context, runID string) ([]NodeExecutionRecord, error)
	RunningJobs(ctx context.Context, runID string) ([]JobHandle, error)
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	WorkflowID string
	OwnerID    string
	Status     RunStatus
	Limit      int
	Offset     int
}

// MemoryStore is a StateStore and workflow repository held in process
// memory.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	runs      map[string]*RunRecord
	nodes     map[string][]*NodeExecutionRecord
	now       func() time.Time
}

var (
	_ StateStore   = (*MemoryStore)(nil)
	_ WorkflowRepo = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*Workflow),
		runs:      make(map[string]*RunRecord),
		nodes:     make(map[string][]*NodeExecutionRecord),
		now:       time.Now,
	}
}

// Create stores a new workflow and assigns its id.
func (s *MemoryStore) Create(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := s.now()
	wf.CreatedAt, wf.UpdatedAt = now, now
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

// Get retrieves a workflow by ID. Returns nil, nil if not found.
func (s *MemoryStore) Get(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, nil
	}
	cp := *wf
	return &cp, nil
}

func (s *MemoryStore) CreateRun(_ context.Context, run *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("create run: %q already exists", run.ID)
	}
	now := s.now()
	rec := *run
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.runs[run.ID] = &rec
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RunRecord
	for _, rec := range s.runs {
		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.OwnerID != "" && rec.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateRunStatus(_ context.Context, runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	now := s.now()
	rec.Status = status
	if errMsg != "" {
		rec.ErrorMessage = errMsg
	}
	switch {
	case status == RunRunning && rec.StartedAt == nil:
		rec.StartedAt = &now
	case status.Terminal():
		rec.CompletedAt = &now
	}
	rec.UpdatedAt = now
	return nil
}

func (s *MemoryStore) UpdateRunProgress(_ context.Context, runID string, progress Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	rec.Progress = &progress
	rec.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) CreateNodeExecution(_ context.Context, rec *NodeExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.RunID]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, rec.RunID)
	}
	cp := *rec
	s.nodes[rec.RunID] = append(s.nodes[rec.RunID], &cp)
	return nil
}

func (s *MemoryStore) AttachNodeJob(_ context.Context, recordID string, handle JobHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.findNode(recordID)
	if rec == nil {
		return fmt.Errorf("attach job: node execution %q not found", recordID)
	}
	rec.Job = &handle
	return nil
}

func (s *MemoryStore) FinishNodeExecution(_ context.Context, rec *NodeExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.findNode(rec.ID)
	if stored == nil {
		return fmt.Errorf("finish node execution: %q not found", rec.ID)
	}
	stored.Status = rec.Status
	stored.Output = rec.Output
	stored.ErrorMessage = rec.ErrorMessage
	stored.CompletedAt = rec.CompletedAt
	if rec.Job != nil {
		stored.Job = rec.Job
	}
	return nil
}

func (s *MemoryStore) ListNodeExecutions(_ context.Context, runID string) ([]NodeExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.nodes[runID]
	out := make([]NodeExecutionRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *rec)
	}
	return out, nil
}

func (s *MemoryStore) RunningJobs(_ context.Context, runID string) ([]JobHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var handles []JobHandle
	for _, rec := range s.nodes[runID] {
		if rec.Status == NodeRunning && rec.Job != nil {
			handles = append(handles, *rec.Job)
		}
	}
	return handles, nil
}

func (s *MemoryStore) findNode(recordID string) *NodeExecutionRecord {
	for _, recs := range s.nodes {
		for _, rec := range recs {
			if rec.ID == recordID {
				return rec
			}
		}
	}
	return nil
}
