package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// ownerHeader carries the id of the authenticated user.
const ownerHeader = "X-User-ID"

// HandleCreateWorkflow validates and stores a workflow definition.
func (s *Service) HandleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := Validate(&req.Definition); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	wf := &Workflow{
		OwnerID:     r.Header.Get(ownerHeader),
		Name:        req.Name,
		Description: req.Description,
		Definition:  req.Definition,
	}
	if err := s.repo.Create(r.Context(), wf); err != nil {
		slog.Error("Failed to create workflow", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(wf)
}

// HandleGetWorkflow loads a workflow definition and returns it as JSON.
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Getting workflow", "id", id)

	wf, ok := s.loadWorkflow(w, r, id)
	if !ok {
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wf)
}

// HandleListExecutions lists the runs of a workflow, newest first.
func (s *Service) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.loadWorkflow(w, r, id); !ok {
		return
	}

	query := r.URL.Query()
	filter := RunFilter{
		WorkflowID: id,
		OwnerID:    r.Header.Get(ownerHeader),
		Status:     RunStatus(query.Get("status")),
	}
	var err error
	if filter.Limit, err = intParam(query.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(query.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	runs, err := s.engine.Store().ListRuns(r.Context(), filter)
	if err != nil {
		slog.Error("Failed to list executions", "workflow_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if runs == nil {
		runs = []RunRecord{}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"executions": runs})
}

// HandleExecuteWorkflow starts a run of a stored workflow and returns its
// execution id without waiting for it to finish.
func (s *Service) HandleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Executing workflow", "id", id)

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wf, ok := s.loadWorkflow(w, r, id)
	if !ok {
		return
	}
	if err := Validate(&wf.Definition); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	name := req.Name
	if name == "" {
		name = wf.Name
	}
	runID, err := s.engine.Start(r.Context(), &wf.Definition, req.InputData, r.Header.Get(ownerHeader), StartOptions{
		WorkflowID: wf.ID,
		Name:       name,
	})
	if err != nil {
		slog.Error("Failed to start workflow run", "id", id, "error", err)
		writeEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(ExecuteResponse{ExecutionID: runID, Message: "workflow execution started"})
}

// HandleGetExecution returns a run with its node execution records.
func (s *Service) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.authorize(r.Context(), id, r.Header.Get(ownerHeader)); err != nil {
		writeEngineError(w, err)
		return
	}

	details, err := s.engine.Details(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(details)
}

// HandleCancelExecution cancels a run.
func (s *Service) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "execution canceled", s.engine.Cancel)
}

// HandlePauseExecution pauses a running run before its next node.
func (s *Service) HandlePauseExecution(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "execution paused", s.engine.Pause)
}

// HandleResumeExecution resumes a paused run.
func (s *Service) HandleResumeExecution(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "execution resumed", s.engine.Resume)
}

// HandleNodeTypes lists the node types the engine can run.
func (s *Service) HandleNodeTypes(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"nodeTypes": s.engine.NodeTypes()})
}

func (s *Service) control(w http.ResponseWriter, r *http.Request, message string, action func(context.Context, string) error) {
	id := mux.Vars(r)["id"]
	if err := s.authorize(r.Context(), id, r.Header.Get(ownerHeader)); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := action(r.Context(), id); err != nil {
		slog.Info("Execution control rejected", "run_id", id, "error", err)
		writeEngineError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"executionId": id, "message": message})
}

// authorize hides runs that belong to another owner. Requests without an
// owner are not restricted.
func (s *Service) authorize(ctx context.Context, runID, ownerID string) error {
	rec, err := s.engine.Store().GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if ownerID != "" && rec.OwnerID != ownerID {
		return ErrRunNotFound
	}
	return nil
}

func (s *Service) loadWorkflow(w http.ResponseWriter, r *http.Request, id string) (*Workflow, bool) {
	wf, err := s.repo.Get(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get workflow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return nil, false
	}
	return wf, true
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case IsDefinitionError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRunNotFound):
		writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrRunNotActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("Execution request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
