package workflow

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
)

// WorkflowRepo abstracts workflow persistence for testability.
type WorkflowRepo interface {
	Get(ctx context.Context, id string) (*Workflow, error)
	Create(ctx context.Context, wf *Workflow) error
}

// Service exposes stored workflows and the engine's control surface over HTTP.
type Service struct {
	repo   WorkflowRepo
	engine *Engine
}

// NewService creates a Service over a workflow repository and a running engine.
func NewService(repo WorkflowRepo, engine *Engine) *Service {
	return &Service{repo: repo, engine: engine}
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers workflow and execution HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.NewRoute().Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("/workflows", s.HandleCreateWorkflow).Methods("POST")
	router.HandleFunc("/workflows/{id}", s.HandleGetWorkflow).Methods("GET")
	router.HandleFunc("/workflows/{id}/executions", s.HandleListExecutions).Methods("GET")
	router.HandleFunc("/workflows/{id}/execute", s.HandleExecuteWorkflow).Methods("POST")

	router.HandleFunc("/executions/{id}", s.HandleGetExecution).Methods("GET")
	router.HandleFunc("/executions/{id}/cancel", s.HandleCancelExecution).Methods("POST")
	router.HandleFunc("/executions/{id}/pause", s.HandlePauseExecution).Methods("POST")
	router.HandleFunc("/executions/{id}/resume", s.HandleResumeExecution).Methods("POST")

	router.HandleFunc("/node-types", s.HandleNodeTypes).Methods("GET")
}
