package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Definition errors abort a run before any node executes.
var (
	ErrEmptyDefinition      = errors.New("workflow definition has no nodes")
	ErrDuplicateNode        = errors.New("duplicate node id")
	ErrUnknownNodeReference = errors.New("connection references unknown node")
	ErrCyclicDependency     = errors.New("workflow contains a cyclic dependency")
)

// Dispatch and job errors fail the run at the first occurrence.
var (
	ErrUnsupportedNodeType = errors.New("unsupported node type")
	ErrJobFailed           = errors.New("job failed")
	ErrJobCanceled         = errors.New("job was canceled")
	ErrJobTimeout          = errors.New("timed out waiting for job")
)

// Control surface errors.
var (
	ErrRunNotFound       = errors.New("run not found")
	ErrRunNotActive      = errors.New("run is not active in this process")
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// CycleError reports the nodes on a detected cycle, in visiting order.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCyclicDependency, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }

// JobError carries the message an external job reported on failure.
type JobError struct {
	Handle  JobHandle
	Message string
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s job %s", ErrJobFailed, e.Handle.Kind, e.Handle.ID)
	}
	return fmt.Sprintf("%s: %s job %s: %s", ErrJobFailed, e.Handle.Kind, e.Handle.ID, e.Message)
}

func (e *JobError) Unwrap() error { return ErrJobFailed }

// IsDefinitionError reports whether err was caused by an invalid definition.
func IsDefinitionError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) ||
		errors.Is(err, ErrEmptyDefinition) ||
		errors.Is(err, ErrDuplicateNode) ||
		errors.Is(err, ErrUnknownNodeReference) ||
		errors.Is(err, ErrCyclicDependency)
}
