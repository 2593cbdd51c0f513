package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EntryPoint is the function name every submission must define.
const EntryPoint = "sort"

var (
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrExecutionTimeout  = errors.New("execution timeout")
	ErrRuntimeFault      = errors.New("runtime fault")
)

// Error is a typed execution failure. Kind is one of the Err* sentinels.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Kind }

func invalid(format string, args ...any) error {
	return &Error{Kind: ErrInvalidSubmission, Message: fmt.Sprintf(format, args...)}
}

func fault(format string, args ...any) error {
	return &Error{Kind: ErrRuntimeFault, Message: fmt.Sprintf(format, args...)}
}

func timedOut(limit time.Duration) error {
	return &Error{Kind: ErrExecutionTimeout, Message: fmt.Sprintf("exceeded %s", limit)}
}

// Request describes one execution: a submission run against one input.
type Request struct {
	Code    string
	Input   []int
	Timeout time.Duration // zero means the policy default
}

// Result is the output of a successful execution.
type Result struct {
	Output  []int
	Elapsed time.Duration
}

// Executor runs untrusted submissions in an isolated environment.
// Failures of the submission itself are returned as *Error.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// New returns the executor for the named engine.
func New(engine string, policy Policy) (Executor, error) {
	switch engine {
	case "", EngineGoja:
		w, err := NewWorkerSandbox(policy)
		if err != nil {
			return nil, err
		}
		return w, nil
	case EngineDocker:
		return NewDockerSandbox(policy), nil
	default:
		return nil, fmt.Errorf("unknown sandbox engine %q", engine)
	}
}

// Engine names accepted by New.
const (
	EngineGoja   = "goja"
	EngineDocker = "docker"
)

// Reason renders an execution error as the short text shown to participants.
func Reason(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Error()
	}
	return err.Error()
}
