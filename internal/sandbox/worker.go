package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime/debug"
	"strings"
	"time"
)

const (
	// WorkerCommand is the hidden subcommand a binary serves worker runs under.
	WorkerCommand = "exec-worker"
	// WorkerEnv is set in every worker's environment so binaries without a
	// command tree can detect worker mode with IsWorker.
	WorkerEnv = "SORTARENA_EXEC_WORKER"
	// WorkerGrace covers process start on top of the execution limit.
	WorkerGrace = time.Second
)

// workerRequest is what the parent writes to a worker's stdin. The worker
// answers with a harnessReply, the same framing as the docker harness.
type workerRequest struct {
	Code         string `json:"code"`
	Input        []int  `json:"input"`
	TimeoutMs    int64  `json:"timeout_ms"`
	MaxCallStack int    `json:"max_call_stack"`
	MaxOutputLen int    `json:"max_output_len"`
	MemoryBytes  int64  `json:"memory_bytes"`
}

// WorkerSandbox runs the interpreter in a child process with a capped
// address space. A submission that exhausts memory kills only its worker.
type WorkerSandbox struct {
	Policy Policy
	Path   string   // worker binary
	Args   []string // arguments selecting worker mode
	Env    []string
}

// NewWorkerSandbox re-executes the running binary as the worker.
func NewWorkerSandbox(policy Policy) (*WorkerSandbox, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating worker binary: %w", err)
	}
	return &WorkerSandbox{
		Policy: policy,
		Path:   path,
		Args:   []string{WorkerCommand},
		Env:    []string{WorkerEnv + "=1"},
	}, nil
}

func (w *WorkerSandbox) Execute(ctx context.Context, req Request) (*Result, error) {
	limit := w.Policy.timeout(req.Timeout)

	stdin, err := json.Marshal(workerRequest{
		Code:         req.Code,
		Input:        req.Input,
		TimeoutMs:    limit.Milliseconds(),
		MaxCallStack: w.Policy.MaxCallStack,
		MaxOutputLen: w.Policy.MaxOutputLen,
		MemoryBytes:  w.Policy.WorkerMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, w.Policy.WallClock(EngineGoja, limit))
	defer cancel()

	cmd := exec.CommandContext(runCtx, w.Path, w.Args...)
	cmd.Env = w.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = bytes.NewReader(stdin)

	err = cmd.Run()
	if runCtx.Err() != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, timedOut(limit)
		}
		return nil, fmt.Errorf("execution interrupted: %w", runCtx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running worker: %w", err)
		}
		if outOfMemory(stderr.String()) || !exitErr.Exited() {
			return nil, fault("memory limit %s exceeded", formatBytes(w.Policy.WorkerMemory))
		}
		return nil, fault("worker exit code %d: %s", exitErr.ExitCode(), truncate(stderr.String(), 500))
	}

	return decodeReply(stdout.Bytes(), limit, w.Policy.MaxOutputLen)
}

// outOfMemory recognizes the Go runtime's fatal allocation failures.
func outOfMemory(stderr string) bool {
	return strings.Contains(stderr, "out of memory") ||
		strings.Contains(stderr, "cannot allocate memory")
}

func formatBytes(n int64) string {
	if n <= 0 {
		return "unset"
	}
	return fmt.Sprintf("%dMiB", n>>20)
}

// IsWorker reports whether this process was started by a WorkerSandbox.
func IsWorker() bool {
	return os.Getenv(WorkerEnv) != ""
}

// ServeWorker runs one submission read from in and writes the reply to out.
// It returns the process exit code. Memory is capped before any submission
// code runs.
func ServeWorker(in io.Reader, out io.Writer) int {
	var req workerRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		fmt.Fprintf(os.Stderr, "%s: reading request: %v\n", WorkerCommand, err)
		return 1
	}
	if req.MemoryBytes > 0 {
		debug.SetMemoryLimit(req.MemoryBytes)
		if err := limitAddressSpace(req.MemoryBytes); err != nil {
			fmt.Fprintf(os.Stderr, "%s: limiting memory: %v\n", WorkerCommand, err)
			return 1
		}
	}

	sb := NewJSSandbox(Policy{
		MaxTimeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
		MaxCallStack: req.MaxCallStack,
		MaxOutputLen: req.MaxOutputLen,
	})
	res, err := sb.Execute(context.Background(), Request{Code: req.Code, Input: req.Input})

	if err := json.NewEncoder(out).Encode(replyFor(res, err)); err != nil {
		fmt.Fprintf(os.Stderr, "%s: writing reply: %v\n", WorkerCommand, err)
		return 1
	}
	return 0
}

func replyFor(res *Result, err error) harnessReply {
	if err == nil {
		output := make([]float64, len(res.Output))
		for i, v := range res.Output {
			output[i] = float64(v)
		}
		return harnessReply{
			Kind:      "ok",
			Output:    output,
			ElapsedMs: float64(res.Elapsed) / float64(time.Millisecond),
		}
	}

	msg := err.Error()
	var se *Error
	if errors.As(err, &se) {
		msg = se.Message
	}
	switch {
	case errors.Is(err, ErrExecutionTimeout):
		return harnessReply{Kind: "timeout"}
	case errors.Is(err, ErrInvalidSubmission):
		return harnessReply{Kind: "invalid", Error: msg}
	default:
		return harnessReply{Kind: "fault", Error: msg}
	}
}
