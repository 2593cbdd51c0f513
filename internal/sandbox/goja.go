package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"
)

// JSSandbox runs submissions in an embedded JavaScript interpreter.
// Each call gets a fresh runtime with no host bindings: no require,
// no console, no filesystem or network objects.
type JSSandbox struct {
	Policy Policy
}

// NewJSSandbox creates an interpreter sandbox with the given policy.
func NewJSSandbox(policy Policy) *JSSandbox {
	return &JSSandbox{Policy: policy}
}

func (s *JSSandbox) Execute(ctx context.Context, req Request) (res *Result, err error) {
	limit := s.Policy.timeout(req.Timeout)

	prog, err := compileSubmission(req.Code)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	if s.Policy.MaxCallStack > 0 {
		vm.SetMaxCallStackSize(s.Policy.MaxCallStack)
	}

	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fault("interpreter panic: %v", r)
		}
	}()

	completion, err := vm.RunProgram(prog)
	if err != nil {
		return nil, classify(ctx, err, limit)
	}

	fn, ok := goja.AssertFunction(vm.Get(EntryPoint))
	if !ok {
		fn, ok = goja.AssertFunction(completion)
	}
	if !ok {
		return nil, invalid("no %s(arr) function defined", EntryPoint)
	}

	arg := make([]any, len(req.Input))
	for i, v := range req.Input {
		arg[i] = int64(v)
	}

	start := time.Now()
	out, err := fn(goja.Undefined(), vm.NewArray(arg...))
	elapsed := time.Since(start)
	if err != nil {
		return nil, classify(ctx, err, limit)
	}
	if elapsed > limit {
		return nil, timedOut(limit)
	}

	output, err := exportInts(out, s.Policy.MaxOutputLen)
	if err != nil {
		return nil, err
	}
	return &Result{Output: output, Elapsed: elapsed}, nil
}

// compileSubmission accepts either a script declaring sort(arr) or a bare
// function expression such as "function (arr) {...}".
func compileSubmission(code string) (*goja.Program, error) {
	prog, err := goja.Compile("submission.js", code, false)
	if err == nil {
		return prog, nil
	}
	if expr, exprErr := goja.Compile("submission.js", "("+code+"\n)", false); exprErr == nil {
		return expr, nil
	}
	return nil, invalid("%v", err)
}

func classify(ctx context.Context, err error, limit time.Duration) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timedOut(limit)
		}
		return fmt.Errorf("execution interrupted: %w", ctx.Err())
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return fault("%s", exc.Value().String())
	}
	return fault("%v", err)
}

func exportInts(v goja.Value, maxLen int) ([]int, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, fault("%s returned no value", EntryPoint)
	}
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() != "Array" {
		return nil, fault("%s must return an array, got %s", EntryPoint, v.String())
	}
	items, ok := obj.Export().([]any)
	if !ok {
		return nil, fault("%s returned an unreadable array", EntryPoint)
	}
	if maxLen > 0 && len(items) > maxLen {
		return nil, fault("result has %d elements, limit is %d", len(items), maxLen)
	}

	out := make([]int, len(items))
	for i, item := range items {
		switch n := item.(type) {
		case int64:
			out[i] = int(n)
		case float64:
			if n != math.Trunc(n) || math.IsInf(n, 0) {
				return nil, fault("element %d is not an integer: %v", i, n)
			}
			out[i] = int(n)
		default:
			return nil, fault("element %d is not a number: %v", i, item)
		}
	}
	return out, nil
}
