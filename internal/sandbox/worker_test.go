package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The test binary doubles as the worker: WorkerSandbox re-executes it with
// WorkerEnv set.
func TestMain(m *testing.M) {
	if IsWorker() {
		os.Exit(ServeWorker(os.Stdin, os.Stdout))
	}
	os.Exit(m.Run())
}

func testWorker(t *testing.T) *WorkerSandbox {
	t.Helper()
	p := DefaultPolicy()
	p.MaxTimeout = time.Second
	w, err := NewWorkerSandbox(p)
	require.NoError(t, err)
	return w
}

func TestWorkerSandbox_SortsInput(t *testing.T) {
	res, err := testWorker(t).Execute(context.Background(), Request{
		Code:  "function sort(arr){return arr.sort((a,b)=>a-b);}",
		Input: []int{5, 3, 1, 4, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, res.Output)
	assert.Less(t, res.Elapsed, time.Second)
}

func TestWorkerSandbox_FailureKinds(t *testing.T) {
	tests := []struct {
		name string
		code string
		kind error
		want string
	}{
		{"syntax error", "function sort(arr) {", ErrInvalidSubmission, ""},
		{"no entry point", "var x = 1;", ErrInvalidSubmission, "no sort(arr)"},
		{"throws", "function sort(arr){ throw new Error('nope'); }", ErrRuntimeFault, "nope"},
		{"loops", "function sort(arr){ for(;;){} }", ErrExecutionTimeout, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testWorker(t)
			w.Policy.MaxTimeout = 200 * time.Millisecond

			res, err := w.Execute(context.Background(), Request{Code: tt.code, Input: []int{2, 1}})
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWorkerSandbox_MemoryExhaustionIsContained(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("address space limit is Linux only")
	}
	w := testWorker(t)
	w.Policy.MaxTimeout = 5 * time.Second
	w.Policy.WorkerMemory = 256 << 20

	_, err := w.Execute(context.Background(), Request{
		Code:  "function sort(arr){ var s = 'xxxxxxxx'; for(;;){ s = s + s; arr.push(s.length); } }",
		Input: []int{1},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRuntimeFault), "got %v", err)
	assert.Contains(t, err.Error(), "memory limit")

	// The parent is untouched and the next run succeeds.
	res, err := w.Execute(context.Background(), Request{
		Code:  "function sort(arr){return arr.sort((a,b)=>a-b);}",
		Input: []int{2, 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, res.Output)
}

func TestWorkerSandbox_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := testWorker(t).Execute(ctx, Request{Code: "function sort(a){ for(;;){} }", Input: []int{1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestWorkerSandbox_MissingBinary(t *testing.T) {
	w := &WorkerSandbox{Policy: DefaultPolicy(), Path: "/nonexistent/sortarena"}
	_, err := w.Execute(context.Background(), Request{Code: "function sort(a){return a;}", Input: []int{1}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRuntimeFault))
}

func TestServeWorker(t *testing.T) {
	req, err := json.Marshal(workerRequest{
		Code:      "function sort(a){return a.reverse();}",
		Input:     []int{1, 2, 3},
		TimeoutMs: 500,
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.Equal(t, 0, ServeWorker(bytes.NewReader(req), &out))

	res, err := decodeReply(out.Bytes(), 500*time.Millisecond, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1}, res.Output)
}

func TestServeWorker_BadRequest(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, 1, ServeWorker(strings.NewReader("{"), &out))
	assert.Empty(t, out.String())
}

func TestReplyFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
		msg  string
	}{
		{"invalid", invalid("no sort(arr) function defined"), "invalid", "no sort(arr) function defined"},
		{"fault", fault("boom"), "fault", "boom"},
		{"timeout", timedOut(time.Second), "timeout", ""},
		{"plain error", errors.New("broken"), "fault", "broken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := replyFor(nil, tt.err)
			assert.Equal(t, tt.kind, reply.Kind)
			assert.Equal(t, tt.msg, reply.Error)
		})
	}
}

func TestPolicy_WallClock(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 2*time.Second+WorkerGrace, p.WallClock(EngineGoja, 0))
	assert.Equal(t, time.Second+p.StartupGrace, p.WallClock(EngineDocker, time.Second))
	assert.Equal(t, 2*time.Second+WorkerGrace, p.WallClock(EngineGoja, time.Minute), "clamped to the policy ceiling")
}
