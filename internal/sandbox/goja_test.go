package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSandbox() *JSSandbox {
	p := DefaultPolicy()
	p.MaxTimeout = 200 * time.Millisecond
	return NewJSSandbox(p)
}

func TestJSSandbox_SortsInput(t *testing.T) {
	sb := testSandbox()
	res, err := sb.Execute(context.Background(), Request{
		Code:  "function sort(arr){return arr.sort((a,b)=>a-b);}",
		Input: []int{5, 3, 1, 4, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, res.Output)
	assert.GreaterOrEqual(t, res.Elapsed, time.Duration(0))
}

func TestJSSandbox_EntryPointForms(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"declaration", "function sort(arr) { return arr.slice().sort((a, b) => a - b); }"},
		{"anonymous function", "function (arr) { return arr.sort((a, b) => a - b); }"},
		{"arrow expression", "(arr) => arr.sort((a, b) => a - b)"},
		{"helpers plus declaration", `
function swap(a, i, j) { const t = a[i]; a[i] = a[j]; a[j] = t; }
function sort(arr) {
  for (let i = 1; i < arr.length; i++)
    for (let j = i; j > 0 && arr[j-1] > arr[j]; j--) swap(arr, j, j-1);
  return arr;
}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := testSandbox().Execute(context.Background(), Request{
				Code:  tt.code,
				Input: []int{9, -2, 7, 7, 0},
			})
			require.NoError(t, err)
			assert.Equal(t, []int{-2, 0, 7, 7, 9}, res.Output)
		})
	}
}

func TestJSSandbox_InvalidSubmission(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"empty", ""},
		{"syntax error", "function sort(arr { return arr }"},
		{"wrong name", "function order(arr) { return arr; }"},
		{"not a function", "var sort = 42;"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testSandbox().Execute(context.Background(), Request{Code: tt.code, Input: []int{1}})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSubmission), "got %v", err)
		})
	}
}

func TestJSSandbox_RuntimeFault(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"throw", "function sort(arr) { throw new Error('boom'); }", "boom"},
		{"type error", "function sort(arr) { return arr.nope(); }", "TypeError"},
		{"non-array result", "function sort(arr) { return 7; }", "must return an array"},
		{"undefined result", "function sort(arr) { arr.sort(); }", "no value"},
		{"fractional element", "function sort(arr) { return [1.5]; }", "not an integer"},
		{"string element", "function sort(arr) { return ['a']; }", "not a number"},
		{"unbounded recursion", "function sort(arr) { return sort(arr); }", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testSandbox().Execute(context.Background(), Request{Code: tt.code, Input: []int{2, 1}})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrRuntimeFault), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestJSSandbox_Timeout(t *testing.T) {
	sb := testSandbox()

	start := time.Now()
	res, err := sb.Execute(context.Background(), Request{
		Code:    "function sort(arr) { while (true) {} }",
		Input:   []int{3, 2, 1},
		Timeout: 100 * time.Millisecond,
	})
	took := time.Since(start)

	require.Error(t, err)
	assert.Nil(t, res, "timeout must never yield a partial result")
	assert.True(t, errors.Is(err, ErrExecutionTimeout), "got %v", err)
	assert.Less(t, took, 2*time.Second)
}

func TestJSSandbox_TopLevelLoopTimesOut(t *testing.T) {
	_, err := testSandbox().Execute(context.Background(), Request{
		Code:  "for(;;){}\nfunction sort(arr) { return arr; }",
		Input: []int{1},
	})
	assert.True(t, errors.Is(err, ErrExecutionTimeout), "got %v", err)
}

func TestJSSandbox_NoAmbientAuthority(t *testing.T) {
	for _, global := range []string{"require", "process", "console", "fetch", "XMLHttpRequest"} {
		t.Run(global, func(t *testing.T) {
			res, err := testSandbox().Execute(context.Background(), Request{
				Code:  "function sort(arr) { return [typeof " + global + " === 'undefined' ? 1 : 0]; }",
				Input: []int{},
			})
			require.NoError(t, err)
			assert.Equal(t, []int{1}, res.Output)
		})
	}
}

func TestJSSandbox_InputIsCopied(t *testing.T) {
	input := []int{3, 1, 2}
	_, err := testSandbox().Execute(context.Background(), Request{
		Code:  "function sort(arr) { arr[0] = 99; return arr; }",
		Input: input,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 2}, input)
}

func TestJSSandbox_Deterministic(t *testing.T) {
	sb := testSandbox()
	req := Request{Code: "function sort(a){return a.sort((x,y)=>x-y)}", Input: []int{8, 1, 5, 1, 3}}

	first, err := sb.Execute(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := sb.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.Output, again.Output)
	}
}

func TestJSSandbox_TimeoutDoesNotBlockOthers(t *testing.T) {
	sb := testSandbox()

	var wg sync.WaitGroup
	var slowErr error
	var fast *Result
	var fastErr error
	var fastDone time.Duration

	start := time.Now()
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, slowErr = sb.Execute(context.Background(), Request{Code: "function sort(a){ for(;;){} }", Input: []int{1}})
	}()
	go func() {
		defer wg.Done()
		fast, fastErr = sb.Execute(context.Background(), Request{Code: "function sort(a){return a.sort((x,y)=>x-y)}", Input: []int{2, 1}})
		fastDone = time.Since(start)
	}()
	wg.Wait()

	assert.True(t, errors.Is(slowErr, ErrExecutionTimeout))
	require.NoError(t, fastErr)
	assert.Equal(t, []int{1, 2}, fast.Output)
	assert.Less(t, fastDone, 200*time.Millisecond)
}

func TestJSSandbox_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := NewJSSandbox(DefaultPolicy()).Execute(ctx, Request{Code: "function sort(a){ for(;;){} }", Input: []int{1}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrExecutionTimeout))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestReason(t *testing.T) {
	err := fault("boom")
	assert.Equal(t, "runtime fault: boom", Reason(err))
	assert.Equal(t, "plain", Reason(errors.New("plain")))
}

func TestNew(t *testing.T) {
	e, err := New("", DefaultPolicy())
	require.NoError(t, err)
	require.IsType(t, &WorkerSandbox{}, e)
	assert.Equal(t, []string{WorkerCommand}, e.(*WorkerSandbox).Args)

	e, err = New(EngineDocker, DefaultPolicy())
	require.NoError(t, err)
	assert.IsType(t, &DockerSandbox{}, e)

	_, err = New("lua", DefaultPolicy())
	assert.Error(t, err)
}
