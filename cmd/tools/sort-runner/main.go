package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/sortarena/internal/arena"
	"github.com/michaelbrown/sortarena/internal/sandbox"
)

const maxTimeout = 10 * time.Second

func main() {
	// The goja engine re-executes this binary to run each submission.
	if sandbox.IsWorker() {
		os.Exit(sandbox.ServeWorker(os.Stdin, os.Stdout))
	}

	s := server.NewMCPServer("sortarena-sort-runner", "0.1.0")

	s.AddTool(mcp.Tool{
		Name: "sort_run",
		Description: "Run a JavaScript sort submission in the sandbox against an integer array. " +
			"The code must define function sort(arr) returning the sorted array. " +
			"Reports the output, elapsed time and whether it is a correct sort.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "JavaScript source defining sort(arr)",
				},
				"input": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "integer"},
					"description": "Array to sort",
				},
				"engine": map[string]any{
					"type":        "string",
					"description": "Sandbox engine: goja (default) or docker",
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": "Execution timeout in milliseconds (default 2000, max 10000)",
				},
			},
			Required: []string{"code", "input"},
		},
	}, handleSortRun)

	s.AddTool(mcp.Tool{
		Name:        "sort_check",
		Description: "Check whether output is a correctly sorted permutation of input, and explain why not.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"input": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "integer"},
					"description": "Original array",
				},
				"output": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "integer"},
					"description": "Candidate sorted array",
				},
			},
			Required: []string{"input", "output"},
		},
	}, handleSortCheck)

	if err := server.ServeStdio(s); err != nil {
		fmt.Printf("server error: %v\n", err)
	}
}

// runReport is the JSON text returned by sort_run.
type runReport struct {
	Output        []int  `json:"output,omitempty"`
	ElapsedMillis int64  `json:"elapsed_ms"`
	Correct       bool   `json:"correct"`
	Failure       string `json:"failure,omitempty"`
}

func handleSortRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	code, _ := args["code"].(string)
	if strings.TrimSpace(code) == "" {
		return errResult("error: 'code' is required"), nil
	}
	input, err := toInts(args["input"])
	if err != nil {
		return errResult("error: 'input' " + err.Error()), nil
	}

	engine, _ := args["engine"].(string)
	policy := sandbox.DefaultPolicy()
	if ms, ok := args["timeout_ms"].(float64); ok && ms > 0 {
		policy.MaxTimeout = min(time.Duration(ms)*time.Millisecond, maxTimeout)
	}

	exec, err := sandbox.New(engine, policy)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	var report runReport
	res, err := exec.Execute(ctx, sandbox.Request{Code: code, Input: input})
	if err != nil {
		report.Failure = sandbox.Reason(err)
	} else {
		report.Output = res.Output
		report.ElapsedMillis = res.Elapsed.Milliseconds()
		report.Failure = arena.Verdict(input, res.Output)
		report.Correct = report.Failure == ""
	}

	return jsonResult(report, !report.Correct)
}

func handleSortCheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	input, err := toInts(args["input"])
	if err != nil {
		return errResult("error: 'input' " + err.Error()), nil
	}
	output, err := toInts(args["output"])
	if err != nil {
		return errResult("error: 'output' " + err.Error()), nil
	}

	verdict := arena.Verdict(input, output)
	return jsonResult(map[string]any{
		"correct": verdict == "",
		"reason":  verdict,
	}, false)
}

// toInts accepts a decoded JSON array of whole numbers.
func toInts(v any) ([]int, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("must be an array of integers")
	}
	out := make([]int, len(raw))
	for i, x := range raw {
		f, ok := x.(float64)
		if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("element %d is not an integer", i)
		}
		out[i] = int(f)
	}
	return out, nil
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	text := string(data)
	if len(text) > 4000 {
		text = text[:4000] + "\n... (output truncated)"
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: isError,
	}, nil
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
