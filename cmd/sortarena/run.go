package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/sortarena/internal/arena"
	"github.com/michaelbrown/sortarena/internal/sandbox"
)

var (
	runInput   string
	runEngine  string
	runSize    int
	runTimeout time.Duration
	runJSON    bool
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Run a submission locally against one input",
	Long: `Run a sort submission through the sandbox and check its output.

The file must define function sort(arr). Use - to read the code from stdin.

Examples:
  sortarena run bubble.js
  sortarena run bubble.js --input 5,3,1,4,2
  sortarena run quick.js --size 10000 --engine docker`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "", "Comma-separated integers (default: random array)")
	runCmd.Flags().StringVar(&runEngine, "engine", "", "Sandbox engine: goja or docker (overrides config)")
	runCmd.Flags().IntVar(&runSize, "size", 0, "Random array length (overrides config)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Execution timeout (overrides config)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the outcome as JSON")
	rootCmd.AddCommand(runCmd)
}

// runOutcome is what run prints.
type runOutcome struct {
	Input         []int  `json:"input"`
	Output        []int  `json:"output,omitempty"`
	ElapsedMillis int64  `json:"elapsedMillis"`
	Correct       bool   `json:"correct"`
	Failure       string `json:"failure,omitempty"`
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	code, err := readSource(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}

	input, err := parseInput(runInput)
	if err != nil {
		return err
	}
	if input == nil {
		size := cfg.Battle.ArrayLength
		if runSize > 0 {
			size = runSize
		}
		input = arena.NewInputGenerator(size, cfg.Battle.ValueMax, cfg.Battle.Seed).Generate()
	}

	engine := cfg.Sandbox.Engine
	if runEngine != "" {
		engine = runEngine
	}
	policy := cfg.SandboxPolicy()
	if runTimeout > 0 {
		policy.MaxTimeout = runTimeout
	}
	exec, err := sandbox.New(engine, policy)
	if err != nil {
		return err
	}

	res, execErr := exec.Execute(context.Background(), sandbox.Request{Code: code, Input: input})

	out := runOutcome{Input: input}
	if execErr != nil {
		out.Failure = sandbox.Reason(execErr)
	} else {
		out.Output = res.Output
		out.ElapsedMillis = res.Elapsed.Milliseconds()
		out.Failure = arena.Verdict(input, res.Output)
		out.Correct = out.Failure == ""
	}

	w := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		printOutcome(w, out, res)
	}

	if !out.Correct {
		return fmt.Errorf("submission failed: %s", out.Failure)
	}
	return nil
}

func printOutcome(w io.Writer, out runOutcome, res *sandbox.Result) {
	fmt.Fprintf(w, "Input:   %s\n", preview(out.Input, 20))
	if res != nil {
		fmt.Fprintf(w, "Output:  %s\n", preview(out.Output, 20))
		fmt.Fprintf(w, "Elapsed: %s\n", res.Elapsed.Round(time.Microsecond))
	}
	if out.Correct {
		fmt.Fprintln(w, "\033[32m✓ correct\033[0m")
	} else {
		fmt.Fprintf(w, "\033[31m✗ %s\033[0m\n", out.Failure)
	}
}

func readSource(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading submission: %w", err)
	}
	return string(data), nil
}

// parseInput parses "5,3,1". An empty string yields nil.
func parseInput(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(strings.Trim(s, "[]"), ",")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid input value %q: %w", f, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func preview(xs []int, n int) string {
	parts := make([]string, 0, min(len(xs), n))
	for i, x := range xs {
		if i == n {
			break
		}
		parts = append(parts, strconv.Itoa(x))
	}
	s := "[" + strings.Join(parts, " ")
	if len(xs) > n {
		s += fmt.Sprintf(" ... +%d", len(xs)-n)
	}
	return s + "]"
}
