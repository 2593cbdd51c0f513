package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// harness loads the submission into a fresh node vm context, so even inside
// the container the code sees no require, process or fs.
const harness = `const fs = require('fs');
const vm = require('vm');
const limit = Number(process.env.SORT_TIMEOUT_MS);
const emit = (r) => process.stdout.write(JSON.stringify(r));
const input = JSON.parse(fs.readFileSync(0, 'utf8'));
const code = fs.readFileSync('/workspace/submission.js', 'utf8');
const ctx = vm.createContext({});
const failure = (e) => {
  if (e && e.code === 'ERR_SCRIPT_EXECUTION_TIMEOUT') return { kind: 'timeout' };
  return { kind: 'fault', error: String(e && e.message !== undefined ? e.message : e) };
};
let fn = null;
try {
  const completion = vm.runInContext(code, ctx, { timeout: limit });
  if (typeof ctx.sort === 'function') fn = ctx.sort;
  else if (typeof completion === 'function') fn = completion;
} catch (e) {
  if (e && e.name === 'SyntaxError') {
    try {
      const expr = vm.runInContext('(' + code + '\n)', ctx, { timeout: limit });
      if (typeof expr === 'function') fn = expr;
    } catch (_) {}
    if (!fn) { emit({ kind: 'invalid', error: String(e.message) }); process.exit(0); }
  } else { emit(failure(e)); process.exit(0); }
}
if (!fn) { emit({ kind: 'invalid', error: 'no sort(arr) function defined' }); process.exit(0); }
ctx.__entry = fn;
ctx.__input = input;
const start = process.hrtime.bigint();
try {
  const out = vm.runInContext('__entry(__input)', ctx, { timeout: limit });
  const elapsed = Number(process.hrtime.bigint() - start) / 1e6;
  if (!Array.isArray(out)) { emit({ kind: 'fault', error: 'sort must return an array' }); process.exit(0); }
  emit({ kind: 'ok', output: Array.from(out), elapsed_ms: elapsed });
} catch (e) { emit(failure(e)); }
`

// harnessReply is what the harness writes to stdout.
type harnessReply struct {
	Kind      string    `json:"kind"`
	Output    []float64 `json:"output"`
	ElapsedMs float64   `json:"elapsed_ms"`
	Error     string    `json:"error"`
}

// DockerSandbox runs submissions with node inside Docker containers.
type DockerSandbox struct {
	Policy Policy
	binary string
}

// NewDockerSandbox creates a sandbox with the given policy.
func NewDockerSandbox(policy Policy) *DockerSandbox {
	return &DockerSandbox{Policy: policy, binary: "docker"}
}

func (d *DockerSandbox) Execute(ctx context.Context, req Request) (*Result, error) {
	if !d.Policy.IsImageAllowed(d.Policy.Image) {
		return nil, fmt.Errorf("image %q not in allowlist", d.Policy.Image)
	}
	limit := d.Policy.timeout(req.Timeout)

	// Create a temp dir for the submission and harness
	tmpDir, err := os.MkdirTemp("", "sortarena-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := os.WriteFile(filepath.Join(tmpDir, "submission.js"), []byte(req.Code), 0o644); err != nil {
		return nil, fmt.Errorf("writing submission: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "main.js"), []byte(harness), 0o644); err != nil {
		return nil, fmt.Errorf("writing harness: %w", err)
	}

	stdin, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("encoding input: %w", err)
	}

	name := "sortarena-" + uuid.NewString()
	runCtx, cancel := context.WithTimeout(ctx, d.Policy.WallClock(EngineDocker, limit))
	defer cancel()

	cmd := exec.CommandContext(runCtx, d.binary, d.runArgs(name, tmpDir, limit)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = bytes.NewReader(stdin)

	err = cmd.Run()
	if runCtx.Err() != nil {
		// The docker client was killed; make sure the container goes too.
		exec.Command(d.binary, "rm", "-f", name).Run()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, timedOut(limit)
		}
		return nil, fmt.Errorf("execution interrupted: %w", runCtx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running docker: %w", err)
		}
		// 137 is the OOM killer
		if exitErr.ExitCode() == 137 {
			return nil, fault("memory limit %s exceeded", d.Policy.MaxMemory)
		}
		return nil, fault("exit code %d: %s", exitErr.ExitCode(), truncate(stderr.String(), 500))
	}

	return decodeReply(stdout.Bytes(), limit, d.Policy.MaxOutputLen)
}

func (d *DockerSandbox) runArgs(name, dir string, limit time.Duration) []string {
	args := []string{
		"run", "--rm", "-i",
		"--name", name,
		"--network=none",
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--user", "nobody",
		"--memory", d.Policy.MaxMemory,
		"--pids-limit", strconv.Itoa(d.Policy.PidsLimit),
		"-e", "SORT_TIMEOUT_MS=" + strconv.FormatInt(limit.Milliseconds(), 10),
		"-v", dir + ":/workspace:ro",
		"-w", "/workspace",
		d.Policy.Image,
		"node", "/workspace/main.js",
	}
	return args
}

func decodeReply(data []byte, limit time.Duration, maxLen int) (*Result, error) {
	var reply harnessReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fault("unreadable sandbox output: %s", truncate(string(data), 200))
	}

	switch reply.Kind {
	case "ok":
	case "timeout":
		return nil, timedOut(limit)
	case "invalid":
		return nil, invalid("%s", reply.Error)
	default:
		return nil, fault("%s", reply.Error)
	}

	if maxLen > 0 && len(reply.Output) > maxLen {
		return nil, fault("result has %d elements, limit is %d", len(reply.Output), maxLen)
	}
	out := make([]int, len(reply.Output))
	for i, v := range reply.Output {
		if v != float64(int(v)) {
			return nil, fault("element %d is not an integer: %v", i, v)
		}
		out[i] = int(v)
	}
	elapsed := time.Duration(reply.ElapsedMs * float64(time.Millisecond))
	if elapsed > limit {
		return nil, timedOut(limit)
	}
	return &Result{Output: out, Elapsed: elapsed}, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
