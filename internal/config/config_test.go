package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/sortarena/internal/arena"
	"github.com/michaelbrown/sortarena/internal/sandbox"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sortarena.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.File)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, arena.DefaultSettings(), cfg.BattleSettings())
	assert.Equal(t, sandbox.EngineGoja, cfg.Sandbox.Engine)
	assert.Equal(t, arena.DefaultCode, cfg.Battle.DefaultCode)
	assert.True(t, cfg.Storage.Enabled)

	policy := cfg.SandboxPolicy()
	assert.Equal(t, 2*time.Second, policy.MaxTimeout)
	assert.Equal(t, "node:22-slim", policy.Image)
	assert.True(t, policy.IsImageAllowed("node:20-slim"))
	assert.Equal(t, int64(512<<20), policy.WorkerMemory)
}

func TestLoad_RoundMustOutlastExecution(t *testing.T) {
	// 8s + 1s worker grace fits a 10s round; 8s + 5s container grace does not.
	cfg, err := Load(writeConfig(t, "battle:\n  submission_timeout: 8s\n  round_timeout: 10s\n"))
	require.NoError(t, err)
	assert.Equal(t, 8*time.Second+sandbox.WorkerGrace, cfg.SandboxPolicy().WallClock(cfg.Sandbox.Engine, cfg.Battle.SubmissionTimeout))

	_, err = Load(writeConfig(t, "battle:\n  submission_timeout: 8s\n  round_timeout: 10s\nsandbox:\n  engine: docker\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "round_timeout")
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
battle:
  array_length: 50
  countdown_ticks: 5
  submission_timeout: 1500ms
  round_timeout: 20s
sandbox:
  engine: docker
  docker:
    memory: 64m
log:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Battle.ArrayLength)
	assert.Equal(t, 5, cfg.Battle.CountdownTicks)
	assert.Equal(t, 1500*time.Millisecond, cfg.Battle.SubmissionTimeout)
	assert.Equal(t, 20*time.Second, cfg.Battle.RoundTimeout)
	assert.Equal(t, 1000, cfg.Battle.ValueMax, "unset keys keep defaults")
	assert.Equal(t, sandbox.EngineDocker, cfg.Sandbox.Engine)
	assert.Equal(t, "64m", cfg.SandboxPolicy().MaxMemory)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("SORTARENA_SERVER_PORT", "7000")
	t.Setenv("SORTARENA_BATTLE_ROUND_TIMEOUT", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Battle.RoundTimeout)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"round timeout not above submission timeout", "battle:\n  submission_timeout: 5s\n  round_timeout: 5s\n"},
		{"worker may outlive round", "battle:\n  submission_timeout: 9500ms\n  round_timeout: 10s\n"},
		{"docker may outlive round", "battle:\n  submission_timeout: 8s\n  round_timeout: 10s\nsandbox:\n  engine: docker\n  docker:\n    startup_grace: 5s\n"},
		{"empty arrays", "battle:\n  array_length: 0\n"},
		{"negative countdown", "battle:\n  countdown_ticks: -1\n"},
		{"unknown engine", "sandbox:\n  engine: wasm\n"},
		{"docker image outside allowlist", "sandbox:\n  engine: docker\n  docker:\n    image: alpine\n"},
		{"unknown log format", "log:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
