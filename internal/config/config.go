package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/sortarena/internal/arena"
	"github.com/michaelbrown/sortarena/internal/sandbox"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type BattleConfig struct {
	ArrayLength       int           `mapstructure:"array_length"`
	ValueMax          int           `mapstructure:"value_max"`
	CountdownTicks    int           `mapstructure:"countdown_ticks"`
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	SubmissionTimeout time.Duration `mapstructure:"submission_timeout"`
	RoundTimeout      time.Duration `mapstructure:"round_timeout"`
	DefaultCode       string        `mapstructure:"default_code"`
	Seed              uint64        `mapstructure:"seed"`
}

type DockerConfig struct {
	Image        string        `mapstructure:"image"`
	Images       []string      `mapstructure:"images"`
	Memory       string        `mapstructure:"memory"`
	PidsLimit    int           `mapstructure:"pids_limit"`
	StartupGrace time.Duration `mapstructure:"startup_grace"`
}

type SandboxConfig struct {
	Engine       string       `mapstructure:"engine"`
	MaxCallStack int          `mapstructure:"max_call_stack"`
	MaxOutputLen int          `mapstructure:"max_output_len"`
	WorkerMemory int64        `mapstructure:"worker_memory"` // bytes
	Docker       DockerConfig `mapstructure:"docker"`
}

type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

// LimitsConfig throttles inbound socket messages per participant and REST
// requests per client address.
type LimitsConfig struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	RequestBurst      int     `mapstructure:"request_burst"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Battle  BattleConfig  `mapstructure:"battle"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
	Limits  LimitsConfig  `mapstructure:"limits"`

	// File is the config file that was read, empty when running on defaults.
	File string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	battle := arena.DefaultSettings()
	policy := sandbox.DefaultPolicy()

	v.SetDefault("server.port", 8080)

	v.SetDefault("battle.array_length", battle.ArrayLength)
	v.SetDefault("battle.value_max", battle.ValueMax)
	v.SetDefault("battle.countdown_ticks", battle.CountdownTicks)
	v.SetDefault("battle.tick_interval", battle.TickInterval)
	v.SetDefault("battle.submission_timeout", battle.SubmissionTimeout)
	v.SetDefault("battle.round_timeout", battle.RoundTimeout)
	v.SetDefault("battle.default_code", arena.DefaultCode)
	v.SetDefault("battle.seed", 0)

	v.SetDefault("sandbox.engine", sandbox.EngineGoja)
	v.SetDefault("sandbox.max_call_stack", policy.MaxCallStack)
	v.SetDefault("sandbox.max_output_len", policy.MaxOutputLen)
	v.SetDefault("sandbox.worker_memory", policy.WorkerMemory)
	v.SetDefault("sandbox.docker.image", policy.Image)
	v.SetDefault("sandbox.docker.images", policy.Images)
	v.SetDefault("sandbox.docker.memory", policy.MaxMemory)
	v.SetDefault("sandbox.docker.pids_limit", policy.PidsLimit)
	v.SetDefault("sandbox.docker.startup_grace", policy.StartupGrace)

	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".sortarena", "rounds.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("limits.messages_per_second", 20)
	v.SetDefault("limits.burst", 40)
	v.SetDefault("limits.requests_per_second", 10)
	v.SetDefault("limits.request_burst", 20)
}

// Load reads configuration. An explicit path must exist; otherwise
// sortarena.yaml is looked up in . and $HOME/.sortarena and may be absent.
// SORTARENA_* environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SORTARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		v.SetConfigName("sortarena")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sortarena")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if err := c.BattleSettings().Validate(); err != nil {
		return fmt.Errorf("invalid config: battle: %w", err)
	}
	switch c.Sandbox.Engine {
	case sandbox.EngineGoja, sandbox.EngineDocker:
	default:
		return fmt.Errorf("invalid config: unknown sandbox.engine %q", c.Sandbox.Engine)
	}
	if c.Sandbox.Engine == sandbox.EngineDocker && !c.SandboxPolicy().IsImageAllowed(c.Sandbox.Docker.Image) {
		return fmt.Errorf("invalid config: sandbox.docker.image %q not in sandbox.docker.images", c.Sandbox.Docker.Image)
	}
	// An execution may not outlive the round it belongs to.
	if bound := c.SandboxPolicy().WallClock(c.Sandbox.Engine, c.Battle.SubmissionTimeout); c.Battle.RoundTimeout <= bound {
		return fmt.Errorf("invalid config: battle.round_timeout %s must exceed %s, the longest a %s execution can take",
			c.Battle.RoundTimeout, bound, c.Sandbox.Engine)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

// BattleSettings converts the battle section for the orchestrator.
func (c *Config) BattleSettings() arena.Settings {
	return arena.Settings{
		ArrayLength:       c.Battle.ArrayLength,
		ValueMax:          c.Battle.ValueMax,
		CountdownTicks:    c.Battle.CountdownTicks,
		TickInterval:      c.Battle.TickInterval,
		SubmissionTimeout: c.Battle.SubmissionTimeout,
		RoundTimeout:      c.Battle.RoundTimeout,
		Seed:              c.Battle.Seed,
	}
}

// SandboxPolicy converts the sandbox section. The per-submission timeout
// doubles as the policy ceiling.
func (c *Config) SandboxPolicy() sandbox.Policy {
	return sandbox.Policy{
		MaxTimeout:   c.Battle.SubmissionTimeout,
		MaxCallStack: c.Sandbox.MaxCallStack,
		MaxOutputLen: c.Sandbox.MaxOutputLen,
		WorkerMemory: c.Sandbox.WorkerMemory,
		Image:        c.Sandbox.Docker.Image,
		MaxMemory:    c.Sandbox.Docker.Memory,
		PidsLimit:    c.Sandbox.Docker.PidsLimit,
		StartupGrace: c.Sandbox.Docker.StartupGrace,
		Images:       c.Sandbox.Docker.Images,
	}
}
