package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/sortarena/internal/arena"
	"github.com/michaelbrown/sortarena/internal/limiter"
	"github.com/michaelbrown/sortarena/internal/sandbox"
	"github.com/michaelbrown/sortarena/internal/server"
	"github.com/michaelbrown/sortarena/internal/storage/sqlite"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the battle server",
	Long: `Start the Sortarena HTTP server.

Participants connect over WebSocket at /ws/{room}?name=... . Room and round
history endpoints are under /api, metrics under /metrics.

Examples:
  sortarena serve
  sortarena serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	exec, err := sandbox.New(cfg.Sandbox.Engine, cfg.SandboxPolicy())
	if err != nil {
		return err
	}

	registry := arena.NewRegistry(cfg.Battle.DefaultCode)
	hub := server.NewHub(logger)
	orch := arena.NewOrchestrator(registry, exec, hub, cfg.BattleSettings(), logger)

	opts := server.Options{
		Registry:     registry,
		Orchestrator: orch,
		Hub:          hub,
		Messages:     limiter.New(cfg.Limits.MessagesPerSecond, cfg.Limits.Burst),
		Requests:     limiter.New(cfg.Limits.RequestsPerSecond, cfg.Limits.RequestBurst),
		Logger:       logger,
	}

	// Open round archive
	if cfg.Storage.Enabled {
		store, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()
		opts.Store = store
		orch.SetRecorder(store)
	}

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	logger.Info().
		Str("engine", cfg.Sandbox.Engine).
		Str("config", cfg.File).
		Bool("archive", cfg.Storage.Enabled).
		Dur("submission_timeout", cfg.Battle.SubmissionTimeout).
		Dur("round_timeout", cfg.Battle.RoundTimeout).
		Msg("battle settings")

	srv := server.New(opts)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		srv.Shutdown(context.Background())
	}()

	return srv.Start(port)
}
