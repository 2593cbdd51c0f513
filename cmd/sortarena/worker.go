package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/sortarena/internal/sandbox"
)

// execWorkerCmd runs one submission for the goja engine, which re-executes
// this binary with the address space capped.
var execWorkerCmd = &cobra.Command{
	Use:    sandbox.WorkerCommand,
	Short:  "Run one submission read from stdin",
	Hidden: true,
	Args:   cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(sandbox.ServeWorker(os.Stdin, os.Stdout))
	},
}

func init() {
	rootCmd.AddCommand(execWorkerCmd)
}
