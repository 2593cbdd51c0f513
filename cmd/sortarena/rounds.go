package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/sortarena/internal/storage"
	"github.com/michaelbrown/sortarena/internal/storage/sqlite"
)

var (
	roomFilter   string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var roundsCmd = &cobra.Command{
	Use:     "rounds",
	Aliases: []string{"round", "r"},
	Short:   "Browse archived battle rounds",
}

var roundsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived rounds",
	RunE:  runRoundsList,
}

var roundsShowCmd = &cobra.Command{
	Use:   "show <round-id>",
	Short: "Show a round's results",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoundsShow,
}

var roundsDeleteCmd = &cobra.Command{
	Use:   "delete <round-id>",
	Short: "Delete a round",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoundsDelete,
}

var roundsExportCmd = &cobra.Command{
	Use:   "export <round-id>",
	Short: "Export a round as markdown, JSON or YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoundsExport,
}

func init() {
	rootCmd.AddCommand(roundsCmd)
	roundsCmd.AddCommand(roundsListCmd, roundsShowCmd, roundsDeleteCmd, roundsExportCmd)

	roundsListCmd.Flags().StringVar(&roomFilter, "room", "", "Only rounds played in this room")
	roundsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max rounds to show")

	roundsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md, json or yaml")
	roundsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	roundsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runRoundsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	rounds, err := store.ListRounds(context.Background(), storage.RoundListOptions{
		RoomID: roomFilter,
		Limit:  limitFlag,
	})
	if err != nil {
		return err
	}

	if len(rounds) == 0 {
		fmt.Println("No rounds found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-20s %-6s %-8s %-20s %s\n", "ID", "ROOM", "ROUND", "PLAYERS", "WINNER", "FINISHED")
	fmt.Println(strings.Repeat("─", 80))

	for _, r := range rounds {
		winner := r.Winner()
		if winner == "" {
			winner = "(none)"
		}
		fmt.Printf("%-10s %-20s %-6d %-8d %-20s %s\n",
			r.ID[:min(8, len(r.ID))], truncate(r.RoomID, 20), r.Number, len(r.Results), truncate(winner, 20), timeAgo(r.FinishedAt))
	}

	return nil
}

func runRoundsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRound(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Round:    %s\n", r.ID)
	fmt.Printf("Room:     %s (#%d)\n", r.RoomID, r.Number)
	fmt.Printf("Started:  %s\n", r.StartedAt.Format(time.RFC3339))
	fmt.Printf("Finished: %s\n", r.FinishedAt.Format(time.RFC3339))
	fmt.Printf("Input:    %s\n", preview(r.Input, 20))

	fmt.Printf("\nResults: %d\n", len(r.Results))
	fmt.Println(strings.Repeat("─", 60))

	for _, res := range r.Results {
		name := res.DisplayName
		if name == "" {
			name = res.ParticipantID
		}
		if res.Correct {
			fmt.Printf("%3d. \033[32m%-20s %6d ms ✓\033[0m\n", res.Rank, truncate(name, 20), res.ElapsedMillis)
		} else {
			fmt.Printf("%3d. \033[90m%-20s %6d ms ✗ %s\033[0m\n", res.Rank, truncate(name, 20), res.ElapsedMillis, res.Failure)
		}
	}

	return nil
}

func runRoundsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	r, err := store.GetRound(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete round %s of room %q? [y/N] ", r.ID[:min(8, len(r.ID))], r.RoomID)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteRound(ctx, r.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted round %s\n", r.ID[:min(8, len(r.ID))])
	return nil
}

func runRoundsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRound(context.Background(), args[0])
	if err != nil {
		return err
	}

	var data []byte
	switch exportFormat {
	case "json":
		data, err = storage.ExportJSON(r)
	case "yaml", "yml":
		data, err = storage.ExportYAML(r)
	case "md", "markdown":
		data = []byte(storage.ExportMarkdown(r))
	default:
		return fmt.Errorf("unknown export format %q", exportFormat)
	}
	if err != nil {
		return err
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, data, 0o644)
	}

	fmt.Print(string(data))
	return nil
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen-2] + ".."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
