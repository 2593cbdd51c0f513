package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExportMarkdown renders a round and its results as a markdown document.
func ExportMarkdown(r *Round) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Room %s, round %d\n\n", r.RoomID, r.Number))
	b.WriteString(fmt.Sprintf("- **Round:** %s\n", r.ID))
	b.WriteString(fmt.Sprintf("- **Started:** %s\n", r.StartedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Duration:** %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond)))
	b.WriteString(fmt.Sprintf("- **Input size:** %d\n", len(r.Input)))
	if w := r.Winner(); w != "" {
		b.WriteString(fmt.Sprintf("- **Winner:** %s\n", w))
	}
	b.WriteString("\n---\n\n")

	b.WriteString("| Rank | Participant | Time (ms) | Correct | Note |\n")
	b.WriteString("|---:|---|---:|:---:|---|\n")
	for _, res := range r.Results {
		name := res.DisplayName
		if name == "" {
			name = res.ParticipantID
		}
		correct := "no"
		if res.Correct {
			correct = "yes"
		}
		b.WriteString(fmt.Sprintf("| %d | %s | %d | %s | %s |\n",
			res.Rank, name, res.ElapsedMillis, correct, res.Failure))
	}

	return b.String()
}

// ExportJSON renders a round as formatted JSON.
func ExportJSON(r *Round) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// ExportYAML renders a round as YAML.
func ExportYAML(r *Round) ([]byte, error) {
	return yaml.Marshal(r)
}
