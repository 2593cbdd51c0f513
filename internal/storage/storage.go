package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no round matches an id or id prefix.
var ErrNotFound = errors.New("round not found")

// Result is one participant's ranked line in an archived round.
type Result struct {
	ParticipantID string `json:"participant_id" yaml:"participant_id"`
	DisplayName   string `json:"display_name" yaml:"display_name"`
	ElapsedMillis int64  `json:"elapsed_millis" yaml:"elapsed_millis"`
	Correct       bool   `json:"correct" yaml:"correct"`
	Rank          int    `json:"rank" yaml:"rank"`
	Failure       string `json:"failure,omitempty" yaml:"failure,omitempty"`
}

// Round is the archived record of one scored battle round. Rooms themselves
// are never stored.
type Round struct {
	ID         string    `json:"id" yaml:"id"`
	RoomID     string    `json:"room_id" yaml:"room_id"`
	Number     int       `json:"number" yaml:"number"`
	Input      []int     `json:"input" yaml:"input,flow"`
	Results    []Result  `json:"results" yaml:"results"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}

// Winner returns the display name (or id) of the top correct result.
func (r *Round) Winner() string {
	for _, res := range r.Results {
		if res.Correct {
			if res.DisplayName != "" {
				return res.DisplayName
			}
			return res.ParticipantID
		}
	}
	return ""
}

// RoundListOptions controls filtering and pagination for ListRounds.
type RoundListOptions struct {
	RoomID string
	Limit  int
	Offset int
}

// Store is the persistence interface for the round archive.
type Store interface {
	// SaveRound inserts a round. The ID field must be set by the caller.
	SaveRound(ctx context.Context, r *Round) error

	// GetRound returns a round by ID or ID prefix.
	GetRound(ctx context.Context, id string) (*Round, error)

	// ListRounds returns rounds ordered by finished_at descending.
	ListRounds(ctx context.Context, opts RoundListOptions) ([]Round, error)

	// DeleteRound removes a round.
	DeleteRound(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
