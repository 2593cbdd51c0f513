package arena

import (
	"slices"
	"sync"
	"time"
)

// Phase is a room's position in the battle lifecycle.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCountdown Phase = "countdown"
	PhaseRunning   Phase = "running"
	PhaseScored    Phase = "scored"
)

// DefaultCode seeds the shared buffer of a new room.
const DefaultCode = "function sort(arr) {\n  return arr.sort((a, b) => a - b);\n}"

// Participant is one connection taking part in a room.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	RoomID      string    `json:"roomId"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Room is the shared state of one battle session. All fields below mu are
// guarded by it; the Orchestrator is the only writer.
type Room struct {
	ID string

	mu           sync.Mutex
	code         string
	participants map[string]*Participant
	phase        Phase
	testInput    []int
	round        int
	gen          uint64                 // bumped per round start and on abandon; stale timers compare it
	members      map[string]Participant // everyone who took part in the round, leavers included
	outcomes     map[string]Outcome
	pending      map[string]bool
	submitted    map[string]bool // accepted submissions this round, abandoned ones included
	startedAt    time.Time
	timer        *time.Timer
	closed       bool // removed from the registry
}

func newRoom(id, code string) *Room {
	return &Room{
		ID:           id,
		code:         code,
		participants: make(map[string]*Participant),
		phase:        PhaseIdle,
	}
}

// RoomInfo is a point-in-time copy of a room for display.
type RoomInfo struct {
	ID            string        `json:"id"`
	Phase         Phase         `json:"phase"`
	Code          string        `json:"code"`
	Round         int           `json:"round"`
	TestInputSize int           `json:"testInputSize"`
	Participants  []Participant `json:"participants"`
}

// Info returns a snapshot of the room.
func (r *Room) Info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infoLocked()
}

func (r *Room) infoLocked() RoomInfo {
	return RoomInfo{
		ID:            r.ID,
		Phase:         r.phase,
		Code:          r.code,
		Round:         r.round,
		TestInputSize: len(r.testInput),
		Participants:  r.rosterLocked(),
	}
}

// rosterLocked lists participants ordered by join time, then id.
func (r *Room) rosterLocked() []Participant {
	list := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		list = append(list, *p)
	}
	slices.SortFunc(list, func(a, b Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return list
}

func (r *Room) memberIDsLocked() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Room) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// resetRoundLocked returns the room to Idle and drops all round state.
func (r *Room) resetRoundLocked() {
	r.stopTimerLocked()
	r.phase = PhaseIdle
	r.testInput = nil
	r.members = nil
	r.outcomes = nil
	r.pending = nil
	r.submitted = nil
}
