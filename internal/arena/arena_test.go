package arena

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sent is one event captured by fakeBroadcaster. Room is set for broadcasts,
// To for direct sends.
type sent struct {
	Room   string
	To     string
	Except []string
	Event  Event
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []sent
}

func (f *fakeBroadcaster) Broadcast(roomID string, evt Event, except ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sent{Room: roomID, Except: except, Event: evt})
}

func (f *fakeBroadcaster) Send(participantID string, evt Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sent{To: participantID, Event: evt})
}

func (f *fakeBroadcaster) ofType(typ string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, e := range f.events {
		if e.Event.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeBroadcaster) count(typ string) int {
	return len(f.ofType(typ))
}

// waitFor blocks until n events of typ were captured and returns them.
func (f *fakeBroadcaster) waitFor(t *testing.T, typ string, n int, timeout time.Duration) []sent {
	t.Helper()
	require.Eventually(t, func() bool { return f.count(typ) >= n }, timeout, 5*time.Millisecond,
		"waiting for %d %s events", n, typ)
	return f.ofType(typ)
}

func (f *fakeBroadcaster) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Event.Type)
	}
	return out
}

type fixedInput []int

func (f fixedInput) Generate() []int { return slices.Clone(f) }
