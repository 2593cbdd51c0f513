package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/sortarena/internal/arena"
	"github.com/michaelbrown/sortarena/internal/limiter"
	"github.com/michaelbrown/sortarena/internal/sandbox"
	"github.com/michaelbrown/sortarena/internal/storage"
	"github.com/michaelbrown/sortarena/internal/storage/sqlite"
)

const correctSort = `function sort(arr){return arr.sort((a,b)=>a-b);}`

type testEnv struct {
	ts    *httptest.Server
	store storage.Store
	orch  *arena.Orchestrator
}

type envOption func(*Options, *arena.Settings)

func withoutStore() envOption {
	return func(o *Options, _ *arena.Settings) { o.Store = nil }
}

func withMessageLimit(perSecond float64, burst int) envOption {
	return func(o *Options, _ *arena.Settings) { o.Messages = limiter.New(perSecond, burst) }
}

func withSlowCountdown() envOption {
	return func(_ *Options, s *arena.Settings) { s.TickInterval = time.Second }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	settings := arena.Settings{
		ArrayLength:       20,
		ValueMax:          100,
		CountdownTicks:    1,
		TickInterval:      10 * time.Millisecond,
		SubmissionTimeout: 500 * time.Millisecond,
		RoundTimeout:      2 * time.Second,
		Seed:              3,
	}

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	o := Options{Registry: arena.NewRegistry(""), Hub: NewHub(nil), Store: store}
	for _, opt := range opts {
		opt(&o, &settings)
	}

	policy := sandbox.DefaultPolicy()
	policy.MaxTimeout = settings.SubmissionTimeout
	o.Orchestrator = arena.NewOrchestrator(o.Registry, sandbox.NewJSSandbox(policy), o.Hub, settings, nil)
	if o.Store != nil {
		o.Orchestrator.SetRecorder(store)
	}

	srv := New(o)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		o.Hub.CloseAll()
		o.Orchestrator.Close()
		ts.Close()
	})
	return &testEnv{ts: ts, store: o.Store, orch: o.Orchestrator}
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s", typ)
		if f.Type == typ {
			return f
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg wsIncoming) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	health := decode[map[string]any](t, body)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, true, health["archive"])

	battle, ok := health["battle"].(map[string]any)
	require.True(t, ok, "battle settings reported")
	settings := env.orch.Settings()
	assert.EqualValues(t, settings.ArrayLength, battle["arrayLength"])
	assert.EqualValues(t, settings.RoundTimeout.Milliseconds(), battle["roundTimeoutMs"])
	assert.EqualValues(t, settings.SubmissionTimeout.Milliseconds(), battle["submissionTimeoutMs"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "sortarena_active_rooms")
}

func TestWebSocket_JoinViaPath(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/R1?name=ada")

	welcome := decode[Welcome](t, readUntil(t, conn, EventWelcome).Payload)
	assert.NotEmpty(t, welcome.ParticipantID)

	code := decode[string](t, readUntil(t, conn, arena.EventCodeUpdate).Payload)
	assert.Equal(t, arena.DefaultCode, code)

	joined := decode[arena.RoomInfo](t, readUntil(t, conn, EventJoined).Payload)
	assert.Equal(t, "R1", joined.ID)
	require.Len(t, joined.Participants, 1)
	assert.Equal(t, "ada", joined.Participants[0].DisplayName)
	assert.Equal(t, welcome.ParticipantID, joined.Participants[0].ID)

	resp, body := env.get(t, "/api/rooms")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	rooms := decode[[]arena.RoomInfo](t, body)
	require.Len(t, rooms, 1)
	assert.Equal(t, arena.PhaseIdle, rooms[0].Phase)

	resp, body = env.get(t, "/api/rooms/R1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "R1", decode[arena.RoomInfo](t, body).ID)
}

func TestWebSocket_JoinMessage(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws")
	readUntil(t, conn, EventWelcome)

	send(t, conn, wsIncoming{Type: msgJoin, RoomID: "R2", DisplayName: "grace"})
	joined := decode[arena.RoomInfo](t, readUntil(t, conn, EventJoined).Payload)
	assert.Equal(t, "R2", joined.ID)

	send(t, conn, wsIncoming{Type: msgLeave})
	left := decode[string](t, readUntil(t, conn, EventLeft).Payload)
	assert.Equal(t, "R2", left)

	resp, _ := env.get(t, "/api/rooms/R2")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "empty room is destroyed")
}

func TestWebSocket_CodeChangeRelayed(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "/ws/R1?name=a")
	readUntil(t, a, EventJoined)
	b := env.dial(t, "/ws/R1?name=b")
	readUntil(t, b, EventJoined)

	send(t, a, wsIncoming{Type: msgCodeChange, Code: "function sort(x){return x;}"})
	code := decode[string](t, readUntil(t, b, arena.EventCodeUpdate).Payload)
	assert.Equal(t, "function sort(x){return x;}", code)
}

func TestWebSocket_FullBattle(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/ws/R1?name=ada")
	readUntil(t, conn, EventJoined)

	send(t, conn, wsIncoming{Type: msgStartBattle})
	tick := decode[int](t, readUntil(t, conn, arena.EventCountdownTick).Payload)
	assert.Equal(t, 1, tick)

	start := decode[arena.BattleStart](t, readUntil(t, conn, arena.EventBattleStart).Payload)
	assert.Len(t, start.TestInput, 20)

	send(t, conn, wsIncoming{Type: msgSubmit, Code: correctSort})
	result := decode[arena.ExecutionResult](t, readUntil(t, conn, arena.EventExecutionResult).Payload)
	assert.True(t, arena.IsCorrect(start.TestInput, result.Output))

	results := decode[arena.BattleResults](t, readUntil(t, conn, arena.EventBattleResults).Payload)
	require.Len(t, results.Results, 1)
	assert.True(t, results.Results[0].Correct)
	assert.Equal(t, "ada", results.Results[0].DisplayName)

	var rounds []storage.Round
	require.Eventually(t, func() bool {
		_, body := env.get(t, "/api/rounds?room=R1")
		rounds = decode[[]storage.Round](t, body)
		return len(rounds) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "ada", rounds[0].Winner())

	resp, body := env.get(t, "/api/rounds/"+rounds[0].ID[:8])
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, rounds[0].ID, decode[storage.Round](t, body).ID)

	resp, body = env.get(t, "/api/rounds/"+rounds[0].ID+"/export?format=md")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "# Room R1, round 1")
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/markdown")

	resp, _ = env.get(t, "/api/rounds/"+rounds[0].ID+"/export?format=pdf")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocket_Errors(t *testing.T) {
	env := newTestEnv(t, withSlowCountdown())
	conn := env.dial(t, "/ws")
	readUntil(t, conn, EventWelcome)

	send(t, conn, wsIncoming{Type: msgStartBattle})
	e := decode[ErrorPayload](t, readUntil(t, conn, EventError).Payload)
	assert.Equal(t, "not_in_room", e.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	e = decode[ErrorPayload](t, readUntil(t, conn, EventError).Payload)
	assert.Equal(t, "bad_message", e.Code)

	send(t, conn, wsIncoming{Type: "dance"})
	e = decode[ErrorPayload](t, readUntil(t, conn, EventError).Payload)
	assert.Equal(t, "bad_message", e.Code)
	assert.Equal(t, "dance", e.Op)

	send(t, conn, wsIncoming{Type: msgJoin, RoomID: " "})
	e = decode[ErrorPayload](t, readUntil(t, conn, EventError).Payload)
	assert.Equal(t, "invalid_room_id", e.Code)

	send(t, conn, wsIncoming{Type: msgJoin, RoomID: "R1"})
	readUntil(t, conn, EventJoined)
	send(t, conn, wsIncoming{Type: msgStartBattle})
	readUntil(t, conn, arena.EventCountdownTick)
	send(t, conn, wsIncoming{Type: msgStartBattle})
	e = decode[ErrorPayload](t, readUntil(t, conn, EventError).Payload)
	assert.Equal(t, "invalid_phase", e.Code)
	assert.Equal(t, msgStartBattle, e.Op)

	send(t, conn, wsIncoming{Type: msgSubmit, Code: correctSort})
	e = decode[ErrorPayload](t, readUntil(t, conn, EventError).Payload)
	assert.Equal(t, "invalid_phase", e.Code)
}

func TestWebSocket_DisconnectLeavesRoom(t *testing.T) {
	env := newTestEnv(t)
	a := env.dial(t, "/ws/R1?name=a")
	readUntil(t, a, EventJoined)
	b := env.dial(t, "/ws/R1?name=b")
	readUntil(t, b, EventJoined)

	a.Close()

	conn := b
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type != arena.EventRoster {
			continue
		}
		if roster := decode[[]arena.Participant](t, f.Payload); len(roster) == 1 {
			assert.Equal(t, "b", roster[0].DisplayName)
			return
		}
	}
}

func TestWebSocket_RateLimited(t *testing.T) {
	env := newTestEnv(t, withMessageLimit(0.001, 2))
	conn := env.dial(t, "/ws/R1?name=a")
	readUntil(t, conn, EventJoined)

	for range 3 {
		send(t, conn, wsIncoming{Type: msgCodeChange, Code: "function sort(a){return a;}"})
	}
	e := decode[ErrorPayload](t, readUntil(t, conn, EventError).Payload)
	assert.Equal(t, "rate_limited", e.Code)
}

func TestREST_NotFound(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.get(t, "/api/rooms/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.get(t, "/api/rounds/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := env.get(t, "/api/rounds")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))
}

func TestREST_ArchiveDisabled(t *testing.T) {
	env := newTestEnv(t, withoutStore())

	resp, _ := env.get(t, "/api/rounds")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
