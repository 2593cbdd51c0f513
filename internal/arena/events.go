package arena

// Outbound event types.
const (
	EventCodeUpdate       = "codeUpdate"
	EventRoster           = "roster"
	EventCountdownTick    = "countdownTick"
	EventBattleStart      = "battleStart"
	EventSubmitted        = "submitted"
	EventExecutionResult  = "executionResult"
	EventExecutionFailure = "executionFailure"
	EventBattleResults    = "battleResults"
)

// Event is one message pushed to participants.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Broadcaster delivers events to rooms and single participants. Delivery to
// each recipient preserves call order.
type Broadcaster interface {
	Broadcast(roomID string, evt Event, except ...string)
	Send(participantID string, evt Event)
}

// BattleStart is the payload of EventBattleStart.
type BattleStart struct {
	Round          int   `json:"round"`
	TestInput      []int `json:"testInput"`
	TimeoutMillis  int64 `json:"timeoutMillis"`
	DeadlineMillis int64 `json:"deadlineMillis"`
}

// ExecutionResult is the payload of EventExecutionResult, sent to the submitter.
type ExecutionResult struct {
	Round         int   `json:"round"`
	ElapsedMillis int64 `json:"elapsedMillis"`
	Output        []int `json:"output"`
}

// ExecutionFailure is the payload of EventExecutionFailure, sent to the submitter.
type ExecutionFailure struct {
	Round     int    `json:"round"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// BattleResults is the payload of EventBattleResults.
type BattleResults struct {
	Round   int            `json:"round"`
	Results []BattleResult `json:"results"`
}
