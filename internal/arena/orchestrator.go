package arena

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/sortarena/internal/metrics"
	"github.com/michaelbrown/sortarena/internal/sandbox"
	"github.com/michaelbrown/sortarena/internal/storage"
)

// Settings are the battle knobs.
type Settings struct {
	ArrayLength       int
	ValueMax          int
	CountdownTicks    int
	TickInterval      time.Duration
	SubmissionTimeout time.Duration
	RoundTimeout      time.Duration
	Seed              uint64 // zero for a random seed
}

// DefaultSettings returns the standard battle configuration.
func DefaultSettings() Settings {
	return Settings{
		ArrayLength:       100,
		ValueMax:          1000,
		CountdownTicks:    3,
		TickInterval:      time.Second,
		SubmissionTimeout: 2 * time.Second,
		RoundTimeout:      10 * time.Second,
	}
}

// Validate checks the relationships between knobs.
func (s Settings) Validate() error {
	if s.ArrayLength <= 0 {
		return fmt.Errorf("array length must be positive, got %d", s.ArrayLength)
	}
	if s.CountdownTicks < 0 {
		return fmt.Errorf("countdown ticks must not be negative, got %d", s.CountdownTicks)
	}
	if s.SubmissionTimeout <= 0 {
		return fmt.Errorf("submission timeout must be positive, got %s", s.SubmissionTimeout)
	}
	if s.RoundTimeout <= s.SubmissionTimeout {
		return fmt.Errorf("round timeout %s must exceed submission timeout %s", s.RoundTimeout, s.SubmissionTimeout)
	}
	return nil
}

type inputSource interface {
	Generate() []int
}

// Recorder archives scored rounds.
type Recorder interface {
	SaveRound(ctx context.Context, r *storage.Round) error
}

// Orchestrator drives the battle lifecycle of every room. Each room is
// serialized by its own mutex; rooms never wait on each other.
type Orchestrator struct {
	registry *Registry
	exec     sandbox.Executor
	engine   string
	bc       Broadcaster
	cfg      Settings
	inputs   inputSource
	recorder Recorder
	logger   *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator wires the registry, executor and broadcaster together.
func NewOrchestrator(registry *Registry, exec sandbox.Executor, bc Broadcaster, cfg Settings, logger *zerolog.Logger) *Orchestrator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		registry: registry,
		exec:     exec,
		engine:   engineName(exec),
		bc:       bc,
		cfg:      cfg,
		inputs:   NewInputGenerator(cfg.ArrayLength, cfg.ValueMax, cfg.Seed),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetRecorder enables archiving of scored rounds.
func (o *Orchestrator) SetRecorder(r Recorder) {
	o.recorder = r
}

// Settings returns the battle configuration.
func (o *Orchestrator) Settings() Settings {
	return o.cfg
}

// Close cancels in-flight executions. Rooms are left as they are.
func (o *Orchestrator) Close() {
	o.cancel()
}

// Join attaches a participant to a room, creating the room on first use,
// and sends the current code to the joiner.
func (o *Orchestrator) Join(roomID, participantID, displayName string) (RoomInfo, error) {
	if participantID == "" {
		return RoomInfo{}, fmt.Errorf("%w: empty participant id", ErrUnknownParticipant)
	}
	for {
		room, err := o.registry.GetOrCreate(roomID)
		if err != nil {
			return RoomInfo{}, err
		}

		room.mu.Lock()
		if room.closed {
			// Lost a race with removal of the previous room under this id.
			room.mu.Unlock()
			continue
		}

		p, ok := room.participants[participantID]
		if ok {
			p.DisplayName = displayName
		} else {
			p = &Participant{
				ID:          participantID,
				DisplayName: displayName,
				RoomID:      roomID,
				JoinedAt:    time.Now(),
			}
			room.participants[participantID] = p
		}
		if room.members != nil {
			room.members[participantID] = *p
		}

		o.bc.Send(participantID, Event{Type: EventCodeUpdate, Payload: room.code})
		if room.phase == PhaseRunning {
			o.bc.Send(participantID, Event{Type: EventBattleStart, Payload: o.battleStartLocked(room)})
		}
		o.bc.Broadcast(roomID, Event{Type: EventRoster, Payload: room.rosterLocked()})
		info := room.infoLocked()
		room.mu.Unlock()

		o.logger.Info().Str("room", roomID).Str("participant", participantID).Str("name", displayName).Msg("participant joined")
		return info, nil
	}
}

// Leave detaches a participant. A pending submission is abandoned. The last
// participant out destroys the room, abandoning any round in progress.
func (o *Orchestrator) Leave(roomID, participantID string) error {
	room, err := o.registry.Get(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	if _, ok := room.participants[participantID]; !ok {
		room.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	delete(room.participants, participantID)
	// An execution still in flight is abandoned; the leaver stays a round
	// member and is scored as not having submitted. The submission still
	// counts, so rejoining does not allow a second one.
	delete(room.pending, participantID)

	empty := len(room.participants) == 0
	switch {
	case empty && room.phase != PhaseIdle:
		o.logger.Info().Str("room", roomID).Int("round", room.round).Msg("round abandoned, room empty")
		metrics.RoundsTotal.WithLabelValues("abandoned").Inc()
		room.gen++
		room.resetRoundLocked()
	case !empty:
		o.bc.Broadcast(roomID, Event{Type: EventRoster, Payload: room.rosterLocked()})
		if room.phase == PhaseRunning {
			o.maybeScoreLocked(room)
		}
	}
	room.mu.Unlock()

	o.logger.Info().Str("room", roomID).Str("participant", participantID).Msg("participant left")

	if empty {
		if err := o.registry.removeIfEmpty(roomID); err != nil && !errors.Is(err, ErrRoomNotFound) {
			o.logger.Debug().Err(err).Str("room", roomID).Msg("room kept")
		}
	}
	return nil
}

// CodeChange replaces the shared code and relays it to everyone else.
// Only allowed while the room is Idle.
func (o *Orchestrator) CodeChange(roomID, participantID, code string) error {
	room, err := o.lockMember(roomID, participantID)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()

	if room.phase != PhaseIdle {
		return fmt.Errorf("%w: code is frozen while room is %s", ErrInvalidPhase, room.phase)
	}
	room.code = code
	o.bc.Broadcast(roomID, Event{Type: EventCodeUpdate, Payload: code}, participantID)
	return nil
}

// StartBattle moves an Idle room into Countdown.
func (o *Orchestrator) StartBattle(roomID, participantID string) error {
	room, err := o.lockMember(roomID, participantID)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()

	if room.phase != PhaseIdle {
		return fmt.Errorf("%w: cannot start, room is %s", ErrInvalidPhase, room.phase)
	}

	room.gen++
	room.round++
	room.phase = PhaseCountdown
	room.testInput = o.inputs.Generate()
	room.members = make(map[string]Participant, len(room.participants))
	for id, p := range room.participants {
		room.members[id] = *p
	}
	room.outcomes = make(map[string]Outcome)
	room.pending = make(map[string]bool)
	room.submitted = make(map[string]bool)
	room.startedAt = time.Now()

	o.logger.Info().Str("room", roomID).Int("round", room.round).Str("by", participantID).Msg("battle countdown started")
	o.tickLocked(room, room.gen, o.cfg.CountdownTicks)
	return nil
}

// Submit dispatches a participant's code against the round's input. The
// execution runs outside the room lock; its outcome is merged back later.
func (o *Orchestrator) Submit(roomID, participantID, code string) error {
	room, err := o.lockMember(roomID, participantID)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()

	if room.phase != PhaseRunning {
		return fmt.Errorf("%w: submissions are closed while room is %s", ErrInvalidPhase, room.phase)
	}
	if room.submitted[participantID] {
		return ErrAlreadySubmitted
	}

	room.submitted[participantID] = true
	room.pending[participantID] = true
	input := slices.Clone(room.testInput)
	gen, round := room.gen, room.round
	o.bc.Broadcast(roomID, Event{Type: EventSubmitted, Payload: participantID})

	go o.execute(room, gen, round, participantID, code, input)
	return nil
}

func (o *Orchestrator) execute(room *Room, gen uint64, round int, participantID, code string, input []int) {
	res, err := o.exec.Execute(o.ctx, sandbox.Request{
		Code:    code,
		Input:   input,
		Timeout: o.cfg.SubmissionTimeout,
	})
	o.observe(res, err)

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.gen != gen || room.phase != PhaseRunning || !room.pending[participantID] {
		o.logger.Debug().Str("room", room.ID).Str("participant", participantID).Msg("outcome discarded, round moved on")
		return
	}
	delete(room.pending, participantID)

	log := o.logger.With().Str("room", room.ID).Int("round", round).Str("participant", participantID).Logger()

	if err != nil {
		retry := errors.Is(err, sandbox.ErrInvalidSubmission)
		reason := sandbox.Reason(err)
		o.bc.Send(participantID, Event{Type: EventExecutionFailure, Payload: ExecutionFailure{
			Round:     round,
			Reason:    reason,
			Retryable: retry,
		}})
		if retry {
			delete(room.submitted, participantID)
			log.Info().Str("reason", reason).Msg("submission rejected")
			return
		}
		log.Info().Str("reason", reason).Msg("submission failed")
		room.outcomes[participantID] = Outcome{
			ParticipantID: participantID,
			Elapsed:       o.cfg.SubmissionTimeout,
			Failure:       reason,
		}
	} else {
		log.Info().Dur("elapsed", res.Elapsed).Msg("submission executed")
		room.outcomes[participantID] = Outcome{
			ParticipantID: participantID,
			Elapsed:       res.Elapsed,
			Result:        res.Output,
		}
		o.bc.Send(participantID, Event{Type: EventExecutionResult, Payload: ExecutionResult{
			Round:         round,
			ElapsedMillis: res.Elapsed.Milliseconds(),
			Output:        res.Output,
		}})
	}

	o.maybeScoreLocked(room)
}

// tickLocked emits countdown tick n and schedules the next one; tick 0 starts
// the battle.
func (o *Orchestrator) tickLocked(room *Room, gen uint64, n int) {
	o.bc.Broadcast(room.ID, Event{Type: EventCountdownTick, Payload: n})
	if n <= 0 {
		o.beginRunningLocked(room, gen)
		return
	}
	room.timer = time.AfterFunc(o.cfg.TickInterval, func() {
		room.mu.Lock()
		defer room.mu.Unlock()
		if room.gen != gen || room.phase != PhaseCountdown {
			return
		}
		o.tickLocked(room, gen, n-1)
	})
}

func (o *Orchestrator) beginRunningLocked(room *Room, gen uint64) {
	room.phase = PhaseRunning
	room.startedAt = time.Now()
	o.bc.Broadcast(room.ID, Event{Type: EventBattleStart, Payload: o.battleStartLocked(room)})

	room.timer = time.AfterFunc(o.cfg.RoundTimeout, func() {
		room.mu.Lock()
		defer room.mu.Unlock()
		if room.gen != gen || room.phase != PhaseRunning {
			return
		}
		o.logger.Info().Str("room", room.ID).Int("round", room.round).Int("missing", len(room.members)-len(room.outcomes)).Msg("round timed out")
		o.scoreLocked(room)
	})
	o.maybeScoreLocked(room)
}

func (o *Orchestrator) battleStartLocked(room *Room) BattleStart {
	deadline := room.startedAt.Add(o.cfg.RoundTimeout)
	return BattleStart{
		Round:          room.round,
		TestInput:      slices.Clone(room.testInput),
		TimeoutMillis:  o.cfg.SubmissionTimeout.Milliseconds(),
		DeadlineMillis: deadline.UnixMilli(),
	}
}

// maybeScoreLocked closes the round once every participant still in the room
// has an outcome. Members who left do not hold the round open.
func (o *Orchestrator) maybeScoreLocked(room *Room) {
	for id := range room.participants {
		if _, ok := room.outcomes[id]; !ok {
			return
		}
	}
	o.scoreLocked(room)
}

func (o *Orchestrator) scoreLocked(room *Room) {
	room.phase = PhaseScored
	room.stopTimerLocked()

	ids := room.memberIDsLocked()
	outcomes := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		oc, ok := room.outcomes[id]
		if !ok {
			oc = Outcome{ParticipantID: id, Elapsed: o.cfg.RoundTimeout, Failure: NoSubmission}
		}
		outcomes = append(outcomes, oc)
	}

	results := Aggregate(room.testInput, outcomes, o.cfg.RoundTimeout)
	for i := range results {
		results[i].DisplayName = room.members[results[i].ParticipantID].DisplayName
	}

	o.bc.Broadcast(room.ID, Event{Type: EventBattleResults, Payload: BattleResults{
		Round:   room.round,
		Results: results,
	}})
	metrics.RoundsTotal.WithLabelValues("scored").Inc()
	o.logger.Info().Str("room", room.ID).Int("round", room.round).Int("participants", len(results)).Msg("round scored")

	if o.recorder != nil {
		go o.record(archive(room, results))
	}
	room.resetRoundLocked()
}

func (o *Orchestrator) record(r *storage.Round) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.recorder.SaveRound(ctx, r); err != nil {
		o.logger.Error().Err(err).Str("room", r.RoomID).Int("round", r.Number).Msg("failed to archive round")
	}
}

func archive(room *Room, results []BattleResult) *storage.Round {
	stored := make([]storage.Result, len(results))
	for i, r := range results {
		stored[i] = storage.Result{
			ParticipantID: r.ParticipantID,
			DisplayName:   r.DisplayName,
			ElapsedMillis: r.ElapsedMillis,
			Correct:       r.Correct,
			Rank:          r.Rank,
			Failure:       r.Failure,
		}
	}
	return &storage.Round{
		ID:         uuid.NewString(),
		RoomID:     room.ID,
		Number:     room.round,
		Input:      slices.Clone(room.testInput),
		Results:    stored,
		StartedAt:  room.startedAt,
		FinishedAt: time.Now(),
	}
}

// lockMember returns the room locked, after checking the participant belongs to it.
func (o *Orchestrator) lockMember(roomID, participantID string) (*Room, error) {
	room, err := o.registry.Get(roomID)
	if err != nil {
		return nil, err
	}
	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if _, ok := room.participants[participantID]; !ok {
		room.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return room, nil
}

func (o *Orchestrator) observe(res *sandbox.Result, err error) {
	status := "ok"
	switch {
	case err == nil:
		metrics.ExecutionDuration.WithLabelValues(o.engine).Observe(float64(res.Elapsed.Microseconds()) / 1000)
	case errors.Is(err, sandbox.ErrInvalidSubmission):
		status = "invalid"
	case errors.Is(err, sandbox.ErrExecutionTimeout):
		status = "timeout"
	case errors.Is(err, sandbox.ErrRuntimeFault):
		status = "fault"
	default:
		status = "error"
	}
	metrics.ExecutionsTotal.WithLabelValues(o.engine, status).Inc()
}

func engineName(exec sandbox.Executor) string {
	switch exec.(type) {
	case *sandbox.JSSandbox, *sandbox.WorkerSandbox:
		return sandbox.EngineGoja
	case *sandbox.DockerSandbox:
		return sandbox.EngineDocker
	default:
		return "custom"
	}
}
