package arena

import "errors"

var (
	ErrInvalidRoomID      = errors.New("invalid room id")
	ErrRoomNotFound       = errors.New("room not found")
	ErrInvalidPhase       = errors.New("invalid phase transition")
	ErrRoundActive        = errors.New("round in progress")
	ErrUnknownParticipant = errors.New("participant not in room")
	ErrAlreadySubmitted   = errors.New("already submitted this round")
)
