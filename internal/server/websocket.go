package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/sortarena/internal/arena"
)

const maxMessageSize = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Inbound message types.
const (
	msgJoin        = "join"
	msgCodeChange  = "codeChange"
	msgStartBattle = "startBattle"
	msgSubmit      = "submit"
	msgLeave       = "leave"
)

// Outbound message types the transport adds to the arena's events.
const (
	EventWelcome = "welcome"
	EventJoined  = "joined"
	EventLeft    = "left"
	EventError   = "error"
)

// wsIncoming is a message from a participant.
type wsIncoming struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Code        string `json:"code,omitempty"`
}

// Welcome is the first frame on every connection.
type Welcome struct {
	ParticipantID string `json:"participantId"`
}

// ErrorPayload reports a rejected inbound message to its sender.
type ErrorPayload struct {
	Op      string `json:"op"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleWebSocket serves /ws and /ws/{roomID}. With a room in the path the
// connection joins it immediately, using the name query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), conn)
	s.hub.register(c)
	go c.writePump()

	log := s.logger.With().Str("participant", c.id).Str("remote", r.RemoteAddr).Logger()
	log.Debug().Msg("connection opened")

	defer func() {
		s.leaveRoom(c)
		s.hub.unregister(c)
		s.limiter.Forget(c.id)
		c.close()
		log.Debug().Msg("connection closed")
	}()

	s.hub.sendTo(c, arena.Event{Type: EventWelcome, Payload: Welcome{ParticipantID: c.id}})

	if roomID := chi.URLParam(r, "roomID"); roomID != "" {
		s.dispatch(c, wsIncoming{Type: msgJoin, RoomID: roomID, DisplayName: r.URL.Query().Get("name")})
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		if !s.limiter.Allow(c.id) {
			s.replyError(c, "", "rate_limited", "too many messages, slow down")
			continue
		}

		var msg wsIncoming
		if err := json.Unmarshal(data, &msg); err != nil {
			s.replyError(c, "", "bad_message", "invalid JSON: "+err.Error())
			continue
		}
		s.dispatch(c, msg)
	}
}

// dispatch routes one inbound message to the orchestrator. Every call takes
// the room and participant explicitly; the connection only remembers which
// room it is in.
func (s *Server) dispatch(c *client, msg wsIncoming) {
	roomID := c.room()

	var err error
	switch msg.Type {
	case msgJoin:
		err = s.joinRoom(c, msg.RoomID, msg.DisplayName)
	case msgLeave:
		if roomID == "" {
			err = errNotInRoom
			break
		}
		s.leaveRoom(c)
		s.hub.sendTo(c, arena.Event{Type: EventLeft, Payload: roomID})
	case msgCodeChange, msgStartBattle, msgSubmit:
		if roomID == "" {
			err = errNotInRoom
			break
		}
		switch msg.Type {
		case msgCodeChange:
			err = s.orch.CodeChange(roomID, c.id, msg.Code)
		case msgStartBattle:
			err = s.orch.StartBattle(roomID, c.id)
		case msgSubmit:
			err = s.orch.Submit(roomID, c.id, msg.Code)
		}
	default:
		s.replyError(c, msg.Type, "bad_message", "unknown message type")
		return
	}

	if err != nil {
		s.logger.Debug().Err(err).Str("participant", c.id).Str("room", roomID).Str("op", msg.Type).Msg("message rejected")
		s.replyError(c, msg.Type, errorCode(err), err.Error())
	}
}

func (s *Server) joinRoom(c *client, roomID, name string) error {
	roomID = strings.TrimSpace(roomID)
	name = strings.TrimSpace(name)
	if name == "" {
		name = "guest-" + c.id[:8]
	}
	if roomID == c.room() && roomID != "" {
		// Rejoining the same room only renames.
		_, err := s.orch.Join(roomID, c.id, name)
		return err
	}

	s.leaveRoom(c)
	s.hub.attach(c, roomID)
	info, err := s.orch.Join(roomID, c.id, name)
	if err != nil {
		s.hub.detach(c)
		return err
	}
	s.hub.sendTo(c, arena.Event{Type: EventJoined, Payload: info})
	return nil
}

func (s *Server) leaveRoom(c *client) {
	roomID := c.room()
	if roomID == "" {
		return
	}
	s.hub.detach(c)
	if err := s.orch.Leave(roomID, c.id); err != nil && !errors.Is(err, arena.ErrRoomNotFound) {
		s.logger.Warn().Err(err).Str("room", roomID).Str("participant", c.id).Msg("leaving room")
	}
}

func (s *Server) replyError(c *client, op, code, message string) {
	s.hub.sendTo(c, arena.Event{Type: EventError, Payload: ErrorPayload{Op: op, Code: code, Message: message}})
}

var errNotInRoom = errors.New("join a room first")

func errorCode(err error) string {
	switch {
	case errors.Is(err, arena.ErrInvalidPhase):
		return "invalid_phase"
	case errors.Is(err, arena.ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, arena.ErrInvalidRoomID):
		return "invalid_room_id"
	case errors.Is(err, arena.ErrAlreadySubmitted):
		return "already_submitted"
	case errors.Is(err, arena.ErrUnknownParticipant):
		return "unknown_participant"
	case errors.Is(err, errNotInRoom):
		return "not_in_room"
	default:
		return "internal"
	}
}
