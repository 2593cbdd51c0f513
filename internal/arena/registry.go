package arena

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/michaelbrown/sortarena/internal/metrics"
)

// Registry owns the room id → Room mapping. Rooms exist only in memory.
type Registry struct {
	mu          sync.RWMutex
	rooms       map[string]*Room
	defaultCode string
}

// NewRegistry creates an empty registry. New rooms start with defaultCode,
// or DefaultCode when it is empty.
func NewRegistry(defaultCode string) *Registry {
	if defaultCode == "" {
		defaultCode = DefaultCode
	}
	return &Registry{
		rooms:       make(map[string]*Room),
		defaultCode: defaultCode,
	}
}

func validRoomID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(id) > 128 {
		return fmt.Errorf("%w: longer than 128 characters", ErrInvalidRoomID)
	}
	return nil
}

// GetOrCreate returns the room for id, creating an Idle room on first use.
func (r *Registry) GetOrCreate(id string) (*Room, error) {
	if err := validRoomID(id); err != nil {
		return nil, err
	}

	r.mu.RLock()
	room, ok := r.rooms[id]
	r.mu.RUnlock()
	if ok {
		return room, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[id]; ok {
		return room, nil
	}
	room = newRoom(id, r.defaultCode)
	r.rooms[id] = room
	metrics.ActiveRooms.Set(float64(len(r.rooms)))
	return room, nil
}

// Get returns an existing room.
func (r *Registry) Get(id string) (*Room, error) {
	if err := validRoomID(id); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	return room, nil
}

// Remove deletes a room that has no active round.
func (r *Registry) Remove(id string) error {
	return r.remove(id, false)
}

// removeIfEmpty deletes the room only when it is idle and has no participants.
func (r *Registry) removeIfEmpty(id string) error {
	return r.remove(id, true)
}

func (r *Registry) remove(id string, onlyEmpty bool) error {
	if err := validRoomID(id); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.phase != PhaseIdle {
		return fmt.Errorf("%w: room %s is %s", ErrRoundActive, id, room.phase)
	}
	if onlyEmpty && len(room.participants) > 0 {
		return nil
	}
	room.closed = true
	delete(r.rooms, id)
	metrics.ActiveRooms.Set(float64(len(r.rooms)))
	return nil
}

// List returns snapshots of every room ordered by id.
func (r *Registry) List() []RoomInfo {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	infos := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, room.Info())
	}
	slices.SortFunc(infos, func(a, b RoomInfo) int { return strings.Compare(a.ID, b.ID) })
	return infos
}

// Len returns the number of rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
