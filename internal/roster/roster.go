// Package roster tracks which live connection is in which room and under
// what display name.
package roster

import (
	"errors"
	"sync"
)

// ErrAlreadyJoined is returned when a connection joined to one room tries
// to join another without disconnecting first.
var ErrAlreadyJoined = errors.New("connection already joined another room")

// Member is one entry of a room's roster.
type Member struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

// Departure describes a connection leaving one room.
type Departure struct {
	Room      string
	Member    Member
	Remaining []string // connection ids still in Room
	RoomEmpty bool
}

// Tracker owns the connection registry and the room membership sets.
type Tracker struct {
	mu       sync.RWMutex
	names    map[string]string   // connection id -> display name
	rooms    map[string][]string // room token -> connection ids in arrival order
	connRoom map[string]string   // connection id -> room token
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		names:    make(map[string]string),
		rooms:    make(map[string][]string),
		connRoom: make(map[string]string),
	}
}

// Join records the display name for connID and adds it to room. Joining
// the same room again only refreshes the display name. The roster returned
// reflects the membership right after the join.
func (t *Tracker) Join(connID, room, displayName string) ([]Member, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.connRoom[connID]; ok && current != room {
		return nil, ErrAlreadyJoined
	}

	t.names[connID] = displayName
	if _, ok := t.connRoom[connID]; !ok {
		t.connRoom[connID] = room
		t.rooms[room] = append(t.rooms[room], connID)
	}
	return t.rosterLocked(room), nil
}

// Roster returns the members of room in arrival order.
func (t *Tracker) Roster(room string) []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rosterLocked(room)
}

func (t *Tracker) rosterLocked(room string) []Member {
	ids := t.rooms[room]
	members := make([]Member, 0, len(ids))
	for _, id := range ids {
		members = append(members, Member{ConnectionID: id, DisplayName: t.names[id]})
	}
	return members
}

// Leave removes connID from every room and from the registry. The display
// name is captured before removal so callers can announce the departure.
func (t *Tracker) Leave(connID string) []Departure {
	t.mu.Lock()
	defer t.mu.Unlock()

	name, known := t.names[connID]
	if !known {
		return nil
	}

	var departures []Departure
	for room, ids := range t.rooms {
		idx := indexOf(ids, connID)
		if idx < 0 {
			continue
		}
		remaining := append(ids[:idx:idx], ids[idx+1:]...)
		if len(remaining) == 0 {
			delete(t.rooms, room)
		} else {
			t.rooms[room] = remaining
		}
		departures = append(departures, Departure{
			Room:      room,
			Member:    Member{ConnectionID: connID, DisplayName: name},
			Remaining: append([]string(nil), remaining...),
			RoomEmpty: len(remaining) == 0,
		})
	}

	delete(t.names, connID)
	delete(t.connRoom, connID)
	return departures
}

// DisplayName returns the name connID joined with.
func (t *Tracker) DisplayName(connID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.names[connID]
	return name, ok
}

// RoomOf returns the room connID is joined to.
func (t *Tracker) RoomOf(connID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room, ok := t.connRoom[connID]
	return room, ok
}

// Members returns the connection ids in room, in arrival order.
func (t *Tracker) Members(room string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.rooms[room]...)
}

// MemberCount returns the number of connections in room.
func (t *Tracker) MemberCount(room string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms[room])
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
