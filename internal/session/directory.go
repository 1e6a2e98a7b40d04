// Package session tracks the identity of every connected client.
package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mossy-p/roomrelay/internal/models"
)

// DefaultDisplayName is used when a client does not provide one
const DefaultDisplayName = "User"

// Conn is the outbound side of a client connection.
// Send must not block; it reports false when the message was dropped.
type Conn interface {
	Send(msg models.Message) bool
}

// Participant is a connected client. RoomID is empty outside of a room.
type Participant struct {
	ID          string
	DisplayName string
	RoomID      string

	conn Conn
}

func (p Participant) Conn() Conn { return p.conn }

type Directory struct {
	mu           sync.RWMutex
	participants map[string]*Participant
	newID        func() string
}

func NewDirectory() *Directory {
	return &Directory{
		participants: make(map[string]*Participant),
		newID:        func() string { return uuid.New().String() },
	}
}

// Connect registers a connection and assigns it a fresh id. Ids are random
// UUIDs and never reused.
func (d *Directory) Connect(conn Conn) Participant {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := &Participant{
		ID:          d.newID(),
		DisplayName: DefaultDisplayName,
		conn:        conn,
	}
	d.participants[p.ID] = p
	return *p
}

func (d *Directory) Get(id string) (Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.participants[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// SetRoom records the room and display name of a participant after a join
func (d *Directory) SetRoom(id, roomID, displayName string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.participants[id]
	if !ok {
		return false
	}
	p.RoomID = roomID
	if displayName != "" {
		p.DisplayName = displayName
	}
	return true
}

// ClearRoom detaches a participant from its room and returns the state it
// had before. ok is false if the participant was not in a room.
func (d *Directory) ClearRoom(id string) (prev Participant, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, exists := d.participants[id]
	if !exists || p.RoomID == "" {
		return Participant{}, false
	}
	prev = *p
	p.RoomID = ""
	return prev, true
}

// Disconnect forgets a participant and returns its last known state
func (d *Directory) Disconnect(id string) (Participant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.participants[id]
	if !ok {
		return Participant{}, false
	}
	delete(d.participants, id)
	return *p, true
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.participants)
}
