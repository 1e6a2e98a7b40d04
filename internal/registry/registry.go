// Package registry keeps the in-memory set of live rooms, their privacy
// configuration and their members.
//
// All mutations go through a single mutex so that the existence check and
// the creation of a room happen as one step: concurrent first joins to the
// same id always observe the same configuration.
package registry

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	tokenBytes    = 16
	maxRoomIDSize = 128
)

var (
	ErrDenied        = errors.New("registry: join denied")
	ErrInvalidRoomID = errors.New("registry: invalid room id")
	ErrNotFound      = errors.New("registry: room not found")
)

// Room is a snapshot of a room at the time it was read
type Room struct {
	ID        string
	IsPrivate bool
	Token     string
	CreatedAt time.Time
	Members   []string
}

// JoinResult describes an admitted join
type JoinResult struct {
	Room      Room
	IsCreator bool
}

type room struct {
	id        string
	isPrivate bool
	token     string
	createdAt time.Time
	members   map[string]struct{}
}

func (r *room) snapshot() Room {
	members := make([]string, 0, len(r.members))
	for id := range r.members {
		members = append(members, id)
	}
	sort.Strings(members)
	return Room{
		ID:        r.id,
		IsPrivate: r.isPrivate,
		Token:     r.token,
		CreatedAt: r.createdAt,
		Members:   members,
	}
}

type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room

	newToken func() (string, error)
	now      func() time.Time
}

func New() *Registry {
	return &Registry{
		rooms:    make(map[string]*room),
		newToken: generateToken,
		now:      time.Now,
	}
}

// JoinOrCreate admits participantID to roomID, creating the room if it does
// not exist. A newly created room takes requestedPrivate; an existing room
// keeps its configuration and private rooms require the exact token.
func (r *Registry) JoinOrCreate(roomID, participantID string, requestedPrivate bool, token string) (JoinResult, error) {
	if roomID == "" || len(roomID) > maxRoomIDSize {
		return JoinResult{}, ErrInvalidRoomID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, exists := r.rooms[roomID]
	if !exists {
		rm = &room{
			id:        roomID,
			isPrivate: requestedPrivate,
			createdAt: r.now(),
			members:   make(map[string]struct{}),
		}
		if requestedPrivate {
			t, err := r.newToken()
			if err != nil {
				return JoinResult{}, fmt.Errorf("generate room token: %w", err)
			}
			rm.token = t
		}
		r.rooms[roomID] = rm
		rm.members[participantID] = struct{}{}
		return JoinResult{Room: rm.snapshot(), IsCreator: true}, nil
	}

	if rm.isPrivate && !tokensEqual(rm.token, token) {
		return JoinResult{}, ErrDenied
	}

	rm.members[participantID] = struct{}{}
	return JoinResult{Room: rm.snapshot()}, nil
}

// Leave removes participantID from roomID. The room is deleted as soon as
// its last member leaves. Calling Leave for a non-member is a no-op.
func (r *Registry) Leave(roomID, participantID string) (removed, deleted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false, false
	}
	if _, ok := rm.members[participantID]; !ok {
		return false, false
	}
	delete(rm.members, participantID)
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		return true, true
	}
	return true, false
}

// Delete removes a room regardless of its members and returns who was in it
func (r *Registry) Delete(roomID string) (Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Room{}, ErrNotFound
	}
	delete(r.rooms, roomID)
	return rm.snapshot(), nil
}

func (r *Registry) Get(roomID string) (Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return rm.snapshot(), true
}

// List returns every live room ordered by id
func (r *Registry) List() []Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm.snapshot())
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

func tokensEqual(stored, supplied string) bool {
	if supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}

// generateToken returns 16 random bytes rendered as hex
func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
