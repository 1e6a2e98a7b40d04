// Package relay routes room membership events and opaque peer signals
// between connected clients.
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/roomrelay/internal/models"
	"github.com/mossy-p/roomrelay/internal/registry"
	"github.com/mossy-p/roomrelay/internal/session"
)

const (
	deniedMessage      = "Private room: invalid invite link/token."
	invalidRoomMessage = "Invalid room id."
	joinFailedMessage  = "Unable to join room."
)

// PresencePublisher mirrors room membership somewhere outside the process.
// Both methods must return without blocking on I/O.
type PresencePublisher interface {
	Publish(p models.Presence)
	Remove(roomID string)
}

// Router is the relay's request handler. Membership changes and the events
// they fan out are serialized under one lock, so every recipient observes
// user-joined/user-left in the order the changes happened.
type Router struct {
	mu sync.Mutex

	rooms     *registry.Registry
	directory *session.Directory
	presence  PresencePublisher
	logger    zerolog.Logger
}

type Option func(*Router)

func WithPresence(p PresencePublisher) Option {
	return func(r *Router) { r.presence = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func NewRouter(rooms *registry.Registry, directory *session.Directory, opts ...Option) *Router {
	r := &Router{
		rooms:     rooms,
		directory: directory,
		logger:    log.With().Str("component", "relay").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect registers a new client connection and tells it its id
func (r *Router) Connect(conn session.Conn) session.Participant {
	p := r.directory.Connect(conn)
	r.send(p, models.MessageTypeConnected, models.Connected{ID: p.ID})
	r.logger.Debug().Str("client_id", p.ID).Msg("client connected")
	return p
}

// OnJoin handles a join-room request
func (r *Router) OnJoin(participantID string, req models.JoinRoomRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.directory.Get(participantID)
	if !ok {
		return
	}
	if p.RoomID != "" {
		r.leaveLocked(participantID, "")
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = p.DisplayName
	}

	l := r.logger.With().Str("client_id", participantID).Str("room_id", req.RoomID).Logger()

	res, err := r.rooms.JoinOrCreate(req.RoomID, participantID, req.IsPrivate, req.Token)
	if err != nil {
		msg := joinFailedMessage
		switch {
		case errors.Is(err, registry.ErrDenied):
			msg = deniedMessage
			l.Info().Msg("join denied")
		case errors.Is(err, registry.ErrInvalidRoomID):
			msg = invalidRoomMessage
			l.Info().Msg("join with invalid room id")
		default:
			l.Error().Err(err).Msg("join failed")
		}
		r.send(p, models.MessageTypeJoinDenied, models.JoinDenied{Message: msg})
		return
	}

	r.directory.SetRoom(participantID, req.RoomID, displayName)
	self := models.Member{ID: participantID, DisplayName: displayName}

	others := make([]models.Member, 0, len(res.Room.Members))
	for _, id := range res.Room.Members {
		if id == participantID {
			continue
		}
		other, ok := r.directory.Get(id)
		if !ok {
			continue
		}
		others = append(others, models.Member{ID: other.ID, DisplayName: other.DisplayName})
		r.send(other, models.MessageTypeUserJoined, self)
	}

	info := models.RoomInfo{IsPrivate: res.Room.IsPrivate}
	if res.IsCreator {
		info.Token = res.Room.Token
	}
	r.send(p, models.MessageTypeRoomUsers, models.RoomUsers{Others: others, RoomInfo: info})

	l.Info().Bool("creator", res.IsCreator).Bool("private", res.Room.IsPrivate).
		Int("members", len(res.Room.Members)).Msg("joined room")

	r.publishLocked(res.Room.ID, res.Room.IsPrivate, append(others, self))
}

// OnLeave handles an explicit leave-room request. A request naming a room
// other than the one the participant is in is ignored.
func (r *Router) OnLeave(participantID string, req models.LeaveRoomRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.directory.Get(participantID)
	if !ok || p.RoomID == "" {
		return
	}
	if req.RoomID != "" && req.RoomID != p.RoomID {
		r.logger.Debug().Str("client_id", participantID).Str("room_id", req.RoomID).
			Msg("leave for a room the client is not in")
		return
	}
	r.leaveLocked(participantID, req.DisplayName)
}

// OnDisconnect has the same observable effect as a leave, using the last
// room and display name recorded for the connection, then forgets it.
func (r *Router) OnDisconnect(participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaveLocked(participantID, "")
	if _, ok := r.directory.Disconnect(participantID); ok {
		r.logger.Debug().Str("client_id", participantID).Msg("client disconnected")
	}
}

func (r *Router) leaveLocked(participantID, displayName string) {
	prev, ok := r.directory.ClearRoom(participantID)
	if !ok {
		return
	}
	if displayName == "" {
		displayName = prev.DisplayName
	}

	removed, deleted := r.rooms.Leave(prev.RoomID, participantID)
	if !removed {
		return
	}

	l := r.logger.With().Str("client_id", participantID).Str("room_id", prev.RoomID).Logger()
	if deleted {
		l.Info().Msg("left room, room deleted")
		if r.presence != nil {
			r.presence.Remove(prev.RoomID)
		}
		return
	}

	room, ok := r.rooms.Get(prev.RoomID)
	if !ok {
		return
	}
	left := models.Member{ID: participantID, DisplayName: displayName}
	members := make([]models.Member, 0, len(room.Members))
	for _, id := range room.Members {
		other, ok := r.directory.Get(id)
		if !ok {
			continue
		}
		members = append(members, models.Member{ID: other.ID, DisplayName: other.DisplayName})
		r.send(other, models.MessageTypeUserLeft, left)
	}
	l.Info().Int("members", len(members)).Msg("left room")

	r.publishLocked(room.ID, room.IsPrivate, members)
}

// OnSignal forwards an opaque payload to its recipient. Signals to unknown
// or disconnected recipients are dropped silently.
func (r *Router) OnSignal(fromID string, sig models.Signal) {
	if sig.To == "" || sig.To == fromID {
		return
	}
	target, ok := r.directory.Get(sig.To)
	if !ok {
		r.logger.Debug().Str("client_id", fromID).Str("to", sig.To).Msg("signal to unknown recipient dropped")
		return
	}
	r.send(target, models.MessageTypeSignal, models.Signal{From: fromID, Payload: sig.Payload})
}

// CloseRoom evicts every member of a room and deletes it
func (r *Router) CloseRoom(roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.rooms.Delete(roomID)
	if err != nil {
		return err
	}
	for _, id := range room.Members {
		p, ok := r.directory.ClearRoom(id)
		if !ok {
			continue
		}
		r.send(p, models.MessageTypeRoomClosed, models.RoomClosed{RoomID: roomID})
	}
	if r.presence != nil {
		r.presence.Remove(roomID)
	}
	r.logger.Info().Str("room_id", roomID).Int("members", len(room.Members)).Msg("room closed")
	return nil
}

// Rooms lists live rooms without their tokens
func (r *Router) Rooms() []models.RoomSummary {
	rooms := r.rooms.List()
	out := make([]models.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, r.summary(room, false))
	}
	return out
}

// Room describes one live room including its members
func (r *Router) Room(roomID string) (models.RoomSummary, bool) {
	room, ok := r.rooms.Get(roomID)
	if !ok {
		return models.RoomSummary{}, false
	}
	return r.summary(room, true), true
}

func (r *Router) summary(room registry.Room, withMembers bool) models.RoomSummary {
	s := models.RoomSummary{
		ID:          room.ID,
		IsPrivate:   room.IsPrivate,
		CreatedAt:   room.CreatedAt,
		MemberCount: len(room.Members),
	}
	if withMembers {
		for _, id := range room.Members {
			if p, ok := r.directory.Get(id); ok {
				s.Members = append(s.Members, models.Member{ID: p.ID, DisplayName: p.DisplayName})
			}
		}
	}
	return s
}

func (r *Router) publishLocked(roomID string, isPrivate bool, members []models.Member) {
	if r.presence == nil {
		return
	}
	r.presence.Publish(models.Presence{
		RoomID:    roomID,
		IsPrivate: isPrivate,
		Members:   members,
		UpdatedAt: time.Now(),
	})
}

func (r *Router) send(p session.Participant, t models.MessageType, data any) {
	msg, err := models.NewMessage(t, data)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to encode message")
		return
	}
	conn := p.Conn()
	if conn == nil {
		return
	}
	if !conn.Send(msg) {
		r.logger.Warn().Str("client_id", p.ID).Str("type", string(t)).Msg("send buffer full, message dropped")
	}
}
