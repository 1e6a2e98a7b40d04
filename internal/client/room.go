package client

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/roomrelay/internal/mediastate"
	"github.com/mossy-p/roomrelay/internal/models"
	"github.com/mossy-p/roomrelay/internal/negotiator"
)

var (
	ErrJoinDenied     = errors.New("client: join denied")
	ErrNotInRoom      = errors.New("client: not in a room")
	ErrJoinInProgress = errors.New("client: join already in progress")
)

type Participant struct {
	ID          string
	DisplayName string
	Media       mediastate.State
}

type ChatMessage struct {
	From string
	Name string
	Text string
}

type EventKind string

const (
	EventJoined       EventKind = "joined"
	EventLeft         EventKind = "left"
	EventMediaState   EventKind = "media-state"
	EventRoomClosed   EventKind = "room-closed"
	EventDisconnected EventKind = "disconnected"
)

// Event reports a change in the room as seen by this participant
type Event struct {
	Kind        EventKind
	Participant Participant
}

// JoinOptions describes a join-room request
type JoinOptions struct {
	RoomID      string
	DisplayName string
	IsPrivate   bool
	Token       string
}

// JoinResult is what the relay reported on a successful join
type JoinResult struct {
	RoomID    string
	IsPrivate bool
	Token     string // only set for the creator of a private room
	Others    []models.Member
}

// LocalMediaSource acquires the tracks sent to every remote
type LocalMediaSource func() ([]negotiator.LocalTrack, error)

type Option func(*Room)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Room) { r.logger = logger }
}

func WithChatHandler(fn func(ChatMessage)) Option {
	return func(r *Room) { r.onChat = fn }
}

// WithErrorHandler receives errors that do not belong to any call, such as
// failed local media acquisition or a link that cannot recover.
func WithErrorHandler(fn func(error)) Option {
	return func(r *Room) { r.onError = fn }
}

func WithEventHandler(fn func(Event)) Option {
	return func(r *Room) { r.onEvent = fn }
}

// WithLocalMedia is consulted on every join. If it fails the error goes to
// the error handler and links negotiate without local tracks.
func WithLocalMedia(src LocalMediaSource) Option {
	return func(r *Room) { r.mediaSource = src }
}

func WithDevices(d mediastate.Devices) Option {
	return func(r *Room) { r.devices = d }
}

// peerLink is everything kept for one remote. Its negotiator and media
// record are created and destroyed together.
type peerLink struct {
	neg *negotiator.Negotiator
}

type joinOutcome struct {
	result JoinResult
	err    error
}

// Room is a participant's session on the relay. It dispatches every relay
// message from a single goroutine.
type Room struct {
	conn      *Conn
	transport negotiator.Transport
	media     *mediastate.Synchronizer
	logger    zerolog.Logger

	onChat      func(ChatMessage)
	onError     func(error)
	onEvent     func(Event)
	mediaSource LocalMediaSource
	devices     mediastate.Devices

	ctx     context.Context
	cancel  context.CancelFunc
	ready   chan struct{}
	stopped chan struct{}

	mu          sync.Mutex
	selfID      string
	roomID      string
	displayName string
	isPrivate   bool
	token       string
	members     map[string]string
	links       map[string]*peerLink
	localTracks []negotiator.LocalTrack
	pending     chan joinOutcome
	joining     string
}

// NewRoom starts a session over conn. Links to remotes are created through
// transport.
func NewRoom(conn *Conn, transport negotiator.Transport, opts ...Option) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		conn:      conn,
		transport: transport,
		logger:    log.Logger,
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
		members:   make(map[string]string),
		links:     make(map[string]*peerLink),
	}
	for _, opt := range opts {
		opt(r)
	}

	mediaOpts := []mediastate.Option{
		mediastate.WithLogger(r.logger),
		mediastate.WithChangeHandler(r.mediaChanged),
	}
	if r.devices != nil {
		mediaOpts = append(mediaOpts, mediastate.WithDevices(r.devices))
	}
	r.media = mediastate.New(conn, mediaOpts...)

	go r.run()
	return r
}

// SelfID returns the id assigned by the relay, or "" before it arrives
func (r *Room) SelfID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selfID
}

func (r *Room) RoomID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID
}

func (r *Room) IsPrivate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isPrivate
}

// Token returns the invite token of a private room this participant created
func (r *Room) Token() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// Stopped is closed when the relay connection has ended
func (r *Room) Stopped() <-chan struct{} { return r.stopped }

// Join asks the relay to join or create a room and waits for the answer.
// Joining while in another room leaves it first.
func (r *Room) Join(ctx context.Context, opts JoinOptions) (JoinResult, error) {
	select {
	case <-r.ready:
	case <-r.stopped:
		return JoinResult{}, ErrNotConnected
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	}

	if opts.DisplayName == "" {
		opts.DisplayName = "User"
	}

	r.mu.Lock()
	if r.pending != nil {
		r.mu.Unlock()
		return JoinResult{}, ErrJoinInProgress
	}
	if r.roomID != "" {
		r.teardownLocked()
	}
	pending := make(chan joinOutcome, 1)
	r.pending = pending
	r.joining = opts.RoomID
	r.displayName = opts.DisplayName
	r.mu.Unlock()

	r.acquireLocalMedia()

	msg, err := models.NewMessage(models.MessageTypeJoinRoom, models.JoinRoomRequest{
		RoomID:      opts.RoomID,
		DisplayName: opts.DisplayName,
		IsPrivate:   opts.IsPrivate,
		Token:       opts.Token,
	})
	if err == nil {
		err = r.conn.Send(msg)
	}
	if err != nil {
		r.clearPending(pending)
		return JoinResult{}, err
	}

	select {
	case out := <-pending:
		return out.result, out.err
	case <-r.stopped:
		r.clearPending(pending)
		return JoinResult{}, ErrNotConnected
	case <-ctx.Done():
		r.clearPending(pending)
		return JoinResult{}, ctx.Err()
	}
}

// Leave leaves the current room and closes every link
func (r *Room) Leave() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.roomID == "" {
		return ErrNotInRoom
	}
	msg, err := models.NewMessage(models.MessageTypeLeaveRoom, models.LeaveRoomRequest{
		RoomID:      r.roomID,
		DisplayName: r.displayName,
	})
	if err != nil {
		return err
	}
	r.teardownLocked()
	return r.conn.Send(msg)
}

// SendChat sends text to every other member of the room
func (r *Room) SendChat(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.roomID == "" {
		return ErrNotInRoom
	}
	payload := models.SignalPayload{Type: models.SignalPayloadChat, Text: text, Name: r.displayName}
	var errs []error
	for id := range r.members {
		if err := r.conn.SendSignal(id, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Room) ToggleMic() (mediastate.State, error) { return r.media.ToggleMic() }

func (r *Room) ToggleCam() (mediastate.State, error) { return r.media.ToggleCam() }

// LocalMedia returns this participant's own flags
func (r *Room) LocalMedia() mediastate.State { return r.media.Local() }

// MediaState returns the last flags reported by a remote participant
func (r *Room) MediaState(id string) mediastate.State { return r.media.Get(id) }

// Participants returns the other members of the room ordered by id
func (r *Room) Participants() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Participant, 0, len(r.members))
	for id, name := range r.members {
		out = append(out, Participant{ID: id, DisplayName: name, Media: r.media.Get(id)})
	}
	slices.SortFunc(out, func(a, b Participant) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// LinkState reports the negotiation state of the link to id
func (r *Room) LinkState(id string) (negotiator.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link, ok := r.links[id]
	if !ok {
		return negotiator.State{}, false
	}
	return link.neg.State(), true
}

// Close ends the session and the relay connection
func (r *Room) Close() error {
	r.mu.Lock()
	r.teardownLocked()
	r.mu.Unlock()
	r.cancel()
	return r.conn.Close()
}

func (r *Room) run() {
	defer func() {
		r.mu.Lock()
		r.teardownLocked()
		r.mu.Unlock()
		r.cancel()
		r.emit(Event{Kind: EventDisconnected})
		close(r.stopped)
	}()

	for msg := range r.conn.Incoming() {
		r.dispatch(msg)
	}
}

func (r *Room) dispatch(msg models.Message) {
	var err error
	switch msg.Type {
	case models.MessageTypeConnected:
		var ev models.Connected
		if err = msg.Decode(&ev); err == nil {
			r.handleConnected(ev)
		}
	case models.MessageTypeRoomUsers:
		var ev models.RoomUsers
		if err = msg.Decode(&ev); err == nil {
			r.handleRoomUsers(ev)
		}
	case models.MessageTypeJoinDenied:
		var ev models.JoinDenied
		if err = msg.Decode(&ev); err == nil {
			r.resolvePending(joinOutcome{err: fmt.Errorf("%w: %s", ErrJoinDenied, ev.Message)})
		}
	case models.MessageTypeUserJoined:
		var ev models.UserEvent
		if err = msg.Decode(&ev); err == nil {
			r.handleUserJoined(ev)
		}
	case models.MessageTypeUserLeft:
		var ev models.UserEvent
		if err = msg.Decode(&ev); err == nil {
			r.handleUserLeft(ev)
		}
	case models.MessageTypeRoomClosed:
		var ev models.RoomClosed
		if err = msg.Decode(&ev); err == nil {
			r.handleRoomClosed(ev)
		}
	case models.MessageTypeSignal:
		var ev models.Signal
		if err = msg.Decode(&ev); err == nil {
			r.handleSignal(ev)
		}
	default:
		r.logger.Debug().Str("type", string(msg.Type)).Msg("ignoring unknown message")
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("malformed relay message")
	}
}

func (r *Room) handleConnected(ev models.Connected) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.selfID != "" {
		return
	}
	r.selfID = ev.ID
	close(r.ready)
}

func (r *Room) handleRoomUsers(ev models.RoomUsers) {
	r.mu.Lock()
	r.roomID = r.joining
	r.isPrivate = ev.RoomInfo.IsPrivate
	if ev.RoomInfo.Token != "" {
		r.token = ev.RoomInfo.Token
	}
	for _, m := range ev.Others {
		r.members[m.ID] = m.DisplayName
		r.addPeerLocked(m.ID)
	}
	result := JoinResult{
		RoomID:    r.roomID,
		IsPrivate: ev.RoomInfo.IsPrivate,
		Token:     ev.RoomInfo.Token,
		Others:    ev.Others,
	}
	r.mu.Unlock()

	r.resolvePending(joinOutcome{result: result})
}

func (r *Room) handleUserJoined(ev models.UserEvent) {
	r.mu.Lock()
	if r.roomID == "" || ev.ID == r.selfID {
		r.mu.Unlock()
		return
	}
	r.members[ev.ID] = ev.DisplayName
	r.addPeerLocked(ev.ID)
	r.mu.Unlock()

	r.emit(Event{Kind: EventJoined, Participant: Participant{ID: ev.ID, DisplayName: ev.DisplayName}})
}

func (r *Room) handleUserLeft(ev models.UserEvent) {
	r.mu.Lock()
	name, known := r.members[ev.ID]
	delete(r.members, ev.ID)
	r.removePeerLocked(ev.ID)
	r.mu.Unlock()

	if ev.DisplayName != "" {
		name = ev.DisplayName
	}
	if known {
		r.emit(Event{Kind: EventLeft, Participant: Participant{ID: ev.ID, DisplayName: name}})
	}
}

func (r *Room) handleRoomClosed(ev models.RoomClosed) {
	r.mu.Lock()
	if r.roomID != ev.RoomID {
		r.mu.Unlock()
		return
	}
	r.teardownLocked()
	r.mu.Unlock()

	r.emit(Event{Kind: EventRoomClosed})
}

func (r *Room) handleSignal(ev models.Signal) {
	p, err := models.ParseSignalPayload(ev.Payload)
	if err != nil {
		r.logger.Debug().Err(err).Str("from", ev.From).Msg("dropping signal")
		return
	}

	switch p.Type {
	case models.SignalPayloadChat:
		name := p.Name
		if name == "" {
			name = ev.From
		}
		if r.onChat != nil {
			r.onChat(ChatMessage{From: ev.From, Name: name, Text: p.Text})
		}
		return
	case models.SignalPayloadMediaState, models.SignalPayloadMediaStateRequest:
		r.media.HandleSignal(ev.From, p)
		return
	}

	r.mu.Lock()
	link, ok := r.links[ev.From]
	if !ok && r.roomID != "" {
		// A description can overtake the user-joined notice for its sender.
		link = r.addPeerLocked(ev.From)
	}
	r.mu.Unlock()

	if link == nil {
		return
	}
	if err := link.neg.HandleSignal(p); err != nil {
		r.logger.Debug().Err(err).Str("from", ev.From).Msg("link already closed")
	}
}

func (r *Room) addPeerLocked(id string) *peerLink {
	if link, ok := r.links[id]; ok {
		return link
	}

	neg, err := negotiator.New(r.ctx, r.selfID, id, r.transport, r.conn,
		negotiator.WithLogger(r.logger),
		negotiator.WithFailureHandler(func(err error) {
			r.reportError(fmt.Errorf("link to %s: %w", id, err))
		}),
	)
	if err != nil {
		r.reportError(fmt.Errorf("create link to %s: %w", id, err))
		return nil
	}

	link := &peerLink{neg: neg}
	r.links[id] = link
	r.media.OnRemoteJoined(id)

	if tracks := r.localTracks; len(tracks) > 0 {
		go func() {
			if err := neg.AttachLocalMedia(tracks...); err != nil && !errors.Is(err, negotiator.ErrClosed) {
				r.reportError(fmt.Errorf("attach media to %s: %w", id, err))
			}
		}()
	}
	return link
}

func (r *Room) removePeerLocked(id string) {
	link, ok := r.links[id]
	if !ok {
		return
	}
	delete(r.links, id)
	r.media.Forget(id)
	if err := link.neg.Close(); err != nil {
		r.logger.Debug().Err(err).Str("remote", id).Msg("close link")
	}
}

// teardownLocked drops every link and forgets the room
func (r *Room) teardownLocked() {
	for id := range r.links {
		r.removePeerLocked(id)
	}
	clear(r.members)
	r.media.Reset()
	r.roomID = ""
	r.isPrivate = false
}

func (r *Room) acquireLocalMedia() {
	if r.mediaSource == nil {
		return
	}
	tracks, err := r.mediaSource()
	if err != nil {
		r.reportError(fmt.Errorf("local media: %w", err))
		tracks = nil
	}
	r.mu.Lock()
	r.localTracks = tracks
	r.mu.Unlock()
}

func (r *Room) resolvePending(out joinOutcome) {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	if pending == nil {
		r.logger.Debug().Err(out.err).Msg("unsolicited join response")
		return
	}
	pending <- out
}

func (r *Room) clearPending(pending chan joinOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == pending {
		r.pending = nil
	}
}

func (r *Room) mediaChanged(id string, st mediastate.State) {
	r.mu.Lock()
	name, ok := r.members[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.emit(Event{Kind: EventMediaState, Participant: Participant{ID: id, DisplayName: name, Media: st}})
}

func (r *Room) reportError(err error) {
	r.logger.Warn().Err(err).Msg("room error")
	if r.onError != nil {
		r.onError(err)
	}
}

func (r *Room) emit(ev Event) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}
