// Package negotiator drives the offer/answer exchange with one remote
// participant using the perfect negotiation pattern: both sides may offer
// at any time, and collisions are resolved by a fixed role per pair.
package negotiator

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/roomrelay/internal/models"
)

// IsPolite reports whether the local side yields in an offer collision.
// The side with the greater id is impolite, so both ends of a pair always
// agree on opposite roles.
func IsPolite(localID, remoteID string) bool {
	return localID < remoteID
}

type eventKind int

const (
	evNegotiationNeeded eventKind = iota
	evRestart
	evRemoteDescription
	evRemoteCandidate
	evLocalCandidate
	evAttach
)

type event struct {
	kind      eventKind
	desc      models.SessionDescription
	restart   bool
	candidate models.ICECandidate
	tracks    []LocalTrack
	result    chan error
}

// State is a point-in-time view of a negotiator
type State struct {
	LocalID        string
	RemoteID       string
	Polite         bool
	SignalingState SignalingState
	MakingOffer    bool
	IgnoreOffer    bool
	IgnoredOffers  int
	Restarts       int
	Exchanges      int // completed offer/answer rounds
	Closed         bool
}

type Option func(*Negotiator)

// WithLogger sets the logger used for negotiation diagnostics
func WithLogger(logger zerolog.Logger) Option {
	return func(n *Negotiator) { n.logger = logger }
}

// WithFailureHandler registers fn to be called when negotiation with the
// remote cannot make progress, for example a failed ICE restart.
func WithFailureHandler(fn func(error)) Option {
	return func(n *Negotiator) { n.onFailure = fn }
}

// Negotiator owns the Link for one remote participant. Every event for the
// pair goes through a single FIFO processed by one goroutine, so operations
// on the link never interleave.
type Negotiator struct {
	localID  string
	remoteID string
	polite   bool

	link      Link
	sender    Sender
	logger    zerolog.Logger
	onFailure func(error)

	queue     *eventQueue
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	// owned by run
	makingOffer        bool
	ignoreOffer        bool
	pendingRenegotiate bool
	pendingRestart     bool

	mu    sync.Mutex
	state State
}

// New creates the link to remoteID and starts processing events.
func New(ctx context.Context, localID, remoteID string, transport Transport, sender Sender, opts ...Option) (*Negotiator, error) {
	ctx, cancel := context.WithCancel(ctx)
	n := &Negotiator{
		localID:  localID,
		remoteID: remoteID,
		polite:   IsPolite(localID, remoteID),
		sender:   sender,
		logger:   log.Logger,
		queue:    newEventQueue(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With().
		Str("remote", remoteID).
		Bool("polite", n.polite).
		Logger()
	n.state = State{LocalID: localID, RemoteID: remoteID, Polite: n.polite}

	// The link may report events before CreateLink returns; they wait in
	// the queue until run starts.
	link, err := transport.CreateLink(remoteID, n)
	if err != nil {
		cancel()
		return nil, err
	}
	n.link = link

	go n.run()
	return n, nil
}

func (n *Negotiator) RemoteID() string { return n.remoteID }

func (n *Negotiator) Polite() bool { return n.polite }

// Done is closed once the negotiator has stopped processing events
func (n *Negotiator) Done() <-chan struct{} { return n.done }

// Renegotiate starts a new offer, as if the link had reported that
// negotiation is needed.
func (n *Negotiator) Renegotiate() error {
	if !n.queue.push(event{kind: evNegotiationNeeded}) {
		return ErrClosed
	}
	return nil
}

// RestartICE starts an offer with fresh ICE credentials
func (n *Negotiator) RestartICE() error {
	if !n.queue.push(event{kind: evRestart}) {
		return ErrClosed
	}
	return nil
}

// HandleSignal queues a description or candidate received from the remote.
// Other payload types belong to other components and are ignored.
func (n *Negotiator) HandleSignal(p models.SignalPayload) error {
	var e event
	switch p.Type {
	case models.SignalPayloadDescription:
		if p.Description == nil {
			return nil
		}
		e = event{kind: evRemoteDescription, desc: *p.Description, restart: p.ICERestart}
	case models.SignalPayloadCandidate:
		if p.Candidate == nil {
			return nil
		}
		e = event{kind: evRemoteCandidate, candidate: *p.Candidate}
	default:
		return nil
	}
	if !n.queue.push(e) {
		return ErrClosed
	}
	return nil
}

// AttachLocalMedia adds tracks to the link in queue order and waits for the
// result. The resulting renegotiation runs through the normal offer path.
func (n *Negotiator) AttachLocalMedia(tracks ...LocalTrack) error {
	result := make(chan error, 1)
	if !n.queue.push(event{kind: evAttach, tracks: tracks, result: result}) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-n.done:
		return ErrClosed
	}
}

// Close tears down the link. It is safe to call more than once; an
// operation in flight is abandoned and its result discarded.
func (n *Negotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.cancel()
		n.queue.close()
		if n.link != nil {
			err = n.link.Close()
		}
		n.mu.Lock()
		n.state.Closed = true
		n.state.SignalingState = SignalingStateClosed
		n.mu.Unlock()
	})
	return err
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// LocalCandidate implements LinkEvents
func (n *Negotiator) LocalCandidate(c models.ICECandidate) {
	n.queue.push(event{kind: evLocalCandidate, candidate: c})
}

// NegotiationNeeded implements LinkEvents
func (n *Negotiator) NegotiationNeeded() {
	n.queue.push(event{kind: evNegotiationNeeded})
}

// ConnectivityFailed implements LinkEvents. Recovery is an ICE restart.
func (n *Negotiator) ConnectivityFailed() {
	n.queue.push(event{kind: evRestart})
}

func (n *Negotiator) run() {
	defer close(n.done)
	for {
		e, ok := n.queue.pop(n.ctx)
		if !ok {
			return
		}
		n.handle(e)
		if n.ctx.Err() != nil {
			return
		}
		n.snapshot()
	}
}

func (n *Negotiator) handle(e event) {
	switch e.kind {
	case evNegotiationNeeded:
		n.makeOffer(false)
	case evRestart:
		n.mu.Lock()
		n.state.Restarts++
		n.mu.Unlock()
		n.makeOffer(true)
	case evRemoteDescription:
		n.handleDescription(e.desc, e.restart)
	case evRemoteCandidate:
		n.handleCandidate(e.candidate)
	case evLocalCandidate:
		c := e.candidate
		n.send(models.SignalPayload{Type: models.SignalPayloadCandidate, Candidate: &c})
	case evAttach:
		e.result <- n.link.AttachLocalMedia(e.tracks...)
	}
}

// makeOffer runs on the run goroutine only. An offer that cannot start yet
// is deferred until the current exchange settles, keeping a requested ICE
// restart.
func (n *Negotiator) makeOffer(iceRestart bool) {
	if n.link.SignalingState() != SignalingStateStable {
		n.deferOffer(iceRestart)
		return
	}
	iceRestart = iceRestart || n.pendingRestart

	n.makingOffer = true
	n.snapshot()
	desc, err := n.link.SetLocalDescription(n.ctx, iceRestart)
	n.makingOffer = false
	if n.ctx.Err() != nil {
		return
	}
	if errors.Is(err, ErrNotStable) {
		n.deferOffer(iceRestart)
		return
	}
	if err != nil {
		n.logger.Warn().Err(err).Bool("iceRestart", iceRestart).Msg("create offer failed")
		if iceRestart {
			n.fail(err)
		}
		return
	}

	n.pendingRenegotiate = false
	n.pendingRestart = false
	n.send(models.SignalPayload{
		Type:        models.SignalPayloadDescription,
		Description: &desc,
		ICERestart:  iceRestart,
	})
}

func (n *Negotiator) handleDescription(desc models.SessionDescription, iceRestart bool) {
	offerCollision := desc.Type == "offer" &&
		(n.makingOffer || n.link.SignalingState() != SignalingStateStable)

	n.ignoreOffer = !n.polite && offerCollision
	if n.ignoreOffer {
		n.mu.Lock()
		n.state.IgnoredOffers++
		n.mu.Unlock()
		n.logger.Debug().Msg("ignoring colliding offer")
		return
	}

	if err := n.link.SetRemoteDescription(n.ctx, desc); err != nil {
		if n.ctx.Err() == nil {
			n.logger.Warn().Err(err).Str("type", desc.Type).Msg("apply remote description failed")
		}
		return
	}

	if desc.Type == "offer" {
		answer, err := n.link.SetLocalDescription(n.ctx, false)
		if n.ctx.Err() != nil {
			return
		}
		if err != nil {
			n.logger.Warn().Err(err).Msg("create answer failed")
			return
		}
		n.send(models.SignalPayload{
			Type:        models.SignalPayloadDescription,
			Description: &answer,
			ICERestart:  iceRestart,
		})
	}
	n.mu.Lock()
	n.state.Exchanges++
	n.mu.Unlock()

	if n.pendingRenegotiate && n.link.SignalingState() == SignalingStateStable {
		n.makeOffer(n.pendingRestart)
	}
}

func (n *Negotiator) deferOffer(iceRestart bool) {
	n.pendingRenegotiate = true
	n.pendingRestart = n.pendingRestart || iceRestart
}

func (n *Negotiator) handleCandidate(c models.ICECandidate) {
	if err := n.link.AddCandidate(c); err != nil {
		// Candidates of an ignored offer are expected to fail.
		if !n.ignoreOffer {
			n.logger.Debug().Err(err).Msg("discarding remote candidate")
		}
	}
}

func (n *Negotiator) send(p models.SignalPayload) {
	if err := n.sender.SendSignal(n.remoteID, p); err != nil {
		n.logger.Warn().Err(err).Str("payload", string(p.Type)).Msg("send signal failed")
	}
}

func (n *Negotiator) fail(err error) {
	if n.onFailure != nil {
		n.onFailure(err)
	}
}

func (n *Negotiator) snapshot() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state.Closed {
		return
	}
	n.state.MakingOffer = n.makingOffer
	n.state.IgnoreOffer = n.ignoreOffer
	n.state.SignalingState = n.link.SignalingState()
}
