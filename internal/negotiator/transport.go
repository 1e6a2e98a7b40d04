package negotiator

import (
	"context"
	"errors"

	"github.com/mossy-p/roomrelay/internal/models"
)

var (
	// ErrInvalidCandidate is returned by Link.AddCandidate for a candidate
	// that is malformed or does not apply to the current remote description.
	ErrInvalidCandidate = errors.New("negotiator: invalid candidate")

	// ErrNotStable is returned by Link.SetLocalDescription when an offer is
	// requested while an exchange is already in flight.
	ErrNotStable = errors.New("negotiator: signaling state is not stable")

	ErrClosed = errors.New("negotiator: closed")
)

type SignalingState int

const (
	SignalingStateStable SignalingState = iota
	SignalingStateHaveLocalOffer
	SignalingStateHaveRemoteOffer
	SignalingStateClosed
)

func (s SignalingState) String() string {
	switch s {
	case SignalingStateStable:
		return "stable"
	case SignalingStateHaveLocalOffer:
		return "have-local-offer"
	case SignalingStateHaveRemoteOffer:
		return "have-remote-offer"
	case SignalingStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// LocalTrack is a captured media track handed to a Link. Implementations
// accept the track types of their media engine and reject the rest.
type LocalTrack interface {
	ID() string
	StreamID() string
}

// Link is the media transport for one remote participant.
type Link interface {
	// SetLocalDescription creates and applies an offer when stable, or an
	// answer when a remote offer is pending, and returns it. Candidates are
	// gathered asynchronously and reported through LinkEvents.
	SetLocalDescription(ctx context.Context, iceRestart bool) (models.SessionDescription, error)

	// SetRemoteDescription applies a remote offer or answer. Applying an
	// offer while a local offer is pending rolls the local offer back.
	SetRemoteDescription(ctx context.Context, desc models.SessionDescription) error

	AddCandidate(c models.ICECandidate) error
	AttachLocalMedia(tracks ...LocalTrack) error
	SignalingState() SignalingState
	Close() error
}

// LinkEvents receives the asynchronous callbacks of a Link
type LinkEvents interface {
	LocalCandidate(c models.ICECandidate)
	NegotiationNeeded()
	ConnectivityFailed()
}

// Transport creates links
type Transport interface {
	CreateLink(remoteID string, events LinkEvents) (Link, error)
}

// Sender delivers a payload to a remote participant through the relay
type Sender interface {
	SendSignal(to string, payload models.SignalPayload) error
}
