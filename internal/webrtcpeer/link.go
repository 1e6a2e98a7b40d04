package webrtcpeer

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/roomrelay/internal/models"
	"github.com/mossy-p/roomrelay/internal/negotiator"
)

// Link wraps the PeerConnection to one remote participant
type Link struct {
	remoteID string
	pc       *webrtc.PeerConnection
	logger   zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ negotiator.Link = (*Link)(nil)

func (l *Link) RemoteID() string { return l.remoteID }

// ICEConnectionState exposes the underlying connectivity state
func (l *Link) ICEConnectionState() webrtc.ICEConnectionState {
	return l.pc.ICEConnectionState()
}

func (l *Link) SetLocalDescription(ctx context.Context, iceRestart bool) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}

	var (
		desc webrtc.SessionDescription
		err  error
	)
	switch l.pc.SignalingState() {
	case webrtc.SignalingStateStable:
		desc, err = l.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
		if err != nil {
			return models.SessionDescription{}, &Error{Op: "create offer", Err: err}
		}
	case webrtc.SignalingStateHaveRemoteOffer:
		desc, err = l.pc.CreateAnswer(nil)
		if err != nil {
			return models.SessionDescription{}, &Error{Op: "create answer", Err: err}
		}
	default:
		return models.SessionDescription{}, negotiator.ErrNotStable
	}

	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(desc); err != nil {
		return models.SessionDescription{}, &Error{Op: "set local description", Err: err}
	}
	return models.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}, nil
}

func (l *Link) SetRemoteDescription(ctx context.Context, d models.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	typ := webrtc.NewSDPType(d.Type)
	if typ != webrtc.SDPTypeOffer && typ != webrtc.SDPTypeAnswer {
		return &Error{Op: "set remote description", Err: fmt.Errorf("unsupported type %q", d.Type)}
	}

	if typ == webrtc.SDPTypeOffer && l.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if err := l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return &Error{Op: "rollback", Err: err}
		}
		l.logger.Debug().Msg("rolled back local offer")
	}

	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: d.SDP}); err != nil {
		return &Error{Op: "set remote description", Err: err}
	}
	return nil
}

func (l *Link) AddCandidate(c models.ICECandidate) error {
	if l.pc.RemoteDescription() == nil {
		return fmt.Errorf("%w: no remote description", negotiator.ErrInvalidCandidate)
	}
	if err := l.pc.AddICECandidate(toCandidateInit(c)); err != nil {
		return fmt.Errorf("%w: %v", negotiator.ErrInvalidCandidate, err)
	}
	return nil
}

// AttachLocalMedia adds pion local tracks. pion fires negotiation-needed
// on its own once the tracks are in place.
func (l *Link) AttachLocalMedia(tracks ...negotiator.LocalTrack) error {
	for _, t := range tracks {
		local, ok := t.(webrtc.TrackLocal)
		if !ok {
			return &Error{Op: "attach media", Err: fmt.Errorf("unsupported track type %T", t)}
		}
		if _, err := l.pc.AddTrack(local); err != nil {
			return &Error{Op: "attach media", Err: err}
		}
	}
	return nil
}

func (l *Link) SignalingState() negotiator.SignalingState {
	switch l.pc.SignalingState() {
	case webrtc.SignalingStateStable:
		return negotiator.SignalingStateStable
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveLocalPranswer:
		return negotiator.SignalingStateHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveRemotePranswer:
		return negotiator.SignalingStateHaveRemoteOffer
	default:
		return negotiator.SignalingStateClosed
	}
}

func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		if err := l.pc.Close(); err != nil {
			l.closeErr = &Error{Op: "close", Err: err}
		}
	})
	return l.closeErr
}

func toCandidateInit(c models.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromCandidateInit(c webrtc.ICECandidateInit) models.ICECandidate {
	return models.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
