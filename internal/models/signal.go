package models

import (
	"encoding/json"
	"fmt"
)

// SignalPayloadType discriminates the opaque payload of a signal.
// The relay never looks at it; only clients do.
type SignalPayloadType string

const (
	SignalPayloadDescription       SignalPayloadType = "description"
	SignalPayloadCandidate         SignalPayloadType = "candidate"
	SignalPayloadMediaState        SignalPayloadType = "media-state"
	SignalPayloadMediaStateRequest SignalPayloadType = "media-state-request"
	SignalPayloadChat              SignalPayloadType = "chat"
)

// SessionDescription is an SDP offer or answer
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalPayload is what peers exchange inside Signal.Payload
type SignalPayload struct {
	Type SignalPayloadType `json:"type"`

	Description *SessionDescription `json:"description,omitempty"`
	ICERestart  bool                `json:"iceRestart,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`

	MicOn bool `json:"micOn,omitempty"`
	CamOn bool `json:"camOn,omitempty"`

	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// ParseSignalPayload decodes and validates a payload received from a peer
func ParseSignalPayload(raw json.RawMessage) (SignalPayload, error) {
	var p SignalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SignalPayload{}, fmt.Errorf("parse signal payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return SignalPayload{}, err
	}
	return p, nil
}

func (p SignalPayload) Validate() error {
	switch p.Type {
	case SignalPayloadDescription:
		if p.Description == nil {
			return fmt.Errorf("description payload missing description")
		}
		if p.Description.Type != "offer" && p.Description.Type != "answer" {
			return fmt.Errorf("description payload has type %q", p.Description.Type)
		}
	case SignalPayloadCandidate:
		if p.Candidate == nil {
			return fmt.Errorf("candidate payload missing candidate")
		}
	case SignalPayloadMediaState, SignalPayloadMediaStateRequest, SignalPayloadChat:
	default:
		return fmt.Errorf("unsupported signal payload type %q", p.Type)
	}
	return nil
}
