// Package mediastate keeps every participant's microphone and camera flags
// in sync across a room. Remote flags are learned only from broadcasts and
// replies; a remote that has not reported yet is treated as muted with the
// camera off.
package mediastate

import (
	"fmt"
	"maps"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/roomrelay/internal/models"
)

type State struct {
	MicOn bool `json:"micOn"`
	CamOn bool `json:"camOn"`
}

func (s State) payload() models.SignalPayload {
	return models.SignalPayload{Type: models.SignalPayloadMediaState, MicOn: s.MicOn, CamOn: s.CamOn}
}

// Sender delivers a payload to one remote participant
type Sender interface {
	SendSignal(to string, payload models.SignalPayload) error
}

// Devices enables and disables local capture. It is optional; without it
// the flags are tracked and broadcast but no device is touched.
type Devices interface {
	SetMicEnabled(enabled bool) error
	SetCamEnabled(enabled bool) error
}

type Option func(*Synchronizer)

func WithDevices(d Devices) Option {
	return func(s *Synchronizer) { s.devices = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Synchronizer) { s.logger = logger }
}

// WithChangeHandler registers fn to be called with every remote update
func WithChangeHandler(fn func(id string, st State)) Option {
	return func(s *Synchronizer) { s.onChange = fn }
}

type Synchronizer struct {
	sender   Sender
	devices  Devices
	logger   zerolog.Logger
	onChange func(id string, st State)

	// mu is held while sending so broadcasts leave in toggle order
	mu      sync.Mutex
	local   State
	remotes map[string]State
}

func New(sender Sender, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		sender:  sender,
		logger:  log.Logger,
		remotes: make(map[string]State),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Synchronizer) Local() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// SetLocal replaces the local flags and broadcasts them to every known remote
func (s *Synchronizer) SetLocal(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.devices != nil {
		if st.MicOn != s.local.MicOn {
			if err := s.devices.SetMicEnabled(st.MicOn); err != nil {
				return fmt.Errorf("set microphone: %w", err)
			}
		}
		if st.CamOn != s.local.CamOn {
			if err := s.devices.SetCamEnabled(st.CamOn); err != nil {
				return fmt.Errorf("set camera: %w", err)
			}
		}
	}

	s.local = st
	for id := range s.remotes {
		s.send(id, st.payload())
	}
	return nil
}

func (s *Synchronizer) ToggleMic() (State, error) {
	st := s.Local()
	st.MicOn = !st.MicOn
	if err := s.SetLocal(st); err != nil {
		return s.Local(), err
	}
	return st, nil
}

func (s *Synchronizer) ToggleCam() (State, error) {
	st := s.Local()
	st.CamOn = !st.CamOn
	if err := s.SetLocal(st); err != nil {
		return s.Local(), err
	}
	return st, nil
}

// OnRemoteJoined starts tracking id and runs the handshake: our flags go
// out and theirs are requested, whichever side joined first.
func (s *Synchronizer) OnRemoteJoined(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.remotes[id]; !ok {
		s.remotes[id] = State{}
	}
	s.send(id, s.local.payload())
	s.send(id, models.SignalPayload{Type: models.SignalPayloadMediaStateRequest})
}

// HandleRequest answers a media-state-request with the current local flags
func (s *Synchronizer) HandleRequest(from string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send(from, s.local.payload())
}

// HandleUpdate records the flags of a tracked remote. Updates from ids that
// were never joined, or were forgotten, are dropped.
func (s *Synchronizer) HandleUpdate(from string, st State) {
	s.mu.Lock()
	if _, ok := s.remotes[from]; !ok {
		s.mu.Unlock()
		s.logger.Debug().Str("from", from).Msg("dropping media state from unknown participant")
		return
	}
	s.remotes[from] = st
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(from, st)
	}
}

// HandleSignal dispatches media-state payloads and reports whether p was one
func (s *Synchronizer) HandleSignal(from string, p models.SignalPayload) bool {
	switch p.Type {
	case models.SignalPayloadMediaStateRequest:
		s.HandleRequest(from)
	case models.SignalPayloadMediaState:
		s.HandleUpdate(from, State{MicOn: p.MicOn, CamOn: p.CamOn})
	default:
		return false
	}
	return true
}

// Get returns the last known flags for id, or the all-off default
func (s *Synchronizer) Get(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remotes[id]
}

func (s *Synchronizer) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.remotes, id)
}

// Reset forgets every remote and keeps the local flags
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.remotes)
}

func (s *Synchronizer) Snapshot() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.remotes)
}

func (s *Synchronizer) send(to string, p models.SignalPayload) {
	if err := s.sender.SendSignal(to, p); err != nil {
		s.logger.Warn().Err(err).Str("to", to).Str("payload", string(p.Type)).Msg("send media state failed")
	}
}
