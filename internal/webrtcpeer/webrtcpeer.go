// Package webrtcpeer implements negotiator links on top of pion/webrtc.
package webrtcpeer

import (
	"fmt"

	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/roomrelay/config"
	"github.com/mossy-p/roomrelay/internal/negotiator"
)

// Error reports the pion operation that failed
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("webrtcpeer: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Option func(*Transport)

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithNet replaces the host network, for example with a pion vnet in tests
func WithNet(n transport.Net) Option {
	return func(t *Transport) { t.net = n }
}

// WithTrackHandler is called for every remote track once it starts flowing
func WithTrackHandler(fn func(remoteID string, track *webrtc.TrackRemote)) Option {
	return func(t *Transport) { t.onTrack = fn }
}

// WithStateHandler observes ICE connection state changes of every link
func WithStateHandler(fn func(remoteID string, state webrtc.ICEConnectionState)) Option {
	return func(t *Transport) { t.onState = fn }
}

// Transport creates one pion PeerConnection per remote participant.
type Transport struct {
	api     *webrtc.API
	config  webrtc.Configuration
	logger  zerolog.Logger
	net     transport.Net
	onTrack func(remoteID string, track *webrtc.TrackRemote)
	onState func(remoteID string, state webrtc.ICEConnectionState)
}

var _ negotiator.Transport = (*Transport)(nil)

func NewTransport(cfg config.ClientConfig, opts ...Option) (*Transport, error) {
	t := &Transport{
		config: webrtc.Configuration{ICEServers: ICEServers(cfg)},
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(t)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, &Error{Op: "register codecs", Err: err}
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = newLoggerFactory(t.logger)
	if t.net != nil {
		se.SetNet(t.net)
	}

	t.api = webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))
	return t, nil
}

// ICEServers builds the STUN and TURN entries from the client config
func ICEServers(cfg config.ClientConfig) []webrtc.ICEServer {
	stun, turn := cfg.ICEServerURLs()
	var servers []webrtc.ICEServer
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:           turn,
			Username:       cfg.TURNUser,
			Credential:     cfg.TURNPass,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

// CreateLink opens a PeerConnection ready to receive audio and video.
// Adding the receive-only transceivers fires negotiation-needed, so the
// first offer goes out without any local capture.
func (t *Transport) CreateLink(remoteID string, events negotiator.LinkEvents) (negotiator.Link, error) {
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return nil, &Error{Op: "new peer connection", Err: err}
	}

	logger := t.logger.With().Str("remote", remoteID).Logger()
	link := &Link{remoteID: remoteID, pc: pc, logger: logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		events.LocalCandidate(fromCandidateInit(c.ToJSON()))
	})
	pc.OnNegotiationNeeded(events.NegotiationNeeded)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug().Str("state", state.String()).Msg("ice connection state")
		if t.onState != nil {
			t.onState(remoteID, state)
		}
		if state == webrtc.ICEConnectionStateFailed {
			events.ConnectivityFailed()
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info().
			Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).
			Msg("remote track")
		if t.onTrack != nil {
			t.onTrack(remoteID, track)
		}
	})

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, &Error{Op: "add transceiver", Err: err}
		}
	}

	return link, nil
}
