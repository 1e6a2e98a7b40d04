package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/roomrelay/config"
	"github.com/mossy-p/roomrelay/internal/handlers"
	"github.com/mossy-p/roomrelay/internal/mediastate"
	"github.com/mossy-p/roomrelay/internal/negotiator"
	"github.com/mossy-p/roomrelay/internal/registry"
	"github.com/mossy-p/roomrelay/internal/relay"
	"github.com/mossy-p/roomrelay/internal/session"
	"github.com/mossy-p/roomrelay/internal/webrtcpeer"
)

const waitFor = 10 * time.Second

func newRelay(t *testing.T) (string, *relay.Router) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		JWTSecret: "client-test",
		Limits: config.LimitsConfig{
			MaxMessageBytes:     64 * 1024,
			SignalRatePerSecond: 1000,
			SignalBurst:         1000,
			SendBuffer:          256,
		},
	}
	router := relay.NewRouter(registry.New(), session.NewDirectory())
	ts := httptest.NewServer(handlers.NewEngine(cfg, router, nil))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", router
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	chats  []ChatMessage
	errs   []error
}

func (r *recorder) options() []Option {
	return []Option{
		WithLogger(zerolog.Nop()),
		WithEventHandler(func(ev Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, ev)
		}),
		WithChatHandler(func(m ChatMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.chats = append(r.chats, m)
		}),
		WithErrorHandler(func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		}),
	}
}

func (r *recorder) hasEvent(kind EventKind, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind && (id == "" || ev.Participant.ID == id) {
			return true
		}
	}
	return false
}

func (r *recorder) chatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chats)
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func newTestRoom(t *testing.T, url string, opts ...Option) (*Room, *recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	conn, err := Dial(ctx, url)
	require.NoError(t, err)
	transport, err := webrtcpeer.NewTransport(config.ClientConfig{}, webrtcpeer.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	rec := &recorder{}
	room := NewRoom(conn, transport, append(rec.options(), opts...)...)
	t.Cleanup(func() { _ = room.Close() })
	return room, rec
}

func join(t *testing.T, r *Room, opts JoinOptions) (JoinResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return r.Join(ctx, opts)
}

func negotiated(t *testing.T, a, b *Room) {
	t.Helper()
	require.Eventually(t, func() bool {
		sa, okA := a.LinkState(b.SelfID())
		sb, okB := b.LinkState(a.SelfID())
		return okA && okB &&
			sa.Exchanges > 0 && sb.Exchanges > 0 &&
			sa.SignalingState == negotiator.SignalingStateStable &&
			sb.SignalingState == negotiator.SignalingStateStable
	}, waitFor, 20*time.Millisecond)

	sa, _ := a.LinkState(b.SelfID())
	sb, _ := b.LinkState(a.SelfID())
	assert.NotEqual(t, sa.Polite, sb.Polite)
}

func TestRoom_PrivateInviteFlow(t *testing.T) {
	url, _ := newRelay(t)
	alice, aliceRec := newTestRoom(t, url)
	bob, _ := newTestRoom(t, url)

	created, err := join(t, alice, JoinOptions{RoomID: "42", DisplayName: "Alice", IsPrivate: true})
	require.NoError(t, err)
	assert.True(t, created.IsPrivate)
	require.NotEmpty(t, created.Token)
	assert.Equal(t, created.Token, alice.Token())
	assert.Empty(t, created.Others)

	_, err = join(t, bob, JoinOptions{RoomID: "42", DisplayName: "Bob"})
	require.ErrorIs(t, err, ErrJoinDenied)
	assert.Contains(t, err.Error(), "Private room: invalid invite link/token.")
	assert.Empty(t, bob.RoomID())

	joined, err := join(t, bob, JoinOptions{RoomID: "42", DisplayName: "Bob", Token: created.Token})
	require.NoError(t, err)
	assert.Empty(t, joined.Token)
	require.Len(t, joined.Others, 1)
	assert.Equal(t, alice.SelfID(), joined.Others[0].ID)
	assert.Equal(t, "Alice", joined.Others[0].DisplayName)

	require.Eventually(t, func() bool { return aliceRec.hasEvent(EventJoined, bob.SelfID()) }, waitFor, 10*time.Millisecond)
	assert.Equal(t, []Participant{{ID: bob.SelfID(), DisplayName: "Bob"}}, alice.Participants())

	negotiated(t, alice, bob)
}

func TestRoom_ChatAndMediaState(t *testing.T) {
	url, _ := newRelay(t)
	alice, aliceRec := newTestRoom(t, url)
	bob, bobRec := newTestRoom(t, url)

	_, err := join(t, alice, JoinOptions{RoomID: "lobby", DisplayName: "Alice"})
	require.NoError(t, err)
	_, err = join(t, bob, JoinOptions{RoomID: "lobby", DisplayName: "Bob"})
	require.NoError(t, err)

	assert.Equal(t, mediastate.State{}, bob.MediaState(alice.SelfID()))

	st, err := alice.ToggleMic()
	require.NoError(t, err)
	assert.Equal(t, mediastate.State{MicOn: true}, st)
	require.Eventually(t, func() bool {
		return bob.MediaState(alice.SelfID()) == mediastate.State{MicOn: true, CamOn: false}
	}, waitFor, 10*time.Millisecond)
	assert.True(t, bobRec.hasEvent(EventMediaState, alice.SelfID()))

	require.NoError(t, bob.SendChat("hello"))
	require.Eventually(t, func() bool { return aliceRec.chatCount() == 1 }, waitFor, 10*time.Millisecond)
	aliceRec.mu.Lock()
	assert.Equal(t, ChatMessage{From: bob.SelfID(), Name: "Bob", Text: "hello"}, aliceRec.chats[0])
	aliceRec.mu.Unlock()

	negotiated(t, alice, bob)
}

// A participant that joins after a toggle learns the flags via the
// request/response handshake.
func TestRoom_LateJoinerLearnsMediaState(t *testing.T) {
	url, _ := newRelay(t)
	alice, _ := newTestRoom(t, url)
	bob, _ := newTestRoom(t, url)

	_, err := join(t, alice, JoinOptions{RoomID: "late"})
	require.NoError(t, err)
	_, err = alice.ToggleCam()
	require.NoError(t, err)

	_, err = join(t, bob, JoinOptions{RoomID: "late"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bob.MediaState(alice.SelfID()) == mediastate.State{CamOn: true}
	}, waitFor, 10*time.Millisecond)
}

func TestRoom_LeaveTearsDownLinks(t *testing.T) {
	url, _ := newRelay(t)
	alice, aliceRec := newTestRoom(t, url)
	bob, _ := newTestRoom(t, url)

	_, err := join(t, alice, JoinOptions{RoomID: "r"})
	require.NoError(t, err)
	_, err = join(t, bob, JoinOptions{RoomID: "r"})
	require.NoError(t, err)
	bobID := bob.SelfID()
	require.Eventually(t, func() bool {
		_, ok := alice.LinkState(bobID)
		return ok
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, bob.Leave())
	assert.ErrorIs(t, bob.Leave(), ErrNotInRoom)
	assert.ErrorIs(t, bob.SendChat("anyone?"), ErrNotInRoom)
	_, ok := bob.LinkState(alice.SelfID())
	assert.False(t, ok)

	require.Eventually(t, func() bool { return aliceRec.hasEvent(EventLeft, bobID) }, waitFor, 10*time.Millisecond)
	assert.Empty(t, alice.Participants())
	_, ok = alice.LinkState(bobID)
	assert.False(t, ok)
}

func TestRoom_RoomClosedByOperator(t *testing.T) {
	url, router := newRelay(t)
	alice, aliceRec := newTestRoom(t, url)

	_, err := join(t, alice, JoinOptions{RoomID: "doomed"})
	require.NoError(t, err)
	require.NoError(t, router.CloseRoom("doomed"))

	require.Eventually(t, func() bool { return aliceRec.hasEvent(EventRoomClosed, "") }, waitFor, 10*time.Millisecond)
	assert.Empty(t, alice.RoomID())
}

func TestRoom_LocalMediaFailureIsReported(t *testing.T) {
	url, _ := newRelay(t)
	alice, aliceRec := newTestRoom(t, url, WithLocalMedia(func() ([]negotiator.LocalTrack, error) {
		return nil, errors.New("no capture device")
	}))
	bob, _ := newTestRoom(t, url, WithLocalMedia(func() ([]negotiator.LocalTrack, error) {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "bob")
		return []negotiator.LocalTrack{track}, err
	}))

	_, err := join(t, alice, JoinOptions{RoomID: "media"})
	require.NoError(t, err)
	assert.Equal(t, 1, aliceRec.errorCount())

	_, err = join(t, bob, JoinOptions{RoomID: "media"})
	require.NoError(t, err)

	negotiated(t, alice, bob)
}

func TestRoom_RejoinMovesRooms(t *testing.T) {
	url, router := newRelay(t)
	alice, _ := newTestRoom(t, url)

	_, err := join(t, alice, JoinOptions{RoomID: "first"})
	require.NoError(t, err)
	_, err = join(t, alice, JoinOptions{RoomID: "second"})
	require.NoError(t, err)

	assert.Equal(t, "second", alice.RoomID())
	_, ok := router.Room("first")
	assert.False(t, ok)
}

func TestRoom_StopsWhenConnectionCloses(t *testing.T) {
	url, _ := newRelay(t)
	alice, aliceRec := newTestRoom(t, url)

	_, err := join(t, alice, JoinOptions{RoomID: "x"})
	require.NoError(t, err)
	require.NoError(t, alice.conn.Close())

	select {
	case <-alice.Stopped():
	case <-time.After(waitFor):
		t.Fatal("room did not stop")
	}
	assert.True(t, aliceRec.hasEvent(EventDisconnected, ""))
	_, err = join(t, alice, JoinOptions{RoomID: "x"})
	assert.ErrorIs(t, err, ErrNotConnected)
}
