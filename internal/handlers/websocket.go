package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mossy-p/roomrelay/config"
	"github.com/mossy-p/roomrelay/internal/models"
	"github.com/mossy-p/roomrelay/internal/relay"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Signaling serves the relay websocket endpoint
type Signaling struct {
	router *relay.Router
	limits config.LimitsConfig
	logger zerolog.Logger
}

func NewSignaling(router *relay.Router, limits config.LimitsConfig) *Signaling {
	return &Signaling{
		router: router,
		limits: limits,
		logger: log.With().Str("component", "ws").Logger(),
	}
}

// Client represents a WebSocket client connection
type Client struct {
	ID   string
	Conn *websocket.Conn

	send chan models.Message
	done chan struct{}
}

// Send queues a message for the write pump without blocking
func (c *Client) Send(msg models.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// HandleSignaling upgrades the request and runs the connection until it closes
func (s *Signaling) HandleSignaling(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		Conn: conn,
		send: make(chan models.Message, s.limits.SendBuffer),
		done: make(chan struct{}),
	}
	p := s.router.Connect(client)
	client.ID = p.ID

	l := s.logger.With().Str("client_id", client.ID).Str("remote_addr", conn.RemoteAddr().String()).Logger()
	l.Info().Msg("client connected")

	go s.writePump(client, l)
	s.readPump(client, l)
}

func (s *Signaling) readPump(c *Client, l zerolog.Logger) {
	defer func() {
		s.router.OnDisconnect(c.ID)
		close(c.done)
		c.Conn.Close()
		l.Info().Msg("client disconnected")
	}()

	c.Conn.SetReadLimit(s.limits.MaxMessageBytes)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(s.limits.SignalRatePerSecond), s.limits.SignalBurst)

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Warn().Err(err).Msg("websocket error")
			}
			return
		}

		if !limiter.Allow() {
			l.Warn().Msg("rate limit exceeded, closing connection")
			c.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limit exceeded"),
				time.Now().Add(writeWait))
			return
		}

		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.Debug().Err(err).Msg("failed to parse message")
			continue
		}
		s.dispatch(c.ID, msg, l)
	}
}

func (s *Signaling) dispatch(clientID string, msg models.Message, l zerolog.Logger) {
	switch msg.Type {
	case models.MessageTypeJoinRoom:
		var req models.JoinRoomRequest
		if err := msg.Decode(&req); err != nil {
			l.Debug().Err(err).Msg("bad join-room")
			return
		}
		s.router.OnJoin(clientID, req)

	case models.MessageTypeLeaveRoom:
		var req models.LeaveRoomRequest
		if len(msg.Data) > 0 {
			if err := msg.Decode(&req); err != nil {
				l.Debug().Err(err).Msg("bad leave-room")
				return
			}
		}
		s.router.OnLeave(clientID, req)

	case models.MessageTypeSignal:
		var sig models.Signal
		if err := msg.Decode(&sig); err != nil {
			l.Debug().Err(err).Msg("bad signal")
			return
		}
		s.router.OnSignal(clientID, sig)

	default:
		l.Debug().Str("type", string(msg.Type)).Msg("unknown message type")
	}
}

func (s *Signaling) writePump(c *Client, l zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteJSON(msg); err != nil {
				l.Debug().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
