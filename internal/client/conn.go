// Package client is the participant side of the relay: a websocket
// connection and a room session that keeps one negotiated link per remote.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/roomrelay/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var ErrNotConnected = errors.New("client: not connected")

// Conn is a websocket connection to the relay. Messages are written by a
// single pump goroutine, so Send is safe for concurrent use.
type Conn struct {
	conn     *websocket.Conn
	logger   zerolog.Logger
	incoming chan models.Message
	outgoing chan models.Message
	done     chan struct{}

	closeOnce sync.Once
}

// Dial connects to the relay's websocket endpoint
func Dial(ctx context.Context, serverURL string) (*Conn, error) {
	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Conn{
		conn:     conn,
		logger:   log.With().Str("server", serverURL).Logger(),
		incoming: make(chan models.Message, sendBuffer),
		outgoing: make(chan models.Message, sendBuffer),
		done:     make(chan struct{}),
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

// Send queues msg for the write pump
func (c *Conn) Send(msg models.Message) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrNotConnected
	}
}

// SendSignal wraps payload in a signal addressed to another participant
func (c *Conn) SendSignal(to string, payload models.SignalPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal signal payload: %w", err)
	}
	msg, err := models.NewMessage(models.MessageTypeSignal, models.Signal{To: to, Payload: raw})
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Incoming returns the channel of relay messages. It is closed when the
// connection ends.
func (c *Conn) Incoming() <-chan models.Message {
	return c.incoming
}

// Done is closed once the connection is shutting down
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and releases the connection. Safe to call
// more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *Conn) readPump() {
	defer func() {
		_ = c.Close()
		_ = c.conn.Close()
		close(c.incoming)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg models.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("connection lost")
			}
			return
		}

		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				_ = c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
