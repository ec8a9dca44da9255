// Package signal is the client side of the signaling socket. It keeps one
// websocket open to the server, redialing with backoff when it drops.
package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/jamroom/internal/domain"
	"github.com/dkeye/jamroom/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var (
	ErrNotConnected = errors.New("signaling socket not connected")
	ErrSendBuffer   = errors.New("signaling send buffer full")
)

// Hooks run on the client's read goroutine, in frame order.
type Hooks struct {
	// OnUp fires once the server greeted the new socket with its connection id.
	OnUp      func(id domain.ConnID)
	OnDown    func(err error)
	OnMessage func(msg protocol.Message)
}

type Options struct {
	Dialer      *websocket.Dialer
	Header      http.Header
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type Client struct {
	url   string
	hooks Hooks
	opts  Options

	mu   sync.Mutex
	send chan []byte
	id   domain.ConnID
}

func New(url string, hooks Hooks, opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 10 * time.Second
	}
	return &Client{url: url, hooks: hooks, opts: opts}
}

// ID is the connection id of the current socket, empty while down.
func (c *Client) ID() domain.ConnID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) Connected() bool { return c.ID() != "" }

// Send queues one frame on the current socket without blocking.
func (c *Client) Send(ev protocol.Event, data any) error {
	frame, err := protocol.Encode(ev, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBuffer
	}
}

// Run keeps the socket alive until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	delay := c.opts.BackoffBase
	for {
		started := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > c.opts.BackoffMax {
			delay = c.opts.BackoffBase
		}
		log.Warn().Err(err).Str("module", "client.signal").Dur("retry_in", delay).Msg("signaling lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, c.opts.BackoffMax)
	}
}

// session dials once and serves the socket until it fails.
func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	log.Info().Str("module", "client.signal").Str("url", c.url).Msg("socket connected")

	send := make(chan []byte, sendBuffer)
	connCtx, cancel := context.WithCancel(ctx)
	var readErr error
	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		readErr = c.readPump(conn, send)
	})
	wg.Go(func() {
		defer cancel()
		c.writePump(connCtx, conn, send)
	})
	<-connCtx.Done()
	_ = conn.Close()
	wg.Wait()

	c.mu.Lock()
	wasUp := c.id != ""
	c.id = ""
	c.send = nil
	c.mu.Unlock()

	if readErr == nil {
		readErr = errors.New("socket closed")
	}
	if wasUp && c.hooks.OnDown != nil {
		c.hooks.OnDown(readErr)
	}
	return readErr
}

func (c *Client) readPump(conn *websocket.Conn, send chan []byte) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		// Any frame from the server proves liveness.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client.signal").Msg("bad frame")
			continue
		}
		if msg.Event == protocol.EventWelcome {
			var w protocol.Welcome
			if err := msg.Bind(&w); err != nil || w.UserID == "" {
				log.Warn().Err(err).Str("module", "client.signal").Msg("bad welcome")
				continue
			}
			c.mu.Lock()
			c.id = w.UserID
			c.send = send
			c.mu.Unlock()
			log.Info().Str("module", "client.signal").Str("conn", string(w.UserID)).Msg("welcome")
			if c.hooks.OnUp != nil {
				c.hooks.OnUp(w.UserID)
			}
			continue
		}
		if c.hooks.OnMessage != nil {
			c.hooks.OnMessage(msg)
		}
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "client.signal").Msg("write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
