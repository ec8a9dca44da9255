package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/jamroom/internal/core"
	"github.com/dkeye/jamroom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type SignalWSController struct {
	Hub *Hub
}

func NewSignalWSController(hub *Hub) *SignalWSController {
	return &SignalWSController{Hub: hub}
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ctl.Hub.ServeWS(ctx, c.Writer, c.Request, c.GetString("client_token"))
}

// WsSignalConn is one upgraded socket. Frames queue on a bounded channel
// drained by writePump; a full channel is reported as ErrBackpressure.
type WsSignalConn struct {
	id   domain.ConnID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(id domain.ConnID, ws *websocket.Conn, buffer int) *WsSignalConn {
	if buffer <= 0 {
		buffer = 32
	}
	return &WsSignalConn{
		id:   id,
		conn: ws,
		send: make(chan core.Frame, buffer),
	}
}

func (c *WsSignalConn) ID() domain.ConnID { return c.id }

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request, registers the socket with the hub loop and
// starts its pumps. ctx bounds the socket lifetime.
func (h *Hub) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request, clientToken string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := newWsSignalConn(domain.ConnID(uuid.NewString()), ws, h.cfg.SendBuffer)
	log.Info().Str("module", "signal").Str("conn", string(conn.id)).Str("client", clientToken).Msg("new WS connection")

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	case <-ctx.Done():
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	go h.writePump(ctx, conn)
	go h.readPump(ctx, cancel, conn)
}

func (h *Hub) pongWait() time.Duration {
	return h.cfg.PingPeriod * 10 / 9
}
