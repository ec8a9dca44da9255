package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/jamroom/internal/adapters/metrics"
	"github.com/dkeye/jamroom/internal/app"
	"github.com/dkeye/jamroom/internal/core"
	"github.com/dkeye/jamroom/internal/domain"
	"github.com/dkeye/jamroom/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	ErrHubClosed     = errors.New("hub closed")
	errBadSignalType = errors.New("unsupported signal type")
)

type HubConfig struct {
	SendBuffer int
	ReadLimit  int64
	PingPeriod time.Duration
}

type Deps struct {
	Registry *app.Registry
	Policy   app.Policy
	Limiter  *RoomRateLimiter
	Presence core.Presence
	Metrics  *metrics.Collector
}

type client struct {
	conn  core.SignalConnection
	drops int
}

type inboundFrame struct {
	from domain.ConnID
	data []byte
}

// Hub owns the registry and every socket. Run is the only goroutine that
// touches either, so each inbound event is applied atomically.
type Hub struct {
	cfg      HubConfig
	reg      *app.Registry
	relay    *app.Relay
	policy   app.Policy
	limiter  *RoomRateLimiter
	presence core.Presence
	metrics  *metrics.Collector

	clients map[domain.ConnID]*client
	kicks   []domain.ConnID

	register   chan core.SignalConnection
	unregister chan domain.ConnID
	inbound    chan inboundFrame
	queries    chan func()
	done       chan struct{}
}

func NewHub(cfg HubConfig, d Deps) *Hub {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 54 * time.Second
	}
	if d.Registry == nil {
		d.Registry = app.NewRegistry()
	}
	if d.Policy == nil {
		d.Policy = app.SimplePolicy{}
	}
	if d.Presence == nil {
		d.Presence = core.NopPresence{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return &Hub{
		cfg:        cfg,
		reg:        d.Registry,
		relay:      app.NewRelay(d.Registry),
		policy:     d.Policy,
		limiter:    d.Limiter,
		presence:   d.Presence,
		metrics:    d.Metrics,
		clients:    make(map[domain.ConnID]*client),
		register:   make(chan core.SignalConnection),
		unregister: make(chan domain.ConnID),
		inbound:    make(chan inboundFrame, 256),
		queries:    make(chan func()),
		done:       make(chan struct{}),
	}
}

// Run processes socket events until ctx is done, then closes every socket.
func (h *Hub) Run(ctx context.Context) {
	log.Info().Str("module", "signal.hub").Msg("hub started")
	defer func() {
		for id := range h.clients {
			h.detach(id)
		}
		close(h.done)
		log.Info().Str("module", "signal.hub").Msg("hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.attach(c)
		case id := <-h.unregister:
			h.detach(id)
		case in := <-h.inbound:
			h.dispatch(in.from, in.data)
		case q := <-h.queries:
			q()
		}
		h.flushKicks()
	}
}

// Snapshot reads a room through the hub loop.
func (h *Hub) Snapshot(ctx context.Context, id domain.RoomID) (domain.RoomSnapshot, bool, error) {
	type result struct {
		snap domain.RoomSnapshot
		ok   bool
	}
	out := make(chan result, 1)
	q := func() {
		snap, ok := h.reg.Snapshot(id)
		out <- result{snap, ok}
	}
	select {
	case h.queries <- q:
	case <-h.done:
		return domain.RoomSnapshot{}, false, ErrHubClosed
	case <-ctx.Done():
		return domain.RoomSnapshot{}, false, ctx.Err()
	}
	select {
	case r := <-out:
		return r.snap, r.ok, nil
	case <-ctx.Done():
		return domain.RoomSnapshot{}, false, ctx.Err()
	}
}

func (h *Hub) attach(c core.SignalConnection) {
	h.clients[c.ID()] = &client{conn: c}
	h.metrics.Connections.Set(float64(len(h.clients)))
	h.send(c.ID(), protocol.EventWelcome, protocol.Welcome{UserID: c.ID()})
	log.Debug().Str("module", "signal.hub").Str("conn", string(c.ID())).Msg("attached")
}

// detach leaves the room on behalf of the socket and closes it. Safe to repeat.
func (h *Hub) detach(id domain.ConnID) {
	c, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	h.announceLeave(h.reg.Leave(id))
	if h.limiter != nil {
		h.limiter.Forget(id)
	}
	c.conn.Close()
	h.metrics.Connections.Set(float64(len(h.clients)))
	log.Info().Str("module", "signal.hub").Str("conn", string(id)).Msg("detached")
}

func (h *Hub) flushKicks() {
	for len(h.kicks) > 0 {
		id := h.kicks[0]
		h.kicks = h.kicks[1:]
		if _, ok := h.clients[id]; ok {
			log.Warn().Str("module", "signal.hub").Str("conn", string(id)).Msg("closing slow consumer")
			h.detach(id)
		}
	}
}

func (h *Hub) dispatch(from domain.ConnID, data []byte) {
	if _, ok := h.clients[from]; !ok {
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal.hub").Str("conn", string(from)).Msg("bad frame")
		h.send(from, protocol.EventSignalError, protocol.SignalError{Error: protocol.CodeBadPayload})
		return
	}

	switch msg.Event {
	case protocol.EventCreateRoom:
		h.handleCreate(from, msg)
	case protocol.EventJoinRoom:
		h.handleJoin(from, msg)
	case protocol.EventLeaveRoom:
		h.handleLeave(from)
	case protocol.EventRequestUserList:
		h.handleUserList(from, msg)
	case protocol.EventTrackToggle:
		h.handleTrackToggle(from, msg)
	case protocol.EventWebRTCSignal,
		protocol.EventPingRequest,
		protocol.EventPingResponse,
		protocol.EventRequestReconnect,
		protocol.EventConnectionQuality:
		h.handleRelay(from, msg)
	default:
		log.Warn().Str("module", "signal.hub").Str("event", string(msg.Event)).Msg("unknown event")
	}
}

func (h *Hub) send(to domain.ConnID, ev protocol.Event, v any) bool {
	frame, err := protocol.Encode(ev, v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal.hub").Msg("encode")
		return false
	}
	return h.deliver(to, frame)
}

func (h *Hub) broadcast(to []domain.ConnID, ev protocol.Event, v any) {
	if len(to) == 0 {
		return
	}
	frame, err := protocol.Encode(ev, v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal.hub").Msg("encode")
		return
	}
	for _, id := range to {
		h.deliver(id, frame)
	}
}

// deliver never blocks. A full buffer counts against the socket per policy.
func (h *Hub) deliver(to domain.ConnID, frame core.Frame) bool {
	c, ok := h.clients[to]
	if !ok {
		return false
	}
	err := c.conn.TrySend(frame)
	switch {
	case err == nil:
		c.drops = 0
		return true
	case errors.Is(err, ErrBackpressure):
		c.drops++
		h.metrics.Dropped.WithLabelValues(metrics.DropBackpressure).Inc()
		if h.policy.OnBackpressure(to, c.drops) == app.KickConn {
			h.kicks = append(h.kicks, to)
		}
	default:
		log.Debug().Err(err).Str("module", "signal.hub").Str("conn", string(to)).Msg("send on closed socket")
	}
	return false
}

func (h *Hub) updateGauges() {
	h.metrics.SetRegistry(h.reg.Stats())
}
