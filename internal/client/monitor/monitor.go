// Package monitor probes every peer in the room over the signaling channel,
// scores link quality and drives per-peer reconnection with backoff.
//
// All timers live on one sched.Scheduler so Stop revokes them together.
// State changes are computed under the monitor lock; calls into the peer
// manager, the signaler and the hooks run after it is released.
package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/dkeye/jamroom/internal/client/peer"
	"github.com/dkeye/jamroom/internal/client/sched"
	"github.com/dkeye/jamroom/internal/config"
	"github.com/dkeye/jamroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// Links is the part of the peer manager the monitor drives.
type Links interface {
	EnsureLink(ctx context.Context, peerID domain.ConnID, initiator bool) (*peer.Link, error)
	CloseLink(peerID domain.ConnID)
}

// Signaler sends probe and recovery messages through the relay.
type Signaler interface {
	SendPing(to domain.ConnID, timestamp int64) error
	SendReconnectRequest(to domain.ConnID) error
}

type Hooks struct {
	OnQuality     func(domain.QualitySample)
	OnStateChange func(peerID domain.ConnID, state domain.PeerState)
	// OnExhausted fires once a peer ran out of reconnect attempts.
	OnExhausted func(peerID domain.ConnID)
}

type Config struct {
	PingInterval  time.Duration
	PingTimeout   time.Duration
	StaleAfter    time.Duration
	ReconnectBase time.Duration
	MaxAttempts   int
}

func DefaultConfig() Config {
	return Config{
		PingInterval:  3 * time.Second,
		PingTimeout:   5 * time.Second,
		StaleAfter:    10 * time.Second,
		ReconnectBase: 2 * time.Second,
		MaxAttempts:   10,
	}
}

// FromClientConfig fills zero values with defaults.
func FromClientConfig(c config.ClientConfig) Config {
	cfg := DefaultConfig()
	if c.PingInterval > 0 {
		cfg.PingInterval = c.PingInterval
	}
	if c.PingTimeout > 0 {
		cfg.PingTimeout = c.PingTimeout
	}
	if c.StaleAfter > 0 {
		cfg.StaleAfter = c.StaleAfter
	}
	if c.ReconnectBase > 0 {
		cfg.ReconnectBase = c.ReconnectBase
	}
	if c.ReconnectMax > 0 {
		cfg.MaxAttempts = c.ReconnectMax
	}
	return cfg
}

// Backoff is the wait before attempt n (1-based): base * 1.5^(n-1).
func (c Config) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(float64(c.ReconnectBase) * math.Pow(1.5, float64(n-1)))
}

type probe struct {
	sent  time.Time
	timer sched.TimerID
}

type peerEntry struct {
	id       domain.ConnID
	state    domain.PeerState
	attempts int
	retry    sched.TimerID
	lastPong time.Time
	pending  map[int64]probe
	sample   *domain.QualitySample
}

type Monitor struct {
	cfg      Config
	links    Links
	signaler Signaler
	hooks    Hooks
	sched    *sched.Scheduler

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	roomID  domain.RoomID
	running bool
	// gen changes on every Start and Stop. Callbacks from an older
	// generation return without touching state.
	gen     uint64
	paused  bool
	peers   map[domain.ConnID]*peerEntry
}

func New(cfg Config, clock sched.Clock, links Links, signaler Signaler, hooks Hooks) *Monitor {
	return &Monitor{
		cfg:      cfg,
		links:    links,
		signaler: signaler,
		hooks:    hooks,
		sched:    sched.New(clock),
		peers:    make(map[domain.ConnID]*peerEntry),
	}
}

// Start begins probing for roomID. A running monitor is restarted.
func (m *Monitor) Start(roomID domain.RoomID) {
	m.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.roomID = roomID
	m.running = true
	m.paused = false
	m.gen++
	gen := m.gen
	m.sched.Every(m.cfg.PingInterval, func() { m.tick(gen) })
	log.Info().Str("module", "client.monitor").Str("room", string(roomID)).Msg("monitor started")
}

// Stop cancels every timer and forgets all peers. No callback runs after it returns.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.gen++
	n := m.sched.CancelAll()
	if m.cancel != nil {
		m.cancel()
	}
	m.peers = make(map[domain.ConnID]*peerEntry)
	log.Info().Str("module", "client.monitor").Str("room", string(m.roomID)).Int("timers", n).Msg("monitor stopped")
}

// Pending reports armed timers.
func (m *Monitor) Pending() int { return m.sched.Pending() }

func (m *Monitor) entry(id domain.ConnID) *peerEntry {
	e, ok := m.peers[id]
	if !ok {
		e = &peerEntry{id: id, state: domain.PeerUnknown, pending: make(map[int64]probe)}
		m.peers[id] = e
	}
	return e
}

// Track starts probing peerID.
func (m *Monitor) Track(peerID domain.ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.entry(peerID)
	}
}

// PeerJoined tracks peerID and clears any terminal state left from earlier.
func (m *Monitor) PeerJoined(peerID domain.ConnID) {
	var acts actions
	m.mu.Lock()
	if m.running {
		e := m.entry(peerID)
		m.clearTimers(e)
		e.attempts = 0
		m.setState(&acts, e, domain.PeerUnknown)
	}
	m.mu.Unlock()
	acts.run()
}

func (m *Monitor) Untrack(peerID domain.ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.peers[peerID]; ok {
		m.clearTimers(e)
		delete(m.peers, peerID)
	}
}

func (m *Monitor) Quality(peerID domain.ConnID) (domain.QualitySample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.peers[peerID]
	if !ok || e.sample == nil {
		return domain.QualitySample{}, false
	}
	return *e.sample, true
}

func (m *Monitor) State(peerID domain.ConnID) domain.PeerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.peers[peerID]; ok {
		return e.state
	}
	return domain.PeerUnknown
}

func (m *Monitor) Attempts(peerID domain.ConnID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.peers[peerID]; ok {
		return e.attempts
	}
	return 0
}

// actions collects side effects to run once the lock is released.
type actions []func()

func (a *actions) add(f func()) { *a = append(*a, f) }

func (a actions) run() {
	for _, f := range a {
		f()
	}
}

func (m *Monitor) setState(acts *actions, e *peerEntry, s domain.PeerState) {
	if e.state == s {
		return
	}
	e.state = s
	log.Debug().Str("module", "client.monitor").Str("peer", string(e.id)).Str("state", string(s)).Msg("peer state")
	if m.hooks.OnStateChange != nil {
		id, hook := e.id, m.hooks.OnStateChange
		acts.add(func() { hook(id, s) })
	}
}

// clearTimers drops outstanding probes and any scheduled attempt. Caller holds mu.
func (m *Monitor) clearTimers(e *peerEntry) {
	for ts, p := range e.pending {
		m.sched.Cancel(p.timer)
		delete(e.pending, ts)
	}
	if e.retry != 0 {
		m.sched.Cancel(e.retry)
		e.retry = 0
	}
}

// live reports whether callbacks armed in gen may still act. Caller holds mu.
func (m *Monitor) live(gen uint64) bool {
	return m.running && m.gen == gen
}

func (m *Monitor) tick(gen uint64) {
	var acts actions
	m.mu.Lock()
	if !m.live(gen) || m.paused {
		m.mu.Unlock()
		return
	}
	now := m.sched.Now()
	for _, e := range m.peers {
		if e.state == domain.PeerDisconnected {
			continue
		}
		if e.state == domain.PeerConnected && now.Sub(e.lastPong) > m.cfg.StaleAfter {
			log.Info().Str("module", "client.monitor").Str("peer", string(e.id)).Msg("peer stale")
			m.recover(&acts, e)
		}
		ts := now.UnixMilli()
		id, sent := e.id, now
		e.pending[ts] = probe{
			sent:  sent,
			timer: m.sched.After(m.cfg.PingTimeout, func() { m.onTimeout(gen, id, ts) }),
		}
		acts.add(func() {
			if err := m.signaler.SendPing(id, ts); err != nil {
				log.Debug().Err(err).Str("module", "client.monitor").Str("peer", string(id)).Msg("send ping")
			}
		})
	}
	m.mu.Unlock()
	acts.run()
}

// HandlePong resolves the probe sent at timestamp. Unknown probes are ignored.
func (m *Monitor) HandlePong(peerID domain.ConnID, timestamp int64) {
	var acts actions
	m.mu.Lock()
	e, ok := m.peers[peerID]
	if !ok || !m.running {
		m.mu.Unlock()
		return
	}
	p, ok := e.pending[timestamp]
	if !ok {
		m.mu.Unlock()
		log.Debug().Str("module", "client.monitor").Str("peer", string(peerID)).Int64("ts", timestamp).Msg("stray pong")
		return
	}
	// Older probes are answered by this one.
	for ts, old := range e.pending {
		if ts <= timestamp {
			m.sched.Cancel(old.timer)
			delete(e.pending, ts)
		}
	}

	now := m.sched.Now()
	latency := now.Sub(p.sent)
	score, category := domain.ScoreLatency(latency)
	sample := domain.QualitySample{
		PeerID:    peerID,
		Score:     score,
		Category:  category,
		LatencyMs: latency.Milliseconds(),
		Timestamp: now,
	}
	if e.sample != nil {
		sample.JitterMs = absMs(sample.LatencyMs - e.sample.LatencyMs)
	}
	e.sample = &sample
	m.markConnected(&acts, e)
	if m.hooks.OnQuality != nil {
		hook := m.hooks.OnQuality
		acts.add(func() { hook(sample) })
	}
	m.mu.Unlock()
	acts.run()
}

func absMs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (m *Monitor) markConnected(acts *actions, e *peerEntry) {
	if e.retry != 0 {
		m.sched.Cancel(e.retry)
		e.retry = 0
	}
	e.attempts = 0
	e.lastPong = m.sched.Now()
	m.setState(acts, e, domain.PeerConnected)
}

func (m *Monitor) onTimeout(gen uint64, peerID domain.ConnID, ts int64) {
	var acts actions
	m.mu.Lock()
	e, ok := m.peers[peerID]
	if !ok || !m.live(gen) {
		m.mu.Unlock()
		return
	}
	if _, ok := e.pending[ts]; !ok {
		m.mu.Unlock()
		return
	}
	delete(e.pending, ts)
	if e.state != domain.PeerDisconnected {
		log.Debug().Err(domain.ErrProbeTimeout).Str("module", "client.monitor").Str("peer", string(peerID)).Msg("probe timed out")
		m.recover(&acts, e)
	}
	m.mu.Unlock()
	acts.run()
}

// recover marks e reconnecting and arms the first attempt unless a recovery
// is already under way. Caller holds mu.
func (m *Monitor) recover(acts *actions, e *peerEntry) {
	if e.state == domain.PeerDisconnected || e.retry != 0 {
		return
	}
	m.setState(acts, e, domain.PeerReconnecting)
	m.schedule(e)
}

// schedule arms attempt attempts+1 after its backoff. Caller holds mu.
func (m *Monitor) schedule(e *peerEntry) {
	n := e.attempts + 1
	delay := m.cfg.Backoff(n)
	id, gen := e.id, m.gen
	e.retry = m.sched.After(delay, func() { m.attempt(gen, id) })
	log.Debug().Str("module", "client.monitor").Str("peer", string(id)).Int("attempt", n).Dur("delay", delay).Msg("reconnect scheduled")
}

// attempt runs one scheduled attempt and chains the next one. An attempt past
// MaxAttempts gives up instead.
func (m *Monitor) attempt(gen uint64, peerID domain.ConnID) {
	var acts actions
	m.mu.Lock()
	e, ok := m.peers[peerID]
	if !ok || !m.live(gen) {
		m.mu.Unlock()
		return
	}
	e.retry = 0
	e.attempts++
	if e.attempts > m.cfg.MaxAttempts {
		m.exhaust(&acts, e)
	} else {
		m.reconnect(&acts, e)
		m.schedule(e)
	}
	m.mu.Unlock()
	acts.run()
}

// exhaust makes e disconnected until it joins again. Caller holds mu.
func (m *Monitor) exhaust(acts *actions, e *peerEntry) {
	m.clearTimers(e)
	e.attempts = 0
	m.setState(acts, e, domain.PeerDisconnected)
	log.Warn().Err(domain.ErrReconnectExhausted).Str("module", "client.monitor").Str("peer", string(e.id)).Msg("giving up on peer")
	if m.hooks.OnExhausted != nil {
		id, hook := e.id, m.hooks.OnExhausted
		acts.add(func() { hook(id) })
	}
}

// reconnect queues one attempt: ask the peer to reset, then rebuild our side
// as offerer. Caller holds mu.
func (m *Monitor) reconnect(acts *actions, e *peerEntry) {
	id, ctx, n := e.id, m.ctx, e.attempts
	acts.add(func() {
		log.Info().Str("module", "client.monitor").Str("peer", string(id)).Int("attempt", n).Msg("reconnecting")
		if err := m.signaler.SendReconnectRequest(id); err != nil {
			log.Warn().Err(err).Str("module", "client.monitor").Str("peer", string(id)).Msg("send reconnect request")
		}
		m.links.CloseLink(id)
		if _, err := m.links.EnsureLink(ctx, id, true); err != nil {
			log.Warn().Err(err).Str("module", "client.monitor").Str("peer", string(id)).Msg("recreate link")
		}
	})
}

// HandleReconnectRequest rebuilds the link as answerer when a tracked peer
// asks for it. Requests for another room or from untracked senders are ignored.
func (m *Monitor) HandleReconnectRequest(from domain.ConnID, roomID domain.RoomID) {
	var acts actions
	m.mu.Lock()
	if !m.running || roomID != m.roomID {
		m.mu.Unlock()
		return
	}
	e, ok := m.peers[from]
	if !ok {
		m.mu.Unlock()
		log.Debug().Str("module", "client.monitor").Str("peer", string(from)).Msg("reconnect request from untracked peer")
		return
	}
	if e.state != domain.PeerDisconnected {
		m.setState(&acts, e, domain.PeerReconnecting)
	}
	ctx := m.ctx
	acts.add(func() {
		m.links.CloseLink(from)
		if _, err := m.links.EnsureLink(ctx, from, false); err != nil {
			log.Warn().Err(err).Str("module", "client.monitor").Str("peer", string(from)).Msg("recreate link for remote")
		}
	})
	m.mu.Unlock()
	acts.run()
}

// OnLinkState feeds transport changes from the peer manager.
func (m *Monitor) OnLinkState(peerID domain.ConnID, s domain.LinkState) {
	var acts actions
	m.mu.Lock()
	e, ok := m.peers[peerID]
	if !ok || !m.running {
		m.mu.Unlock()
		return
	}
	switch s {
	case domain.LinkConnected:
		if e.state != domain.PeerDisconnected {
			m.markConnected(&acts, e)
		}
	case domain.LinkDisconnected:
		m.recover(&acts, e)
	}
	m.mu.Unlock()
	acts.run()
}

// SignalingDown pauses probing. Every tracked peer is considered reconnecting
// until the socket is back.
func (m *Monitor) SignalingDown() {
	var acts actions
	m.mu.Lock()
	if !m.running || m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = true
	for _, e := range m.peers {
		m.clearTimers(e)
		if e.state != domain.PeerDisconnected {
			m.setState(&acts, e, domain.PeerReconnecting)
		}
	}
	m.mu.Unlock()
	log.Info().Str("module", "client.monitor").Msg("signaling down, probing paused")
	acts.run()
}

// SignalingRestored resumes probing and immediately attempts every peer that
// is not connected.
func (m *Monitor) SignalingRestored() {
	var acts actions
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.paused = false
	for _, e := range m.peers {
		if e.state != domain.PeerReconnecting && e.state != domain.PeerDisconnected {
			continue
		}
		m.clearTimers(e)
		if e.state == domain.PeerDisconnected || e.attempts >= m.cfg.MaxAttempts {
			e.attempts = 0
		}
		e.attempts++
		m.setState(&acts, e, domain.PeerReconnecting)
		m.reconnect(&acts, e)
		m.schedule(e)
	}
	m.mu.Unlock()
	log.Info().Str("module", "client.monitor").Msg("signaling restored")
	acts.run()
}
