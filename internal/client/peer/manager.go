package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/jamroom/internal/client/media"
	"github.com/dkeye/jamroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ErrNoRoom is returned by EnsureLink while no room session is set.
var ErrNoRoom = errors.New("no room session")

// Manager owns at most one live Link per remote peer. It reflects transport
// state but never decides recovery; that belongs to the connection monitor.
type Manager struct {
	connector Connector
	signaler  Signaler
	hooks     Hooks

	mu      sync.Mutex
	localID domain.ConnID
	roomID  domain.RoomID
	stream  *media.Stream
	links   map[domain.ConnID]*Link
}

func NewManager(connector Connector, signaler Signaler, hooks Hooks) *Manager {
	return &Manager{
		connector: connector,
		signaler:  signaler,
		hooks:     hooks,
		links:     make(map[domain.ConnID]*Link),
	}
}

// SetSession records who we are, which room envelopes belong to, and which
// local stream new links attach.
func (m *Manager) SetSession(localID domain.ConnID, roomID domain.RoomID, stream *media.Stream) {
	m.mu.Lock()
	m.localID, m.roomID, m.stream = localID, roomID, stream
	m.mu.Unlock()
}

func (m *Manager) link(peerID domain.ConnID) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[peerID]
	if !ok || l.State() == domain.LinkClosed {
		return nil
	}
	return l
}

func (m *Manager) Link(peerID domain.ConnID) (*Link, bool) {
	l := m.link(peerID)
	return l, l != nil
}

func (m *Manager) State(peerID domain.ConnID) (domain.LinkState, bool) {
	if l := m.link(peerID); l != nil {
		return l.State(), true
	}
	return "", false
}

func (m *Manager) Links() []domain.ConnID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ConnID, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	return out
}

// EnsureLink returns the live link for peerID or creates one. The new link is
// published before negotiation starts, so a concurrent caller gets the same
// in-flight link instead of building a second one.
func (m *Manager) EnsureLink(ctx context.Context, peerID domain.ConnID, initiator bool) (*Link, error) {
	m.mu.Lock()
	if m.roomID == "" {
		m.mu.Unlock()
		return nil, fmt.Errorf("link to %s: %w", peerID, ErrNoRoom)
	}
	if l, ok := m.links[peerID]; ok && l.State() != domain.LinkClosed {
		m.mu.Unlock()
		return l, nil
	}
	l := newLink(peerID, initiator)
	l.mu.Lock()
	m.links[peerID] = l
	stream := m.stream
	m.mu.Unlock()
	defer l.mu.Unlock()

	if err := m.build(ctx, l, stream); err != nil {
		m.drop(l)
		return nil, err
	}
	return l, nil
}

// build runs with l.mu held.
func (m *Manager) build(ctx context.Context, l *Link, stream *media.Stream) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := m.connector.Connect(l.peerID, ConnHandlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) { m.sendCandidate(l, c) },
		OnStateChange:  func(raw string) { m.onTransport(l, raw) },
		OnTrack: func(t *webrtc.TrackRemote) {
			go l.drain(t)
			if m.hooks.OnTrack != nil {
				m.hooks.OnTrack(l.peerID, t)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", l.peerID, err)
	}
	l.conn = conn

	if stream != nil {
		for _, t := range stream.Tracks() {
			if err := conn.AddTrack(t); err != nil {
				log.Warn().Err(err).Str("module", "client.peer").Str("peer", string(l.peerID)).Msg("add local track")
			}
		}
		stream.Retain()
		l.stream = stream
	}
	log.Info().Str("module", "client.peer").Str("peer", string(l.peerID)).Bool("initiator", l.initiator).Msg("link created")

	if !l.initiator {
		return nil
	}
	offer, err := conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("offer to %s: %w", l.peerID, err)
	}
	l.offering = true
	m.setState(l, domain.LinkConnecting)
	return m.send(l.peerID, domain.SignalOffer, offer)
}

// drop removes l if it is still the registered link and releases it.
func (m *Manager) drop(l *Link) {
	m.mu.Lock()
	if cur, ok := m.links[l.peerID]; ok && cur == l {
		delete(m.links, l.peerID)
	}
	m.mu.Unlock()
	m.release(l)
}

// release closes the transport and gives back the stream reference. It never
// stops local tracks. Caller holds l.mu or owns l exclusively.
func (m *Manager) release(l *Link) {
	if !m.setState(l, domain.LinkClosed) {
		return
	}
	if l.conn != nil {
		if err := l.conn.Close(); err != nil {
			log.Warn().Err(err).Str("module", "client.peer").Str("peer", string(l.peerID)).Msg("close transport")
		}
	}
	if l.stream != nil {
		l.stream.Release()
		l.stream = nil
	}
	l.pending = nil
	log.Info().Str("module", "client.peer").Str("peer", string(l.peerID)).Msg("link closed")
}

// CloseLink tears down the link for peerID. Unknown or closed links are a no-op.
func (m *Manager) CloseLink(peerID domain.ConnID) {
	m.mu.Lock()
	l, ok := m.links[peerID]
	if ok {
		delete(m.links, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	l.mu.Lock()
	m.release(l)
	l.mu.Unlock()
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[domain.ConnID]*Link)
	m.mu.Unlock()
	for _, l := range links {
		l.mu.Lock()
		m.release(l)
		l.mu.Unlock()
	}
}

// OnTransportStateChange maps a raw transport state onto the current link for peerID.
func (m *Manager) OnTransportStateChange(peerID domain.ConnID, raw string) {
	if l := m.link(peerID); l != nil {
		m.onTransport(l, raw)
	}
}

func (m *Manager) onTransport(l *Link, raw string) {
	state, ok := MapTransportState(raw)
	if !ok {
		return
	}
	if m.link(l.peerID) != l {
		return
	}
	m.setState(l, state)
}

func (m *Manager) setState(l *Link, s domain.LinkState) bool {
	if !l.setState(s) {
		return false
	}
	log.Debug().Str("module", "client.peer").Str("peer", string(l.peerID)).Str("state", string(s)).Msg("link state")
	if m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(l.peerID, s)
	}
	return true
}

// HandleSignal applies an offer, answer or candidate from env.From.
// Orphan candidates are logged and returned as domain.ErrOrphanCandidate.
func (m *Manager) HandleSignal(ctx context.Context, env domain.SignalEnvelope) error {
	switch env.Type {
	case domain.SignalOffer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(env.Payload, &sd); err != nil {
			return fmt.Errorf("decode offer from %s: %w", env.From, err)
		}
		return m.handleOffer(ctx, env.From, sd)
	case domain.SignalAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(env.Payload, &sd); err != nil {
			return fmt.Errorf("decode answer from %s: %w", env.From, err)
		}
		return m.handleAnswer(env.From, sd)
	case domain.SignalCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return fmt.Errorf("decode candidate from %s: %w", env.From, err)
		}
		return m.handleCandidate(env.From, c)
	}
	return fmt.Errorf("unsupported signal %q", env.Type)
}

func (m *Manager) handleOffer(ctx context.Context, from domain.ConnID, offer webrtc.SessionDescription) error {
	if l := m.link(from); l != nil {
		l.mu.Lock()
		collision := l.offering
		stale := l.conn != nil && l.conn.HasRemoteDescription()
		l.mu.Unlock()

		m.mu.Lock()
		localID := m.localID
		m.mu.Unlock()

		switch {
		case collision && localID < from:
			log.Info().Str("module", "client.peer").Str("peer", string(from)).Msg("offer collision, keeping local offer")
			return nil
		case collision || stale:
			// The remote side rebuilt its connection; answer on a fresh link.
			m.CloseLink(from)
		}
	}

	l, err := m.EnsureLink(ctx, from, false)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.State() == domain.LinkClosed {
		return nil
	}
	answer, err := l.conn.ApplyOffer(offer)
	if err != nil {
		return fmt.Errorf("apply offer from %s: %w", from, err)
	}
	m.flushCandidates(l)
	m.setState(l, domain.LinkConnecting)
	return m.send(from, domain.SignalAnswer, answer)
}

func (m *Manager) handleAnswer(from domain.ConnID, answer webrtc.SessionDescription) error {
	l := m.link(from)
	if l == nil {
		log.Warn().Str("module", "client.peer").Str("peer", string(from)).Msg("answer without link")
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.offering {
		log.Warn().Str("module", "client.peer").Str("peer", string(from)).Msg("answer without pending offer")
		return nil
	}
	if err := l.conn.ApplyAnswer(answer); err != nil {
		return fmt.Errorf("apply answer from %s: %w", from, err)
	}
	l.offering = false
	m.flushCandidates(l)
	return nil
}

func (m *Manager) handleCandidate(from domain.ConnID, c webrtc.ICECandidateInit) error {
	l := m.link(from)
	if l == nil {
		log.Debug().Str("module", "client.peer").Str("peer", string(from)).Msg("orphan candidate")
		return fmt.Errorf("%w: %s", domain.ErrOrphanCandidate, from)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil || !l.conn.HasRemoteDescription() {
		l.pending = append(l.pending, c)
		return nil
	}
	if err := l.conn.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate from %s: %w", from, err)
	}
	return nil
}

// flushCandidates applies queued candidates. Caller holds l.mu.
func (m *Manager) flushCandidates(l *Link) {
	for _, c := range l.pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "client.peer").Str("peer", string(l.peerID)).Msg("queued candidate")
		}
	}
	l.pending = nil
}

func (m *Manager) sendCandidate(l *Link, c webrtc.ICECandidateInit) {
	if m.link(l.peerID) != l {
		return
	}
	if err := m.send(l.peerID, domain.SignalCandidate, c); err != nil {
		log.Warn().Err(err).Str("module", "client.peer").Str("peer", string(l.peerID)).Msg("send candidate")
	}
}

func (m *Manager) send(to domain.ConnID, typ domain.SignalType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	m.mu.Lock()
	env := domain.SignalEnvelope{From: m.localID, To: to, Type: typ, RoomID: m.roomID, Payload: payload}
	m.mu.Unlock()
	return m.signaler.SendSignal(env)
}
