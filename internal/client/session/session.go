// Package session is the room-level entry point of the client. It joins the
// signaling socket, the peer manager and the connection monitor into one
// facade and reports what happens on a typed event channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/jamroom/internal/client/media"
	"github.com/dkeye/jamroom/internal/client/monitor"
	"github.com/dkeye/jamroom/internal/client/peer"
	"github.com/dkeye/jamroom/internal/client/sched"
	"github.com/dkeye/jamroom/internal/client/signal"
	"github.com/dkeye/jamroom/internal/domain"
	"github.com/dkeye/jamroom/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected = errors.New("signaling not connected")
	ErrInRoom       = errors.New("already in a room")
	ErrNotInRoom    = errors.New("not in a room")
)

// RoomError is a create or join refusal from the server.
type RoomError struct {
	Code    string
	Message string
}

func (e *RoomError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *RoomError) Is(target error) bool {
	switch e.Code {
	case protocol.CodeRoomNotFound:
		return target == domain.ErrRoomNotFound
	case protocol.CodeValidation:
		return target == domain.ErrValidation
	}
	return false
}

// Transport is the outbound half of the signaling socket.
type Transport interface {
	Send(ev protocol.Event, data any) error
}

type Config struct {
	Monitor monitor.Config
	// Media is what the session asks the source to capture.
	Media domain.MediaFlags
	// RejoinTimeout bounds the automatic rejoin after the socket comes back.
	RejoinTimeout time.Duration
}

type Session struct {
	cfg     Config
	source  media.Source
	manager *peer.Manager
	monitor *monitor.Monitor
	events  chan Event

	// opMu serializes create, join, leave and rejoin.
	opMu sync.Mutex

	mu           sync.Mutex
	transport    Transport
	localID      domain.ConnID
	roomID       domain.RoomID
	info         domain.ParticipantInfo
	participants map[domain.ConnID]domain.Participant
	remote       map[domain.ConnID]protocol.ConnectionQuality
	stream       *media.Stream
	reply        chan protocol.Message
	ctx          context.Context
	cancel       context.CancelFunc
}

func New(cfg Config, source media.Source, connector peer.Connector, clock sched.Clock) *Session {
	if cfg.RejoinTimeout <= 0 {
		cfg.RejoinTimeout = 10 * time.Second
	}
	s := &Session{
		cfg:          cfg,
		source:       source,
		events:       make(chan Event, 256),
		participants: make(map[domain.ConnID]domain.Participant),
		remote:       make(map[domain.ConnID]protocol.ConnectionQuality),
		ctx:          context.Background(),
	}
	s.manager = peer.NewManager(connector, s, peer.Hooks{
		OnStateChange: s.onLinkState,
		OnTrack:       s.onTrack,
	})
	s.monitor = monitor.New(cfg.Monitor, clock, s.manager, s, monitor.Hooks{
		OnQuality:     s.onQuality,
		OnStateChange: s.onPeerState,
		OnExhausted:   s.onExhausted,
	})
	return s
}

// Attach sets the socket used for every outbound frame.
func (s *Session) Attach(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

// SignalHooks routes socket events into the session.
func (s *Session) SignalHooks() signal.Hooks {
	return signal.Hooks{
		OnUp:      s.HandleUp,
		OnDown:    s.HandleDown,
		OnMessage: s.HandleMessage,
	}
}

func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("module", "client.session").Str("event", fmt.Sprintf("%T", ev)).Msg("event dropped, consumer too slow")
	}
}

func (s *Session) send(ev protocol.Event, data any) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return t.Send(ev, data)
}

// CreateRoom opens a new room with us as admin.
func (s *Session) CreateRoom(ctx context.Context, name, instrument string) (domain.RoomSnapshot, error) {
	return s.enter(ctx, "", name, instrument)
}

func (s *Session) JoinRoom(ctx context.Context, roomID domain.RoomID, name, instrument string) (domain.RoomSnapshot, error) {
	roomID = domain.RoomID(strings.ToUpper(strings.TrimSpace(string(roomID))))
	if roomID == "" {
		return domain.RoomSnapshot{}, fmt.Errorf("join: %w", domain.ErrRoomNotFound)
	}
	return s.enter(ctx, roomID, name, instrument)
}

func (s *Session) enter(ctx context.Context, roomID domain.RoomID, name, instrument string) (domain.RoomSnapshot, error) {
	info, err := domain.ParticipantInfo{Name: name, Instrument: instrument}.Normalize()
	if err != nil {
		return domain.RoomSnapshot{}, err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	inRoom, connected := s.roomID != "", s.transport != nil
	s.mu.Unlock()
	if inRoom {
		return domain.RoomSnapshot{}, ErrInRoom
	}
	if !connected {
		return domain.RoomSnapshot{}, ErrNotConnected
	}

	stream := s.acquire(ctx)
	info.Media = stream.Flags()

	var state protocol.RoomState
	if roomID == "" {
		state, err = s.request(ctx, protocol.EventCreateRoom,
			protocol.CreateRoom{Name: info.Name, Instrument: info.Instrument, Media: info.Media},
			protocol.EventRoomCreated, protocol.EventCreateRoomError)
	} else {
		state, err = s.request(ctx, protocol.EventJoinRoom,
			protocol.JoinRoom{RoomID: roomID, Name: info.Name, Instrument: info.Instrument, Media: info.Media},
			protocol.EventRoomJoined, protocol.EventJoinRoomError)
	}
	if err != nil {
		if stopErr := stream.Stop(); stopErr != nil {
			log.Warn().Err(stopErr).Str("module", "client.session").Msg("stop media")
		}
		return domain.RoomSnapshot{}, err
	}

	s.enterRoom(state, info, stream)
	log.Info().Str("module", "client.session").Str("room", string(state.RoomID)).Str("conn", string(state.UserID)).
		Int("participants", len(state.Participants)).Msg("entered room")
	return s.snapshot(), nil
}

// acquire never fails: capture errors are reported and the session carries
// on with whatever tracks exist.
func (s *Session) acquire(ctx context.Context) *media.Stream {
	stream, err := s.source.Acquire(ctx, s.cfg.Media)
	if err != nil {
		log.Warn().Err(err).Str("module", "client.session").Msg("media acquisition")
		if !errors.Is(err, domain.ErrMediaAcquisition) {
			err = fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
		}
		s.emit(Error{Err: err})
	}
	if stream == nil {
		stream = media.Empty()
	}
	return stream
}

// request sends ev and waits for okEv or errEv.
func (s *Session) request(ctx context.Context, ev protocol.Event, data any, okEv, errEv protocol.Event) (protocol.RoomState, error) {
	reply := make(chan protocol.Message, 1)
	s.mu.Lock()
	s.reply = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.reply == reply {
			s.reply = nil
		}
		s.mu.Unlock()
	}()

	if err := s.send(ev, data); err != nil {
		return protocol.RoomState{}, fmt.Errorf("%s: %w", ev, err)
	}
	for {
		select {
		case <-ctx.Done():
			return protocol.RoomState{}, fmt.Errorf("%s: %w", ev, ctx.Err())
		case msg := <-reply:
			switch msg.Event {
			case okEv:
				var st protocol.RoomState
				if err := msg.Bind(&st); err != nil {
					return protocol.RoomState{}, err
				}
				return st, nil
			case errEv:
				var re protocol.RoomError
				if err := msg.Bind(&re); err != nil {
					return protocol.RoomState{}, err
				}
				return protocol.RoomState{}, &RoomError{Code: re.Code, Message: re.Error}
			}
		}
	}
}

func (s *Session) deliverReply(msg protocol.Message) {
	s.mu.Lock()
	reply := s.reply
	s.mu.Unlock()
	if reply == nil {
		log.Debug().Str("module", "client.session").Str("event", string(msg.Event)).Msg("unexpected reply")
		return
	}
	select {
	case reply <- msg:
	default:
	}
}

func (s *Session) enterRoom(state protocol.RoomState, info domain.ParticipantInfo, stream *media.Stream) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.roomID = state.RoomID
	s.localID = state.UserID
	s.info = info
	s.stream = stream
	s.ctx, s.cancel = ctx, cancel
	peers, _ := s.setParticipants(state.Participants)
	s.mu.Unlock()

	s.manager.SetSession(state.UserID, state.RoomID, stream)
	s.monitor.Start(state.RoomID)
	for _, id := range peers {
		s.monitor.Track(id)
	}
	s.emitParticipants()
}

// setParticipants replaces the member list. It returns the other members and
// the earlier members missing from list. Caller holds mu.
func (s *Session) setParticipants(list []domain.Participant) (peers, gone []domain.ConnID) {
	old := s.participants
	s.participants = make(map[domain.ConnID]domain.Participant, len(list))
	for _, p := range list {
		s.participants[p.ID] = p
		if p.ID != s.localID {
			peers = append(peers, p.ID)
		}
	}
	for id := range old {
		if _, ok := s.participants[id]; !ok && id != s.localID {
			gone = append(gone, id)
			delete(s.remote, id)
		}
	}
	return peers, gone
}

// forget stops probing and closes the links of peers that left the room.
func (s *Session) forget(gone []domain.ConnID) {
	for _, id := range gone {
		s.monitor.Untrack(id)
		s.manager.CloseLink(id)
		log.Debug().Str("module", "client.session").Str("peer", string(id)).Msg("peer gone from member list")
	}
}

// LeaveRoom tells the server we left and tears down every link, timer and
// local track. Leaving when not in a room is a no-op.
func (s *Session) LeaveRoom() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	room := s.roomID
	s.mu.Unlock()
	if room == "" {
		return nil
	}
	if err := s.send(protocol.EventLeaveRoom, struct{}{}); err != nil {
		log.Debug().Err(err).Str("module", "client.session").Msg("send leave")
	}
	s.teardown()
	log.Info().Str("module", "client.session").Str("room", string(room)).Msg("left room")
	return nil
}

// teardown releases everything scoped to the current room. Caller holds opMu.
// The room is cleared first so inbound events racing with it cannot open links.
func (s *Session) teardown() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.roomID = ""
	s.info = domain.ParticipantInfo{}
	s.participants = make(map[domain.ConnID]domain.Participant)
	s.remote = make(map[domain.ConnID]protocol.ConnectionQuality)
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = context.Background(), nil
	local := s.localID
	s.mu.Unlock()

	s.manager.SetSession(local, "", nil)
	s.monitor.Stop()
	s.manager.CloseAll()
	if stream != nil {
		if err := stream.Stop(); err != nil {
			log.Warn().Err(err).Str("module", "client.session").Msg("stop media")
		}
	}
	s.emit(ParticipantsChanged{})
}

// HandleUp is called for every fresh socket. While in a room the server has
// dropped our old membership, so we join again and restart recovery.
func (s *Session) HandleUp(id domain.ConnID) {
	s.mu.Lock()
	room, prev := s.roomID, s.localID
	if room == "" {
		s.localID = id
	}
	s.mu.Unlock()
	if room == "" || prev == id {
		return
	}
	go s.rejoin()
}

func (s *Session) HandleDown(err error) {
	s.mu.Lock()
	room := s.roomID
	s.mu.Unlock()
	log.Warn().Err(err).Str("module", "client.session").Str("room", string(room)).Msg("signaling down")
	if room != "" {
		s.monitor.SignalingDown()
	}
}

func (s *Session) rejoin() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	room, info := s.roomID, s.info
	s.mu.Unlock()
	if room == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RejoinTimeout)
	defer cancel()
	state, err := s.request(ctx, protocol.EventJoinRoom,
		protocol.JoinRoom{RoomID: room, Name: info.Name, Instrument: info.Instrument, Media: info.Media},
		protocol.EventRoomJoined, protocol.EventJoinRoomError)
	if err != nil {
		log.Warn().Err(err).Str("module", "client.session").Str("room", string(room)).Msg("rejoin failed")
		s.emit(Error{Err: fmt.Errorf("rejoin %s: %w", room, err)})
		s.teardown()
		return
	}

	s.mu.Lock()
	delete(s.participants, s.localID)
	s.localID = state.UserID
	peers, gone := s.setParticipants(state.Participants)
	stream := s.stream
	s.mu.Unlock()

	s.manager.SetSession(state.UserID, room, stream)
	s.forget(gone)
	for _, id := range peers {
		s.monitor.Track(id)
	}
	s.monitor.SignalingRestored()
	s.emitParticipants()
	log.Info().Str("module", "client.session").Str("room", string(room)).Str("conn", string(state.UserID)).Msg("rejoined room")
}

func (s *Session) RoomID() domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) LocalID() domain.ConnID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localID
}

// Participants is ordered by join time, ourselves included.
func (s *Session) Participants() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

func (s *Session) sortedLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (s *Session) snapshot() domain.RoomSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.RoomSnapshot{RoomID: s.roomID, Participants: s.sortedLocked()}
}

func (s *Session) emitParticipants() {
	snap := s.snapshot()
	s.emit(ParticipantsChanged{RoomID: snap.RoomID, Participants: snap.Participants})
}

// Quality is the latest local probe result. Peers never measured report
// score 0 and category unknown.
func (s *Session) Quality(peerID domain.ConnID) domain.QualitySample {
	if q, ok := s.monitor.Quality(peerID); ok {
		return q
	}
	return domain.QualitySample{PeerID: peerID, Score: 0, Category: domain.QualityUnknown}
}

// RemoteQuality is what peerID last reported about its own links.
func (s *Session) RemoteQuality(peerID domain.ConnID) (protocol.ConnectionQuality, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.remote[peerID]
	return q, ok
}

func (s *Session) PeerState(peerID domain.ConnID) domain.PeerState {
	return s.monitor.State(peerID)
}

// SetTrackEnabled mutes or unmutes a local track and tells the room.
func (s *Session) SetTrackEnabled(kind domain.MediaKind, enabled bool) error {
	s.mu.Lock()
	if s.roomID == "" {
		s.mu.Unlock()
		return ErrNotInRoom
	}
	if s.stream != nil {
		s.stream.SetEnabled(kind, enabled)
	}
	s.info.Media = s.info.Media.Set(kind, enabled)
	if me, ok := s.participants[s.localID]; ok {
		me.Media = me.Media.Set(kind, enabled)
		s.participants[s.localID] = me
	}
	s.mu.Unlock()

	if err := s.send(protocol.EventTrackToggle, protocol.TrackToggle{Type: kind, Enabled: enabled}); err != nil {
		return fmt.Errorf("track toggle: %w", err)
	}
	s.emitParticipants()
	return nil
}

// SendSignal relays an offer, answer or candidate.
func (s *Session) SendSignal(env domain.SignalEnvelope) error {
	return s.send(protocol.EventWebRTCSignal, protocol.WebRTCSignal{
		From:   env.From,
		To:     env.To,
		Type:   env.Type,
		Signal: env.Payload,
		RoomID: env.RoomID,
	})
}

func (s *Session) SendPing(to domain.ConnID, timestamp int64) error {
	s.mu.Lock()
	p := protocol.Ping{From: s.localID, To: to, Timestamp: timestamp, RoomID: s.roomID}
	s.mu.Unlock()
	return s.send(protocol.EventPingRequest, p)
}

func (s *Session) SendReconnectRequest(to domain.ConnID) error {
	s.mu.Lock()
	p := protocol.ReconnectRequest{UserID: to, RoomID: s.roomID}
	s.mu.Unlock()
	return s.send(protocol.EventRequestReconnect, p)
}

func (s *Session) onLinkState(peerID domain.ConnID, state domain.LinkState) {
	s.monitor.OnLinkState(peerID, state)
}

func (s *Session) onQuality(sample domain.QualitySample) {
	s.emit(QualityChanged{Sample: sample})
	s.mu.Lock()
	q := protocol.ConnectionQuality{
		PeerID:   sample.PeerID,
		RoomID:   s.roomID,
		Score:    sample.Score,
		Category: sample.Category,
		Latency:  sample.LatencyMs,
		Jitter:   sample.JitterMs,
	}
	s.mu.Unlock()
	if err := s.send(protocol.EventConnectionQuality, q); err != nil {
		log.Debug().Err(err).Str("module", "client.session").Msg("send quality")
	}
}

func (s *Session) onPeerState(peerID domain.ConnID, state domain.PeerState) {
	s.emit(PeerStateChanged{PeerID: peerID, State: state})
}

func (s *Session) onExhausted(peerID domain.ConnID) {
	s.manager.CloseLink(peerID)
	s.emit(PeerDisconnected{PeerID: peerID, Err: domain.ErrReconnectExhausted})
}
