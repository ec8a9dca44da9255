package session

import (
	"errors"

	"github.com/dkeye/jamroom/internal/domain"
	"github.com/dkeye/jamroom/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// HandleMessage routes one inbound frame. It runs on the socket reader.
func (s *Session) HandleMessage(msg protocol.Message) {
	switch msg.Event {
	case protocol.EventRoomCreated, protocol.EventCreateRoomError,
		protocol.EventRoomJoined, protocol.EventJoinRoomError:
		s.deliverReply(msg)
	case protocol.EventRoomLeft:
		log.Debug().Str("module", "client.session").Msg("room left acknowledged")
	case protocol.EventUserJoined:
		var p protocol.UserJoined
		if bind(msg, &p) {
			s.onUserJoined(p.User)
		}
	case protocol.EventUserLeft:
		var p protocol.UserLeft
		if bind(msg, &p) {
			s.onUserLeft(p.UserID)
		}
	case protocol.EventAdminChanged:
		var p protocol.AdminChanged
		if bind(msg, &p) {
			s.onAdminChanged(p.Admin)
		}
	case protocol.EventUserList:
		var p protocol.UserList
		if bind(msg, &p) {
			s.onUserList(p)
		}
	case protocol.EventTrackToggle:
		var p protocol.TrackToggle
		if bind(msg, &p) {
			s.onTrackToggle(p)
		}
	case protocol.EventWebRTCSignal:
		var p protocol.WebRTCSignal
		if bind(msg, &p) {
			s.onSignal(p)
		}
	case protocol.EventPingRequest:
		var p protocol.Ping
		if bind(msg, &p) {
			reply := protocol.Ping{From: s.LocalID(), To: p.From, Timestamp: p.Timestamp, RoomID: p.RoomID}
			if err := s.send(protocol.EventPingResponse, reply); err != nil {
				log.Debug().Err(err).Str("module", "client.session").Msg("send pong")
			}
		}
	case protocol.EventPingResponse:
		var p protocol.Ping
		if bind(msg, &p) {
			s.monitor.HandlePong(p.From, p.Timestamp)
		}
	case protocol.EventRequestReconnect:
		var p protocol.ReconnectRequest
		if bind(msg, &p) {
			s.monitor.HandleReconnectRequest(p.UserID, p.RoomID)
		}
	case protocol.EventConnectionQuality:
		var p protocol.ConnectionQuality
		if bind(msg, &p) && p.UserID != "" {
			s.mu.Lock()
			s.remote[p.UserID] = p
			s.mu.Unlock()
		}
	case protocol.EventSignalError:
		var p protocol.SignalError
		if bind(msg, &p) {
			s.emit(Error{Err: errors.New(p.Error)})
		}
	default:
		log.Debug().Str("module", "client.session").Str("event", string(msg.Event)).Msg("unhandled event")
	}
}

func bind(msg protocol.Message, v any) bool {
	if err := msg.Bind(v); err != nil {
		log.Warn().Err(err).Str("module", "client.session").Msg("bad payload")
		return false
	}
	return true
}

// onUserJoined makes us the offerer towards the newcomer.
func (s *Session) onUserJoined(p domain.Participant) {
	s.mu.Lock()
	if s.roomID == "" || p.ID == s.localID {
		s.mu.Unlock()
		return
	}
	s.participants[p.ID] = p
	ctx := s.ctx
	s.mu.Unlock()

	s.monitor.PeerJoined(p.ID)
	if _, err := s.manager.EnsureLink(ctx, p.ID, true); err != nil {
		log.Warn().Err(err).Str("module", "client.session").Str("peer", string(p.ID)).Msg("link to newcomer")
		s.emit(Error{Err: err})
	}
	s.emitParticipants()
}

func (s *Session) onUserLeft(id domain.ConnID) {
	s.mu.Lock()
	_, known := s.participants[id]
	delete(s.participants, id)
	delete(s.remote, id)
	s.mu.Unlock()

	s.monitor.Untrack(id)
	s.manager.CloseLink(id)
	if known {
		s.emitParticipants()
	}
}

func (s *Session) onAdminChanged(admin domain.ConnID) {
	s.mu.Lock()
	for id, p := range s.participants {
		p.IsAdmin = id == admin
		s.participants[id] = p
	}
	s.mu.Unlock()
	s.emit(AdminChanged{Admin: admin})
	s.emitParticipants()
}

func (s *Session) onUserList(p protocol.UserList) {
	s.mu.Lock()
	if p.RoomID != s.roomID {
		s.mu.Unlock()
		return
	}
	peers, gone := s.setParticipants(p.Users)
	s.mu.Unlock()
	s.forget(gone)
	for _, id := range peers {
		s.monitor.Track(id)
	}
	s.emitParticipants()
}

func (s *Session) onTrackToggle(p protocol.TrackToggle) {
	s.mu.Lock()
	u, ok := s.participants[p.UserID]
	if ok {
		u.Media = u.Media.Set(p.Type, p.Enabled)
		s.participants[p.UserID] = u
	}
	s.mu.Unlock()
	if ok {
		s.emitParticipants()
	}
}

func (s *Session) onSignal(p protocol.WebRTCSignal) {
	s.mu.Lock()
	room, ctx := s.roomID, s.ctx
	s.mu.Unlock()
	if room == "" || p.RoomID != room {
		log.Debug().Str("module", "client.session").Str("room", string(p.RoomID)).Msg("signal for another room")
		return
	}
	env := domain.SignalEnvelope{From: p.From, To: p.To, Type: p.Type, RoomID: p.RoomID, Payload: p.Signal}
	err := s.manager.HandleSignal(ctx, env)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrOrphanCandidate):
		// Candidates can outrun the offer that creates the link.
	default:
		log.Warn().Err(err).Str("module", "client.session").Str("peer", string(p.From)).Msg("signal")
		s.emit(Error{Err: err})
	}
}

func (s *Session) onTrack(peerID domain.ConnID, track *webrtc.TrackRemote) {
	s.emit(RemoteTrack{PeerID: peerID, Track: track})
}
