package signal

import (
	"errors"

	"github.com/dkeye/jamroom/internal/app"
	"github.com/dkeye/jamroom/internal/domain"
	"github.com/dkeye/jamroom/internal/protocol"
	"github.com/rs/zerolog/log"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return protocol.CodeRoomNotFound
	case errors.Is(err, domain.ErrValidation):
		return protocol.CodeValidation
	default:
		return "internal"
	}
}

func (h *Hub) allow(id domain.ConnID) bool {
	return h.limiter == nil || h.limiter.Allow(id)
}

func (h *Hub) handleCreate(from domain.ConnID, msg protocol.Message) {
	var p protocol.CreateRoom
	if err := msg.Bind(&p); err != nil {
		log.Warn().Err(err).Str("module", "signal.room").Msg("bad create payload")
		h.send(from, protocol.EventCreateRoomError, protocol.RoomError{Error: err.Error(), Code: protocol.CodeBadPayload})
		return
	}
	if !h.allow(from) {
		h.send(from, protocol.EventCreateRoomError, protocol.RoomError{Error: "too many requests", Code: protocol.CodeRateLimited})
		return
	}

	res, err := h.reg.CreateRoom(from, p.Info())
	if err != nil {
		log.Info().Err(err).Str("module", "signal.room").Str("conn", string(from)).Msg("create rejected")
		h.send(from, protocol.EventCreateRoomError, protocol.RoomError{Error: err.Error(), Code: errorCode(err)})
		return
	}
	h.announceLeave(res.Previous)

	h.send(from, protocol.EventRoomCreated, protocol.RoomState{
		RoomID:       res.Snapshot.RoomID,
		UserID:       from,
		Participants: res.Snapshot.Participants,
	})
	h.presence.RoomChanged(res.Snapshot)
	h.updateGauges()
}

func (h *Hub) handleJoin(from domain.ConnID, msg protocol.Message) {
	var p protocol.JoinRoom
	if err := msg.Bind(&p); err != nil {
		log.Warn().Err(err).Str("module", "signal.room").Msg("bad join payload")
		h.send(from, protocol.EventJoinRoomError, protocol.RoomError{Error: err.Error(), Code: protocol.CodeBadPayload})
		return
	}
	if !h.allow(from) {
		h.send(from, protocol.EventJoinRoomError, protocol.RoomError{Error: "too many requests", Code: protocol.CodeRateLimited})
		return
	}

	res, err := h.reg.JoinRoom(p.RoomID, from, p.Info())
	if err != nil {
		log.Info().Err(err).Str("module", "signal.room").Str("conn", string(from)).Str("room", string(p.RoomID)).Msg("join rejected")
		h.send(from, protocol.EventJoinRoomError, protocol.RoomError{Error: err.Error(), Code: errorCode(err)})
		return
	}
	h.announceLeave(res.Previous)

	h.send(from, protocol.EventRoomJoined, protocol.RoomState{
		RoomID:       res.Snapshot.RoomID,
		UserID:       from,
		Participants: res.Snapshot.Participants,
	})
	if !res.Joined {
		return
	}
	h.broadcast(res.Snapshot.IDs(), protocol.EventUserJoined, protocol.UserJoined{User: res.Participant})
	h.presence.RoomChanged(res.Snapshot)
	h.updateGauges()
}

func (h *Hub) handleLeave(from domain.ConnID) {
	res := h.reg.Leave(from)
	h.announceLeave(res)
	if res.Ok {
		h.send(from, protocol.EventRoomLeft, protocol.RoomLeft{RoomID: res.RoomID})
	}
}

// announceLeave tells the remaining participants about a departure.
func (h *Hub) announceLeave(res app.LeaveResult) {
	if !res.Ok {
		return
	}
	defer h.updateGauges()
	if res.RoomDeleted {
		h.presence.RoomDeleted(res.RoomID)
		return
	}
	h.broadcast(res.Remaining, protocol.EventUserLeft, protocol.UserLeft{UserID: res.Left.ID, UserName: res.Left.Name})
	if res.NewAdmin != nil {
		h.broadcast(res.Remaining, protocol.EventAdminChanged, protocol.AdminChanged{Admin: res.NewAdmin.ID})
	}
	if snap, ok := h.reg.Snapshot(res.RoomID); ok {
		h.presence.RoomChanged(snap)
	}
}

func (h *Hub) handleUserList(from domain.ConnID, msg protocol.Message) {
	var p protocol.RequestUserList
	if err := msg.Bind(&p); err != nil {
		h.send(from, protocol.EventSignalError, protocol.SignalError{Error: protocol.CodeBadPayload})
		return
	}
	if p.RoomID == "" {
		p.RoomID, _ = h.reg.RoomOf(from)
	}
	snap, ok := h.reg.Snapshot(p.RoomID)
	if !ok {
		h.send(from, protocol.EventSignalError, protocol.SignalError{Error: protocol.CodeRoomNotFound})
		return
	}
	h.send(from, protocol.EventUserList, protocol.UserList{RoomID: snap.RoomID, Users: snap.Participants})
}

func (h *Hub) handleTrackToggle(from domain.ConnID, msg protocol.Message) {
	var p protocol.TrackToggle
	if err := msg.Bind(&p); err != nil {
		h.send(from, protocol.EventSignalError, protocol.SignalError{Error: protocol.CodeBadPayload})
		return
	}
	roomID, ok := h.reg.SetMedia(from, p.Type, p.Enabled)
	if !ok {
		return
	}
	snap, _ := h.reg.Snapshot(roomID)
	others := make([]domain.ConnID, 0, len(snap.Participants))
	for _, id := range snap.IDs() {
		if id != from {
			others = append(others, id)
		}
	}
	h.broadcast(others, protocol.EventTrackToggle, protocol.TrackToggle{UserID: from, Type: p.Type, Enabled: p.Enabled})
	h.presence.RoomChanged(snap)
}
