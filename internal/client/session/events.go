package session

import (
	"github.com/dkeye/jamroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Event is delivered on Session.Events. The concrete types below are the
// complete set.
type Event interface {
	sessionEvent()
}

type ParticipantsChanged struct {
	RoomID       domain.RoomID
	Participants []domain.Participant
}

type AdminChanged struct {
	Admin domain.ConnID
}

type QualityChanged struct {
	Sample domain.QualitySample
}

type PeerStateChanged struct {
	PeerID domain.ConnID
	State  domain.PeerState
}

// PeerDisconnected means reconnection to the peer was given up.
type PeerDisconnected struct {
	PeerID domain.ConnID
	Err    error
}

type RemoteTrack struct {
	PeerID domain.ConnID
	Track  *webrtc.TrackRemote
}

type Error struct {
	Err error
}

func (ParticipantsChanged) sessionEvent() {}
func (AdminChanged) sessionEvent()        {}
func (QualityChanged) sessionEvent()      {}
func (PeerStateChanged) sessionEvent()    {}
func (PeerDisconnected) sessionEvent()    {}
func (RemoteTrack) sessionEvent()         {}
func (Error) sessionEvent()               {}
