// Package peer manages one media link per remote participant and turns
// signaling envelopes into offer/answer/candidate steps.
package peer

import (
	"github.com/dkeye/jamroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Conn is the transport behind one link. The production implementation wraps
// a pion PeerConnection.
type Conn interface {
	AddTrack(track webrtc.TrackLocal) error
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer sets the remote offer and returns the local answer.
	ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	Close() error
}

// ConnHandlers are installed by the manager when a Conn is created. They may
// be called from transport goroutines at any time.
type ConnHandlers struct {
	OnICECandidate func(webrtc.ICECandidateInit)
	OnStateChange  func(raw string)
	OnTrack        func(*webrtc.TrackRemote)
}

type Connector interface {
	Connect(peerID domain.ConnID, h ConnHandlers) (Conn, error)
}

// Signaler sends envelopes through the signaling relay. Send must not block.
type Signaler interface {
	SendSignal(env domain.SignalEnvelope) error
}

// Hooks report link events to the owner. Both may be nil.
type Hooks struct {
	OnStateChange func(peerID domain.ConnID, state domain.LinkState)
	OnTrack       func(peerID domain.ConnID, track *webrtc.TrackRemote)
}

// MapTransportState folds pion peer-connection and ICE states into link states.
func MapTransportState(raw string) (domain.LinkState, bool) {
	switch raw {
	case "connected", "completed":
		return domain.LinkConnected, true
	case "disconnected", "failed", "closed":
		return domain.LinkDisconnected, true
	case "new", "connecting", "checking":
		return domain.LinkConnecting, true
	}
	return "", false
}
