// Package rtc implements peer links on top of pion/webrtc.
package rtc

import (
	"sync"

	"github.com/dkeye/jamroom/internal/client/peer"
	"github.com/dkeye/jamroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func DefaultWebRTCConfig(stun []string) webrtc.Configuration {
	if len(stun) == 0 {
		stun = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stun}},
	}
}

// Connector builds one PeerConnection per remote participant.
type Connector struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewConnector(stun []string) *Connector {
	return &Connector{
		api: webrtc.NewAPI(),
		cfg: DefaultWebRTCConfig(stun),
	}
}

func (c *Connector) Connect(peerID domain.ConnID, h peer.ConnHandlers) (peer.Conn, error) {
	pc, err := c.api.NewPeerConnection(c.cfg)
	if err != nil {
		return nil, err
	}
	conn := &WebRTCConnection{pc: pc, peerID: peerID}
	conn.start(h)
	return conn, nil
}

type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	peerID domain.ConnID

	mu        sync.Mutex
	hasAudio  bool
	closeOnce sync.Once
}

func (c *WebRTCConnection) start(h peer.ConnHandlers) {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer", string(c.peerID)).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(c.peerID)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if h.OnStateChange != nil {
			h.OnStateChange(s.String())
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && h.OnICECandidate != nil {
			h.OnICECandidate(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(c.peerID)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if h.OnTrack != nil {
			h.OnTrack(track)
		}
	})
}

// AddTrack attaches a local track and drains RTCP from its sender.
func (c *WebRTCConnection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		c.mu.Lock()
		c.hasAudio = true
		c.mu.Unlock()
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// ensureReceive keeps audio in the SDP when nothing local was captured.
func (c *WebRTCConnection) ensureReceive() error {
	c.mu.Lock()
	has := c.hasAudio
	c.hasAudio = true
	c.mu.Unlock()
	if has {
		return nil
	}
	_, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	if err := c.ensureReceive(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// ApplyOffer answers with trickle ICE; candidates follow through OnICECandidate.
func (c *WebRTCConnection) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *WebRTCConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *WebRTCConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.pc.Close()
		if err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.peerID)).Msg("close error")
			return
		}
		log.Info().Str("module", "webrtc").Str("peer", string(c.peerID)).Msg("closed")
	})
	return err
}
