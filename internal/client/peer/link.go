package peer

import (
	"sync"

	"github.com/dkeye/jamroom/internal/client/media"
	"github.com/dkeye/jamroom/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Link is the client-side handle for one remote participant.
type Link struct {
	peerID    domain.ConnID
	initiator bool

	// mu serializes negotiation so a peer's offer, answer and candidates apply in order.
	mu       sync.Mutex
	conn     Conn
	pending  []webrtc.ICECandidateInit
	offering bool
	stream   *media.Stream

	stateMu sync.RWMutex
	state   domain.LinkState

	rx rxCounter
}

func newLink(peerID domain.ConnID, initiator bool) *Link {
	return &Link{peerID: peerID, initiator: initiator, state: domain.LinkNew}
}

func (l *Link) PeerID() domain.ConnID { return l.peerID }

func (l *Link) Initiator() bool { return l.initiator }

func (l *Link) State() domain.LinkState {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.state
}

// setState returns false when the state did not change or the link is closed.
func (l *Link) setState(s domain.LinkState) bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.state == s || l.state == domain.LinkClosed {
		return false
	}
	l.state = s
	return true
}

// RxStats counts RTP packets received on the link's remote tracks.
type RxStats struct {
	Packets uint64
	Lost    uint64
}

func (l *Link) Stats() RxStats { return l.rx.snapshot() }

type rxCounter struct {
	mu      sync.Mutex
	started bool
	last    uint16
	packets uint64
	lost    uint64
}

// observe tracks sequence gaps. Late or duplicate packets are counted but do
// not move the window.
func (c *rxCounter) observe(pkt *rtp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets++
	seq := pkt.SequenceNumber
	if !c.started {
		c.started = true
		c.last = seq
		return
	}
	diff := seq - c.last
	if diff == 0 || diff >= 0x8000 {
		return
	}
	c.lost += uint64(diff - 1)
	c.last = seq
}

func (c *rxCounter) snapshot() RxStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RxStats{Packets: c.packets, Lost: c.lost}
}

// drain reads a remote track until it ends so the transport never stalls.
func (l *Link) drain(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		l.rx.observe(pkt)
	}
}
