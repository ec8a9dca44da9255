package app

import "github.com/dkeye/jamroom/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickConn
)

// Policy decides what happens to a socket whose send buffer is full.
type Policy interface {
	OnBackpressure(conn domain.ConnID, consecutiveDrops int) BackpressureAction
}

// SimplePolicy drops frames and closes the socket after MaxDrops consecutive drops.
type SimplePolicy struct {
	MaxDrops int
}

func (p SimplePolicy) OnBackpressure(_ domain.ConnID, drops int) BackpressureAction {
	if p.MaxDrops > 0 && drops >= p.MaxDrops {
		return KickConn
	}
	return DropFrame
}
