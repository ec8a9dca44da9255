package core

import "github.com/dkeye/jamroom/internal/domain"

// Frame is one encoded signaling message.
type Frame []byte

// SignalConnection abstracts the per-socket messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	ID() domain.ConnID
	TrySend(Frame) error
	Close()
}

// Presence receives membership changes after the registry applied them.
// Implementations must not block the caller.
type Presence interface {
	RoomChanged(snap domain.RoomSnapshot)
	RoomDeleted(id domain.RoomID)
}

// NopPresence discards every update.
type NopPresence struct{}

func (NopPresence) RoomChanged(domain.RoomSnapshot) {}
func (NopPresence) RoomDeleted(domain.RoomID)       {}
