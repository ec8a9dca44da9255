package app

import (
	"errors"

	"github.com/dkeye/jamroom/internal/domain"
)

var (
	ErrMissingRoom    = errors.New("signal without roomId")
	ErrMissingTarget  = errors.New("signal without target")
	ErrSenderMismatch = errors.New("signal from does not match sender")
)

// Relay decides where a signaling envelope goes. It never reads the payload
// and never queues: delivery to absent sockets is the caller's silent drop.
type Relay struct {
	reg *Registry
}

func NewRelay(reg *Registry) *Relay {
	return &Relay{reg: reg}
}

// Route validates env against the sending connection, stamps From, and
// returns the target connections.
func (r *Relay) Route(sender domain.ConnID, env *domain.SignalEnvelope) ([]domain.ConnID, error) {
	if env.RoomID == "" {
		return nil, ErrMissingRoom
	}
	switch env.From {
	case "":
		env.From = sender
	case sender:
	default:
		return nil, ErrSenderMismatch
	}
	switch env.To {
	case "":
		return nil, ErrMissingTarget
	case sender:
		return nil, nil
	case domain.Broadcast:
		snap, ok := r.reg.Snapshot(env.RoomID)
		if !ok {
			return nil, nil
		}
		out := make([]domain.ConnID, 0, len(snap.Participants))
		for _, p := range snap.Participants {
			if p.ID != sender {
				out = append(out, p.ID)
			}
		}
		return out, nil
	default:
		return []domain.ConnID{env.To}, nil
	}
}
