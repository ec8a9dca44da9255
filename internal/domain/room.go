package domain

import (
	"sort"
	"time"
)

type RoomID string

const RoomIDLen = 6

// RoomIDAlphabet is the character set room identifiers are drawn from.
const RoomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ValidRoomID reports whether id has the 6-char uppercase alphanumeric shape.
func ValidRoomID(id RoomID) bool {
	if len(id) != RoomIDLen {
		return false
	}
	for _, c := range []byte(id) {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

type Room struct {
	ID           RoomID
	Participants map[ConnID]*Participant
	CreatedAt    time.Time
}

func NewRoom(id RoomID, now time.Time) *Room {
	return &Room{
		ID:           id,
		Participants: make(map[ConnID]*Participant),
		CreatedAt:    now,
	}
}

// Admin returns the current admin, if any.
func (r *Room) Admin() (*Participant, bool) {
	for _, p := range r.Participants {
		if p.IsAdmin {
			return p, true
		}
	}
	return nil, false
}

// Earliest returns the participant with the smallest JoinedAt. Ties break on ID.
func (r *Room) Earliest() (*Participant, bool) {
	var best *Participant
	for _, p := range r.Participants {
		if best == nil || p.JoinedAt.Before(best.JoinedAt) ||
			(p.JoinedAt.Equal(best.JoinedAt) && p.ID < best.ID) {
			best = p
		}
	}
	return best, best != nil
}

// Snapshot copies the membership, ordered by join time.
func (r *Room) Snapshot() RoomSnapshot {
	out := RoomSnapshot{
		RoomID:       r.ID,
		CreatedAt:    r.CreatedAt,
		Participants: make([]Participant, 0, len(r.Participants)),
	}
	for _, p := range r.Participants {
		out.Participants = append(out.Participants, *p)
	}
	sort.Slice(out.Participants, func(i, j int) bool {
		a, b := out.Participants[i], out.Participants[j]
		if a.JoinedAt.Equal(b.JoinedAt) {
			return a.ID < b.ID
		}
		return a.JoinedAt.Before(b.JoinedAt)
	})
	return out
}

// RoomSnapshot is a read-only view used for presence sync.
type RoomSnapshot struct {
	RoomID       RoomID        `json:"roomId"`
	CreatedAt    time.Time     `json:"createdAt"`
	Participants []Participant `json:"participants"`
}

func (s RoomSnapshot) Find(id ConnID) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

func (s RoomSnapshot) IDs() []ConnID {
	out := make([]ConnID, 0, len(s.Participants))
	for _, p := range s.Participants {
		out = append(out, p.ID)
	}
	return out
}
