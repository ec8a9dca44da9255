package app

import (
	"errors"
	"time"

	"github.com/dkeye/jamroom/internal/domain"
	"github.com/rs/zerolog/log"
)

const maxIDAttempts = 64

var ErrRoomIDExhausted = errors.New("could not allocate a free room id")

// LeaveResult describes what a departure changed. Ok is false when the
// connection was not in any room.
type LeaveResult struct {
	Ok          bool
	RoomID      domain.RoomID
	Left        domain.Participant
	NewAdmin    *domain.Participant
	Remaining   []domain.ConnID
	RoomDeleted bool
}

// JoinResult describes a create or join. Joined is false for a repeated join
// of the same room. Previous is set when another room was left implicitly.
type JoinResult struct {
	Snapshot    domain.RoomSnapshot
	Participant domain.Participant
	Joined      bool
	Previous    LeaveResult
}

// Registry is the authoritative room -> participants map.
//
// It holds no locks: a Registry must be owned by a single goroutine (the
// signal hub loop) and every method runs to completion without blocking.
type Registry struct {
	rooms   map[domain.RoomID]*domain.Room
	members map[domain.ConnID]domain.RoomID

	newID func() (domain.RoomID, error)
	now   func() time.Time
	last  time.Time
}

type Option func(*Registry)

func WithIDSource(fn func() (domain.RoomID, error)) Option {
	return func(r *Registry) { r.newID = fn }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms:   make(map[domain.RoomID]*domain.Room),
		members: make(map[domain.ConnID]domain.RoomID),
		newID:   RandomRoomID,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// stamp keeps joinedAt strictly increasing so admin promotion is deterministic.
func (r *Registry) stamp() time.Time {
	t := r.now()
	if !t.After(r.last) {
		t = r.last.Add(time.Nanosecond)
	}
	r.last = t
	return t
}

func (r *Registry) allocateID() (domain.RoomID, error) {
	for range maxIDAttempts {
		id, err := r.newID()
		if err != nil {
			return "", err
		}
		if _, taken := r.rooms[id]; !taken {
			return id, nil
		}
		log.Debug().Str("module", "app.registry").Str("room", string(id)).Msg("room id collision, regenerating")
	}
	return "", ErrRoomIDExhausted
}

// CreateRoom allocates a fresh room with conn as its admin.
func (r *Registry) CreateRoom(conn domain.ConnID, info domain.ParticipantInfo) (JoinResult, error) {
	info, err := info.Normalize()
	if err != nil {
		return JoinResult{}, err
	}
	id, err := r.allocateID()
	if err != nil {
		return JoinResult{}, err
	}

	res := JoinResult{Previous: r.Leave(conn), Joined: true}

	now := r.stamp()
	room := domain.NewRoom(id, now)
	p := domain.NewParticipant(conn, info, true, now)
	room.Participants[conn] = &p
	r.rooms[id] = room
	r.members[conn] = id

	res.Participant = p
	res.Snapshot = room.Snapshot()
	log.Info().Str("module", "app.registry").Str("conn", string(conn)).Str("room", string(id)).Msg("room created")
	return res, nil
}

// JoinRoom adds conn to an existing room, leaving any other room first.
func (r *Registry) JoinRoom(id domain.RoomID, conn domain.ConnID, info domain.ParticipantInfo) (JoinResult, error) {
	info, err := info.Normalize()
	if err != nil {
		return JoinResult{}, err
	}
	room, ok := r.rooms[id]
	if !ok {
		return JoinResult{}, domain.ErrRoomNotFound
	}
	if cur, ok := r.members[conn]; ok && cur == id {
		return JoinResult{
			Snapshot:    room.Snapshot(),
			Participant: *room.Participants[conn],
		}, nil
	}

	res := JoinResult{Previous: r.Leave(conn), Joined: true}

	p := domain.NewParticipant(conn, info, false, r.stamp())
	room.Participants[conn] = &p
	r.members[conn] = id

	res.Participant = p
	res.Snapshot = room.Snapshot()
	log.Info().Str("module", "app.registry").Str("conn", string(conn)).Str("room", string(id)).
		Int("participants", len(room.Participants)).Msg("joined")
	return res, nil
}

// Leave removes conn from its room, promoting a new admin or deleting the room as needed.
func (r *Registry) Leave(conn domain.ConnID) LeaveResult {
	id, ok := r.members[conn]
	if !ok {
		return LeaveResult{}
	}
	delete(r.members, conn)

	room := r.rooms[id]
	left := *room.Participants[conn]
	delete(room.Participants, conn)

	res := LeaveResult{Ok: true, RoomID: id, Left: left}
	if len(room.Participants) == 0 {
		delete(r.rooms, id)
		res.RoomDeleted = true
		log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room deleted")
		return res
	}

	if left.IsAdmin {
		if next, ok := room.Earliest(); ok {
			next.IsAdmin = true
			promoted := *next
			res.NewAdmin = &promoted
			log.Info().Str("module", "app.registry").Str("room", string(id)).Str("admin", string(next.ID)).Msg("admin promoted")
		}
	}
	res.Remaining = room.Snapshot().IDs()
	log.Info().Str("module", "app.registry").Str("conn", string(conn)).Str("room", string(id)).Msg("left")
	return res
}

func (r *Registry) Snapshot(id domain.RoomID) (domain.RoomSnapshot, bool) {
	room, ok := r.rooms[id]
	if !ok {
		return domain.RoomSnapshot{}, false
	}
	return room.Snapshot(), true
}

func (r *Registry) RoomOf(conn domain.ConnID) (domain.RoomID, bool) {
	id, ok := r.members[conn]
	return id, ok
}

// SetMedia records a track toggle for conn and returns its room.
func (r *Registry) SetMedia(conn domain.ConnID, kind domain.MediaKind, enabled bool) (domain.RoomID, bool) {
	id, ok := r.members[conn]
	if !ok {
		return "", false
	}
	p := r.rooms[id].Participants[conn]
	p.Media = p.Media.Set(kind, enabled)
	return id, true
}

// Stats returns the number of rooms and participants.
func (r *Registry) Stats() (rooms, participants int) {
	return len(r.rooms), len(r.members)
}
