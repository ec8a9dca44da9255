package app

import (
	"errors"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/dkeye/jamroom/internal/domain"
	"github.com/rs/zerolog"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func ana() domain.ParticipantInfo {
	return domain.ParticipantInfo{Name: "Ana", Instrument: "Guitar"}
}

func info(name string) domain.ParticipantInfo {
	return domain.ParticipantInfo{Name: name, Instrument: "Drums"}
}

// checkInvariant fails when a room exists without participants or membership disagrees.
func checkInvariant(t *testing.T, r *Registry) {
	t.Helper()
	for id, room := range r.rooms {
		if len(room.Participants) == 0 {
			t.Fatalf("room %s exists with no participants", id)
		}
		admins := 0
		for cid, p := range room.Participants {
			if r.members[cid] != id {
				t.Fatalf("participant %s in room %s but indexed to %q", cid, id, r.members[cid])
			}
			if p.IsAdmin {
				admins++
			}
		}
		if admins != 1 {
			t.Fatalf("room %s has %d admins", id, admins)
		}
	}
	for cid, id := range r.members {
		room, ok := r.rooms[id]
		if !ok {
			t.Fatalf("conn %s indexed to missing room %s", cid, id)
		}
		if _, ok := room.Participants[cid]; !ok {
			t.Fatalf("conn %s indexed to room %s but not a participant", cid, id)
		}
	}
}

func TestCreateRoomMakesCreatorAdmin(t *testing.T) {
	r := NewRegistry()
	res, err := r.CreateRoom("c1", ana())
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if !domain.ValidRoomID(res.Snapshot.RoomID) {
		t.Errorf("room id %q is not 6-char uppercase alphanumeric", res.Snapshot.RoomID)
	}
	if len(res.Snapshot.Participants) != 1 {
		t.Fatalf("participants = %d, want 1", len(res.Snapshot.Participants))
	}
	p := res.Snapshot.Participants[0]
	if p.ID != "c1" || !p.IsAdmin || p.Name != "Ana" || p.Instrument != "Guitar" {
		t.Errorf("creator = %+v", p)
	}
	checkInvariant(t, r)
}

func TestCreateRoomValidation(t *testing.T) {
	r := NewRegistry()
	_, err := r.CreateRoom("c1", domain.ParticipantInfo{Name: "Ana"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if rooms, _ := r.Stats(); rooms != 0 {
		t.Errorf("rooms = %d after failed create", rooms)
	}
}

func TestCreateRoomRegeneratesOnCollision(t *testing.T) {
	ids := []domain.RoomID{"AAAAAA", "AAAAAA", "BBBBBB"}
	r := NewRegistry(WithIDSource(func() (domain.RoomID, error) {
		id := ids[0]
		ids = ids[1:]
		return id, nil
	}))
	first, err := r.CreateRoom("c1", ana())
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.CreateRoom("c2", info("Bo"))
	if err != nil {
		t.Fatal(err)
	}
	if first.Snapshot.RoomID != "AAAAAA" || second.Snapshot.RoomID != "BBBBBB" {
		t.Errorf("ids = %s, %s", first.Snapshot.RoomID, second.Snapshot.RoomID)
	}
}

func TestCreateRoomIDExhausted(t *testing.T) {
	r := NewRegistry(WithIDSource(func() (domain.RoomID, error) { return "AAAAAA", nil }))
	if _, err := r.CreateRoom("c1", ana()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateRoom("c2", info("Bo")); !errors.Is(err, ErrRoomIDExhausted) {
		t.Fatalf("err = %v, want ErrRoomIDExhausted", err)
	}
}

func TestJoinRoom(t *testing.T) {
	r := NewRegistry()
	created, _ := r.CreateRoom("c1", ana())
	id := created.Snapshot.RoomID

	res, err := r.JoinRoom(id, "c2", info("Bo"))
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if !res.Joined || res.Participant.IsAdmin {
		t.Errorf("joined=%v admin=%v", res.Joined, res.Participant.IsAdmin)
	}
	if len(res.Snapshot.Participants) != 2 {
		t.Errorf("participants = %d", len(res.Snapshot.Participants))
	}

	again, err := r.JoinRoom(id, "c2", info("Bo"))
	if err != nil || again.Joined {
		t.Errorf("repeated join: joined=%v err=%v", again.Joined, err)
	}
	if len(again.Snapshot.Participants) != 2 {
		t.Errorf("repeated join mutated room: %d", len(again.Snapshot.Participants))
	}
	checkInvariant(t, r)
}

func TestJoinRoomNotFound(t *testing.T) {
	r := NewRegistry()
	if _, err := r.JoinRoom("ZZZZZZ", "c1", ana()); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
}

func TestJoinOtherRoomLeavesPrevious(t *testing.T) {
	r := NewRegistry()
	a, _ := r.CreateRoom("c1", ana())
	b, _ := r.CreateRoom("c2", info("Bo"))

	res, err := r.JoinRoom(b.Snapshot.RoomID, "c1", ana())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Previous.Ok || res.Previous.RoomID != a.Snapshot.RoomID || !res.Previous.RoomDeleted {
		t.Errorf("previous = %+v", res.Previous)
	}
	if _, ok := r.Snapshot(a.Snapshot.RoomID); ok {
		t.Errorf("old room still exists")
	}
	if got, _ := r.RoomOf("c1"); got != b.Snapshot.RoomID {
		t.Errorf("RoomOf = %s", got)
	}
	checkInvariant(t, r)
}

func TestAdminLeavePromotesEarliest(t *testing.T) {
	base := time.Unix(1700000000, 0)
	tick := 0
	r := NewRegistry(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	created, _ := r.CreateRoom("admin", ana())
	id := created.Snapshot.RoomID
	r.JoinRoom(id, "second", info("Bo"))
	r.JoinRoom(id, "third", info("Cy"))

	res := r.Leave("admin")
	if res.NewAdmin == nil || res.NewAdmin.ID != "second" {
		t.Fatalf("new admin = %+v, want second", res.NewAdmin)
	}
	if res.RoomDeleted {
		t.Fatalf("room deleted with 2 participants left")
	}
	if len(res.Remaining) != 2 {
		t.Errorf("remaining = %v", res.Remaining)
	}
	snap, ok := r.Snapshot(id)
	if !ok || len(snap.Participants) != 2 {
		t.Fatalf("snapshot = %+v ok=%v", snap, ok)
	}
	if p, _ := snap.Find("second"); !p.IsAdmin {
		t.Errorf("second is not admin in snapshot")
	}
	checkInvariant(t, r)
}

func TestNonAdminLeaveKeepsAdmin(t *testing.T) {
	r := NewRegistry()
	created, _ := r.CreateRoom("admin", ana())
	r.JoinRoom(created.Snapshot.RoomID, "guest", info("Bo"))
	if res := r.Leave("guest"); res.NewAdmin != nil {
		t.Errorf("unexpected admin change: %+v", res.NewAdmin)
	}
}

func TestLastLeaveDeletesRoom(t *testing.T) {
	r := NewRegistry()
	created, _ := r.CreateRoom("c1", ana())
	id := created.Snapshot.RoomID

	res := r.Leave("c1")
	if !res.Ok || !res.RoomDeleted {
		t.Fatalf("leave = %+v", res)
	}
	if _, err := r.JoinRoom(id, "c2", info("Bo")); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("join after delete err = %v", err)
	}
	if again := r.Leave("c1"); again.Ok {
		t.Errorf("second leave should be a no-op")
	}
}

func TestSetMedia(t *testing.T) {
	r := NewRegistry()
	created, _ := r.CreateRoom("c1", domain.ParticipantInfo{Name: "Ana", Instrument: "Guitar", Media: domain.MediaFlags{Audio: true}})
	id, ok := r.SetMedia("c1", domain.MediaVideo, true)
	if !ok || id != created.Snapshot.RoomID {
		t.Fatalf("SetMedia = %s %v", id, ok)
	}
	snap, _ := r.Snapshot(id)
	if f := snap.Participants[0].Media; !f.Audio || !f.Video {
		t.Errorf("media = %+v", f)
	}
	if _, ok := r.SetMedia("nobody", domain.MediaAudio, false); ok {
		t.Errorf("SetMedia on unknown conn reported ok")
	}
}

func TestRandomChurnKeepsInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := NewRegistry()
	conns := []domain.ConnID{"a", "b", "c", "d", "e", "f"}
	var known []domain.RoomID

	for i := 0; i < 2000; i++ {
		c := conns[rng.Intn(len(conns))]
		switch rng.Intn(4) {
		case 0:
			res, err := r.CreateRoom(c, info(string(c)))
			if err != nil {
				t.Fatal(err)
			}
			known = append(known, res.Snapshot.RoomID)
		case 1, 2:
			if len(known) == 0 {
				continue
			}
			id := known[rng.Intn(len(known))]
			_, err := r.JoinRoom(id, c, info(string(c)))
			if err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
				t.Fatal(err)
			}
			// join-then-immediate-leave
			if rng.Intn(3) == 0 {
				r.Leave(c)
			}
		case 3:
			r.Leave(c)
		}
		checkInvariant(t, r)
	}
}
