package signal

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/jamroom/internal/app"
	"github.com/dkeye/jamroom/internal/core"
	"github.com/dkeye/jamroom/internal/domain"
	"github.com/dkeye/jamroom/internal/protocol"
	"github.com/rs/zerolog"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type fakeConn struct {
	id     domain.ConnID
	mu     sync.Mutex
	frames []protocol.Message
	full   bool
	closed bool
}

func (f *fakeConn) ID() domain.ConnID { return f.id }

func (f *fakeConn) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrConnClosed
	}
	if f.full {
		return ErrBackpressure
	}
	m, err := protocol.Decode(fr)
	if err != nil {
		return err
	}
	f.frames = append(f.frames, m)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// take returns and clears the received frames.
func (f *fakeConn) take() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.frames
	f.frames = nil
	return out
}

func (f *fakeConn) events() []protocol.Event {
	var out []protocol.Event
	for _, m := range f.take() {
		out = append(out, m.Event)
	}
	return out
}

func (f *fakeConn) last(t *testing.T, ev protocol.Event, v any) {
	t.Helper()
	frames := f.take()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == ev {
			if err := frames[i].Bind(v); err != nil {
				t.Fatalf("bind %s: %v", ev, err)
			}
			return
		}
	}
	t.Fatalf("%s: no %s frame", f.id, ev)
}

func newTestHub(d Deps) *Hub {
	return NewHub(HubConfig{}, d)
}

func connect(h *Hub, id domain.ConnID) *fakeConn {
	c := &fakeConn{id: id}
	h.attach(c)
	c.take() // welcome
	return c
}

func frame(t *testing.T, ev protocol.Event, v any) []byte {
	t.Helper()
	b, err := protocol.Encode(ev, v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func createRoom(t *testing.T, h *Hub, c *fakeConn, name string) domain.RoomID {
	t.Helper()
	h.dispatch(c.id, frame(t, protocol.EventCreateRoom, protocol.CreateRoom{Name: name, Instrument: "Guitar"}))
	var st protocol.RoomState
	c.last(t, protocol.EventRoomCreated, &st)
	return st.RoomID
}

func TestAttachSendsWelcome(t *testing.T) {
	h := newTestHub(Deps{})
	c := &fakeConn{id: "c1"}
	h.attach(c)
	var w protocol.Welcome
	c.last(t, protocol.EventWelcome, &w)
	if w.UserID != "c1" {
		t.Errorf("welcome user = %s", w.UserID)
	}
}

func TestCreateAndJoinBroadcastsPresence(t *testing.T) {
	h := newTestHub(Deps{})
	ana := connect(h, "ana")
	bo := connect(h, "bo")

	id := createRoom(t, h, ana, "Ana")
	if !domain.ValidRoomID(id) {
		t.Fatalf("room id %q", id)
	}

	h.dispatch(bo.id, frame(t, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: id, Name: "Bo", Instrument: "Bass"}))

	var st protocol.RoomState
	frames := bo.take()
	if len(frames) != 2 || frames[0].Event != protocol.EventRoomJoined || frames[1].Event != protocol.EventUserJoined {
		t.Fatalf("bo frames = %+v", frames)
	}
	if err := frames[0].Bind(&st); err != nil {
		t.Fatal(err)
	}
	if len(st.Participants) != 2 || st.UserID != "bo" {
		t.Errorf("room state = %+v", st)
	}

	var uj protocol.UserJoined
	ana.last(t, protocol.EventUserJoined, &uj)
	if uj.User.ID != "bo" || uj.User.IsAdmin {
		t.Errorf("user_joined = %+v", uj.User)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	h := newTestHub(Deps{})
	c := connect(h, "c")
	h.dispatch(c.id, frame(t, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "NOPE00", Name: "C", Instrument: "Keys"}))
	var e protocol.RoomError
	c.last(t, protocol.EventJoinRoomError, &e)
	if e.Code != protocol.CodeRoomNotFound {
		t.Errorf("code = %s", e.Code)
	}
}

func TestCreateValidationError(t *testing.T) {
	h := newTestHub(Deps{})
	c := connect(h, "c")
	h.dispatch(c.id, frame(t, protocol.EventCreateRoom, protocol.CreateRoom{Name: "C"}))
	var e protocol.RoomError
	c.last(t, protocol.EventCreateRoomError, &e)
	if e.Code != protocol.CodeValidation {
		t.Errorf("code = %s", e.Code)
	}
}

func TestAdminDisconnectPromotes(t *testing.T) {
	h := newTestHub(Deps{})
	a := connect(h, "a")
	b := connect(h, "b")
	c := connect(h, "c")
	id := createRoom(t, h, a, "A")
	h.dispatch(b.id, frame(t, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: id, Name: "B", Instrument: "x"}))
	h.dispatch(c.id, frame(t, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: id, Name: "C", Instrument: "x"}))
	b.take()
	c.take()

	h.detach("a")

	for _, fc := range []*fakeConn{b, c} {
		got := fc.events()
		if len(got) != 2 || got[0] != protocol.EventUserLeft || got[1] != protocol.EventAdminChanged {
			t.Fatalf("%s events = %v", fc.id, got)
		}
	}
	snap, ok := h.reg.Snapshot(id)
	if !ok || len(snap.Participants) != 2 {
		t.Fatalf("room after admin leave = %+v", snap)
	}
	if p, _ := snap.Find("b"); !p.IsAdmin {
		t.Errorf("b not promoted")
	}
	if !a.closed {
		t.Errorf("detached socket not closed")
	}
}

func TestLeaveRoomDeletesWhenEmpty(t *testing.T) {
	h := newTestHub(Deps{})
	a := connect(h, "a")
	id := createRoom(t, h, a, "A")
	h.dispatch(a.id, frame(t, protocol.EventLeaveRoom, struct{}{}))
	var left protocol.RoomLeft
	a.last(t, protocol.EventRoomLeft, &left)
	if left.RoomID != id {
		t.Errorf("room_left = %s", left.RoomID)
	}
	if _, ok := h.reg.Snapshot(id); ok {
		t.Errorf("empty room kept")
	}
}

func TestRelayWebRTCSignal(t *testing.T) {
	h := newTestHub(Deps{})
	a := connect(h, "a")
	b := connect(h, "b")
	id := createRoom(t, h, a, "A")
	h.dispatch(b.id, frame(t, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: id, Name: "B", Instrument: "x"}))
	a.take()
	b.take()

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	h.dispatch(a.id, frame(t, protocol.EventWebRTCSignal, protocol.WebRTCSignal{To: "b", Type: domain.SignalOffer, Signal: sdp, RoomID: id}))

	var got protocol.WebRTCSignal
	b.last(t, protocol.EventWebRTCSignal, &got)
	if got.From != "a" || got.Type != domain.SignalOffer || string(got.Signal) != string(sdp) {
		t.Errorf("relayed = %+v", got)
	}
	if n := len(a.take()); n != 0 {
		t.Errorf("sender got %d frames", n)
	}
}

func TestRelayRejectsSpoofedSender(t *testing.T) {
	h := newTestHub(Deps{})
	a := connect(h, "a")
	b := connect(h, "b")
	h.dispatch(a.id, frame(t, protocol.EventPingRequest, protocol.Ping{From: "b", To: "b", RoomID: "ROOM01", Timestamp: 1}))
	var e protocol.SignalError
	a.last(t, protocol.EventSignalError, &e)
	if len(b.take()) != 0 {
		t.Errorf("spoofed ping delivered")
	}
}

func TestRelayRejectsMissingRoom(t *testing.T) {
	h := newTestHub(Deps{})
	a := connect(h, "a")
	b := connect(h, "b")
	h.dispatch(a.id, frame(t, protocol.EventWebRTCSignal, protocol.WebRTCSignal{To: "b", Type: domain.SignalCandidate}))
	var e protocol.SignalError
	a.last(t, protocol.EventSignalError, &e)
	if len(b.take()) != 0 {
		t.Errorf("signal without room delivered")
	}
}

func TestRelayDropsAbsentTargetSilently(t *testing.T) {
	h := newTestHub(Deps{})
	a := connect(h, "a")
	h.dispatch(a.id, frame(t, protocol.EventPingRequest, protocol.Ping{To: "ghost", RoomID: "ROOM01", Timestamp: 1}))
	if got := a.take(); len(got) != 0 {
		t.Errorf("sender notified about absent target: %+v", got)
	}
}

func TestRelayReconnectAndQuality(t *testing.T) {
	h := newTestHub(Deps{})
	a := connect(h, "a")
	b := connect(h, "b")
	c := connect(h, "c")
	id := createRoom(t, h, a, "A")
	for _, fc := range []*fakeConn{b, c} {
		h.dispatch(fc.id, frame(t, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: id, Name: string(fc.id), Instrument: "x"}))
	}
	a.take()
	b.take()
	c.take()

	h.dispatch(a.id, frame(t, protocol.EventRequestReconnect, protocol.ReconnectRequest{UserID: "b", RoomID: id}))
	var rr protocol.ReconnectRequest
	b.last(t, protocol.EventRequestReconnect, &rr)
	if rr.UserID != "a" {
		t.Errorf("reconnect request names %s, want requester a", rr.UserID)
	}
	if len(c.take()) != 0 {
		t.Errorf("reconnect request leaked to c")
	}

	h.dispatch(a.id, frame(t, protocol.EventConnectionQuality, protocol.ConnectionQuality{RoomID: id, Score: 0.8, Category: domain.QualityGood, Latency: 150}))
	for _, fc := range []*fakeConn{b, c} {
		var q protocol.ConnectionQuality
		fc.last(t, protocol.EventConnectionQuality, &q)
		if q.UserID != "a" || q.Score != 0.8 {
			t.Errorf("%s got quality %+v", fc.id, q)
		}
	}
	if len(a.take()) != 0 {
		t.Errorf("quality echoed to sender")
	}
}

func TestTrackToggleAndUserList(t *testing.T) {
	h := newTestHub(Deps{})
	a := connect(h, "a")
	b := connect(h, "b")
	id := createRoom(t, h, a, "A")
	h.dispatch(b.id, frame(t, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: id, Name: "B", Instrument: "x"}))
	a.take()
	b.take()

	h.dispatch(b.id, frame(t, protocol.EventTrackToggle, protocol.TrackToggle{Type: domain.MediaAudio, Enabled: true}))
	var tt protocol.TrackToggle
	a.last(t, protocol.EventTrackToggle, &tt)
	if tt.UserID != "b" || !tt.Enabled || tt.Type != domain.MediaAudio {
		t.Errorf("track_toggle = %+v", tt)
	}

	h.dispatch(a.id, frame(t, protocol.EventRequestUserList, protocol.RequestUserList{}))
	var ul protocol.UserList
	a.last(t, protocol.EventUserList, &ul)
	if ul.RoomID != id || len(ul.Users) != 2 {
		t.Fatalf("user_list = %+v", ul)
	}
	if !ul.Users[1].Media.Audio {
		t.Errorf("media flag not reflected: %+v", ul.Users[1])
	}
}

func TestRateLimitedJoin(t *testing.T) {
	h := newTestHub(Deps{Limiter: NewRoomRateLimiter(1, time.Minute)})
	a := connect(h, "a")
	createRoom(t, h, a, "A")
	h.dispatch(a.id, frame(t, protocol.EventCreateRoom, protocol.CreateRoom{Name: "A", Instrument: "x"}))
	var e protocol.RoomError
	a.last(t, protocol.EventCreateRoomError, &e)
	if e.Code != protocol.CodeRateLimited {
		t.Errorf("code = %s", e.Code)
	}
}

func TestBackpressureKicksSlowConsumer(t *testing.T) {
	h := newTestHub(Deps{Policy: app.SimplePolicy{MaxDrops: 2}})
	a := connect(h, "a")
	b := connect(h, "b")
	id := createRoom(t, h, a, "A")
	h.dispatch(b.id, frame(t, protocol.EventJoinRoom, protocol.JoinRoom{RoomID: id, Name: "B", Instrument: "x"}))
	b.full = true

	ping := frame(t, protocol.EventPingRequest, protocol.Ping{To: "b", RoomID: id, Timestamp: 1})
	h.dispatch(a.id, ping)
	h.flushKicks()
	if b.closed {
		t.Fatalf("kicked after first drop")
	}
	h.dispatch(a.id, ping)
	h.flushKicks()
	if !b.closed {
		t.Fatalf("slow consumer not closed")
	}
	if _, ok := h.reg.RoomOf("b"); ok {
		t.Errorf("kicked socket still in room")
	}
}

func TestSnapshotThroughLoop(t *testing.T) {
	h := newTestHub(Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	_, ok, err := h.Snapshot(ctx, "NOPE00")
	if err != nil || ok {
		t.Fatalf("Snapshot = ok %v err %v", ok, err)
	}
	cancel()
	<-h.done
	if _, _, err := h.Snapshot(context.Background(), "NOPE00"); err != ErrHubClosed {
		t.Errorf("err after stop = %v", err)
	}
}
