package monitor

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/jamroom/internal/client/peer"
	"github.com/dkeye/jamroom/internal/client/sched"
	"github.com/dkeye/jamroom/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestMain(m *testing.M) {
	log.Logger = zerolog.New(io.Discard)
	os.Exit(m.Run())
}

type linkCall struct {
	peer      domain.ConnID
	initiator bool
	at        time.Time
}

type fakeLinks struct {
	clock  *sched.ManualClock
	mu     sync.Mutex
	closed []domain.ConnID
	calls  []linkCall
}

func (f *fakeLinks) EnsureLink(_ context.Context, id domain.ConnID, initiator bool) (*peer.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, linkCall{peer: id, initiator: initiator, at: f.clock.Now()})
	return nil, nil
}

func (f *fakeLinks) CloseLink(id domain.ConnID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
}

func (f *fakeLinks) ensured() []linkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]linkCall(nil), f.calls...)
}

type ping struct {
	to domain.ConnID
	ts int64
}

type fakeSignaler struct {
	mu        sync.Mutex
	pings     []ping
	reconnect []domain.ConnID
}

func (f *fakeSignaler) SendPing(to domain.ConnID, ts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings = append(f.pings, ping{to, ts})
	return nil
}

func (f *fakeSignaler) SendReconnectRequest(to domain.ConnID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnect = append(f.reconnect, to)
	return nil
}

func (f *fakeSignaler) lastPing(t *testing.T) ping {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pings) == 0 {
		t.Fatal("no ping sent")
	}
	return f.pings[len(f.pings)-1]
}

func (f *fakeSignaler) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pings)
}

func (f *fakeSignaler) reconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reconnect)
}

type fixture struct {
	clock     *sched.ManualClock
	links     *fakeLinks
	sig       *fakeSignaler
	mon       *Monitor
	mu        sync.Mutex
	samples   []domain.QualitySample
	exhausted []domain.ConnID
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := sched.NewManualClock(time.Unix(1_700_000_000, 0))
	f := &fixture{clock: clock, links: &fakeLinks{clock: clock}, sig: &fakeSignaler{}}
	f.mon = New(cfg, clock, f.links, f.sig, Hooks{
		OnQuality: func(s domain.QualitySample) {
			f.mu.Lock()
			f.samples = append(f.samples, s)
			f.mu.Unlock()
		},
		OnExhausted: func(id domain.ConnID) {
			f.mu.Lock()
			f.exhausted = append(f.exhausted, id)
			f.mu.Unlock()
		},
	})
	f.mon.Start("ROOM01")
	t.Cleanup(f.mon.Stop)
	return f
}

func TestBackoffDelays(t *testing.T) {
	cfg := DefaultConfig()
	want := []time.Duration{2000, 3000, 4500, 6750}
	for i, w := range want {
		if got := cfg.Backoff(i + 1); got != w*time.Millisecond {
			t.Fatalf("Backoff(%d) = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
	if cfg.Backoff(0) != cfg.Backoff(1) {
		t.Fatal("Backoff(0) should clamp to the first attempt")
	}
}

func TestPongScoresLatency(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mon.Track("b")

	f.clock.Advance(3 * time.Second)
	p := f.sig.lastPing(t)
	if p.to != "b" {
		t.Fatalf("ping to %s", p.to)
	}
	f.clock.Advance(150 * time.Millisecond)
	f.mon.HandlePong("b", p.ts)

	q, ok := f.mon.Quality("b")
	if !ok {
		t.Fatal("no quality sample")
	}
	if q.Score != 0.8 || q.Category != domain.QualityGood || q.LatencyMs != 150 {
		t.Fatalf("sample = %+v", q)
	}
	if f.mon.State("b") != domain.PeerConnected {
		t.Fatalf("state = %s", f.mon.State("b"))
	}
	if len(f.samples) != 1 {
		t.Fatalf("quality hook calls = %d", len(f.samples))
	}
}

func TestUnknownDefaults(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	if _, ok := f.mon.Quality("nobody"); ok {
		t.Fatal("quality for unknown peer")
	}
	if f.mon.State("nobody") != domain.PeerUnknown {
		t.Fatal("state for unknown peer")
	}
}

func TestTimeoutSchedulesReconnect(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mon.Track("b")

	f.clock.Advance(8 * time.Second) // first ping at 3s times out at 8s
	if got := f.mon.State("b"); got != domain.PeerReconnecting {
		t.Fatalf("state = %s", got)
	}
	if len(f.links.ensured()) != 0 {
		t.Fatal("attempt ran before backoff")
	}
	f.clock.Advance(1999 * time.Millisecond)
	if len(f.links.ensured()) != 0 {
		t.Fatal("attempt ran early")
	}
	f.clock.Advance(time.Millisecond)
	calls := f.links.ensured()
	if len(calls) != 1 || calls[0].peer != "b" || !calls[0].initiator {
		t.Fatalf("ensure calls = %+v", calls)
	}
	if f.sig.reconnects() != 1 || len(f.links.closed) != 1 {
		t.Fatalf("reconnect requests = %d, closes = %d", f.sig.reconnects(), len(f.links.closed))
	}
	if f.mon.Attempts("b") != 1 {
		t.Fatalf("attempts = %d", f.mon.Attempts("b"))
	}
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mon.Track("b")

	f.clock.Advance(20 * time.Minute)

	calls := f.links.ensured()
	if len(calls) != 10 {
		t.Fatalf("attempts = %d, want 10", len(calls))
	}
	if f.mon.State("b") != domain.PeerDisconnected {
		t.Fatalf("state = %s", f.mon.State("b"))
	}
	if len(f.exhausted) != 1 || f.exhausted[0] != "b" {
		t.Fatalf("exhausted = %v", f.exhausted)
	}
	// Attempt n+1 follows attempt n by exactly Backoff(n+1).
	cfg := DefaultConfig()
	start := time.Unix(1_700_000_000, 0)
	if got := calls[0].at.Sub(start); got != 8*time.Second+cfg.Backoff(1) {
		t.Fatalf("first attempt at +%v", got)
	}
	for i := 1; i < len(calls); i++ {
		if gap := calls[i].at.Sub(calls[i-1].at); gap != cfg.Backoff(i+1) {
			t.Fatalf("gap before attempt %d = %v, want %v", i+1, gap, cfg.Backoff(i+1))
		}
	}

	// Terminal until the peer joins again.
	pings := f.sig.pingCount()
	f.clock.Advance(time.Minute)
	if f.sig.pingCount() != pings {
		t.Fatal("disconnected peer still probed")
	}
	f.mon.PeerJoined("b")
	if f.mon.State("b") != domain.PeerUnknown {
		t.Fatalf("state after rejoin = %s", f.mon.State("b"))
	}
	f.clock.Advance(3 * time.Second)
	if f.sig.pingCount() != pings+1 {
		t.Fatal("rejoined peer not probed")
	}
}

func TestGivesUpAtAttemptPastCeiling(t *testing.T) {
	cfg := DefaultConfig()
	f := newFixture(t, cfg)
	f.mon.Track("b")

	// Timeout at 8s, then attempts 1..10 and the give-up slot 11.
	giveUp := 8 * time.Second
	for n := 1; n <= cfg.MaxAttempts+1; n++ {
		giveUp += cfg.Backoff(n)
	}
	f.clock.Advance(giveUp - time.Millisecond)
	if f.mon.State("b") != domain.PeerReconnecting || len(f.exhausted) != 0 {
		t.Fatalf("state = %s exhausted = %v", f.mon.State("b"), f.exhausted)
	}
	if n := len(f.links.ensured()); n != cfg.MaxAttempts {
		t.Fatalf("attempts = %d", n)
	}
	f.clock.Advance(time.Millisecond)
	if f.mon.State("b") != domain.PeerDisconnected || len(f.exhausted) != 1 {
		t.Fatalf("state = %s exhausted = %v", f.mon.State("b"), f.exhausted)
	}
	if n := len(f.links.ensured()); n != cfg.MaxAttempts {
		t.Fatalf("attempt ran past the ceiling: %d", n)
	}
}

func TestPongEndsRecovery(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mon.Track("b")
	f.clock.Advance(10 * time.Second) // timeout at 8s, attempt at 10s
	if f.mon.Attempts("b") != 1 {
		t.Fatalf("attempts = %d", f.mon.Attempts("b"))
	}
	f.clock.Advance(2 * time.Second) // ping at 12s
	f.mon.HandlePong("b", f.sig.lastPing(t).ts)
	if f.mon.State("b") != domain.PeerConnected || f.mon.Attempts("b") != 0 {
		t.Fatalf("state = %s attempts = %d", f.mon.State("b"), f.mon.Attempts("b"))
	}
	// The chained second attempt at 13s is cancelled.
	f.clock.Advance(5 * time.Second)
	if n := len(f.links.ensured()); n != 1 {
		t.Fatalf("attempts after pong = %d", n)
	}
}

func TestLatePongIgnored(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mon.Track("b")
	f.clock.Advance(3 * time.Second)
	ts := f.sig.lastPing(t).ts
	f.clock.Advance(5 * time.Second) // timed out
	f.mon.HandlePong("b", ts)
	if _, ok := f.mon.Quality("b"); ok {
		t.Fatal("late pong produced a sample")
	}
	if f.mon.State("b") != domain.PeerReconnecting {
		t.Fatalf("state = %s", f.mon.State("b"))
	}
	f.mon.HandlePong("b", 42)
	f.mon.HandlePong("ghost", ts)
}

func TestNoTimerFiresAfterStop(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mon.Track("b")
	f.mon.Track("c")
	f.clock.Advance(8 * time.Second)
	if f.mon.Pending() == 0 {
		t.Fatal("expected pending timers")
	}

	f.mon.Stop()
	pings, ensures := f.sig.pingCount(), len(f.links.ensured())
	f.clock.Advance(10 * time.Minute)
	if f.sig.pingCount() != pings || len(f.links.ensured()) != ensures {
		t.Fatal("timer fired after Stop")
	}
	if f.mon.Pending() != 0 {
		t.Fatalf("pending = %d", f.mon.Pending())
	}
	if f.mon.State("b") != domain.PeerUnknown {
		t.Fatal("peers kept after Stop")
	}
}

func TestStaleSweep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PingTimeout = time.Minute
	f := newFixture(t, cfg)
	f.mon.Track("b")

	f.clock.Advance(3 * time.Second)
	f.mon.HandlePong("b", f.sig.lastPing(t).ts)

	f.clock.Advance(11*time.Second + 999*time.Millisecond)
	if f.mon.State("b") != domain.PeerConnected {
		t.Fatalf("state before stale = %s", f.mon.State("b"))
	}
	f.clock.Advance(time.Millisecond) // tick at 15s, 12s since last pong
	if f.mon.State("b") != domain.PeerReconnecting {
		t.Fatalf("state after stale = %s", f.mon.State("b"))
	}
}

func TestSignalingDownAndRestored(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mon.Track("b")
	f.clock.Advance(3 * time.Second)
	f.mon.HandlePong("b", f.sig.lastPing(t).ts)

	f.mon.SignalingDown()
	if f.mon.State("b") != domain.PeerReconnecting {
		t.Fatalf("state = %s", f.mon.State("b"))
	}
	pings := f.sig.pingCount()
	f.clock.Advance(30 * time.Second)
	if f.sig.pingCount() != pings || len(f.links.ensured()) != 0 {
		t.Fatal("monitor active while signaling down")
	}

	f.mon.SignalingRestored()
	calls := f.links.ensured()
	if len(calls) != 1 || !calls[0].initiator || f.sig.reconnects() != 1 {
		t.Fatalf("restore attempts = %+v", calls)
	}
	f.clock.Advance(3 * time.Second)
	if f.sig.pingCount() != pings+1 {
		t.Fatal("probing not resumed")
	}
}

func TestRemoteReconnectRequest(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mon.Track("b")

	f.mon.HandleReconnectRequest("b", "OTHER1")
	if len(f.links.ensured()) != 0 {
		t.Fatal("request for another room handled")
	}

	f.mon.HandleReconnectRequest("b", "ROOM01")
	calls := f.links.ensured()
	if len(calls) != 1 || calls[0].initiator {
		t.Fatalf("calls = %+v", calls)
	}
	if len(f.links.closed) != 1 || f.links.closed[0] != "b" {
		t.Fatalf("closed = %v", f.links.closed)
	}
}

func TestReconnectRequestFromUntrackedPeer(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mon.HandleReconnectRequest("stranger", "ROOM01")
	if len(f.links.ensured()) != 0 || len(f.links.closed) != 0 {
		t.Fatal("link touched for an untracked peer")
	}
	if f.mon.State("stranger") != domain.PeerUnknown {
		t.Fatalf("state = %s", f.mon.State("stranger"))
	}
	f.clock.Advance(6 * time.Second)
	if f.sig.pingCount() != 0 {
		t.Fatal("untracked peer probed")
	}
}

func TestCallbacksFromPreviousSessionIgnored(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mon.Track("b")
	f.clock.Advance(3 * time.Second)
	ts := f.sig.lastPing(t).ts

	f.mon.mu.Lock()
	old := f.mon.gen
	f.mon.mu.Unlock()
	f.mon.Stop()
	f.mon.Start("ROOM02")
	f.mon.Track("b")
	pings := f.sig.pingCount()

	f.mon.tick(old)
	f.mon.onTimeout(old, "b", ts)
	f.mon.attempt(old, "b")
	if f.sig.pingCount() != pings {
		t.Fatal("stale tick probed the new session")
	}
	if f.mon.State("b") != domain.PeerUnknown || len(f.links.ensured()) != 0 {
		t.Fatalf("stale callbacks changed state: %s, %d links", f.mon.State("b"), len(f.links.ensured()))
	}
}

func TestLinkStateDrivesRecovery(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.mon.Track("b")

	f.mon.OnLinkState("b", domain.LinkConnected)
	if f.mon.State("b") != domain.PeerConnected {
		t.Fatalf("state = %s", f.mon.State("b"))
	}
	f.mon.OnLinkState("b", domain.LinkDisconnected)
	if f.mon.State("b") != domain.PeerReconnecting || f.mon.Pending() == 0 {
		t.Fatalf("state = %s pending = %d", f.mon.State("b"), f.mon.Pending())
	}
	f.mon.OnLinkState("b", domain.LinkConnected)
	if f.mon.State("b") != domain.PeerConnected || f.mon.Attempts("b") != 0 {
		t.Fatal("transport connect did not end recovery")
	}
	f.clock.Advance(2 * time.Second)
	if len(f.links.ensured()) != 0 {
		t.Fatal("cancelled attempt ran")
	}
}
