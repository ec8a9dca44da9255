package app

import (
	"errors"
	"testing"

	"github.com/dkeye/jamroom/internal/domain"
)

func TestRelayRoute(t *testing.T) {
	r := NewRegistry()
	created, _ := r.CreateRoom("a", ana())
	id := created.Snapshot.RoomID
	r.JoinRoom(id, "b", info("Bo"))
	r.JoinRoom(id, "c", info("Cy"))
	relay := NewRelay(r)

	tests := []struct {
		name    string
		env     domain.SignalEnvelope
		want    []domain.ConnID
		wantErr error
	}{
		{"direct", domain.SignalEnvelope{To: "b", RoomID: id, Type: domain.SignalOffer}, []domain.ConnID{"b"}, nil},
		{"direct to absent socket still routed", domain.SignalEnvelope{To: "ghost", RoomID: id}, []domain.ConnID{"ghost"}, nil},
		{"broadcast skips sender", domain.SignalEnvelope{To: domain.Broadcast, RoomID: id}, []domain.ConnID{"b", "c"}, nil},
		{"broadcast unknown room", domain.SignalEnvelope{To: domain.Broadcast, RoomID: "NOROOM"}, nil, nil},
		{"to self", domain.SignalEnvelope{To: "a", RoomID: id}, nil, nil},
		{"matching from", domain.SignalEnvelope{From: "a", To: "c", RoomID: id}, []domain.ConnID{"c"}, nil},
		{"missing room", domain.SignalEnvelope{To: "b"}, nil, ErrMissingRoom},
		{"spoofed from", domain.SignalEnvelope{From: "b", To: "c", RoomID: id}, nil, ErrSenderMismatch},
		{"missing target", domain.SignalEnvelope{RoomID: id}, nil, ErrMissingTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := tt.env
			got, err := relay.Route("a", &env)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("targets = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("targets = %v, want %v", got, tt.want)
				}
			}
			if err == nil && env.From != "a" {
				t.Errorf("From = %q, want stamped sender", env.From)
			}
		})
	}
}

func TestSimplePolicy(t *testing.T) {
	p := SimplePolicy{MaxDrops: 3}
	if got := p.OnBackpressure("x", 2); got != DropFrame {
		t.Errorf("2 drops -> %v", got)
	}
	if got := p.OnBackpressure("x", 3); got != KickConn {
		t.Errorf("3 drops -> %v", got)
	}
	if got := (SimplePolicy{}).OnBackpressure("x", 100); got != DropFrame {
		t.Errorf("unbounded policy kicked")
	}
}
