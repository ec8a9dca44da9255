// Package media holds the local capture tracks shared by every peer link.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/jamroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

var ErrStreamInUse = errors.New("stream still attached to peer links")

// Source acquires local tracks. It may return a partial stream together with
// an error wrapping domain.ErrMediaAcquisition.
type Source interface {
	Acquire(ctx context.Context, want domain.MediaFlags) (*Stream, error)
}

// Stream is reference counted: each peer link retains it while attached.
// Only the session owner stops it, once nothing holds a reference.
type Stream struct {
	mu      sync.Mutex
	tracks  []webrtc.TrackLocal
	muted   map[domain.MediaKind]bool
	refs    int
	stopped bool
	stop    func()
}

func NewStream(tracks []webrtc.TrackLocal, stop func()) *Stream {
	return &Stream{
		tracks: tracks,
		muted:  make(map[domain.MediaKind]bool),
		stop:   stop,
	}
}

// Empty is a stream without tracks, used when capture failed entirely.
func Empty() *Stream { return NewStream(nil, nil) }

func (s *Stream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Flags reports which kinds are captured and not muted.
func (s *Stream) Flags() domain.MediaFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	var f domain.MediaFlags
	for _, t := range s.tracks {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			f.Audio = !s.muted[domain.MediaAudio]
		case webrtc.RTPCodecTypeVideo:
			f.Video = !s.muted[domain.MediaVideo]
		}
	}
	return f
}

func (s *Stream) SetEnabled(kind domain.MediaKind, enabled bool) {
	s.mu.Lock()
	s.muted[kind] = !enabled
	s.mu.Unlock()
}

func (s *Stream) Enabled(kind domain.MediaKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.muted[kind]
}

func (s *Stream) Retain() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

func (s *Stream) Release() {
	s.mu.Lock()
	if s.refs > 0 {
		s.refs--
	}
	s.mu.Unlock()
}

func (s *Stream) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Stop ends capture. It refuses while any link still holds the stream.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		return ErrStreamInUse
	}
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.stop != nil {
		s.stop()
	}
	return nil
}

func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Static hands out a prepared stream. Useful for tests and headless clients.
type Static struct {
	Stream *Stream
	Err    error
}

func (s Static) Acquire(context.Context, domain.MediaFlags) (*Stream, error) {
	return s.Stream, s.Err
}
