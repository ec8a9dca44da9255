package sched

import (
	"sync"
	"time"
)

type TimerID uint64

// Scheduler tracks live timers by id. A callback runs only if its id is still
// registered when the underlying timer fires, so Cancel and CancelAll win over
// any timer that has not started running yet.
type Scheduler struct {
	clock Clock

	mu     sync.Mutex
	next   TimerID
	timers map[TimerID]Timer
}

func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	return &Scheduler{
		clock:  clock,
		timers: make(map[TimerID]Timer),
	}
}

func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// After runs fn once after d.
func (s *Scheduler) After(d time.Duration, fn func()) TimerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.timers[id] = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if live {
			fn()
		}
	})
	return id
}

// Every runs fn every d until cancelled. The first run is after d.
func (s *Scheduler) Every(d time.Duration, fn func()) TimerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	var tick func()
	tick = func() {
		s.mu.Lock()
		if _, live := s.timers[id]; !live {
			s.mu.Unlock()
			return
		}
		s.timers[id] = s.clock.AfterFunc(d, tick)
		s.mu.Unlock()
		fn()
	}
	s.timers[id] = s.clock.AfterFunc(d, tick)
	return id
}

// Cancel stops one timer. It reports whether the timer was still pending.
func (s *Scheduler) Cancel(id TimerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	delete(s.timers, id)
	t.Stop()
	return true
}

// CancelAll stops every pending timer and returns how many there were.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.timers)
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	return n
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
