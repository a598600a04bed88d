package handler

import (
	"sync"
	"time"
)

const (
	// DefaultMessageRetention is how long an inbound message id is remembered.
	DefaultMessageRetention = 24 * time.Hour
	messageSweepInterval    = time.Hour
)

// messageSet remembers inbound message ids so webhook redeliveries are
// dropped. Expired ids are swept at most once per messageSweepInterval.
type messageSet struct {
	retention time.Duration

	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
}

func newMessageSet(retention time.Duration) *messageSet {
	return &messageSet{retention: retention, seen: make(map[string]time.Time)}
}

// firstSeen records id and reports whether it was not already known.
func (s *messageSet) firstSeen(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= messageSweepInterval {
		s.sweepLocked(now)
		s.lastSweep = now
	}
	if at, ok := s.seen[id]; ok && now.Sub(at) < s.retention {
		return false
	}
	s.seen[id] = now
	return true
}

func (s *messageSet) sweepLocked(now time.Time) {
	cutoff := now.Add(-s.retention)
	for id, at := range s.seen {
		if !at.After(cutoff) {
			delete(s.seen, id)
		}
	}
}

func (s *messageSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
