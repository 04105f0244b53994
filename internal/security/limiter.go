package security

import (
	"sync"
	"time"
)

// slidingLimiter enforces a per-identity request budget over a sliding time
// window, tracked as raw timestamps.
type slidingLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	seen   map[string][]int64 // unix nanos
}

func newSlidingLimiter(max int, window time.Duration) *slidingLimiter {
	return &slidingLimiter{max: max, window: window, seen: map[string][]int64{}}
}

func (l *slidingLimiter) allow(identity string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window).UnixNano()
	stamps := l.seen[identity]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.seen[identity] = kept
		return false
	}
	l.seen[identity] = append(kept, now.UnixNano())
	return true
}

// Circuit breaker states.
const (
	breakerClosed   = "closed"
	breakerOpen     = "open"
	breakerHalfOpen = "half_open"
)

type breaker struct {
	state         string
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// breakerSet keys circuit breakers by identity. A breaker trips open after a
// configured run of consecutive failures, admits a single probe after the
// cool-down, and closes again when the probe succeeds.
type breakerSet struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	breakers  map[string]*breaker
}

func newBreakerSet(threshold int, cooldown time.Duration) *breakerSet {
	return &breakerSet{threshold: threshold, cooldown: cooldown, breakers: map[string]*breaker{}}
}

func (s *breakerSet) get(identity string) *breaker {
	b, ok := s.breakers[identity]
	if !ok {
		b = &breaker{state: breakerClosed}
		s.breakers[identity] = b
	}
	return b
}

func (s *breakerSet) allow(identity string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(identity)
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if now.Sub(b.openedAt) >= s.cooldown {
			b.state = breakerHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case breakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

func (s *breakerSet) recordSuccess(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(identity)
	if b.state == breakerHalfOpen {
		b.state = breakerClosed
	}
	b.failures = 0
	b.probeInFlight = false
}

func (s *breakerSet) recordFailure(identity string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(identity)
	switch b.state {
	case breakerHalfOpen:
		b.state = breakerOpen
		b.openedAt = now
		b.probeInFlight = false
	case breakerClosed:
		b.failures++
		if b.failures >= s.threshold {
			b.state = breakerOpen
			b.openedAt = now
		}
	}
}

func (s *breakerSet) state(identity string, now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.get(identity)
	if b.state == breakerOpen && now.Sub(b.openedAt) >= s.cooldown {
		return breakerHalfOpen
	}
	return b.state
}
