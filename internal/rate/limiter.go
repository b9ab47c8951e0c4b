// Package rate throttles per-participant bid submissions. A token bucket per
// participant absorbs honest bursts while capping sustained rates; the engine
// rejects over-limit submissions before any book state is touched.
package rate

import (
	"sync"
	"time"
)

// Config defines the submission throttle.
type Config struct {
	PerMinute int // sustained submissions per minute
	Burst     int // bucket size
}

// Limiter is one participant's token bucket.
type Limiter struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	rate   float64 // tokens per second
	burst  float64
	now    func() time.Time
}

func New(cfg Config, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		tokens: float64(cfg.Burst),
		last:   now(),
		rate:   float64(cfg.PerMinute) / 60,
		burst:  float64(cfg.Burst),
		now:    now,
	}
}

// Allow consumes one token when available.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now

	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}

	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// Manager holds one limiter per participant, created on first use.
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	defaults Config
	now      func() time.Time
}

func NewManager(defaults Config, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		limiters: make(map[string]*Limiter),
		defaults: defaults,
		now:      now,
	}
}

// Allow reports whether the participant may submit now.
func (m *Manager) Allow(participantID string) bool {
	return m.limiter(participantID).Allow()
}

func (m *Manager) limiter(participantID string) *Limiter {
	m.mu.RLock()
	if lim, ok := m.limiters[participantID]; ok {
		m.mu.RUnlock()
		return lim
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok := m.limiters[participantID]; ok {
		return lim
	}
	lim := New(m.defaults, m.now)
	m.limiters[participantID] = lim
	return lim
}
