package decoder

import (
	"sync"
	"sync/atomic"
	"time"
)

// WarnLimiter caps how many framing warnings each stream may log per
// window. A resynchronizing stream slips one byte at a time and would
// otherwise log once per byte.
type WarnLimiter struct {
	mu           sync.Mutex
	current      map[string]*atomic.Int64 // stream → warnings in current window
	windowStart  time.Time
	windowSize   time.Duration
	maxPerWindow int64

	suppressed atomic.Int64
}

// WarnLimiterConfig configures a WarnLimiter.
type WarnLimiterConfig struct {
	MaxPerWindow int           // 0 = unlimited
	Window       time.Duration // default 10s
}

// NewWarnLimiter creates a limiter. Returns nil if disabled (MaxPerWindow <= 0);
// a nil limiter allows everything.
func NewWarnLimiter(cfg WarnLimiterConfig) *WarnLimiter {
	if cfg.MaxPerWindow <= 0 {
		return nil
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	return &WarnLimiter{
		current:      make(map[string]*atomic.Int64),
		windowStart:  time.Now(),
		windowSize:   cfg.Window,
		maxPerWindow: int64(cfg.MaxPerWindow),
	}
}

// Allow reports whether stream may log another warning at now.
func (l *WarnLimiter) Allow(stream string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	if now.Sub(l.windowStart) >= l.windowSize {
		l.current = make(map[string]*atomic.Int64)
		l.windowStart = now
	}
	counter, exists := l.current[stream]
	if !exists {
		counter = &atomic.Int64{}
		l.current[stream] = counter
	}
	l.mu.Unlock()

	if counter.Add(1) > l.maxPerWindow {
		l.suppressed.Add(1)
		return false
	}
	return true
}

// Suppressed returns the total number of dropped warnings.
func (l *WarnLimiter) Suppressed() int64 {
	if l == nil {
		return 0
	}
	return l.suppressed.Load()
}

// ActiveStreams returns the number of streams that warned in the current window.
func (l *WarnLimiter) ActiveStreams() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.current)
}
