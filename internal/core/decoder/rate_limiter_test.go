package decoder

import (
	"testing"
	"time"
)

func TestWarnLimiter_NilWhenDisabled(t *testing.T) {
	l := NewWarnLimiter(WarnLimiterConfig{MaxPerWindow: 0})
	if l != nil {
		t.Fatal("expected nil when MaxPerWindow = 0")
	}
	if !l.Allow("tm", time.Now()) {
		t.Error("nil limiter must allow")
	}
	if l.Suppressed() != 0 || l.ActiveStreams() != 0 {
		t.Error("nil limiter has no counters")
	}
}

func TestWarnLimiter_SuppressesOverLimit(t *testing.T) {
	l := NewWarnLimiter(WarnLimiterConfig{MaxPerWindow: 3, Window: 10 * time.Second})
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.Allow("tm", now) {
			t.Fatalf("warning %d should be allowed", i)
		}
	}
	if l.Allow("tm", now) {
		t.Error("4th warning should be suppressed")
	}
	if l.Suppressed() != 1 {
		t.Errorf("expected 1 suppressed, got %d", l.Suppressed())
	}
	if !l.Allow("tc", now) {
		t.Error("streams are independent")
	}
	if got := l.ActiveStreams(); got != 2 {
		t.Errorf("expected 2 active streams, got %d", got)
	}
}

func TestWarnLimiter_WindowRotation(t *testing.T) {
	l := NewWarnLimiter(WarnLimiterConfig{MaxPerWindow: 1, Window: time.Second})
	now := time.Now()

	l.Allow("tm", now)
	if l.Allow("tm", now) {
		t.Error("should be suppressed before window rotation")
	}
	if !l.Allow("tm", now.Add(2*time.Second)) {
		t.Error("should be allowed after window rotation")
	}
}
