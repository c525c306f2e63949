package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
)

type window struct {
	start time.Time
	count int64
}

type counters struct {
	minute window
	day    window
}

// MemoryLimiter is a single-process fixed-window limiter. Counters of keys
// idle for a whole day are dropped when the next day window opens.
type MemoryLimiter struct {
	mu      sync.Mutex
	clock   func() time.Time
	buckets map[string]*counters
	day     time.Time
}

var _ ports.RateLimiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter creates a limiter. A nil clock uses time.Now.
func NewMemoryLimiter(clock func() time.Time) *MemoryLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLimiter{clock: clock, buckets: make(map[string]*counters)}
}

// Allow increments the minute and day counters for key and reports the result
func (l *MemoryLimiter) Allow(_ context.Context, key string, quota core.Quota) (core.RateDecision, error) {
	now := l.clock()
	minuteStart, minuteReset := core.MinuteWindow(now)
	dayStart, dayReset := core.DayWindow(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.day.Equal(dayStart) {
		l.prune(dayStart)
		l.day = dayStart
	}

	c, ok := l.buckets[key]
	if !ok {
		c = &counters{}
		l.buckets[key] = c
	}
	if !c.minute.start.Equal(minuteStart) {
		c.minute = window{start: minuteStart}
	}
	if !c.day.start.Equal(dayStart) {
		c.day = window{start: dayStart}
	}
	c.minute.count++
	c.day.count++

	return core.NewRateDecision(quota, c.minute.count, c.day.count, minuteReset, dayReset), nil
}

func (l *MemoryLimiter) prune(dayStart time.Time) {
	for key, c := range l.buckets {
		if c.day.start.Before(dayStart) {
			delete(l.buckets, key)
		}
	}
}
