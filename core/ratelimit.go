package core

import "time"

// Quota is a per-app request allowance
type Quota struct {
	PerMinute int
	PerDay    int
}

// QuotaOf returns the quota configured on an app, falling back to defaults
func QuotaOf(app *ThirdPartyApp) Quota {
	q := Quota{PerMinute: app.RateLimitPerMinute, PerDay: app.RateLimitPerDay}
	if q.PerMinute <= 0 {
		q.PerMinute = DefaultRateLimitPerMinute
	}
	if q.PerDay <= 0 {
		q.PerDay = DefaultRateLimitPerDay
	}
	return q
}

// RateDecision is the outcome of counting one request against a quota
type RateDecision struct {
	Allowed bool

	Limit     int
	Remaining int
	Reset     time.Time

	DayLimit     int
	DayRemaining int
	DayReset     time.Time
}

// RetryAfter is how long the caller should wait before the next attempt
func (d RateDecision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	reset := d.Reset
	if d.DayRemaining <= 0 {
		reset = d.DayReset
	}
	if wait := reset.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// NewRateDecision builds a decision from post-increment window counters
func NewRateDecision(q Quota, minuteCount, dayCount int64, minuteReset, dayReset time.Time) RateDecision {
	return RateDecision{
		Allowed:      minuteCount <= int64(q.PerMinute) && dayCount <= int64(q.PerDay),
		Limit:        q.PerMinute,
		Remaining:    remaining(q.PerMinute, minuteCount),
		Reset:        minuteReset,
		DayLimit:     q.PerDay,
		DayRemaining: remaining(q.PerDay, dayCount),
		DayReset:     dayReset,
	}
}

func remaining(limit int, count int64) int {
	if r := int64(limit) - count; r > 0 {
		return int(r)
	}
	return 0
}

// MinuteWindow returns the start of the fixed minute window containing t and
// the instant it resets.
func MinuteWindow(t time.Time) (time.Time, time.Time) {
	start := t.UTC().Truncate(time.Minute)
	return start, start.Add(time.Minute)
}

// DayWindow returns the start of the fixed UTC day window containing t and
// the instant it resets.
func DayWindow(t time.Time) (time.Time, time.Time) {
	u := t.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
