package reconnect

import "time"

// Schedule defines the backoff durations for successive reconnect attempts
// when a Policy does not set a fixed delay.
var Schedule = []time.Duration{
	time.Second, time.Second, time.Second,
	5 * time.Second, 5 * time.Second, 5 * time.Second,
	15 * time.Second, 15 * time.Second, 15 * time.Second,
}

// Delay returns the backoff duration for the given attempt.
// Attempts beyond the length of the schedule default to 30 seconds.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return 30 * time.Second
}

// Policy bounds automatic reconnection after a dropped connection.
// The zero value disables reconnection.
type Policy struct {
	// MaxAttempts is the number of reconnect attempts made after a drop.
	MaxAttempts int
	// Delay is waited before every attempt. Zero uses Schedule.
	Delay time.Duration
}

// Enabled reports whether the policy allows any reconnect attempt.
func (p Policy) Enabled() bool { return p.MaxAttempts > 0 }

// Next returns the wait before the given zero-based attempt, and false once
// the attempt budget is exhausted.
func (p Policy) Next(attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= p.MaxAttempts {
		return 0, false
	}
	if p.Delay > 0 {
		return p.Delay, true
	}
	return Delay(attempt), true
}
