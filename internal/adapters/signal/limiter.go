package signal

import (
	"time"
)

// connLimiter bounds the request rate of one signaling connection with a
// sliding window. Only the connection's read pump calls allow, so there is
// no locking.
type connLimiter struct {
	attempts []time.Time
	limit    int
	interval time.Duration
}

func newConnLimiter(limit int, interval time.Duration) *connLimiter {
	return &connLimiter{limit: limit, interval: interval}
}

func (l *connLimiter) allow() bool {
	now := time.Now()
	windowStart := now.Add(-l.interval)

	fresh := l.attempts[:0]
	for _, t := range l.attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	l.attempts = fresh

	if len(l.attempts) >= l.limit {
		return false
	}
	l.attempts = append(l.attempts, now)
	return true
}
