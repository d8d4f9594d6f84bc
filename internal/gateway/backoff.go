package gateway

import "time"

const (
	defaultMaxAttempts = 5
	defaultMaxDelay    = 16 * time.Second
	baseDelay          = time.Second
)

// ReconnectPolicy bounds automatic reconnection after unexpected closures.
type ReconnectPolicy struct {
	MaxAttempts int
	MaxDelay    time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{MaxAttempts: defaultMaxAttempts, MaxDelay: defaultMaxDelay}
}

// Delay returns the wait before reconnect attempt n (1-based) and false once
// n exceeds MaxAttempts.
func (p ReconnectPolicy) Delay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}
	limit := p.MaxDelay
	if limit <= 0 {
		limit = defaultMaxDelay
	}
	d := baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit, true
		}
	}
	return min(d, limit), true
}
