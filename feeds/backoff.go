package feeds

import "time"

// Backoff computes reconnect delays: Base × 2^(attempt−1), capped at Max
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Next returns the delay before reconnect attempt n (1-based)
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max < base {
		max = base
	}

	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= max {
			return max
		}
	}
	return wait
}
