package supervisor

import "time"

// Backoff is a linear retry delay: Step per consecutive failure, capped at Cap
type Backoff struct {
	Step time.Duration
	Cap  time.Duration
}

// DefaultBackoff waits 0s, 2s, 4s, ... up to 30s
var DefaultBackoff = Backoff{Step: 2 * time.Second, Cap: 30 * time.Second}

// Delay returns the wait before the next attempt after failures consecutive
// failures
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 || b.Step <= 0 {
		return 0
	}
	d := time.Duration(failures) * b.Step
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}
