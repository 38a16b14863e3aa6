package queue

import (
	"fmt"
	"time"
)

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff describes the delay between attempts. MaxDelay caps exponential
// growth; zero means uncapped.
type Backoff struct {
	Kind      BackoffKind   `json:"kind" yaml:"kind"`
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay,omitempty" yaml:"max_delay"`
}

// Validate rejects unknown kinds and negative delays.
func (b Backoff) Validate() error {
	switch b.Kind {
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("%w: unknown backoff kind %q", ErrInvalidArgument, b.Kind)
	}
	if b.BaseDelay < 0 || b.MaxDelay < 0 {
		return fmt.Errorf("%w: backoff delays must not be negative", ErrInvalidArgument)
	}
	return nil
}

// NextDelay returns the wait before the next attempt after the given number
// of attempts has been made. Fixed backoff always returns BaseDelay;
// exponential returns BaseDelay * 2^(attempt-1).
func NextDelay(attempt int, b Backoff) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.BaseDelay <= 0 {
		return 0
	}
	if b.Kind != BackoffExponential {
		return b.BaseDelay
	}

	delay := b.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay > maxDuration/2 {
			delay = maxDuration
			break
		}
		delay *= 2
	}
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}

const maxDuration = time.Duration(1<<63 - 1)
