package jobqueue

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff is an exponential redelivery delay.
// The delay after failed attempt n (1-indexed) is Base × 2^(n-1), capped at Max if set.
type Backoff struct {
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max,omitempty"`
}

// Delay returns the time to wait after the given failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.Base
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.MaxInterval = time.Duration(math.MaxInt64)
	if b.Max > 0 {
		exp.MaxInterval = b.Max
	}
	exp.Reset()
	delay := exp.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = exp.NextBackOff()
	}
	return delay
}

// Retention bounds how many finished jobs of one outcome are kept, and for how long.
// Zero values disable the respective bound.
type Retention struct {
	MaxCount int           `json:"max_count,omitempty"`
	MaxAge   time.Duration `json:"max_age,omitempty"`
}

// RetentionPolicy holds retention per outcome class.
type RetentionPolicy struct {
	Completed Retention `json:"completed"`
	Failed    Retention `json:"failed"`
}

// For returns the retention for the given terminal state.
func (r RetentionPolicy) For(state State) Retention {
	if state == StateFailed {
		return r.Failed
	}
	return r.Completed
}

// Policy is the set of defaults applied to jobs enqueued on a queue.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	Retention   RetentionPolicy
}

// DefaultPolicy applies to queues without configured defaults.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	Backoff:     Backoff{Base: 5 * time.Second},
	Retention: RetentionPolicy{
		Completed: Retention{MaxCount: 1000, MaxAge: 24 * time.Hour},
		Failed:    Retention{MaxCount: 5000, MaxAge: 7 * 24 * time.Hour},
	},
}
