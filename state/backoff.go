package state

import (
	"time"

	"github.com/jpillora/backoff"
)

// Backoff is the shared retry/dampening primitive. It wraps an exponential
// backoff between min and max: ReportError arms (or lengthens) the holdoff,
// ReportSuccess clears it.
type Backoff struct {
	b          *backoff.Backoff
	retryAfter time.Time
	armed      bool
}

func NewBackoff(min, max time.Duration) *Backoff {
	return &Backoff{
		b: &backoff.Backoff{
			Min:    min,
			Max:    max,
			Factor: 2,
			Jitter: false,
		},
	}
}

func (e *Backoff) CanTryNow() bool {
	return !e.armed || !time.Now().Before(e.retryAfter)
}

func (e *Backoff) ReportError() {
	e.retryAfter = time.Now().Add(e.b.Duration())
	e.armed = true
}

func (e *Backoff) ReportSuccess() {
	e.b.Reset()
	e.armed = false
	e.retryAfter = time.Time{}
}

func (e *Backoff) TimeUntilRetry() time.Duration {
	if !e.armed {
		return 0
	}
	d := time.Until(e.retryAfter)
	if d < 0 {
		return 0
	}
	return d
}
