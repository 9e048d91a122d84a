// Package retry implements exponential backoff with jitter for RPCs and
// transaction bodies.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/spandb/spandb.go/pkg/status"
)

// Backoff describes an exponential backoff schedule. Jitter, when positive,
// randomizes each delay by up to that fraction in either direction.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Delay returns the backoff delay for the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = 20 * time.Millisecond
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1.3
	}
	max := b.Max
	if max <= 0 {
		max = 32 * time.Second
	}

	d := float64(initial) * math.Pow(mult, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Setting bundles a backoff schedule with the error codes it applies to.
// MaxAttempts <= 0 means retry until the context expires.
type Setting struct {
	Backoff     Backoff
	Codes       []status.Code
	MaxAttempts int
}

// Retryable reports whether err carries one of the setting's codes.
func (s Setting) Retryable(err error) bool {
	code := status.CodeOf(err)
	for _, c := range s.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// DefaultRPCSetting retries transient transport failures of a single RPC.
func DefaultRPCSetting() Setting {
	return Setting{
		Backoff: Backoff{
			Initial:    20 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 1.5,
			Jitter:     0.3,
		},
		Codes:       []status.Code{status.Unavailable, status.Unknown},
		MaxAttempts: 5,
	}
}

// DefaultTransactionSetting backs off between read-write transaction
// attempts after an abort. Attempts are unbounded; the caller's context is
// the limit.
func DefaultTransactionSetting() Setting {
	return Setting{
		Backoff: Backoff{
			Initial:    20 * time.Millisecond,
			Max:        4 * time.Second,
			Multiplier: 1.5,
			Jitter:     0.3,
		},
		Codes: []status.Code{status.Aborted},
	}
}

// Wait sleeps for the delay of the given attempt, honoring ctx cancellation.
func Wait(ctx context.Context, s Setting, attempt int) error {
	t := time.NewTimer(s.Backoff.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Invoke runs f, retrying per the setting while f returns a retryable error.
func Invoke(ctx context.Context, s Setting, f func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := f(ctx)
		if err == nil || !s.Retryable(err) {
			return err
		}
		if s.MaxAttempts > 0 && attempt+1 >= s.MaxAttempts {
			return err
		}
		if werr := Wait(ctx, s, attempt); werr != nil {
			return werr
		}
	}
}
