// Package backoff computes bounded exponential delays for capacity retries.
package backoff

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

// Policy is a capped exponential schedule: Delay(a) = min(Base*Multiplier^a, Cap).
// MaxRetries bounds how many times a caller may sleep and try again, so a
// chain makes at most MaxRetries+1 attempts.
type Policy struct {
	Name       string
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	MaxRetries int
	// Jitter spreads Delay uniformly over [d/2, d]. Off by default.
	Jitter bool
}

// SessionCreation is the schedule for retrying session creation under capacity pressure.
func SessionCreation() Policy {
	return Policy{Name: "session_creation", Base: 2 * time.Second, Multiplier: 2, Cap: 30 * time.Second, MaxRetries: 6}
}

// TaskRetry is the schedule for concurrent task chains.
func TaskRetry() Policy {
	return Policy{Name: "task", Base: 2 * time.Second, Multiplier: 2, Cap: 60 * time.Second, MaxRetries: 12}
}

// SequentialTaskRetry is the gentler schedule used when tasks run one at a time.
func SequentialTaskRetry() Policy {
	return Policy{Name: "task_sequential", Base: 2 * time.Second, Multiplier: 1.7, Cap: 60 * time.Second, MaxRetries: 12}
}

// Validate rejects schedules that would never grow or never stop.
func (p Policy) Validate() error {
	if p.Base <= 0 {
		return fmt.Errorf("backoff %s: base must be > 0", p.Name)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("backoff %s: multiplier must be >= 1", p.Name)
	}
	if p.Cap < p.Base {
		return fmt.Errorf("backoff %s: cap must be >= base", p.Name)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("backoff %s: max retries must be >= 0", p.Name)
	}
	return nil
}

// Delay returns the deterministic wait before retry number attempt (0-based).
// It is non-decreasing in attempt and never exceeds Cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.Cap) || math.IsInf(delay, 1) {
		return p.Cap
	}
	return time.Duration(math.Round(delay))
}

// Wait returns Delay(attempt), jittered when the policy asks for it.
func (p Policy) Wait(attempt int) time.Duration {
	d := p.Delay(attempt)
	if !p.Jitter {
		return d
	}
	return d/2 + randomJitter(d/2)
}

// Next decides whether a failure of the given kind on retry number attempt
// should be retried, and after how long. Only capacity failures retry.
func (p Policy) Next(attempt int, kind shot.Kind) (time.Duration, bool) {
	if kind != shot.KindCapacity || attempt >= p.MaxRetries {
		return 0, false
	}
	return p.Wait(attempt), true
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff sleep: %w", ctx.Err())
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
