package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

func TestSessionCreationDelays(t *testing.T) {
	t.Parallel()

	p := SessionCreation()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, d := range want {
		require.Equal(t, d, p.Delay(attempt), "attempt %d", attempt)
	}
}

func TestSequentialDelays(t *testing.T) {
	t.Parallel()

	p := SequentialTaskRetry()
	require.Equal(t, 2*time.Second, p.Delay(0))
	require.Equal(t, 3400*time.Millisecond, p.Delay(1))
	require.Equal(t, 60*time.Second, p.Delay(11))
}

func TestDelayMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	for _, p := range []Policy{SessionCreation(), TaskRetry(), SequentialTaskRetry()} {
		require.NoError(t, p.Validate())
		prev := time.Duration(0)
		for a := 0; a < 200; a++ {
			d := p.Delay(a)
			require.GreaterOrEqual(t, d, prev, "%s attempt %d", p.Name, a)
			require.LessOrEqual(t, d, p.Cap, "%s attempt %d", p.Name, a)
			prev = d
		}
		require.Equal(t, p.Delay(-3), p.Delay(0))
	}
}

func TestNextOnlyRetriesCapacity(t *testing.T) {
	t.Parallel()

	p := TaskRetry()
	d, ok := p.Next(0, shot.KindCapacity)
	require.True(t, ok)
	require.Equal(t, 2*time.Second, d)

	for _, kind := range []shot.Kind{shot.KindValidation, shot.KindNotFound, shot.KindTransport, shot.KindUnknown} {
		_, ok := p.Next(0, kind)
		require.False(t, ok, kind.String())
	}

	_, ok = p.Next(p.MaxRetries-1, shot.KindCapacity)
	require.True(t, ok)
	_, ok = p.Next(p.MaxRetries, shot.KindCapacity)
	require.False(t, ok)
}

func TestJitterStaysInRange(t *testing.T) {
	t.Parallel()

	p := TaskRetry()
	p.Jitter = true
	for a := 0; a < 8; a++ {
		d := p.Wait(a)
		full := p.Delay(a)
		require.GreaterOrEqual(t, d, full/2)
		require.LessOrEqual(t, d, full)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    Policy
	}{
		{"zero base", Policy{Multiplier: 2, Cap: time.Second}},
		{"shrinking", Policy{Base: time.Second, Multiplier: 0.5, Cap: time.Second}},
		{"cap below base", Policy{Base: time.Second, Multiplier: 2, Cap: time.Millisecond}},
		{"negative retries", Policy{Base: time.Second, Multiplier: 2, Cap: time.Second, MaxRetries: -1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Error(t, tc.p.Validate())
		})
	}
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, Sleep(ctx, time.Hour))
	require.NoError(t, Sleep(context.Background(), 0))
}
