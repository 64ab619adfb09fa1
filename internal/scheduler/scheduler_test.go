package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/lifecycle"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

type stubHandle struct{ id string }

func (h stubHandle) ID() string                  { return h.id }
func (h stubHandle) Endpoint() string            { return "ws://stub/" + h.id }
func (h stubHandle) Close(context.Context) error { return nil }

// gaugedRunner counts concurrently active sessions around each action.
type gaugedRunner struct {
	active    atomic.Int32
	maxActive atomic.Int32
	sessions  atomic.Int32
	hold      time.Duration
}

func (r *gaugedRunner) WithSession(ctx context.Context, _ shot.SessionKind, action lifecycle.Action) (string, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		cur := r.maxActive.Load()
		if n <= cur || r.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	id := r.sessions.Add(1)
	if r.hold > 0 {
		time.Sleep(r.hold)
	}
	return action(ctx, stubHandle{id: fmt.Sprint(id)})
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *sleepLog) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delays)
}

func capacity() error {
	return shot.StatusError("create computer", http.StatusTooManyRequests, "", "busy")
}

var target = shot.Target{Label: "example", URL: "https://example.com/"}

func newScheduler(t *testing.T, runner SessionRunner, unit UnitBuilder, sleeps *sleepLog) *Scheduler {
	t.Helper()
	s, err := New(runner, unit, Config{Sleep: sleeps.sleep}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestRunAlwaysCapacityGivesUpAfterTwelveRetries(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	unit := func(shot.Task) lifecycle.Action {
		return func(context.Context, shot.Handle) (string, error) {
			attempts.Add(1)
			return "", capacity()
		}
	}
	sleeps := &sleepLog{}
	s := newScheduler(t, &gaugedRunner{}, unit, sleeps)

	report, err := s.Run(context.Background(), Plan{Tasks: 1, Target: target, Concurrency: 1, Mode: ModeConcurrent})
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)

	out := report.Outcomes[0]
	require.Error(t, out.Err)
	require.Equal(t, shot.KindCapacity, out.Kind)
	require.Equal(t, 13, out.Attempts)
	require.EqualValues(t, 13, attempts.Load())
	require.Equal(t, 12, sleeps.count())
	require.Equal(t, 2*time.Second, sleeps.delays[0])
	require.Equal(t, 60*time.Second, sleeps.delays[11])
	require.Empty(t, report.Artifacts())
}

func TestRunStopsRetryingOnceTaskSucceeds(t *testing.T) {
	t.Parallel()

	const k = 3
	unit := func(task shot.Task) lifecycle.Action {
		return func(context.Context, shot.Handle) (string, error) {
			if task.Attempt+1 < k {
				return "", capacity()
			}
			return fmt.Sprintf("shot-%d.png", task.Index), nil
		}
	}
	sleeps := &sleepLog{}
	s := newScheduler(t, &gaugedRunner{}, unit, sleeps)

	report, err := s.Run(context.Background(), Plan{Tasks: 1, Target: target, Concurrency: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"shot-0.png"}, report.Artifacts())
	require.Equal(t, k, report.Outcomes[0].Attempts)
	require.Equal(t, k-1, sleeps.count())
}

func TestRunTracesEachTask(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")
	var untraced atomic.Int32
	unit := func(task shot.Task) lifecycle.Action {
		return func(ctx context.Context, _ shot.Handle) (string, error) {
			if !trace.SpanContextFromContext(ctx).IsValid() {
				untraced.Add(1)
			}
			switch {
			case task.Index == 1:
				return "", shot.StatusError("create computer", http.StatusNotFound, "", "gone")
			case task.Attempt == 0:
				return "", capacity()
			}
			return "shot-0.png", nil
		}
	}
	s, err := New(&gaugedRunner{}, unit, Config{Sleep: (&sleepLog{}).sleep, Tracer: tracer}, zap.NewNop())
	require.NoError(t, err)

	_, err = s.Run(context.Background(), Plan{Tasks: 2, Target: target, Concurrency: 2})
	require.NoError(t, err)
	require.Zero(t, untraced.Load())

	spans := rec.Ended()
	require.Len(t, spans, 2)
	byIndex := map[int64]sdktrace.ReadOnlySpan{}
	for _, sp := range spans {
		require.Equal(t, "scheduler.task", sp.Name())
		require.Contains(t, sp.Attributes(), attribute.String("target.label", "example"))
		for _, kv := range sp.Attributes() {
			if kv.Key == "task.index" {
				byIndex[kv.Value.AsInt64()] = sp
			}
		}
	}
	require.Len(t, byIndex, 2)

	ok := byIndex[0]
	require.Contains(t, ok.Attributes(), attribute.Int("task.attempts", 2))
	require.Equal(t, codes.Unset, ok.Status().Code)
	require.Len(t, ok.Events(), 1)
	require.Equal(t, "retry", ok.Events()[0].Name)

	failed := byIndex[1]
	require.Equal(t, codes.Error, failed.Status().Code)
	require.Equal(t, "not_found", failed.Status().Description)
}

func TestRunAbandonsNonCapacityImmediately(t *testing.T) {
	t.Parallel()

	unit := func(shot.Task) lifecycle.Action {
		return func(context.Context, shot.Handle) (string, error) {
			return "", errors.New("navigation timeout")
		}
	}
	sleeps := &sleepLog{}
	s := newScheduler(t, &gaugedRunner{}, unit, sleeps)

	report, err := s.Run(context.Background(), Plan{Tasks: 4, Target: target, Concurrency: 2})
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 4)
	require.Equal(t, 4, report.Failed())
	for _, o := range report.Outcomes {
		require.Equal(t, 1, o.Attempts)
		require.Equal(t, shot.KindUnknown, o.Kind)
	}
	require.Zero(t, sleeps.count())
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	unit := func(task shot.Task) lifecycle.Action {
		return func(context.Context, shot.Handle) (string, error) {
			return fmt.Sprintf("%d.png", task.Index), nil
		}
	}
	runner := &gaugedRunner{hold: 20 * time.Millisecond}
	s := newScheduler(t, runner, unit, &sleepLog{})

	report, err := s.Run(context.Background(), Plan{Tasks: 20, Target: target, Concurrency: 3, Mode: ModeConcurrent})
	require.NoError(t, err)
	require.Len(t, report.Artifacts(), 20)
	require.LessOrEqual(t, runner.maxActive.Load(), int32(3))
	require.GreaterOrEqual(t, runner.maxActive.Load(), int32(1))
	require.EqualValues(t, 20, runner.sessions.Load())
}

func TestRunCollectsInCompletionOrder(t *testing.T) {
	t.Parallel()

	firstDone := make(chan struct{})
	unit := func(task shot.Task) lifecycle.Action {
		return func(context.Context, shot.Handle) (string, error) {
			if task.Index == 0 {
				<-firstDone
				time.Sleep(50 * time.Millisecond)
				return "slow.png", nil
			}
			defer close(firstDone)
			return "fast.png", nil
		}
	}
	s := newScheduler(t, &gaugedRunner{}, unit, &sleepLog{})

	report, err := s.Run(context.Background(), Plan{Tasks: 2, Target: target, Concurrency: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"fast.png", "slow.png"}, report.Artifacts())
	require.Equal(t, 1, report.Outcomes[0].Index)
}

func TestRunSequentialUsesOneSlotInOrder(t *testing.T) {
	t.Parallel()

	seen := map[int]int{}
	var mu sync.Mutex
	unit := func(task shot.Task) lifecycle.Action {
		return func(context.Context, shot.Handle) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			seen[task.Index]++
			if task.Index == 1 && seen[1] == 1 {
				return "", capacity()
			}
			return fmt.Sprintf("%d.png", task.Index), nil
		}
	}
	runner := &gaugedRunner{hold: 5 * time.Millisecond}
	sleeps := &sleepLog{}
	s := newScheduler(t, runner, unit, sleeps)

	report, err := s.Run(context.Background(), Plan{Tasks: 3, Target: target, Concurrency: 8, Mode: ModeSequential})
	require.NoError(t, err)
	require.Equal(t, []string{"0.png", "1.png", "2.png"}, report.Artifacts())
	require.EqualValues(t, 1, runner.maxActive.Load())
	require.Equal(t, []time.Duration{2 * time.Second}, sleeps.delays)
}

func TestRunEmptyArtifactIsNotAFailure(t *testing.T) {
	t.Parallel()

	unit := func(shot.Task) lifecycle.Action {
		return func(context.Context, shot.Handle) (string, error) { return "", nil }
	}
	s := newScheduler(t, &gaugedRunner{}, unit, &sleepLog{})

	report, err := s.Run(context.Background(), Plan{Tasks: 2, Target: target, Concurrency: 2})
	require.NoError(t, err)
	require.Zero(t, report.Failed())
	require.Empty(t, report.Artifacts())
}

func TestRunValidatesPlan(t *testing.T) {
	t.Parallel()

	unit := func(shot.Task) lifecycle.Action { return nil }
	s := newScheduler(t, &gaugedRunner{}, unit, &sleepLog{})

	tests := []struct {
		name string
		plan Plan
	}{
		{"negative tasks", Plan{Tasks: -1, Target: target, Concurrency: 1}},
		{"missing url", Plan{Tasks: 1, Concurrency: 1}},
		{"zero concurrency", Plan{Tasks: 1, Target: target, Mode: ModeConcurrent}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := s.Run(context.Background(), tc.plan)
			require.Error(t, err)
			require.Equal(t, shot.KindValidation, shot.Classify(err))
		})
	}
}

func TestRunZeroTasks(t *testing.T) {
	t.Parallel()

	unit := func(shot.Task) lifecycle.Action { return nil }
	s := newScheduler(t, &gaugedRunner{}, unit, &sleepLog{})
	report, err := s.Run(context.Background(), Plan{Tasks: 0, Target: target, Concurrency: 1})
	require.NoError(t, err)
	require.Empty(t, report.Outcomes)
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	m, err := ParseMode("concurrent")
	require.NoError(t, err)
	require.Equal(t, ModeConcurrent, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModeSequential, m)
	_, err = ParseMode("parallel")
	require.Error(t, err)
}
