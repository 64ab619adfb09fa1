package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/backoff"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

type fakeHandle struct {
	id       string
	closes   int
	closeErr error
	mu       sync.Mutex
}

func (h *fakeHandle) ID() string       { return h.id }
func (h *fakeHandle) Endpoint() string { return "ws://fake/" + h.id }

func (h *fakeHandle) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	return h.closeErr
}

type scriptedBackend struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	handles []*fakeHandle
}

func (b *scriptedBackend) Create(context.Context, shot.SessionKind) (shot.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if len(b.errs) > 0 {
		err := b.errs[0]
		if len(b.errs) > 1 {
			b.errs = b.errs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	h := &fakeHandle{id: fmt.Sprintf("s%d", b.calls)}
	b.handles = append(b.handles, h)
	return h, nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func capacityErr() error {
	return shot.StatusError("create computer", http.StatusTooManyRequests, "", "too many concurrent computers")
}

func newManager(t *testing.T, backend shot.Backend, sleeps *sleepRecorder) *Manager {
	t.Helper()
	m, err := New(backend, Config{Sleep: sleeps.sleep}, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestWithSessionSuccessReleasesOnce(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	sleeps := &sleepRecorder{}
	m := newManager(t, backend, sleeps)

	calls := 0
	location, err := m.WithSession(context.Background(), shot.SessionRemote, func(_ context.Context, h shot.Handle) (string, error) {
		calls++
		require.Equal(t, "ws://fake/s1", h.Endpoint())
		return "results/a.png", nil
	})
	require.NoError(t, err)
	require.Equal(t, "results/a.png", location)
	require.Equal(t, 1, calls)
	require.Len(t, backend.handles, 1)
	require.Equal(t, 1, backend.handles[0].closes)
	require.Empty(t, sleeps.delays)
}

func TestWithSessionRetriesCreationOnCapacity(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{errs: []error{capacityErr(), capacityErr(), nil}}
	sleeps := &sleepRecorder{}
	m := newManager(t, backend, sleeps)

	location, err := m.WithSession(context.Background(), shot.SessionRemote, func(context.Context, shot.Handle) (string, error) {
		return "ok.png", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok.png", location)
	require.Equal(t, 3, backend.calls)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeps.delays)
}

func TestWithSessionCreationExhaustionPropagates(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{errs: []error{capacityErr()}}
	sleeps := &sleepRecorder{}
	m := newManager(t, backend, sleeps)

	ran := false
	_, err := m.WithSession(context.Background(), shot.SessionRemote, func(context.Context, shot.Handle) (string, error) {
		ran = true
		return "", nil
	})
	require.Error(t, err)
	require.Equal(t, shot.KindCapacity, shot.Classify(err))
	require.False(t, ran)
	// Six retries plus the final attempt.
	require.Equal(t, backoff.SessionCreation().MaxRetries+1, backend.calls)
	require.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, sleeps.delays)
}

func TestWithSessionNonCapacityCreateFailsFast(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{errs: []error{shot.Errorf(shot.KindValidation, "create computer", "token is required")}}
	sleeps := &sleepRecorder{}
	m := newManager(t, backend, sleeps)

	_, err := m.WithSession(context.Background(), shot.SessionRemote, func(context.Context, shot.Handle) (string, error) {
		return "", nil
	})
	require.Error(t, err)
	require.Equal(t, shot.KindValidation, shot.Classify(err))
	require.Equal(t, 1, backend.calls)
	require.Empty(t, sleeps.delays)
}

func TestWithSessionActionErrorStillReleases(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	m := newManager(t, backend, &sleepRecorder{})
	boom := errors.New("navigation failed")

	_, err := m.WithSession(context.Background(), shot.SessionRemote, func(context.Context, shot.Handle) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, backend.handles[0].closes)
}

func TestWithSessionPanicStillReleases(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	m := newManager(t, backend, &sleepRecorder{})

	require.Panics(t, func() {
		_, _ = m.WithSession(context.Background(), shot.SessionLocal, func(context.Context, shot.Handle) (string, error) {
			panic("driver crashed")
		})
	})
	require.Equal(t, 1, backend.handles[0].closes)
}

func TestWithSessionSwallowsCloseError(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	m := newManager(t, backend, &sleepRecorder{})

	location, err := m.WithSession(context.Background(), shot.SessionRemote, func(_ context.Context, h shot.Handle) (string, error) {
		h.(*fakeHandle).closeErr = errors.New("delete failed")
		return "", nil
	})
	require.NoError(t, err)
	require.Empty(t, location)
	require.Equal(t, 1, backend.handles[0].closes)
}

func TestWithSessionReleasesAfterCancel(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{}
	m := newManager(t, backend, &sleepRecorder{})
	ctx, cancel := context.WithCancel(context.Background())

	_, err := m.WithSession(ctx, shot.SessionRemote, func(ctx context.Context, _ shot.Handle) (string, error) {
		cancel()
		return "", ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, backend.handles[0].closes)
}

func TestWithSessionRecordsSpan(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")
	backend := &scriptedBackend{errs: []error{nil, capacityErr()}}
	m, err := New(backend, Config{
		Sleep:    (&sleepRecorder{}).sleep,
		Creation: backoff.Policy{Name: "none", Base: time.Second, Multiplier: 1, Cap: time.Second},
		Tracer:   tracer,
	}, nil)
	require.NoError(t, err)

	_, err = m.WithSession(context.Background(), shot.SessionRemote, func(context.Context, shot.Handle) (string, error) {
		return "results/a.png", nil
	})
	require.NoError(t, err)
	_, err = m.WithSession(context.Background(), shot.SessionRemote, func(context.Context, shot.Handle) (string, error) {
		t.Fatal("action must not run without a session")
		return "", nil
	})
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	ok, failed := spans[0], spans[1]
	require.Equal(t, "lifecycle.session", ok.Name())
	require.Contains(t, ok.Attributes(), attribute.String("session.id", "s1"))
	require.Contains(t, ok.Attributes(), attribute.String("artifact.location", "results/a.png"))
	require.Equal(t, codes.Unset, ok.Status().Code)
	require.Equal(t, codes.Error, failed.Status().Code)
	require.Equal(t, "capacity", failed.Status().Description)
	require.Len(t, failed.Events(), 1)
}

type countingPacer struct{ waits int }

func (p *countingPacer) Wait(context.Context, string) error {
	p.waits++
	return nil
}

func TestCreateUsesPacer(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{errs: []error{capacityErr(), nil}}
	pacer := &countingPacer{}
	sleeps := &sleepRecorder{}
	m, err := New(backend, Config{Sleep: sleeps.sleep, Pacer: pacer, PaceKey: "https://v2.example.com"}, nil)
	require.NoError(t, err)

	h, err := m.Create(context.Background(), shot.SessionRemote)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, 2, pacer.waits)
}

func TestNewRejectsMissingBackend(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{}, nil)
	require.Error(t, err)
}
