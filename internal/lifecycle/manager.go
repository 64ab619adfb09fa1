// Package lifecycle wraps a unit of work in create → use → release so that a
// browser session is always torn down, whatever the work does.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/backoff"
	"github.com/4ndr3c0d3/shotfleet/internal/metrics"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

// Action is the unit of work run against a live session. It returns the
// artifact location, or "" when there was nothing to save.
type Action func(ctx context.Context, session shot.Handle) (string, error)

// Pacer throttles creation calls. *ratelimit.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context, key string) error
}

// Config tunes a Manager.
type Config struct {
	// Creation is the capacity retry schedule for Backend.Create.
	Creation backoff.Policy
	// Sleep is swapped out in tests.
	Sleep backoff.Sleeper
	// Pacer, when set, is waited on before every creation call.
	Pacer   Pacer
	PaceKey string
	// CloseTimeout bounds teardown, which runs even after ctx is canceled.
	CloseTimeout time.Duration
	// Tracer defaults to the global provider.
	Tracer trace.Tracer
}

// Manager owns the session lifecycle for one backend.
type Manager struct {
	backend shot.Backend
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Manager.
func New(backend shot.Backend, cfg Config, logger *zap.Logger) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("lifecycle: backend is required")
	}
	if cfg.Creation == (backoff.Policy{}) {
		cfg.Creation = backoff.SessionCreation()
	}
	if err := cfg.Creation.Validate(); err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}
	if cfg.Sleep == nil {
		cfg.Sleep = backoff.Sleep
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/4ndr3c0d3/shotfleet/internal/lifecycle")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{backend: backend, cfg: cfg, logger: logger}, nil
}

// WithSession creates a session, runs action exactly once, and always
// releases the session afterwards. Release failures are logged, never
// returned. Errors from creation (including exhausted capacity retries) and
// from the action are returned to the caller, who owns task-level retry.
func (m *Manager) WithSession(ctx context.Context, kind shot.SessionKind, action Action) (location string, err error) {
	ctx, span := m.cfg.Tracer.Start(ctx, "lifecycle.session", trace.WithAttributes(attribute.String("session.kind", string(kind))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, shot.Classify(err).String())
		}
		span.End()
	}()

	handle, err := m.Create(ctx, kind)
	if err != nil {
		return "", err
	}
	sess := &shot.Session{ID: handle.ID(), Kind: kind, Endpoint: handle.Endpoint(), State: shot.StateCreated}
	span.SetAttributes(attribute.String("session.id", sess.ID))
	logger := m.logger.With(zap.String("session_id", sess.ID), zap.String("kind", string(kind)))
	defer m.release(ctx, handle, sess, logger)

	if err := sess.Transition(shot.StateActive); err != nil {
		return "", err
	}
	metrics.IncActiveSessions(string(kind))

	location, err = action(ctx, handle)
	if err != nil {
		return "", err
	}
	if location == "" {
		logger.Info("session produced no artifact")
	}
	span.SetAttributes(attribute.String("artifact.location", location))
	return location, nil
}

// Create asks the backend for a session, retrying capacity failures on the
// creation schedule. Once retries are exhausted the last failure is returned.
func (m *Manager) Create(ctx context.Context, kind shot.SessionKind) (shot.Handle, error) {
	policy := m.cfg.Creation
	for attempt := 0; ; attempt++ {
		if m.cfg.Pacer != nil {
			if err := m.cfg.Pacer.Wait(ctx, m.cfg.PaceKey); err != nil {
				return nil, shot.Wrap(shot.KindUnknown, "pace session creation", err)
			}
		}
		handle, err := m.backend.Create(ctx, kind)
		if err == nil && handle == nil {
			err = shot.Errorf(shot.KindUnknown, "create session", "backend returned no session")
		}
		if err == nil {
			metrics.ObserveSessionCreate(string(kind), "ok")
			return handle, nil
		}

		errKind := shot.Classify(err)
		metrics.ObserveSessionCreate(string(kind), errKind.String())
		delay, retry := policy.Next(attempt, errKind)
		if !retry {
			return nil, fmt.Errorf("create %s session: %w", kind, err)
		}
		m.logger.Warn("backend at capacity, retrying session creation",
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		metrics.ObserveSessionCreateRetry(string(kind))
		metrics.ObserveBackoff(policy.Name, delay)
		if err := m.cfg.Sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("create %s session: %w", kind, err)
		}
	}
}

func (m *Manager) release(ctx context.Context, handle shot.Handle, sess *shot.Session, logger *zap.Logger) {
	if sess.State == shot.StateActive {
		metrics.DecActiveSessions(string(sess.Kind))
	}
	if err := sess.Transition(shot.StateClosed); err != nil {
		logger.Warn("session already closed", zap.Error(err))
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CloseTimeout)
	defer cancel()
	if err := handle.Close(closeCtx); err != nil {
		logger.Warn("session cleanup failed", zap.Error(err))
		return
	}
	logger.Debug("session released")
}
