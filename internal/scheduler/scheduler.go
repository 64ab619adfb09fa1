// Package scheduler fans screenshot tasks out over a bounded number of
// concurrent browser sessions and retries capacity failures per task.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/4ndr3c0d3/shotfleet/internal/backoff"
	"github.com/4ndr3c0d3/shotfleet/internal/lifecycle"
	"github.com/4ndr3c0d3/shotfleet/internal/metrics"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

// Mode selects how tasks are run.
type Mode string

const (
	// ModeConcurrent runs up to Plan.Concurrency tasks at once.
	ModeConcurrent Mode = "concurrent"
	// ModeSequential runs one task at a time on the gentler retry schedule.
	ModeSequential Mode = "sequential"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeConcurrent, ModeSequential:
		return Mode(s), nil
	case "":
		return ModeSequential, nil
	}
	return "", shot.Errorf(shot.KindValidation, "parse mode", "unknown mode %q", s)
}

// SessionRunner is the lifecycle manager as seen by the scheduler.
type SessionRunner interface {
	WithSession(ctx context.Context, kind shot.SessionKind, action lifecycle.Action) (string, error)
}

// UnitBuilder builds the unit of work for one attempt of a task.
type UnitBuilder func(task shot.Task) lifecycle.Action

// Plan describes one run.
type Plan struct {
	Tasks       int
	Target      shot.Target
	Concurrency int
	Mode        Mode
	Kind        shot.SessionKind
}

// Outcome is the final state of one task.
type Outcome struct {
	Index    int
	Attempts int
	Artifact string
	Err      error
	Kind     shot.Kind
}

// Succeeded reports whether the task produced an artifact.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Artifact != ""
}

// Report aggregates a run. Outcomes are in completion order.
type Report struct {
	Outcomes []Outcome
}

// Artifacts returns the artifacts of successful tasks in completion order.
func (r Report) Artifacts() []string {
	out := make([]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			out = append(out, o.Artifact)
		}
	}
	return out
}

// Failed counts tasks that ended in error.
func (r Report) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Config tunes a Scheduler.
type Config struct {
	// Concurrent is the per-task retry schedule in ModeConcurrent.
	Concurrent backoff.Policy
	// Sequential is the per-task retry schedule in ModeSequential.
	Sequential backoff.Policy
	// Sleep is swapped out in tests.
	Sleep backoff.Sleeper
	// Tracer defaults to the global provider.
	Tracer trace.Tracer
}

// Scheduler runs plans.
type Scheduler struct {
	sessions SessionRunner
	unit     UnitBuilder
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Scheduler.
func New(sessions SessionRunner, unit UnitBuilder, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if sessions == nil {
		return nil, errors.New("scheduler: session runner is required")
	}
	if unit == nil {
		return nil, errors.New("scheduler: unit builder is required")
	}
	if cfg.Concurrent == (backoff.Policy{}) {
		cfg.Concurrent = backoff.TaskRetry()
	}
	if cfg.Sequential == (backoff.Policy{}) {
		cfg.Sequential = backoff.SequentialTaskRetry()
	}
	for _, p := range []backoff.Policy{cfg.Concurrent, cfg.Sequential} {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = backoff.Sleep
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/4ndr3c0d3/shotfleet/internal/scheduler")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{sessions: sessions, unit: unit, cfg: cfg, logger: logger}, nil
}

// Run launches plan.Tasks tasks and waits for all of them. It never fails as
// a whole; per-task failures are in the report.
func (s *Scheduler) Run(ctx context.Context, plan Plan) (Report, error) {
	if plan.Tasks < 0 {
		return Report{}, shot.Errorf(shot.KindValidation, "run", "task count must be >= 0")
	}
	if plan.Target.URL == "" {
		return Report{}, shot.Errorf(shot.KindValidation, "run", "target url is required")
	}
	mode := plan.Mode
	if mode == "" {
		mode = ModeConcurrent
	}
	limit := plan.Concurrency
	policy := s.cfg.Concurrent
	if mode == ModeSequential {
		limit = 1
		policy = s.cfg.Sequential
	}
	if limit <= 0 {
		return Report{}, shot.Errorf(shot.KindValidation, "run", "concurrency must be > 0")
	}
	kind := plan.Kind
	if kind == "" {
		kind = shot.SessionRemote
	}

	logger := s.logger.With(zap.String("label", plan.Target.Label), zap.String("mode", string(mode)))
	logger.Info("starting run", zap.Int("tasks", plan.Tasks), zap.Int("concurrency", limit))
	start := time.Now()

	gate := semaphore.NewWeighted(int64(limit))
	results := make(chan Outcome, plan.Tasks)
	var wg sync.WaitGroup

	if mode == ModeSequential {
		// One worker walks the tasks so they start in index order.
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < plan.Tasks; i++ {
				results <- s.runTask(ctx, gate, policy, kind, shot.Task{Index: i, Target: plan.Target}, logger)
			}
		}()
	} else {
		for i := 0; i < plan.Tasks; i++ {
			wg.Add(1)
			go func(task shot.Task) {
				defer wg.Done()
				results <- s.runTask(ctx, gate, policy, kind, task, logger)
			}(shot.Task{Index: i, Target: plan.Target})
		}
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	report := Report{Outcomes: make([]Outcome, 0, plan.Tasks)}
	for outcome := range results {
		report.Outcomes = append(report.Outcomes, outcome)
	}
	logger.Info("run finished",
		zap.Int("succeeded", len(report.Artifacts())),
		zap.Int("failed", report.Failed()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

func (s *Scheduler) runTask(
	ctx context.Context,
	gate *semaphore.Weighted,
	policy backoff.Policy,
	kind shot.SessionKind,
	task shot.Task,
	logger *zap.Logger,
) (outcome Outcome) {
	logger = logger.With(zap.Int("task", task.Index))
	ctx, span := s.cfg.Tracer.Start(ctx, "scheduler.task", trace.WithAttributes(
		attribute.String("target.label", task.Target.Label),
		attribute.Int("task.index", task.Index),
	))
	defer func() {
		span.SetAttributes(attribute.Int("task.attempts", outcome.Attempts))
		if outcome.Err != nil {
			span.RecordError(outcome.Err)
			span.SetStatus(codes.Error, outcome.Kind.String())
		}
		span.End()
	}()

	for {
		artifact, err := s.attempt(ctx, gate, kind, task)
		if err == nil {
			outcome = Outcome{Index: task.Index, Attempts: task.Attempt + 1, Artifact: artifact}
			if artifact == "" {
				metrics.ObserveTask("empty")
				logger.Warn("task finished without artifact")
			} else {
				metrics.ObserveTask("succeeded")
				logger.Info("task saved artifact", zap.String("artifact", artifact), zap.Int("attempts", outcome.Attempts))
			}
			return outcome
		}

		errKind := shot.Classify(err)
		delay, retry := policy.Next(task.Attempt, errKind)
		if !retry {
			metrics.ObserveTask("failed")
			logger.Error("task abandoned",
				zap.Int("attempts", task.Attempt+1),
				zap.String("error_kind", errKind.String()),
				zap.Error(err),
			)
			return Outcome{Index: task.Index, Attempts: task.Attempt + 1, Err: err, Kind: errKind}
		}

		task.NextDelay = delay
		logger.Warn("backend at capacity, retrying task",
			zap.Int("attempt", task.Attempt+1),
			zap.Duration("delay", delay),
		)
		span.AddEvent("retry", trace.WithAttributes(attribute.Int64("delay_ms", delay.Milliseconds())))
		metrics.ObserveTaskRetry()
		metrics.ObserveBackoff(policy.Name, delay)
		if sleepErr := s.cfg.Sleep(ctx, delay); sleepErr != nil {
			metrics.ObserveTask("failed")
			return Outcome{Index: task.Index, Attempts: task.Attempt + 1, Err: sleepErr, Kind: shot.Classify(sleepErr)}
		}
		task.Attempt++
	}
}

// attempt holds a gate slot across exactly one session lifecycle.
func (s *Scheduler) attempt(ctx context.Context, gate *semaphore.Weighted, kind shot.SessionKind, task shot.Task) (string, error) {
	if err := gate.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire session slot: %w", err)
	}
	defer gate.Release(1)
	return s.sessions.WithSession(ctx, kind, s.unit(task))
}
