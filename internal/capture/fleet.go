package capture

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/scheduler"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

// Fleet runs multi-session captures against the remote backend.
type Fleet struct {
	sessions scheduler.SessionRunner
	service  *Service
	cfg      scheduler.Config
	logger   *zap.Logger
}

// RunRequest is one fleet run.
type RunRequest struct {
	RunID       string
	Target      shot.Target
	Tasks       int
	Concurrency int
	Mode        scheduler.Mode
	FullPage    bool
}

// NewFleet constructs a Fleet.
func NewFleet(sessions scheduler.SessionRunner, service *Service, cfg scheduler.Config, logger *zap.Logger) (*Fleet, error) {
	if sessions == nil || service == nil {
		return nil, errors.New("capture: sessions and service are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fleet{sessions: sessions, service: service, cfg: cfg, logger: logger}, nil
}

// Run schedules req.Tasks captures of req.Target.
func (f *Fleet) Run(ctx context.Context, req RunRequest) (scheduler.Report, error) {
	s, err := scheduler.New(f.sessions, f.service.Unit(req.RunID, req.FullPage), f.cfg, f.logger.With(zap.String("run_id", req.RunID)))
	if err != nil {
		return scheduler.Report{}, err
	}
	return s.Run(ctx, scheduler.Plan{
		Tasks:       req.Tasks,
		Target:      req.Target,
		Concurrency: req.Concurrency,
		Mode:        req.Mode,
		Kind:        shot.SessionRemote,
	})
}
