// Package capture turns a live session or a self-managed engine into stored
// screenshot artifacts.
package capture

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/artifact"
	"github.com/4ndr3c0d3/shotfleet/internal/lifecycle"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

// Engine names recorded on artifacts.
const (
	EngineRemote     = "remote"
	EngineCDP        = "cdp"
	EngineLocalCDP   = "local_cdp"
	EnginePlaywright = "playwright"
)

// Saver is the artifact writer as seen by this package.
type Saver interface {
	Save(ctx context.Context, a artifact.Artifact) (string, error)
}

// Service captures pages and saves the results.
type Service struct {
	capturer shot.Capturer
	saver    Saver
	logger   *zap.Logger
}

// NewService constructs a Service.
func NewService(capturer shot.Capturer, saver Saver, logger *zap.Logger) (*Service, error) {
	if capturer == nil || saver == nil {
		return nil, errors.New("capture: capturer and saver are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{capturer: capturer, saver: saver, logger: logger}, nil
}

// Unit returns the per-attempt unit of work for scheduler runs: capture the
// task's target through the session endpoint and save it under
// concurrent_<label>.
func (s *Service) Unit(runID string, fullPage bool) func(task shot.Task) lifecycle.Action {
	return func(task shot.Task) lifecycle.Action {
		return func(ctx context.Context, session shot.Handle) (string, error) {
			png, err := s.capturer.Capture(ctx, session.Endpoint(), shot.CaptureRequest{URL: task.Target.URL, FullPage: fullPage})
			if err != nil {
				return "", fmt.Errorf("capture %s in session %s: %w", task.Target.URL, session.ID(), err)
			}
			return s.saver.Save(ctx, artifact.Artifact{
				Dir:       artifact.ConcurrentDir(task.Target.Label),
				Prefix:    fmt.Sprintf("%s_%d_", task.Target.Label, task.Index),
				Data:      png,
				Target:    task.Target,
				Engine:    EngineRemote,
				RunID:     runID,
				TaskIndex: task.Index,
				Attempts:  task.Attempt + 1,
			})
		}
	}
}

var viaLayout = map[string]struct{ dir, prefix string }{
	EngineCDP:      {artifact.DirCDP, "cdp_"},
	EngineLocalCDP: {artifact.DirLocalCDP, "localcdp_"},
}

// Via captures req through an existing debugging endpoint. engine is
// EngineCDP or EngineLocalCDP and picks the artifact directory.
func (s *Service) Via(ctx context.Context, endpoint string, req shot.CaptureRequest, engine string) (string, error) {
	layout, ok := viaLayout[engine]
	if !ok {
		return "", fmt.Errorf("capture: unknown engine %q", engine)
	}
	if req.URL == "" {
		return "", shot.Errorf(shot.KindValidation, "capture", "url is required")
	}
	png, err := s.capturer.Capture(ctx, endpoint, req)
	if err != nil {
		return "", err
	}
	return s.saver.Save(ctx, artifact.Artifact{
		Dir:      layout.dir,
		Prefix:   layout.prefix,
		Data:     png,
		Target:   shot.Target{Label: shot.LabelForURL(req.URL), URL: req.URL},
		Engine:   engine,
		Attempts: 1,
	})
}

// Tabs captures req in tabs pages of a self-managed engine and saves every
// non-empty result under service_playwright.
func (s *Service) Tabs(ctx context.Context, engine shot.Engine, req shot.CaptureRequest, tabs int) ([]string, error) {
	if engine == nil {
		return nil, shot.Errorf(shot.KindValidation, "capture tabs", "engine is not configured")
	}
	shots, err := engine.CaptureTabs(ctx, req, tabs)
	if err != nil {
		return nil, err
	}
	target := shot.Target{Label: shot.LabelForURL(req.URL), URL: req.URL}
	paths := make([]string, 0, len(shots))
	for i, png := range shots {
		loc, err := s.saver.Save(ctx, artifact.Artifact{
			Dir:       artifact.DirPlaywright,
			Prefix:    fmt.Sprintf("play_%d_", i),
			Data:      png,
			Target:    target,
			Engine:    EnginePlaywright,
			TaskIndex: i,
			Attempts:  1,
		})
		if err != nil {
			return paths, err
		}
		if loc != "" {
			paths = append(paths, loc)
		}
	}
	return paths, nil
}
