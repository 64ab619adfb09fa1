// Package scrape extracts structured data from known sites inside a
// remote browser session and keeps a full-page screenshot of each run.
package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/artifact"
	"github.com/4ndr3c0d3/shotfleet/internal/browser/cdp"
	"github.com/4ndr3c0d3/shotfleet/internal/capture"
	"github.com/4ndr3c0d3/shotfleet/internal/lifecycle"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

// Site is one scrape recipe.
type Site struct {
	Name         string
	URL          string
	WaitSelector string
	// Expression is evaluated in the page; see cdp.ExtractRequest.
	Expression string
	// DataKey names the extracted value in Result.Data.
	DataKey string
}

const sayroProjects = `() => {
  const cards = Array.from(document.querySelectorAll('.project-card, .card, .project'));
  return cards.map(card => ({
    title: card.querySelector('h3, h2')?.innerText || null,
    description: card.querySelector('p')?.innerText || null,
    link: card.querySelector('a')?.href || null,
  }));
}`

// Sites are the recipes served under /scrape/{name}.
var Sites = map[string]Site{
	"sayro": {
		Name:         "sayro",
		URL:          "https://sayro-web.vercel.app/",
		WaitSelector: "section",
		Expression:   sayroProjects,
		DataKey:      "projects",
	},
}

// Error types reported for failed extractions.
const (
	ErrorTimeout = "TimeoutError"
	ErrorGeneral = "GeneralError"
)

// Result is the outcome of one scrape. A session that was created but whose
// extraction failed has Success false with ComputerID, ErrorType and Error set.
type Result struct {
	Success    bool                       `json:"success"`
	ComputerID string                     `json:"computer_id"`
	Data       map[string]json.RawMessage `json:"data,omitempty"`
	Screenshot string                     `json:"screenshot,omitempty"`
	ErrorType  string                     `json:"error_type,omitempty"`
	Error      string                     `json:"error,omitempty"`
}

// Extractor is *cdp.Extractor as seen by this package.
type Extractor interface {
	Extract(ctx context.Context, endpoint string, req cdp.ExtractRequest) (cdp.ExtractResult, error)
}

// Sessions wraps work in a session lifecycle. *lifecycle.Manager satisfies it.
type Sessions interface {
	WithSession(ctx context.Context, kind shot.SessionKind, action lifecycle.Action) (string, error)
}

// Service runs site recipes.
type Service struct {
	extractor Extractor
	saver     capture.Saver
	logger    *zap.Logger
}

// NewService constructs a Service.
func NewService(extractor Extractor, saver capture.Saver, logger *zap.Logger) (*Service, error) {
	if extractor == nil || saver == nil {
		return nil, errors.New("scrape: extractor and saver are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{extractor: extractor, saver: saver, logger: logger}, nil
}

// Run creates a session, scrapes site in it and releases it. Errors are
// returned only when no session could be created.
func (s *Service) Run(ctx context.Context, sessions Sessions, site Site) (Result, error) {
	var res Result
	_, err := sessions.WithSession(ctx, shot.SessionRemote, func(ctx context.Context, session shot.Handle) (string, error) {
		res.ComputerID = session.ID()
		out, err := s.extractor.Extract(ctx, session.Endpoint(), cdp.ExtractRequest{
			URL:          site.URL,
			WaitSelector: site.WaitSelector,
			Expression:   site.Expression,
		})
		if err != nil {
			return "", err
		}
		res.Data = map[string]json.RawMessage{site.DataKey: out.Data}
		location, err := s.saver.Save(ctx, artifact.Artifact{
			Dir:      artifact.DirPlaywright,
			Prefix:   fmt.Sprintf("%s_%s_", site.Name, session.ID()),
			Data:     out.PNG,
			Target:   shot.Target{Label: site.Name, URL: site.URL},
			Engine:   capture.EngineRemote,
			Attempts: 1,
		})
		if err != nil {
			return "", err
		}
		res.Screenshot = location
		return location, nil
	})
	switch {
	case err == nil:
		res.Success = true
		return res, nil
	case res.ComputerID == "":
		return Result{}, err
	}
	s.logger.Warn("scrape failed", zap.String("site", site.Name), zap.String("computer_id", res.ComputerID), zap.Error(err))
	res.Data = nil
	res.Screenshot = ""
	res.ErrorType = ErrorGeneral
	if errors.Is(err, context.DeadlineExceeded) {
		res.ErrorType = ErrorTimeout
	}
	res.Error = err.Error()
	return res, nil
}
