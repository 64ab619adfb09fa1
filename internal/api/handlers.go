package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/browser/playwright"
	"github.com/4ndr3c0d3/shotfleet/internal/capture"
	"github.com/4ndr3c0d3/shotfleet/internal/lifecycle"
	"github.com/4ndr3c0d3/shotfleet/internal/registry"
	"github.com/4ndr3c0d3/shotfleet/internal/scheduler"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

const maxBodyBytes = 1 << 20

// decodeJSON reads an optional JSON object. An empty body decodes as {}.
func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return shot.Errorf(shot.KindValidation, "decode request", "invalid JSON: %v", err)
}

func missing(op, field string) error {
	return shot.Errorf(shot.KindValidation, op, "missing %s", field)
}

type screenshotRequest struct {
	URL      string          `json:"url"`
	Tabs     json.RawMessage `json:"tabs"`
	FullPage bool            `json:"fullPage"`
	Engine   string          `json:"engine"`
}

type screenshotResponse struct {
	Engine string   `json:"engine"`
	Images []string `json:"images"`
	Failed int      `json:"failed,omitempty"`
}

// parseTabs accepts a number or numeric string and clamps it to [1, 50].
// Anything unparsable is 1.
func parseTabs(raw json.RawMessage) int {
	if len(raw) == 0 || string(raw) == "null" {
		return playwright.MinTabs
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return playwright.MinTabs
		}
		i, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return playwright.MinTabs
		}
		n = float64(i)
	}
	if n > playwright.MaxTabs {
		return playwright.MaxTabs
	}
	return playwright.ClampTabs(int(n))
}

func (s *Server) screenshot(w http.ResponseWriter, r *http.Request) {
	const op = "screenshot"
	var req screenshotRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, r, missing(op, "url"))
		return
	}
	tabs := parseTabs(req.Tabs)
	capReq := shot.CaptureRequest{URL: req.URL, FullPage: req.FullPage}

	switch req.Engine {
	case "", capture.EnginePlaywright:
		if s.opts.Captures == nil || s.opts.Engine == nil {
			s.writeError(w, r, shot.Errorf(shot.KindValidation, op, "playwright engine is not configured"))
			return
		}
		images, err := s.opts.Captures.Tabs(r.Context(), s.opts.Engine, capReq, tabs)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, screenshotResponse{Engine: capture.EnginePlaywright, Images: nonNil(images)})
	case capture.EngineRemote:
		if s.opts.Fleet == nil {
			s.writeError(w, r, shot.Errorf(shot.KindValidation, op, "remote engine is not configured"))
			return
		}
		report, err := s.opts.Fleet.Run(r.Context(), capture.RunRequest{
			RunID:       RequestID(r.Context()),
			Target:      shot.Target{Label: shot.LabelForURL(req.URL), URL: req.URL},
			Tasks:       tabs,
			Concurrency: min(tabs, s.opts.FleetConcurrency),
			Mode:        scheduler.ModeConcurrent,
			FullPage:    req.FullPage,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, screenshotResponse{
			Engine: capture.EngineRemote,
			Images: nonNil(report.Artifacts()),
			Failed: report.Failed(),
		})
	default:
		s.writeError(w, r, shot.Errorf(shot.KindValidation, op, "unknown engine %q", req.Engine))
	}
}

type remoteRequest struct {
	BaseURL    string `json:"base_url"`
	Token      string `json:"token"`
	Kind       string `json:"kind"`
	ComputerID string `json:"computer_id"`
}

type cdpCreateResponse struct {
	Success    bool   `json:"success"`
	ComputerID string `json:"computer_id"`
	CDPURL     string `json:"cdp_url"`
	BaseURL    string `json:"base_url"`
	Kind       string `json:"kind"`
}

func (s *Server) remote(req remoteRequest) (RemoteBackend, error) {
	if s.opts.Remote == nil {
		return nil, shot.Errorf(shot.KindValidation, "remote", "remote backend is not configured")
	}
	return s.opts.Remote(req.BaseURL, req.Token, req.Kind)
}

// remoteManager wraps backend in the configured creation policy, pacing
// per base URL unless a key was configured.
func (s *Server) remoteManager(backend RemoteBackend) (*lifecycle.Manager, error) {
	creation := s.opts.Creation
	if creation.PaceKey == "" {
		creation.PaceKey = backend.BaseURL()
	}
	return lifecycle.New(backend, creation, s.logger)
}

func (s *Server) cdpCreate(w http.ResponseWriter, r *http.Request) {
	var req remoteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	backend, err := s.remote(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mgr, err := s.remoteManager(backend)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	handle, err := mgr.Create(r.Context(), shot.SessionRemote)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.Context().Err() != nil {
		// The client is gone and nobody will learn this id.
		s.releaseOrphan(r.Context(), handle)
		s.writeError(w, r, shot.Wrap(shot.KindTransport, "cdp create", context.Cause(r.Context())))
		return
	}
	writeJSON(w, http.StatusOK, cdpCreateResponse{
		Success:    true,
		ComputerID: handle.ID(),
		CDPURL:     handle.Endpoint(),
		BaseURL:    backend.BaseURL(),
		Kind:       backend.Kind(),
	})
}

func (s *Server) releaseOrphan(ctx context.Context, handle shot.Handle) {
	timeout := s.opts.Creation.CloseTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := handle.Close(ctx); err != nil {
		s.logger.Warn("release orphaned computer", zap.String("computer_id", handle.ID()), zap.Error(err))
		return
	}
	s.logger.Info("released orphaned computer", zap.String("computer_id", handle.ID()))
}

type captureRequest struct {
	ID       string `json:"id"`
	CDPURL   string `json:"cdp_url"`
	WSURL    string `json:"ws_url"`
	URL      string `json:"url"`
	FullPage bool   `json:"fullPage"`
}

type imageResponse struct {
	Success bool   `json:"success"`
	Image   string `json:"image"`
}

func (s *Server) cdpScreenshot(w http.ResponseWriter, r *http.Request) {
	const op = "cdp screenshot"
	var req captureRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch {
	case req.CDPURL == "":
		s.writeError(w, r, missing(op, "cdp_url"))
		return
	case req.URL == "":
		s.writeError(w, r, missing(op, "url"))
		return
	case s.opts.Captures == nil:
		s.writeError(w, r, shot.Errorf(shot.KindValidation, op, "capture is not configured"))
		return
	}
	image, err := s.opts.Captures.Via(r.Context(), req.CDPURL, shot.CaptureRequest{URL: req.URL, FullPage: req.FullPage}, capture.EngineCDP)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, imageResponse{Success: true, Image: image})
}

type closeResponse struct {
	Success bool   `json:"success"`
	Closed  bool   `json:"closed"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) cdpClose(w http.ResponseWriter, r *http.Request) {
	var req remoteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	backend, err := s.remote(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ComputerID) == "" {
		s.writeError(w, r, missing("cdp close", "computer_id"))
		return
	}
	err = backend.DeleteComputer(r.Context(), req.ComputerID)
	switch {
	case err == nil, shot.Classify(err) == shot.KindNotFound:
		writeJSON(w, http.StatusOK, closeResponse{Success: true, Closed: true})
	default:
		s.logger.Warn("close computer", zap.String("computer_id", req.ComputerID), zap.Error(err))
		writeJSON(w, http.StatusOK, closeResponse{Success: false, Closed: false, Error: err.Error()})
	}
}

type localCreateRequest struct {
	Headless *bool `json:"headless"`
	Port     int   `json:"port"`
}

type localCreateResponse struct {
	Success  bool    `json:"success"`
	ID       string  `json:"id"`
	CDPURL   string  `json:"cdp_url"`
	WSURL    *string `json:"ws_url"`
	Port     int     `json:"port"`
	Headless bool    `json:"headless"`
}

func (s *Server) local() (LocalSessions, error) {
	if s.opts.Local == nil {
		return nil, shot.Errorf(shot.KindValidation, "local", "local browsers are not configured")
	}
	return s.opts.Local, nil
}

func (s *Server) localCreate(w http.ResponseWriter, r *http.Request) {
	var req localCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	local, err := s.local()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entry, err := local.Create(r.Context(), registry.CreateRequest{Headless: req.Headless, Port: req.Port})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := localCreateResponse{
		Success:  true,
		ID:       entry.ID,
		CDPURL:   entry.DebugEndpoint,
		Port:     entry.Port,
		Headless: entry.Headless,
	}
	if entry.WSEndpoint != "" {
		resp.WSURL = &entry.WSEndpoint
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) localScreenshot(w http.ResponseWriter, r *http.Request) {
	const op = "local screenshot"
	var req captureRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.URL == "" {
		s.writeError(w, r, missing(op, "url"))
		return
	}
	local, err := s.local()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	endpoint := req.WSURL
	if endpoint == "" {
		endpoint = req.CDPURL
	}
	endpoint, err = local.Resolve(req.ID, endpoint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.opts.Captures == nil {
		s.writeError(w, r, shot.Errorf(shot.KindValidation, op, "capture is not configured"))
		return
	}
	image, err := s.opts.Captures.Via(r.Context(), endpoint, shot.CaptureRequest{URL: req.URL, FullPage: req.FullPage}, capture.EngineLocalCDP)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, imageResponse{Success: true, Image: image})
}

func (s *Server) localClose(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ID == "" {
		s.writeError(w, r, missing("local close", "id"))
		return
	}
	local, err := s.local()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, closeResponse{Success: true, Closed: local.Close(r.Context(), req.ID)})
}

func (s *Server) localSessions(w http.ResponseWriter, r *http.Request) {
	local, err := s.local()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries := local.List()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "sessions": entries})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

