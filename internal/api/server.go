package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/capture"
	"github.com/4ndr3c0d3/shotfleet/internal/lifecycle"
	"github.com/4ndr3c0d3/shotfleet/internal/metrics"
	"github.com/4ndr3c0d3/shotfleet/internal/recorder"
	"github.com/4ndr3c0d3/shotfleet/internal/registry"
	"github.com/4ndr3c0d3/shotfleet/internal/scheduler"
	"github.com/4ndr3c0d3/shotfleet/internal/scrape"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

// Captures is the capture service as seen by handlers.
type Captures interface {
	Via(ctx context.Context, endpoint string, req shot.CaptureRequest, engine string) (string, error)
	Tabs(ctx context.Context, engine shot.Engine, req shot.CaptureRequest, tabs int) ([]string, error)
}

// Fleet runs remote multi-session captures.
type Fleet interface {
	Run(ctx context.Context, req capture.RunRequest) (scheduler.Report, error)
}

// LocalSessions is the local browser registry.
type LocalSessions interface {
	Create(ctx context.Context, req registry.CreateRequest) (registry.Entry, error)
	Resolve(id, endpoint string) (string, error)
	Close(ctx context.Context, id string) bool
	List() []registry.Entry
}

// Recordings is the interactive session recorder.
type Recordings interface {
	Open(ctx context.Context, url string, vp recorder.Viewport) (recorder.Opened, error)
	Apply(ctx context.Context, id string, ev recorder.Event) (recorder.Step, error)
	Close(id string) bool
}

// Scraper runs site recipes inside a remote session.
type Scraper interface {
	Run(ctx context.Context, sessions scrape.Sessions, site scrape.Site) (scrape.Result, error)
}

// RemoteBackend is a remote computers client bound to one base URL and token.
type RemoteBackend interface {
	shot.Backend
	BaseURL() string
	Kind() string
	DeleteComputer(ctx context.Context, id string) error
}

// RemoteFactory builds a RemoteBackend from request overrides. Empty
// arguments fall back to configuration and environment.
type RemoteFactory func(baseURL, token, kind string) (RemoteBackend, error)

// Options wires a Server. Nil collaborators disable the routes that need them
// with a validation error instead of crashing.
type Options struct {
	Captures Captures
	Engine   shot.Engine
	Fleet    Fleet
	Local    LocalSessions
	Remote   RemoteFactory
	Recorder Recordings
	Scraper  Scraper
	// Creation is the lifecycle config used for POST /cdp/create.
	Creation lifecycle.Config
	// FleetConcurrency caps sessions for engine=remote screenshots.
	FleetConcurrency int
	RequestTimeout   time.Duration
}

// Server wires HTTP handlers to the session services.
type Server struct {
	router chi.Router
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 180 * time.Second
	}
	if opts.FleetConcurrency <= 0 {
		opts.FleetConcurrency = 10
	}
	s := &Server{opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post("/screenshot", s.screenshot)

	r.Route("/cdp", func(r chi.Router) {
		r.Post("/create", s.cdpCreate)
		r.Post("/screenshot", s.cdpScreenshot)
		r.Post("/close", s.cdpClose)
	})
	r.Route("/local-cdp", func(r chi.Router) {
		r.Post("/create", s.localCreate)
		r.Post("/screenshot", s.localScreenshot)
		r.Post("/close", s.localClose)
		r.Get("/sessions", s.localSessions)
	})
	r.Post("/scrape/{site}", s.scrapeSite)
	r.Route("/api/session", func(r chi.Router) {
		r.Use(corsMiddleware)
		r.Options("/*", noContent)
		r.Options("/", noContent)
		r.Post("/", s.recordingOpen)
		r.Post("/{id}/event", s.recordingEvent)
		r.Post("/{id}/close", s.recordingClose)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

// StatusForKind maps an error kind onto an HTTP status.
func StatusForKind(kind shot.Kind) int {
	switch kind {
	case shot.KindValidation:
		return http.StatusBadRequest
	case shot.KindNotFound:
		return http.StatusNotFound
	case shot.KindCapacity:
		return http.StatusTooManyRequests
	case shot.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := shot.Classify(err)
	status := StatusForKind(kind)
	if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() != nil {
		status = http.StatusGatewayTimeout
	}
	logger := s.logger.With(zap.String("request_id", RequestID(r.Context())), zap.String("path", r.URL.Path))
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("kind", kind.String()), zap.Error(err))
	} else {
		logger.Info("request rejected", zap.String("kind", kind.String()), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind.String()})
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
