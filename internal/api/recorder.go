package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/4ndr3c0d3/shotfleet/internal/recorder"
	"github.com/4ndr3c0d3/shotfleet/internal/scrape"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

type recordingRequest struct {
	URL      string            `json:"url"`
	Viewport recorder.Viewport `json:"viewport"`
}

func (s *Server) recordings() (Recordings, error) {
	if s.opts.Recorder == nil {
		return nil, shot.Errorf(shot.KindValidation, "recorder", "recorder is not configured")
	}
	return s.opts.Recorder, nil
}

func (s *Server) recordingOpen(w http.ResponseWriter, r *http.Request) {
	var req recordingRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, r, missing("open recording", "url"))
		return
	}
	rec, err := s.recordings()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opened, err := rec.Open(r.Context(), req.URL, req.Viewport)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.Context().Err() != nil {
		rec.Close(opened.ID)
		s.writeError(w, r, shot.Wrap(shot.KindTransport, "open recording", r.Context().Err()))
		return
	}
	writeJSON(w, http.StatusOK, opened)
}

func (s *Server) recordingEvent(w http.ResponseWriter, r *http.Request) {
	var ev recorder.Event
	if err := decodeJSON(r, &ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.recordings()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	step, err := rec.Apply(r.Context(), chi.URLParam(r, "id"), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) recordingClose(w http.ResponseWriter, r *http.Request) {
	rec, err := s.recordings()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"closed": rec.Close(chi.URLParam(r, "id"))})
}

func (s *Server) scrapeSite(w http.ResponseWriter, r *http.Request) {
	const op = "scrape"
	site, ok := scrape.Sites[chi.URLParam(r, "site")]
	if !ok {
		s.writeError(w, r, shot.Errorf(shot.KindNotFound, op, "unknown site %q", chi.URLParam(r, "site")))
		return
	}
	if s.opts.Scraper == nil {
		s.writeError(w, r, shot.Errorf(shot.KindValidation, op, "scraper is not configured"))
		return
	}
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
	result, err := s.opts.Scraper.Run(r.Context(), mgr, site)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
