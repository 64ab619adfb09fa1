package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/artifact"
	"github.com/4ndr3c0d3/shotfleet/internal/browser/cdp"
	"github.com/4ndr3c0d3/shotfleet/internal/clock/system"
	"github.com/4ndr3c0d3/shotfleet/internal/hash/sha256"
	"github.com/4ndr3c0d3/shotfleet/internal/id/uuid"
	"github.com/4ndr3c0d3/shotfleet/internal/lifecycle"
	"github.com/4ndr3c0d3/shotfleet/internal/recorder"
	"github.com/4ndr3c0d3/shotfleet/internal/scrape"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
	"github.com/4ndr3c0d3/shotfleet/internal/storage/memory"
)

type stubRecordings struct {
	mu     sync.Mutex
	opened recordingRequest
	events []recorder.Event
	closed []string
}

func (s *stubRecordings) Open(_ context.Context, url string, vp recorder.Viewport) (recorder.Opened, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = recordingRequest{URL: url, Viewport: vp}
	return recorder.Opened{ID: "rec1", Viewport: recorder.ClampViewport(vp), Script: []string{"await computer.wait(1);"}, Info: "session created"}, nil
}

func (s *stubRecordings) Apply(_ context.Context, id string, ev recorder.Event) (recorder.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "rec1" {
		return recorder.Step{}, shot.Errorf(shot.KindNotFound, "apply event", "unknown session")
	}
	s.events = append(s.events, ev)
	return recorder.Step{Script: []string{"await computer.click(1, 2);"}, Meta: "click left @ (1, 2)", Info: "ok"}, nil
}

func (s *stubRecordings) Close(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, id)
	return id == "rec1"
}

func TestRecordingRoutes(t *testing.T) {
	t.Parallel()

	recs := &stubRecordings{}
	srv := NewServer(Options{Recorder: recs}, zap.NewNop())
	do := func(method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		var out map[string]any
		if rec.Body.Len() > 0 {
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
		}
		return rec, out
	}

	rec, body := do(http.MethodPost, "/api/session", `{"url":"https://example.com","viewport":{"width":800,"height":600}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "rec1", body["id"])
	assert.Equal(t, []any{"await computer.wait(1);"}, body["tzafon"])
	assert.Equal(t, recorder.Viewport{Width: 800, Height: 600}, recs.opened.Viewport)

	rec, body = do(http.MethodPost, "/api/session/rec1/event", `{"type":"click","x":1,"y":2,"button":"left"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "click left @ (1, 2)", body["meta"])
	assert.Equal(t, []recorder.Event{{Type: "click", X: 1, Y: 2, Button: "left"}}, recs.events)

	rec, body = do(http.MethodPost, "/api/session/nope/event", `{"type":"click"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["kind"])

	rec, body = do(http.MethodPost, "/api/session/rec1/close", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["closed"])
	_, body = do(http.MethodPost, "/api/session/rec1x/close", ``)
	assert.Equal(t, false, body["closed"])

	rec, _ = do(http.MethodOptions, "/api/session/rec1/event", ``)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "GET,POST,OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))

	rec, _ = do(http.MethodPost, "/api/session", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordingRoutesWithoutRecorder(t *testing.T) {
	t.Parallel()

	srv := NewServer(Options{}, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/session", strings.NewReader(`{"url":"https://example.com"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type pageExtractor struct{}

func (pageExtractor) Extract(context.Context, string, cdp.ExtractRequest) (cdp.ExtractResult, error) {
	return cdp.ExtractResult{Data: json.RawMessage(`[{"title":"a"}]`), PNG: []byte("\x89PNG")}, nil
}

func TestScrapeSiteReleasesComputer(t *testing.T) {
	t.Parallel()

	var deleted atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/computers":
			_, _ = w.Write([]byte(`{"id":"comp-9"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/computers/comp-9":
			deleted.Add(1)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()

	writer, err := artifact.NewWriter(memory.NewBlobStore(), system.New(), sha256.New(), uuid.New(), artifact.Options{}, zap.NewNop())
	require.NoError(t, err)
	scraper, err := scrape.NewService(pageExtractor{}, writer, zap.NewNop())
	require.NoError(t, err)
	srv := NewServer(Options{
		Remote:   tzafonFactory(backend),
		Scraper:  scraper,
		Creation: lifecycle.Config{Sleep: noSleep},
	}, zap.NewNop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scrape/sayro", strings.NewReader(`{"token":"tok"}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "comp-9", body["computer_id"])
	assert.Equal(t, map[string]any{"projects": []any{map[string]any{"title": "a"}}}, body["data"])
	assert.True(t, strings.HasPrefix(body["screenshot"].(string), "memory://service_playwright/sayro_comp-9_"))
	assert.EqualValues(t, 1, deleted.Load())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scrape/unknown", strings.NewReader(`{"token":"tok"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
