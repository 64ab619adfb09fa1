package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
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
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
	"github.com/4ndr3c0d3/shotfleet/internal/storage/memory"
)

type computer struct{ id string }

func (c computer) ID() string                  { return c.id }
func (c computer) Endpoint() string            { return "wss://remote/" + c.id + "/cdp?token=t" }
func (c computer) Close(context.Context) error { return nil }

type oneSession struct {
	createErr error
	released  int
}

func (s *oneSession) WithSession(ctx context.Context, _ shot.SessionKind, action lifecycle.Action) (string, error) {
	if s.createErr != nil {
		return "", fmt.Errorf("create remote session: %w", s.createErr)
	}
	defer func() { s.released++ }()
	return action(ctx, computer{id: "c1"})
}

type fakeExtractor struct {
	got cdp.ExtractRequest
	out cdp.ExtractResult
	err error
}

func (f *fakeExtractor) Extract(_ context.Context, endpoint string, req cdp.ExtractRequest) (cdp.ExtractResult, error) {
	if !strings.Contains(endpoint, "/c1/") {
		return cdp.ExtractResult{}, errors.New("wrong endpoint " + endpoint)
	}
	f.got = req
	return f.out, f.err
}

func newService(t *testing.T, ex Extractor) *Service {
	t.Helper()
	writer, err := artifact.NewWriter(memory.NewBlobStore(), system.New(), sha256.New(), uuid.New(), artifact.Options{}, zap.NewNop())
	require.NoError(t, err)
	svc, err := NewService(ex, writer, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestRunSayroExtractsProjects(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{out: cdp.ExtractResult{
		Data: json.RawMessage(`[{"title":"Shotfleet","description":null,"link":"https://example.com"}]`),
		PNG:  []byte("\x89PNG full page"),
	}}
	sessions := &oneSession{}
	res, err := newService(t, ex).Run(context.Background(), sessions, Sites["sayro"])
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "c1", res.ComputerID)
	assert.JSONEq(t, `[{"title":"Shotfleet","description":null,"link":"https://example.com"}]`, string(res.Data["projects"]))
	assert.True(t, strings.HasPrefix(res.Screenshot, "memory://service_playwright/sayro_c1_"), res.Screenshot)
	assert.Equal(t, "https://sayro-web.vercel.app/", ex.got.URL)
	assert.Equal(t, "section", ex.got.WaitSelector)
	assert.Equal(t, 1, sessions.released)
}

func TestRunReportsExtractionFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantType string
	}{
		{"timeout", fmt.Errorf("wait for page: %w", context.DeadlineExceeded), ErrorTimeout},
		{"general", errors.New("evaluate: TypeError"), ErrorGeneral},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sessions := &oneSession{}
			res, err := newService(t, &fakeExtractor{err: tc.err}).Run(context.Background(), sessions, Sites["sayro"])
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, "c1", res.ComputerID)
			assert.Equal(t, tc.wantType, res.ErrorType)
			assert.Contains(t, res.Error, tc.err.Error())
			assert.Empty(t, res.Screenshot)
			assert.Nil(t, res.Data)
			assert.Equal(t, 1, sessions.released)
		})
	}
}

func TestRunCreationFailureIsAnError(t *testing.T) {
	t.Parallel()

	busy := shot.StatusError("create computer", http.StatusTooManyRequests, "", "busy")
	_, err := newService(t, &fakeExtractor{}).Run(context.Background(), &oneSession{createErr: busy}, Sites["sayro"])
	require.Error(t, err)
	assert.Equal(t, shot.KindCapacity, shot.Classify(err))
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewService(nil, nil, nil)
	require.Error(t, err)
}
