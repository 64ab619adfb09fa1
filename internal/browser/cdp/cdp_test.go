package cdp

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

func TestResolveEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		want     string
		noModify bool
	}{
		{"http://127.0.0.1:9222", "ws://127.0.0.1:9222", false},
		{"http://127.0.0.1:9222/", "ws://127.0.0.1:9222/", false},
		{"ws://127.0.0.1:9222/devtools/browser/abc", "ws://127.0.0.1:9222/devtools/browser/abc", true},
		{"https://v2.tzafon.ai/v1/computers/id/cdp?token=t", "wss://v2.tzafon.ai/v1/computers/id/cdp?token=t", true},
	}
	for _, tc := range tests {
		got, noModify, err := resolveEndpoint(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
		assert.Equal(t, tc.noModify, noModify, tc.in)
	}

	for _, bad := range []string{"", "ftp://x", "http://"} {
		_, _, err := resolveEndpoint(bad)
		require.Error(t, err, bad)
		assert.Equal(t, shot.KindValidation, shot.Classify(err), bad)
	}
}

func TestRedactHidesToken(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "wss://host/v1/computers/id/cdp?redacted", redact("wss://host/v1/computers/id/cdp?token=secret"))
	assert.Equal(t, "ws://127.0.0.1:9222", redact("ws://127.0.0.1:9222"))
}

func TestNewCapturerDefaults(t *testing.T) {
	t.Parallel()

	c := NewCapturer(CapturerConfig{})
	assert.Equal(t, 15*time.Second, c.cfg.NavigationTimeout)
	assert.Equal(t, 8*time.Second, c.cfg.ReadyTimeout)
	assert.Equal(t, 1366, c.cfg.ViewportWidth)
	assert.Equal(t, 768, c.cfg.ViewportHeight)
}

func TestCaptureValidatesInput(t *testing.T) {
	t.Parallel()

	c := NewCapturer(CapturerConfig{})
	_, err := c.Capture(context.Background(), "http://127.0.0.1:1", shot.CaptureRequest{})
	assert.Equal(t, shot.KindValidation, shot.Classify(err))
	_, err = c.Capture(context.Background(), "", shot.CaptureRequest{URL: "https://example.com"})
	assert.Equal(t, shot.KindValidation, shot.Classify(err))
}

func TestLaunchRejectsBadPort(t *testing.T) {
	t.Parallel()

	_, err := NewLauncher(LauncherConfig{}, zap.NewNop()).Launch(context.Background(), LaunchOptions{Port: 0})
	assert.Equal(t, shot.KindValidation, shot.Classify(err))
}

func TestLaunchAndCapture(t *testing.T) {
	if testing.Short() {
		t.Skip("launches a browser")
	}
	execPath, err := FindExecPath()
	if err != nil {
		t.Skip(err)
	}

	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body><h1>hello</h1></body></html>"))
	}))
	defer page.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	proc, err := NewLauncher(LauncherConfig{ExecPath: execPath, ExtraFlags: map[string]any{"no-sandbox": true}}, zap.NewNop()).
		Launch(context.Background(), LaunchOptions{Port: port, Headless: true})
	require.NoError(t, err)
	defer func() { _ = proc.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	png, err := NewCapturer(CapturerConfig{}).Capture(ctx, fmt.Sprintf("http://127.0.0.1:%d", port), shot.CaptureRequest{URL: page.URL})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
	require.NoError(t, proc.Close())
	require.NoError(t, proc.Close())
}
