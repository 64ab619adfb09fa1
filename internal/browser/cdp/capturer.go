// Package cdp drives Chrome DevTools Protocol endpoints with chromedp: it
// screenshots pages through an existing endpoint and launches debuggable
// local browsers.
package cdp

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

// pngQuality makes FullScreenshot encode PNG rather than JPEG.
const pngQuality = 100

const readyExpression = `document.readyState === 'complete' || document.readyState === 'interactive'`

// CapturerConfig controls page loading and the screenshot.
type CapturerConfig struct {
	NavigationTimeout time.Duration
	ReadyTimeout      time.Duration
	ViewportWidth     int
	ViewportHeight    int
}

// Capturer implements shot.Capturer over a CDP endpoint.
type Capturer struct {
	cfg CapturerConfig
}

// NewCapturer returns a Capturer with defaults filled in.
func NewCapturer(cfg CapturerConfig) *Capturer {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 15 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 8 * time.Second
	}
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		cfg.ViewportWidth, cfg.ViewportHeight = 1366, 768
	}
	return &Capturer{cfg: cfg}
}

// Capture opens a fresh tab on endpoint, loads req.URL and returns PNG bytes.
// The tab is closed afterwards; the browser behind endpoint is left running.
func (c *Capturer) Capture(ctx context.Context, endpoint string, req shot.CaptureRequest) ([]byte, error) {
	const op = "cdp capture"
	if strings.TrimSpace(req.URL) == "" {
		return nil, shot.Errorf(shot.KindValidation, op, "missing url")
	}
	wsURL, noModify, err := resolveEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	var opts []chromedp.RemoteAllocatorOption
	if noModify {
		opts = append(opts, chromedp.NoModifyURL)
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, wsURL, opts...)
	defer allocCancel()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	defer tabCancel()

	if err := chromedp.Run(tabCtx, c.viewport()); err != nil {
		return nil, shot.Wrap(shot.KindTransport, op, fmt.Errorf("connect %s: %w", redact(wsURL), err))
	}

	navCtx, navCancel := context.WithTimeout(tabCtx, c.cfg.NavigationTimeout)
	err = chromedp.Run(navCtx, chromedp.Navigate(req.URL))
	navCancel()
	if err != nil {
		return nil, shot.Wrap(shot.KindTransport, op, fmt.Errorf("navigate %s: %w", req.URL, err))
	}

	// Best effort: a page that never settles is still captured.
	var ready bool
	_ = chromedp.Run(tabCtx, chromedp.Poll(readyExpression, &ready, chromedp.WithPollingTimeout(c.cfg.ReadyTimeout)))

	var buf []byte
	shotAction := chromedp.CaptureScreenshot(&buf)
	if req.FullPage {
		shotAction = chromedp.FullScreenshot(&buf, pngQuality)
	}
	if err := chromedp.Run(tabCtx, shotAction); err != nil {
		return nil, shot.Wrap(shot.KindTransport, op, fmt.Errorf("screenshot %s: %w", req.URL, err))
	}
	return buf, nil
}

func (c *Capturer) viewport() chromedp.Action {
	return deviceMetrics(c.cfg.ViewportWidth, c.cfg.ViewportHeight)
}

func deviceMetrics(width, height int) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		return emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1, false).Do(ctx)
	})
}

// resolveEndpoint turns a debugging endpoint into a websocket URL. Bare
// host:port endpoints are left for chromedp to resolve via /json/version;
// anything with a path or query (a browser ws URL or a provider's cdp URL)
// is dialed as given.
func resolveEndpoint(raw string) (string, bool, error) {
	const op = "resolve endpoint"
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, shot.Errorf(shot.KindValidation, op, "missing cdp endpoint")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, shot.Wrap(shot.KindValidation, op, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", false, shot.Errorf(shot.KindValidation, op, "unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", false, shot.Errorf(shot.KindValidation, op, "endpoint has no host")
	}
	bare := (u.Path == "" || u.Path == "/") && u.RawQuery == ""
	return u.String(), !bare, nil
}

// redact hides query strings, which carry API tokens.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}
