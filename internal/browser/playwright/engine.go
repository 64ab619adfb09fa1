// Package playwright is the self-managed engine: it launches its own
// Chromium per request and screenshots the same page in several tabs.
package playwright

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

// Tab limits for one request.
const (
	MinTabs = 1
	MaxTabs = 50
)

// Config configures an Engine.
type Config struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	// SettleMillis is waited after DOMContentLoaded before each screenshot.
	SettleMillis float64
	// Install downloads the driver and browsers on first use.
	Install bool
}

// Engine implements shot.Engine. The driver starts on first use and is
// shared by all requests until Close.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu sync.Mutex
	pw *playwright.Playwright
}

// New returns an Engine with defaults filled in.
func New(cfg Config, logger *zap.Logger) *Engine {
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		cfg.ViewportWidth, cfg.ViewportHeight = 1366, 768
	}
	if cfg.SettleMillis <= 0 {
		cfg.SettleMillis = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// ClampTabs bounds n to [MinTabs, MaxTabs].
func ClampTabs(n int) int {
	return max(MinTabs, min(MaxTabs, n))
}

func (e *Engine) driver() (*playwright.Playwright, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pw != nil {
		return e.pw, nil
	}
	opts := &playwright.RunOptions{Verbose: false, Stdout: io.Discard, Stderr: io.Discard}
	if e.cfg.Install {
		if err := playwright.Install(opts); err != nil {
			return nil, shot.Wrap(shot.KindTransport, "playwright", fmt.Errorf("install: %w", err))
		}
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, shot.Wrap(shot.KindTransport, "playwright", fmt.Errorf("start driver: %w", err))
	}
	e.pw = pw
	return pw, nil
}

// CaptureTabs launches a browser, opens tabs pages one after another and
// returns one PNG per tab. The browser is closed before returning.
func (e *Engine) CaptureTabs(ctx context.Context, req shot.CaptureRequest, tabs int) ([][]byte, error) {
	const op = "playwright capture"
	if req.URL == "" {
		return nil, shot.Errorf(shot.KindValidation, op, "missing url")
	}
	tabs = ClampTabs(tabs)

	pw, err := e.driver()
	if err != nil {
		return nil, err
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(e.cfg.Headless)})
	if err != nil {
		return nil, shot.Wrap(shot.KindTransport, op, fmt.Errorf("launch: %w", err))
	}
	defer func() {
		if err := browser.Close(); err != nil {
			e.logger.Warn("close browser", zap.Error(err))
		}
	}()

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: e.cfg.ViewportWidth, Height: e.cfg.ViewportHeight},
	})
	if err != nil {
		return nil, shot.Wrap(shot.KindTransport, op, fmt.Errorf("new context: %w", err))
	}
	defer func() { _ = bctx.Close() }()

	shots := make([][]byte, 0, tabs)
	for i := 0; i < tabs; i++ {
		if err := ctx.Err(); err != nil {
			return shots, err
		}
		png, err := e.tab(bctx, req)
		if err != nil {
			return shots, shot.Wrap(shot.KindTransport, op, fmt.Errorf("tab %d: %w", i, err))
		}
		shots = append(shots, png)
	}
	return shots, nil
}

func (e *Engine) tab(bctx playwright.BrowserContext, req shot.CaptureRequest) ([]byte, error) {
	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	defer func() { _ = page.Close() }()

	waitUntil := playwright.WaitUntilState("domcontentloaded")
	if _, err := page.Goto(req.URL, playwright.PageGotoOptions{WaitUntil: &waitUntil}); err != nil {
		return nil, fmt.Errorf("goto %s: %w", req.URL, err)
	}
	page.WaitForTimeout(e.cfg.SettleMillis)

	png, err := page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(req.FullPage),
		Type:     playwright.ScreenshotTypePng,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return png, nil
}

// Close stops the driver if it was started.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pw == nil {
		return nil
	}
	err := e.pw.Stop()
	e.pw = nil
	return err
}
