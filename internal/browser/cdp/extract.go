package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

// ExtractRequest loads URL, waits for WaitSelector, evaluates Expression and
// takes a full-page screenshot.
type ExtractRequest struct {
	URL          string
	WaitSelector string
	// Expression is a JavaScript function expression; its JSON-serializable
	// return value becomes ExtractResult.Data.
	Expression string
}

// ExtractResult is what Extract scraped from the page.
type ExtractResult struct {
	Data json.RawMessage
	PNG  []byte
}

// ExtractorConfig bounds the page load and the waits.
type ExtractorConfig struct {
	NavigationTimeout time.Duration
	ReadyTimeout      time.Duration
}

// Extractor scrapes structured data through a CDP endpoint.
type Extractor struct {
	cfg ExtractorConfig
}

// NewExtractor returns an Extractor with defaults filled in.
func NewExtractor(cfg ExtractorConfig) *Extractor {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 10 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 8 * time.Second
	}
	return &Extractor{cfg: cfg}
}

// Extract opens a fresh tab on endpoint and runs req. Deadline failures keep
// context.DeadlineExceeded in their chain.
func (e *Extractor) Extract(ctx context.Context, endpoint string, req ExtractRequest) (ExtractResult, error) {
	const op = "cdp extract"
	if strings.TrimSpace(req.URL) == "" || strings.TrimSpace(req.Expression) == "" {
		return ExtractResult{}, shot.Errorf(shot.KindValidation, op, "url and expression are required")
	}
	wsURL, noModify, err := resolveEndpoint(endpoint)
	if err != nil {
		return ExtractResult{}, err
	}
	var opts []chromedp.RemoteAllocatorOption
	if noModify {
		opts = append(opts, chromedp.NoModifyURL)
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, wsURL, opts...)
	defer allocCancel()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	defer tabCancel()

	if err := chromedp.Run(tabCtx); err != nil {
		return ExtractResult{}, shot.Wrap(shot.KindTransport, op, fmt.Errorf("connect %s: %w", redact(wsURL), err))
	}

	navCtx, navCancel := context.WithTimeout(tabCtx, e.cfg.NavigationTimeout)
	err = chromedp.Run(navCtx, chromedp.Navigate(req.URL))
	navCancel()
	if err != nil {
		return ExtractResult{}, fmt.Errorf("navigate %s: %w", req.URL, err)
	}

	waitCtx, waitCancel := context.WithTimeout(tabCtx, e.cfg.ReadyTimeout)
	var ready bool
	err = chromedp.Run(waitCtx, chromedp.Poll(readyExpression, &ready))
	if err == nil && req.WaitSelector != "" {
		err = chromedp.Run(waitCtx, chromedp.WaitVisible(req.WaitSelector, chromedp.ByQuery))
	}
	waitCancel()
	if err != nil {
		return ExtractResult{}, fmt.Errorf("wait for %s: %w", req.URL, err)
	}

	var res ExtractResult
	err = chromedp.Run(tabCtx,
		chromedp.Evaluate("("+req.Expression+")()", &res.Data),
		chromedp.FullScreenshot(&res.PNG, pngQuality),
	)
	if err != nil {
		return ExtractResult{}, fmt.Errorf("extract %s: %w", req.URL, err)
	}
	return res, nil
}
