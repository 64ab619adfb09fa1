package cdp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

// ScrollPosition is window.scrollX/scrollY.
type ScrollPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// scrollExpression resolves after two frames so wheel scrolling has landed.
const scrollExpression = `new Promise(r => requestAnimationFrame(() => requestAnimationFrame(() => r({x: window.scrollX, y: window.scrollY}))))`

// namedKeys maps key names onto the sequences chromedp.KeyEvent expects.
var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"Home":       kb.Home,
	"End":        kb.End,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
	"Space":      " ",
}

// KeySequence resolves a key name such as "Enter" or a single character.
func KeySequence(key string) (string, error) {
	if seq, ok := namedKeys[key]; ok {
		return seq, nil
	}
	if len([]rune(key)) == 1 {
		return key, nil
	}
	return "", shot.Errorf(shot.KindValidation, "key", "unsupported key %q", key)
}

// PageConfig sizes and loads an interactive page.
type PageConfig struct {
	URL               string
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
}

// Page is one long-lived tab driven by discrete input events. Calls are
// serialized so events land in order.
type Page struct {
	mu          sync.Mutex
	width       int
	height      int
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

// OpenPage attaches a new tab to endpoint and loads cfg.URL. The tab lives
// until Close; ctx only bounds the open itself.
func OpenPage(ctx context.Context, endpoint string, cfg PageConfig) (*Page, error) {
	const op = "open page"
	if cfg.URL == "" {
		return nil, shot.Errorf(shot.KindValidation, op, "missing url")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 15 * time.Second
	}
	wsURL, noModify, err := resolveEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	var opts []chromedp.RemoteAllocatorOption
	if noModify {
		opts = append(opts, chromedp.NoModifyURL)
	}
	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(context.Background(), wsURL, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	p := &Page{width: cfg.ViewportWidth, height: cfg.ViewportHeight, tabCtx: tabCtx, cancelTab: cancelTab, cancelAlloc: cancelAlloc}

	stop := context.AfterFunc(ctx, cancelTab)
	// The first Run attaches the tab, so it must use tabCtx itself.
	if err := chromedp.Run(tabCtx); err != nil {
		stop()
		p.Close()
		return nil, shot.Wrap(shot.KindTransport, op, fmt.Errorf("connect %s: %w", redact(wsURL), err))
	}
	err = p.run(ctx, cfg.NavigationTimeout, deviceMetrics(cfg.ViewportWidth, cfg.ViewportHeight), chromedp.Navigate(cfg.URL))
	if !stop() && err == nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		p.Close()
		return nil, shot.Wrap(shot.KindTransport, op, fmt.Errorf("navigate %s: %w", cfg.URL, err))
	}
	return p, nil
}

// run executes actions on the tab, bounded by ctx and timeout.
func (p *Page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

const eventTimeout = 10 * time.Second

// Click presses and releases button at viewport coordinates.
func (p *Page) Click(ctx context.Context, x, y int, button string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if button == "" {
		button = "left"
	}
	if err := p.run(ctx, eventTimeout, chromedp.MouseClickXY(float64(x), float64(y), chromedp.Button(button))); err != nil {
		return shot.Wrap(shot.KindTransport, "click", err)
	}
	return nil
}

// Scroll dispatches a wheel event at the viewport center and reports the
// window scroll position before and after.
func (p *Page) Scroll(ctx context.Context, dx, dy int) (before, after ScrollPosition, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	awaitPromise := func(e *runtime.EvaluateParams) *runtime.EvaluateParams { return e.WithAwaitPromise(true) }
	err = p.run(ctx, eventTimeout,
		chromedp.Evaluate(scrollExpression, &before, awaitPromise),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return input.DispatchMouseEvent(input.MouseWheel, float64(p.width)/2, float64(p.height)/2).
				WithDeltaX(float64(dx)).
				WithDeltaY(float64(dy)).
				Do(ctx)
		}),
		chromedp.Evaluate(scrollExpression, &after, awaitPromise),
	)
	if err != nil {
		return before, after, shot.Wrap(shot.KindTransport, "scroll", err)
	}
	return before, after, nil
}

// Type sends text as key events to the focused element.
func (p *Page) Type(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.run(ctx, eventTimeout, chromedp.KeyEvent(text)); err != nil {
		return shot.Wrap(shot.KindTransport, "type", err)
	}
	return nil
}

// Press sends one named key, see KeySequence.
func (p *Page) Press(ctx context.Context, key string) error {
	seq, err := KeySequence(key)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.run(ctx, eventTimeout, chromedp.KeyEvent(seq)); err != nil {
		return shot.Wrap(shot.KindTransport, "press", err)
	}
	return nil
}

// Screenshot captures the viewport as PNG.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var buf []byte
	if err := p.run(ctx, eventTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, shot.Wrap(shot.KindTransport, "screenshot", err)
	}
	return buf, nil
}

// Close closes the tab and drops the connection. The browser is left running.
func (p *Page) Close() {
	p.cancelTab()
	p.cancelAlloc()
}
