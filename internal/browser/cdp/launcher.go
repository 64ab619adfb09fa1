package cdp

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

// ErrNoBrowser is returned by FindExecPath when no Chrome binary is installed.
var ErrNoBrowser = errors.New("no chrome or chromium executable found")

var execCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"headless-shell",
}

// FindExecPath returns the first Chrome-like binary on PATH.
func FindExecPath() (string, error) {
	for _, name := range execCandidates {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", ErrNoBrowser
}

// LaunchOptions describes one local browser.
type LaunchOptions struct {
	Port     int
	Headless bool
}

// Process is a running local browser.
type Process interface {
	PID() int
	Close() error
}

// LauncherConfig configures a Launcher.
type LauncherConfig struct {
	// ExecPath overrides the browser binary; empty lets chromedp search.
	ExecPath string
	// ExtraFlags are appended to the default allocator flags.
	ExtraFlags map[string]any
}

// Launcher starts Chrome processes that listen for DevTools on a fixed port.
type Launcher struct {
	cfg    LauncherConfig
	logger *zap.Logger
}

// NewLauncher constructs a Launcher.
func NewLauncher(cfg LauncherConfig, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg, logger: logger}
}

// Launch starts a browser on opts.Port and waits until it answers. The
// process outlives ctx; it stops only when the returned Process is closed.
func (l *Launcher) Launch(ctx context.Context, opts LaunchOptions) (Process, error) {
	const op = "launch browser"
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, shot.Errorf(shot.KindValidation, op, "invalid port %d", opts.Port)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), l.allocatorOptions(opts)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, shot.Wrap(shot.KindTransport, op, fmt.Errorf("start browser on port %d: %w", opts.Port, err))
	}

	proc := &process{browserCancel: browserCancel, allocCancel: allocCancel}
	if c := chromedp.FromContext(browserCtx); c != nil && c.Browser != nil {
		if p := c.Browser.Process(); p != nil {
			proc.pid = p.Pid
		}
	}
	l.logger.Info("local browser started",
		zap.Int("port", opts.Port),
		zap.Bool("headless", opts.Headless),
		zap.Int("pid", proc.pid),
	)
	return proc, nil
}

func (l *Launcher) allocatorOptions(opts LaunchOptions) []chromedp.ExecAllocatorOption {
	out := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	out = append(out,
		chromedp.Flag("remote-debugging-port", strconv.Itoa(opts.Port)),
		chromedp.Flag("remote-debugging-address", "127.0.0.1"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if opts.Headless {
		out = append(out, chromedp.Flag("headless", "new"))
	} else {
		out = append(out, chromedp.Flag("headless", false))
	}
	if l.cfg.ExecPath != "" {
		out = append(out, chromedp.ExecPath(l.cfg.ExecPath))
	}
	for name, value := range l.cfg.ExtraFlags {
		out = append(out, chromedp.Flag(name, value))
	}
	return out
}

type process struct {
	pid           int
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	once          sync.Once
}

func (p *process) PID() int { return p.pid }

// Close terminates the browser. Calling it again is a no-op.
func (p *process) Close() error {
	p.once.Do(func() {
		p.browserCancel()
		p.allocCancel()
	})
	return nil
}
