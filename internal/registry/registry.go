// Package registry tracks the browser processes this service spawned,
// keyed by a short id, for the lifetime of the process.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/browser/cdp"
	"github.com/4ndr3c0d3/shotfleet/internal/clock/system"
	"github.com/4ndr3c0d3/shotfleet/internal/metrics"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

const maxPortAttempts = 16

// Launcher starts a debuggable browser. *cdp.Launcher satisfies it.
type Launcher interface {
	Launch(ctx context.Context, opts cdp.LaunchOptions) (cdp.Process, error)
}

// Entry is one live local browser.
type Entry struct {
	ID            string    `json:"id"`
	Port          int       `json:"port"`
	DebugEndpoint string    `json:"cdp_url"`
	WSEndpoint    string    `json:"ws_url,omitempty"`
	Headless      bool      `json:"headless"`
	CreatedAt     time.Time `json:"created_at"`

	process cdp.Process
}

// CreateRequest describes a new local browser. A nil Headless means true;
// a zero Port means pick a free one.
type CreateRequest struct {
	Headless *bool
	Port     int
}

// Config configures a Registry.
type Config struct {
	// DebugHost is where spawned browsers listen.
	DebugHost string
	// MetadataTimeout bounds the /json/version lookup.
	MetadataTimeout time.Duration
	HTTPClient      *http.Client
	Clock           shot.Clock
}

// Registry is the only shared mutable state of the session service. Every
// read and write goes through mu; process launch and teardown happen
// outside it.
type Registry struct {
	launcher Launcher
	ids      shot.IDGenerator
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	entries  map[string]*Entry
	reserved map[int]struct{}
}

// New constructs a Registry.
func New(launcher Launcher, ids shot.IDGenerator, cfg Config, logger *zap.Logger) (*Registry, error) {
	if launcher == nil || ids == nil {
		return nil, errors.New("registry: launcher and id generator are required")
	}
	if cfg.DebugHost == "" {
		cfg.DebugHost = "127.0.0.1"
	}
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = 5 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		launcher: launcher,
		ids:      ids,
		cfg:      cfg,
		logger:   logger,
		entries:  make(map[string]*Entry),
		reserved: make(map[int]struct{}),
	}, nil
}

// Create launches a browser and registers it. Concurrent creates never hand
// out the same port.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (Entry, error) {
	const op = "local create"
	headless := true
	if req.Headless != nil {
		headless = *req.Headless
	}
	if req.Port < 0 || req.Port > 65535 {
		return Entry{}, shot.Errorf(shot.KindValidation, op, "invalid port %d", req.Port)
	}
	id, err := r.ids.NewID()
	if err != nil {
		return Entry{}, shot.Wrap(shot.KindUnknown, op, err)
	}

	port, err := r.reserve(req.Port)
	if err != nil {
		return Entry{}, err
	}

	proc, err := r.launcher.Launch(ctx, cdp.LaunchOptions{Port: port, Headless: headless})
	if err != nil {
		r.release(port)
		if shot.Classify(err) == shot.KindValidation {
			return Entry{}, err
		}
		return Entry{}, shot.Wrap(shot.KindTransport, op, err)
	}

	debug := "http://" + net.JoinHostPort(r.cfg.DebugHost, strconv.Itoa(port))
	entry := &Entry{
		ID:            id,
		Port:          port,
		DebugEndpoint: debug,
		WSEndpoint:    r.discover(ctx, debug),
		Headless:      headless,
		CreatedAt:     r.cfg.Clock.Now(),
		process:       proc,
	}

	r.mu.Lock()
	delete(r.reserved, port)
	r.entries[id] = entry
	n := len(r.entries)
	r.mu.Unlock()
	metrics.SetLocalProcesses(n)

	r.logger.Info("local session created", zap.String("id", id), zap.Int("port", port), zap.Bool("headless", headless))
	return *entry, nil
}

// reserve claims port, or a free ephemeral port when port is 0.
func (r *Registry) reserve(port int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if port != 0 {
		if r.inUseLocked(port) {
			return 0, shot.Errorf(shot.KindValidation, "local create", "port %d is already in use by a local session", port)
		}
		r.reserved[port] = struct{}{}
		return port, nil
	}
	for i := 0; i < maxPortAttempts; i++ {
		p, err := freePort(r.cfg.DebugHost)
		if err != nil {
			return 0, shot.Wrap(shot.KindTransport, "local create", err)
		}
		if !r.inUseLocked(p) {
			r.reserved[p] = struct{}{}
			return p, nil
		}
	}
	return 0, shot.Errorf(shot.KindTransport, "local create", "no free port after %d attempts", maxPortAttempts)
}

func (r *Registry) inUseLocked(port int) bool {
	if _, ok := r.reserved[port]; ok {
		return true
	}
	for _, e := range r.entries {
		if e.Port == port {
			return true
		}
	}
	return false
}

func (r *Registry) release(port int) {
	r.mu.Lock()
	delete(r.reserved, port)
	r.mu.Unlock()
}

func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	defer func() { _ = l.Close() }()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("allocate port: unexpected address %s", l.Addr())
	}
	return addr.Port, nil
}

type versionInfo struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// discover reads the browser websocket URL. Failure yields "".
func (r *Registry) discover(ctx context.Context, debug string) string {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.MetadataTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, debug+"/json/version", nil)
	if err != nil {
		return ""
	}
	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		r.logger.Debug("json/version lookup failed", zap.String("endpoint", debug), zap.Error(err))
		return ""
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var info versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ""
	}
	return info.WebSocketDebuggerURL
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Resolve picks the endpoint to capture through: an explicit endpoint wins,
// otherwise id must name a live entry.
func (r *Registry) Resolve(id, endpoint string) (string, error) {
	const op = "local resolve"
	if endpoint != "" {
		return endpoint, nil
	}
	if id == "" {
		return "", shot.Errorf(shot.KindValidation, op, "provide id or cdp_url/ws_url")
	}
	e, ok := r.Lookup(id)
	if !ok {
		return "", shot.Errorf(shot.KindValidation, op, "unknown id %q", id)
	}
	return e.DebugEndpoint, nil
}

// List returns live entries ordered by creation time.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close removes id and terminates its browser. Unknown ids are already
// closed, so Close always reports true.
func (r *Registry) Close(_ context.Context, id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	n := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return true
	}
	metrics.SetLocalProcesses(n)
	if err := e.process.Close(); err != nil {
		r.logger.Warn("terminate local browser", zap.String("id", id), zap.Int("port", e.Port), zap.Error(err))
	}
	r.logger.Info("local session closed", zap.String("id", id), zap.Int("port", e.Port))
	return true
}

// CloseAll terminates every live browser.
func (r *Registry) CloseAll(ctx context.Context) {
	for _, e := range r.List() {
		r.Close(ctx, e.ID)
	}
}
