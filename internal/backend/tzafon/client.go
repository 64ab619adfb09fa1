// Package tzafon talks to the remote computers API that provisions browser
// sessions behind a concurrency limit.
package tzafon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/4ndr3c0d3/shotfleet/internal/backoff"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

// DefaultBaseURL is used when neither config nor TZAFON_BASE_URL set one.
const DefaultBaseURL = "https://v2.tzafon.ai"

// DefaultKind is the only computer kind this service asks for.
const DefaultKind = "browser"

const (
	defaultTimeout     = 180 * time.Second
	defaultAttempts    = 3
	maxServerRetryWait = 8 * time.Second
	bodySnippetLen     = 200
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Kind    string
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// Attempts is the number of POSTs made while the API answers 5xx.
	Attempts   int
	HTTPClient *http.Client
	Sleep      backoff.Sleeper
}

// Client is safe for concurrent use.
type Client struct {
	baseURL  string
	token    string
	kind     string
	attempts int
	http     *http.Client
	sleep    backoff.Sleeper
}

// ResolveBaseURL picks explicit, then TZAFON_BASE_URL, then the default, and
// strips a trailing slash.
func ResolveBaseURL(explicit string) string {
	base := strings.TrimSpace(explicit)
	if base == "" {
		base = os.Getenv("TZAFON_BASE_URL")
	}
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimRight(base, "/")
}

// ResolveToken picks explicit, then TZAFON_API_KEY, then TOKEN.
func ResolveToken(explicit string) string {
	if t := strings.TrimSpace(explicit); t != "" {
		return t
	}
	if t := os.Getenv("TZAFON_API_KEY"); t != "" {
		return t
	}
	return os.Getenv("TOKEN")
}

// New validates cfg and returns a Client. A missing token is a validation
// error so callers can reject the request before any session exists.
func New(cfg Config) (*Client, error) {
	token := ResolveToken(cfg.Token)
	if token == "" {
		return nil, shot.Errorf(shot.KindValidation, "tzafon", "missing token (set token or TZAFON_API_KEY)")
	}
	base := ResolveBaseURL(cfg.BaseURL)
	if u, err := url.Parse(base); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, shot.Errorf(shot.KindValidation, "tzafon", "invalid base url %q", base)
	}
	kind := cfg.Kind
	if kind == "" {
		kind = DefaultKind
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = backoff.Sleep
	}
	return &Client{baseURL: base, token: token, kind: kind, attempts: attempts, http: hc, sleep: sleep}, nil
}

// BaseURL returns the normalized API base.
func (c *Client) BaseURL() string { return c.baseURL }

// Kind returns the computer kind requested on create.
func (c *Client) Kind() string { return c.kind }

// CDPURL is the debugging endpoint of computer id.
func (c *Client) CDPURL(id string) string {
	return fmt.Sprintf("%s/v1/computers/%s/cdp?token=%s", c.baseURL, url.PathEscape(id), url.QueryEscape(c.token))
}

type createRequest struct {
	Kind string `json:"kind"`
}

type createResponse struct {
	ID string `json:"id"`
}

// CreateComputer provisions a computer and returns its id. 5xx responses are
// retried with min(2^i, 8) second pauses; every other failure is returned as
// a *shot.Error carrying the status and request id.
func (c *Client) CreateComputer(ctx context.Context) (string, error) {
	const op = "create computer"
	body, err := json.Marshal(createRequest{Kind: c.kind})
	if err != nil {
		return "", fmt.Errorf("%s: marshal: %w", op, err)
	}

	var lastErr error
	for i := 1; i <= c.attempts; i++ {
		id, err := c.createOnce(ctx, body)
		if err == nil {
			return id, nil
		}
		lastErr = err
		var se *shot.Error
		retriable := errors.As(err, &se) && se.Status >= http.StatusInternalServerError
		if !retriable || i == c.attempts {
			break
		}
		wait := time.Duration(1<<i) * time.Second
		if wait > maxServerRetryWait {
			wait = maxServerRetryWait
		}
		if err := c.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

func (c *Client) createOnce(ctx context.Context, body []byte) (string, error) {
	const op = "create computer"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/computers", bytes.NewReader(body))
	if err != nil {
		return "", shot.Wrap(shot.KindValidation, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", shot.Wrap(shot.KindTransport, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", shot.Wrap(shot.KindTransport, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", responseError(op, resp, raw)
	}
	var out createResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", shot.Wrap(shot.KindUnknown, op, fmt.Errorf("decode response: %w", err))
	}
	if out.ID == "" {
		return "", shot.Errorf(shot.KindUnknown, op, "response has no id")
	}
	return out.ID, nil
}

// DeleteComputer terminates computer id. A 404 or 410 comes back as a
// KindNotFound error, which callers treat as already closed.
func (c *Client) DeleteComputer(ctx context.Context, id string) error {
	const op = "delete computer"
	if strings.TrimSpace(id) == "" {
		return shot.Errorf(shot.KindValidation, op, "missing computer id")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/computers/"+url.PathEscape(id), nil)
	if err != nil {
		return shot.Wrap(shot.KindValidation, op, err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return shot.Wrap(shot.KindTransport, op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(op, resp, raw)
	}
	return nil
}

// Create implements shot.Backend.
func (c *Client) Create(ctx context.Context, _ shot.SessionKind) (shot.Handle, error) {
	id, err := c.CreateComputer(ctx)
	if err != nil {
		return nil, err
	}
	return &computer{client: c, id: id, endpoint: c.CDPURL(id)}, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
}

func responseError(op string, resp *http.Response, raw []byte) *shot.Error {
	msg := strings.TrimSpace(string(raw))
	if len(msg) > bodySnippetLen {
		msg = msg[:bodySnippetLen]
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	reqID := resp.Header.Get("X-Request-Id")
	if reqID == "" {
		reqID = resp.Header.Get("Request-Id")
	}
	se := shot.StatusError(op, resp.StatusCode, reqID, msg)
	// Some limit responses arrive as plain 4xx text.
	if se.Kind != shot.KindNotFound && shot.ClassifyMessage(msg) == shot.KindCapacity {
		se.Kind = shot.KindCapacity
	}
	return se
}

// computer is a provisioned session. Close deletes it once.
type computer struct {
	client   *Client
	id       string
	endpoint string

	once sync.Once
	err  error
}

func (h *computer) ID() string       { return h.id }
func (h *computer) Endpoint() string { return h.endpoint }

func (h *computer) Close(ctx context.Context) error {
	h.once.Do(func() {
		err := h.client.DeleteComputer(ctx, h.id)
		if err != nil && shot.Classify(err) != shot.KindNotFound {
			h.err = err
		}
	})
	return h.err
}
