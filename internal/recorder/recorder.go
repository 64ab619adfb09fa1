// Package recorder keeps interactive browser sessions open across HTTP
// calls. Each input event is applied to the live page, followed by a
// screenshot, and translated into the remote computer script line that
// replays it.
package recorder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/artifact"
	"github.com/4ndr3c0d3/shotfleet/internal/browser/cdp"
	"github.com/4ndr3c0d3/shotfleet/internal/capture"
	"github.com/4ndr3c0d3/shotfleet/internal/metrics"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

// EngineRecorder is recorded on artifacts saved by this package.
const EngineRecorder = "recorder"

// Viewport is the page size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ClampViewport fills zero sides with 1366x768 and clamps the width to
// [360, 2560] and the height to [480, 1600].
func ClampViewport(vp Viewport) Viewport {
	if vp.Width == 0 {
		vp.Width = 1366
	}
	if vp.Height == 0 {
		vp.Height = 768
	}
	return Viewport{Width: min(max(vp.Width, 360), 2560), Height: min(max(vp.Height, 480), 1600)}
}

// Event types.
const (
	EventClick  = "click"
	EventScroll = "scroll"
	EventType   = "type"
	EventKey    = "key"
)

// Event is one user input.
type Event struct {
	Type       string  `json:"type"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Button     string  `json:"button"`
	DeltaX     float64 `json:"deltaX"`
	DeltaY     float64 `json:"deltaY"`
	Key        string  `json:"key"`
	Text       string  `json:"text"`
	PressEnter bool    `json:"pressEnter"`
}

// Page is a live tab. *cdp.Page satisfies it.
type Page interface {
	Click(ctx context.Context, x, y int, button string) error
	Scroll(ctx context.Context, dx, dy int) (before, after cdp.ScrollPosition, err error)
	Type(ctx context.Context, text string) error
	Press(ctx context.Context, key string) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close()
}

// Opener starts a browser page on url.
type Opener interface {
	Open(ctx context.Context, url string, vp Viewport) (Page, error)
}

// Opened is the reply to a new session.
type Opened struct {
	ID       string   `json:"id"`
	Viewport Viewport `json:"viewport"`
	Image    string   `json:"image"`
	Artifact string   `json:"artifact,omitempty"`
	Script   []string `json:"tzafon"`
	Info     string   `json:"info"`
}

// ScrollDelta is the window scroll position around a scroll event.
type ScrollDelta struct {
	Start cdp.ScrollPosition `json:"start"`
	End   cdp.ScrollPosition `json:"end"`
}

// Step is the reply to one event.
type Step struct {
	Script   []string     `json:"tzafon"`
	Image    string       `json:"image"`
	Artifact string       `json:"artifact,omitempty"`
	Meta     string       `json:"meta"`
	Scroll   *ScrollDelta `json:"scroll,omitempty"`
	Info     string       `json:"info"`
}

type session struct {
	id   string
	url  string
	vp   Viewport
	page Page
}

// Service owns the open recording sessions.
type Service struct {
	opener Opener
	saver  capture.Saver
	ids    shot.IDGenerator
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewService constructs a Service.
func NewService(opener Opener, saver capture.Saver, ids shot.IDGenerator, logger *zap.Logger) (*Service, error) {
	if opener == nil || saver == nil || ids == nil {
		return nil, errors.New("recorder: opener, saver and id generator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{opener: opener, saver: saver, ids: ids, logger: logger, sessions: make(map[string]*session)}, nil
}

// Open starts a session on url and returns its first screenshot with the
// script lines that set up the same page remotely.
func (s *Service) Open(ctx context.Context, url string, vp Viewport) (Opened, error) {
	const op = "open recording"
	if url == "" {
		return Opened{}, shot.Errorf(shot.KindValidation, op, "missing url")
	}
	vp = ClampViewport(vp)
	id, err := s.ids.NewID()
	if err != nil {
		return Opened{}, fmt.Errorf("%s: %w", op, err)
	}
	page, err := s.opener.Open(ctx, url, vp)
	if err != nil {
		return Opened{}, err
	}
	sess := &session{id: id, url: url, vp: vp, page: page}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	metrics.IncActiveSessions(EngineRecorder)
	s.logger.Info("recording opened", zap.String("session_id", id), zap.String("url", url))

	image, location := s.snapshot(ctx, sess, "init")
	return Opened{ID: id, Viewport: vp, Image: image, Artifact: location, Script: openScript(vp, url), Info: "session created"}, nil
}

// Apply runs ev against session id.
func (s *Service) Apply(ctx context.Context, id string, ev Event) (Step, error) {
	const op = "apply event"
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return Step{}, shot.Errorf(shot.KindNotFound, op, "unknown session")
	}

	step := Step{Script: []string{}, Info: "ok"}
	tag := ev.Type
	switch ev.Type {
	case EventClick:
		x, y := max(0, round(ev.X)), max(0, round(ev.Y))
		button := ev.Button
		if button == "" {
			button = "left"
		}
		switch button {
		case "left", "right", "middle":
		default:
			return Step{}, shot.Errorf(shot.KindValidation, op, "unsupported button %q", button)
		}
		if err := sess.page.Click(ctx, x, y, button); err != nil {
			return Step{}, err
		}
		step.Script = append(step.Script, clickLine(x, y))
		step.Meta = fmt.Sprintf("click %s @ (%d, %d)", button, x, y)
	case EventScroll:
		before, after, err := sess.page.Scroll(ctx, round(ev.DeltaX), round(ev.DeltaY))
		if err != nil {
			return Step{}, err
		}
		step.Script = append(step.Script, scrollLine(round(after.X-before.X), round(after.Y-before.Y)))
		step.Meta = fmt.Sprintf("scroll x:%g→%g y:%g→%g", before.X, after.X, before.Y, after.Y)
		step.Scroll = &ScrollDelta{Start: before, End: after}
	case EventType:
		if ev.Text != "" {
			if err := sess.page.Type(ctx, ev.Text); err != nil {
				return Step{}, err
			}
			step.Script = append(step.Script, typeLine(ev.Text))
			step.Meta = "typed: " + ev.Text
		}
		if ev.PressEnter {
			if err := sess.page.Press(ctx, "Enter"); err != nil {
				return Step{}, err
			}
			step.Script = append(step.Script, keyLine("Enter"))
			step.Meta = joinMeta(step.Meta, "Enter")
		}
	case EventKey:
		key := ev.Key
		if key == "" {
			key = "Enter"
		}
		if err := sess.page.Press(ctx, key); err != nil {
			return Step{}, err
		}
		step.Script = append(step.Script, keyLine(key))
		step.Meta = "key: " + key
	default:
		return Step{}, shot.Errorf(shot.KindValidation, op, "unsupported event type %q", ev.Type)
	}

	step.Image, step.Artifact = s.snapshot(ctx, sess, tag)
	return step, nil
}

func joinMeta(meta, key string) string {
	if meta == "" {
		return key
	}
	return meta + " + " + key
}

func round(f float64) int { return int(math.Round(f)) }

// Close ends session id. It reports whether the session existed.
func (s *Service) Close(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.page.Close()
	metrics.DecActiveSessions(EngineRecorder)
	s.logger.Info("recording closed", zap.String("session_id", id))
	return true
}

// CloseAll ends every open session.
func (s *Service) CloseAll() {
	for _, id := range s.IDs() {
		s.Close(id)
	}
}

// IDs lists open sessions in sorted order.
func (s *Service) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// snapshot screenshots the page and stores it. Failures yield empty strings.
func (s *Service) snapshot(ctx context.Context, sess *session, tag string) (image, location string) {
	logger := s.logger.With(zap.String("session_id", sess.id), zap.String("tag", tag))
	png, err := sess.page.Screenshot(ctx)
	if err != nil {
		logger.Warn("recording screenshot failed", zap.Error(err))
		return "", ""
	}
	if len(png) == 0 {
		return "", ""
	}
	location, err = s.saver.Save(ctx, artifact.Artifact{
		Dir:      artifact.DirRecorder,
		Prefix:   fmt.Sprintf("%s_%s_", sess.id, tag),
		Data:     png,
		Target:   shot.Target{Label: shot.LabelForURL(sess.url), URL: sess.url},
		Engine:   EngineRecorder,
		Attempts: 1,
	})
	if err != nil {
		logger.Warn("recording screenshot not stored", zap.Error(err))
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), location
}
