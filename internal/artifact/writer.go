// Package artifact names, stores, and records screenshot artifacts.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/4ndr3c0d3/shotfleet/internal/metrics"
	"github.com/4ndr3c0d3/shotfleet/internal/shot"
)

// ContentType is the only format this service writes.
const ContentType = "image/png"

// Directory names used by the capture paths.
const (
	DirPlaywright = "service_playwright"
	DirCDP        = "service_cdp"
	DirLocalCDP   = "service_local_cdp"
	DirRecorder   = "recorder"
)

// ConcurrentDir is the directory for scheduler runs against label.
func ConcurrentDir(label string) string {
	return "concurrent_" + label
}

// Artifact is one screenshot ready to be stored.
type Artifact struct {
	Dir       string
	Prefix    string
	Data      []byte
	Target    shot.Target
	Engine    string
	RunID     string
	TaskIndex int
	Attempts  int
}

// Event is published for every stored artifact.
type Event struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id,omitempty"`
	TaskIndex   int       `json:"task_index"`
	Label       string    `json:"label"`
	URL         string    `json:"url"`
	Engine      string    `json:"engine"`
	Location    string    `json:"location"`
	ContentHash string    `json:"content_hash"`
	SizeBytes   int       `json:"size_bytes"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Attributes exposes routing attributes to message brokers.
func (e Event) Attributes() map[string]string {
	return map[string]string{"engine": e.Engine, "label": e.Label}
}

// Options wires the optional sinks.
type Options struct {
	Ledger    shot.CaptureLedger
	Publisher shot.Publisher
	Topic     string
}

// Writer persists artifacts to a blob store. Ledger and publisher failures
// are logged; only the blob write decides success.
type Writer struct {
	store  shot.BlobStore
	clock  shot.Clock
	hasher shot.Hasher
	ids    shot.IDGenerator
	opts   Options
	logger *zap.Logger
}

// NewWriter constructs a Writer.
func NewWriter(store shot.BlobStore, clock shot.Clock, hasher shot.Hasher, ids shot.IDGenerator, opts Options, logger *zap.Logger) (*Writer, error) {
	if store == nil || clock == nil || hasher == nil || ids == nil {
		return nil, errors.New("artifact: store, clock, hasher and id generator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, clock: clock, hasher: hasher, ids: ids, opts: opts, logger: logger}, nil
}

// Name returns "<prefix><UTC yyyymmdd-hhmmss-micro>.png".
func Name(prefix string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s%s-%06d.png", prefix, at.Format("20060102-150405"), at.Nanosecond()/int(time.Microsecond))
}

// Save stores a.Data and returns its location. Empty data is not an error;
// it yields an empty location.
func (w *Writer) Save(ctx context.Context, a Artifact) (string, error) {
	if len(a.Data) == 0 {
		return "", nil
	}
	now := w.clock.Now()
	key := path.Join(a.Dir, Name(a.Prefix, now))

	location, err := w.store.PutObject(ctx, key, ContentType, bytes.NewReader(a.Data))
	if err != nil {
		return "", shot.Wrap(shot.KindUnknown, "store artifact", fmt.Errorf("%s: %w", key, err))
	}
	metrics.ObserveArtifact(a.Engine, a.Target.URL, len(a.Data))

	hash, err := w.hasher.Hash(a.Data)
	if err != nil {
		w.logger.Warn("hash artifact", zap.String("location", location), zap.Error(err))
	}
	id, err := w.ids.NewID()
	if err != nil {
		w.logger.Warn("artifact id", zap.String("location", location), zap.Error(err))
	}
	rec := shot.CaptureRecord{
		ID:          id,
		RunID:       a.RunID,
		TaskIndex:   a.TaskIndex,
		Label:       a.Target.Label,
		URL:         a.Target.URL,
		Engine:      a.Engine,
		Location:    location,
		ContentHash: hash,
		SizeBytes:   len(a.Data),
		Attempts:    a.Attempts,
		CapturedAt:  now.UTC(),
	}
	w.record(ctx, rec)
	return location, nil
}

func (w *Writer) record(ctx context.Context, rec shot.CaptureRecord) {
	logger := w.logger.With(zap.String("location", rec.Location))
	if w.opts.Ledger != nil && rec.ID != "" {
		if err := w.opts.Ledger.RecordCapture(ctx, rec); err != nil {
			logger.Warn("record capture", zap.Error(err))
		}
	}
	if w.opts.Publisher != nil {
		ev := Event{
			ID:          rec.ID,
			RunID:       rec.RunID,
			TaskIndex:   rec.TaskIndex,
			Label:       rec.Label,
			URL:         rec.URL,
			Engine:      rec.Engine,
			Location:    rec.Location,
			ContentHash: rec.ContentHash,
			SizeBytes:   rec.SizeBytes,
			CapturedAt:  rec.CapturedAt,
		}
		if _, err := w.opts.Publisher.Publish(ctx, w.opts.Topic, ev); err != nil {
			logger.Warn("publish capture event", zap.Error(err))
		}
	}
	logger.Debug("artifact saved", zap.Int("bytes", rec.SizeBytes), zap.String("engine", rec.Engine))
}
