package shot

import (
	"context"
	"io"
	"time"
)

// Handle is a live browser session returned by a Backend.
// Close must be idempotent and safe to call on any exit path.
type Handle interface {
	ID() string
	Endpoint() string
	Close(ctx context.Context) error
}

// Backend provisions browser sessions.
type Backend interface {
	Create(ctx context.Context, kind SessionKind) (Handle, error)
}

// Capturer drives an existing debugging endpoint and returns PNG bytes.
type Capturer interface {
	Capture(ctx context.Context, endpoint string, req CaptureRequest) ([]byte, error)
}

// Engine is a self-managed browser that opens its own tabs.
type Engine interface {
	CaptureTabs(ctx context.Context, req CaptureRequest, tabs int) ([][]byte, error)
}

// BlobStore writes artifacts and returns their location.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes capture events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// CaptureLedger records stored artifacts.
type CaptureLedger interface {
	RecordCapture(ctx context.Context, record CaptureRecord) error
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
