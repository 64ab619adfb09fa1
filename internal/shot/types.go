package shot

import (
	"errors"
	"fmt"
	"time"
)

// SessionKind distinguishes backend-provisioned sessions from locally spawned ones.
type SessionKind string

const (
	// SessionRemote sessions are provisioned by the capacity-limited browser backend.
	SessionRemote SessionKind = "remote"
	// SessionLocal sessions are browser processes spawned and owned by this service.
	SessionLocal SessionKind = "local"
)

// SessionState tracks a session through its lifecycle.
type SessionState string

const (
	// StateCreated means the backend returned a handle but no work has run yet.
	StateCreated SessionState = "created"
	// StateActive means the unit of work is using the session.
	StateActive SessionState = "active"
	// StateClosed is terminal.
	StateClosed SessionState = "closed"
)

// ErrInvalidTransition is returned when a session state change is not allowed.
var ErrInvalidTransition = errors.New("invalid session state transition")

// Session is the orchestration layer's view of one browser session.
type Session struct {
	ID       string
	Kind     SessionKind
	Endpoint string
	State    SessionState
}

// Transition moves the session to the next state.
// Allowed: Created→Active, Created→Closed, Active→Closed.
func (s *Session) Transition(to SessionState) error {
	switch {
	case s.State == StateCreated && (to == StateActive || to == StateClosed):
	case s.State == StateActive && to == StateClosed:
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}
	s.State = to
	return nil
}

// Target names the page a task captures.
type Target struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Task is one screenshot attempt chain. It is owned by exactly one scheduler
// worker for its whole life.
type Task struct {
	Index     int
	Target    Target
	Attempt   int
	NextDelay time.Duration
}

// CaptureRequest describes what to capture once a session is available.
type CaptureRequest struct {
	URL      string
	FullPage bool
}

// CaptureRecord is the ledger row written for every stored artifact.
type CaptureRecord struct {
	ID          string
	RunID       string
	TaskIndex   int
	Label       string
	URL         string
	Engine      string
	Location    string
	ContentHash string
	SizeBytes   int
	Attempts    int
	CapturedAt  time.Time
}
