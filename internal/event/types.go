package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns "category.action", e.g. "session.state".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type names.
const (
	TypeSessionState  = "session.state"
	TypeLayoutState   = "layout.state"
	TypeBranchReady   = "branch.ready"
	TypeBranchFailed  = "branch.failed"
	TypeStage         = "run.stage"
	TypeCleanupResult = "cleanup.result"
)

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// SessionStateEvent is emitted on every Session state transition.
type SessionStateEvent struct {
	baseEvent
	SessionID string
	From      string
	To        string
}

// NewSessionStateEvent creates a SessionStateEvent.
func NewSessionStateEvent(sessionID, from, to string) SessionStateEvent {
	return SessionStateEvent{
		baseEvent: newBaseEvent(TypeSessionState),
		SessionID: sessionID,
		From:      from,
		To:        to,
	}
}

// LayoutStateEvent is emitted on every Layout Engine state transition.
type LayoutStateEvent struct {
	baseEvent
	Session string // multiplexer session name
	From    string
	To      string
}

// NewLayoutStateEvent creates a LayoutStateEvent.
func NewLayoutStateEvent(session, from, to string) LayoutStateEvent {
	return LayoutStateEvent{
		baseEvent: newBaseEvent(TypeLayoutState),
		Session:   session,
		From:      from,
		To:        to,
	}
}

// BranchEvent reports the provisioning outcome of one branch.
type BranchEvent struct {
	baseEvent
	Repository string
	Branch     string
	Path       string // empty on failure
	Reused     bool
	Err        error
}

// NewBranchReadyEvent creates a branch.ready event.
func NewBranchReadyEvent(repo, branch, path string, reused bool) BranchEvent {
	return BranchEvent{
		baseEvent:  newBaseEvent(TypeBranchReady),
		Repository: repo,
		Branch:     branch,
		Path:       path,
		Reused:     reused,
	}
}

// NewBranchFailedEvent creates a branch.failed event.
func NewBranchFailedEvent(repo, branch string, err error) BranchEvent {
	return BranchEvent{
		baseEvent:  newBaseEvent(TypeBranchFailed),
		Repository: repo,
		Branch:     branch,
		Err:        err,
	}
}

// StageEvent is emitted when the orchestrator enters a stage.
type StageEvent struct {
	baseEvent
	Stage  string
	Detail string
}

// NewStageEvent creates a StageEvent.
func NewStageEvent(stage, detail string) StageEvent {
	return StageEvent{
		baseEvent: newBaseEvent(TypeStage),
		Stage:     stage,
		Detail:    detail,
	}
}

// CleanupEvent reports one worktree removal attempt during teardown.
type CleanupEvent struct {
	baseEvent
	Branch string
	Path   string
	Err    error
}

// NewCleanupEvent creates a CleanupEvent.
func NewCleanupEvent(branch, path string, err error) CleanupEvent {
	return CleanupEvent{
		baseEvent: newBaseEvent(TypeCleanupResult),
		Branch:    branch,
		Path:      path,
		Err:       err,
	}
}
