package spacesync

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrStaleVersion   = errors.New("stale version")
	ErrQueueFull      = errors.New("queue full")
	ErrWriteVerify    = errors.New("write verification failed")
	ErrShuttingDown   = errors.New("shutting down")
	ErrNotImplemented = errors.New("not implemented")
)

// ValidationError reports a rejected mutation payload. Validation happens
// before the operation enters the update queue; a ValidationError is never
// persisted or broadcast.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Space is a named grouping of tabs. It is bound to a live window while
// active, and detached (WindowID empty) while closed. ID is stable across
// rename, close and restore cycles; Version increases by exactly one on
// every committed mutation.
type Space struct {
	ID           string    `json:"id"`
	WindowID     string    `json:"windowId,omitempty"`
	Name         string    `json:"name"`
	IsCustomName bool      `json:"isCustomName"`
	URLs         []string  `json:"urls"`
	Version      int64     `json:"version"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`
	LastUsed     time.Time `json:"lastUsed"`
}

func (s Space) clone() Space {
	out := s
	out.URLs = append([]string(nil), s.URLs...)
	return out
}

// Snapshot is the full persisted state: two disjoint maps keyed by space id.
// An id appears in exactly one of the two maps at any time. ChangeCount is
// the whole-snapshot version carried by bulk broadcast messages.
type Snapshot struct {
	Spaces       map[string]Space `json:"spaces"`
	ClosedSpaces map[string]Space `json:"closedSpaces"`
	ChangeCount  int64            `json:"changeCount"`
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Spaces:       map[string]Space{},
		ClosedSpaces: map[string]Space{},
	}
}

func (s *Snapshot) clone() *Snapshot {
	if s == nil {
		return NewSnapshot()
	}
	out := &Snapshot{
		Spaces:       make(map[string]Space, len(s.Spaces)),
		ClosedSpaces: make(map[string]Space, len(s.ClosedSpaces)),
		ChangeCount:  s.ChangeCount,
	}
	for id, sp := range s.Spaces {
		out.Spaces[id] = sp.clone()
	}
	for id, sp := range s.ClosedSpaces {
		out.ClosedSpaces[id] = sp.clone()
	}
	return out
}

type OpKind string

const (
	OpCreate       OpKind = "create"
	OpRename       OpKind = "rename"
	OpClose        OpKind = "close"
	OpSwitch       OpKind = "switch"
	OpRestore      OpKind = "restore"
	OpRemoveClosed OpKind = "remove_closed"
	OpArchive      OpKind = "archive"
)

type Priority int

const (
	PriorityNormal Priority = iota
	PriorityCritical
)

// PendingOperation is one queued mutation attempt against a single entity.
type PendingOperation struct {
	EntityID   string
	Kind       OpKind
	Payload    any
	Priority   Priority
	EnqueuedAt time.Time
	Retries    int
}

type MessageKind string

const (
	MessageSpaceUpdated  MessageKind = "space_updated"
	MessageSpacesUpdated MessageKind = "spaces_updated"
	MessageStateChanged  MessageKind = "state_changed"
)

// BroadcastMessage is a versioned, timestamped notification fanned out to
// every connected client. For MessageSpaceUpdated, Version is the affected
// entity's committed version; for bulk kinds it is the snapshot ChangeCount.
// Delivery is best effort: nothing is retried or persisted.
type BroadcastMessage struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	EntityID  string      `json:"entityId,omitempty"`
	Version   int64       `json:"version"`
	Space     *Space      `json:"space,omitempty"`
}

// Logger matches the subset of *log.Logger the package needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
