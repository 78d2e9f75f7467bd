package spacesync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// StateBackend stores the full Snapshot under a single key. Implementations
// must make Save atomic: a crash mid-save never leaves a reader seeing a
// torn snapshot.
type StateBackend interface {
	Load() (*Snapshot, error)
	Save(snapshot *Snapshot) error
}

type stateBackendCloser interface {
	Close() error
}

// SnapshotPart selects which half of the snapshot a partial save replaces.
type SnapshotPart int

const (
	PartFull SnapshotPart = iota
	PartActive
	PartClosed
)

// JSONFileStateBackend persists the snapshot as one JSON document, written
// to a temp file and renamed into place. Loads are validated against the
// embedded snapshot schema before unmarshaling.
type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*Snapshot, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if err := validateSnapshotBytes(data); err != nil {
		return nil, fmt.Errorf("state file %s: %w", b.Path, err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	if snapshot.Spaces == nil {
		snapshot.Spaces = map[string]Space{}
	}
	if snapshot.ClosedSpaces == nil {
		snapshot.ClosedSpaces = map[string]Space{}
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(snapshot *Snapshot) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

// InMemoryStateBackend keeps a deep copy of the snapshot; handy for tests
// and the memory:// DSN.
type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *Snapshot
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneSnapshotJSON(b.snapshot)
}

func (b *InMemoryStateBackend) Save(snapshot *Snapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	clone, err := cloneSnapshotJSON(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.snapshot = clone
	b.mu.Unlock()
	return nil
}

func cloneSnapshotJSON(snapshot *Snapshot) (*Snapshot, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	var clone Snapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	if clone.Spaces == nil {
		clone.Spaces = map[string]Space{}
	}
	if clone.ClosedSpaces == nil {
		clone.ClosedSpaces = map[string]Space{}
	}
	return &clone, nil
}

// DurableStore wraps a StateBackend with read-back verification, bounded
// retries with backoff, and partial saves that never clobber the sibling
// map. Failures after the retry budget surface to the caller; the
// originating mutation stays queued instead of being dropped.
type DurableStore struct {
	mu          sync.Mutex
	backend     StateBackend
	maxAttempts int
	retryDelay  time.Duration
	logger      Logger
}

type DurableStoreOptions struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      Logger
}

func NewDurableStore(backend StateBackend, opts DurableStoreOptions) *DurableStore {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 50 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &DurableStore{
		backend:     backend,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger,
	}
}

func (d *DurableStore) Load() (*Snapshot, error) {
	if d == nil || d.backend == nil {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backend.Load()
}

// Save persists the snapshot and verifies by reading it back. Each failed
// attempt doubles the backoff delay.
func (d *DurableStore) Save(snapshot *Snapshot) error {
	if d == nil || d.backend == nil || snapshot == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saveVerifiedLocked(snapshot)
}

// SavePartial replaces one half of the persisted snapshot, leaving the other
// half untouched.
func (d *DurableStore) SavePartial(snapshot *Snapshot, part SnapshotPart) error {
	if d == nil || d.backend == nil || snapshot == nil {
		return nil
	}
	if part == PartFull {
		return d.Save(snapshot)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, err := d.backend.Load()
	if err != nil {
		return err
	}
	if existing == nil {
		existing = NewSnapshot()
	}
	merged := existing.clone()
	merged.ChangeCount = snapshot.ChangeCount
	switch part {
	case PartActive:
		merged.Spaces = make(map[string]Space, len(snapshot.Spaces))
		for id, sp := range snapshot.Spaces {
			merged.Spaces[id] = sp.clone()
		}
	case PartClosed:
		merged.ClosedSpaces = make(map[string]Space, len(snapshot.ClosedSpaces))
		for id, sp := range snapshot.ClosedSpaces {
			merged.ClosedSpaces[id] = sp.clone()
		}
	}
	return d.saveVerifiedLocked(merged)
}

func (d *DurableStore) saveVerifiedLocked(snapshot *Snapshot) error {
	want, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	delay := d.retryDelay
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(delay)
			delay *= 2
		}
		if err := d.backend.Save(snapshot); err != nil {
			lastErr = err
			d.logger.Printf("state save attempt %d/%d failed: %v", attempt, d.maxAttempts, err)
			continue
		}
		persisted, err := d.backend.Load()
		if err != nil {
			lastErr = err
			d.logger.Printf("state verify read attempt %d/%d failed: %v", attempt, d.maxAttempts, err)
			continue
		}
		got, err := json.Marshal(persisted)
		if err != nil {
			lastErr = err
			continue
		}
		if !bytes.Equal(want, got) {
			lastErr = ErrWriteVerify
			d.logger.Printf("state verify attempt %d/%d: persisted bytes differ", attempt, d.maxAttempts)
			continue
		}
		return nil
	}
	return lastErr
}

func (d *DurableStore) Close() error {
	if d == nil {
		return nil
	}
	if closer, ok := d.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}
