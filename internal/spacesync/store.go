package spacesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const defaultMaxNameLength = 64

// errNoCommit signals from a commit callback that the operation resolved
// without mutating anything, so nothing is persisted or broadcast.
var errNoCommit = errors.New("no commit")

type StoreOptions struct {
	Backend         StateBackend
	StateFile       string
	Provider        WindowProvider
	Broadcaster     *Broadcaster
	Clock           Clock
	Logger          Logger
	DebounceWindow  time.Duration
	QueueCapacity   int
	MaxSaveAttempts int
	SaveRetryDelay  time.Duration
	MaxNameLength   int
}

// Store owns the authoritative in-memory snapshot. All mutating operations
// pass through the per-entity update queue; at most one execution runs per
// entity at a time, operations on different entities overlap freely. Every
// committed mutation is durably persisted before the in-memory snapshot is
// swapped and before any broadcast is emitted, so the process can be killed
// without warning at any point after commit without losing the write.
//
// Installed snapshots are immutable: mutations always build a clone and swap
// the pointer. s.mu guards only the pointer and the error map, so reads stay
// cheap even while a commit is retrying a slow backend; commitMu serializes
// whole clone-persist-swap sequences across entities.
type Store struct {
	mu       sync.RWMutex
	snapshot *Snapshot

	commitMu sync.Mutex

	durable     *DurableStore
	provider    WindowProvider
	broadcaster *Broadcaster
	debouncer   *Debouncer
	restores    *RestoreRegistry
	clock       Clock
	logger      Logger
	newID       func() string

	maxNameLength int
	lastErrors    map[string]string

	initMu   sync.Mutex
	initDone bool
	initWait chan struct{}
	initErr  error

	closeOnce sync.Once
}

type createPayload struct {
	name string
	urls []string
}

type adoptPayload struct {
	window Window
}

type archivePayload struct {
	removeWindow bool
}

func NewStore(opts StoreOptions) *Store {
	backend := opts.Backend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	provider := opts.Provider
	if provider == nil {
		provider = NewFakeWindowProvider()
	}
	broadcaster := opts.Broadcaster
	if broadcaster == nil {
		broadcaster = NewBroadcaster(0)
	}
	clock := opts.Clock
	if clock == nil {
		clock = NewClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	maxNameLength := opts.MaxNameLength
	if maxNameLength <= 0 {
		maxNameLength = defaultMaxNameLength
	}

	s := &Store{
		snapshot:      NewSnapshot(),
		provider:      provider,
		broadcaster:   broadcaster,
		restores:      NewRestoreRegistry(),
		clock:         clock,
		logger:        logger,
		newID:         uuid.NewString,
		maxNameLength: maxNameLength,
		lastErrors:    map[string]string{},
	}
	s.durable = NewDurableStore(backend, DurableStoreOptions{
		MaxAttempts: opts.MaxSaveAttempts,
		RetryDelay:  opts.SaveRetryDelay,
		Logger:      logger,
	})
	s.debouncer = NewDebouncer(clock, opts.DebounceWindow, opts.QueueCapacity, s.executeOp)
	return s
}

// Initialize loads the persisted snapshot and reconciles it against the
// provider's live window enumeration. Idempotent: once it has succeeded,
// later calls are no-ops, and concurrent callers await the same in-flight
// run instead of triggering duplicate loads.
func (s *Store) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	if s.initDone {
		s.initMu.Unlock()
		return nil
	}
	if s.initWait != nil {
		ch := s.initWait
		s.initMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.initMu.Lock()
		err := s.initErr
		s.initMu.Unlock()
		return err
	}
	ch := make(chan struct{})
	s.initWait = ch
	s.initMu.Unlock()

	err := s.loadAndReconcile(ctx)

	s.initMu.Lock()
	s.initErr = err
	if err == nil {
		s.initDone = true
	}
	s.initWait = nil
	close(ch)
	s.initMu.Unlock()
	return err
}

// Reload re-runs the load/reconcile path, merging by version so persisted
// state never overwrites a newer in-memory entity. Used when the state file
// is replaced out-of-band.
func (s *Store) Reload(ctx context.Context) error {
	return s.loadAndReconcile(ctx)
}

func (s *Store) ensureInitialized(ctx context.Context) error {
	s.initMu.Lock()
	done := s.initDone
	s.initMu.Unlock()
	if done {
		return nil
	}
	return s.Initialize(ctx)
}

// loadAndReconcile folds persisted state and the provider's live windows
// into a fresh snapshot. When the result is identical to what is already in
// memory it stops: no save, no ChangeCount bump, no broadcast. That makes
// reloading after the store's own tmp+rename save a no-op instead of a
// save/notify/reload feedback loop.
func (s *Store) loadAndReconcile(ctx context.Context) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	loaded, err := s.durable.Load()
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	windows, err := s.provider.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerate windows: %w", err)
	}
	now := s.clock.Now()

	s.mu.RLock()
	current := s.snapshot
	s.mu.RUnlock()

	merged := mergeSnapshots(current, loaded)

	byWindow := map[string]string{}
	for id, sp := range merged.Spaces {
		if sp.WindowID != "" {
			byWindow[sp.WindowID] = id
		}
	}
	live := map[string]Window{}
	for _, w := range windows {
		live[w.ID] = w
	}

	// Windows with no bound entity become new spaces.
	for _, w := range windows {
		if _, bound := byWindow[w.ID]; bound {
			continue
		}
		sp := Space{
			ID:           s.newID(),
			WindowID:     w.ID,
			Name:         nextFreeName(merged, ""),
			URLs:         append([]string(nil), w.URLs...),
			Version:      1,
			IsActive:     true,
			CreatedAt:    now,
			LastModified: now,
			LastUsed:     now,
		}
		merged.Spaces[sp.ID] = sp
	}

	// Spaces whose window no longer exists move to closed.
	for id, sp := range merged.Spaces {
		if _, ok := live[sp.WindowID]; ok {
			continue
		}
		archived := sp.clone()
		archived.WindowID = ""
		archived.IsActive = false
		archived.Version++
		archived.LastModified = now
		delete(merged.Spaces, id)
		merged.ClosedSpaces[id] = archived
	}

	if sameSnapshot(merged, current) {
		return nil
	}

	merged.ChangeCount++
	if err := s.durable.Save(merged); err != nil {
		return fmt.Errorf("persist reconciled snapshot: %w", err)
	}
	s.mu.Lock()
	s.snapshot = merged
	stamp := merged.ChangeCount
	s.mu.Unlock()

	s.publishBulk(MessageSpacesUpdated, stamp)
	return nil
}

// mergeSnapshots folds loaded persisted state into the current in-memory
// snapshot. Per entity the higher version wins; this is a reconciliation,
// not an error, even when memory is ahead of disk.
func mergeSnapshots(current, loaded *Snapshot) *Snapshot {
	merged := current.clone()
	if loaded == nil {
		return merged
	}
	if loaded.ChangeCount > merged.ChangeCount {
		merged.ChangeCount = loaded.ChangeCount
	}
	place := func(sp Space, active bool) {
		existing, inActive := merged.Spaces[sp.ID]
		if !inActive {
			var inClosed bool
			existing, inClosed = merged.ClosedSpaces[sp.ID]
			if !inClosed {
				if active {
					merged.Spaces[sp.ID] = sp.clone()
				} else {
					merged.ClosedSpaces[sp.ID] = sp.clone()
				}
				return
			}
		}
		if sp.Version <= existing.Version {
			return
		}
		delete(merged.Spaces, sp.ID)
		delete(merged.ClosedSpaces, sp.ID)
		if active {
			merged.Spaces[sp.ID] = sp.clone()
		} else {
			merged.ClosedSpaces[sp.ID] = sp.clone()
		}
	}
	for _, sp := range loaded.Spaces {
		place(sp, true)
	}
	for _, sp := range loaded.ClosedSpaces {
		place(sp, false)
	}
	return merged
}

func sameSnapshot(a, b *Snapshot) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

// GetSpace returns the space with the given id, active or closed. Reads
// always reflect every mutation this process has committed: the snapshot is
// only swapped after a successful durable write.
func (s *Store) GetSpace(ctx context.Context, id string) (Space, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return Space{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sp, ok := s.snapshot.Spaces[id]; ok {
		return sp.clone(), nil
	}
	if sp, ok := s.snapshot.ClosedSpaces[id]; ok {
		return sp.clone(), nil
	}
	return Space{}, ErrNotFound
}

func (s *Store) GetAllSpaces(ctx context.Context) (map[string]Space, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Space, len(s.snapshot.Spaces))
	for id, sp := range s.snapshot.Spaces {
		out[id] = sp.clone()
	}
	return out, nil
}

func (s *Store) GetAllClosedSpaces(ctx context.Context) (map[string]Space, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Space, len(s.snapshot.ClosedSpaces))
	for id, sp := range s.snapshot.ClosedSpaces {
		out[id] = sp.clone()
	}
	return out, nil
}

// CreateSpace creates a new window bound to a new space. An empty name gets
// the lowest free "Space N".
func (s *Store) CreateSpace(ctx context.Context, name string, urls []string) (Space, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return Space{}, err
	}
	name = strings.TrimSpace(name)
	if name != "" {
		s.mu.RLock()
		err := s.validateName(s.snapshot, name, "")
		s.mu.RUnlock()
		if err != nil {
			return Space{}, err
		}
	}
	id := s.newID()
	ch := s.debouncer.Submit(PendingOperation{
		EntityID: id,
		Kind:     OpCreate,
		Payload:  createPayload{name: name, urls: append([]string(nil), urls...)},
	})
	return awaitResult(ctx, ch)
}

// Rename sets a custom name on the active space bound to windowID.
// Validation failures are rejected here, before the operation enters the
// queue; repeated renames inside one debounce window coalesce into a single
// durable write carrying the last name.
func (s *Store) Rename(ctx context.Context, windowID, name string) (Space, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return Space{}, err
	}
	s.mu.RLock()
	sp, ok := findByWindow(s.snapshot, windowID)
	if !ok {
		s.mu.RUnlock()
		return Space{}, ErrNotFound
	}
	err := s.validateName(s.snapshot, name, sp.ID)
	s.mu.RUnlock()
	if err != nil {
		return Space{}, err
	}
	ch := s.debouncer.Submit(PendingOperation{
		EntityID: sp.ID,
		Kind:     OpRename,
		Payload:  strings.TrimSpace(name),
	})
	return awaitResult(ctx, ch)
}

// CloseSpace archives the space bound to windowID and removes its window.
func (s *Store) CloseSpace(ctx context.Context, windowID string) (Space, error) {
	return s.archiveByWindow(ctx, windowID, true)
}

// HandleWindowRemoved archives the space bound to a window the provider
// reports as already gone.
func (s *Store) HandleWindowRemoved(ctx context.Context, windowID string) (Space, error) {
	return s.archiveByWindow(ctx, windowID, false)
}

func (s *Store) archiveByWindow(ctx context.Context, windowID string, removeWindow bool) (Space, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return Space{}, err
	}
	s.mu.RLock()
	sp, ok := findByWindow(s.snapshot, windowID)
	s.mu.RUnlock()
	if !ok {
		return Space{}, ErrNotFound
	}
	ch := s.debouncer.Submit(PendingOperation{
		EntityID: sp.ID,
		Kind:     OpArchive,
		Payload:  archivePayload{removeWindow: removeWindow},
	})
	return awaitResult(ctx, ch)
}

// HandleWindowCreated binds a space to a window that appeared with no
// matching entity. A window already bound is a no-op.
func (s *Store) HandleWindowCreated(ctx context.Context, w Window) (Space, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return Space{}, err
	}
	s.mu.RLock()
	existing, bound := findByWindow(s.snapshot, w.ID)
	s.mu.RUnlock()
	if bound {
		return existing, nil
	}
	ch := s.debouncer.Submit(PendingOperation{
		EntityID: s.newID(),
		Kind:     OpCreate,
		Payload:  adoptPayload{window: w},
	})
	return awaitResult(ctx, ch)
}

// SwitchTo focuses the window bound to windowID and stamps lastUsed.
func (s *Store) SwitchTo(ctx context.Context, windowID string) (Space, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return Space{}, err
	}
	s.mu.RLock()
	sp, ok := findByWindow(s.snapshot, windowID)
	s.mu.RUnlock()
	if !ok {
		return Space{}, ErrNotFound
	}
	ch := s.debouncer.Submit(PendingOperation{
		EntityID: sp.ID,
		Kind:     OpSwitch,
	})
	return awaitResult(ctx, ch)
}

// Restore reopens a closed space in a new window. Concurrent restores of the
// same id share one outcome: exactly one window is created.
func (s *Store) Restore(ctx context.Context, spaceID string) (Space, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return Space{}, err
	}
	return s.restores.Do(spaceID, func() (Space, error) {
		s.mu.RLock()
		if sp, ok := s.snapshot.Spaces[spaceID]; ok {
			// Already active; a restore that lost the race resolves to
			// the same outcome as the one that won.
			s.mu.RUnlock()
			return sp.clone(), nil
		}
		_, ok := s.snapshot.ClosedSpaces[spaceID]
		s.mu.RUnlock()
		if !ok {
			return Space{}, ErrNotFound
		}
		ch := s.debouncer.Submit(PendingOperation{
			EntityID: spaceID,
			Kind:     OpRestore,
		})
		return awaitResult(ctx, ch)
	})
}

// RemoveClosed permanently deletes a closed space. This is the only path
// that destroys an entity, and it is explicit and confirmed, so it bypasses
// the debounce window as a critical operation.
func (s *Store) RemoveClosed(ctx context.Context, spaceID string) (Space, error) {
	if err := s.ensureInitialized(ctx); err != nil {
		return Space{}, err
	}
	s.mu.RLock()
	_, ok := s.snapshot.ClosedSpaces[spaceID]
	s.mu.RUnlock()
	if !ok {
		return Space{}, ErrNotFound
	}
	ch := s.debouncer.Submit(PendingOperation{
		EntityID: spaceID,
		Kind:     OpRemoveClosed,
		Priority: PriorityCritical,
	})
	return awaitResult(ctx, ch)
}

// HandleShutdown flushes mutations still inside a debounce window. It is a
// bounded, best-effort safety net: commits are write-through durable, so
// losing this call costs at most one debounce window of coalesced edits.
func (s *Store) HandleShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.debouncer.Flush()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunEvents consumes provider change events until ctx is cancelled.
func (s *Store) RunEvents(ctx context.Context) {
	events := s.provider.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var err error
			switch ev.Type {
			case WindowEventCreated:
				_, err = s.HandleWindowCreated(ctx, ev.Window)
			case WindowEventRemoved:
				_, err = s.HandleWindowRemoved(ctx, ev.Window.ID)
			}
			if err != nil && err != ErrNotFound {
				s.logger.Printf("window event %s for %s: %v", ev.Type, ev.Window.ID, err)
			}
		}
	}
}

type BackendStatus struct {
	Initialized   bool              `json:"initialized"`
	QueueDepth    int               `json:"queueDepth"`
	QueueCapacity int               `json:"queueCapacity"`
	ActiveSpaces  int               `json:"activeSpaces"`
	ClosedSpaces  int               `json:"closedSpaces"`
	ChangeCount   int64             `json:"changeCount"`
	PendingErrors map[string]string `json:"pendingErrors,omitempty"`
}

func (s *Store) GetBackendStatus() BackendStatus {
	s.initMu.Lock()
	initialized := s.initDone
	s.initMu.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := BackendStatus{
		Initialized:   initialized,
		QueueDepth:    s.debouncer.Pending(),
		QueueCapacity: s.debouncer.Capacity(),
		ActiveSpaces:  len(s.snapshot.Spaces),
		ClosedSpaces:  len(s.snapshot.ClosedSpaces),
		ChangeCount:   s.snapshot.ChangeCount,
	}
	if len(s.lastErrors) > 0 {
		status.PendingErrors = make(map[string]string, len(s.lastErrors))
		for id, msg := range s.lastErrors {
			status.PendingErrors[id] = msg
		}
	}
	return status
}

func (s *Store) Broadcaster() *Broadcaster {
	return s.broadcaster
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.debouncer.Close()
		if err := s.durable.Close(); err != nil {
			s.logger.Printf("closing state backend: %v", err)
		}
	})
}

// executeOp runs on the debouncer's execution path with the latest coalesced
// payload; this is the only place the snapshot mutates.
func (s *Store) executeOp(op PendingOperation) (Space, error) {
	switch op.Kind {
	case OpCreate:
		return s.executeCreate(op)
	case OpRename:
		return s.executeRename(op)
	case OpArchive:
		return s.executeArchive(op)
	case OpSwitch:
		return s.executeSwitch(op)
	case OpRestore:
		return s.executeRestore(op)
	case OpRemoveClosed:
		return s.executeRemoveClosed(op)
	default:
		return Space{}, fmt.Errorf("%w: operation %s", ErrNotImplemented, op.Kind)
	}
}

// commit runs fn against a clone of the current snapshot, persists the
// mutated clone, and only then swaps it in. Persist failure leaves the
// in-memory snapshot untouched, records the error against the entity, and
// surfaces it to the caller; the mutation is never silently dropped.
//
// The snapshot lock is held only for the pointer reads and the final swap,
// never across the durable write, so readers and other entities' executions
// are not stalled by persistence retries. commitMu keeps concurrent commits
// from building candidates off the same base and losing each other's writes.
func (s *Store) commit(part SnapshotPart, fn func(candidate *Snapshot) (Space, error)) (Space, bool, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.RLock()
	current := s.snapshot
	s.mu.RUnlock()

	candidate := current.clone()
	changed, err := fn(candidate)
	if errors.Is(err, errNoCommit) {
		return changed, false, nil
	}
	if err != nil {
		return Space{}, false, err
	}

	candidate.ChangeCount = current.ChangeCount + 1
	if err := s.durable.SavePartial(candidate, part); err != nil {
		s.mu.Lock()
		s.lastErrors[changed.ID] = err.Error()
		s.mu.Unlock()
		return Space{}, false, err
	}
	s.mu.Lock()
	delete(s.lastErrors, changed.ID)
	s.snapshot = candidate
	s.mu.Unlock()
	return changed, true, nil
}

func (s *Store) executeCreate(op PendingOperation) (Space, error) {
	var name string
	var urls []string
	var window *Window
	switch payload := op.Payload.(type) {
	case createPayload:
		name = payload.name
		urls = payload.urls
	case adoptPayload:
		w := payload.window
		window = &w
		urls = w.URLs
	default:
		return Space{}, ErrInvalidInput
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if window == nil {
		created, err := s.provider.Create(ctx, urls)
		if err != nil {
			return Space{}, fmt.Errorf("create window: %w", err)
		}
		window = &created
	}

	now := s.clock.Now()
	sp, committed, err := s.commit(PartActive, func(candidate *Snapshot) (Space, error) {
		if existing, bound := findByWindow(candidate, window.ID); bound {
			return existing, errNoCommit
		}
		if name != "" {
			if err := s.validateName(candidate, name, op.EntityID); err != nil {
				return Space{}, err
			}
		}
		created := Space{
			ID:           op.EntityID,
			WindowID:     window.ID,
			Name:         name,
			IsCustomName: name != "",
			URLs:         append([]string(nil), urls...),
			Version:      1,
			IsActive:     true,
			CreatedAt:    now,
			LastModified: now,
			LastUsed:     now,
		}
		if created.Name == "" {
			created.Name = nextFreeName(candidate, created.ID)
		}
		candidate.Spaces[created.ID] = created
		return created, nil
	})
	if err != nil {
		return Space{}, err
	}
	if committed {
		s.publishSpace(sp)
	}
	return sp, nil
}

func (s *Store) executeRename(op PendingOperation) (Space, error) {
	name, _ := op.Payload.(string)
	now := s.clock.Now()
	sp, committed, err := s.commit(PartActive, func(candidate *Snapshot) (Space, error) {
		current, ok := candidate.Spaces[op.EntityID]
		if !ok {
			return Space{}, ErrNotFound
		}
		// Revalidate at execution: another entity may have claimed the name
		// during the debounce window.
		if err := s.validateName(candidate, name, op.EntityID); err != nil {
			return Space{}, err
		}
		upd := current.clone()
		upd.Name = name
		upd.IsCustomName = true
		upd.Version++
		upd.LastModified = now
		candidate.Spaces[upd.ID] = upd
		return upd, nil
	})
	if err != nil {
		return Space{}, err
	}
	if committed {
		s.publishSpace(sp)
	}
	return sp, nil
}

func (s *Store) executeArchive(op PendingOperation) (Space, error) {
	payload, _ := op.Payload.(archivePayload)
	now := s.clock.Now()
	s.mu.RLock()
	sp, ok := s.snapshot.Spaces[op.EntityID]
	s.mu.RUnlock()
	if !ok {
		return Space{}, ErrNotFound
	}
	if payload.removeWindow && sp.WindowID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.provider.Remove(ctx, sp.WindowID)
		cancel()
		if err != nil && err != ErrNotFound {
			return Space{}, fmt.Errorf("remove window: %w", err)
		}
	}
	archived, committed, err := s.commit(PartFull, func(candidate *Snapshot) (Space, error) {
		current, ok := candidate.Spaces[op.EntityID]
		if !ok {
			return Space{}, ErrNotFound
		}
		upd := current.clone()
		upd.WindowID = ""
		upd.IsActive = false
		upd.Version++
		upd.LastModified = now
		delete(candidate.Spaces, upd.ID)
		candidate.ClosedSpaces[upd.ID] = upd
		return upd, nil
	})
	if err != nil {
		return Space{}, err
	}
	if committed {
		s.publishSpace(archived)
	}
	return archived, nil
}

func (s *Store) executeSwitch(op PendingOperation) (Space, error) {
	now := s.clock.Now()
	s.mu.RLock()
	sp, ok := s.snapshot.Spaces[op.EntityID]
	s.mu.RUnlock()
	if !ok {
		return Space{}, ErrNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := s.provider.Focus(ctx, sp.WindowID)
	cancel()
	if err != nil {
		return Space{}, fmt.Errorf("focus window: %w", err)
	}
	switched, committed, err := s.commit(PartActive, func(candidate *Snapshot) (Space, error) {
		current, ok := candidate.Spaces[op.EntityID]
		if !ok {
			return Space{}, ErrNotFound
		}
		upd := current.clone()
		upd.LastUsed = now
		upd.Version++
		upd.LastModified = now
		candidate.Spaces[upd.ID] = upd
		return upd, nil
	})
	if err != nil {
		return Space{}, err
	}
	if committed {
		s.publishSpace(switched)
	}
	return switched, nil
}

func (s *Store) executeRestore(op PendingOperation) (Space, error) {
	now := s.clock.Now()
	s.mu.RLock()
	if sp, ok := s.snapshot.Spaces[op.EntityID]; ok {
		s.mu.RUnlock()
		return sp.clone(), nil
	}
	sp, ok := s.snapshot.ClosedSpaces[op.EntityID]
	s.mu.RUnlock()
	if !ok {
		return Space{}, ErrNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	window, err := s.provider.Create(ctx, sp.URLs)
	cancel()
	if err != nil {
		return Space{}, fmt.Errorf("create window: %w", err)
	}
	restored, committed, err := s.commit(PartFull, func(candidate *Snapshot) (Space, error) {
		current, ok := candidate.ClosedSpaces[op.EntityID]
		if !ok {
			if active, stillThere := candidate.Spaces[op.EntityID]; stillThere {
				return active.clone(), errNoCommit
			}
			return Space{}, ErrNotFound
		}
		upd := current.clone()
		upd.WindowID = window.ID
		upd.IsActive = true
		upd.Version++
		upd.LastModified = now
		upd.LastUsed = now
		delete(candidate.ClosedSpaces, upd.ID)
		candidate.Spaces[upd.ID] = upd
		return upd, nil
	})
	if err != nil {
		return Space{}, err
	}
	if committed {
		s.publishSpace(restored)
	}
	return restored, nil
}

func (s *Store) executeRemoveClosed(op PendingOperation) (Space, error) {
	removed, committed, err := s.commit(PartClosed, func(candidate *Snapshot) (Space, error) {
		current, ok := candidate.ClosedSpaces[op.EntityID]
		if !ok {
			return Space{}, ErrNotFound
		}
		delete(candidate.ClosedSpaces, op.EntityID)
		return current.clone(), nil
	})
	if err != nil {
		return Space{}, err
	}
	if committed {
		s.mu.RLock()
		stamp := s.snapshot.ChangeCount
		s.mu.RUnlock()
		s.publishBulk(MessageStateChanged, stamp)
	}
	return removed, nil
}

func (s *Store) publishSpace(sp Space) {
	s.broadcaster.Publish(BroadcastMessage{
		ID:        s.newID(),
		Kind:      MessageSpaceUpdated,
		Timestamp: s.clock.Now(),
		EntityID:  sp.ID,
		Version:   sp.Version,
		Space:     &sp,
	})
}

func (s *Store) publishBulk(kind MessageKind, stamp int64) {
	s.broadcaster.Publish(BroadcastMessage{
		ID:        s.newID(),
		Kind:      kind,
		Timestamp: s.clock.Now(),
		Version:   stamp,
	})
}

func findByWindow(snapshot *Snapshot, windowID string) (Space, bool) {
	if strings.TrimSpace(windowID) == "" {
		return Space{}, false
	}
	for _, sp := range snapshot.Spaces {
		if sp.WindowID == windowID {
			return sp.clone(), true
		}
	}
	return Space{}, false
}

func (s *Store) validateName(snapshot *Snapshot, name, selfID string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(trimmed) > s.maxNameLength {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("longer than %d characters", s.maxNameLength)}
	}
	lower := strings.ToLower(trimmed)
	for id, sp := range snapshot.Spaces {
		if id != selfID && strings.ToLower(sp.Name) == lower {
			return &ValidationError{Field: "name", Reason: "already in use"}
		}
	}
	for id, sp := range snapshot.ClosedSpaces {
		if id != selfID && strings.ToLower(sp.Name) == lower {
			return &ValidationError{Field: "name", Reason: "already in use"}
		}
	}
	return nil
}

// nextFreeName picks the lowest free "Space N", case-insensitively unique
// across both maps.
func nextFreeName(snapshot *Snapshot, selfID string) string {
	taken := map[string]struct{}{}
	for id, sp := range snapshot.Spaces {
		if id != selfID {
			taken[strings.ToLower(sp.Name)] = struct{}{}
		}
	}
	for id, sp := range snapshot.ClosedSpaces {
		if id != selfID {
			taken[strings.ToLower(sp.Name)] = struct{}{}
		}
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("Space %d", n)
		if _, ok := taken[strings.ToLower(candidate)]; !ok {
			return candidate
		}
	}
}

func awaitResult(ctx context.Context, ch <-chan OpResult) (Space, error) {
	select {
	case res := <-ch:
		return res.Space, res.Err
	case <-ctx.Done():
		// The server-side operation still completes and persists; the
		// abandoning client reconciles on its next pull.
		return Space{}, ctx.Err()
	}
}
