package clientsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabgrove/spacesync/internal/spacesync"
)

const defaultGCHorizon = 5 * time.Minute

// Logger matches the subset of *log.Logger the package needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// OptimisticRecord is a client-local, unconfirmed edit applied ahead of
// backend confirmation. Records are tagged with their originating request
// so a response only clears its own record, and carry a timestamp so
// orphans from a crashed request can be garbage-collected.
type OptimisticRecord struct {
	EntityID  string    `json:"entityId"`
	Name      string    `json:"name"`
	RequestID string    `json:"requestId"`
	CreatedAt time.Time `json:"createdAt"`
	Orphaned  bool      `json:"orphaned,omitempty"`
}

type queuedRename struct {
	windowID  string
	name      string
	requestID string
}

// pendingEdit tracks the single in-flight mutation for an entity plus at
// most one held follow-up. A third submission before the second dispatches
// replaces the second, mirroring the backend's latest-wins coalescing.
type pendingEdit struct {
	inFlight bool
	queued   *queuedRename
}

type SyncerOptions struct {
	CacheFile string
	GCHorizon time.Duration
	Logger    Logger
	Now       func() time.Time
}

// Syncer is the per-client synchronization layer: it applies optimistic
// edits immediately, defers a second edit to the same entity until the
// first resolves, reconciles against authoritative responses and
// broadcasts, and discards stale optimistic state.
type Syncer struct {
	client    RemoteClient
	cacheFile string
	gcHorizon time.Duration
	logger    Logger
	now       func() time.Time

	mu         sync.Mutex
	spaces     map[string]spacesync.Space
	closed     map[string]spacesync.Space
	applied    map[string]int64
	bulkStamp  time.Time
	optimistic map[string]OptimisticRecord
	pending    map[string]*pendingEdit
}

func NewSyncer(client RemoteClient, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	gcHorizon := opts.GCHorizon
	if gcHorizon <= 0 {
		gcHorizon = defaultGCHorizon
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Syncer{
		client:     client,
		cacheFile:  strings.TrimSpace(opts.CacheFile),
		gcHorizon:  gcHorizon,
		logger:     logger,
		now:        now,
		spaces:     map[string]spacesync.Space{},
		closed:     map[string]spacesync.Space{},
		applied:    map[string]int64{},
		optimistic: map[string]OptimisticRecord{},
		pending:    map[string]*pendingEdit{},
	}, nil
}

type cacheState struct {
	Spaces       map[string]spacesync.Space  `json:"spaces"`
	ClosedSpaces map[string]spacesync.Space  `json:"closedSpaces"`
	Applied      map[string]int64            `json:"applied"`
	Optimistic   map[string]OptimisticRecord `json:"optimistic,omitempty"`
	BulkStamp    time.Time                   `json:"bulkStamp"`
	SavedAt      time.Time                   `json:"savedAt"`
}

// LoadCache restores the last known authoritative view. Optimistic records
// found in the cache cannot belong to a live request (the process that made
// them is gone), so anything past the GC horizon is dropped and the rest
// are marked orphaned; the next reconcile clears them. This is what keeps
// an abandoned edit from permanently shadowing authoritative state.
func (s *Syncer) LoadCache() error {
	if s.cacheFile == "" {
		return nil
	}
	data, err := os.ReadFile(s.cacheFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var cached cacheState
	if err := json.Unmarshal(data, &cached); err != nil {
		return err
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cached.Spaces != nil {
		s.spaces = cached.Spaces
	}
	if cached.ClosedSpaces != nil {
		s.closed = cached.ClosedSpaces
	}
	if cached.Applied != nil {
		s.applied = cached.Applied
	}
	s.bulkStamp = cached.BulkStamp
	for id, rec := range cached.Optimistic {
		if now.Sub(rec.CreatedAt) > s.gcHorizon {
			continue
		}
		rec.Orphaned = true
		s.optimistic[id] = rec
	}
	return nil
}

// View returns the space as the UI should render it: the authoritative
// value overlaid with any optimistic record for that entity.
func (s *Syncer) View(entityID string) (spacesync.Space, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.spaces[entityID]
	if !ok {
		sp, ok = s.closed[entityID]
	}
	if !ok {
		return spacesync.Space{}, false
	}
	if rec, has := s.optimistic[entityID]; has {
		sp.Name = rec.Name
	}
	return sp, true
}

// ViewAll returns the full overlaid snapshot.
func (s *Syncer) ViewAll() (map[string]spacesync.Space, map[string]spacesync.Space) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := make(map[string]spacesync.Space, len(s.spaces))
	for id, sp := range s.spaces {
		if rec, has := s.optimistic[id]; has {
			sp.Name = rec.Name
		}
		active[id] = sp
	}
	closed := make(map[string]spacesync.Space, len(s.closed))
	for id, sp := range s.closed {
		if rec, has := s.optimistic[id]; has {
			sp.Name = rec.Name
		}
		closed[id] = sp
	}
	return active, closed
}

// Rename applies an optimistic record for entityID, then either dispatches
// the request or, if one is already in flight for this entity, holds it
// until the in-flight one resolves (latest submission wins the held slot).
// The error returned is the failure of whatever this call dispatched; a
// deferred submission returns nil immediately.
func (s *Syncer) Rename(ctx context.Context, windowID, entityID, name string) error {
	requestID := uuid.NewString()
	s.mu.Lock()
	s.optimistic[entityID] = OptimisticRecord{
		EntityID:  entityID,
		Name:      name,
		RequestID: requestID,
		CreatedAt: s.now(),
	}
	pe := s.pending[entityID]
	if pe != nil && pe.inFlight {
		pe.queued = &queuedRename{windowID: windowID, name: name, requestID: requestID}
		s.mu.Unlock()
		return nil
	}
	s.pending[entityID] = &pendingEdit{inFlight: true}
	s.mu.Unlock()
	return s.dispatchRename(ctx, entityID, windowID, name, requestID)
}

func (s *Syncer) dispatchRename(ctx context.Context, entityID, windowID, name, requestID string) error {
	var firstErr error
	for {
		result, err := s.client.Rename(ctx, windowID, name)

		s.mu.Lock()
		if err != nil {
			// Roll back: drop this request's optimistic record so the view
			// reverts to the last authoritative value.
			if rec, ok := s.optimistic[entityID]; ok && rec.RequestID == requestID {
				delete(s.optimistic, entityID)
			}
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Printf("rename %s failed: %v", entityID, err)
		} else {
			s.applyAuthoritativeLocked(result.Space)
			if rec, ok := s.optimistic[entityID]; ok && rec.RequestID == requestID {
				delete(s.optimistic, entityID)
			}
		}
		pe := s.pending[entityID]
		if pe == nil || pe.queued == nil {
			delete(s.pending, entityID)
			s.mu.Unlock()
			s.saveCache()
			return firstErr
		}
		next := pe.queued
		pe.queued = nil
		windowID, name, requestID = next.windowID, next.name, next.requestID
		s.mu.Unlock()
	}
}

// ApplyBroadcast folds a push notification into the local view. Returns
// true when the message demands a full re-pull (bulk kinds). A message
// whose version is not strictly newer than what this client already applied
// for the entity is discarded: that is the guard against a delayed
// notification visually reverting a newer edit.
func (s *Syncer) ApplyBroadcast(msg spacesync.BroadcastMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch msg.Kind {
	case spacesync.MessageSpaceUpdated:
		if msg.EntityID == "" || msg.Version <= s.applied[msg.EntityID] {
			return false
		}
		if msg.Space != nil {
			s.applyAuthoritativeLocked(*msg.Space)
		} else {
			s.applied[msg.EntityID] = msg.Version
		}
		return false
	default:
		// Bulk refresh hint. Timestamps order whole-snapshot messages.
		if !msg.Timestamp.After(s.bulkStamp) {
			return false
		}
		s.bulkStamp = msg.Timestamp
		return true
	}
}

// ReconcileFull pulls the authoritative snapshot and replaces the local
// view. Orphaned optimistic records are cleared here; records belonging to
// live requests survive until their response arrives.
func (s *Syncer) ReconcileFull(ctx context.Context) error {
	snapshot, err := s.client.FetchSnapshot(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.spaces = snapshot.Spaces
	s.closed = snapshot.ClosedSpaces
	s.applied = map[string]int64{}
	for id, sp := range snapshot.Spaces {
		s.applied[id] = sp.Version
	}
	for id, sp := range snapshot.ClosedSpaces {
		s.applied[id] = sp.Version
	}
	for id, rec := range s.optimistic {
		if rec.Orphaned {
			delete(s.optimistic, id)
		}
	}
	s.mu.Unlock()
	s.saveCache()
	return nil
}

func (s *Syncer) applyAuthoritativeLocked(sp spacesync.Space) {
	if sp.ID == "" || sp.Version <= s.applied[sp.ID] {
		return
	}
	delete(s.spaces, sp.ID)
	delete(s.closed, sp.ID)
	if sp.IsActive {
		s.spaces[sp.ID] = sp
	} else {
		s.closed[sp.ID] = sp
	}
	s.applied[sp.ID] = sp.Version
}

// AppliedVersion reports the newest version this client has applied for an
// entity.
func (s *Syncer) AppliedVersion(entityID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[entityID]
}

// OptimisticCount reports how many optimistic records are outstanding.
func (s *Syncer) OptimisticCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.optimistic)
}

func (s *Syncer) saveCache() {
	if s.cacheFile == "" {
		return
	}
	s.mu.Lock()
	cached := cacheState{
		Spaces:       s.spaces,
		ClosedSpaces: s.closed,
		Applied:      s.applied,
		BulkStamp:    s.bulkStamp,
		SavedAt:      s.now(),
	}
	if len(s.optimistic) > 0 {
		cached.Optimistic = make(map[string]OptimisticRecord, len(s.optimistic))
		for id, rec := range s.optimistic {
			cached.Optimistic[id] = rec
		}
	}
	data, err := json.Marshal(cached)
	s.mu.Unlock()
	if err != nil {
		s.logger.Printf("marshal cache: %v", err)
		return
	}
	dir := filepath.Dir(s.cacheFile)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.logger.Printf("create cache dir: %v", err)
			return
		}
	}
	tmp := s.cacheFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Printf("write cache: %v", err)
		return
	}
	if err := os.Rename(tmp, s.cacheFile); err != nil {
		s.logger.Printf("rename cache: %v", err)
	}
}
