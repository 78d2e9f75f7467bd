package spacesync

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts StoreOptions) *Store {
	t.Helper()
	if opts.DebounceWindow == 0 {
		opts.DebounceWindow = time.Millisecond
	}
	if opts.SaveRetryDelay == 0 {
		opts.SaveRetryDelay = time.Millisecond
	}
	store := NewStore(opts)
	t.Cleanup(store.Close)
	return store
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestCreateSpaceAssignsGeneratedNames(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreOptions{})

	first, err := store.CreateSpace(ctx, "", []string{"https://example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Name != "Space 1" || first.IsCustomName {
		t.Fatalf("got name %q custom=%v, want generated Space 1", first.Name, first.IsCustomName)
	}
	if first.Version != 1 || !first.IsActive || first.WindowID == "" {
		t.Fatalf("unexpected new space: %+v", first)
	}

	second, err := store.CreateSpace(ctx, "", nil)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.Name != "Space 2" {
		t.Fatalf("second generated name %q, want Space 2", second.Name)
	}
}

func TestNameValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreOptions{})

	sp, err := store.CreateSpace(ctx, "Work", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !sp.IsCustomName {
		t.Fatal("explicit name should mark the space custom-named")
	}

	if _, err := store.CreateSpace(ctx, "work", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("case-insensitive duplicate accepted: %v", err)
	}
	if _, err := store.Rename(ctx, sp.WindowID, "   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank name accepted: %v", err)
	}
	if _, err := store.Rename(ctx, sp.WindowID, strings.Repeat("x", 65)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("overlong name accepted: %v", err)
	}
	if _, err := store.Rename(ctx, "no-such-window", "Other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rename of unknown window: %v", err)
	}
}

func TestVersionIncrementsByOnePerCommit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreOptions{})

	sp, err := store.CreateSpace(ctx, "", []string{"https://a.example"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sp.Version != 1 {
		t.Fatalf("new space version %d, want 1", sp.Version)
	}

	renamed, err := store.Rename(ctx, sp.WindowID, "Work")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Version != 2 || renamed.Name != "Work" {
		t.Fatalf("after rename: %+v", renamed)
	}

	switched, err := store.SwitchTo(ctx, sp.WindowID)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if switched.Version != 3 {
		t.Fatalf("after switch version %d, want 3", switched.Version)
	}

	closed, err := store.CloseSpace(ctx, sp.WindowID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Version != 4 || closed.IsActive || closed.WindowID != "" {
		t.Fatalf("after close: %+v", closed)
	}

	restored, err := store.Restore(ctx, sp.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Version != 5 || !restored.IsActive || restored.WindowID == "" {
		t.Fatalf("after restore: %+v", restored)
	}
}

func TestCloseThenRestoreKeepsIdentityAndURLs(t *testing.T) {
	ctx := context.Background()
	provider := NewFakeWindowProvider()
	store := newTestStore(t, StoreOptions{Provider: provider})

	urls := []string{"https://a.example", "https://b.example"}
	sp, err := store.CreateSpace(ctx, "Research", urls)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CloseSpace(ctx, sp.WindowID); err != nil {
		t.Fatalf("close: %v", err)
	}

	closedSpaces, err := store.GetAllClosedSpaces(ctx)
	if err != nil {
		t.Fatalf("closed spaces: %v", err)
	}
	if _, ok := closedSpaces[sp.ID]; !ok {
		t.Fatal("closed space missing from closed list")
	}
	active, err := store.GetAllSpaces(ctx)
	if err != nil {
		t.Fatalf("active spaces: %v", err)
	}
	if _, ok := active[sp.ID]; ok {
		t.Fatal("closed space still listed as active")
	}

	restored, err := store.Restore(ctx, sp.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.ID != sp.ID {
		t.Fatalf("restore changed identity: %s vs %s", restored.ID, sp.ID)
	}
	if len(restored.URLs) != len(urls) || restored.URLs[0] != urls[0] || restored.URLs[1] != urls[1] {
		t.Fatalf("restore lost urls: %v", restored.URLs)
	}
	if restored.WindowID == sp.WindowID {
		t.Fatal("restore should bind a fresh window")
	}
	closedSpaces, _ = store.GetAllClosedSpaces(ctx)
	if _, ok := closedSpaces[sp.ID]; ok {
		t.Fatal("restored space still present in closed list")
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	provider := NewFakeWindowProvider()

	store := NewStore(StoreOptions{StateFile: path, Provider: provider, DebounceWindow: time.Millisecond, SaveRetryDelay: time.Millisecond})
	sp, err := store.CreateSpace(ctx, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Rename(ctx, sp.WindowID, "Work"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	store.Close()

	reopened := newTestStore(t, StoreOptions{StateFile: path, Provider: provider})
	got, err := reopened.GetSpace(ctx, sp.ID)
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if got.Name != "Work" || got.Version != 2 {
		t.Fatalf("after restart got %+v, want {Work 2}", got)
	}
	if !got.IsActive || got.WindowID != sp.WindowID {
		t.Fatalf("space lost its live window across restart: %+v", got)
	}
}

func TestInitializeAdoptsAndArchivesWindows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	seed := NewSnapshot()
	seed.Spaces["s-old"] = Space{
		ID: "s-old", WindowID: "w-dead", Name: "Old", Version: 3, IsActive: true,
		URLs: []string{"https://old.example"},
	}
	if err := NewJSONFileStateBackend(path).Save(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	provider := NewFakeWindowProvider(Window{ID: "w-live", URLs: []string{"https://live.example"}})
	store := newTestStore(t, StoreOptions{StateFile: path, Provider: provider})
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	active, err := store.GetAllSpaces(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected one adopted space, got %d", len(active))
	}
	for _, sp := range active {
		if sp.WindowID != "w-live" || sp.Version != 1 {
			t.Fatalf("adopted space: %+v", sp)
		}
	}

	closed, err := store.GetAllClosedSpaces(ctx)
	if err != nil {
		t.Fatalf("closed: %v", err)
	}
	archived, ok := closed["s-old"]
	if !ok {
		t.Fatal("dead-window space was not archived")
	}
	if archived.Version != 4 || archived.WindowID != "" || archived.IsActive {
		t.Fatalf("archived space: %+v", archived)
	}
}

type countingBackend struct {
	inner StateBackend
	mu    sync.Mutex
	saves int
}

func (b *countingBackend) Load() (*Snapshot, error) { return b.inner.Load() }

func (b *countingBackend) Save(snapshot *Snapshot) error {
	b.mu.Lock()
	b.saves++
	b.mu.Unlock()
	return b.inner.Save(snapshot)
}

func (b *countingBackend) saveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

func TestInitializeIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{inner: NewInMemoryStateBackend()}
	provider := NewFakeWindowProvider(Window{ID: "w1", URLs: []string{"https://x.example"}})
	store := newTestStore(t, StoreOptions{Backend: backend, Provider: provider})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Initialize(ctx)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("initialize %d: %v", i, err)
		}
	}
	if got := backend.saveCount(); got != 1 {
		t.Fatalf("reconcile persisted %d times, want 1", got)
	}
}

func TestReloadWithoutChangesIsNoOp(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{inner: NewInMemoryStateBackend()}
	provider := NewFakeWindowProvider(Window{ID: "w1", URLs: []string{"https://x.example"}})
	store := newTestStore(t, StoreOptions{Backend: backend, Provider: provider})
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	saves := backend.saveCount()
	before := store.GetBackendStatus().ChangeCount
	messages, cancel := store.Broadcaster().Subscribe()
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := store.Reload(ctx); err != nil {
			t.Fatalf("reload %d: %v", i, err)
		}
	}

	if got := backend.saveCount(); got != saves {
		t.Fatalf("no-op reloads rewrote the state %d times", got-saves)
	}
	if got := store.GetBackendStatus().ChangeCount; got != before {
		t.Fatalf("no-op reloads moved changeCount %d -> %d", before, got)
	}
	select {
	case msg := <-messages:
		t.Fatalf("no-op reload broadcast %+v", msg)
	default:
	}
}

type switchableBackend struct {
	inner StateBackend
	mu    sync.Mutex
	fail  bool
}

func (b *switchableBackend) setFail(fail bool) {
	b.mu.Lock()
	b.fail = fail
	b.mu.Unlock()
}

func (b *switchableBackend) Load() (*Snapshot, error) { return b.inner.Load() }

func (b *switchableBackend) Save(snapshot *Snapshot) error {
	b.mu.Lock()
	fail := b.fail
	b.mu.Unlock()
	if fail {
		return errors.New("backend unavailable")
	}
	return b.inner.Save(snapshot)
}

func TestPersistFailureNeverDropsStateSilently(t *testing.T) {
	ctx := context.Background()
	backend := &switchableBackend{inner: NewInMemoryStateBackend()}
	store := newTestStore(t, StoreOptions{Backend: backend, MaxSaveAttempts: 2})
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	backend.setFail(true)
	if _, err := store.CreateSpace(ctx, "Doomed", nil); err == nil {
		t.Fatal("create should surface the persist failure")
	}
	active, err := store.GetAllSpaces(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("failed commit leaked into the snapshot: %+v", active)
	}
	status := store.GetBackendStatus()
	if len(status.PendingErrors) == 0 {
		t.Fatal("persist failure not recorded in backend status")
	}

	backend.setFail(false)
	sp, err := store.CreateSpace(ctx, "Recovered", nil)
	if err != nil {
		t.Fatalf("create after recovery: %v", err)
	}
	if sp.Version != 1 {
		t.Fatalf("recovered create: %+v", sp)
	}
}

type gatedBackend struct {
	inner    StateBackend
	mu       sync.Mutex
	blocking bool
	entered  chan struct{}
	gate     chan struct{}
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{
		inner:   NewInMemoryStateBackend(),
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
}

func (b *gatedBackend) setBlocking(blocking bool) {
	b.mu.Lock()
	b.blocking = blocking
	b.mu.Unlock()
}

func (b *gatedBackend) Load() (*Snapshot, error) { return b.inner.Load() }

func (b *gatedBackend) Save(snapshot *Snapshot) error {
	b.mu.Lock()
	blocking := b.blocking
	b.mu.Unlock()
	if blocking {
		b.entered <- struct{}{}
		<-b.gate
	}
	return b.inner.Save(snapshot)
}

func TestReadsProceedWhilePersistenceStalls(t *testing.T) {
	ctx := context.Background()
	backend := newGatedBackend()
	store := newTestStore(t, StoreOptions{Backend: backend})
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	backend.setBlocking(true)
	created := make(chan error, 1)
	go func() {
		_, err := store.CreateSpace(ctx, "Slow", nil)
		created <- err
	}()
	<-backend.entered

	// The commit is stalled inside the durable write; reads must neither
	// block on it nor observe the uncommitted space.
	readDone := make(chan int, 1)
	go func() {
		active, err := store.GetAllSpaces(ctx)
		if err != nil {
			readDone <- -1
			return
		}
		readDone <- len(active)
	}()
	select {
	case n := <-readDone:
		if n != 0 {
			t.Fatalf("read during in-flight persist saw %d spaces, want 0", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read blocked behind an in-flight persist")
	}

	backend.setBlocking(false)
	close(backend.gate)
	if err := <-created; err != nil {
		t.Fatalf("create after release: %v", err)
	}
	active, err := store.GetAllSpaces(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("committed space missing after release: %+v", active)
	}
}

func TestCoalescedRenamesShareFinalResult(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreOptions{DebounceWindow: 150 * time.Millisecond})

	sp, err := store.CreateSpace(ctx, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]Space, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = store.Rename(ctx, sp.WindowID, "Foo")
	}()
	time.Sleep(30 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = store.Rename(ctx, sp.WindowID, "Bar")
	}()
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("rename %d: %v", i, errs[i])
		}
		if results[i].Name != "Bar" {
			t.Fatalf("rename %d resolved to %q, want the coalesced final name Bar", i, results[i].Name)
		}
		if results[i].Version != sp.Version+1 {
			t.Fatalf("rename %d version %d, want single combined bump to %d", i, results[i].Version, sp.Version+1)
		}
	}
}

func TestRemoveClosedBypassesDebounceWindow(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryStateBackend()
	seed := NewSnapshot()
	seed.ClosedSpaces["c1"] = Space{ID: "c1", Name: "Old", Version: 2, URLs: []string{"https://x.example"}}
	if err := backend.Save(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	clock := NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := newTestStore(t, StoreOptions{Backend: backend, Clock: clock, DebounceWindow: time.Hour})
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// The hour-long window never elapses; removal must complete anyway.
	removed, err := store.RemoveClosed(ctx, "c1")
	if err != nil {
		t.Fatalf("remove closed: %v", err)
	}
	if removed.ID != "c1" {
		t.Fatalf("removed %+v", removed)
	}
	closed, err := store.GetAllClosedSpaces(ctx)
	if err != nil {
		t.Fatalf("closed: %v", err)
	}
	if len(closed) != 0 {
		t.Fatalf("space still present after removal: %+v", closed)
	}
	if _, err := store.RemoveClosed(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second removal: %v", err)
	}
}

func TestShutdownFlushCommitsPendingMutations(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryStateBackend()
	provider := NewFakeWindowProvider(Window{ID: "w1", URLs: []string{"https://x.example"}})
	clock := NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := newTestStore(t, StoreOptions{Backend: backend, Provider: provider, Clock: clock, DebounceWindow: time.Hour})
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	type outcome struct {
		sp  Space
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		sp, err := store.Rename(ctx, "w1", "Flushed")
		done <- outcome{sp, err}
	}()
	waitFor(t, func() bool { return store.GetBackendStatus().QueueDepth == 1 }, "rename to queue")

	if err := store.HandleShutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("flushed rename: %v", res.err)
	}
	if res.sp.Name != "Flushed" {
		t.Fatalf("flushed rename resolved to %+v", res.sp)
	}

	persisted, err := backend.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if persisted.Spaces[res.sp.ID].Name != "Flushed" {
		t.Fatal("flush committed in memory but not durably")
	}
}

func TestConcurrentRestoresCreateOneWindow(t *testing.T) {
	ctx := context.Background()
	backend := NewInMemoryStateBackend()
	seed := NewSnapshot()
	seed.ClosedSpaces["c1"] = Space{ID: "c1", Name: "Old", Version: 2, URLs: []string{"https://x.example"}}
	if err := backend.Save(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	provider := NewFakeWindowProvider()
	store := newTestStore(t, StoreOptions{Backend: backend, Provider: provider})
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]Space, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.Restore(ctx, "c1")
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("restore %d: %v", i, errs[i])
		}
		if results[i].WindowID != results[0].WindowID {
			t.Fatalf("restores diverged: %q vs %q", results[i].WindowID, results[0].WindowID)
		}
	}
	windows, err := provider.Enumerate(ctx)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(windows) != 1 {
		t.Fatalf("concurrent restores created %d windows, want 1", len(windows))
	}
}

func TestBroadcastFollowsDurableCommit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreOptions{})
	sp, err := store.CreateSpace(ctx, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	messages, cancel := store.Broadcaster().Subscribe()
	defer cancel()

	renamed, err := store.Rename(ctx, sp.WindowID, "Work")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}

	select {
	case msg := <-messages:
		if msg.Kind != MessageSpaceUpdated {
			t.Fatalf("message kind %s, want %s", msg.Kind, MessageSpaceUpdated)
		}
		if msg.EntityID != sp.ID || msg.Version != renamed.Version {
			t.Fatalf("message %+v does not match committed entity v%d", msg, renamed.Version)
		}
		if msg.Space == nil || msg.Space.Name != "Work" {
			t.Fatalf("message payload %+v", msg.Space)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast after commit")
	}
}

func TestRunEventsTracksProviderWindows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	provider := NewFakeWindowProvider()
	store := newTestStore(t, StoreOptions{Provider: provider})
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	go store.RunEvents(ctx)

	w, err := provider.Create(context.Background(), []string{"https://x.example"})
	if err != nil {
		t.Fatalf("provider create: %v", err)
	}
	var adoptedID string
	waitFor(t, func() bool {
		active, err := store.GetAllSpaces(ctx)
		if err != nil {
			return false
		}
		for id, sp := range active {
			if sp.WindowID == w.ID {
				adoptedID = id
				return true
			}
		}
		return false
	}, "window adoption")

	if err := provider.Remove(context.Background(), w.ID); err != nil {
		t.Fatalf("provider remove: %v", err)
	}
	waitFor(t, func() bool {
		closed, err := store.GetAllClosedSpaces(ctx)
		if err != nil {
			return false
		}
		_, ok := closed[adoptedID]
		return ok
	}, "window archival")
}

func TestMergeSnapshotsHigherVersionWins(t *testing.T) {
	current := NewSnapshot()
	current.ChangeCount = 3
	current.Spaces["a"] = Space{ID: "a", Name: "A-mem", Version: 4, IsActive: true}
	current.Spaces["b"] = Space{ID: "b", Name: "B-mem", Version: 2, IsActive: true}

	loaded := NewSnapshot()
	loaded.ChangeCount = 5
	loaded.Spaces["b"] = Space{ID: "b", Name: "B-disk", Version: 6, IsActive: true}
	loaded.ClosedSpaces["a"] = Space{ID: "a", Name: "A-disk", Version: 2}
	loaded.ClosedSpaces["c"] = Space{ID: "c", Name: "C-disk", Version: 1}

	merged := mergeSnapshots(current, loaded)

	if merged.ChangeCount != 5 {
		t.Fatalf("change count %d, want the higher of the two", merged.ChangeCount)
	}
	if sp := merged.Spaces["a"]; sp.Name != "A-mem" || sp.Version != 4 {
		t.Fatalf("memory entity with higher version lost: %+v", sp)
	}
	if _, ok := merged.ClosedSpaces["a"]; ok {
		t.Fatal("stale persisted placement overrode the newer active entity")
	}
	if sp := merged.Spaces["b"]; sp.Name != "B-disk" || sp.Version != 6 {
		t.Fatalf("persisted entity with higher version lost: %+v", sp)
	}
	if sp, ok := merged.ClosedSpaces["c"]; !ok || sp.Name != "C-disk" {
		t.Fatalf("entity only on disk missing: %+v", sp)
	}
}
