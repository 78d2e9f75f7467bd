package spacesync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testSnapshot() *Snapshot {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSnapshot()
	s.ChangeCount = 7
	s.Spaces["s1"] = Space{
		ID:           "s1",
		WindowID:     "w1",
		Name:         "Work",
		IsCustomName: true,
		URLs:         []string{"https://example.com"},
		Version:      3,
		IsActive:     true,
		CreatedAt:    now,
		LastModified: now,
		LastUsed:     now,
	}
	s.ClosedSpaces["s2"] = Space{
		ID:           "s2",
		Name:         "Archive",
		URLs:         []string{"https://old.example.com"},
		Version:      5,
		CreatedAt:    now,
		LastModified: now,
		LastUsed:     now,
	}
	return s
}

func snapshotsEqual(t *testing.T, a, b *Snapshot) {
	t.Helper()
	aj, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	bj, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(aj) != string(bj) {
		t.Fatalf("snapshots differ:\n%s\n%s", aj, bj)
	}
}

func TestJSONFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	backend := NewJSONFileStateBackend(path)

	want := testSnapshot()
	if err := backend.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := backend.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	snapshotsEqual(t, want, got)
}

func TestJSONFileBackendMissingFileReturnsNil(t *testing.T) {
	backend := NewJSONFileStateBackend(filepath.Join(t.TempDir(), "absent.json"))
	got, err := backend.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil snapshot for missing file, got %+v", got)
	}
}

func TestJSONFileBackendRejectsMalformedState(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"not-json":        `{"spaces": `,
		"wrong-shape":     `{"spaces": 5, "closedSpaces": {}}`,
		"missing-version": `{"spaces": {"s1": {"id": "s1", "name": "x"}}, "closedSpaces": {}}`,
	}
	for name, content := range cases {
		path := filepath.Join(dir, name+".json")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
		if _, err := NewJSONFileStateBackend(path).Load(); err == nil {
			t.Fatalf("case %s: expected load to reject malformed state", name)
		}
	}
}

type flakyBackend struct {
	inner StateBackend

	mu           sync.Mutex
	saveFailures int
	saves        int
}

func (b *flakyBackend) Load() (*Snapshot, error) {
	return b.inner.Load()
}

func (b *flakyBackend) Save(snapshot *Snapshot) error {
	b.mu.Lock()
	b.saves++
	if b.saveFailures > 0 {
		b.saveFailures--
		b.mu.Unlock()
		return errors.New("transient save failure")
	}
	b.mu.Unlock()
	return b.inner.Save(snapshot)
}

// corruptingBackend persists fine but always reads back altered bytes, so
// write verification can never pass.
type corruptingBackend struct {
	inner StateBackend
}

func (b *corruptingBackend) Load() (*Snapshot, error) {
	snapshot, err := b.inner.Load()
	if snapshot != nil {
		snapshot.ChangeCount++
	}
	return snapshot, err
}

func (b *corruptingBackend) Save(snapshot *Snapshot) error {
	return b.inner.Save(snapshot)
}

func TestDurableStoreRetriesTransientSaveFailure(t *testing.T) {
	backend := &flakyBackend{inner: NewInMemoryStateBackend(), saveFailures: 2}
	durable := NewDurableStore(backend, DurableStoreOptions{MaxAttempts: 3, RetryDelay: time.Millisecond})

	want := testSnapshot()
	if err := durable.Save(want); err != nil {
		t.Fatalf("save should succeed within the retry budget: %v", err)
	}
	got, err := durable.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	snapshotsEqual(t, want, got)
	if backend.saves != 3 {
		t.Fatalf("expected 3 save attempts, got %d", backend.saves)
	}
}

func TestDurableStoreExhaustedRetriesSurfaceError(t *testing.T) {
	backend := &flakyBackend{inner: NewInMemoryStateBackend(), saveFailures: 10}
	durable := NewDurableStore(backend, DurableStoreOptions{MaxAttempts: 2, RetryDelay: time.Millisecond})
	if err := durable.Save(testSnapshot()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestDurableStoreDetectsVerifyMismatch(t *testing.T) {
	backend := &corruptingBackend{inner: NewInMemoryStateBackend()}
	durable := NewDurableStore(backend, DurableStoreOptions{MaxAttempts: 2, RetryDelay: time.Millisecond})
	err := durable.Save(testSnapshot())
	if !errors.Is(err, ErrWriteVerify) {
		t.Fatalf("got %v, want ErrWriteVerify", err)
	}
}

func TestDurableStoreSavePartialPreservesSibling(t *testing.T) {
	durable := NewDurableStore(NewInMemoryStateBackend(), DurableStoreOptions{RetryDelay: time.Millisecond})
	base := testSnapshot()
	if err := durable.Save(base); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	next := base.clone()
	sp := next.Spaces["s1"]
	sp.Name = "Renamed"
	sp.Version++
	next.Spaces["s1"] = sp
	next.ChangeCount++
	// Deliberately corrupt the candidate's closed map; PartActive must not
	// carry it into the persisted state.
	next.ClosedSpaces = map[string]Space{}

	if err := durable.SavePartial(next, PartActive); err != nil {
		t.Fatalf("save partial: %v", err)
	}
	got, err := durable.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Spaces["s1"].Name != "Renamed" {
		t.Fatalf("active half not replaced: %+v", got.Spaces["s1"])
	}
	if _, ok := got.ClosedSpaces["s2"]; !ok {
		t.Fatal("closed half was clobbered by a PartActive save")
	}
	if got.ChangeCount != next.ChangeCount {
		t.Fatalf("change count %d, want %d", got.ChangeCount, next.ChangeCount)
	}
}
