package spacesync

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchStateFileDetectsAtomicReplacement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan struct{}, 8)
	go func() {
		_ = WatchStateFile(ctx, path, nil, func() {
			changes <- struct{}{}
		})
	}()
	time.Sleep(100 * time.Millisecond)

	// Replace the file the way the JSON backend does: temp write + rename.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(`{"spaces":{},"closedSpaces":{},"changeCount":1}`), 0o600); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement not observed")
	}
}

func TestWatcherDrivenReloadSettlesAfterOwnSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := newTestStore(t, StoreOptions{StateFile: path})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := store.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Wire the watcher to Reload the way the daemon does.
	var reloads atomic.Int32
	go func() {
		_ = WatchStateFile(ctx, path, nil, func() {
			reloads.Add(1)
			if err := store.Reload(context.Background()); err != nil {
				t.Errorf("reload: %v", err)
			}
		})
	}()
	time.Sleep(100 * time.Millisecond)

	sp, err := store.CreateSpace(ctx, "Solo", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// One mutation writes the file once; the reload that follows must not
	// save again and re-trigger the watcher.
	time.Sleep(600 * time.Millisecond)
	countBefore := store.GetBackendStatus().ChangeCount
	reloadsBefore := reloads.Load()
	time.Sleep(700 * time.Millisecond)

	if got := store.GetBackendStatus().ChangeCount; got != countBefore {
		t.Fatalf("state keeps being rewritten after one mutation: changeCount %d -> %d", countBefore, got)
	}
	if got := reloads.Load(); got != reloadsBefore {
		t.Fatalf("watcher keeps firing after one mutation: %d -> %d reloads", reloadsBefore, got)
	}
	if reloadsBefore > 2 {
		t.Fatalf("one mutation triggered %d reloads", reloadsBefore)
	}

	got, err := store.GetSpace(ctx, sp.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Solo" || got.Version != 1 {
		t.Fatalf("space after reload cycle: %+v", got)
	}
}
