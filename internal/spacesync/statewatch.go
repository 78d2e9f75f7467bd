package spacesync

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const stateWatchSettle = 200 * time.Millisecond

// WatchStateFile invokes onChange when another process replaces the state
// file. The daemon uses it to fold out-of-band snapshot writes back into
// memory via Reload. Events are settled briefly so a write+rename pair
// triggers one reload. Blocks until ctx is cancelled.
func WatchStateFile(ctx context.Context, path string, logger Logger, onChange func()) error {
	path = strings.TrimSpace(path)
	if path == "" || onChange == nil {
		return ErrInvalidInput
	}
	if logger == nil {
		logger = nopLogger{}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: atomic saves rename a temp file over the target,
	// and a watch on the file itself would be lost with the old inode.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var settle *time.Timer
	settleCh := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if settle != nil {
				settle.Stop()
			}
			settle = time.AfterFunc(stateWatchSettle, func() {
				select {
				case settleCh <- struct{}{}:
				default:
				}
			})
		case <-settleCh:
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("state watch: %v", err)
		}
	}
}
