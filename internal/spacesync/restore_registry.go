package spacesync

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// RestoreRegistry de-duplicates concurrent restore requests for the same
// archived space id. A second request for an in-flight id attaches to the
// first request's result instead of creating a second window.
type RestoreRegistry struct {
	group    singleflight.Group
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewRestoreRegistry() *RestoreRegistry {
	return &RestoreRegistry{inFlight: map[string]struct{}{}}
}

// Do runs fn for id unless a restore of id is already running, in which case
// the caller shares the in-flight outcome. The id is released once the
// restore completes or fails.
func (r *RestoreRegistry) Do(id string, fn func() (Space, error)) (Space, error) {
	r.mu.Lock()
	r.inFlight[id] = struct{}{}
	r.mu.Unlock()

	v, err, _ := r.group.Do(id, func() (any, error) {
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, id)
			r.mu.Unlock()
		}()
		return fn()
	})
	if err != nil {
		return Space{}, err
	}
	sp, _ := v.(Space)
	return sp, nil
}

// InFlight reports whether a restore of id is currently running.
func (r *RestoreRegistry) InFlight(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[id]
	return ok
}
