package spacesync

import (
	"sync"
	"time"
)

const (
	defaultDebounceWindow = 120 * time.Millisecond
	defaultQueueCapacity  = 256
)

// OpResult is delivered to every waiter of a queued operation once the
// operation (or the operation that superseded it) has been executed.
type OpResult struct {
	Space Space
	Err   error
}

// ExecuteFunc runs exactly once per fired queue entry with the latest
// coalesced payload.
type ExecuteFunc func(op PendingOperation) (Space, error)

// Debouncer serializes mutation attempts per entity id and coalesces rapid
// repeats into a single execution carrying the last payload. At most one
// pending timer exists per id; a new normal-priority request replaces the
// pending payload and restarts the timer. Critical-priority requests bypass
// the timer, dropping any coalesced normal request for the same id.
type Debouncer struct {
	mu       sync.Mutex
	clock    Clock
	window   time.Duration
	capacity int
	execute  ExecuteFunc
	entries  map[string]*debounceEntry
	closed   bool
}

type debounceEntry struct {
	op      PendingOperation
	timer   Timer
	waiters []chan OpResult
	running bool
	next    *queuedOp
}

// queuedOp holds the single follow-up submitted while an execution for the
// same entity is in flight. Latest wins.
type queuedOp struct {
	op      PendingOperation
	waiters []chan OpResult
}

func NewDebouncer(clock Clock, window time.Duration, capacity int, execute ExecuteFunc) *Debouncer {
	if clock == nil {
		clock = NewClock()
	}
	if window <= 0 {
		window = defaultDebounceWindow
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Debouncer{
		clock:    clock,
		window:   window,
		capacity: capacity,
		execute:  execute,
		entries:  map[string]*debounceEntry{},
	}
}

// Submit queues op and returns a channel that receives the outcome of the
// execution the op was folded into. Superseded waiters receive the result of
// the write that actually happened.
func (d *Debouncer) Submit(op PendingOperation) <-chan OpResult {
	ch := make(chan OpResult, 1)
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = d.clock.Now()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		ch <- OpResult{Err: ErrShuttingDown}
		return ch
	}

	if e, ok := d.entries[op.EntityID]; ok {
		if e.running {
			// An execution is in flight; hold exactly one follow-up.
			if e.next == nil {
				e.next = &queuedOp{op: op, waiters: []chan OpResult{ch}}
			} else {
				if e.next.op.Priority == PriorityCritical && op.Priority != PriorityCritical {
					// A held critical op is not displaced by a normal one.
					e.next.waiters = append(e.next.waiters, ch)
				} else {
					e.next.op = op
					e.next.waiters = append(e.next.waiters, ch)
				}
			}
			d.mu.Unlock()
			return ch
		}
		// Coalesce: latest payload wins, timer restarts.
		prevPriority := e.op.Priority
		e.op = op
		e.waiters = append(e.waiters, ch)
		if op.Priority == PriorityCritical {
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
			e.running = true
			d.mu.Unlock()
			d.fire(op.EntityID)
			return ch
		}
		if prevPriority == PriorityCritical {
			e.op.Priority = PriorityCritical
		}
		if e.timer != nil {
			e.timer.Reset(d.window)
		}
		d.mu.Unlock()
		return ch
	}

	if len(d.entries) >= d.capacity {
		if !d.evictOldestLocked() {
			// Every tracked entry is mid-execution; nothing can be evicted,
			// so the bound holds by rejecting the newcomer.
			d.mu.Unlock()
			ch <- OpResult{Err: ErrQueueFull}
			return ch
		}
	}
	e := &debounceEntry{op: op, waiters: []chan OpResult{ch}}
	d.entries[op.EntityID] = e
	if op.Priority == PriorityCritical {
		e.running = true
		d.mu.Unlock()
		d.fire(op.EntityID)
		return ch
	}
	id := op.EntityID
	e.timer = d.clock.AfterFunc(d.window, func() {
		d.mu.Lock()
		entry, ok := d.entries[id]
		if !ok || entry.running {
			d.mu.Unlock()
			return
		}
		entry.running = true
		d.mu.Unlock()
		d.fire(id)
	})
	d.mu.Unlock()
	return ch
}

// evictOldestLocked drops the pending entry with the earliest enqueue time,
// failing its waiters, so the queue stays bounded. Reports whether room was
// made; running entries cannot be evicted.
func (d *Debouncer) evictOldestLocked() bool {
	var oldestID string
	var oldest *debounceEntry
	for id, e := range d.entries {
		if e.running {
			continue
		}
		if oldest == nil || e.op.EnqueuedAt.Before(oldest.op.EnqueuedAt) {
			oldestID = id
			oldest = e
		}
	}
	if oldest == nil {
		return false
	}
	if oldest.timer != nil {
		oldest.timer.Stop()
	}
	delete(d.entries, oldestID)
	for _, w := range oldest.waiters {
		w <- OpResult{Err: ErrQueueFull}
	}
	return true
}

// fire executes the entry's current payload. Exactly one execution runs per
// entity at a time; a follow-up queued during the run is scheduled after it.
func (d *Debouncer) fire(id string) {
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	op := e.op
	waiters := e.waiters
	e.waiters = nil
	d.mu.Unlock()

	space, err := d.execute(op)
	res := OpResult{Space: space, Err: err}
	for _, w := range waiters {
		w <- res
	}

	d.mu.Lock()
	if e.next != nil {
		e.op = e.next.op
		e.waiters = e.next.waiters
		e.next = nil
		if d.closed || e.op.Priority == PriorityCritical {
			d.mu.Unlock()
			d.fire(id)
			return
		}
		e.running = false
		e.timer = d.clock.AfterFunc(d.window, func() {
			d.mu.Lock()
			entry, ok := d.entries[id]
			if !ok || entry.running {
				d.mu.Unlock()
				return
			}
			entry.running = true
			d.mu.Unlock()
			d.fire(id)
		})
		d.mu.Unlock()
		return
	}
	delete(d.entries, id)
	d.mu.Unlock()
}

// Pending reports the number of entity ids with queued work.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Capacity reports the bound on simultaneously queued entity ids.
func (d *Debouncer) Capacity() int {
	return d.capacity
}

// Flush executes every entry still inside its debounce window immediately.
// Used by the shutdown hook; mutations are already write-through durable at
// commit, so this only shortens the window that would otherwise be lost.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.entries))
	for id, e := range d.entries {
		if e.running {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.running = true
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		d.fire(id)
	}
}

// Close flushes pending work and rejects all later submissions.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.Flush()
}
