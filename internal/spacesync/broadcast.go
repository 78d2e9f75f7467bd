package spacesync

import (
	"sync"
)

const defaultSubscriberBuffer = 32

// Broadcaster fans committed-change notifications out to every currently
// connected subscriber. Delivery is fire-and-forget: a subscriber whose
// buffer is full loses the message and is expected to reconcile by pulling
// full state, never by replaying history.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan BroadcastMessage
	nextID int
	buffer int
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{
		subs:   map[int]chan BroadcastMessage{},
		buffer: buffer,
	}
}

// Subscribe registers a listener. The returned cancel func must be called
// when the client disconnects.
func (b *Broadcaster) Subscribe() (<-chan BroadcastMessage, func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	ch := make(chan BroadcastMessage, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers msg to every subscriber without blocking. Slow
// subscribers drop messages rather than stalling the commit path.
func (b *Broadcaster) Publish(msg BroadcastMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
