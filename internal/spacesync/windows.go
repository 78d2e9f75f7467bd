package spacesync

import (
	"context"
	"fmt"
	"sync"
)

// Window is the provider's view of a live browser window.
type Window struct {
	ID   string
	URLs []string
}

type WindowEventType string

const (
	WindowEventCreated WindowEventType = "created"
	WindowEventRemoved WindowEventType = "removed"
)

type WindowEvent struct {
	Type   WindowEventType
	Window Window
}

// WindowProvider is the external collaborator that owns actual windows and
// tabs. The store consumes it during initialization and mutation execution;
// it is never the source of truth for space metadata.
type WindowProvider interface {
	Enumerate(ctx context.Context) ([]Window, error)
	Create(ctx context.Context, urls []string) (Window, error)
	Focus(ctx context.Context, windowID string) error
	Remove(ctx context.Context, windowID string) error
	Events() <-chan WindowEvent
}

// FakeWindowProvider is an in-memory provider used by tests and by the
// daemon when no real browser bridge is configured.
type FakeWindowProvider struct {
	mu      sync.Mutex
	windows map[string]Window
	nextID  int
	events  chan WindowEvent

	FailCreate bool
	FailFocus  bool
}

func NewFakeWindowProvider(initial ...Window) *FakeWindowProvider {
	p := &FakeWindowProvider{
		windows: map[string]Window{},
		events:  make(chan WindowEvent, 64),
	}
	for _, w := range initial {
		p.windows[w.ID] = w
	}
	return p
}

func (p *FakeWindowProvider) Enumerate(ctx context.Context) ([]Window, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Window, 0, len(p.windows))
	for _, w := range p.windows {
		out = append(out, Window{ID: w.ID, URLs: append([]string(nil), w.URLs...)})
	}
	return out, nil
}

func (p *FakeWindowProvider) Create(ctx context.Context, urls []string) (Window, error) {
	p.mu.Lock()
	if p.FailCreate {
		p.mu.Unlock()
		return Window{}, fmt.Errorf("window create refused")
	}
	p.nextID++
	w := Window{
		ID:   fmt.Sprintf("w-%d", p.nextID),
		URLs: append([]string(nil), urls...),
	}
	p.windows[w.ID] = w
	p.mu.Unlock()
	p.emit(WindowEvent{Type: WindowEventCreated, Window: w})
	return w, nil
}

func (p *FakeWindowProvider) Focus(ctx context.Context, windowID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailFocus {
		return fmt.Errorf("window focus refused")
	}
	if _, ok := p.windows[windowID]; !ok {
		return ErrNotFound
	}
	return nil
}

func (p *FakeWindowProvider) Remove(ctx context.Context, windowID string) error {
	p.mu.Lock()
	w, ok := p.windows[windowID]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound
	}
	delete(p.windows, windowID)
	p.mu.Unlock()
	p.emit(WindowEvent{Type: WindowEventRemoved, Window: w})
	return nil
}

func (p *FakeWindowProvider) Events() <-chan WindowEvent {
	return p.events
}

func (p *FakeWindowProvider) emit(ev WindowEvent) {
	select {
	case p.events <- ev:
	default:
	}
}
