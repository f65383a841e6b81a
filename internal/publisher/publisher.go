// Package publisher implements the subscriber registry: idempotent
// register/unregister and insertion-ordered, isolation-safe notification.
package publisher

import (
	"errors"
	"log/slog"
	"reflect"
	"sync"

	"github.com/vpnkit/connector/internal/state"
)

// ErrNilSubscriber is returned by Register when given a nil function.
var ErrNilSubscriber = errors.New("publisher: subscriber must not be nil")

// Subscriber receives each committed state change.
type Subscriber func(*state.State)

// identity compares subscribers by their underlying code pointer, since
// Go funcs are not otherwise comparable. Two distinct closures over the
// same function literal collapse to the same identity; callers that need
// finer-grained unregistration should close over a small struct and take
// its method value instead.
func identity(fn Subscriber) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// Publisher holds a set of subscribers and fans state changes out to
// them in registration order.
type Publisher struct {
	mu    sync.Mutex
	order []uintptr
	subs  map[uintptr]Subscriber
}

// New creates an empty publisher.
func New() *Publisher {
	return &Publisher{subs: make(map[uintptr]Subscriber)}
}

// Register adds a subscriber. Duplicate registration (same underlying
// function) is a no-op, not an error. A nil subscriber is rejected.
func (p *Publisher) Register(fn Subscriber) error {
	if fn == nil {
		return ErrNilSubscriber
	}
	id := identity(fn)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.subs[id]; exists {
		return nil
	}
	p.subs[id] = fn
	p.order = append(p.order, id)
	return nil
}

// Unregister removes a subscriber. Removing one that was never
// registered is a silent no-op.
func (p *Publisher) Unregister(fn Subscriber) {
	if fn == nil {
		return
	}
	id := identity(fn)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.subs[id]; !exists {
		return
	}
	delete(p.subs, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Notify invokes every subscriber with the new state, in insertion order.
// Subscribers are snapshotted before iterating so that a subscriber
// registering or unregistering from within its own callback cannot
// corrupt the in-flight notification. A panicking subscriber is isolated
// and logged; it never prevents later subscribers from being notified.
func (p *Publisher) Notify(s *state.State) {
	p.mu.Lock()
	snapshot := make([]Subscriber, 0, len(p.order))
	for _, id := range p.order {
		if fn, ok := p.subs[id]; ok {
			snapshot = append(snapshot, fn)
		}
	}
	p.mu.Unlock()

	for _, fn := range snapshot {
		p.notifyOne(fn, s)
	}
}

func (p *Publisher) notifyOne(fn Subscriber, s *state.State) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("subscriber panicked during notify", "recovered", r)
		}
	}()
	fn(s)
}
