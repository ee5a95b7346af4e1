// This file contains the delivery bus, the in-process fan-out layer between a
// channel and its member transports. Each member holds one subscription;
// publishing addresses a list of member ids.
package pondsocket

import (
	"sync"
)

type deliveryFunc func(event *Event) error

type bus struct {
	mu     sync.RWMutex
	subs   map[string]deliveryFunc
	closed bool
}

func newBus() *bus {
	return &bus{
		subs: make(map[string]deliveryFunc),
	}
}

// subscribe binds a delivery function to a member id and returns the matching
// unsubscribe. A second subscription under the same id is a conflict.
func (b *bus) subscribe(id string, fn deliveryFunc) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, unavailable("", "delivery bus is closed")
	}
	if _, exists := b.subs[id]; exists {
		return nil, conflict("", "subscription already exists for "+id)
	}
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}, nil
}

// publish delivers event to every listed subscriber. Missing subscribers are
// skipped silently; send failures are combined into the returned error.
func (b *bus) publish(event *Event, ids *array[string]) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return unavailable(event.ChannelName, "delivery bus is closed")
	}
	targets := make([]deliveryFunc, 0, ids.length())
	ids.forEach(func(id string) {
		if fn, exists := b.subs[id]; exists {
			targets = append(targets, fn)
		}
	})
	b.mu.RUnlock()

	var errs error
	for _, fn := range targets {
		if err := fn(event); err != nil {
			errs = addError(errs, err)
		}
	}
	return errs
}

func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.subs = make(map[string]deliveryFunc)
}
