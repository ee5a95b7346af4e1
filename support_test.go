package pondsocket

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport that records every frame sent to it.
type fakeTransport struct {
	mu            sync.Mutex
	id            string
	assigns       map[string]interface{}
	sent          []Event
	active        bool
	sendErr       error
	closeHandlers []func(Transport) error
	handler       func(Event, Transport) error
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{
		id:      id,
		assigns: make(map[string]interface{}),
		active:  true,
	}
}

func (f *fakeTransport) GetID() string {
	return f.id
}

func (f *fakeTransport) SendJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	switch ev := v.(type) {
	case Event:
		f.sent = append(f.sent, ev)
	case *Event:
		f.sent = append(f.sent, *ev)
	default:
		return errors.New("unexpected frame type")
	}
	return nil
}

func (f *fakeTransport) GetAssign(key string) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assigns[key]
}

func (f *fakeTransport) SetAssign(key string, value interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigns[key] = value
}

func (f *fakeTransport) CloneAssigns() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyMap(f.assigns)
}

func (f *fakeTransport) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	if !f.active {
		f.mu.Unlock()
		return
	}
	f.active = false
	handlers := make([]func(Transport) error, len(f.closeHandlers))
	copy(handlers, f.closeHandlers)
	f.mu.Unlock()

	for _, handler := range handlers {
		_ = handler(f)
	}
}

func (f *fakeTransport) OnClose(callback func(Transport) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeHandlers = append(f.closeHandlers, callback)
}

func (f *fakeTransport) OnMessage(handler func(Event, Transport) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTransport) HandleMessages() {}

// deliver feeds a frame through the registered message handler, the way a
// websocket read pump would.
func (f *fakeTransport) deliver(ev Event) error {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		return errors.New("no message handler registered")
	}
	return handler(ev, f)
}

// frames returns a copy of everything sent to this transport so far.
func (f *fakeTransport) frames() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	clone := make([]Event, len(f.sent))
	copy(clone, f.sent)
	return clone
}

// framesNamed returns the sent frames carrying the given event name.
func (f *fakeTransport) framesNamed(event string) []Event {
	var matched []Event
	for _, ev := range f.frames() {
		if ev.Event == event {
			matched = append(matched, ev)
		}
	}
	return matched
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// asPondError unwraps err into *Error and fails the test when it is not one.
func asPondError(t *testing.T, err error) *Error {
	t.Helper()
	var pondErr *Error
	if !errors.As(err, &pondErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	return pondErr
}
