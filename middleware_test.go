package pondsocket

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestMiddlewareRunsInOrder(t *testing.T) {
	m := newMiddleWare[*[]string, struct{}]()

	m.Use(func(ctx context.Context, trace *[]string, _ struct{}, next nextFunc) error {
		*trace = append(*trace, "first")
		return next()
	})
	m.Use(func(ctx context.Context, trace *[]string, _ struct{}, next nextFunc) error {
		*trace = append(*trace, "second")
		return next()
	})

	var trace []string
	err := m.Handle(context.Background(), &trace, struct{}{}, func(t *[]string, _ struct{}) error {
		*t = append(*t, "final")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"first", "second", "final"}
	if !reflect.DeepEqual(trace, want) {
		t.Errorf("expected %v, got %v", want, trace)
	}
}

func TestMiddlewareShortCircuit(t *testing.T) {
	m := newMiddleWare[*[]string, struct{}]()

	m.Use(func(ctx context.Context, trace *[]string, _ struct{}, next nextFunc) error {
		*trace = append(*trace, "first")
		return nil
	})
	m.Use(func(ctx context.Context, trace *[]string, _ struct{}, next nextFunc) error {
		*trace = append(*trace, "second")
		return next()
	})

	var trace []string
	err := m.Handle(context.Background(), &trace, struct{}{}, func(t *[]string, _ struct{}) error {
		*t = append(*t, "final")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(trace, []string{"first"}) {
		t.Errorf("expected chain to stop at first handler, got %v", trace)
	}
}

func TestMiddlewareEmptyChainCallsFinal(t *testing.T) {
	m := newMiddleWare[string, struct{}]()

	called := false
	err := m.Handle(context.Background(), "request", struct{}{}, func(string, struct{}) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected final handler to run on empty chain")
	}
}

func TestMiddlewarePropagatesError(t *testing.T) {
	m := newMiddleWare[string, struct{}]()

	sentinel := errors.New("boom")
	m.Use(func(ctx context.Context, _ string, _ struct{}, next nextFunc) error {
		return sentinel
	})

	err := m.Handle(context.Background(), "request", struct{}{}, func(string, struct{}) error {
		t.Error("final handler must not run after an error")
		return nil
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected sentinel error, got %v", err)
	}
}

func TestMiddlewareCancelledContext(t *testing.T) {
	m := newMiddleWare[string, struct{}]()

	m.Use(func(ctx context.Context, _ string, _ struct{}, next nextFunc) error {
		t.Error("handler must not run with a cancelled context")
		return next()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Handle(ctx, "request", struct{}{}, func(string, struct{}) error {
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
