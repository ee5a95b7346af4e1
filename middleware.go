// This file contains the generic middleware chain. Handlers run in
// registration order; each decides whether to resolve the request or hand it
// to the next handler via the next closure. An exhausted chain falls through
// to the final handler supplied by the caller.
package pondsocket

import (
	"context"
	"sync"
)

type middleware[Request any, Response any] struct {
	handlers []handlerFunc[Request, Response]
	mutex    sync.RWMutex
}

func newMiddleWare[Request any, Response any]() *middleware[Request, Response] {
	return &middleware[Request, Response]{
		handlers: make([]handlerFunc[Request, Response], 0),
	}
}

func (m *middleware[Request, Response]) Use(handlers ...handlerFunc[Request, Response]) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.handlers = append(m.handlers, handlers...)
}

func (m *middleware[Request, Response]) snapshot() []handlerFunc[Request, Response] {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	handlersCopy := make([]handlerFunc[Request, Response], len(m.handlers))
	copy(handlersCopy, m.handlers)
	return handlersCopy
}

func (m *middleware[Request, Response]) Handle(ctx context.Context, request Request, response Response, finalHandler finalHandlerFunc[Request, Response]) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	handlersCopy := m.snapshot()

	if len(handlersCopy) == 0 {
		return finalHandler(request, response)
	}

	var executeHandler func(index int) error
	executeHandler = func(index int) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if index >= len(handlersCopy) {
			return finalHandler(request, response)
		}
		handler := handlersCopy[index]
		next := func() error {
			return executeHandler(index + 1)
		}
		return handler(ctx, request, response, next)
	}
	return executeHandler(0)
}
