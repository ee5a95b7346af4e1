// This file contains the Manager struct, which routes HTTP requests to
// endpoints, performs origin checking and the websocket upgrade handshake,
// and assigns every accepted connection a fresh client id.
package pondsocket

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Manager struct {
	middleware *middleware[*http.Request, http.ResponseWriter]
	Options    *Options
	endpoints  *array[*Endpoint]
	upgrader   websocket.Upgrader
	ctx        context.Context
}

// NewManager builds a Manager bound to ctx. When no options are provided,
// DefaultOptions apply.
func NewManager(ctx context.Context, options ...Options) *Manager {
	opts := DefaultOptions()
	if len(options) > 0 {
		opts = &options[0]
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:    opts.ReadBufferSize,
		WriteBufferSize:   opts.WriteBufferSize,
		CheckOrigin:       createOriginChecker(opts),
		EnableCompression: opts.EnableCompression,
	}
	return &Manager{
		middleware: newMiddleWare[*http.Request, http.ResponseWriter](),
		Options:    opts,
		upgrader:   upgrader,
		ctx:        ctx,
		endpoints:  newArray[*Endpoint](),
	}
}

// GetEndpoints returns all registered endpoints.
func (m *Manager) GetEndpoints() []*Endpoint {
	return m.endpoints.toSlice()
}

func createOriginChecker(opts *Options) func(*http.Request) bool {
	var compiledRegexps []*regexp.Regexp
	if opts.CheckOrigin && len(opts.AllowedOriginRegexps) > 0 {
		compiledRegexps = append(compiledRegexps, opts.AllowedOriginRegexps...)
	}
	return func(r *http.Request) bool {
		if !opts.CheckOrigin {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		for _, allowed := range opts.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		for _, pattern := range compiledRegexps {
			if pattern.MatchString(origin) {
				return true
			}
		}
		return false
	}
}

// CreateEndpoint registers an endpoint under a path pattern such as "/ws" or
// "/api/:version/ws". The handler is called for every connection attempt on a
// matching path and decides whether to upgrade.
func (m *Manager) CreateEndpoint(path string, handlerFunc ConnectionEventHandler) *Endpoint {
	endpoint := newEndpoint(m.ctx, path, m.Options)
	select {
	case <-m.ctx.Done():
		return endpoint
	default:
	}
	m.endpoints.push(endpoint)

	m.middleware.Use(func(ctx context.Context, request *http.Request, response http.ResponseWriter, next nextFunc) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		requestPath := request.URL.Path
		if request.URL.RawQuery != "" {
			requestPath += "?" + request.URL.RawQuery
		}
		route, err := parse(path, requestPath)
		if err != nil {
			return next()
		}
		connCtx := newConnectionContext(connectionOptions{
			request:  request,
			response: response,
			endpoint: endpoint,
			userId:   uuid.NewString(),
			upgrader: m.upgrader,
			route:    route,
			connCtx:  ctx,
		})
		return handlerFunc(connCtx)
	})

	return endpoint
}

// HTTPHandler returns the http.HandlerFunc that serves every registered
// endpoint. Unmatched paths get a 404.
func (m *Manager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mergedCtx, cancel := mergeContexts(m.ctx, r.Context())
		defer cancel()

		err := m.middleware.Handle(mergedCtx, r, w, func(req *http.Request, rw http.ResponseWriter) error {
			http.Error(rw, "Not Found", http.StatusNotFound)
			return nil
		})
		if err != nil {
			statusCode := http.StatusInternalServerError
			errMsg := "Internal Server Error"
			if errors.Is(err, context.Canceled) {
				statusCode = 499
				errMsg = "Client Closed Request"
			} else if errors.Is(err, context.DeadlineExceeded) {
				statusCode = http.StatusGatewayTimeout
				errMsg = "Gateway Timeout"
			} else {
				return
			}
			if w.Header().Get("Content-Type") == "" {
				http.Error(w, errMsg, statusCode)
			}
		}
	}
}
