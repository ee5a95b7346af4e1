// This file contains the ConnectionContext struct handed to the connection
// handler. It allows accepting or declining the websocket upgrade, staging
// connection assigns and inspecting the HTTP request.
package pondsocket

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type ConnectionContext struct {
	Route            *Route
	accepted         bool
	hasResponded     bool
	request          *http.Request
	response         http.ResponseWriter
	endpoint         *Endpoint
	userId           string
	assigns          map[string]interface{}
	upgrader         websocket.Upgrader
	managerCtx       context.Context
	connectionCtx    context.Context
	connectionCancel context.CancelFunc
}

type connectionOptions struct {
	request  *http.Request
	response http.ResponseWriter
	endpoint *Endpoint
	userId   string
	upgrader websocket.Upgrader
	connCtx  context.Context
	route    *Route
}

func newConnectionContext(options connectionOptions) *ConnectionContext {
	ctxInternal, cancelInternal := context.WithCancel(options.connCtx)

	return &ConnectionContext{
		request:          options.request,
		endpoint:         options.endpoint,
		userId:           options.userId,
		response:         options.response,
		assigns:          make(map[string]interface{}),
		Route:            options.route,
		upgrader:         options.upgrader,
		managerCtx:       options.endpoint.ctx,
		connectionCtx:    ctxInternal,
		connectionCancel: cancelInternal,
	}
}

// Accept upgrades the request to a websocket connection and registers it with
// the endpoint. Assigns staged before Accept travel with the connection.
func (c *ConnectionContext) Accept() error {
	if c.hasResponded {
		c.connectionCancel()
		return badRequest("", "ConnectionContext: the response has already been sent")
	}
	c.hasResponded = true
	c.accepted = true

	wsConn, err := c.upgrader.Upgrade(c.response, c.request, nil)
	if err != nil {
		c.connectionCancel()
		return wrapF(err, "failed to upgrade connection %s to WebSocket", c.userId)
	}

	connInstance, err := newConn(c.managerCtx, wsConn, c.assigns, c.userId, c.endpoint.options)
	if err != nil {
		c.connectionCancel()
		_ = wsConn.Close()
		return wrapF(err, "failed to create internal connection for %s", c.userId)
	}

	if err = c.endpoint.addConnection(connInstance); err != nil {
		c.connectionCancel()
		connInstance.Close()
		return wrapF(err, "failed to add connection %s to endpoint", c.userId)
	}
	return nil
}

// Decline rejects the connection request with an HTTP error before any
// upgrade takes place.
func (c *ConnectionContext) Decline(statusCode int, message string) error {
	if c.hasResponded {
		c.connectionCancel()
		return badRequest("", "ConnectionContext: the response has already been sent")
	}
	c.hasResponded = true
	c.accepted = false
	c.connectionCancel()

	http.Error(c.response, message, statusCode)

	return nil
}

// Reply accepts the connection and immediately sends an event to the client.
func (c *ConnectionContext) Reply(e string, payload interface{}) error {
	if err := c.Accept(); err != nil {
		return wrapF(err, "failed to accept connection %s for reply", c.userId)
	}
	reply := Event{
		Action:      messageAction,
		ChannelName: SenderEndpoint,
		RequestId:   uuid.NewString(),
		Event:       e,
		Payload:     payload,
	}
	if err := c.endpoint.sendMessage(c.userId, reply); err != nil {
		return wrapF(err, "failed to send reply '%s' to connection %s", e, c.userId)
	}
	return nil
}

// SetAssigns stages a key-value pair on the connection. Connection assigns
// persist across channel joins and never reach the client.
func (c *ConnectionContext) SetAssigns(key string, value interface{}) *ConnectionContext {
	if c.assigns == nil {
		c.assigns = make(map[string]interface{})
	}
	c.assigns[key] = value
	return c
}

// GetAssigns reads a staged connection assign by key.
func (c *ConnectionContext) GetAssigns(key string) interface{} {
	if c.assigns == nil {
		return nil
	}
	return c.assigns[key]
}

// GetUser describes the connecting client: its generated id and staged
// assigns. Presence is nil until the client joins a channel.
func (c *ConnectionContext) GetUser() *User {
	return &User{
		UserID:  c.userId,
		Assigns: copyMap(c.assigns),
	}
}

// Cookies returns the HTTP cookies sent with the upgrade request.
func (c *ConnectionContext) Cookies() []*http.Cookie {
	return c.request.Cookies()
}

// Headers returns the HTTP headers sent with the upgrade request.
func (c *ConnectionContext) Headers() http.Header {
	return c.request.Header
}

// Context returns the context for this connection attempt. It is cancelled
// when the connection is declined or closed.
func (c *ConnectionContext) Context() context.Context {
	return c.connectionCtx
}
