// This file contains the Conn struct, the websocket-backed Transport. It owns
// the read and write pumps, ping/pong keepalive, the connection assigns map
// and idempotent shutdown.
package pondsocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type eventHandler func(event Event, conn *Conn) error

type Conn struct {
	ID            string
	conn          *websocket.Conn
	send          chan []byte
	receive       chan []byte
	assigns       map[string]interface{}
	closeChan     chan struct{}
	readDone      chan struct{}
	closeOnce     sync.Once
	mutex         sync.RWMutex
	isClosing     bool
	closeHandlers *array[func(Transport) error]
	handler       *eventHandler
	options       *Options
	ctx           context.Context
	cancel        context.CancelFunc
}

func newConn(mCtx context.Context, wsConn *websocket.Conn, assigns map[string]interface{}, id string, options *Options) (*Conn, error) {
	ctx, cancel := context.WithCancel(mCtx)

	c := &Conn{
		ID:            id,
		conn:          wsConn,
		assigns:       assigns,
		ctx:           ctx,
		cancel:        cancel,
		closeChan:     make(chan struct{}),
		readDone:      make(chan struct{}),
		send:          make(chan []byte, options.SendChannelBuffer),
		receive:       make(chan []byte, options.ReceiveChannelBuffer),
		closeHandlers: newArray[func(Transport) error](),
		options:       options,
	}

	wsConn.SetReadLimit(options.MaxMessageSize)
	if err := wsConn.SetReadDeadline(time.Now().Add(options.PongWait)); err != nil {
		cancel()
		return nil, wrapF(err, "failed to set initial read deadline for connection %s", id)
	}

	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(options.PongWait))
	})

	c.conn.SetCloseHandler(func(code int, text string) error {
		c.Close()
		return nil
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

func (c *Conn) readPump() {
	defer func() {
		close(c.readDone)
		c.close(true)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.conn.SetReadDeadline(time.Now().Add(c.options.PongWait)); err != nil {
				c.reportError("read_deadline", err)
				return
			}
			messageType, message, err := c.conn.ReadMessage()

			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return
				}
				if !errors.Is(err, context.Canceled) {
					c.reportError("read_pump", err)
				}
				return
			}

			if messageType != websocket.TextMessage {
				_ = c.SendJSON(errorFrame(SenderEndpoint, badRequest("", "Unsupported message type; expected text frame")))
				continue
			}
			select {
			case c.receive <- message:
			case <-c.ctx.Done():
				return
			case <-time.After(c.options.WriteWait):
				c.reportError("read_pump", timeout("", "timed out delivering message to handler"))
				return
			}
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.options.PingInterval)

	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if !c.IsActive() {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		case <-c.closeChan:
			return
		}
	}
}

// HandleMessages drains the receive queue and feeds the registered handler.
// Frames from one connection are processed in arrival order.
func (c *Conn) HandleMessages() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.Close()
			}
		}()

		for {
			select {
			case message, ok := <-c.receive:
				if !ok {
					return
				}

				var event Event
				if err := json.Unmarshal(message, &event); err != nil {
					_ = c.SendJSON(errorFrame(SenderEndpoint, badRequest("", "Invalid JSON payload")))
					continue
				}

				c.mutex.RLock()
				handler := c.handler
				c.mutex.RUnlock()

				if handler == nil {
					c.reportError("connection_handler", internal("", "no handler registered for connection "+c.ID))
					continue
				}

				if err := (*handler)(event, c); err != nil {
					c.reportError("connection_handler", err)
				}

			case <-c.ctx.Done():
				return
			case <-c.closeChan:
				return
			}
		}
	}()
}

func (c *Conn) SendJSON(v interface{}) (err error) {
	if !c.IsActive() {
		return unavailable("", "Connection with id "+c.ID+" is closing")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return wrapF(err, "failed to marshal JSON for connection %s", c.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			err = unavailable("", "Connection with id "+c.ID+" is closing")
		}
	}()

	select {
	case <-c.closeChan:
		return unavailable("", "Connection with id "+c.ID+" is closing")
	case <-c.ctx.Done():
		return unavailable("", "Connection with id "+c.ID+" is closing due to context cancellation")
	case c.send <- data:
		return nil
	case <-time.After(c.getSendTimeout()):
		go c.Close()
		return timeout("", "send timeout, connection with id "+c.ID+" is closing")
	}
}

func (c *Conn) OnMessage(handler func(Event, Transport) error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	wrapped := eventHandler(func(event Event, conn *Conn) error {
		return handler(event, conn)
	})
	c.handler = &wrapped
}

func (c *Conn) SetAssign(key string, value interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.assigns == nil {
		c.assigns = make(map[string]interface{})
	}
	c.assigns[key] = value
}

// GetAssign retrieves a value from the connection's assigns by key. Assigns
// persist across channel joins. Returns nil when the key is absent.
func (c *Conn) GetAssign(key string) interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.assigns == nil {
		return nil
	}
	return c.assigns[key]
}

func (c *Conn) CloneAssigns() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return copyMap(c.assigns)
}

// OnClose registers a callback executed during connection cleanup. Callbacks
// run synchronously in registration order.
func (c *Conn) OnClose(callback func(Transport) error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.closeHandlers.push(callback)
}

func (c *Conn) IsActive() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return !c.isClosing
}

// Close shuts the connection down: runs close handlers, cancels the context
// and closes the websocket. Idempotent.
func (c *Conn) Close() {
	c.close(false)
}

func (c *Conn) close(fromReader bool) {
	c.closeOnce.Do(func() {
		c.mutex.Lock()

		c.isClosing = true
		handlersToRun := make([]func(Transport) error, len(c.closeHandlers.items))
		copy(handlersToRun, c.closeHandlers.items)

		c.mutex.Unlock()

		if c.cancel != nil {
			c.cancel()
		}
		close(c.closeChan)

		conn := c.conn

		if !fromReader && conn != nil {
			_ = conn.Close()
		}

		if !fromReader {
			if c.readDone != nil {
				<-c.readDone
			}
		}

		var closeHandlerErrors error
		for _, handler := range handlersToRun {
			if err := handler(c); err != nil {
				closeHandlerErrors = addError(closeHandlerErrors, err)
			}
		}
		if closeHandlerErrors != nil {
			c.reportError("connection_close_handlers", closeHandlerErrors)
		}

		if fromReader && conn != nil {
			_ = conn.Close()
		}
	})
}

func (c *Conn) reportError(component string, err error) {
	if err == nil || c == nil || c.options == nil || c.options.Hooks == nil || c.options.Hooks.Metrics == nil {
		return
	}
	c.options.Hooks.Metrics.Error(component, err)
}

func (c *Conn) GetID() string {
	return c.ID
}

func (c *Conn) getSendTimeout() time.Duration {
	if c.options != nil && c.options.SendTimeout > 0 {
		return c.options.SendTimeout
	}
	return 5 * time.Second
}
