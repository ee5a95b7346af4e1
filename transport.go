// This file defines the Transport interface that decouples channels and
// endpoints from the websocket layer. Conn is the production implementation;
// tests substitute in-memory recorders.
package pondsocket

// Transport is one client connection as seen by the broker: an identity,
// a JSON send path, connection-scoped assigns and lifecycle callbacks.
type Transport interface {
	GetID() string
	SendJSON(v interface{}) error
	GetAssign(key string) interface{}
	SetAssign(key string, value interface{})
	CloneAssigns() map[string]interface{}
	IsActive() bool
	Close()
	OnClose(callback func(Transport) error)
	OnMessage(handler func(Event, Transport) error)
	HandleMessages()
}
