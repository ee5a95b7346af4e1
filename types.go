// This file contains type definitions for the channel broker: the wire envelope,
// the client and server action vocabularies, reserved sender identities,
// configuration options, and the handler signatures used throughout the library.
package pondsocket

import (
	"context"
	"crypto/tls"
	"regexp"
	"time"
)

// Event is the envelope for every frame exchanged with clients. Action comes
// from one of two closed vocabularies depending on direction. Addresses is
// only meaningful on SEND_MESSAGE_TO_USER frames from clients.
type Event struct {
	Action      action      `json:"action"`
	ChannelName string      `json:"channelName"`
	Event       string      `json:"event"`
	Payload     interface{} `json:"payload"`
	RequestId   string      `json:"requestId,omitempty"`
	Addresses   []string    `json:"addresses,omitempty"`
}

type action string

// Client to server actions.
const (
	joinChannelAction    action = "JOIN_CHANNEL"
	leaveChannelAction   action = "LEAVE_CHANNEL"
	updatePresenceAction action = "UPDATE_PRESENCE"
	broadcastAction      action = "BROADCAST"
	broadcastFromAction  action = "BROADCAST_FROM"
	sendToUserAction     action = "SEND_MESSAGE_TO_USER"
)

// Server to client actions.
const (
	messageAction  action = "MESSAGE"
	presenceAction action = "PRESENCE"
	errorAction    action = "ERROR"
	closeAction    action = "CLOSE"
)

// Reserved sender identities. They may broadcast or send without holding
// membership in the target channel.
const (
	SenderServer      = "SERVER"
	SenderEndpoint    = "ENDPOINT"
	SenderPondChannel = "POND_CHANNEL"

	channelSender = "CHANNEL"
)

func isReservedSender(sender string) bool {
	switch sender {
	case SenderServer, SenderEndpoint, SenderPondChannel, channelSender:
		return true
	}
	return false
}

type presenceEventType string

const (
	presenceAdded   presenceEventType = "presence:added"
	presenceRemoved presenceEventType = "presence:removed"
	presenceUpdated presenceEventType = "presence:updated"
)

const (
	acknowledgeEvent     = "ACKNOWLEDGE"
	exitAcknowledgeEvent = "EXIT_ACKNOWLEDGE"
	connectionEventName  = "CONNECTION"
	closeEventName       = "CLOSE"
	evictedEvent         = "EVICTED"
	userEvictedEvent     = "USER_EVICTED"
	errorEvent           = "ERROR"
)

// PresencePayload is the payload of a PRESENCE frame: the full member list in
// join order at the time of the change, plus the record that changed.
type PresencePayload struct {
	Presence []map[string]interface{} `json:"presence"`
	Change   map[string]interface{}   `json:"change"`
}

// ErrorPayload is the payload of an ERROR frame.
type ErrorPayload struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

type internalEvent struct {
	event      *Event
	recipients *array[string]
}

type messageEvent struct {
	*Event
	Sender string
	User   *User
}

// User is a member snapshot handed to handlers: the client id, the server-side
// assigns (never sent to clients) and the shared presence record.
type User struct {
	UserID   string
	Assigns  map[string]interface{}
	Presence map[string]interface{}
}

type nextFunc func() error

type handlerFunc[Request any, Response any] func(ctx context.Context, request Request, response Response, next nextFunc) error

type finalHandlerFunc[Request any, Response any] func(request Request, response Response) error

// ConnectionEventHandler authorizes a new connection. It must resolve the
// ConnectionContext exactly once via Accept, Decline or Reply.
type ConnectionEventHandler func(ctx *ConnectionContext) error

// JoinEventHandler authorizes a join request for a topic. It must resolve the
// JoinContext exactly once via Accept, Decline or Reply.
type JoinEventHandler func(ctx *JoinContext) error

// MessageEventHandler processes an inbound channel event whose name matched
// the pattern the handler was registered under.
type MessageEventHandler func(ctx *EventContext) error

// LeaveEventHandler is notified after a user has been removed from a channel.
type LeaveEventHandler func(ctx *LeaveContext)

type channelOptions struct {
	name                 string
	middleware           *middleware[*messageEvent, *Channel]
	leave                *LeaveEventHandler
	onDestroy            func()
	internalQueueTimeout time.Duration
	hooks                *Hooks
}

// Options configures endpoints and their connections: origin checks, buffer
// sizes, keepalive intervals, connection limits and hooks.
type Options struct {
	CheckOrigin          bool
	AllowedOrigins       []string
	AllowedOriginRegexps []*regexp.Regexp
	ReadBufferSize       int
	WriteBufferSize      int
	MaxMessageSize       int64
	PingInterval         time.Duration
	PongWait             time.Duration
	WriteWait            time.Duration
	SendTimeout          time.Duration
	EnableCompression    bool
	MaxConnections       int
	SendChannelBuffer    int
	ReceiveChannelBuffer int
	InternalQueueTimeout time.Duration
	Hooks                *Hooks
}

// ServerOptions configures the HTTP server hosting the endpoints.
type ServerOptions struct {
	Options            *Options
	ServerAddr         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration
	ServerTLSConfig    *tls.Config
}

// DefaultOptions returns the baseline endpoint configuration. Callers override
// individual fields before passing the result to NewManager or NewServer.
func DefaultOptions() *Options {
	return &Options{
		CheckOrigin:          false,
		ReadBufferSize:       1024,
		WriteBufferSize:      1024,
		MaxMessageSize:       512 * 1024,
		PingInterval:         30 * time.Second,
		PongWait:             60 * time.Second,
		WriteWait:            10 * time.Second,
		SendTimeout:          5 * time.Second,
		EnableCompression:    false,
		MaxConnections:       0,
		SendChannelBuffer:    256,
		ReceiveChannelBuffer: 256,
		InternalQueueTimeout: 5 * time.Second,
		Hooks:                nil,
	}
}

// DefaultServerOptions returns the baseline server configuration listening on
// port 8080 with DefaultOptions for its endpoints.
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		Options:            DefaultOptions(),
		ServerAddr:         ":8080",
		ServerReadTimeout:  15 * time.Second,
		ServerWriteTimeout: 15 * time.Second,
		ServerIdleTimeout:  60 * time.Second,
	}
}
