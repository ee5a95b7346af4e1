// This file contains the Endpoint struct, which owns the connections accepted
// on one mount path, the channel templates registered against it, and the
// routing of inbound frames to join, leave, presence and message handling.
package pondsocket

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"github.com/google/uuid"
)

type Endpoint struct {
	path         string
	connections  *store[Transport]
	pondChannels *array[*PondChannel]
	channels     *store[*Channel]
	options      *Options
	ctx          context.Context
	mutex        sync.RWMutex
}

func newEndpoint(ctx context.Context, path string, options *Options) *Endpoint {
	return &Endpoint{
		path:         path,
		options:      options,
		connections:  newStore[Transport](),
		pondChannels: newArray[*PondChannel](),
		channels:     newStore[*Channel](),
		ctx:          ctx,
	}
}

// CreateChannel registers a channel template under a topic pattern such as
// "room/:id" or "notifications/*". The join handler authorizes every client
// that asks to join a matching topic. Templates are consulted in registration
// order; the first whose pattern matches wins.
func (e *Endpoint) CreateChannel(pattern string, handler JoinEventHandler) *PondChannel {
	p := newPondChannel(e, newMatcher(pattern), handler)
	if err := e.checkState(); err != nil {
		return p
	}
	e.pondChannels.push(p)
	return p
}

// CreateChannelWithRegex registers a channel template whose topics are
// matched by a regular expression. Named capture groups become route params.
func (e *Endpoint) CreateChannelWithRegex(rx *regexp.Regexp, handler JoinEventHandler) *PondChannel {
	p := newPondChannel(e, newRegexMatcher(rx), handler)
	if err := e.checkState(); err != nil {
		return p
	}
	e.pondChannels.push(p)
	return p
}

// GetChannelByName returns the live channel for an exact topic name.
func (e *Endpoint) GetChannelByName(name string) (*Channel, error) {
	if err := e.checkState(); err != nil {
		return nil, err
	}
	return e.channels.Read(name)
}

// ListChannels returns the names of all live channels on this endpoint.
func (e *Endpoint) ListChannels() []string {
	if err := e.checkState(); err != nil {
		return nil
	}
	return e.channels.Keys().toSlice()
}

// ListConnections returns the ids of all open connections on this endpoint.
func (e *Endpoint) ListConnections() []string {
	if err := e.checkState(); err != nil {
		return nil
	}
	return e.connections.Keys().toSlice()
}

// Broadcast sends an event directly to every connection on this endpoint,
// outside any channel, under the ENDPOINT identity.
func (e *Endpoint) Broadcast(event string, payload interface{}) error {
	if err := e.checkState(); err != nil {
		return err
	}
	frame := Event{
		Action:      messageAction,
		ChannelName: SenderEndpoint,
		RequestId:   uuid.NewString(),
		Event:       event,
		Payload:     payload,
	}
	var errs error
	e.connections.Values().forEach(func(conn Transport) {
		errs = addError(errs, conn.SendJSON(frame))
	})
	return errs
}

// Send sends an event directly to the listed connections under the ENDPOINT
// identity. Unknown ids are reported as a combined error.
func (e *Endpoint) Send(event string, payload interface{}, ids ...string) error {
	if err := e.checkState(); err != nil {
		return err
	}
	frame := Event{
		Action:      messageAction,
		ChannelName: SenderEndpoint,
		RequestId:   uuid.NewString(),
		Event:       event,
		Payload:     payload,
	}
	var errs error
	for _, id := range ids {
		conn, err := e.connections.Read(id)
		if err != nil {
			errs = addError(errs, notFound("", "Connection with id "+id+" not found"))
			continue
		}
		errs = addError(errs, conn.SendJSON(frame))
	}
	return errs
}

// CloseConnection sends a CLOSE frame to each listed connection and closes
// it. Unknown ids are reported as a combined error.
func (e *Endpoint) CloseConnection(ids ...string) error {
	if err := e.checkState(); err != nil {
		return err
	}
	var errs error
	for _, id := range ids {
		conn, err := e.connections.Read(id)
		if err != nil {
			errs = addError(errs, notFound("", "Connection with id "+id+" not found"))
			continue
		}
		_ = conn.SendJSON(Event{
			Action:      closeAction,
			ChannelName: SenderEndpoint,
			RequestId:   uuid.NewString(),
			Event:       closeEventName,
			Payload:     make(map[string]interface{}),
		})
		conn.Close()
	}
	return errs
}

func (e *Endpoint) addConnection(conn Transport) error {
	if err := e.checkState(); err != nil {
		conn.Close()
		return err
	}
	if e.options.MaxConnections > 0 {
		e.mutex.Lock()
		if e.connections.Len() >= e.options.MaxConnections {
			e.mutex.Unlock()
			conn.Close()
			return unavailable("", "Maximum connections reached")
		}
		e.mutex.Unlock()
	}
	if err := e.connections.Create(conn.GetID(), conn); err != nil {
		conn.Close()
		return wrapF(err, "failed to store connection %s", conn.GetID())
	}
	if e.options.Hooks != nil {
		if e.options.Hooks.OnConnect != nil {
			e.options.Hooks.OnConnect(conn.GetID())
		}
		if e.options.Hooks.Metrics != nil {
			e.options.Hooks.Metrics.ConnectionOpened(e.path)
		}
	}
	conn.OnMessage(e.handleMessage())
	conn.OnClose(e.handleClose)
	conn.HandleMessages()

	err := conn.SendJSON(Event{
		Action:      messageAction,
		ChannelName: SenderEndpoint,
		RequestId:   uuid.NewString(),
		Event:       connectionEventName,
		Payload: map[string]interface{}{
			"connectionId": conn.GetID(),
		},
	})
	if err != nil {
		conn.Close()
		_ = e.connections.Delete(conn.GetID())
		return wrapF(err, "failed to send connection confirmation to %s", conn.GetID())
	}
	return nil
}

// handleMessage validates and routes one inbound frame. Malformed frames earn
// a specific ERROR reply; the connection always stays open.
func (e *Endpoint) handleMessage() func(ev Event, conn Transport) error {
	return func(ev Event, conn Transport) error {
		if err := e.checkState(); err != nil {
			return err
		}
		if ev.RequestId == "" {
			ev.RequestId = uuid.NewString()
		}
		if ev.Action == "" {
			return e.replyError(conn, &ev, badRequest(ev.ChannelName, "No action provided"))
		}
		if ev.ChannelName == "" {
			return e.replyError(conn, &ev, badRequest("", "No channel name provided"))
		}
		if ev.Payload == nil && ev.Action != leaveChannelAction {
			return e.replyError(conn, &ev, badRequest(ev.ChannelName, "No payload provided"))
		}

		switch ev.Action {
		case joinChannelAction:
			return e.joinChannel(&ev, conn)
		case leaveChannelAction:
			return e.leaveChannel(&ev, conn)
		case updatePresenceAction:
			return e.updatePresence(&ev, conn)
		case broadcastAction, broadcastFromAction, sendToUserAction:
			return e.channelMessage(&ev, conn)
		default:
			return e.replyError(conn, &ev, badRequest(ev.ChannelName, "Unknown action "+string(ev.Action)))
		}
	}
}

func (e *Endpoint) joinChannel(ev *Event, conn Transport) error {
	if isReservedSender(ev.ChannelName) {
		return e.replyError(conn, ev, badRequest(ev.ChannelName, "Invalid channel name"))
	}

	var target *PondChannel
	var route *Route
	e.pondChannels.forEach(func(p *PondChannel) {
		if target != nil {
			return
		}
		if r, ok := p.matcher.match(ev.ChannelName); ok {
			target = p
			route = r
		}
	})
	if target == nil {
		return e.replyError(conn, ev, badRequest(ev.ChannelName, "Invalid channel name"))
	}
	if err := target.handleJoin(conn, ev, route); err != nil {
		e.reportError("join_channel", err)
		return err
	}
	return nil
}

func (e *Endpoint) leaveChannel(ev *Event, conn Transport) error {
	ch, err := e.channels.Read(ev.ChannelName)
	if err != nil {
		return e.replyError(conn, ev, notFound(ev.ChannelName, "Channel does not exist"))
	}
	if err = ch.RemoveUser(conn.GetID(), "explicit_leave"); err != nil {
		return e.replyError(conn, ev, err)
	}
	return conn.SendJSON(Event{
		Action:      messageAction,
		ChannelName: ev.ChannelName,
		RequestId:   ev.RequestId,
		Event:       exitAcknowledgeEvent,
		Payload:     make(map[string]interface{}),
	})
}

func (e *Endpoint) updatePresence(ev *Event, conn Transport) error {
	ch, err := e.channels.Read(ev.ChannelName)
	if err != nil {
		return e.replyError(conn, ev, notFound(ev.ChannelName, "Channel does not exist"))
	}
	presence := parseAssigns(ev.Payload)
	if err = ch.UpdateUser(conn.GetID(), presence, nil); err != nil {
		return e.replyError(conn, ev, err)
	}
	return nil
}

func (e *Endpoint) channelMessage(ev *Event, conn Transport) error {
	ch, err := e.channels.Read(ev.ChannelName)
	if err != nil {
		return e.replyError(conn, ev, notFound(ev.ChannelName, "Channel does not exist"))
	}
	if hooks := e.options.Hooks; hooks != nil && hooks.Metrics != nil {
		hooks.Metrics.MessageReceived(ev.ChannelName, ev.Event)
	}
	if err = ch.processMessage(conn.GetID(), ev); err != nil {
		return e.replyError(conn, ev, err)
	}
	return nil
}

// replyError sends an ERROR frame correlated with the failed request and
// reports the failure through hooks. The returned error carries the cause so
// the transport layer can report it too.
func (e *Endpoint) replyError(conn Transport, ev *Event, cause error) error {
	frame := errorFrame(ev.ChannelName, cause)
	frame.RequestId = ev.RequestId
	if err := conn.SendJSON(frame); err != nil {
		return combine(cause, err)
	}
	e.reportError("endpoint_message", cause)
	return nil
}

func (e *Endpoint) handleClose(conn Transport) error {
	if e.options.Hooks != nil {
		if e.options.Hooks.OnDisconnect != nil {
			e.options.Hooks.OnDisconnect(conn.GetID())
		}
		if e.options.Hooks.Metrics != nil {
			e.options.Hooks.Metrics.ConnectionClosed(e.path)
		}
	}
	err := e.connections.Delete(conn.GetID())
	if err != nil {
		var pondErr *Error
		if errors.As(err, &pondErr) && pondErr.Code == StatusNotFound {
			return nil
		}
	}
	return err
}

func (e *Endpoint) sendMessage(userId string, event Event) error {
	conn, err := e.connections.Read(userId)
	if err != nil {
		return notFound("", "User not found").withDetails(map[string]string{"userId": userId})
	}
	return conn.SendJSON(event)
}

func (e *Endpoint) checkState() error {
	select {
	case <-e.ctx.Done():
		return wrapF(e.ctx.Err(), "endpoint is shutting down")
	default:
		return nil
	}
}

func (e *Endpoint) reportError(component string, err error) {
	if err == nil || e.options == nil || e.options.Hooks == nil || e.options.Hooks.Metrics == nil {
		return
	}
	e.options.Hooks.Metrics.Error(component, err)
}
