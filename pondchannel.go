// This file contains the PondChannel struct, the template from which channels
// are created. A PondChannel owns a topic pattern, the join handler, the
// event handler chain shared by all its channels, and the lazy channel
// registry keyed by concrete topic.
package pondsocket

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"github.com/google/uuid"
)

type PondChannel struct {
	matcher      *matcher
	joinHandler  JoinEventHandler
	leaveHandler *LeaveEventHandler
	middleware   *middleware[*messageEvent, *Channel]
	channels     *store[*Channel]
	endpoint     *Endpoint
	channelMutex sync.Mutex
}

func newPondChannel(endpoint *Endpoint, m *matcher, joinHandler JoinEventHandler) *PondChannel {
	return &PondChannel{
		matcher:     m,
		joinHandler: joinHandler,
		endpoint:    endpoint,
		middleware:  newMiddleWare[*messageEvent, *Channel](),
		channels:    newStore[*Channel](),
	}
}

// On registers a handler for inbound events whose name matches the pattern.
// Patterns support the same syntax as topic patterns (literals, ":param"
// captures and a trailing wildcard). Handlers run in registration order; a
// handler that does not resolve its context passes the event along. A
// declined event is never fanned out, while a reply or accept stops the chain
// and lets delivery proceed.
func (p *PondChannel) On(eventPattern string, handler MessageEventHandler) {
	p.use(newMatcher(eventPattern), handler)
}

// OnRegex registers a handler for inbound events whose name matches rx.
// Named capture groups become route params.
func (p *PondChannel) OnRegex(rx *regexp.Regexp, handler MessageEventHandler) {
	p.use(newRegexMatcher(rx), handler)
}

func (p *PondChannel) use(m *matcher, handler MessageEventHandler) {
	if err := p.endpoint.checkState(); err != nil {
		return
	}
	p.middleware.Use(func(ctx context.Context, request *messageEvent, ch *Channel, next nextFunc) error {
		if err := p.endpoint.checkState(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		route, ok := m.match(request.Event.Event)
		if !ok {
			return next()
		}

		eventCtx := newEventContext(ctx, ch, request, route)

		if err := handler(eventCtx); err != nil {
			return err
		}
		if eventCtx.err != nil {
			return eventCtx.err
		}
		if eventCtx.rejected {
			return errEventRejected
		}
		if eventCtx.HasResponded {
			return ch.deliver(request.Sender, request.Event)
		}
		return next()
	})
}

// OnLeave registers the handler called after a user leaves any channel built
// from this template. Only one handler is kept; later calls replace it.
func (p *PondChannel) OnLeave(handler LeaveEventHandler) {
	if err := p.endpoint.checkState(); err != nil {
		return
	}
	p.leaveHandler = &handler
}

// GetChannel returns the live channel for a concrete topic.
func (p *PondChannel) GetChannel(name string) (*Channel, error) {
	if err := p.endpoint.checkState(); err != nil {
		return nil, err
	}
	return p.channels.Read(name)
}

// Broadcast delivers an event to every member of the named topic on behalf of
// the POND_CHANNEL identity. Errors when the topic has no live channel.
func (p *PondChannel) Broadcast(channelName, event string, payload interface{}) error {
	ch, err := p.GetChannel(channelName)
	if err != nil {
		return notFound(channelName, "Channel does not exist")
	}
	return ch.Broadcast(event, payload)
}

// Send delivers an event to the listed members of the named topic. Errors
// when the topic has no live channel.
func (p *PondChannel) Send(channelName, event string, payload interface{}, userIDs ...string) error {
	ch, err := p.GetChannel(channelName)
	if err != nil {
		return notFound(channelName, "Channel does not exist")
	}
	return ch.BroadcastTo(event, payload, userIDs...)
}

// ModifyPresence shallow-merges presence data for a member of the named
// topic. Errors when the topic has no live channel.
func (p *PondChannel) ModifyPresence(channelName, userID string, presence map[string]interface{}) error {
	ch, err := p.GetChannel(channelName)
	if err != nil {
		return notFound(channelName, "Channel does not exist")
	}
	return ch.UpdateUser(userID, presence, nil)
}

// CloseFrom sends a CLOSE frame to the listed members of the named topic and
// removes them from it.
func (p *PondChannel) CloseFrom(channelName string, userIDs ...string) error {
	ch, err := p.GetChannel(channelName)
	if err != nil {
		return notFound(channelName, "Channel does not exist")
	}
	var errs error
	for _, id := range userIDs {
		frame := &Event{
			Action:      closeAction,
			ChannelName: channelName,
			RequestId:   uuid.NewString(),
			Event:       closeEventName,
			Payload:     make(map[string]interface{}),
		}
		// Sent directly rather than queued: removal tears the member's
		// subscription down before the queue would drain.
		transport, err := ch.table.transportOf(id)
		if err != nil {
			errs = addError(errs, err)
			continue
		}
		errs = addError(errs, transport.SendJSON(frame))
		errs = addError(errs, ch.RemoveUser(id, "closed_by_server"))
	}
	return errs
}

// RemoveUser removes a user from every live channel of this template where
// they hold membership.
func (p *PondChannel) RemoveUser(userID, reason string) error {
	if err := p.endpoint.checkState(); err != nil {
		return err
	}
	var errs error
	p.channels.Values().forEach(func(ch *Channel) {
		if ch.table.has(userID) {
			errs = addError(errs, ch.RemoveUser(userID, reason))
		}
	})
	return errs
}

// handleJoin drives one join request: resolves or creates the channel, runs
// the join handler, and cleans up an empty channel when the join did not go
// through. An unresolved handler is a server bug and surfaces to the client
// as an internal error.
func (p *PondChannel) handleJoin(conn Transport, ev *Event, route *Route) error {
	ch, err := p.getOrCreateChannel(ev.ChannelName)
	if err != nil {
		_ = conn.SendJSON(errorFrame(ev.ChannelName, wrapF(err, "failed to resolve channel %s", ev.ChannelName)))
		return err
	}

	ctx, cancel := context.WithTimeout(p.endpoint.ctx, p.endpoint.options.InternalQueueTimeout)
	defer cancel()

	joinCtx := newJoinContext(ctx, ch, route, conn, ev)

	handlerErr := p.joinHandler(joinCtx)
	if handlerErr == nil {
		handlerErr = joinCtx.err
	}

	if handlerErr != nil {
		// A decline already carried its own error frame; every other
		// failure still owes the client a reply, even when the handler
		// responded before the pipeline errored (a duplicate join fails
		// inside Accept, after HasResponded is set).
		if !joinCtx.declined {
			reply := errorFrame(ev.ChannelName, handlerErr)
			reply.RequestId = ev.RequestId
			_ = conn.SendJSON(reply)
		}
		p.reapIfEmpty(ch)
		return handlerErr
	}

	if !joinCtx.HasResponded {
		err := internal(ev.ChannelName, "Join handler did not resolve the request")
		reply := errorFrame(ev.ChannelName, err)
		reply.RequestId = ev.RequestId
		_ = conn.SendJSON(reply)
		p.reapIfEmpty(ch)
		return err
	}

	if joinCtx.declined {
		p.reapIfEmpty(ch)
	}
	return nil
}

func (p *PondChannel) reapIfEmpty(ch *Channel) {
	if ch.Size() > 0 {
		return
	}
	p.channelMutex.Lock()
	defer p.channelMutex.Unlock()
	if ch.Size() > 0 {
		return
	}
	if err := ch.Close(); err != nil {
		p.endpoint.reportError("channel_close", err)
	}
	_ = p.channels.Delete(ch.name)
	_ = p.endpoint.channels.Delete(ch.name)
	p.reportDestroyed(ch.name)
}

func (p *PondChannel) getOrCreateChannel(name string) (*Channel, error) {
	if err := p.endpoint.checkState(); err != nil {
		return nil, err
	}
	ch, err := p.channels.Read(name)
	if err == nil {
		return ch, nil
	}

	var pondErr *Error
	if !errors.As(err, &pondErr) || pondErr.Code != StatusNotFound {
		return nil, err
	}
	p.channelMutex.Lock()
	defer p.channelMutex.Unlock()

	if existing, _ := p.channels.Read(name); existing != nil {
		return existing, nil
	}
	return p.createChannelUnsafe(name)
}

func (p *PondChannel) createChannelUnsafe(name string) (*Channel, error) {
	opts := channelOptions{
		name:                 name,
		middleware:           p.middleware,
		leave:                p.leaveHandler,
		onDestroy:            p.onChannelDestroyed(name),
		internalQueueTimeout: p.endpoint.options.InternalQueueTimeout,
		hooks:                p.endpoint.options.Hooks,
	}
	c := newChannel(p.endpoint.ctx, opts)

	channelsErr := p.channels.Create(name, c)
	endpointErr := p.endpoint.channels.Create(name, c)

	if err := combine(channelsErr, endpointErr); err != nil {
		_ = c.Close()
		return nil, err
	}
	if hooks := p.endpoint.options.Hooks; hooks != nil && hooks.Metrics != nil {
		hooks.Metrics.ChannelCreated(name)
	}
	return c, nil
}

func (p *PondChannel) onChannelDestroyed(name string) func() {
	return func() {
		p.channelMutex.Lock()
		defer p.channelMutex.Unlock()
		_ = p.channels.Delete(name)
		_ = p.endpoint.channels.Delete(name)
		p.reportDestroyed(name)
	}
}

func (p *PondChannel) reportDestroyed(name string) {
	if hooks := p.endpoint.options.Hooks; hooks != nil && hooks.Metrics != nil {
		hooks.Metrics.ChannelDestroyed(name)
	}
}
