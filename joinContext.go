// This file contains the JoinContext struct handed to join handlers. It
// allows accepting or declining a join request, staging initial presence and
// assigns, and messaging the channel once the user is admitted.
package pondsocket

import (
	"context"
)

type JoinContext struct {
	Channel      *Channel
	Route        *Route
	HasResponded bool
	conn         Transport
	event        *Event
	ctx          context.Context
	accepted     bool
	declined     bool
	staged       map[string]interface{}
	err          error
}

func newJoinContext(ctx context.Context, channel *Channel, route *Route, conn Transport, ev *Event) *JoinContext {
	c := &JoinContext{
		Channel: channel,
		Route:   route,
		conn:    conn,
		event:   ev,
		ctx:     ctx,
		staged:  make(map[string]interface{}),
	}
	select {
	case <-ctx.Done():
		c.err = ctx.Err()
	default:
	}
	return c
}

func (c *JoinContext) checkStateAndContext() bool {
	if c.err != nil {
		return true
	}
	select {
	case <-c.ctx.Done():
		c.err = c.ctx.Err()
		return true
	default:
		return false
	}
}

// Accept admits the user into the channel. The user's connection assigns are
// cloned into channel assigns, any presence staged with Track becomes the
// initial presence record, and the client receives an ACKNOWLEDGE reply
// correlated with the join request. The presence announcement for the new
// member is queued first, so the client sees it before the acknowledgment.
func (c *JoinContext) Accept() *JoinContext {
	if c.checkStateAndContext() {
		return c
	}
	if c.HasResponded {
		c.err = badRequest(c.Channel.name, "Already responded to the join request")
		return c
	}
	c.HasResponded = true
	c.accepted = true

	if err := c.Channel.AddUser(c.conn, c.conn.CloneAssigns(), c.staged); err != nil {
		c.err = wrapF(err, "failed to add user %s to Channel %s", c.conn.GetID(), c.Channel.name)
		return c
	}

	ack := &Event{
		Action:      messageAction,
		ChannelName: c.Channel.name,
		RequestId:   c.event.RequestId,
		Event:       acknowledgeEvent,
		Payload:     make(map[string]interface{}),
	}
	if err := c.Channel.respondTo(c.conn.GetID(), ack); err != nil {
		c.err = wrapF(err, "failed to send join acknowledgment for Channel %s", c.Channel.name)
	}
	return c
}

// Decline rejects the join request. The client receives an ERROR frame with
// the given code and message; the connection stays open and the user is never
// added to the channel.
func (c *JoinContext) Decline(statusCode int, message string) error {
	if c.checkStateAndContext() {
		return c.err
	}
	if c.HasResponded {
		return badRequest(c.Channel.name, "Already responded to the join request")
	}
	c.HasResponded = true
	c.declined = true

	return c.conn.SendJSON(Event{
		Action:      errorAction,
		ChannelName: c.Channel.name,
		RequestId:   c.event.RequestId,
		Event:       errorEvent,
		Payload: ErrorPayload{
			Message: message,
			Code:    statusCode,
		},
	})
}

// Reply sends an event directly to the joining user. The join request must be
// accepted first.
func (c *JoinContext) Reply(e string, payload interface{}) *JoinContext {
	if c.checkStateAndContext() {
		return c
	}
	if !c.accepted {
		c.err = badRequest(c.Channel.name, "Cannot reply before accepting join request")
		return c
	}
	reply := &Event{
		Action:      messageAction,
		ChannelName: c.Channel.name,
		RequestId:   c.event.RequestId,
		Event:       e,
		Payload:     payload,
	}
	if err := c.Channel.respondTo(c.conn.GetID(), reply); err != nil {
		c.err = wrapF(err, "failed to send reply message '%s' for Channel %s", e, c.Channel.name)
	}
	return c
}

// Track sets presence data for the joining user. Called before Accept it
// stages the initial presence record, so the admission announcement already
// carries it. Called after Accept it behaves like a presence update.
func (c *JoinContext) Track(presence map[string]interface{}) *JoinContext {
	if c.checkStateAndContext() {
		return c
	}
	if !c.accepted {
		c.staged = mergeMaps(c.staged, presence)
		return c
	}
	if err := c.Channel.UpdateUser(c.conn.GetID(), presence, nil); err != nil {
		c.err = wrapF(err, "error tracking presence for user %s", c.conn.GetID())
	}
	return c
}

// SetAssigns stores a key-value pair in the user's assigns. Before Accept it
// lands on the connection assigns (which are cloned into the channel on
// admission); after Accept it updates the channel assigns directly.
func (c *JoinContext) SetAssigns(key string, value interface{}) *JoinContext {
	if c.checkStateAndContext() {
		return c
	}
	if !c.accepted {
		c.conn.SetAssign(key, value)
		return c
	}
	if err := c.Channel.UpdateUser(c.conn.GetID(), nil, map[string]interface{}{key: value}); err != nil {
		c.err = wrapF(err, "error setting assign '%s' for user %s", key, c.conn.GetID())
	}
	return c
}

// Broadcast sends an event to every member. The join must be accepted first.
func (c *JoinContext) Broadcast(e string, payload interface{}) *JoinContext {
	if c.checkStateAndContext() {
		return c
	}
	if !c.accepted {
		c.err = badRequest(c.Channel.name, "Cannot broadcast before accepting join request")
		return c
	}
	if err := c.Channel.Broadcast(e, payload); err != nil {
		c.err = wrapF(err, "error broadcasting event %s to all users", e)
	}
	return c
}

// BroadcastFrom sends an event to every member except the joining user. The
// join must be accepted first.
func (c *JoinContext) BroadcastFrom(e string, payload interface{}) *JoinContext {
	if c.checkStateAndContext() {
		return c
	}
	if !c.accepted {
		c.err = badRequest(c.Channel.name, "Cannot broadcast before accepting join request")
		return c
	}
	if err := c.Channel.BroadcastFrom(e, payload, c.conn.GetID()); err != nil {
		c.err = wrapF(err, "error broadcasting event %s to all users except %s", e, c.conn.GetID())
	}
	return c
}

// GetPayload returns the payload sent with the join request.
func (c *JoinContext) GetPayload() interface{} {
	return c.event.Payload
}

// ParsePayload unmarshals the join request payload into v.
func (c *JoinContext) ParsePayload(v interface{}) error {
	if c.checkStateAndContext() {
		return c.err
	}
	return parsePayload(v, c.event.Payload)
}

// GetUser returns the joining user's current state. Before Accept only the
// connection assigns are populated.
func (c *JoinContext) GetUser() *User {
	fallback := &User{
		UserID:  c.conn.GetID(),
		Assigns: c.conn.CloneAssigns(),
	}
	if c.checkStateAndContext() || !c.accepted {
		return fallback
	}
	user, err := c.Channel.GetUser(c.conn.GetID())
	if err != nil {
		return fallback
	}
	return user
}

// Presence returns the channel roster in join order.
func (c *JoinContext) Presence() []map[string]interface{} {
	if c.checkStateAndContext() {
		return nil
	}
	return c.Channel.Presence()
}

// Context returns the context bounding this join request.
func (c *JoinContext) Context() context.Context {
	return c.ctx
}

// Err returns the first error accumulated by chained calls, if any.
func (c *JoinContext) Err() error {
	return c.err
}
