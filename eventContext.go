// This file contains the EventContext struct handed to channel event
// handlers. It supports replying to the sender, vetoing fan-out, broadcasting
// and mutating presence and assigns. A context may be resolved at most once.
package pondsocket

import (
	"context"
)

type EventContext struct {
	Channel      *Channel
	Route        *Route
	HasResponded bool
	rejected     bool
	user         *User
	event        *Event
	ctx          context.Context
	err          error
}

func newEventContext(ctx context.Context, channel *Channel, request *messageEvent, route *Route) *EventContext {
	c := &EventContext{
		Channel: channel,
		user:    request.User,
		event:   request.Event,
		Route:   route,
		ctx:     ctx,
	}
	select {
	case <-ctx.Done():
		c.err = ctx.Err()
	default:
	}
	return c
}

func (c *EventContext) checkStateAndContext() bool {
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

// Reply sends a response event back to the sender, correlated by requestId.
// The chain stops here but delivery of the triggering event still proceeds,
// and the reply is guaranteed to arrive before that fan-out.
func (c *EventContext) Reply(e string, payload interface{}) *EventContext {
	if c.checkStateAndContext() {
		return c
	}
	if c.HasResponded {
		c.err = badRequest(c.Channel.name, "Already responded to event "+c.event.RequestId)
		return c
	}
	c.HasResponded = true
	response := &Event{
		Action:      messageAction,
		ChannelName: c.Channel.name,
		RequestId:   c.event.RequestId,
		Event:       e,
		Payload:     payload,
	}
	if err := c.Channel.respondTo(c.user.UserID, response); err != nil {
		c.err = wrapF(err, "failed to send reply '%s' for event %s", e, c.event.RequestId)
	}
	return c
}

// Accept resolves the context without a reply. The chain stops and delivery
// of the triggering event proceeds.
func (c *EventContext) Accept() *EventContext {
	if c.checkStateAndContext() {
		return c
	}
	if c.HasResponded {
		c.err = badRequest(c.Channel.name, "Already responded to event "+c.event.RequestId)
		return c
	}
	c.HasResponded = true
	return c
}

// Decline rejects the event. The sender receives an ERROR frame correlated by
// requestId and the triggering event is never fanned out.
func (c *EventContext) Decline(statusCode int, message string) error {
	if c.checkStateAndContext() {
		return c.err
	}
	if c.HasResponded {
		return badRequest(c.Channel.name, "Already responded to event "+c.event.RequestId)
	}
	c.HasResponded = true
	c.rejected = true
	response := &Event{
		Action:      errorAction,
		ChannelName: c.Channel.name,
		RequestId:   c.event.RequestId,
		Event:       errorEvent,
		Payload: ErrorPayload{
			Message: message,
			Code:    statusCode,
		},
	}
	return c.Channel.respondTo(c.user.UserID, response)
}

// Broadcast sends an event to every member of the channel.
func (c *EventContext) Broadcast(e string, payload interface{}) *EventContext {
	if c.checkStateAndContext() {
		return c
	}
	if err := c.Channel.Broadcast(e, payload); err != nil {
		c.err = wrapF(err, "error broadcasting event %s to all users", e)
	}
	return c
}

// BroadcastTo sends an event to the listed members only.
func (c *EventContext) BroadcastTo(e string, payload interface{}, userIDs ...string) *EventContext {
	if c.checkStateAndContext() {
		return c
	}
	if err := c.Channel.BroadcastTo(e, payload, userIDs...); err != nil {
		c.err = wrapF(err, "error broadcasting event %s to users %v", e, userIDs)
	}
	return c
}

// BroadcastFrom sends an event to every member except the sender.
func (c *EventContext) BroadcastFrom(e string, payload interface{}) *EventContext {
	if c.checkStateAndContext() {
		return c
	}
	if err := c.Channel.BroadcastFrom(e, payload, c.user.UserID); err != nil {
		c.err = wrapF(err, "error broadcasting event %s to all users except %s", e, c.user.UserID)
	}
	return c
}

// Track sets presence data for the sender, or for the listed users.
func (c *EventContext) Track(presence map[string]interface{}, userIds ...string) *EventContext {
	return c.Update(presence, userIds...)
}

// Update shallow-merges presence data for the sender, or for the listed
// users. No announcement goes out when the merged record is unchanged.
func (c *EventContext) Update(presence map[string]interface{}, userIds ...string) *EventContext {
	if c.checkStateAndContext() {
		return c
	}
	var errs error
	for _, id := range c.targets(userIds) {
		errs = addError(errs, c.Channel.UpdateUser(id, presence, nil))
	}
	if errs != nil {
		c.err = wrapF(errs, "error updating presence")
	}
	return c
}

// UnTrack resets presence to the bare id record for the sender, or for the
// listed users.
func (c *EventContext) UnTrack(userIds ...string) *EventContext {
	if c.checkStateAndContext() {
		return c
	}
	var errs error
	for _, id := range c.targets(userIds) {
		errs = addError(errs, c.Channel.table.clear(id))
	}
	if errs != nil {
		c.err = wrapF(errs, "error untracking presence")
	}
	return c
}

// SetAssigns merges a single key into the sender's channel assigns.
func (c *EventContext) SetAssigns(key string, value interface{}) *EventContext {
	if c.checkStateAndContext() {
		return c
	}
	err := c.Channel.UpdateUser(c.user.UserID, nil, map[string]interface{}{key: value})
	if err != nil {
		c.err = wrapF(err, "error setting assign '%s' for user %s", key, c.user.UserID)
	}
	return c
}

// Assign merges several keys into the sender's channel assigns.
func (c *EventContext) Assign(assigns map[string]interface{}) *EventContext {
	if c.checkStateAndContext() {
		return c
	}
	err := c.Channel.UpdateUser(c.user.UserID, nil, assigns)
	if err != nil {
		c.err = wrapF(err, "error setting assigns for user %s", c.user.UserID)
	}
	return c
}

// Evict forcefully removes the sender, or the listed users, from the channel.
func (c *EventContext) Evict(reason string, userIds ...string) *EventContext {
	if c.checkStateAndContext() {
		return c
	}
	var errs error
	for _, id := range c.targets(userIds) {
		errs = addError(errs, c.Channel.EvictUser(id, reason))
	}
	if errs != nil {
		c.err = wrapF(errs, "error evicting users")
	}
	return c
}

func (c *EventContext) targets(userIds []string) []string {
	if len(userIds) == 0 {
		return []string{c.user.UserID}
	}
	return userIds
}

// GetPayload returns the payload the client sent with the event.
func (c *EventContext) GetPayload() interface{} {
	return c.event.Payload
}

// GetEvent returns the event name the client sent.
func (c *EventContext) GetEvent() string {
	return c.event.Event
}

// ParsePayload unmarshals the event payload into v.
func (c *EventContext) ParsePayload(v interface{}) error {
	if c.checkStateAndContext() {
		return c.err
	}
	return parsePayload(v, c.event.Payload)
}

// GetUser returns a fresh snapshot of the sender's channel state.
func (c *EventContext) GetUser() *User {
	if c.checkStateAndContext() {
		return c.user
	}
	user, err := c.Channel.GetUser(c.user.UserID)
	if err != nil {
		return c.user
	}
	return user
}

// Context returns the context bounding this handler invocation.
func (c *EventContext) Context() context.Context {
	return c.ctx
}

// Err returns the first error accumulated by chained calls, if any.
func (c *EventContext) Err() error {
	return c.err
}
