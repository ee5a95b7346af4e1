// This file contains the Channel struct, a room where members exchange events
// and track presence. A channel owns its member table, a free-form data blob,
// the inbound middleware chain and a single dispatch queue. Deliveries are
// processed strictly in the order they were enqueued, so a reply issued by a
// handler always reaches the client before the fan-out it precedes.
package pondsocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// errEventRejected signals that a handler vetoed fan-out for the current
// event. The decline reply has already been issued by the time it surfaces.
var errEventRejected = errors.New("event rejected by handler")

type Channel struct {
	name                 string
	table                *memberTable
	bus                  *bus
	unsubs               map[string]func()
	data                 map[string]interface{}
	dataMu               sync.RWMutex
	queue                chan internalEvent
	middleware           *middleware[*messageEvent, *Channel]
	leave                *LeaveEventHandler
	onDestroy            func()
	destroyOnce          sync.Once
	ctx                  context.Context
	cancel               context.CancelFunc
	mutex                sync.RWMutex
	internalQueueTimeout time.Duration
	hooks                *Hooks
}

func newChannel(ctx context.Context, opts channelOptions) *Channel {
	channelCtx, cancel := context.WithCancel(ctx)

	c := &Channel{
		name:                 opts.name,
		bus:                  newBus(),
		unsubs:               make(map[string]func()),
		data:                 make(map[string]interface{}),
		queue:                make(chan internalEvent, 128),
		middleware:           opts.middleware,
		leave:                opts.leave,
		onDestroy:            opts.onDestroy,
		ctx:                  channelCtx,
		cancel:               cancel,
		internalQueueTimeout: opts.internalQueueTimeout,
		hooks:                opts.hooks,
	}
	c.table = newMemberTable(opts.name, c.emitPresence)

	c.dispatchLoop()

	return c
}

func (c *Channel) Name() string {
	return c.name
}

// AddUser admits a transport as a member with the given assigns and initial
// presence. The presence announcement that results is also delivered to the
// new member. Fails with a conflict when the id is already a member.
func (c *Channel) AddUser(transport Transport, assigns, presence map[string]interface{}) error {
	if err := c.checkState(); err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	id := transport.GetID()
	unsub, err := c.bus.subscribe(id, func(event *Event) error {
		return transport.SendJSON(event)
	})
	if err != nil {
		return conflict(c.name, "User with id "+id+" already exists in channel")
	}
	if err = c.table.add(transport, assigns, presence); err != nil {
		unsub()
		return err
	}
	c.unsubs[id] = unsub

	transport.OnClose(c.onConnectionClose)

	return nil
}

// RemoveUser removes a member, announces the departure to the remaining
// members and runs the leave handler when one is configured. When the last
// member leaves, the channel destroys itself exactly once.
func (c *Channel) RemoveUser(userID, reason string) error {
	if err := c.checkState(); err != nil {
		return err
	}
	c.mutex.Lock()

	m, err := c.table.remove(userID)
	if err != nil {
		c.mutex.Unlock()
		return err
	}
	if unsub, exists := c.unsubs[userID]; exists {
		unsub()
		delete(c.unsubs, userID)
	}
	remaining := c.table.size()

	c.mutex.Unlock()

	if c.leave != nil {
		user := &User{
			UserID:   userID,
			Assigns:  copyMap(m.assigns),
			Presence: copyMap(m.presence),
		}
		go func() {
			(*c.leave)(newLeaveContext(c.ctx, c, user, reason))
		}()
	}

	if remaining == 0 && c.onDestroy != nil {
		c.destroyOnce.Do(func() {
			go func() {
				if err := c.Close(); err != nil {
					c.reportError("channel_close", err)
				}
				c.onDestroy()
			}()
		})
	}
	return nil
}

// EvictUser forcefully removes a member. The target receives an EVICTED
// notice before removal; everyone else is told afterwards.
func (c *Channel) EvictUser(userID, reason string) error {
	if err := c.checkState(); err != nil {
		return err
	}
	transport, err := c.table.transportOf(userID)
	if err != nil {
		return notFound(c.name, "User with id "+userID+" does not exist in channel")
	}

	payload := map[string]interface{}{
		"reason": reason,
		"userId": userID,
	}
	notice := &Event{
		Action:      messageAction,
		ChannelName: c.name,
		RequestId:   uuid.NewString(),
		Event:       evictedEvent,
		Payload:     payload,
	}
	// Sent directly rather than queued: removal tears the target's
	// subscription down before the queue would drain.
	if err := transport.SendJSON(notice); err != nil {
		c.reportError("evict_notice", err)
	}
	if err := c.RemoveUser(userID, "evicted:"+reason); err != nil {
		return wrapF(err, "failed to remove user %s during eviction", userID)
	}
	if err := c.checkState(); err != nil {
		return nil
	}
	broadcast := &Event{
		Action:      messageAction,
		ChannelName: c.name,
		RequestId:   uuid.NewString(),
		Event:       userEvictedEvent,
		Payload:     payload,
	}
	return c.enqueue(broadcast, c.table.ids())
}

// GetUser returns a snapshot of a member's assigns and presence.
func (c *Channel) GetUser(userID string) (*User, error) {
	if err := c.checkState(); err != nil {
		return nil, err
	}
	return c.table.get(userID)
}

// UpdateUser shallow-merges presence and assigns into a member's records.
// A presence announcement only goes out when the merged record changed.
func (c *Channel) UpdateUser(userID string, presence, assigns map[string]interface{}) error {
	if err := c.checkState(); err != nil {
		return err
	}
	return c.table.update(userID, presence, assigns)
}

// Presence returns every member's presence record in join order.
func (c *Channel) Presence() []map[string]interface{} {
	if err := c.checkState(); err != nil {
		return nil
	}
	return c.table.roster()
}

// GetAssigns returns every member's assigns keyed by user id.
func (c *Channel) GetAssigns() map[string]map[string]interface{} {
	if err := c.checkState(); err != nil {
		return nil
	}
	result := make(map[string]map[string]interface{})
	for _, id := range c.table.ids().toSlice() {
		if user, err := c.table.get(id); err == nil {
			result[id] = user.Assigns
		}
	}
	return result
}

// Data returns a copy of the channel's shared data blob.
func (c *Channel) Data() map[string]interface{} {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return copyMap(c.data)
}

// SetData shallow-merges values into the channel's shared data blob.
func (c *Channel) SetData(values map[string]interface{}) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	c.data = mergeMaps(c.data, values)
}

// Broadcast delivers an event to every member on behalf of the channel.
func (c *Channel) Broadcast(event string, payload interface{}) error {
	if err := c.checkState(); err != nil {
		return err
	}
	return c.enqueue(c.outbound(event, payload, uuid.NewString()), c.table.ids())
}

// BroadcastTo delivers an event to the listed members only. Delivery is all
// or nothing: any unknown id fails the call before anything is enqueued.
func (c *Channel) BroadcastTo(event string, payload interface{}, userIDs ...string) error {
	if err := c.checkState(); err != nil {
		return err
	}
	if len(userIDs) == 0 {
		return nil
	}
	targets, missing := c.splitKnown(userIDs)
	if len(missing) > 0 {
		return notFound(c.name, "Some specified recipients not found").withDetails(map[string]interface{}{"missing": missing})
	}
	return c.enqueue(c.outbound(event, payload, uuid.NewString()), targets)
}

// BroadcastFrom delivers an event to every member except the sender. The
// sender must be a member or one of the reserved identities.
func (c *Channel) BroadcastFrom(event string, payload interface{}, senderID string) error {
	if err := c.checkState(); err != nil {
		return err
	}
	if !isReservedSender(senderID) && !c.table.has(senderID) {
		return forbidden(c.name, "Sender not in channel").withDetails(map[string]string{"sender": senderID})
	}
	targets := c.table.ids().filter(func(id string) bool { return id != senderID })
	return c.enqueue(c.outbound(event, payload, uuid.NewString()), targets)
}

func (c *Channel) outbound(event string, payload interface{}, requestID string) *Event {
	return &Event{
		Action:      messageAction,
		ChannelName: c.name,
		RequestId:   requestID,
		Event:       event,
		Payload:     payload,
	}
}

// processMessage runs an inbound client event through the middleware chain
// and, unless a handler responded or vetoed it, fans it out according to the
// event's action. The sender must be a member or a reserved identity.
func (c *Channel) processMessage(sender string, event *Event) error {
	if err := c.checkState(); err != nil {
		return err
	}

	var user *User
	if isReservedSender(sender) {
		user = &User{
			UserID:   sender,
			Assigns:  make(map[string]interface{}),
			Presence: make(map[string]interface{}),
		}
	} else {
		var err error
		user, err = c.table.get(sender)
		if err != nil {
			return forbidden(c.name, "Sender not in channel").withDetails(map[string]string{"sender": sender})
		}
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.internalQueueTimeout)
	defer cancel()

	req := &messageEvent{
		Event:  event,
		Sender: sender,
		User:   user,
	}

	err := c.middleware.Handle(ctx, req, c, func(request *messageEvent, response *Channel) error {
		return c.deliver(sender, request.Event)
	})
	if errors.Is(err, errEventRejected) {
		return nil
	}
	return err
}

func (c *Channel) deliver(sender string, event *Event) error {
	out := c.outbound(event.Event, event.Payload, event.RequestId)

	switch event.Action {
	case broadcastAction:
		return c.enqueue(out, c.table.ids())
	case broadcastFromAction:
		targets := c.table.ids().filter(func(id string) bool { return id != sender })
		return c.enqueue(out, targets)
	case sendToUserAction:
		if len(event.Addresses) == 0 {
			return badRequest(c.name, "No addresses provided for targeted message")
		}
		targets, missing := c.splitKnown(event.Addresses)
		if len(missing) > 0 {
			return notFound(c.name, "Some specified recipients not found").withDetails(map[string]interface{}{"missing": missing})
		}
		return c.enqueue(out, targets)
	default:
		return badRequest(c.name, fmt.Sprintf("Cannot deliver event with action %s", event.Action))
	}
}

// respondTo queues a direct event to a single member, bypassing the
// middleware chain. Replies share the delivery queue with fan-outs, which is
// what keeps them ordered ahead of any fan-out enqueued afterwards.
func (c *Channel) respondTo(userID string, event *Event) error {
	if err := c.checkState(); err != nil {
		return err
	}
	return c.enqueue(event, fromSlice([]string{userID}))
}

func (c *Channel) splitKnown(ids []string) (*array[string], []string) {
	known := newArray[string]()
	var missing []string
	for _, id := range ids {
		if c.table.has(id) {
			known.push(id)
		} else {
			missing = append(missing, id)
		}
	}
	return known, missing
}

func (c *Channel) emitPresence(change presenceEventType, record map[string]interface{}, roster []map[string]interface{}, recipients *array[string]) {
	event := &Event{
		Action:      presenceAction,
		ChannelName: c.name,
		RequestId:   uuid.NewString(),
		Event:       string(change),
		Payload: PresencePayload{
			Presence: roster,
			Change:   record,
		},
	}
	if err := c.enqueue(event, recipients); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.reportError("presence_publish", err)
	}
}

func (c *Channel) enqueue(event *Event, recipients *array[string]) error {
	if recipients.length() == 0 {
		return nil
	}
	ev := internalEvent{
		event:      event,
		recipients: recipients,
	}
	select {
	case c.queue <- ev:
		return nil
	case <-c.ctx.Done():
		return wrapF(c.ctx.Err(), "channel %s context cancelled while queueing message", c.name)
	case <-time.After(c.internalQueueTimeout):
		return timeout(c.name, "timeout queueing internal message; channel processor might be stuck or overloaded")
	}
}

// dispatchLoop drains the queue one event at a time. Sequential processing is
// the ordering guarantee for everything the channel sends.
func (c *Channel) dispatchLoop() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.reportError("channel_dispatch_panic", fmt.Errorf("panic recovered: %v", r))
			}
		}()
		for {
			select {
			case ev, ok := <-c.queue:
				if !ok {
					return
				}
				if err := c.bus.publish(ev.event, ev.recipients); err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						continue
					}
					c.reportError("channel_dispatch", err)
				}
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

func (c *Channel) onConnectionClose(transport Transport) error {
	if err := c.checkState(); err != nil {
		return nil
	}
	if !c.table.has(transport.GetID()) {
		return nil
	}
	return c.RemoveUser(transport.GetID(), "connection_closed")
}

// Size returns the current member count.
func (c *Channel) Size() int {
	return c.table.size()
}

// Close shuts the channel down: removes every member, closes the bus and
// cancels the channel context. Idempotent.
func (c *Channel) Close() error {
	c.mutex.Lock()
	select {
	case <-c.ctx.Done():
		c.mutex.Unlock()
		return nil
	default:
	}
	c.cancel()

	var errs error
	for id, unsub := range c.unsubs {
		unsub()
		delete(c.unsubs, id)
		if _, err := c.table.remove(id); err != nil {
			errs = addError(errs, err)
		}
	}
	c.mutex.Unlock()

	c.bus.close()

	return errs
}

func (c *Channel) checkState() error {
	select {
	case <-c.ctx.Done():
		return wrapF(c.ctx.Err(), "channel %s is shutting down", c.name)
	default:
		return nil
	}
}

func (c *Channel) reportError(component string, err error) {
	if err == nil || c == nil || c.hooks == nil || c.hooks.Metrics == nil {
		return
	}
	c.hooks.Metrics.Error(component, err)
}
