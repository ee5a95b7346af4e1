// This file contains the LeaveContext struct handed to leave handlers after a
// user has been removed from a channel.
package pondsocket

import (
	"context"
	"sync"
)

type LeaveContext struct {
	Channel      *Channel
	user         *User
	ctx          context.Context
	err          error
	mutex        sync.Mutex
	hasResponded bool
	leaveReason  string
}

func newLeaveContext(ctx context.Context, channel *Channel, user *User, reason string) *LeaveContext {
	c := &LeaveContext{
		Channel:     channel,
		user:        user,
		ctx:         ctx,
		leaveReason: reason,
	}
	select {
	case <-ctx.Done():
		c.err = ctx.Err()
	default:
	}
	return c
}

func (c *LeaveContext) checkStateAndContext() bool {
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

// Broadcast sends a leave notification to the remaining members. At most one
// notification can be sent per departure.
func (c *LeaveContext) Broadcast(e string, payload interface{}) *LeaveContext {
	if c.checkStateAndContext() {
		return c
	}
	c.mutex.Lock()
	if c.hasResponded {
		c.err = badRequest(c.Channel.name, "Already broadcast leave notification")
		c.mutex.Unlock()
		return c
	}
	c.hasResponded = true
	c.mutex.Unlock()

	if err := c.Channel.Broadcast(e, payload); err != nil {
		c.err = wrapF(err, "error broadcasting leave event %s", e)
	}
	return c
}

// GetReason returns why the user left: "connection_closed", "explicit_leave",
// an "evicted:" prefixed reason, or a custom value.
func (c *LeaveContext) GetReason() string {
	return c.leaveReason
}

// GetUser returns the departed user's last known state.
func (c *LeaveContext) GetUser() *User {
	return c.user
}

func (c *LeaveContext) GetAssign(key string) interface{} {
	if c.user == nil || c.user.Assigns == nil {
		return nil
	}
	return c.user.Assigns[key]
}

// RemainingUserCount returns how many members are still in the channel.
func (c *LeaveContext) RemainingUserCount() int {
	if c.checkStateAndContext() {
		return 0
	}
	return c.Channel.Size()
}

func (c *LeaveContext) Context() context.Context {
	return c.ctx
}

// Err returns the first error accumulated by chained calls, if any.
func (c *LeaveContext) Err() error {
	return c.err
}
