package pondsocket

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func newTestEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	opts := DefaultOptions()
	opts.InternalQueueTimeout = time.Second
	e := newEndpoint(context.Background(), "/test", opts)
	t.Cleanup(func() {
		e.channels.Values().forEach(func(ch *Channel) { _ = ch.Close() })
	})
	return e
}

func acceptAllJoins(ctx *JoinContext) error {
	ctx.Accept()
	return ctx.Err()
}

func joinChannel(t *testing.T, e *Endpoint, conn *fakeTransport, channelName string) {
	t.Helper()
	err := e.handleMessage()(Event{
		Action:      joinChannelAction,
		ChannelName: channelName,
		Event:       "join",
		Payload:     map[string]interface{}{},
		RequestId:   "join-" + conn.id,
	}, conn)
	if err != nil {
		t.Fatalf("join failed for %s: %v", conn.id, err)
	}
	waitFor(t, func() bool { return len(conn.framesNamed(acknowledgeEvent)) == 1 })
}

func TestJoinAcceptFlow(t *testing.T) {
	e := newTestEndpoint(t)
	e.CreateChannel("chat/:room", func(ctx *JoinContext) error {
		if ctx.Route.Params["room"] != "lobby" {
			return ctx.Decline(http.StatusNotFound, "unknown room")
		}
		ctx.Track(map[string]interface{}{"status": "online"}).Accept()
		return ctx.Err()
	})

	conn := newFakeTransport("u1")
	joinChannel(t, e, conn, "chat/lobby")

	ack := conn.framesNamed(acknowledgeEvent)[0]
	if ack.RequestId != "join-u1" {
		t.Errorf("expected the ack to carry the join request id, got %q", ack.RequestId)
	}

	frames := conn.frames()
	var ackIndex, addedIndex = -1, -1
	for i, frame := range frames {
		switch frame.Event {
		case acknowledgeEvent:
			ackIndex = i
		case string(presenceAdded):
			addedIndex = i
		}
	}
	if addedIndex == -1 {
		t.Fatal("expected the new member to see their own presence announcement")
	}
	if addedIndex > ackIndex {
		t.Error("expected the presence announcement before the acknowledgment")
	}

	ch, err := e.GetChannelByName("chat/lobby")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	user, err := ch.GetUser("u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.Presence["status"] != "online" {
		t.Errorf("expected staged presence to survive admission, got %v", user.Presence)
	}
}

func TestJoinDecline(t *testing.T) {
	e := newTestEndpoint(t)
	p := e.CreateChannel("private/:room", func(ctx *JoinContext) error {
		return ctx.Decline(http.StatusForbidden, "members only")
	})

	conn := newFakeTransport("u1")
	err := e.handleMessage()(Event{
		Action:      joinChannelAction,
		ChannelName: "private/vip",
		Event:       "join",
		Payload:     map[string]interface{}{},
		RequestId:   "req-1",
	}, conn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames := conn.framesNamed(errorEvent)
	if len(frames) != 1 {
		t.Fatalf("expected one error frame, got %d", len(frames))
	}
	payload, ok := frames[0].Payload.(ErrorPayload)
	if !ok {
		t.Fatalf("expected ErrorPayload, got %T", frames[0].Payload)
	}
	if payload.Code != http.StatusForbidden || payload.Message != "members only" {
		t.Errorf("unexpected error payload: %+v", payload)
	}
	if frames[0].RequestId != "req-1" {
		t.Errorf("expected the error to carry the request id, got %q", frames[0].RequestId)
	}
	if !conn.IsActive() {
		t.Error("expected the connection to stay open after a declined join")
	}

	waitFor(t, func() bool {
		_, err := p.GetChannel("private/vip")
		return err != nil
	})
}

func TestJoinDuplicateTopicGetsErrorReply(t *testing.T) {
	e := newTestEndpoint(t)
	e.CreateChannel("chat/:room", acceptAllJoins)

	conn := newFakeTransport("u1")
	joinChannel(t, e, conn, "chat/main")

	err := e.handleMessage()(Event{
		Action:      joinChannelAction,
		ChannelName: "chat/main",
		Event:       "join",
		Payload:     map[string]interface{}{},
		RequestId:   "join-again",
	}, conn)
	if err == nil {
		t.Fatal("expected an error for a duplicate join")
	}

	waitFor(t, func() bool { return len(conn.framesNamed(errorEvent)) == 1 })
	frame := conn.framesNamed(errorEvent)[0]
	if frame.RequestId != "join-again" {
		t.Errorf("expected the error to carry the duplicate request id, got %q", frame.RequestId)
	}
	payload, ok := frame.Payload.(ErrorPayload)
	if !ok {
		t.Fatalf("expected ErrorPayload, got %T", frame.Payload)
	}
	if payload.Code != StatusConflict {
		t.Errorf("expected code %d, got %d", StatusConflict, payload.Code)
	}
	if !conn.IsActive() {
		t.Error("expected the connection to stay open after a duplicate join")
	}

	ch, chErr := e.GetChannelByName("chat/main")
	if chErr != nil {
		t.Fatalf("unexpected error: %v", chErr)
	}
	if ch.Size() != 1 {
		t.Errorf("expected the membership to stay at 1, got %d", ch.Size())
	}
}

func TestJoinHandlerUnresolved(t *testing.T) {
	e := newTestEndpoint(t)
	e.CreateChannel("chat/:room", func(ctx *JoinContext) error {
		return nil
	})

	conn := newFakeTransport("u1")
	err := e.handleMessage()(Event{
		Action:      joinChannelAction,
		ChannelName: "chat/lobby",
		Event:       "join",
		Payload:     map[string]interface{}{},
		RequestId:   "req-1",
	}, conn)
	if err == nil {
		t.Fatal("expected an error for an unresolved join handler")
	}

	waitFor(t, func() bool { return len(conn.framesNamed(errorEvent)) == 1 })
	payload := conn.framesNamed(errorEvent)[0].Payload.(ErrorPayload)
	if payload.Code != StatusInternalServerError {
		t.Errorf("expected code %d, got %d", StatusInternalServerError, payload.Code)
	}
}

func TestJoinHandlerFailure(t *testing.T) {
	e := newTestEndpoint(t)
	e.CreateChannel("chat/:room", func(ctx *JoinContext) error {
		return internal("chat/lobby", "backing store offline")
	})

	conn := newFakeTransport("u1")
	err := e.handleMessage()(Event{
		Action:      joinChannelAction,
		ChannelName: "chat/lobby",
		Event:       "join",
		Payload:     map[string]interface{}{},
		RequestId:   "req-1",
	}, conn)
	if err == nil {
		t.Fatal("expected the handler error to surface")
	}
	waitFor(t, func() bool { return len(conn.framesNamed(errorEvent)) == 1 })
	if _, chErr := e.GetChannelByName("chat/lobby"); chErr == nil {
		t.Error("expected the empty channel to be reaped after a failed join")
	}
}

func TestOnHandlerReplyBeforeFanOut(t *testing.T) {
	e := newTestEndpoint(t)
	p := e.CreateChannel("chat/:room", acceptAllJoins)
	p.On("ping", func(ctx *EventContext) error {
		ctx.Reply("pong", map[string]interface{}{"ok": true})
		return ctx.Err()
	})

	u1 := newFakeTransport("u1")
	u2 := newFakeTransport("u2")
	joinChannel(t, e, u1, "chat/main")
	joinChannel(t, e, u2, "chat/main")

	err := e.handleMessage()(Event{
		Action:      broadcastAction,
		ChannelName: "chat/main",
		Event:       "ping",
		Payload:     map[string]interface{}{},
		RequestId:   "req-ping",
	}, u1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, func() bool {
		return len(u1.framesNamed("pong")) == 1 && len(u1.framesNamed("ping")) == 1
	})
	waitFor(t, func() bool { return len(u2.framesNamed("ping")) == 1 })

	var pongIndex, pingIndex int
	for i, frame := range u1.frames() {
		switch frame.Event {
		case "pong":
			pongIndex = i
		case "ping":
			pingIndex = i
		}
	}
	if pongIndex > pingIndex {
		t.Error("expected the reply before the fan-out of the triggering event")
	}
	if u1.framesNamed("pong")[0].RequestId != "req-ping" {
		t.Error("expected the reply to carry the request id")
	}
	if len(u2.framesNamed("pong")) != 0 {
		t.Error("expected the reply to reach only the sender")
	}
}

func TestOnHandlerDeclineVetoesFanOut(t *testing.T) {
	e := newTestEndpoint(t)
	p := e.CreateChannel("chat/:room", acceptAllJoins)
	p.On("blocked", func(ctx *EventContext) error {
		return ctx.Decline(http.StatusForbidden, "not allowed")
	})
	var laterRan atomic.Bool
	p.On("blocked", func(ctx *EventContext) error {
		laterRan.Store(true)
		return nil
	})

	u1 := newFakeTransport("u1")
	u2 := newFakeTransport("u2")
	joinChannel(t, e, u1, "chat/main")
	joinChannel(t, e, u2, "chat/main")

	err := e.handleMessage()(Event{
		Action:      broadcastAction,
		ChannelName: "chat/main",
		Event:       "blocked",
		Payload:     map[string]interface{}{},
		RequestId:   "req-blocked",
	}, u1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, func() bool { return len(u1.framesNamed(errorEvent)) == 1 })
	payload := u1.framesNamed(errorEvent)[0].Payload.(ErrorPayload)
	if payload.Code != http.StatusForbidden {
		t.Errorf("expected code %d, got %d", http.StatusForbidden, payload.Code)
	}

	time.Sleep(50 * time.Millisecond)
	if len(u2.framesNamed("blocked")) != 0 {
		t.Error("expected no fan-out after a veto")
	}
	if laterRan.Load() {
		t.Error("expected later handlers to be skipped after a veto")
	}
}

func TestOnHandlerPatternMismatchFallsThrough(t *testing.T) {
	e := newTestEndpoint(t)
	p := e.CreateChannel("chat/:room", acceptAllJoins)
	var handled atomic.Bool
	p.On("admin/*", func(ctx *EventContext) error {
		handled.Store(true)
		ctx.Accept()
		return ctx.Err()
	})

	u1 := newFakeTransport("u1")
	u2 := newFakeTransport("u2")
	joinChannel(t, e, u1, "chat/main")
	joinChannel(t, e, u2, "chat/main")

	err := e.handleMessage()(Event{
		Action:      broadcastAction,
		ChannelName: "chat/main",
		Event:       "chatter",
		Payload:     map[string]interface{}{},
	}, u1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, func() bool { return len(u2.framesNamed("chatter")) == 1 })
	if handled.Load() {
		t.Error("expected the admin handler to be skipped for a non-matching event")
	}
}

func TestLeaveDestroysEmptyChannel(t *testing.T) {
	e := newTestEndpoint(t)
	p := e.CreateChannel("chat/:room", acceptAllJoins)

	u1 := newFakeTransport("u1")
	u2 := newFakeTransport("u2")
	joinChannel(t, e, u1, "chat/main")
	joinChannel(t, e, u2, "chat/main")

	err := e.handleMessage()(Event{
		Action:      leaveChannelAction,
		ChannelName: "chat/main",
		Event:       "leave",
		RequestId:   "req-leave",
	}, u1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, func() bool { return len(u1.framesNamed(exitAcknowledgeEvent)) == 1 })
	waitFor(t, func() bool { return len(u2.framesNamed(string(presenceRemoved))) == 1 })

	err = e.handleMessage()(Event{
		Action:      leaveChannelAction,
		ChannelName: "chat/main",
		Event:       "leave",
	}, u2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, func() bool {
		_, chErr := p.GetChannel("chat/main")
		return chErr != nil
	})
	waitFor(t, func() bool {
		_, chErr := e.GetChannelByName("chat/main")
		return chErr != nil
	})
}

func TestPondChannelAdminOperations(t *testing.T) {
	e := newTestEndpoint(t)
	p := e.CreateChannel("chat/:room", acceptAllJoins)

	t.Run("no live channel", func(t *testing.T) {
		if err := p.Broadcast("chat/empty", "sys", nil); err == nil {
			t.Error("expected error broadcasting to a dead topic")
		}
		if err := p.Send("chat/empty", "sys", nil, "u1"); err == nil {
			t.Error("expected error sending to a dead topic")
		}
		if err := p.ModifyPresence("chat/empty", "u1", nil); err == nil {
			t.Error("expected error modifying presence on a dead topic")
		}
		if err := p.CloseFrom("chat/empty", "u1"); err == nil {
			t.Error("expected error closing users on a dead topic")
		}
	})

	u1 := newFakeTransport("u1")
	u2 := newFakeTransport("u2")
	joinChannel(t, e, u1, "chat/main")
	joinChannel(t, e, u2, "chat/main")

	t.Run("broadcast", func(t *testing.T) {
		if err := p.Broadcast("chat/main", "sys", map[string]interface{}{"text": "maintenance"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		waitFor(t, func() bool {
			return len(u1.framesNamed("sys")) == 1 && len(u2.framesNamed("sys")) == 1
		})
	})

	t.Run("send to subset", func(t *testing.T) {
		if err := p.Send("chat/main", "direct", nil, "u2"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		waitFor(t, func() bool { return len(u2.framesNamed("direct")) == 1 })
		if len(u1.framesNamed("direct")) != 0 {
			t.Error("expected only the listed member to receive the event")
		}
	})

	t.Run("modify presence", func(t *testing.T) {
		if err := p.ModifyPresence("chat/main", "u1", map[string]interface{}{"muted": true}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		waitFor(t, func() bool { return len(u2.framesNamed(string(presenceUpdated))) >= 1 })
	})

	t.Run("close from", func(t *testing.T) {
		if err := p.CloseFrom("chat/main", "u2"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		waitFor(t, func() bool {
			for _, frame := range u2.frames() {
				if frame.Action == closeAction {
					return true
				}
			}
			return false
		})
		ch, err := p.GetChannel("chat/main")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		waitFor(t, func() bool { return !ch.table.has("u2") })
	})
}

func TestPondChannelRemoveUserAcrossChannels(t *testing.T) {
	e := newTestEndpoint(t)
	p := e.CreateChannel("chat/:room", acceptAllJoins)

	u1 := newFakeTransport("u1")
	u2 := newFakeTransport("u2")
	joinChannel(t, e, u1, "chat/main")
	joinChannel(t, e, u2, "chat/main")

	if err := p.RemoveUser("u1", "moderation"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ch, err := p.GetChannel("chat/main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ch.table.has("u1") {
		t.Error("expected u1 to be removed")
	}
}
