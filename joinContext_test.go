package pondsocket

import (
	"context"
	"net/http"
	"strings"
	"testing"
)

func newTestJoinContext(t *testing.T) (*JoinContext, *fakeTransport) {
	t.Helper()
	ch := newTestChannel(t)
	conn := newFakeTransport("u1")
	ev := &Event{
		Action:      joinChannelAction,
		ChannelName: ch.name,
		RequestId:   "join-u1",
		Event:       "join",
		Payload:     map[string]interface{}{},
	}
	return newJoinContext(context.Background(), ch, &Route{}, conn, ev), conn
}

func TestJoinContextSingleResponse(t *testing.T) {
	t.Run("accept then decline", func(t *testing.T) {
		joinCtx, _ := newTestJoinContext(t)
		if joinCtx.Accept().Err() != nil {
			t.Fatalf("unexpected error: %v", joinCtx.Err())
		}
		err := joinCtx.Decline(http.StatusForbidden, "too late")
		if err == nil {
			t.Fatal("expected an error declining after an accept")
		}
		if pondErr := asPondError(t, err); pondErr.Code != StatusBadRequest {
			t.Errorf("expected code %d, got %d", StatusBadRequest, pondErr.Code)
		}
		if !strings.Contains(err.Error(), "Already responded") {
			t.Errorf("unexpected message: %v", err)
		}
	})

	t.Run("decline then accept", func(t *testing.T) {
		joinCtx, conn := newTestJoinContext(t)
		if err := joinCtx.Decline(http.StatusForbidden, "members only"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		err := joinCtx.Accept().Err()
		if err == nil {
			t.Fatal("expected an error accepting after a decline")
		}
		if pondErr := asPondError(t, err); pondErr.Code != StatusBadRequest {
			t.Errorf("expected code %d, got %d", StatusBadRequest, pondErr.Code)
		}
		if joinCtx.Channel.Size() != 0 {
			t.Error("expected the declined user to stay out of the channel")
		}
		if got := len(conn.framesNamed(errorEvent)); got != 1 {
			t.Errorf("expected exactly one error frame from the decline, got %d", got)
		}
	})

	t.Run("accept twice", func(t *testing.T) {
		joinCtx, _ := newTestJoinContext(t)
		if joinCtx.Accept().Err() != nil {
			t.Fatalf("unexpected error: %v", joinCtx.Err())
		}
		err := joinCtx.Accept().Err()
		if err == nil {
			t.Fatal("expected an error on the second accept")
		}
		if pondErr := asPondError(t, err); pondErr.Code != StatusBadRequest {
			t.Errorf("expected code %d, got %d", StatusBadRequest, pondErr.Code)
		}
		if joinCtx.Channel.Size() != 1 {
			t.Errorf("expected a single membership, got %d", joinCtx.Channel.Size())
		}
	})
}
