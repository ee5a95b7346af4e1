package pondsocket

import (
	"reflect"
	"sync"
	"testing"
)

type presenceRecorder struct {
	mu     sync.Mutex
	events []recordedPresence
}

type recordedPresence struct {
	change     presenceEventType
	record     map[string]interface{}
	roster     []map[string]interface{}
	recipients []string
}

func (r *presenceRecorder) emit(change presenceEventType, record map[string]interface{}, roster []map[string]interface{}, recipients *array[string]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedPresence{
		change:     change,
		record:     record,
		roster:     roster,
		recipients: recipients.toSlice(),
	})
}

func (r *presenceRecorder) all() []recordedPresence {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := make([]recordedPresence, len(r.events))
	copy(clone, r.events)
	return clone
}

func newTestTable() (*memberTable, *presenceRecorder) {
	recorder := &presenceRecorder{}
	return newMemberTable("test", recorder.emit), recorder
}

func TestMemberTableAddStampsID(t *testing.T) {
	table, recorder := newTestTable()

	err := table.add(newFakeTransport("u1"), nil, map[string]interface{}{"name": "ada"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := recorder.all()
	if len(events) != 1 {
		t.Fatalf("expected one presence event, got %d", len(events))
	}
	ev := events[0]
	if ev.change != presenceAdded {
		t.Errorf("expected %s, got %s", presenceAdded, ev.change)
	}
	if ev.record["id"] != "u1" || ev.record["name"] != "ada" {
		t.Errorf("unexpected change record: %v", ev.record)
	}
	if len(ev.roster) != 1 {
		t.Errorf("expected roster of one, got %v", ev.roster)
	}
	if !reflect.DeepEqual(ev.recipients, []string{"u1"}) {
		t.Errorf("expected the new member to be addressed, got %v", ev.recipients)
	}
}

func TestMemberTableAddOverridesCallerID(t *testing.T) {
	table, recorder := newTestTable()

	err := table.add(newFakeTransport("u1"), nil, map[string]interface{}{"id": "spoofed"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recorder.all()[0].record["id"] != "u1" {
		t.Error("expected the member id to override the caller-supplied one")
	}
}

func TestMemberTableDuplicateAdd(t *testing.T) {
	table, _ := newTestTable()

	if err := table.add(newFakeTransport("u1"), nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := table.add(newFakeTransport("u1"), nil, nil)
	if err == nil {
		t.Fatal("expected conflict on duplicate member")
	}
	if pondErr := asPondError(t, err); pondErr.Code != StatusConflict {
		t.Errorf("expected code %d, got %d", StatusConflict, pondErr.Code)
	}
}

func TestMemberTableRemove(t *testing.T) {
	table, recorder := newTestTable()

	_ = table.add(newFakeTransport("u1"), nil, nil)
	_ = table.add(newFakeTransport("u2"), nil, nil)

	m, err := table.remove("u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.presence["id"] != "u1" {
		t.Errorf("expected removed member record, got %v", m.presence)
	}

	events := recorder.all()
	last := events[len(events)-1]
	if last.change != presenceRemoved {
		t.Errorf("expected %s, got %s", presenceRemoved, last.change)
	}
	if !reflect.DeepEqual(last.recipients, []string{"u2"}) {
		t.Errorf("expected only the remaining member addressed, got %v", last.recipients)
	}
	if len(last.roster) != 1 {
		t.Errorf("expected roster without the removed member, got %v", last.roster)
	}

	if _, err = table.remove("u1"); err == nil {
		t.Error("expected error removing an absent member")
	}
}

func TestMemberTableUpdate(t *testing.T) {
	table, recorder := newTestTable()
	_ = table.add(newFakeTransport("u1"), nil, map[string]interface{}{"status": "online"})

	t.Run("changed presence announces", func(t *testing.T) {
		if err := table.update("u1", map[string]interface{}{"status": "away"}, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		events := recorder.all()
		last := events[len(events)-1]
		if last.change != presenceUpdated {
			t.Fatalf("expected %s, got %s", presenceUpdated, last.change)
		}
		if last.record["status"] != "away" {
			t.Errorf("expected merged record, got %v", last.record)
		}
	})

	t.Run("identical presence stays silent", func(t *testing.T) {
		before := len(recorder.all())
		if err := table.update("u1", map[string]interface{}{"status": "away"}, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := len(recorder.all()); got != before {
			t.Errorf("expected no announcement, got %d extra", got-before)
		}
	})

	t.Run("assigns merge without announcement", func(t *testing.T) {
		before := len(recorder.all())
		if err := table.update("u1", nil, map[string]interface{}{"role": "admin"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := len(recorder.all()); got != before {
			t.Errorf("expected no announcement for assigns, got %d extra", got-before)
		}
		user, err := table.get("u1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.Assigns["role"] != "admin" {
			t.Errorf("expected merged assigns, got %v", user.Assigns)
		}
	})

	t.Run("unknown member", func(t *testing.T) {
		err := table.update("ghost", map[string]interface{}{"a": 1}, nil)
		if pondErr := asPondError(t, err); pondErr.Code != StatusNotFound {
			t.Errorf("expected code %d, got %d", StatusNotFound, pondErr.Code)
		}
	})
}

func TestMemberTableClear(t *testing.T) {
	table, recorder := newTestTable()
	_ = table.add(newFakeTransport("u1"), nil, map[string]interface{}{"status": "online"})

	if err := table.clear("u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := recorder.all()
	last := events[len(events)-1]
	if last.change != presenceUpdated {
		t.Errorf("expected %s, got %s", presenceUpdated, last.change)
	}
	if !reflect.DeepEqual(last.record, map[string]interface{}{"id": "u1"}) {
		t.Errorf("expected bare id record, got %v", last.record)
	}

	before := len(recorder.all())
	if err := table.clear("u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(recorder.all()); got != before {
		t.Error("expected no announcement for an already bare record")
	}
}

func TestMemberTableRosterOrder(t *testing.T) {
	table, _ := newTestTable()
	_ = table.add(newFakeTransport("u1"), nil, nil)
	_ = table.add(newFakeTransport("u2"), nil, nil)
	_ = table.add(newFakeTransport("u3"), nil, nil)

	roster := table.roster()
	var ids []string
	for _, record := range roster {
		ids = append(ids, record["id"].(string))
	}
	if !reflect.DeepEqual(ids, []string{"u1", "u2", "u3"}) {
		t.Errorf("expected join order, got %v", ids)
	}
}
