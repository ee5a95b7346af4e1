// This file contains the memberTable, the per-channel membership record. Each
// member carries one presence record (shared with the roster) and one assigns
// record (server side only). Every membership change is announced through the
// emit callback with the full roster plus the record that changed.
package pondsocket

import (
	"reflect"
	"sync"
)

type member struct {
	transport Transport
	assigns   map[string]interface{}
	presence  map[string]interface{}
}

type presenceEmitFunc func(change presenceEventType, record map[string]interface{}, roster []map[string]interface{}, recipients *array[string])

type memberTable struct {
	mu          sync.RWMutex
	channelName string
	members     *store[*member]
	emit        presenceEmitFunc
}

func newMemberTable(channelName string, emit presenceEmitFunc) *memberTable {
	return &memberTable{
		channelName: channelName,
		members:     newStore[*member](),
		emit:        emit,
	}
}

// add inserts a new member. The presence record always carries the member id
// under "id", overriding any caller-supplied value. Duplicate ids conflict.
func (t *memberTable) add(transport Transport, assigns, presence map[string]interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := transport.GetID()
	record := copyMap(presence)
	record["id"] = id

	m := &member{
		transport: transport,
		assigns:   copyMap(assigns),
		presence:  record,
	}
	if err := t.members.Create(id, m); err != nil {
		return conflict(t.channelName, "User with id "+id+" already exists in channel")
	}
	t.emit(presenceAdded, copyMap(record), t.rosterLocked(), t.members.Keys())
	return nil
}

// remove drops a member and announces the removal to the remaining members.
func (t *memberTable) remove(id string) (*member, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, err := t.members.Read(id)
	if err != nil {
		return nil, notFound(t.channelName, "User with id "+id+" does not exist in channel")
	}
	if err = t.members.Delete(id); err != nil {
		return nil, err
	}
	t.emit(presenceRemoved, copyMap(m.presence), t.rosterLocked(), t.members.Keys())
	return m, nil
}

// update shallow-merges the supplied presence and assigns into the member's
// records. Assigns merge unconditionally; a presence announcement goes out
// only when the merged record actually differs from the current one.
func (t *memberTable) update(id string, presence, assigns map[string]interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, err := t.members.Read(id)
	if err != nil {
		return notFound(t.channelName, "User with id "+id+" does not exist in channel")
	}

	if assigns != nil {
		m.assigns = mergeMaps(m.assigns, assigns)
	}

	if presence == nil {
		return nil
	}
	merged := mergeMaps(m.presence, presence)
	merged["id"] = id

	if reflect.DeepEqual(m.presence, merged) {
		return nil
	}
	m.presence = merged
	t.emit(presenceUpdated, copyMap(merged), t.rosterLocked(), t.members.Keys())
	return nil
}

// clear resets a member's presence to the bare id record and announces the
// change when the record actually shrank.
func (t *memberTable) clear(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, err := t.members.Read(id)
	if err != nil {
		return notFound(t.channelName, "User with id "+id+" does not exist in channel")
	}
	bare := map[string]interface{}{"id": id}
	if reflect.DeepEqual(m.presence, bare) {
		return nil
	}
	m.presence = bare
	t.emit(presenceUpdated, copyMap(bare), t.rosterLocked(), t.members.Keys())
	return nil
}

func (t *memberTable) get(id string) (*User, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, err := t.members.Read(id)
	if err != nil {
		return nil, notFound(t.channelName, "User with id "+id+" does not exist in channel")
	}
	return &User{
		UserID:   id,
		Assigns:  copyMap(m.assigns),
		Presence: copyMap(m.presence),
	}, nil
}

func (t *memberTable) transportOf(id string) (Transport, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, err := t.members.Read(id)
	if err != nil {
		return nil, notFound(t.channelName, "User with id "+id+" does not exist in channel")
	}
	return m.transport, nil
}

func (t *memberTable) has(id string) bool {
	return t.members.Has(id)
}

// roster returns every presence record in join order.
func (t *memberTable) roster() []map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.rosterLocked()
}

func (t *memberTable) rosterLocked() []map[string]interface{} {
	records := make([]map[string]interface{}, 0, t.members.Len())
	t.members.Values().forEach(func(m *member) {
		records = append(records, copyMap(m.presence))
	})
	return records
}

func (t *memberTable) ids() *array[string] {
	return t.members.Keys()
}

func (t *memberTable) size() int {
	return t.members.Len()
}
