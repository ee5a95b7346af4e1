// This file contains the generic keyed store used for members, channels and
// connection registries. The store preserves insertion order so that roster
// snapshots and fan-out lists are stable across reads.
package pondsocket

import (
	"sync"
)

type store[T any] struct {
	mutex sync.RWMutex
	items map[string]T
	order []string
}

func newStore[T any]() *store[T] {
	return &store[T]{
		items: make(map[string]T),
		order: make([]string, 0),
	}
}

func (s *store[T]) Create(key string, value T) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.items[key]; exists {
		return conflict(key, "Key already exists")
	}
	s.items[key] = value
	s.order = append(s.order, key)
	return nil
}

func (s *store[T]) Read(key string) (T, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var zeroValue T
	value, exists := s.items[key]
	if !exists {
		return zeroValue, notFound(key, "Key does not exist")
	}
	return value, nil
}

func (s *store[T]) Update(key string, value T) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.items[key]; !exists {
		return notFound(key, "Key does not exist")
	}
	s.items[key] = value
	return nil
}

func (s *store[T]) Delete(key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.items[key]; !exists {
		return notFound(key, "Key does not exist")
	}
	delete(s.items, key)

	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *store[T]) Has(key string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, exists := s.items[key]
	return exists
}

// GetOrCreate returns the value bound to key, building it with factory when
// absent. The factory runs under the write lock so concurrent callers observe
// a single creation.
func (s *store[T]) GetOrCreate(key string, factory func() T) T {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if value, exists := s.items[key]; exists {
		return value
	}
	value := factory()
	s.items[key] = value
	s.order = append(s.order, key)
	return value
}

// Keys returns the stored keys in insertion order.
func (s *store[T]) Keys() *array[string] {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	keys := newArray[string]()

	for _, key := range s.order {
		keys.push(key)
	}
	return keys
}

// Values returns the stored values in insertion order.
func (s *store[T]) Values() *array[T] {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	values := newArray[T]()

	for _, key := range s.order {
		values.push(s.items[key])
	}
	return values
}

func (s *store[T]) GetByKeys(keys ...string) *array[T] {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	values := newArray[T]()

	for _, key := range keys {
		if value, exists := s.items[key]; exists {
			values.push(value)
		}
	}
	return values
}

func (s *store[T]) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.items)
}

// document is a handle bound to a single key of a store. Holders mutate or
// drop their entry without carrying the key around.
type document[T any] struct {
	key   string
	store *store[T]
}

func (s *store[T]) document(key string) *document[T] {
	return &document[T]{key: key, store: s}
}

func (d *document[T]) Read() (T, error) {
	return d.store.Read(d.key)
}

func (d *document[T]) Update(value T) error {
	return d.store.Update(d.key, value)
}

func (d *document[T]) Remove() error {
	return d.store.Delete(d.key)
}
