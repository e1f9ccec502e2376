// ABOUTME: String-keyed maps matched to the scheduling model
// ABOUTME: Threaded adapters get an xxhash lock-striped map, cooperative ones a plain map

package concurrency

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Map is the registry container used by the transport.
type Map[V any] interface {
	Load(key string) (V, bool)
	Store(key string, value V)
	Delete(key string)
	// Range calls fn for every entry until fn returns false. fn may modify
	// the map.
	Range(fn func(key string, value V) bool)
	Len() int
	Clear()
}

// NewMap returns a map appropriate for the adapter's model.
func NewMap[V any](a Adapter) Map[V] {
	if a.Kind() == Cooperative {
		return newPlainMap[V]()
	}
	return newStripedMap[V](defaultStripes)
}

const defaultStripes = 32

type stripe[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// stripedMap spreads keys over independently locked shards.
type stripedMap[V any] struct {
	stripes []*stripe[V]
}

func newStripedMap[V any](n int) *stripedMap[V] {
	if n < 1 {
		n = 1
	}
	s := &stripedMap[V]{stripes: make([]*stripe[V], n)}
	for i := range s.stripes {
		s.stripes[i] = &stripe[V]{m: make(map[string]V)}
	}
	return s
}

func (s *stripedMap[V]) stripeFor(key string) *stripe[V] {
	return s.stripes[xxhash.Sum64String(key)%uint64(len(s.stripes))]
}

func (s *stripedMap[V]) Load(key string) (V, bool) {
	st := s.stripeFor(key)
	st.mu.RLock()
	defer st.mu.RUnlock()
	v, ok := st.m[key]
	return v, ok
}

func (s *stripedMap[V]) Store(key string, value V) {
	st := s.stripeFor(key)
	st.mu.Lock()
	st.m[key] = value
	st.mu.Unlock()
}

func (s *stripedMap[V]) Delete(key string) {
	st := s.stripeFor(key)
	st.mu.Lock()
	delete(st.m, key)
	st.mu.Unlock()
}

// Range iterates a per-stripe snapshot so fn never runs under a stripe lock.
func (s *stripedMap[V]) Range(fn func(key string, value V) bool) {
	type entry struct {
		key   string
		value V
	}
	for _, st := range s.stripes {
		st.mu.RLock()
		snapshot := make([]entry, 0, len(st.m))
		for k, v := range st.m {
			snapshot = append(snapshot, entry{k, v})
		}
		st.mu.RUnlock()

		for _, e := range snapshot {
			if !fn(e.key, e.value) {
				return
			}
		}
	}
}

func (s *stripedMap[V]) Len() int {
	n := 0
	for _, st := range s.stripes {
		st.mu.RLock()
		n += len(st.m)
		st.mu.RUnlock()
	}
	return n
}

func (s *stripedMap[V]) Clear() {
	for _, st := range s.stripes {
		st.mu.Lock()
		clear(st.m)
		st.mu.Unlock()
	}
}

// plainMap has no locking of its own; callers hold Synchronize.
type plainMap[V any] struct {
	m map[string]V
}

func newPlainMap[V any]() *plainMap[V] {
	return &plainMap[V]{m: make(map[string]V)}
}

func (p *plainMap[V]) Load(key string) (V, bool) {
	v, ok := p.m[key]
	return v, ok
}

func (p *plainMap[V]) Store(key string, value V) {
	p.m[key] = value
}

func (p *plainMap[V]) Delete(key string) {
	delete(p.m, key)
}

func (p *plainMap[V]) Range(fn func(key string, value V) bool) {
	for k, v := range p.m {
		if !fn(k, v) {
			return
		}
	}
}

func (p *plainMap[V]) Len() int {
	return len(p.m)
}

func (p *plainMap[V]) Clear() {
	clear(p.m)
}
