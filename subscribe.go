package optisync

import (
	"sort"
	"sync"
)

type subscribers struct {
	mu    sync.Mutex
	next  uint64
	byKey map[Key]map[uint64]func(Entity)
}

func newSubscribers() *subscribers {
	return &subscribers{byKey: make(map[Key]map[uint64]func(Entity))}
}

func (s *subscribers) add(k Key, fn func(Entity)) (cancel func()) {
	s.mu.Lock()
	s.next++
	id := s.next
	m := s.byKey[k]
	if m == nil {
		m = make(map[uint64]func(Entity))
		s.byKey[k] = m
	}
	m[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if m := s.byKey[k]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(s.byKey, k)
				}
			}
		})
	}
}

// callbacks returns the subscribers of k in registration order.
func (s *subscribers) callbacks(k Key) []func(Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byKey[k]
	if len(m) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(Entity), len(ids))
	for i, id := range ids {
		out[i] = m[id]
	}
	return out
}

func (s *subscribers) keys(r Region) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Key
	for k := range s.byKey {
		if r.Matches(k) {
			out = append(out, k)
		}
	}
	return out
}

// sortKeys orders keys by their string form, for deterministic output.
func sortKeys(ks []Key) {
	sort.Slice(ks, func(i, j int) bool { return ks[i].String() < ks[j].String() })
}
