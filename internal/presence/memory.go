package presence

import (
	"context"
	"sync"

	"github.com/dkeye/huddle/internal/core"
)

// MemoryStore is an in-process document tree. Empty subtrees are pruned, so
// a room with no fields left does not exist.
type MemoryStore struct {
	mu   sync.Mutex
	root map[string]any
}

var _ core.PresenceStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{root: make(map[string]any)}
}

func (s *MemoryStore) Get(_ context.Context, path string) (any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.get(split(path))
	return clone(v), ok, nil
}

func (s *MemoryStore) Set(_ context.Context, path string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(split(path), clone(value))
	return nil
}

func (s *MemoryStore) Update(_ context.Context, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, v := range updates {
		s.set(split(p), clone(v))
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(split(path), nil)
	return nil
}

func (s *MemoryStore) Transaction(_ context.Context, path string, fn func(current any) (any, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	segs := split(path)
	cur, _ := s.get(segs)
	next, err := fn(clone(cur))
	if err != nil {
		return err
	}
	s.set(segs, clone(next))
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) get(segs []string) (any, bool) {
	var node any = s.root
	for _, seg := range segs {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = m[seg]; !ok {
			return nil, false
		}
	}
	return node, true
}

// set writes v at segs; nil deletes and prunes empty parents.
func (s *MemoryStore) set(segs []string, v any) {
	if len(segs) == 0 {
		if m, ok := v.(map[string]any); ok {
			s.root = m
		} else {
			s.root = make(map[string]any)
		}
		return
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		v = nil
	}
	setIn(s.root, segs, v)
}

func setIn(node map[string]any, segs []string, v any) {
	key := segs[0]
	if len(segs) == 1 {
		if v == nil {
			delete(node, key)
		} else {
			node[key] = v
		}
		return
	}
	child, ok := node[key].(map[string]any)
	if !ok {
		if v == nil {
			return
		}
		child = make(map[string]any)
		node[key] = child
	}
	setIn(child, segs[1:], v)
	if len(child) == 0 {
		delete(node, key)
	}
}
