package relation

import (
	"context"
	"sync"
)

// MemStore is a simple in-memory implementation of Store
type MemStore struct {
	lk      sync.RWMutex
	rels    map[EntityID]ChildOf
	changes []Change
	nextID  EntityID
}

func NewMemStore() *MemStore {
	return &MemStore{
		rels: make(map[EntityID]ChildOf),
	}
}

func (s *MemStore) NewEntity(ctx context.Context) (EntityID, error) {
	s.lk.Lock()
	defer s.lk.Unlock()

	s.nextID++
	return s.nextID, nil
}

func (s *MemStore) Get(ctx context.Context, child EntityID) (ChildOf, bool, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	rel, ok := s.rels[child]
	return rel, ok, nil
}

func (s *MemStore) Set(ctx context.Context, child EntityID, rel ChildOf) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	c := Change{Child: child, Next: relPtr(rel)}
	if prev, ok := s.rels[child]; ok {
		if prev == rel {
			return nil
		}
		c.Prev = relPtr(prev)
	}
	s.rels[child] = rel
	s.changes = append(s.changes, c)
	recordChange("memory", c)
	return nil
}

func (s *MemStore) Delete(ctx context.Context, child EntityID) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	prev, ok := s.rels[child]
	if !ok {
		return nil
	}
	delete(s.rels, child)
	c := Change{Child: child, Prev: relPtr(prev)}
	s.changes = append(s.changes, c)
	recordChange("memory", c)
	return nil
}

func (s *MemStore) ChildrenOf(ctx context.Context, parent EntityID) ([]Entry, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()

	var out []Entry
	for child, rel := range s.rels {
		if rel.Parent == parent {
			out = append(out, Entry{Child: child, ChildOf: rel})
		}
	}
	return out, nil
}

func (s *MemStore) Scan(ctx context.Context, fn func(Entry) error) error {
	s.lk.RLock()
	entries := make([]Entry, 0, len(s.rels))
	for child, rel := range s.rels {
		entries = append(entries, Entry{Child: child, ChildOf: rel})
	}
	s.lk.RUnlock()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) Diff(ctx context.Context) (*Diff, error) {
	s.lk.Lock()
	changes := s.changes
	s.changes = nil
	s.lk.Unlock()

	d := FoldChanges(changes)
	recordDiff("memory", d)
	return d, nil
}
