package annotation

import "sync"

// Store is the ordered in-memory annotation collection for the current
// session/view. It has no persistence responsibility and no awareness of
// authentication; those belong to the sync engine.
type Store struct {
	mu    sync.RWMutex
	items []Annotation
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Add appends an annotation, preserving insertion order.
func (s *Store) Add(a Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, a)
}

// Remove deletes the annotation with the given id. It reports whether
// anything was removed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.items {
		if a.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the annotation with the given id.
func (s *Store) Get(id string) (Annotation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.items {
		if a.ID == id {
			return a, true
		}
	}
	return Annotation{}, false
}

// Update replaces the annotation with the same id. It reports whether a
// matching record was found.
func (s *Store) Update(a Annotation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == a.ID {
			s.items[i] = a
			return true
		}
	}
	return false
}

// ReplaceAll swaps the full contents, keeping the given order. Loaded
// sets keep server order; session-created items keep insertion order.
func (s *Store) ReplaceAll(items []Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items[:0:0], items...)
}

// List returns a copy of the annotations in order.
func (s *Store) List() []Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Annotation(nil), s.items...)
}

// Len returns the number of annotations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
