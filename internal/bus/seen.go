package bus

import "sync"

// SeenSet remembers the most recent N event IDs. Older IDs are evicted in
// insertion order.
type SeenSet struct {
	ids  map[string]struct{}
	ring []string
	next int
	mu   sync.Mutex
}

func NewSeenSet(size int) *SeenSet {
	if size <= 0 {
		size = 1
	}
	return &SeenSet{
		ids:  make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// Add records id and reports whether it was not already present. Empty IDs
// are never deduplicated.
func (s *SeenSet) Add(id string) bool {
	if id == "" {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return false
	}

	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
	return true
}

func (s *SeenSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
