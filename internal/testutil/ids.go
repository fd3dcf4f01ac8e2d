package testutil

import "sync"

// SequentialIDs hands out document ids 1, 2, 3, ... as int32 values, so
// inserted ids render as "1", "2", "3" in results and golden files.
//
// Thread-safety: Next is safe for concurrent use.
type SequentialIDs struct {
	mu sync.Mutex
	n  int32
}

// NewSequentialIDs creates a generator whose first id is 1.
func NewSequentialIDs() *SequentialIDs {
	return &SequentialIDs{}
}

// Next returns the next id. It fits memstore.WithIDGenerator.
func (s *SequentialIDs) Next() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return s.n
}
