package input

import "sync/atomic"

var zeroSnapshot = &Snapshot{}

// Store holds the latest published Snapshot. Readers never block and never
// observe a partially written value.
type Store struct {
	cur atomic.Pointer[Snapshot]
}

// NewStore returns a store holding the all-released default.
func NewStore() *Store {
	s := &Store{}
	s.cur.Store(zeroSnapshot)
	return s
}

// Load returns the current snapshot. The result must not be modified.
func (s *Store) Load() *Snapshot {
	return s.cur.Load()
}

// Publish replaces the current snapshot with snap.
func (s *Store) Publish(snap *Snapshot) {
	s.cur.Store(snap)
}

// Reset returns the store to the all-released default.
func (s *Store) Reset() {
	s.cur.Store(zeroSnapshot)
}
