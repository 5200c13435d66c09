package transport

import "sync"

// Slot holds the most recent value written to it. Writers overwrite, readers
// never block. Values replaced before anyone read them are counted.
type Slot[T any] struct {
	mu          sync.Mutex
	val         T
	ok          bool
	seq         uint64
	readSeq     uint64
	overwritten uint64
}

// Store replaces the held value.
func (s *Slot[T]) Store(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ok && s.readSeq != s.seq {
		s.overwritten++
	}
	s.val = v
	s.ok = true
	s.seq++
}

// Load returns the held value, or false if nothing has been stored since
// creation or the last Clear. Loading does not consume the value.
func (s *Slot[T]) Load() (T, bool) {
	v, _, ok := s.LoadSeq()
	return v, ok
}

// LoadSeq is Load plus the sequence number of the value, which increases by
// one on every Store.
func (s *Slot[T]) LoadSeq() (T, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ok {
		s.readSeq = s.seq
	}
	return s.val, s.seq, s.ok
}

// Clear empties the slot.
func (s *Slot[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	s.val = zero
	s.ok = false
}

// Overwritten returns how many values were replaced without being read.
func (s *Slot[T]) Overwritten() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overwritten
}
