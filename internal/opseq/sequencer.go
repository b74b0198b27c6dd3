// Package opseq provides the primitives that keep overlapping async
// operations consistent: per-resource monotonic sequence counters used to
// detect superseded results, and a FIFO lock queue for operations that must
// never run concurrently.
package opseq

import "sync"

// Sequencer hands out per-key monotonically increasing sequence numbers.
// An async operation records the sequence at its start and checks IsValid
// after every await point; a mismatch means the resource was torn down or
// restarted and the result must be discarded.
type Sequencer struct {
	mu   sync.Mutex
	seqs map[string]uint64
}

// NewSequencer creates an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{seqs: make(map[string]uint64)}
}

// Next increments and returns the sequence for key.
func (s *Sequencer) Next(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[key]++
	return s.seqs[key]
}

// Current returns the sequence for key without incrementing.
// A key that was never issued a sequence reads as zero.
func (s *Sequencer) Current(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs[key]
}

// IsValid reports whether seq is still the current sequence for key.
func (s *Sequencer) IsValid(key string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs[key] == seq
}

// Invalidate bumps the sequence for key so every outstanding operation
// holding an older sequence discards its result.
func (s *Sequencer) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[key]++
}

// Drop forgets the counter for key entirely. Subsequent Current reads
// return zero and outstanding sequences become invalid.
func (s *Sequencer) Drop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seqs, key)
}
