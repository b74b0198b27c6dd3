package opseq

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequencerNext(t *testing.T) {
	s := NewSequencer()

	assert.Equal(t, uint64(1), s.Next("a"))
	assert.Equal(t, uint64(2), s.Next("a"))
	assert.Equal(t, uint64(1), s.Next("b"), "keys are independent")
}

func TestSequencerCurrent(t *testing.T) {
	s := NewSequencer()

	assert.Equal(t, uint64(0), s.Current("a"), "unissued key reads zero")

	s.Next("a")
	assert.Equal(t, uint64(1), s.Current("a"))
	assert.Equal(t, uint64(1), s.Current("a"), "Current does not increment")
}

func TestSequencerIsValid(t *testing.T) {
	s := NewSequencer()

	seq := s.Next("a")
	assert.True(t, s.IsValid("a", seq))

	// A newer sequence supersedes the old one.
	s.Next("a")
	assert.False(t, s.IsValid("a", seq))
}

func TestSequencerInvalidate(t *testing.T) {
	s := NewSequencer()

	seq := s.Next("a")
	s.Invalidate("a")

	assert.False(t, s.IsValid("a", seq))
}

func TestSequencerDrop(t *testing.T) {
	s := NewSequencer()

	seq := s.Next("a")
	s.Drop("a")

	assert.False(t, s.IsValid("a", seq))
	assert.Equal(t, uint64(0), s.Current("a"))
}

func TestSequencerConcurrentNext(t *testing.T) {
	s := NewSequencer()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Next("shared")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(1000), s.Current("shared"))
}
