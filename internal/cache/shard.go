package cache

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPoisoned is returned by every operation on a shard after a panic occurred while it was locked
var ErrPoisoned = errors.New("cache shard is poisoned")

// shard guards state with its own RWMutex. A panic inside write is recovered,
// marks the shard poisoned and is returned as ErrPoisoned.
type shard[S any] struct {
	name     string
	mu       sync.RWMutex
	state    S
	poisoned bool
}

func newShard[S any](name string, state S) *shard[S] {
	return &shard[S]{name: name, state: state}
}

func (s *shard[S]) read(fn func(state S)) (err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.poisoned {
		return fmt.Errorf("%s: %w", s.name, ErrPoisoned)
	}

	// readers never leave the state half-updated, so a panic here does not poison
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: read panicked: %v", s.name, r)
		}
	}()

	fn(s.state)
	return nil
}

func (s *shard[S]) write(fn func(state S)) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.poisoned {
		return fmt.Errorf("%s: %w", s.name, ErrPoisoned)
	}

	defer func() {
		if r := recover(); r != nil {
			s.poisoned = true
			err = fmt.Errorf("%s: %w: %v", s.name, ErrPoisoned, r)
		}
	}()

	fn(s.state)
	return nil
}
