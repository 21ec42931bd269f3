// Package framsync provides the single non-reentrant, timed mutex
// primitive every stateful framstore subsystem (device, ring, vslot,
// kvs) embeds exactly one of. The standard library's sync.Mutex has no
// timed acquisition, so this wraps a one-slot buffered channel as a
// semaphore, the common Go idiom for a mutex with a timeout.
package framsync

import (
	"time"

	"github.com/scif-systems/framstore/internal/framerr"
)

// TimedMutex is a non-reentrant mutual-exclusion lock whose Lock call
// can time out instead of blocking forever.
type TimedMutex struct {
	slot chan struct{}
}

// NewTimedMutex returns a ready-to-use, unlocked TimedMutex.
func NewTimedMutex() *TimedMutex {
	return &TimedMutex{slot: make(chan struct{}, 1)}
}

// Lock acquires the mutex, failing with framerr.ErrTimeout if it is not
// free within timeout. A timed-out Lock never enters the critical
// section and does not need a matching Unlock.
func (m *TimedMutex) Lock(timeout time.Duration) error {
	select {
	case m.slot <- struct{}{}:
		return nil
	case <-time.After(timeout):
		return framerr.ErrTimeout
	}
}

// Unlock releases the mutex. Calling Unlock without a held Lock panics,
// the same contract sync.Mutex makes.
func (m *TimedMutex) Unlock() {
	select {
	case <-m.slot:
	default:
		panic("framsync: Unlock of unlocked TimedMutex")
	}
}
