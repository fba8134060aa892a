package utils

import (
	"sync"
)

// OptionalRWMutex is a reader/writer lock that can be switched off at construction. A disabled
// mutex turns every method into a no-op, for owners whose callers synchronize externally.
// The zero value is disabled.
type OptionalRWMutex struct {
	mutex *sync.RWMutex
}

func NewOptionalRWMutex(enabled bool) OptionalRWMutex {
	if !enabled {
		return OptionalRWMutex{}
	}
	return OptionalRWMutex{mutex: &sync.RWMutex{}}
}

// Enabled reports whether the mutex actually locks
func (m OptionalRWMutex) Enabled() bool {
	return m.mutex != nil
}

func (m OptionalRWMutex) Lock() {
	if m.mutex != nil {
		m.mutex.Lock()
	}
}

func (m OptionalRWMutex) Unlock() {
	if m.mutex != nil {
		m.mutex.Unlock()
	}
}

func (m OptionalRWMutex) RLock() {
	if m.mutex != nil {
		m.mutex.RLock()
	}
}

func (m OptionalRWMutex) RUnlock() {
	if m.mutex != nil {
		m.mutex.RUnlock()
	}
}

// TryLock attempts to take the write lock without blocking. A disabled mutex always succeeds.
func (m OptionalRWMutex) TryLock() bool {
	if m.mutex != nil {
		return m.mutex.TryLock()
	}
	return true
}
