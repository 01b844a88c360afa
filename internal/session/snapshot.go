package session

import (
	"errors"
	"sync"
	"sync/atomic"
)

var errNoSource = errors.New("no media source configured")

// atomicSnapshot mirrors the loop-owned role/state/connection for observers
// outside the event loop.
type atomicSnapshot struct {
	mu    sync.RWMutex
	role  Role
	state State
	conn  atomic.Pointer[Connection]
}

func (s *atomicSnapshot) store(r Role, st State) {
	s.mu.Lock()
	s.role = r
	s.state = st
	s.mu.Unlock()
}

func (s *atomicSnapshot) load() (Role, State) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role, s.state
}
