package registry

import (
	"sync"

	"github.com/calcgrid/calcgrid/internal/macro"
	"github.com/calcgrid/calcgrid/internal/state"
)

// Session owns the application state and the macro host behind one mutex:
// the cooperative single-writer model. Every tool handler runs under the
// lock, so the macro host's runtime types are never shared outside it.
type Session struct {
	mu    sync.Mutex
	state *state.AppState
	host  *macro.Host
}

// NewSession constructs a session around a fresh AppState and the given
// macro host.
func NewSession(host *macro.Host) *Session {
	return &Session{state: state.New(), host: host}
}

// With runs fn with exclusive access to the state and host.
func (s *Session) With(fn func(st *state.AppState, host *macro.Host) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.state, s.host)
}
