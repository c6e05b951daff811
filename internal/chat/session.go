package chat

import "sync"

// Session is one client's lifetime across engine mounts. It remembers which
// projects it has already tried to bootstrap, so remounting an engine on an
// empty log never writes a second greeting.
type Session struct {
	ID string

	mu        sync.Mutex
	attempted map[string]struct{}
}

// NewSession creates a session with the given id.
func NewSession(id string) *Session {
	return &Session{ID: id, attempted: map[string]struct{}{}}
}

// Bootstrapped reports whether a greeting write is in flight or done for the project.
func (s *Session) Bootstrapped(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.attempted[projectID]
	return ok
}

// claim sets the one-shot flag and reports whether the caller set it.
func (s *Session) claim(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attempted[projectID]; ok {
		return false
	}
	s.attempted[projectID] = struct{}{}
	return true
}

// release clears the flag after a greeting write that stored nothing.
func (s *Session) release(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempted, projectID)
}
