package lifecycle

import (
	"sort"
	"sync"
)

// SessionStore is the manager's table of live sessions, indexed by worker
// id and by the agent's own session id once that is known.
type SessionStore struct {
	sessions map[string]*Session
	byRemote map[string]string // remote session id -> worker id
	mu       sync.RWMutex
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		byRemote: make(map[string]string),
	}
}

// Add registers a session.
func (s *SessionStore) Add(session *Session) {
	if session == nil || session.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
}

// IndexRemote records the agent-assigned session id for a worker.
func (s *SessionStore) IndexRemote(workerID, remoteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[workerID]; ok && remoteID != "" {
		s.byRemote[remoteID] = workerID
	}
}

// Remove drops a session from every index.
func (s *SessionStore) Remove(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for remote, id := range s.byRemote {
		if id == workerID {
			delete(s.byRemote, remote)
		}
	}
	delete(s.sessions, workerID)
}

// Get returns a session by worker id.
func (s *SessionStore) Get(workerID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[workerID]
	return session, ok
}

// GetByRemoteID returns the session the agent knows as remoteID.
func (s *SessionStore) GetByRemoteID(remoteID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRemote[remoteID]
	if !ok {
		return nil, false
	}
	session, ok := s.sessions[id]
	return session, ok
}

// List returns all live sessions, oldest first.
func (s *SessionStore) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
