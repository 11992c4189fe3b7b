package mcp

import "sync"

// SessionRegistry maps execution IDs to the MCP session that asked to be
// notified about them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // executionID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an execution ID with a session ID.
// A later registration for the same execution wins (e.g. resume from a new client).
func (r *SessionRegistry) Register(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[executionID] = sessionID
}

// SessionFor returns the session ID watching the given execution.
func (r *SessionRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[executionID]
	return sid, ok
}

// Forget drops the mapping of one execution.
func (r *SessionRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, executionID)
}

// Remove deletes all execution mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, eid)
		}
	}
}
