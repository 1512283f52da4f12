package controller

import (
	"fmt"
	"sync"
)

// Registry is the lecture-id -> session coordination object: a single
// object with an explicit lifecycle guarding a plain map, allowing one
// active session per lecture id. Creation is lazy on first accept;
// deletion is explicit on session end.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a new session for lectureID. It returns an error if a
// session for that lecture id is already active.
func (r *Registry) Create(lectureID string, newFn func() (*Session, error)) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[lectureID]; ok {
		return nil, fmt.Errorf("controller: a session is already active for lecture %s", lectureID)
	}

	s, err := newFn()
	if err != nil {
		return nil, err
	}
	r.sessions[lectureID] = s
	return s, nil
}

// Delete removes the session entry for lectureID, if any.
func (r *Registry) Delete(lectureID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, lectureID)
}

// Len reports the number of currently active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
