package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry tracks the live session of each conversation. Every mutation,
// including the READY/STREAMING transitions of registered sessions, happens
// under a single lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register makes s the live session for conversationID and moves it to READY.
// A READY predecessor is superseded and closed; a STREAMING one makes the call
// fail with ErrAlreadyStreaming.
func (r *Registry) Register(conversationID string, s *Session) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShuttingDown
	}
	prev := r.sessions[conversationID]
	if prev == s {
		r.mu.Unlock()
		return nil
	}
	if prev != nil && prev.State() == StateStreaming {
		r.mu.Unlock()
		return ErrAlreadyStreaming
	}
	r.sessions[conversationID] = s
	s.setState(StateReady)
	r.mu.Unlock()

	if prev != nil {
		log.Info().
			Str("component", "registry").
			Str("conv_id", conversationID).
			Str("session_id", prev.ID()).
			Str("superseded_by", s.ID()).
			Msg("session superseded")
		prev.stop(ErrSuperseded)
	}
	return nil
}

// Unregister removes the entry only if it still refers to s.
func (r *Registry) Unregister(conversationID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[conversationID] != s {
		return false
	}
	delete(r.sessions, conversationID)
	return true
}

func (r *Registry) Lookup(conversationID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conversationID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Evict closes the live session of a conversation that is about to be removed.
// It refuses while a turn is in flight.
func (r *Registry) Evict(conversationID string) error {
	r.mu.Lock()
	s := r.sessions[conversationID]
	if s == nil {
		r.mu.Unlock()
		return nil
	}
	if s.State() == StateStreaming {
		r.mu.Unlock()
		return ErrAlreadyStreaming
	}
	delete(r.sessions, conversationID)
	r.mu.Unlock()

	s.stop(ErrEvicted)
	return nil
}

// CloseAll stops every live session and waits for them to finish tearing
// down, or for ctx to expire. Later registrations fail with ErrShuttingDown.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		live = append(live, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range live {
		s.stop(ErrShuttingDown)
	}
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(live) > 0 {
		log.Info().Str("component", "registry").Int("sessions", len(live)).Msg("closed live sessions")
	}
	return nil
}

func (r *Registry) beginTurn(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.conversationID] != s {
		return ErrSuperseded
	}
	if s.State() != StateReady {
		return ErrAlreadyStreaming
	}
	s.setState(StateStreaming)
	return nil
}

func (r *Registry) endTurn(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.State() == StateStreaming {
		s.setState(StateReady)
	}
}
