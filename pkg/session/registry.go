// Package session owns session lifecycle: create, resume, transport binding,
// and idle expiry. A session is a durable identity spanning possibly many
// transport connections; its history lives in the history store and survives
// both disconnects and expiry.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/prontohq/pronto/internal/observability"
	"github.com/prontohq/pronto/pkg/history"
	"github.com/prontohq/pronto/pkg/ident"
	"github.com/rs/zerolog"
)

// Transport is the live connection handle bound to a session. The registry
// only ever closes it; reading and writing belong to the gateway.
type Transport interface {
	Close() error
}

// Session is a registry entry. All mutation goes through the registry.
type Session struct {
	ID             string
	ConversationID string
	CreatedAt      time.Time

	mu           sync.Mutex
	transport    Transport
	lastActivity time.Time
	expired      bool
}

// Connected reports whether a live transport is bound.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// Expired reports whether the session has been expired.
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

// LastActivity returns the most recent activity instant.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Registry maps session ids to connection state and owns session lifecycle.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	store    *history.Store
	idleTTL  time.Duration
	logger   zerolog.Logger
}

// Config holds registry configuration.
type Config struct {
	Store   *history.Store
	IdleTTL time.Duration
	Logger  zerolog.Logger
}

// NewRegistry creates a session registry backed by the given history store.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}

	return &Registry{
		sessions: make(map[string]*Session),
		store:    cfg.Store,
		idleTTL:  cfg.IdleTTL,
		logger:   cfg.Logger,
	}, nil
}

// History returns the registry's history store.
func (r *Registry) History() *history.Store {
	return r.store
}

// Open resolves a session. A known, unexpired id resumes (conversation id and
// sequence counter untouched). An unknown id with persisted history is
// rehydrated, so sessions survive process restarts. Anything else creates a
// brand-new session with fresh ids. The registry mutex makes registration
// atomic: two concurrent opens of one unknown id resolve to a single session,
// the first registration wins and the second caller resumes it.
func (r *Registry) Open(sessionID string) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessionID != "" {
		if err := history.ValidateSessionID(sessionID); err != nil {
			return nil, false, err
		}

		if sess, ok := r.sessions[sessionID]; ok {
			if !sess.Expired() {
				r.touchLocked(sess)
				observability.RecordSessionOpen("resumed")
				return sess, true, nil
			}
			// Expired ids are never resumed; the entry stays in the map as a
			// tombstone so the rehydration path below cannot resurrect the
			// session from its history file. Fall through to a fresh session
			// under a new identity.
		} else if sess, ok := r.rehydrate(sessionID); ok {
			r.sessions[sessionID] = sess
			r.logger.Info().
				Str("session_id", sessionID).
				Str("conversation_id", sess.ConversationID).
				Msg("Session rehydrated from history")
			observability.RecordSessionOpen("rehydrated")
			observability.SetActiveSessions(r.countLocked())
			return sess, true, nil
		}
	}

	sess := &Session{
		ID:             ident.NewSessionID(),
		ConversationID: ident.NewConversationID(),
		CreatedAt:      ident.Now(),
		lastActivity:   ident.Now(),
	}
	r.sessions[sess.ID] = sess

	r.logger.Info().
		Str("session_id", sess.ID).
		Str("conversation_id", sess.ConversationID).
		Msg("Session created")
	observability.RecordSessionOpen("new")
	observability.SetActiveSessions(r.countLocked())

	return sess, false, nil
}

// rehydrate rebuilds a session entry from persisted history, recovering the
// conversation id from the most recent envelope.
func (r *Registry) rehydrate(sessionID string) (*Session, bool) {
	envs, err := r.store.Replay(sessionID)
	if err != nil || len(envs) == 0 {
		return nil, false
	}

	conversationID := envs[len(envs)-1].ConversationID
	if conversationID == "" {
		return nil, false
	}

	return &Session{
		ID:             sessionID,
		ConversationID: conversationID,
		CreatedAt:      envs[0].Timestamp,
		lastActivity:   ident.Now(),
	}, true
}

// Get returns the registry entry for a session id, if present.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// BindTransport attaches a live connection to a session, force-closing any
// previous binding. A session owns at most one live transport at a time.
func (r *Registry) BindTransport(sessionID string, t Transport) error {
	sess, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}

	sess.mu.Lock()
	prev := sess.transport
	sess.transport = t
	sess.lastActivity = ident.Now()
	sess.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
		r.logger.Debug().Str("session_id", sessionID).Msg("Previous transport binding closed")
	}
	return nil
}

// UnbindTransport demotes a session to disconnected. History and identity
// persist; a later Open with the same id resumes.
func (r *Registry) UnbindTransport(sessionID string) {
	sess, ok := r.Get(sessionID)
	if !ok {
		return
	}

	sess.mu.Lock()
	sess.transport = nil
	sess.lastActivity = ident.Now()
	sess.mu.Unlock()

	r.logger.Debug().Str("session_id", sessionID).Msg("Transport unbound")
}

// Touch records activity on a session.
func (r *Registry) Touch(sessionID string) {
	sess, ok := r.Get(sessionID)
	if !ok {
		return
	}
	sess.mu.Lock()
	sess.lastActivity = ident.Now()
	sess.mu.Unlock()
}

func (r *Registry) touchLocked(sess *Session) {
	sess.mu.Lock()
	sess.lastActivity = ident.Now()
	sess.mu.Unlock()
}

// Expire marks a session expired and force-closes its transport binding.
// History files remain retrievable through the history store.
func (r *Registry) Expire(sessionID string) {
	sess, ok := r.Get(sessionID)
	if !ok {
		return
	}

	sess.mu.Lock()
	t := sess.transport
	sess.transport = nil
	sess.expired = true
	sess.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}

	r.logger.Info().Str("session_id", sessionID).Msg("Session expired")
	observability.SetActiveSessions(r.Count())
}

// Count returns the number of registered, unexpired sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked()
}

func (r *Registry) countLocked() int {
	n := 0
	for _, sess := range r.sessions {
		if !sess.Expired() {
			n++
		}
	}
	return n
}

// ActiveIDs returns the ids of registered, unexpired sessions.
func (r *Registry) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if !sess.Expired() {
			ids = append(ids, id)
		}
	}
	return ids
}
