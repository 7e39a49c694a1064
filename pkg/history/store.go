// Package history is the append-only per-session envelope log. It owns
// sequence assignment and envelope durability: every envelope a turn produces
// is appended here before it is handed to any transport.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prontohq/pronto/internal/observability"
	"github.com/prontohq/pronto/pkg/protocol"
	"github.com/rs/zerolog/log"
)

// Stats aggregates a session's persisted history.
type Stats struct {
	UserCount      int       `json:"user_count"`
	AssistantCount int       `json:"assistant_count"`
	TotalCount     int       `json:"total_count"`
	ApproxTokens   int       `json:"approx_token_estimate"`
	LastMessageAt  time.Time `json:"last_message_at"`
}

// sessionState carries the mutable per-session bookkeeping. Its mutex is the
// only lock held during an append, so appends to different sessions proceed
// fully in parallel.
type sessionState struct {
	mu        sync.Mutex
	recovered bool
	nextSeq   int64
	known     map[string]bool // message ids already appended
	stats     Stats
}

// Store persists one JSONL record stream per session.
type Store struct {
	dir      string
	mu       sync.Mutex // guards sessions map only
	sessions map[string]*sessionState
}

// NewStore creates a history store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("history directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	s := &Store{
		dir:      dir,
		sessions: make(map[string]*sessionState),
	}

	log.Info().Str("dir", dir).Msg("History store initialized")
	return s, nil
}

// ValidateSessionID rejects session ids that could escape the history
// directory.
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(sessionID, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(sessionID, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

func (s *Store) state(sessionID string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		st = &sessionState{known: make(map[string]bool)}
		s.sessions[sessionID] = st
	}
	return st
}

// recoverLocked rebuilds the sequence counter, known-id set, and stats from
// the session file. Caller holds st.mu.
func (s *Store) recoverLocked(sessionID string, st *sessionState) error {
	if st.recovered {
		return nil
	}
	st.nextSeq = 1

	envs, err := s.scan(sessionID)
	if err != nil {
		return err
	}
	for i := range envs {
		e := &envs[i]
		st.known[e.MessageID] = true
		if e.Sequence >= st.nextSeq {
			st.nextSeq = e.Sequence + 1
		}
		accumulate(&st.stats, e)
	}
	st.recovered = true
	return nil
}

func accumulate(stats *Stats, e *protocol.Envelope) {
	stats.TotalCount++
	switch e.Stage {
	case protocol.StageUser:
		stats.UserCount++
	case protocol.StageFinalResponse, protocol.StageInitialResponse:
		stats.AssistantCount++
	}
	// Rough estimation: 1 token is about 4 characters.
	chars := len(e.Content) + len(e.Response) + len(e.Error)
	stats.ApproxTokens += (chars + 3) / 4
	if e.Timestamp.After(stats.LastMessageAt) {
		stats.LastMessageAt = e.Timestamp
	}
}

// Append assigns the next sequence number to the envelope, persists it, and
// returns the completed envelope. Assignment and write are atomic with
// respect to concurrent appends on the same session.
func (s *Store) Append(sessionID string, e protocol.Envelope) (protocol.Envelope, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return protocol.Envelope{}, err
	}
	if e.Transient() {
		return protocol.Envelope{}, fmt.Errorf("transient envelope %q is not persisted", e.Type)
	}
	if err := protocol.Validate(&e); err != nil {
		return protocol.Envelope{}, err
	}

	st := s.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.recoverLocked(sessionID, st); err != nil {
		return protocol.Envelope{}, err
	}

	if st.known[e.MessageID] {
		return protocol.Envelope{}, fmt.Errorf("duplicate message id: %s", e.MessageID)
	}
	if e.ParentID != "" && !st.known[e.ParentID] {
		return protocol.Envelope{}, fmt.Errorf("parent %s not in session history", e.ParentID)
	}

	e.SessionID = sessionID
	e.Sequence = st.nextSeq

	data, err := json.Marshal(e)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	file, err := os.OpenFile(s.path(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return protocol.Envelope{}, fmt.Errorf("failed to write envelope: %w", err)
	}
	if err := file.Sync(); err != nil {
		return protocol.Envelope{}, fmt.Errorf("failed to sync session file: %w", err)
	}

	st.nextSeq++
	st.known[e.MessageID] = true
	accumulate(&st.stats, &e)
	observability.RecordHistoryAppend()

	log.Debug().
		Str("session_id", sessionID).
		Int64("sequence", e.Sequence).
		Str("stage", string(e.Stage)).
		Msg("Envelope appended")

	return e, nil
}

// Replay returns the session's full envelope sequence in append order. A
// fresh replay always starts at sequence 1; a missing session replays empty.
func (s *Store) Replay(sessionID string) ([]protocol.Envelope, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	start := time.Now()
	st := s.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	envs, err := s.scan(sessionID)
	if err != nil {
		return nil, err
	}
	observability.RecordHistoryReplay(time.Since(start))
	return envs, nil
}

// scan reads the session file, skipping corrupt lines.
func (s *Store) scan(sessionID string) ([]protocol.Envelope, error) {
	file, err := os.Open(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return []protocol.Envelope{}, nil
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	var envs []protocol.Envelope
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var e protocol.Envelope
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			log.Warn().
				Str("session_id", sessionID).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse history line, skipping")
			continue
		}
		if e.MessageID == "" {
			log.Warn().
				Str("session_id", sessionID).
				Int("line", lineNum).
				Msg("History line missing message id, skipping")
			continue
		}
		envs = append(envs, e)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	if envs == nil {
		envs = []protocol.Envelope{}
	}
	return envs, nil
}

// Stats returns aggregate counters for a session.
func (s *Store) Stats(sessionID string) (Stats, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return Stats{}, err
	}

	st := s.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.recoverLocked(sessionID, st); err != nil {
		return Stats{}, err
	}
	return st.stats, nil
}

// NextSequence reports the sequence number the next append would receive.
func (s *Store) NextSequence(sessionID string) (int64, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return 0, err
	}

	st := s.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.recoverLocked(sessionID, st); err != nil {
		return 0, err
	}
	return st.nextSeq, nil
}

// ListSessions lists the session ids with a history file on disk.
func (s *Store) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		sessions = append(sessions, strings.TrimSuffix(name, ".jsonl"))
	}
	return sessions, nil
}

// Close drops in-memory bookkeeping. History files stay on disk.
func (s *Store) Close() error {
	s.mu.Lock()
	s.sessions = make(map[string]*sessionState)
	s.mu.Unlock()
	return nil
}
