// Package gateway exposes the chat protocol over a websocket endpoint plus
// HTTP routes for health, per-session stats, history replay, and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/prontohq/pronto/internal/observability"
	"github.com/prontohq/pronto/pkg/history"
	"github.com/prontohq/pronto/pkg/orchestrator"
	"github.com/prontohq/pronto/pkg/protocol"
	"github.com/prontohq/pronto/pkg/session"
)

// DefaultWelcome is the greeting sent once per connection.
const DefaultWelcome = `🍕 Welcome to the Pizza Restaurant Assistant!
📋 I can help you with:
   • Restaurant reviews and ratings
   • Menu information and recommendations
   • Order placement and tracking

💡 Try asking:
   • 'How is the pepperoni pizza?'
   • 'Tell me about your service'
   • 'I want to order 1 large veggie pizza to 456 Oak Avenue'

⌨️  Type 'exit' to end the session`

// Config holds gateway configuration.
type Config struct {
	Host         string
	Port         int
	Registry     *session.Registry
	History      *history.Store
	Orchestrator *orchestrator.Orchestrator
	Logger       zerolog.Logger
	WelcomeText  string
}

// Server serves the chat websocket and the HTTP surface.
type Server struct {
	host         string
	port         int
	registry     *session.Registry
	history      *history.Store
	orchestrator *orchestrator.Orchestrator
	logger       zerolog.Logger
	welcomeText  string

	server   *http.Server
	upgrader websocket.Upgrader

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	welcome := cfg.WelcomeText
	if welcome == "" {
		welcome = DefaultWelcome
	}

	return &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		registry:     cfg.Registry,
		history:      cfg.History,
		orchestrator: cfg.Orchestrator,
		logger:       cfg.Logger,
		welcomeText:  welcome,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler builds the HTTP mux, exported so tests can mount it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", s.handleChat)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/history", s.handleHistory)
	mux.Handle("/metrics", observability.MetricsHandler())
	return mux
}

// listenAddr joins the configured host and port. An empty host binds
// all interfaces.
func (s *Server) listenAddr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start begins serving. Non-blocking.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.listenAddr(),
		Handler: s.Handler(),
	}

	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting gateway")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Stop drains in-flight turns and shuts the server down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// wsTransport adapts a websocket connection to the session registry's
// transport binding. Writes are serialized through one mutex.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) WriteEnvelope(env protocol.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(env)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// inbound is the shape clients send: either a JSON object with a content
// field or a bare text frame.
type inbound struct {
	Content string `json:"content"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	requested := r.URL.Query().Get("session")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	sess, resumed, err := s.registry.Open(requested)
	if err != nil {
		s.logger.Error().Err(err).Str("requested", requested).Msg("Failed to open session")
		conn.Close()
		return
	}

	transport := &wsTransport{conn: conn}
	if err := s.registry.BindTransport(sess.ID, transport); err != nil {
		s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to bind transport")
		conn.Close()
		return
	}

	s.logger.Info().
		Str("session_id", sess.ID).
		Bool("resumed", resumed).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	welcome := protocol.Welcome(sess.ID, sess.ConversationID, s.welcomeText)
	if err := transport.WriteEnvelope(welcome); err != nil {
		s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to send welcome")
		s.registry.UnbindTransport(sess.ID)
		conn.Close()
		return
	}

	go s.serveSession(sess, transport)
}

// serveSession reads user messages until disconnect or an explicit exit.
func (s *Server) serveSession(sess *session.Session, transport *wsTransport) {
	defer s.registry.UnbindTransport(sess.ID)

	for {
		_, payload, err := transport.conn.ReadMessage()
		if err != nil {
			s.logger.Info().Str("session_id", sess.ID).Msg("Client disconnected")
			return
		}

		text := decodeInbound(payload)
		if text == "" {
			continue
		}

		if strings.EqualFold(strings.TrimSpace(text), "exit") {
			goodbye := protocol.Goodbye(sess.ID, sess.ConversationID)
			if err := transport.WriteEnvelope(goodbye); err != nil {
				s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to send goodbye")
			}
			transport.Close()
			return
		}

		if strings.EqualFold(strings.TrimSpace(text), "/stats") {
			s.sendSessionInfo(sess, transport)
			continue
		}

		s.inFlight.Add(1)
		// The turn runs to completion and persists even if the client
		// disconnects while it is in flight; a later resume replays it.
		err = s.orchestrator.Submit(context.Background(), sess, text, func(env protocol.Envelope) {
			if werr := transport.WriteEnvelope(env); werr != nil {
				s.logger.Warn().
					Err(werr).
					Str("session_id", sess.ID).
					Str("stage", string(env.Stage)).
					Msg("Failed to deliver envelope")
			}
		})
		s.inFlight.Done()
		if err != nil {
			s.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Turn failed")
		}
	}
}

func decodeInbound(payload []byte) string {
	var msg inbound
	if err := json.Unmarshal(payload, &msg); err == nil && msg.Content != "" {
		return msg.Content
	}
	return strings.TrimSpace(string(payload))
}

func (s *Server) sendSessionInfo(sess *session.Session, transport *wsTransport) {
	stats, err := s.history.Stats(sess.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to compute stats")
		return
	}
	content, err := json.Marshal(stats)
	if err != nil {
		return
	}
	info := protocol.SessionInfo(sess.ID, sess.ConversationID, string(content))
	if err := transport.WriteEnvelope(info); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to send session info")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	response := map[string]interface{}{
		"status":          "ok",
		"active_sessions": s.registry.Count(),
	}
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}
	if err := history.ValidateSessionID(sessionID); err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	stats, err := s.history.Stats(sessionID)
	if err != nil {
		http.Error(w, "failed to compute stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"session_id": sessionID,
		"stats":      stats,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}
	if err := history.ValidateSessionID(sessionID); err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	envelopes, err := s.history.Replay(sessionID)
	if err != nil {
		http.Error(w, "failed to replay history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(envelopes)
}
