package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prontohq/pronto/pkg/agent"
	"github.com/prontohq/pronto/pkg/history"
	"github.com/prontohq/pronto/pkg/orchestrator"
	"github.com/prontohq/pronto/pkg/protocol"
	"github.com/prontohq/pronto/pkg/session"
	"github.com/prontohq/pronto/pkg/tools"
)

type scriptedProvider struct {
	responses []*agent.Response
	calls     int
}

func (p *scriptedProvider) Chat(_ context.Context, _ agent.Request) (*agent.Response, error) {
	if p.calls >= len(p.responses) {
		return &agent.Response{Content: "I'm out of answers."}, nil
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

type testHarness struct {
	server   *Server
	registry *session.Registry
	store    *history.Store
	http     *httptest.Server
}

func newHarness(t *testing.T, responses ...*agent.Response) *testHarness {
	t.Helper()

	store, err := history.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry, err := session.NewRegistry(session.Config{
		Store:   store,
		IdleTTL: time.Minute,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	client := agent.NewClient(agent.ClientConfig{
		Provider: &scriptedProvider{responses: responses},
	})

	orch := orchestrator.New(orchestrator.Config{
		History:  store,
		Registry: registry,
		Tools:    tools.NewRegistry(0),
		Client:   client,
		Logger:   zerolog.Nop(),
	})

	server, err := NewServer(Config{
		Port:         8080,
		Registry:     registry,
		History:      store,
		Orchestrator: orch,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testHarness{server: server, registry: registry, store: store, http: ts}
}

func (h *testHarness) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws/chat"
	if sessionID != "" {
		url += "?session=" + sessionID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestListenAddr(t *testing.T) {
	tests := []struct {
		name string
		host string
		want string
	}{
		{name: "all interfaces", host: "0.0.0.0", want: "0.0.0.0:8765"},
		{name: "loopback only", host: "127.0.0.1", want: "127.0.0.1:8765"},
		{name: "empty host binds all", host: "", want: ":8765"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{host: tt.host, port: 8765}
			assert.Equal(t, tt.want, s.listenAddr())
		})
	}
}

func TestConnectSendsWelcome(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "")

	welcome := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeWelcome, welcome.Type)
	assert.NotEmpty(t, welcome.SessionID)
	assert.Contains(t, welcome.Content, "Pizza")
}

func TestChatRoundTrip(t *testing.T) {
	h := newHarness(t, &agent.Response{Content: "We open at 11am."})
	conn := h.dial(t, "")

	welcome := readEnvelope(t, conn)
	sessionID := welcome.SessionID

	require.NoError(t, conn.WriteJSON(map[string]string{"content": "When do you open?"}))

	user := readEnvelope(t, conn)
	assert.Equal(t, protocol.StageUser, user.Stage)
	assert.Equal(t, "When do you open?", user.Content)

	final := readEnvelope(t, conn)
	assert.Equal(t, protocol.StageFinalResponse, final.Stage)
	assert.Equal(t, "We open at 11am.", final.Content)
	assert.Equal(t, sessionID, final.SessionID)

	envs, err := h.store.Replay(sessionID)
	require.NoError(t, err)
	assert.Len(t, envs, 2)
}

func TestBareTextFramesAccepted(t *testing.T) {
	h := newHarness(t, &agent.Response{Content: "Hello!"})
	conn := h.dial(t, "")
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))

	user := readEnvelope(t, conn)
	assert.Equal(t, "hi", user.Content)
}

func TestExitClosesWithoutTurn(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "")

	welcome := readEnvelope(t, conn)
	require.NoError(t, conn.WriteJSON(map[string]string{"content": "exit"}))

	goodbye := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeGoodbye, goodbye.Type)

	// No user envelope was recorded for the exit message.
	envs, err := h.store.Replay(welcome.SessionID)
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestResumePreservesConversation(t *testing.T) {
	h := newHarness(t,
		&agent.Response{Content: "First answer."},
		&agent.Response{Content: "Second answer."},
	)

	conn := h.dial(t, "")
	welcome := readEnvelope(t, conn)
	sessionID := welcome.SessionID
	conversationID := welcome.ConversationID

	require.NoError(t, conn.WriteJSON(map[string]string{"content": "first"}))
	readEnvelope(t, conn) // user
	readEnvelope(t, conn) // final
	conn.Close()

	// Give the read loop a moment to observe the close and unbind.
	time.Sleep(100 * time.Millisecond)

	again := h.dial(t, sessionID)
	welcome2 := readEnvelope(t, again)
	assert.Equal(t, sessionID, welcome2.SessionID)
	assert.Equal(t, conversationID, welcome2.ConversationID)

	require.NoError(t, again.WriteJSON(map[string]string{"content": "second"}))
	user := readEnvelope(t, again)
	final := readEnvelope(t, again)
	assert.Equal(t, int64(3), user.Sequence)
	assert.Equal(t, int64(4), final.Sequence)
	assert.Equal(t, conversationID, final.ConversationID)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestHistoryEndpoint(t *testing.T) {
	h := newHarness(t, &agent.Response{Content: "Sure thing."})
	conn := h.dial(t, "")
	welcome := readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"content": "hello"}))
	readEnvelope(t, conn)
	readEnvelope(t, conn)

	resp, err := http.Get(h.http.URL + "/history?session=" + welcome.SessionID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var envs []protocol.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envs))
	assert.Len(t, envs, 2)
}

func TestHistoryEndpointRejectsBadSession(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.http.URL + "/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(h.http.URL + "/history?session=../etc/passwd")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	h := newHarness(t, &agent.Response{Content: "Done."})
	conn := h.dial(t, "")
	welcome := readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"content": "hello"}))
	readEnvelope(t, conn)
	readEnvelope(t, conn)

	resp, err := http.Get(h.http.URL + "/stats?session=" + welcome.SessionID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, welcome.SessionID, body["session_id"])
}
