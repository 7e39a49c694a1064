// Package orchestrator drives one user message through the turn state
// machine: AwaitingModel, a bounded number of tool invocations, and a
// final response. Every envelope it produces is appended to the session's
// history before it is handed to the transport, so a turn is recorded even
// when delivery fails.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prontohq/pronto/internal/observability"
	"github.com/prontohq/pronto/pkg/agent"
	"github.com/prontohq/pronto/pkg/history"
	"github.com/prontohq/pronto/pkg/ident"
	"github.com/prontohq/pronto/pkg/laneq"
	"github.com/prontohq/pronto/pkg/protocol"
	"github.com/prontohq/pronto/pkg/retrieval"
	"github.com/prontohq/pronto/pkg/session"
	"github.com/prontohq/pronto/pkg/tools"
)

// Emit hands one envelope to the transport. Called after the envelope has
// been appended to history; implementations must not block for long.
type Emit func(protocol.Envelope)

// DefaultSystemPrompt is the assistant persona used when config provides
// none.
const DefaultSystemPrompt = `You are a professional, courteous pizza restaurant assistant.
Answer questions about the restaurant, menu items, ingredients, pricing, and hours.
Provide succinct, factual information; do not invent details.
Only place an order when the user explicitly confirms they want to order and has
provided at least the pizza type, size, quantity, and delivery address; ask a
clarifying question first if any detail is missing.
Use query_documents to look up restaurant information and query_memory to recall
earlier conversation.`

const apologyResponse = "I'm sorry, I'm having trouble reaching the kitchen right now. Please try again in a moment."

// Config wires the orchestrator's collaborators.
type Config struct {
	History  *history.Store
	Registry *session.Registry
	Tools    *tools.Registry
	Client   *agent.Client
	Memory   *retrieval.MemoryIndex // optional; records exchanges for recall
	Queue    *laneq.Queue

	SystemPrompt  string
	ToolBudget    int // max tool invocations per turn; default 5
	HistoryWindow int // envelopes of context sent to the model; 0 = full
	Logger        zerolog.Logger
}

// Orchestrator converts user messages into correlated envelope sequences.
type Orchestrator struct {
	history  *history.Store
	registry *session.Registry
	tools    *tools.Registry
	client   *agent.Client
	memory   *retrieval.MemoryIndex
	queue    *laneq.Queue

	systemPrompt  string
	toolBudget    int
	historyWindow int
	logger        zerolog.Logger

	attemptsMu sync.Mutex
	attempts   map[string]map[string]int // session id -> invocation key -> count
}

// New builds an orchestrator.
func New(cfg Config) *Orchestrator {
	budget := cfg.ToolBudget
	if budget <= 0 {
		budget = 5
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	queue := cfg.Queue
	if queue == nil {
		queue = laneq.New()
	}
	return &Orchestrator{
		history:       cfg.History,
		registry:      cfg.Registry,
		tools:         cfg.Tools,
		client:        cfg.Client,
		memory:        cfg.Memory,
		queue:         queue,
		systemPrompt:  prompt,
		toolBudget:    budget,
		historyWindow: cfg.HistoryWindow,
		logger:        cfg.Logger,
		attempts:      make(map[string]map[string]int),
	}
}

// Queue exposes the turn queue, for shutdown.
func (o *Orchestrator) Queue() *laneq.Queue {
	return o.queue
}

// Submit queues a turn on the session's lane and blocks until it finishes.
// Turns on one session run strictly one at a time; a message arriving while
// a turn is in flight waits behind it instead of being rejected.
func (o *Orchestrator) Submit(ctx context.Context, sess *session.Session, userText string, emit Emit) error {
	_, err := o.queue.Enqueue(ctx, sess.ID, func(taskCtx context.Context) (interface{}, error) {
		return nil, o.RunTurn(taskCtx, sess, userText, emit)
	})
	return err
}

// RunTurn executes one turn to completion. The returned error covers
// infrastructure failures only (history writes); model and tool failures
// end the turn with well-formed error envelopes and a nil return.
func (o *Orchestrator) RunTurn(ctx context.Context, sess *session.Session, userText string, emit Emit) error {
	start := time.Now()

	userEnv := protocol.New(sess.ID, sess.ConversationID)
	userEnv.Stage = protocol.StageUser
	userEnv.Status = protocol.StatusSuccess
	userEnv.Content = userText

	userEnv, err := o.record(sess.ID, userEnv, emit)
	if err != nil {
		return fmt.Errorf("failed to record user envelope: %w", err)
	}

	messages, err := o.contextWindow(sess.ID)
	if err != nil {
		return fmt.Errorf("failed to build model context: %w", err)
	}

	o.registry.Touch(sess.ID)

	lastID := userEnv.MessageID
	toolCalls := 0
	schemas := o.tools.Schemas()

	for {
		decision, err := o.client.Decide(ctx, o.systemPrompt, messages, schemas)
		if err != nil {
			o.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Model call failed")
			final := protocol.New(sess.ID, sess.ConversationID)
			final.Stage = protocol.StageFinalResponse
			final.Status = protocol.StatusError
			final.ParentID = lastID
			final.Response = apologyResponse
			final.Error = fmt.Sprintf("model backend failure: %v", err)
			if _, err := o.record(sess.ID, final, emit); err != nil {
				return fmt.Errorf("failed to record final envelope: %w", err)
			}
			observability.RecordTurn("model_error", time.Since(start), toolCalls)
			return nil
		}

		if decision.Kind == agent.DecisionText {
			final := protocol.New(sess.ID, sess.ConversationID)
			final.Stage = protocol.StageFinalResponse
			final.Status = protocol.StatusSuccess
			final.ParentID = lastID
			final.Response = decision.Text
			if _, err := o.record(sess.ID, final, emit); err != nil {
				return fmt.Errorf("failed to record final envelope: %w", err)
			}
			o.remember(ctx, sess.ID, userText, decision.Text)
			observability.RecordTurn("success", time.Since(start), toolCalls)
			return nil
		}

		// Tool-call decision. The model may text along with its calls;
		// surface that as an initial_response so the client sees it.
		if decision.Text != "" {
			interim := protocol.New(sess.ID, sess.ConversationID)
			interim.Stage = protocol.StageInitialResponse
			interim.Status = protocol.StatusSuccess
			interim.ParentID = lastID
			interim.Response = decision.Text
			interim, err = o.record(sess.ID, interim, emit)
			if err != nil {
				return fmt.Errorf("failed to record interim envelope: %w", err)
			}
			lastID = interim.MessageID
		}

		for _, call := range decision.Calls {
			if toolCalls >= o.toolBudget {
				final := protocol.New(sess.ID, sess.ConversationID)
				final.Stage = protocol.StageFinalResponse
				final.Status = protocol.StatusError
				final.ParentID = lastID
				final.Response = "I couldn't complete that request: it required more tool calls than allowed in one turn."
				final.Error = fmt.Sprintf("tool call budget of %d exhausted", o.toolBudget)
				if _, err := o.record(sess.ID, final, emit); err != nil {
					return fmt.Errorf("failed to record final envelope: %w", err)
				}
				observability.RecordTurn("budget_exceeded", time.Since(start), toolCalls)
				return nil
			}
			toolCalls++

			toolCallID := call.ID
			if toolCallID == "" {
				toolCallID = ident.NewToolCallID()
			}

			callEnv := protocol.New(sess.ID, sess.ConversationID)
			callEnv.Stage = protocol.StageToolCall
			callEnv.Status = protocol.StatusSuccess
			callEnv.ParentID = lastID
			callEnv.ToolCallID = toolCallID
			callEnv.Tool = call.Name
			callEnv.Arguments = call.Arguments
			callEnv, err = o.record(sess.ID, callEnv, emit)
			if err != nil {
				return fmt.Errorf("failed to record tool_call envelope: %w", err)
			}
			lastID = callEnv.MessageID

			outcome := o.invoke(ctx, sess.ID, toolCallID, call)
			outcome.env.ParentID = lastID
			recorded, err := o.record(sess.ID, outcome.env, emit)
			if err != nil {
				return fmt.Errorf("failed to record tool outcome envelope: %w", err)
			}
			lastID = recorded.MessageID

			// Fold the call and its outcome back into the model context.
			messages = append(messages,
				agent.Message{
					Role:      "assistant",
					Content:   "",
					ToolCalls: []agent.ToolCall{{ID: toolCallID, Name: call.Name, Arguments: call.Arguments}},
				},
				agent.Message{
					Role:       "tool",
					ToolCallID: toolCallID,
					ToolName:   call.Name,
					Content:    outcome.feedback,
				},
			)
		}
	}
}

type toolOutcome struct {
	env      protocol.Envelope
	feedback string // what the model sees
}

// invoke resolves, validates, and executes one tool call, producing the
// outcome envelope (tool_missing, tool_args, tool_exec, or tool_result)
// with the invocation's tool_call_id.
func (o *Orchestrator) invoke(ctx context.Context, sessionID, toolCallID string, call agent.ToolCall) toolOutcome {
	env := protocol.New(sessionID, "")
	env.ToolCallID = toolCallID
	env.Tool = call.Name

	if sess, ok := o.registry.Get(sessionID); ok {
		env.ConversationID = sess.ConversationID
	}

	if _, ok := o.tools.Resolve(call.Name); !ok {
		env.Stage = protocol.StageToolMissing
		env.Status = protocol.StatusError
		env.Error = fmt.Sprintf("tool not found: %s", call.Name)
		observability.RecordToolExecution(call.Name, 0, false)
		return toolOutcome{env: env, feedback: fmt.Sprintf("Error: the tool %q does not exist. Do not call it again; use only the tools provided.", call.Name)}
	}

	if verr := o.tools.Validate(call.Name, call.Arguments); verr != nil {
		env.Stage = protocol.StageToolArgs
		env.Status = protocol.StatusError
		env.Error = verr.Error()
		observability.RecordToolExecution(call.Name, 0, false)
		return toolOutcome{env: env, feedback: fmt.Sprintf("Error: invalid arguments for %s: %s. Correct the arguments and try again, or answer without the tool.", call.Name, verr.Error())}
	}

	result := o.tools.Execute(ctx, call.Name, call.Arguments)
	observability.RecordToolExecution(call.Name, result.Elapsed, result.Success)

	env.ExecutionMS = result.Elapsed.Milliseconds()

	if !result.Success {
		env.Stage = protocol.StageToolExec
		env.Status = protocol.StatusError
		env.Error = result.Error
		return toolOutcome{env: env, feedback: fmt.Sprintf("Error: %s failed: %s", call.Name, result.Error)}
	}

	payload, err := json.Marshal(result.Output)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", result.Output))
	}

	env.Stage = protocol.StageToolResult
	env.Status = protocol.StatusSuccess
	env.Response = string(payload)

	feedback := string(payload)
	if n := o.recordAttempt(sessionID, call); n > 1 {
		feedback += fmt.Sprintf("\n(Note: this exact tool invocation has now been made %d times this session.)", n)
	}
	return toolOutcome{env: env, feedback: feedback}
}

// recordAttempt counts identical invocations (tool name plus arguments)
// within a session so repeats can be surfaced to the model.
func (o *Orchestrator) recordAttempt(sessionID string, call agent.ToolCall) int {
	args, err := json.Marshal(call.Arguments)
	if err != nil {
		args = []byte("{}")
	}
	key := call.Name + ":" + string(args)

	o.attemptsMu.Lock()
	defer o.attemptsMu.Unlock()
	if o.attempts[sessionID] == nil {
		o.attempts[sessionID] = make(map[string]int)
	}
	o.attempts[sessionID][key]++
	return o.attempts[sessionID][key]
}

// record appends an envelope to history and only then emits it.
func (o *Orchestrator) record(sessionID string, env protocol.Envelope, emit Emit) (protocol.Envelope, error) {
	appended, err := o.history.Append(sessionID, env)
	if err != nil {
		return protocol.Envelope{}, err
	}
	observability.RecordEnvelopeEmitted(string(appended.Stage))
	if emit != nil {
		emit(appended)
	}
	return appended, nil
}

// contextWindow replays the session history into model messages, bounded
// by the configured window. Persistence always keeps the full history.
func (o *Orchestrator) contextWindow(sessionID string) ([]agent.Message, error) {
	envelopes, err := o.history.Replay(sessionID)
	if err != nil {
		return nil, err
	}
	if o.historyWindow > 0 && len(envelopes) > o.historyWindow {
		envelopes = envelopes[len(envelopes)-o.historyWindow:]
	}

	var messages []agent.Message
	for _, env := range envelopes {
		switch env.Stage {
		case protocol.StageUser:
			messages = append(messages, agent.Message{Role: "user", Content: env.Content})
		case protocol.StageInitialResponse, protocol.StageFinalResponse:
			content := env.Response
			if content == "" {
				content = env.Content
			}
			if content != "" {
				messages = append(messages, agent.Message{Role: "assistant", Content: content})
			}
		case protocol.StageToolCall:
			messages = append(messages, agent.Message{
				Role:      "assistant",
				ToolCalls: []agent.ToolCall{{ID: env.ToolCallID, Name: env.Tool, Arguments: env.Arguments}},
			})
		case protocol.StageToolResult:
			messages = append(messages, agent.Message{
				Role:       "tool",
				ToolCallID: env.ToolCallID,
				ToolName:   env.Tool,
				Content:    env.Response,
			})
		case protocol.StageToolExec, protocol.StageToolArgs, protocol.StageToolMissing:
			messages = append(messages, agent.Message{
				Role:       "tool",
				ToolCallID: env.ToolCallID,
				ToolName:   env.Tool,
				Content:    "Error: " + env.Error,
			})
		}
	}
	return messages, nil
}

// remember indexes the exchange for later query_memory recall. Failures
// only log; recall is best effort.
func (o *Orchestrator) remember(ctx context.Context, sessionID, userText, response string) {
	if o.memory == nil {
		return
	}
	if err := o.memory.Add(ctx, sessionID, "user", userText); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to index user message")
	}
	if err := o.memory.Add(ctx, sessionID, "assistant", response); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to index assistant response")
	}
}
