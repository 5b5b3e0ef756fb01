package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"attache/internal/generator"
	"attache/internal/logging"
	"attache/pkg/models"
)

// State is the orchestration state of a turn. It moves GENERATING ->
// AWAITING_TOOLS -> GENERATING ... until the model answers without
// requesting capabilities, which lands the turn in DONE.
type State string

const (
	StateGenerating    State = "generating"
	StateAwaitingTools State = "awaiting_tools"
	StateDone          State = "done"
)

// ErrTurnBudgetExceeded reports that a turn hit the generation cap before
// the model produced a final answer. Everything persisted up to that point
// remains in the log.
var ErrTurnBudgetExceeded = errors.New("turn exceeded its generation budget")

// ConversationStore is the persistence surface the loop needs. Append must
// be durable before it returns; the loop never takes a step whose inputs
// are not already on disk.
type ConversationStore interface {
	Append(ctx context.Context, msg *models.Message) (*models.Message, error)
	LoadRecent(ctx context.Context, conversationID string) ([]*models.Message, error)
	Checkpoint(ctx context.Context, conversationID, state string, step int64) error
}

// ToolGateway executes capability calls. Execute is total: call-local
// failures come back inside the result, never as a Go error.
type ToolGateway interface {
	ListCapabilities(ctx context.Context) ([]models.CapabilityDescriptor, error)
	Execute(ctx context.Context, call models.ToolCallRequest) *models.CapabilityCallResult
}

// ToolCallAuditor is implemented by stores that keep an audit trail of
// executed calls. Auditing is best-effort and never affects the turn.
type ToolCallAuditor interface {
	RecordToolCall(ctx context.Context, conversationID, serverName string, call models.ToolCallRequest, result *models.CapabilityCallResult) error
}

// Loop drives one user turn to completion: persist the user message,
// generate, execute any requested capabilities, feed the results back,
// and repeat until the model produces a final answer.
type Loop struct {
	store    ConversationStore
	gateway  ToolGateway
	gen      generator.ResponseGenerator
	maxTurns int
}

func New(store ConversationStore, gateway ToolGateway, gen generator.ResponseGenerator, maxTurns int) *Loop {
	return &Loop{
		store:    store,
		gateway:  gateway,
		gen:      gen,
		maxTurns: maxTurns,
	}
}

// RunTurn processes one user input and returns every message the turn
// persisted, ending with the final assistant answer on success. On a
// turn-fatal error the messages persisted so far are returned alongside
// the error; the log is always a consistent prefix of the turn.
func (l *Loop) RunTurn(ctx context.Context, conversationID, userInput string) ([]*models.Message, error) {
	var produced []*models.Message

	userMsg, err := l.store.Append(ctx, &models.Message{
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        userInput,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}
	produced = append(produced, userMsg)

	capabilities, err := l.gateway.ListCapabilities(ctx)
	if err != nil {
		return produced, fmt.Errorf("failed to list capabilities: %w", err)
	}

	for step := int64(1); ; step++ {
		if step > int64(l.maxTurns) {
			l.checkpoint(ctx, conversationID, StateDone, step-1)
			return produced, fmt.Errorf("%w after %d steps", ErrTurnBudgetExceeded, l.maxTurns)
		}

		l.checkpoint(ctx, conversationID, StateGenerating, step)

		history, err := l.store.LoadRecent(ctx, conversationID)
		if err != nil {
			return produced, fmt.Errorf("failed to load conversation history: %w", err)
		}

		outcome, err := l.gen.Generate(ctx, history, capabilities)
		if err != nil {
			return produced, fmt.Errorf("generation failed: %w", err)
		}
		if outcome.Usage != nil {
			logging.Debug("Step %d usage: in=%d out=%d", step, outcome.Usage.InputTokens, outcome.Usage.OutputTokens)
		}

		assistantMsg, err := l.store.Append(ctx, &models.Message{
			ConversationID: conversationID,
			Role:           models.RoleAssistant,
			Content:        outcome.Answer,
			ToolCalls:      models.ToolCallRequests(outcome.Calls),
		})
		if err != nil {
			return produced, fmt.Errorf("failed to persist assistant message: %w", err)
		}
		produced = append(produced, assistantMsg)

		if outcome.Kind != generator.OutcomeCapabilityRequest {
			l.checkpoint(ctx, conversationID, StateDone, step)
			return produced, nil
		}

		l.checkpoint(ctx, conversationID, StateAwaitingTools, step)

		for _, call := range outcome.Calls {
			result := l.gateway.Execute(ctx, call)
			l.audit(ctx, conversationID, capabilities, call, result)

			toolMsg, err := l.store.Append(ctx, &models.Message{
				ConversationID: conversationID,
				Role:           models.RoleTool,
				Content:        resultPayload(result),
				ToolCallID:     call.ID,
				ToolName:       call.Name,
			})
			if err != nil {
				return produced, fmt.Errorf("failed to persist tool result: %w", err)
			}
			produced = append(produced, toolMsg)
		}
	}
}

// resultPayload renders a call result as the tool message body. Failures
// become a JSON error object so the model sees what went wrong and can
// retry, work around it, or explain.
func resultPayload(result *models.CapabilityCallResult) string {
	if result.Failed() {
		payload, err := json.Marshal(map[string]string{"error": result.Error})
		if err != nil {
			return `{"error": "tool execution failed"}`
		}
		return string(payload)
	}
	return result.Content
}

// checkpoint records loop progress. Checkpoint failures are logged and
// swallowed: the message log is the source of truth, the state column is
// advisory.
func (l *Loop) checkpoint(ctx context.Context, conversationID string, state State, step int64) {
	if err := l.store.Checkpoint(ctx, conversationID, string(state), step); err != nil {
		logging.Debug("Checkpoint %s/%d for conversation %s failed: %v", state, step, conversationID, err)
	}
}

func (l *Loop) audit(ctx context.Context, conversationID string, capabilities []models.CapabilityDescriptor, call models.ToolCallRequest, result *models.CapabilityCallResult) {
	auditor, ok := l.store.(ToolCallAuditor)
	if !ok {
		return
	}

	serverName := ""
	for _, capability := range capabilities {
		if capability.Name == call.Name {
			serverName = capability.ServerName
			break
		}
	}

	if err := auditor.RecordToolCall(ctx, conversationID, serverName, call, result); err != nil {
		logging.Debug("Failed to audit tool call %s: %v", call.ID, err)
	}
}
