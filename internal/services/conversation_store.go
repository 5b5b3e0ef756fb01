package services

import (
	"context"
	"fmt"

	"attache/internal/db/repositories"
	"attache/internal/logging"
	"attache/pkg/models"
)

// ConversationStore is the persistence facade for conversation logs.
// Messages are append-only; a message written here is durable before the
// caller takes its next step.
type ConversationStore struct {
	repos         *repositories.Repositories
	historyWindow int
}

func NewConversationStore(repos *repositories.Repositories, historyWindow int) *ConversationStore {
	return &ConversationStore{
		repos:         repos,
		historyWindow: historyWindow,
	}
}

// Begin opens a new conversation for the given user.
func (s *ConversationStore) Begin(ctx context.Context, username string) (*models.Conversation, error) {
	conversation, err := s.repos.Conversations.Create(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to begin conversation: %w", err)
	}
	logging.Debug("Started conversation %s for user %s", conversation.ID, username)
	return conversation, nil
}

// Get returns one conversation by ID.
func (s *ConversationStore) Get(ctx context.Context, conversationID string) (*models.Conversation, error) {
	return s.repos.Conversations.GetByID(ctx, conversationID)
}

// List returns the most recently active conversations.
func (s *ConversationStore) List(ctx context.Context, limit int) ([]*models.Conversation, error) {
	return s.repos.Conversations.List(ctx, limit)
}

// Append persists one message at the end of the conversation log and
// bumps the conversation's activity timestamp.
func (s *ConversationStore) Append(ctx context.Context, msg *models.Message) (*models.Message, error) {
	stored, err := s.repos.Messages.Create(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	if err := s.repos.Conversations.Touch(ctx, msg.ConversationID); err != nil {
		logging.Debug("Failed to touch conversation %s: %v", msg.ConversationID, err)
	}
	return stored, nil
}

// LoadRecent returns the context window handed to the generator: the most
// recent messages of the conversation in chronological order. The window
// never opens on a tool message — a tool result whose requesting assistant
// message was evicted is an orphan both provider APIs reject.
func (s *ConversationStore) LoadRecent(ctx context.Context, conversationID string) ([]*models.Message, error) {
	messages, err := s.repos.Messages.ListRecent(ctx, conversationID, s.historyWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}

	for len(messages) > 0 && messages[0].Role == models.RoleTool {
		logging.Debug("Dropping orphan tool result %s from history window of %s", messages[0].ToolCallID, conversationID)
		messages = messages[1:]
	}
	return messages, nil
}

// LoadAll returns the full message log, for display rather than for
// generation.
func (s *ConversationStore) LoadAll(ctx context.Context, conversationID string) ([]*models.Message, error) {
	return s.repos.Messages.ListByConversation(ctx, conversationID)
}

// MessageCount returns the number of messages in a conversation.
func (s *ConversationStore) MessageCount(ctx context.Context, conversationID string) (int64, error) {
	return s.repos.Messages.CountByConversation(ctx, conversationID)
}

// Checkpoint records the orchestration state a conversation last reached.
// The stored value is informational; recovery replays from the message
// log, not from this field.
func (s *ConversationStore) Checkpoint(ctx context.Context, conversationID, state string, step int64) error {
	return s.repos.Conversations.UpdateState(ctx, conversationID, state, step)
}

// RecordToolCall writes the audit row for one executed capability call.
func (s *ConversationStore) RecordToolCall(ctx context.Context, conversationID, serverName string, call models.ToolCallRequest, result *models.CapabilityCallResult) error {
	record := &models.ToolCallRecord{
		ConversationID: conversationID,
		CallID:         call.ID,
		ToolName:       call.Name,
		ServerName:     serverName,
		Arguments:      models.JSONMap(call.Arguments),
		DurationMs:     result.Duration.Milliseconds(),
	}
	if result.Failed() {
		failure := result.Error
		record.Error = &failure
	} else {
		content := result.Content
		record.Result = &content
	}

	if _, err := s.repos.ToolCalls.Create(ctx, record); err != nil {
		return fmt.Errorf("failed to record tool call: %w", err)
	}
	return nil
}

// ToolCallHistory returns the audit trail of a conversation in execution
// order.
func (s *ConversationStore) ToolCallHistory(ctx context.Context, conversationID string) ([]*models.ToolCallRecord, error) {
	return s.repos.ToolCalls.ListByConversation(ctx, conversationID)
}
