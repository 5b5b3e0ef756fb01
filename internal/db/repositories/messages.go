package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"attache/pkg/models"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Create appends one message to a conversation log. ID and CreatedAt are
// assigned by the database; the returned message carries them.
func (r *MessageRepo) Create(ctx context.Context, msg *models.Message) (*models.Message, error) {
	var toolCalls interface{}
	if len(msg.ToolCalls) > 0 {
		toolCalls = msg.ToolCalls
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, tool_calls, tool_call_id, tool_name)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id, created_at`,
		msg.ConversationID, string(msg.Role), msg.Content, toolCalls, msg.ToolCallID, msg.ToolName)

	stored := *msg
	var createdAt sql.NullTime
	if err := row.Scan(&stored.ID, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	if createdAt.Valid {
		stored.CreatedAt = createdAt.Time
	}
	return &stored, nil
}

// ListRecent returns the most recent limit messages of a conversation in
// chronological order.
func (r *MessageRepo) ListRecent(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tool_calls, tool_call_id, tool_name, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse newest-first into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ListByConversation returns the full log in chronological order.
func (r *MessageRepo) ListByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, tool_calls, tool_call_id, tool_name, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (r *MessageRepo) CountByConversation(ctx context.Context, conversationID string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		var createdAt sql.NullTime

		err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&role,
			&msg.Content,
			&msg.ToolCalls,
			&msg.ToolCallID,
			&msg.ToolName,
			&createdAt,
		)
		if err != nil {
			return nil, err
		}

		msg.Role = models.Role(role)
		if createdAt.Valid {
			msg.CreatedAt = createdAt.Time
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}
