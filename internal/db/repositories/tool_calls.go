package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"attache/pkg/models"
)

type ToolCallRepo struct {
	db *sql.DB
}

func NewToolCallRepo(db *sql.DB) *ToolCallRepo {
	return &ToolCallRepo{db: db}
}

// Create records the audit row for one executed capability call.
func (r *ToolCallRepo) Create(ctx context.Context, record *models.ToolCallRecord) (*models.ToolCallRecord, error) {
	var arguments interface{}
	if len(record.Arguments) > 0 {
		arguments = record.Arguments
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO tool_calls (conversation_id, call_id, tool_name, server_name, arguments, result, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id, created_at`,
		record.ConversationID, record.CallID, record.ToolName, record.ServerName,
		arguments, record.Result, record.Error, record.DurationMs)

	stored := *record
	var createdAt sql.NullTime
	if err := row.Scan(&stored.ID, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to create tool call record: %w", err)
	}
	if createdAt.Valid {
		stored.CreatedAt = createdAt.Time
	}
	return &stored, nil
}

// ListByConversation returns audit rows in execution order.
func (r *ToolCallRepo) ListByConversation(ctx context.Context, conversationID string) ([]*models.ToolCallRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conversation_id, call_id, tool_name, server_name, arguments, result, error, duration_ms, created_at
		FROM tool_calls
		WHERE conversation_id = ?
		ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool call records: %w", err)
	}
	defer rows.Close()

	var records []*models.ToolCallRecord
	for rows.Next() {
		var record models.ToolCallRecord
		var createdAt sql.NullTime

		err := rows.Scan(
			&record.ID,
			&record.ConversationID,
			&record.CallID,
			&record.ToolName,
			&record.ServerName,
			&record.Arguments,
			&record.Result,
			&record.Error,
			&record.DurationMs,
			&createdAt,
		)
		if err != nil {
			return nil, err
		}

		if createdAt.Valid {
			record.CreatedAt = createdAt.Time
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}
