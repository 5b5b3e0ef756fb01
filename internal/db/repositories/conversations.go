package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"attache/pkg/models"
)

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// Create inserts a new conversation owned by username and returns it.
func (r *ConversationRepo) Create(ctx context.Context, username string) (*models.Conversation, error) {
	id := uuid.New().String()

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, username)
		VALUES (?, ?)
		RETURNING id, username, state, last_step, created_at, updated_at`,
		id, username)

	conversation, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conversation, nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, username, state, last_step, created_at, updated_at
		FROM conversations
		WHERE id = ?`, id)

	conversation, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return conversation, nil
}

// List returns conversations most recently updated first.
func (r *ConversationRepo) List(ctx context.Context, limit int) ([]*models.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, username, state, last_step, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conversation)
	}
	return conversations, rows.Err()
}

// UpdateState records the orchestration state blob and the step counter.
// The blob is opaque to storage.
func (r *ConversationRepo) UpdateState(ctx context.Context, id, state string, step int64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE conversations
		SET state = ?, last_step = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, state, step, id)
	if err != nil {
		return fmt.Errorf("failed to update conversation state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("conversation %s not found", id)
	}
	return nil
}

// Touch bumps updated_at, used when messages are appended.
func (r *ConversationRepo) Touch(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var conversation models.Conversation
	var createdAt, updatedAt sql.NullTime

	err := row.Scan(
		&conversation.ID,
		&conversation.Username,
		&conversation.State,
		&conversation.LastStep,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if createdAt.Valid {
		conversation.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		conversation.UpdatedAt = updatedAt.Time
	}
	return &conversation, nil
}
