package repositories

import (
	"database/sql"

	"attache/internal/db"
)

type Repositories struct {
	Conversations *ConversationRepo
	Messages      *MessageRepo
	ToolCalls     *ToolCallRepo
	db            db.Database // Store reference to database for transactions
}

func New(database db.Database) *Repositories {
	conn := database.Conn()

	return &Repositories{
		Conversations: NewConversationRepo(conn),
		Messages:      NewMessageRepo(conn),
		ToolCalls:     NewToolCallRepo(conn),
		db:            database,
	}
}

// BeginTx starts a database transaction
func (r *Repositories) BeginTx() (*sql.Tx, error) {
	return r.db.Conn().Begin()
}
