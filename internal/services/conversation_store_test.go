package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attache/internal/db"
	"attache/internal/db/repositories"
	"attache/pkg/models"
)

func setupStoreTest(t *testing.T, historyWindow int) *ConversationStore {
	t.Helper()

	database, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	return NewConversationStore(repositories.New(database), historyWindow)
}

func TestConversationStore_BeginAndGet(t *testing.T) {
	store := setupStoreTest(t, 50)
	ctx := context.Background()

	conversation, err := store.Begin(ctx, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, conversation.ID)

	fetched, err := store.Get(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", fetched.Username)
}

func TestConversationStore_AppendAndLoadRecent(t *testing.T) {
	store := setupStoreTest(t, 3)
	ctx := context.Background()

	conversation, err := store.Begin(ctx, "alice")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, &models.Message{
			ConversationID: conversation.ID,
			Role:           models.RoleUser,
			Content:        fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
	}

	recent, err := store.LoadRecent(ctx, conversation.ID)
	require.NoError(t, err)

	// The window keeps the most recent messages, oldest first
	require.Len(t, recent, 3)
	assert.Equal(t, "message 2", recent[0].Content)
	assert.Equal(t, "message 4", recent[2].Content)

	all, err := store.LoadAll(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	count, err := store.MessageCount(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestConversationStore_LoadRecent_WindowNeverOpensOnToolResult(t *testing.T) {
	store := setupStoreTest(t, 3)
	ctx := context.Background()

	conversation, err := store.Begin(ctx, "alice")
	require.NoError(t, err)

	// A full tool round-trip that outgrows the window: the raw window of 3
	// would start with the two tool results and leave their requesting
	// assistant message evicted.
	log := []*models.Message{
		{Role: models.RoleUser, Content: "what's here?"},
		{
			Role: models.RoleAssistant,
			ToolCalls: models.ToolCallRequests{
				{ID: "call_1", Name: "list_files", Arguments: map[string]interface{}{"path": "."}},
				{ID: "call_2", Name: "read_file", Arguments: map[string]interface{}{"path": "go.mod"}},
			},
		},
		{Role: models.RoleTool, Content: `["a.txt"]`, ToolCallID: "call_1", ToolName: "list_files"},
		{Role: models.RoleTool, Content: "module attache", ToolCallID: "call_2", ToolName: "read_file"},
		{Role: models.RoleAssistant, Content: "one file, one module"},
	}
	for _, msg := range log {
		msg.ConversationID = conversation.ID
		_, err := store.Append(ctx, msg)
		require.NoError(t, err)
	}

	recent, err := store.LoadRecent(ctx, conversation.ID)
	require.NoError(t, err)

	// The orphan tool results are dropped; the window starts on a message
	// the providers accept.
	require.Len(t, recent, 1)
	assert.Equal(t, models.RoleAssistant, recent[0].Role)
	assert.Equal(t, "one file, one module", recent[0].Content)
}

func TestConversationStore_Checkpoint(t *testing.T) {
	store := setupStoreTest(t, 50)
	ctx := context.Background()

	conversation, err := store.Begin(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, store.Checkpoint(ctx, conversation.ID, "done", 4))

	fetched, err := store.Get(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", fetched.State)
	assert.Equal(t, int64(4), fetched.LastStep)
}

func TestConversationStore_RecordToolCall(t *testing.T) {
	store := setupStoreTest(t, 50)
	ctx := context.Background()

	conversation, err := store.Begin(ctx, "alice")
	require.NoError(t, err)

	call := models.ToolCallRequest{
		ID:        "call_1",
		Name:      "list_files",
		Arguments: map[string]interface{}{"path": "."},
	}

	err = store.RecordToolCall(ctx, conversation.ID, "filesystem", call, &models.CapabilityCallResult{
		CallID:   "call_1",
		Content:  `["a.txt"]`,
		Duration: 15 * time.Millisecond,
	})
	require.NoError(t, err)

	err = store.RecordToolCall(ctx, conversation.ID, "filesystem", call, &models.CapabilityCallResult{
		CallID: "call_1",
		Error:  "connection refused",
	})
	require.NoError(t, err)

	history, err := store.ToolCallHistory(ctx, conversation.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	require.NotNil(t, history[0].Result)
	assert.Equal(t, `["a.txt"]`, *history[0].Result)
	assert.Equal(t, int64(15), history[0].DurationMs)

	require.NotNil(t, history[1].Error)
	assert.Equal(t, "connection refused", *history[1].Error)
}
