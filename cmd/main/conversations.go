package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"attache/internal/config"
	"attache/internal/db"
	"attache/internal/db/repositories"
	"attache/internal/services"
	"attache/pkg/models"
)

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Inspect stored conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent conversations",
	RunE:  runConversationsList,
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show the full message log of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsShow,
}

func openStore() (*services.ConversationStore, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	store := services.NewConversationStore(repositories.New(database), cfg.HistoryWindow)
	return store, func() { _ = database.Close() }, nil
}

func runConversationsList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	conversations, err := store.List(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	if len(conversations) == 0 {
		fmt.Println("No conversations yet")
		return nil
	}

	fmt.Printf("%-38s %-12s %-14s %s\n", "ID", "USER", "STATE", "UPDATED")
	for _, conversation := range conversations {
		fmt.Printf("%-38s %-12s %-14s %s\n",
			conversation.ID,
			conversation.Username,
			displayState(conversation.State),
			conversation.UpdatedAt.Format("2006-01-02 15:04:05"))
	}

	return nil
}

func runConversationsShow(cmd *cobra.Command, args []string) error {
	conversationID := args[0]

	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	conversation, err := store.Get(cmd.Context(), conversationID)
	if err != nil {
		return fmt.Errorf("conversation %s not found: %w", conversationID, err)
	}

	messages, err := store.LoadAll(cmd.Context(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}

	fmt.Printf("Conversation %s (user %s, state %s)\n\n", conversation.ID, conversation.Username, displayState(conversation.State))

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			fmt.Printf("[user] %s\n", msg.Content)
		case models.RoleAssistant:
			if msg.Content != "" {
				fmt.Printf("[assistant] %s\n", msg.Content)
			}
			for _, call := range msg.ToolCalls {
				fmt.Printf("[assistant] -> %s(%s) [%s]\n", call.Name, compactArgs(call.Arguments), call.ID)
			}
		case models.RoleTool:
			content := msg.Content
			if len(content) > 120 {
				content = content[:120] + "..."
			}
			fmt.Printf("[tool %s] <- %s\n", msg.ToolName, content)
		}
	}

	return nil
}

func compactArgs(arguments map[string]interface{}) string {
	if len(arguments) == 0 {
		return ""
	}
	out := ""
	for key, value := range arguments {
		if out != "" {
			out += ", "
		}
		out += fmt.Sprintf("%s=%v", key, value)
	}
	return out
}
