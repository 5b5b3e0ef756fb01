package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"attache/internal/config"
	"attache/internal/db"
	"attache/internal/db/repositories"
	"attache/internal/gateway"
	"attache/internal/generator"
	"attache/internal/loop"
	"attache/internal/services"
	"attache/pkg/models"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session with the configured AI provider.

The assistant can call tools exposed by the configured MCP servers. Every
message is persisted before the next step runs, so a session can be
resumed after a crash with --conversation.

EXAMPLES:
  # Start a new conversation
  attache chat

  # Resume a previous conversation
  attache chat --conversation 2f1f6ac0-...

CHAT COMMANDS:
  /help      Show all available commands
  /tools     List tools advertised by the MCP servers
  /history   Show recent messages of this conversation
  /status    Show conversation status
  /exit      Exit chat`,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle Ctrl+C gracefully: cancelling the context unwinds the chat
	// loop so the deferred gateway and database shutdowns still run.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		fmt.Println("\n\nGoodbye!")
		cancel()
	}()

	conversationID, _ := cmd.Flags().GetString("conversation")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() { _ = database.Close() }()

	if err := database.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	repos := repositories.New(database)
	store := services.NewConversationStore(repos, cfg.HistoryWindow)

	gw := gateway.New(cfg.MCPServers)
	defer gw.Close()

	gen, err := generator.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}

	turnLoop := loop.New(store, gw, gen, cfg.MaxTurns)

	// Resume or start a conversation
	var conversation *models.Conversation
	if conversationID != "" {
		conversation, err = store.Get(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("conversation %s not found: %w", conversationID, err)
		}
	} else {
		conversation, err = store.Begin(ctx, cfg.Username)
		if err != nil {
			return err
		}
	}

	printChatBanner(conversation.ID, cfg.AIProvider, cfg.AIModel, gw.ServerNames())

	return chatLoop(ctx, os.Stdin, store, gw, turnLoop, conversation)
}

// chatLoop runs the read-eval-print loop until the input ends, /exit is
// entered, or the context is cancelled. Input is read on a separate
// goroutine so cancellation is not stuck behind a blocking read.
func chatLoop(ctx context.Context, in io.Reader, store *services.ConversationStore, gw *gateway.Gateway, turnLoop *loop.Loop, conversation *models.Conversation) error {
	lines := make(chan string)
	go func() {
		reader := bufio.NewReader(in)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Print(">>> ")

		var input string
		select {
		case <-ctx.Done():
			return nil
		case line, open := <-lines:
			if !open {
				return nil
			}
			input = line
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if handleChatCommand(ctx, store, gw, conversation, input) {
				return nil // /exit
			}
			continue
		}

		fmt.Println()
		started := time.Now()
		produced, err := turnLoop.RunTurn(ctx, conversation.ID, input)
		if err != nil && !errors.Is(err, loop.ErrTurnBudgetExceeded) {
			fmt.Println(errorStyle.Render(fmt.Sprintf("Error: %v", err)))
			fmt.Println()
			continue
		}

		printTurn(produced, err, time.Since(started))
	}
}

// printTurn renders the final answer plus a one-line turn summary.
func printTurn(produced []*models.Message, turnErr error, elapsed time.Duration) {
	toolCalls := 0
	var final *models.Message
	for _, msg := range produced {
		if msg.Role == models.RoleTool {
			toolCalls++
		}
		if msg.Role == models.RoleAssistant {
			final = msg
		}
	}

	if final != nil && final.Content != "" {
		fmt.Println(assistantStyle.Render(final.Content))
	}
	if turnErr != nil {
		fmt.Println(errorStyle.Render(fmt.Sprintf("Turn stopped early: %v", turnErr)))
	}
	fmt.Println(statsStyle.Render(fmt.Sprintf("[tools: %d | %s]", toolCalls, elapsed.Round(time.Millisecond))))
	fmt.Println()
}

// handleChatCommand executes a slash command. Returns true when the
// session should end.
func handleChatCommand(ctx context.Context, store *services.ConversationStore, gw *gateway.Gateway, conversation *models.Conversation, input string) bool {
	switch strings.Fields(input)[0] {
	case "/exit", "/quit", "/q":
		fmt.Println("Goodbye!")
		return true

	case "/help", "/h", "/?":
		printChatHelp()

	case "/tools":
		printTools(ctx, gw)

	case "/history":
		printHistory(ctx, store, conversation.ID)

	case "/status":
		printStatus(ctx, store, conversation.ID)

	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}

	return false
}

func printChatHelp() {
	fmt.Print(`
Chat Commands:
  /help, /h    Show this help
  /tools       List tools advertised by the MCP servers
  /history     Show recent messages of this conversation
  /status      Show conversation status
  /exit, /q    Exit chat

Any other input is sent to the assistant.

`)
}

func printTools(ctx context.Context, gw *gateway.Gateway) {
	capabilities, err := gw.ListCapabilities(ctx)
	if err != nil {
		fmt.Printf("Error listing tools: %v\n\n", err)
		return
	}
	if len(capabilities) == 0 {
		fmt.Println("No tools available (check mcp_servers in config)")
		fmt.Println()
		return
	}

	fmt.Println("\nAvailable Tools:")
	for _, capability := range capabilities {
		fmt.Printf("  - %s (%s): %s\n", capability.Name, capability.ServerName, capability.Description)
	}
	fmt.Println()
}

func printHistory(ctx context.Context, store *services.ConversationStore, conversationID string) {
	messages, err := store.LoadRecent(ctx, conversationID)
	if err != nil {
		fmt.Printf("Error loading history: %v\n\n", err)
		return
	}
	if len(messages) == 0 {
		fmt.Println("No messages yet")
		fmt.Println()
		return
	}

	fmt.Println("\nRecent messages:")
	for _, msg := range messages {
		content := msg.Content
		if len(content) > 60 {
			content = content[:60] + "..."
		}
		tag := string(msg.Role)
		if msg.Role == models.RoleTool {
			tag = "tool:" + msg.ToolName
		}
		fmt.Printf("  [%s] %s\n", tag, content)
	}
	fmt.Println()
}

func printStatus(ctx context.Context, store *services.ConversationStore, conversationID string) {
	conversation, err := store.Get(ctx, conversationID)
	if err != nil {
		fmt.Printf("Error loading conversation: %v\n\n", err)
		return
	}
	count, err := store.MessageCount(ctx, conversationID)
	if err != nil {
		fmt.Printf("Error counting messages: %v\n\n", err)
		return
	}

	fmt.Println()
	fmt.Println("Conversation Status:")
	fmt.Printf("  ID:        %s\n", conversation.ID)
	fmt.Printf("  User:      %s\n", conversation.Username)
	fmt.Printf("  State:     %s\n", displayState(conversation.State))
	fmt.Printf("  Last step: %d\n", conversation.LastStep)
	fmt.Printf("  Messages:  %d\n", count)
	fmt.Printf("  Created:   %s\n", conversation.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Updated:   %s\n", conversation.UpdatedAt.Format("2006-01-02 15:04:05"))
	fmt.Println()
}

func displayState(state string) string {
	if state == "" {
		return "new"
	}
	return state
}
