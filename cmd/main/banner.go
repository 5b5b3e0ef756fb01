package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("99")).
			Bold(true).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 2)

	labelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statsStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
)

func printChatBanner(conversationID, provider, model string, serverNames []string) {
	servers := "none configured"
	if len(serverNames) > 0 {
		servers = strings.Join(serverNames, ", ")
	}

	sessionDisplay := conversationID
	if len(sessionDisplay) > 8 {
		sessionDisplay = sessionDisplay[:8] + "..."
	}

	lines := []string{
		"Attache Chat",
		"",
		labelStyle.Render("Conversation: ") + valueStyle.Render(sessionDisplay),
		labelStyle.Render("Provider:     ") + valueStyle.Render(fmt.Sprintf("%s (%s)", provider, model)),
		labelStyle.Render("MCP servers:  ") + valueStyle.Render(servers),
		"",
		labelStyle.Render("/help for commands, /exit to quit"),
	}

	fmt.Println()
	fmt.Println(bannerStyle.Render(strings.Join(lines, "\n")))
	fmt.Println()
}
