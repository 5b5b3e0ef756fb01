package generator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"attache/internal/config"
	"attache/internal/logging"
	"attache/pkg/models"
)

// anthropicGenerator drives the Anthropic Messages API.
type anthropicGenerator struct {
	client       anthropic.Client
	model        string
	maxTokens    int64
	systemPrompt string
}

func newAnthropicGenerator(cfg *config.Config) (*anthropicGenerator, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("anthropic provider selected but no API key configured (set ANTHROPIC_API_KEY)")
	}
	return &anthropicGenerator{
		client:       anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		model:        cfg.AIModel,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

func (g *anthropicGenerator) Generate(ctx context.Context, messages []*models.Message, capabilities []models.CapabilityDescriptor) (*Outcome, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		Messages:  convertAnthropicMessages(messages),
	}
	if g.systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: g.systemPrompt}}
	}
	if len(capabilities) > 0 {
		params.Tools = convertAnthropicTools(capabilities)
	}

	logging.Debug("Anthropic generate: model=%s messages=%d tools=%d", g.model, len(params.Messages), len(params.Tools))

	message, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic API error: %w", err)
	}

	return buildAnthropicOutcome(message), nil
}

// convertAnthropicMessages maps a conversation log to Anthropic message
// params. Tool results travel as tool_result blocks inside user messages;
// consecutive tool messages collapse into a single user message.
func convertAnthropicMessages(messages []*models.Message) []anthropic.MessageParam {
	var converted []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			converted = append(converted, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			flushResults()
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case models.RoleAssistant:
			flushResults()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    call.ID,
						Name:  call.Name,
						Input: call.Arguments,
					},
				})
			}
			if len(blocks) > 0 {
				converted = append(converted, anthropic.NewAssistantMessage(blocks...))
			}

		case models.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		}
	}
	flushResults()

	return converted
}

func convertAnthropicTools(capabilities []models.CapabilityDescriptor) []anthropic.ToolUnionParam {
	var tools []anthropic.ToolUnionParam

	for _, capability := range capabilities {
		if capability.Name == "" {
			continue
		}

		toolParam := anthropic.ToolParam{
			Name:        capability.Name,
			Description: anthropic.String(capability.Description),
		}

		schema := schemaToMap(capability.InputSchema)
		schemaParam := anthropic.ToolInputSchemaParam{}
		if props, ok := schema["properties"]; ok {
			schemaParam.Properties = props
		}
		if required, ok := schema["required"].([]interface{}); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					schemaParam.Required = append(schemaParam.Required, s)
				}
			}
		}
		toolParam.InputSchema = schemaParam

		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}

	return tools
}

func buildAnthropicOutcome(message *anthropic.Message) *Outcome {
	outcome := &Outcome{
		Usage: &TokenUsage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
			TotalTokens:  message.Usage.InputTokens + message.Usage.OutputTokens,
		},
	}

	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			outcome.Answer += b.Text

		case anthropic.ToolUseBlock:
			callID := b.ID
			if callID == "" {
				callID = fallbackCallID()
			}

			// Input round-trips through JSON so the argument map is
			// plain decoded values regardless of SDK representation.
			var arguments map[string]interface{}
			if raw, err := json.Marshal(b.Input); err == nil {
				_ = json.Unmarshal(raw, &arguments)
			}

			outcome.Calls = append(outcome.Calls, models.ToolCallRequest{
				ID:        callID,
				Name:      b.Name,
				Arguments: arguments,
			})
		}
	}

	if len(outcome.Calls) > 0 {
		outcome.Kind = OutcomeCapabilityRequest
	} else {
		outcome.Kind = OutcomeFinalAnswer
	}
	return outcome
}
