package generator

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"attache/internal/config"
	"attache/internal/logging"
	"attache/pkg/models"
)

// maxToolCallIDLen is the OpenAI limit on tool_call_id length. IDs minted
// elsewhere (or by other providers) are truncated to fit.
const maxToolCallIDLen = 40

// openaiGenerator drives the OpenAI Chat Completions API, including
// OpenAI-compatible endpoints selected via openai_base_url.
type openaiGenerator struct {
	client       openai.Client
	model        string
	systemPrompt string
}

func newOpenAIGenerator(cfg *config.Config) (*openaiGenerator, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai provider selected but no API key configured (set OPENAI_API_KEY)")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.OpenAIAPIKey)}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}

	return &openaiGenerator{
		client:       openai.NewClient(opts...),
		model:        cfg.AIModel,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

func (g *openaiGenerator) Generate(ctx context.Context, messages []*models.Message, capabilities []models.CapabilityDescriptor) (*Outcome, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(g.model),
		Messages: g.convertMessages(messages),
	}
	if len(capabilities) > 0 {
		params.Tools = convertOpenAITools(capabilities)
	}

	logging.Debug("OpenAI generate: model=%s messages=%d tools=%d", g.model, len(params.Messages), len(params.Tools))

	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices")
	}

	return buildOpenAIOutcome(completion), nil
}

func (g *openaiGenerator) convertMessages(messages []*models.Message) []openai.ChatCompletionMessageParamUnion {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if g.systemPrompt != "" {
		converted = append(converted, openai.SystemMessage(g.systemPrompt))
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			converted = append(converted, openai.UserMessage(msg.Content))

		case models.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				converted = append(converted, openai.AssistantMessage(msg.Content))
				continue
			}

			am := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				am.Content.OfArrayOfContentParts = append(am.Content.OfArrayOfContentParts,
					openai.ChatCompletionAssistantMessageParamContentArrayOfContentPartUnion{
						OfText: &openai.ChatCompletionContentPartTextParam{Text: msg.Content},
					})
			}
			am.ToolCalls = convertOpenAIToolCalls(msg.ToolCalls)
			converted = append(converted, openai.ChatCompletionMessageParamUnion{OfAssistant: &am})

		case models.RoleTool:
			converted = append(converted, openai.ToolMessage(msg.Content, truncateCallID(msg.ToolCallID)))
		}
	}

	return converted
}

func convertOpenAIToolCalls(calls models.ToolCallRequests) []openai.ChatCompletionMessageToolCallParam {
	params := make([]openai.ChatCompletionMessageToolCallParam, 0, len(calls))
	for _, call := range calls {
		callID := call.ID
		if callID == "" {
			callID = fallbackCallID()
		}

		param := openai.ChatCompletionMessageToolCallParam{
			ID: truncateCallID(callID),
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name: call.Name,
			},
		}
		if call.Arguments != nil {
			param.Function.Arguments = anyToJSONString(call.Arguments)
		}
		params = append(params, param)
	}
	return params
}

func convertOpenAITools(capabilities []models.CapabilityDescriptor) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(capabilities))
	for _, capability := range capabilities {
		if capability.Name == "" {
			continue
		}
		tools = append(tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        capability.Name,
				Description: openai.String(capability.Description),
				Parameters:  openai.FunctionParameters(schemaToMap(capability.InputSchema)),
				Strict:      openai.Bool(false),
			},
		})
	}
	return tools
}

func buildOpenAIOutcome(completion *openai.ChatCompletion) *Outcome {
	outcome := &Outcome{
		Usage: &TokenUsage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
			TotalTokens:  completion.Usage.TotalTokens,
		},
	}

	choice := completion.Choices[0]
	outcome.Answer = choice.Message.Content

	for _, toolCall := range choice.Message.ToolCalls {
		callID := toolCall.ID
		if callID == "" {
			callID = fallbackCallID()
		}
		outcome.Calls = append(outcome.Calls, models.ToolCallRequest{
			ID:        callID,
			Name:      toolCall.Function.Name,
			Arguments: jsonStringToMap(toolCall.Function.Arguments),
		})
	}

	if len(outcome.Calls) > 0 {
		outcome.Kind = OutcomeCapabilityRequest
	} else {
		outcome.Kind = OutcomeFinalAnswer
	}
	return outcome
}

func truncateCallID(id string) string {
	if len(id) > maxToolCallIDLen {
		return id[:maxToolCallIDLen]
	}
	return id
}
