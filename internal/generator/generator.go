package generator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"attache/internal/config"
	"attache/internal/logging"
	"attache/pkg/models"
)

// OutcomeKind distinguishes the two ways a generation can resolve.
type OutcomeKind string

const (
	// OutcomeFinalAnswer means the model produced text and requested no
	// capability calls.
	OutcomeFinalAnswer OutcomeKind = "final_answer"
	// OutcomeCapabilityRequest means the model requested one or more
	// capability calls that must be executed before generation continues.
	OutcomeCapabilityRequest OutcomeKind = "capability_request"
)

// TokenUsage reports provider-side token accounting for one generation.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Outcome is the normalized result of one model generation.
type Outcome struct {
	Kind   OutcomeKind
	Answer string
	Calls  []models.ToolCallRequest
	Usage  *TokenUsage
}

// ResponseGenerator produces the next assistant step from a conversation
// log and the capabilities currently available to the model.
type ResponseGenerator interface {
	Generate(ctx context.Context, messages []*models.Message, capabilities []models.CapabilityDescriptor) (*Outcome, error)
}

// New builds the provider-specific generator selected by the configuration.
func New(cfg *config.Config) (ResponseGenerator, error) {
	switch cfg.AIProvider {
	case "anthropic":
		return newAnthropicGenerator(cfg)
	case "openai":
		return newOpenAIGenerator(cfg)
	default:
		return nil, fmt.Errorf("unsupported ai_provider: %s", cfg.AIProvider)
	}
}

// fallbackCallID mints a call ID for providers that return tool calls
// without one. Every capability request must carry an ID so its result
// message can be correlated.
func fallbackCallID() string {
	return "call_" + ulid.Make().String()
}

// schemaToMap decodes a raw JSON schema into the map form the provider
// SDKs expect. A missing or malformed schema degrades to a permissive
// empty object schema.
func schemaToMap(schema json.RawMessage) map[string]interface{} {
	if len(schema) == 0 {
		return map[string]interface{}{"type": "object"}
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(schema, &decoded); err != nil {
		logging.Debug("Invalid tool input schema, sending permissive schema instead: %v", err)
		return map[string]interface{}{"type": "object"}
	}
	return decoded
}

// jsonStringToMap parses tool call arguments arriving as a JSON string.
// Malformed arguments degrade to an empty map rather than aborting the
// turn; the tool itself reports the missing fields.
func jsonStringToMap(jsonString string) map[string]interface{} {
	if jsonString == "" {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(jsonString), &result); err != nil {
		logging.Debug("Failed to parse tool call arguments %q: %v", jsonString, err)
		return map[string]interface{}{}
	}
	return result
}

func anyToJSONString(data interface{}) string {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		logging.Debug("Failed to marshal value to JSON string: %v", err)
		return "{}"
	}
	return string(jsonBytes)
}
