package loop

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attache/internal/generator"
	"attache/pkg/models"
)

type fakeStore struct {
	messages      []*models.Message
	nextID        int64
	failAppendFor models.Role
	checkpointErr error
	checkpoints   []string
}

func (s *fakeStore) Append(_ context.Context, msg *models.Message) (*models.Message, error) {
	if s.failAppendFor != "" && msg.Role == s.failAppendFor {
		return nil, errors.New("disk full")
	}
	s.nextID++
	stored := *msg
	stored.ID = s.nextID
	s.messages = append(s.messages, &stored)
	return &stored, nil
}

func (s *fakeStore) LoadRecent(_ context.Context, _ string) ([]*models.Message, error) {
	out := make([]*models.Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

func (s *fakeStore) Checkpoint(_ context.Context, _ string, state string, step int64) error {
	s.checkpoints = append(s.checkpoints, fmt.Sprintf("%s/%d", state, step))
	return s.checkpointErr
}

type auditRecord struct {
	serverName string
	call       models.ToolCallRequest
	result     *models.CapabilityCallResult
}

type auditingStore struct {
	fakeStore
	audits []auditRecord
}

func (s *auditingStore) RecordToolCall(_ context.Context, _ string, serverName string, call models.ToolCallRequest, result *models.CapabilityCallResult) error {
	s.audits = append(s.audits, auditRecord{serverName: serverName, call: call, result: result})
	return nil
}

type fakeGenerator struct {
	outcomes  []*generator.Outcome
	histories [][]*models.Message
	err       error
}

func (g *fakeGenerator) Generate(_ context.Context, messages []*models.Message, _ []models.CapabilityDescriptor) (*generator.Outcome, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.histories = append(g.histories, messages)
	if len(g.outcomes) == 0 {
		return &generator.Outcome{Kind: generator.OutcomeFinalAnswer, Answer: "done"}, nil
	}
	next := g.outcomes[0]
	g.outcomes = g.outcomes[1:]
	return next, nil
}

type fakeGateway struct {
	capabilities []models.CapabilityDescriptor
	results      map[string]*models.CapabilityCallResult
	executed     []models.ToolCallRequest
}

func (g *fakeGateway) ListCapabilities(_ context.Context) ([]models.CapabilityDescriptor, error) {
	return g.capabilities, nil
}

func (g *fakeGateway) Execute(_ context.Context, call models.ToolCallRequest) *models.CapabilityCallResult {
	g.executed = append(g.executed, call)
	if result, ok := g.results[call.ID]; ok {
		return result
	}
	return &models.CapabilityCallResult{CallID: call.ID, Content: "ok", Duration: time.Millisecond}
}

func finalAnswer(text string) *generator.Outcome {
	return &generator.Outcome{Kind: generator.OutcomeFinalAnswer, Answer: text}
}

func capabilityRequest(calls ...models.ToolCallRequest) *generator.Outcome {
	return &generator.Outcome{Kind: generator.OutcomeCapabilityRequest, Calls: calls}
}

func TestRunTurn_FinalAnswerWithoutTools(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{outcomes: []*generator.Outcome{finalAnswer("hello there")}}
	l := New(store, &fakeGateway{}, gen, 25)

	produced, err := l.RunTurn(context.Background(), "conv-1", "hi")
	require.NoError(t, err)

	require.Len(t, produced, 2)
	assert.Equal(t, models.RoleUser, produced[0].Role)
	assert.Equal(t, "hi", produced[0].Content)
	assert.Equal(t, models.RoleAssistant, produced[1].Role)
	assert.Equal(t, "hello there", produced[1].Content)
	assert.Empty(t, produced[1].ToolCalls)

	// Exactly one generation ran
	assert.Len(t, gen.histories, 1)

	// Turn lands in DONE
	require.NotEmpty(t, store.checkpoints)
	assert.Equal(t, "done/1", store.checkpoints[len(store.checkpoints)-1])
}

func TestRunTurn_ToolRoundTrip(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{outcomes: []*generator.Outcome{
		capabilityRequest(
			models.ToolCallRequest{ID: "call_1", Name: "list_files", Arguments: map[string]interface{}{"path": "."}},
			models.ToolCallRequest{ID: "call_2", Name: "read_file", Arguments: map[string]interface{}{"path": "go.mod"}},
		),
		finalAnswer("two files, one module"),
	}}
	gw := &fakeGateway{results: map[string]*models.CapabilityCallResult{
		"call_1": {CallID: "call_1", Content: `["a.txt","b.txt"]`},
		"call_2": {CallID: "call_2", Content: "module attache"},
	}}
	l := New(store, gw, gen, 25)

	produced, err := l.RunTurn(context.Background(), "conv-1", "what's here?")
	require.NoError(t, err)

	// user, assistant(calls), tool, tool, assistant(final)
	require.Len(t, produced, 5)
	assert.Equal(t, models.RoleUser, produced[0].Role)
	assert.Equal(t, models.RoleAssistant, produced[1].Role)
	require.Len(t, produced[1].ToolCalls, 2)

	assert.Equal(t, models.RoleTool, produced[2].Role)
	assert.Equal(t, "call_1", produced[2].ToolCallID)
	assert.Equal(t, "list_files", produced[2].ToolName)
	assert.Equal(t, `["a.txt","b.txt"]`, produced[2].Content)

	assert.Equal(t, models.RoleTool, produced[3].Role)
	assert.Equal(t, "call_2", produced[3].ToolCallID)

	assert.Equal(t, models.RoleAssistant, produced[4].Role)
	assert.Equal(t, "two files, one module", produced[4].Content)

	// Calls executed in request order
	require.Len(t, gw.executed, 2)
	assert.Equal(t, "call_1", gw.executed[0].ID)
	assert.Equal(t, "call_2", gw.executed[1].ID)
}

func TestRunTurn_FailedCallContinuesTurn(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{outcomes: []*generator.Outcome{
		capabilityRequest(
			models.ToolCallRequest{ID: "call_1", Name: "broken_tool"},
			models.ToolCallRequest{ID: "call_2", Name: "working_tool"},
		),
		finalAnswer("the first tool is down"),
	}}
	gw := &fakeGateway{results: map[string]*models.CapabilityCallResult{
		"call_1": {CallID: "call_1", Error: "connection refused"},
		"call_2": {CallID: "call_2", Content: "fine"},
	}}
	l := New(store, gw, gen, 25)

	produced, err := l.RunTurn(context.Background(), "conv-1", "go")
	require.NoError(t, err)
	require.Len(t, produced, 5)

	// The failure travels to the model as a JSON error payload
	assert.JSONEq(t, `{"error": "connection refused"}`, produced[2].Content)
	assert.Equal(t, "fine", produced[3].Content)
	assert.Equal(t, "the first tool is down", produced[4].Content)
}

func TestRunTurn_BudgetExceeded(t *testing.T) {
	store := &fakeStore{}
	// The model never stops asking for tools
	var outcomes []*generator.Outcome
	for i := 0; i < 10; i++ {
		outcomes = append(outcomes, capabilityRequest(
			models.ToolCallRequest{ID: fmt.Sprintf("call_%d", i), Name: "list_files"},
		))
	}
	gen := &fakeGenerator{outcomes: outcomes}
	l := New(store, &fakeGateway{}, gen, 3)

	produced, err := l.RunTurn(context.Background(), "conv-1", "loop forever")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTurnBudgetExceeded))

	// Exactly maxTurns generations ran; everything persisted stays returned
	assert.Len(t, gen.histories, 3)
	assert.Len(t, produced, 1+3*2) // user + (assistant, tool) per step
}

func TestRunTurn_AppendFailureIsFatal(t *testing.T) {
	store := &fakeStore{failAppendFor: models.RoleAssistant}
	gen := &fakeGenerator{outcomes: []*generator.Outcome{finalAnswer("won't persist")}}
	l := New(store, &fakeGateway{}, gen, 25)

	produced, err := l.RunTurn(context.Background(), "conv-1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to persist assistant message")

	// The log stays a consistent prefix: only the user message landed
	require.Len(t, produced, 1)
	assert.Equal(t, models.RoleUser, produced[0].Role)
	assert.Len(t, gen.histories, 1)
}

func TestRunTurn_UserAppendFailureStopsBeforeGeneration(t *testing.T) {
	store := &fakeStore{failAppendFor: models.RoleUser}
	gen := &fakeGenerator{}
	l := New(store, &fakeGateway{}, gen, 25)

	produced, err := l.RunTurn(context.Background(), "conv-1", "hi")
	require.Error(t, err)
	assert.Empty(t, produced)
	assert.Empty(t, gen.histories)
}

func TestRunTurn_GenerationFailureIsFatal(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{err: errors.New("api unreachable")}
	l := New(store, &fakeGateway{}, gen, 25)

	produced, err := l.RunTurn(context.Background(), "conv-1", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "generation failed")

	// The user message is already durable
	require.Len(t, produced, 1)
	assert.Equal(t, models.RoleUser, produced[0].Role)
}

func TestRunTurn_CheckpointFailureIsNotFatal(t *testing.T) {
	store := &fakeStore{checkpointErr: errors.New("locked")}
	gen := &fakeGenerator{outcomes: []*generator.Outcome{finalAnswer("still fine")}}
	l := New(store, &fakeGateway{}, gen, 25)

	produced, err := l.RunTurn(context.Background(), "conv-1", "hi")
	require.NoError(t, err)
	assert.Len(t, produced, 2)
}

func TestRunTurn_ToolResultsVisibleToNextGeneration(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{outcomes: []*generator.Outcome{
		capabilityRequest(models.ToolCallRequest{ID: "call_1", Name: "list_files"}),
		finalAnswer("done"),
	}}
	gw := &fakeGateway{results: map[string]*models.CapabilityCallResult{
		"call_1": {CallID: "call_1", Content: `["a.txt"]`},
	}}
	l := New(store, gw, gen, 25)

	_, err := l.RunTurn(context.Background(), "conv-1", "look around")
	require.NoError(t, err)

	require.Len(t, gen.histories, 2)

	// The second generation sees the persisted tool result
	second := gen.histories[1]
	require.Len(t, second, 3)
	assert.Equal(t, models.RoleTool, second[2].Role)
	assert.Equal(t, "call_1", second[2].ToolCallID)
	assert.Equal(t, `["a.txt"]`, second[2].Content)
}

func TestRunTurn_StateProgression(t *testing.T) {
	store := &fakeStore{}
	gen := &fakeGenerator{outcomes: []*generator.Outcome{
		capabilityRequest(models.ToolCallRequest{ID: "call_1", Name: "list_files"}),
		finalAnswer("done"),
	}}
	l := New(store, &fakeGateway{}, gen, 25)

	_, err := l.RunTurn(context.Background(), "conv-1", "hi")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"generating/1",
		"awaiting_tools/1",
		"generating/2",
		"done/2",
	}, store.checkpoints)
}

func TestRunTurn_AuditsEveryExecutedCall(t *testing.T) {
	store := &auditingStore{}
	gen := &fakeGenerator{outcomes: []*generator.Outcome{
		capabilityRequest(
			models.ToolCallRequest{ID: "call_1", Name: "list_files"},
			models.ToolCallRequest{ID: "call_2", Name: "unknown_tool"},
		),
		finalAnswer("done"),
	}}
	gw := &fakeGateway{
		capabilities: []models.CapabilityDescriptor{
			{Name: "list_files", ServerName: "filesystem"},
		},
		results: map[string]*models.CapabilityCallResult{
			"call_2": {CallID: "call_2", Error: "unknown capability: unknown_tool"},
		},
	}
	l := New(store, gw, gen, 25)

	_, err := l.RunTurn(context.Background(), "conv-1", "hi")
	require.NoError(t, err)

	require.Len(t, store.audits, 2)
	assert.Equal(t, "filesystem", store.audits[0].serverName)
	assert.Equal(t, "call_1", store.audits[0].call.ID)
	assert.Equal(t, "", store.audits[1].serverName)
	assert.True(t, store.audits[1].result.Failed())
}
