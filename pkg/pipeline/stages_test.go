package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hefeijay/aquagateway/pkg/llm"
)

// fakeClient is a minimal llm.LLMClient double that returns a single
// canned text response, letting stage tests assert on call shape without
// any real provider.
type fakeClient struct {
	response string
	err      error
	calls    int
}

func (f *fakeClient) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.StreamChunk, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan llm.StreamChunk, 1)
	ch <- llm.NewTextChunk(f.response)
	close(ch)
	return ch, nil
}

func (f *fakeClient) IsTransientError(err error) bool { return false }

func TestRenderHistory_FormatsEachTurn(t *testing.T) {
	out := renderHistory([]HistoryTurn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	assert.Contains(t, out, "[user] hi")
	assert.Contains(t, out, "[assistant] hello")
}

func TestExtractJSON_StripsCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON(`{"a":1}`))
}

func TestRewriteStage_PassesThroughWithoutCallWhenHistoryEmpty(t *testing.T) {
	client := &fakeClient{response: "should not be used"}
	stage := &RewriteStage{Client: client}

	out, usage, err := stage.Run(context.Background(), "what about cod", nil)

	require.NoError(t, err)
	assert.Equal(t, "what about cod", out)
	assert.Nil(t, usage)
	assert.Equal(t, 0, client.calls, "no LLM call expected when there is no history to resolve against")
}

func TestRewriteStage_CallsLLMWhenHistoryPresent(t *testing.T) {
	client := &fakeClient{response: "what is the optimal pH for tilapia"}
	stage := &RewriteStage{Client: client}
	history := []HistoryTurn{{Role: "user", Content: "I'm raising tilapia"}}

	out, _, err := stage.Run(context.Background(), "what about pH", history)

	require.NoError(t, err)
	assert.Equal(t, "what is the optimal pH for tilapia", out)
	assert.Equal(t, 1, client.calls)
}

func TestIntentStage_NormalizesClassifierOutput(t *testing.T) {
	client := &fakeClient{response: "  Device_Control\n"}
	stage := &IntentStage{Client: client}

	label, _, err := stage.Run(context.Background(), "turn on the feeder", nil)

	require.NoError(t, err)
	assert.Equal(t, IntentDeviceControl, label)
}

func TestIntentStage_FallsBackToOtherOnError(t *testing.T) {
	client := &fakeClient{err: assert.AnError}
	stage := &IntentStage{Client: client}

	label, _, err := stage.Run(context.Background(), "hello", nil)

	assert.Error(t, err)
	assert.Equal(t, IntentOther, label)
}

func TestRoutingStage_ParsesStrictJSONResponse(t *testing.T) {
	client := &fakeClient{response: `{"needs_expert":true,"needs_data":false,"decision":"expert","reason":"domain question"}`}
	stage := &RoutingStage{Client: client}

	decision, _, err := stage.Run(context.Background(), "what disease causes white spots", "domain_knowledge")

	require.NoError(t, err)
	assert.True(t, decision.NeedsExpert)
	assert.False(t, decision.NeedsData)
	assert.Equal(t, "expert", decision.Decision)
}

func TestRoutingStage_FallsBackToDirectOnUnparsableResponse(t *testing.T) {
	client := &fakeClient{response: "not json at all"}
	stage := &RoutingStage{Client: client}

	decision, _, err := stage.Run(context.Background(), "hi", IntentChitchat)

	require.NoError(t, err)
	assert.Equal(t, "direct", decision.Decision)
	assert.False(t, decision.NeedsExpert)
}

func TestSynthesisStage_StreamsChunksToCallback(t *testing.T) {
	client := &fakeClient{response: "answer text"}
	stage := &SynthesisStage{Client: client}

	var received []string
	out, _, err := stage.Run(context.Background(), "question", nil, "", "", "", nil, func(chunk string) {
		received = append(received, chunk)
	})

	require.NoError(t, err)
	assert.Equal(t, "answer text", out)
	assert.Equal(t, []string{"answer text"}, received)
}
