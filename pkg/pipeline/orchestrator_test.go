package pipeline

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hefeijay/aquagateway/pkg/config"
	"github.com/hefeijay/aquagateway/pkg/device"
	"github.com/hefeijay/aquagateway/pkg/expert"
	"github.com/hefeijay/aquagateway/pkg/llm"
	"github.com/hefeijay/aquagateway/pkg/store"
	"github.com/hefeijay/aquagateway/pkg/weather"
)

// scriptedClient plays back one canned response per StreamChat call, in
// order, so a test can drive each pipeline stage to a different answer.
type scriptedClient struct {
	responses []string
	errAt     map[int]error
	calls     int
}

func (c *scriptedClient) StreamChat(ctx context.Context, _ []llm.Message) (<-chan llm.StreamChunk, error) {
	idx := c.calls
	c.calls++
	if err, ok := c.errAt[idx]; ok {
		return nil, err
	}
	resp := ""
	if idx < len(c.responses) {
		resp = c.responses[idx]
	}
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.NewTextChunk(resp)
	ch <- llm.NewFinalChunk(llm.StopReasonStop, &llm.LLMUsage{TotalTokens: 1})
	close(ch)
	return ch, nil
}

func (c *scriptedClient) IsTransientError(err error) bool { return false }

type fakeHistory struct {
	recent         []store.ChatMessage
	recentErr      error
	failUserAppend bool
	appended       []store.ChatMessage
}

func (f *fakeHistory) Append(_ context.Context, msg store.ChatMessage) error {
	if f.failUserAppend && msg.Role == "user" {
		return assert.AnError
	}
	f.appended = append(f.appended, msg)
	return nil
}

func (f *fakeHistory) Recent(_ context.Context, _ string, _ int) ([]store.ChatMessage, error) {
	return f.recent, f.recentErr
}

type fakeEmitter struct {
	chunks []string
	errs   []string
	dones  int
	order  []string
}

func (f *fakeEmitter) EmitStreamChunk(_, content, _ string, _ time.Time) error {
	f.chunks = append(f.chunks, content)
	f.order = append(f.order, "chunk")
	return nil
}

func (f *fakeEmitter) EmitStatus(_, _, _ string) error { return nil }

func (f *fakeEmitter) EmitError(code, _ string) error {
	f.errs = append(f.errs, code)
	f.order = append(f.order, "error")
	return nil
}

func (f *fakeEmitter) EmitDone(_, _, _ string) error {
	f.dones++
	f.order = append(f.order, "done")
	return nil
}

type fakeExpert struct {
	chunks     []string
	result     *expert.Result
	err        error
	query      string
	gotOnChunk bool
}

func (f *fakeExpert) Consult(_ context.Context, query, _, _ string, _ map[string]any, onChunk func(string)) (*expert.Result, error) {
	f.query = query
	f.gotOnChunk = onChunk != nil
	if onChunk != nil && f.result != nil && f.result.Success {
		for _, c := range f.chunks {
			onChunk(c)
		}
	}
	return f.result, f.err
}

type fakeDevice struct {
	resp *device.ActionResponse
	err  error
	reqs []device.ActionRequest
}

func (f *fakeDevice) Execute(_ context.Context, req device.ActionRequest) (*device.ActionResponse, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func newTestOrchestrator(client llm.LLMClient, h HistoryRepo, e Consultant, d device.Controller, sysCfg *config.SystemConfig) *Orchestrator {
	if d == nil {
		d = &fakeDevice{resp: &device.ActionResponse{Success: false, Error: "not_configured"}}
	}
	return NewOrchestrator(Dependencies{
		History: h,
		LLM:     client,
		Expert:  e,
		Weather: weather.NoopProvider{},
		Device:  d,
		SysCfg:  sysCfg,
	})
}

func runTestTurn(t *testing.T, o *Orchestrator, text string) (*TurnState, *fakeEmitter, error) {
	t.Helper()
	turn := NewTurnState("sess-1", "user-1", text, "user-msg-1", time.Now())
	emitter := &fakeEmitter{}
	err := o.RunTurn(context.Background(), turn, emitter)
	return turn, emitter, err
}

func TestRunTurn_ChitchatStreamsAndPersists(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"chitchat",
		`{"needs_expert":false,"needs_data":false,"decision":"direct","reason":"greeting"}`,
		"Hello! How are your ponds today?",
	}}
	history := &fakeHistory{}
	ex := &fakeExpert{result: &expert.Result{Success: false, Error: "not_configured"}}
	o := newTestOrchestrator(client, history, ex, nil, config.DefaultSystemConfig())

	turn, emitter, err := runTestTurn(t, o, "hello")

	require.NoError(t, err)
	require.Len(t, history.appended, 2)
	assert.Equal(t, "user", history.appended[0].Role)
	assert.Equal(t, "hello", history.appended[0].Content)
	assert.Equal(t, "assistant", history.appended[1].Role)

	// The persisted assistant row must equal the concatenation of every
	// emitted chunk, and done must follow the last chunk.
	assert.Equal(t, strings.Join(emitter.chunks, ""), history.appended[1].Content)
	assert.NotEmpty(t, history.appended[1].Content)
	assert.Equal(t, 1, emitter.dones)
	assert.Equal(t, "done", emitter.order[len(emitter.order)-1])

	require.NotNil(t, history.appended[1].MetaData)
	assert.False(t, history.appended[1].MetaData.ExpertConsulted)
	assert.Equal(t, IntentChitchat, turn.Intent)
}

func TestRunTurn_ForwardPolicyStreamsExpertChunksWithoutSynthesis(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"domain_knowledge",
		"what is the optimal pH for tilapia",
		`{"needs_expert":true,"needs_data":false,"decision":"expert","reason":"domain question"}`,
	}}
	history := &fakeHistory{recent: []store.ChatMessage{
		{Role: "user", Content: "I'm raising tilapia"},
		{Role: "assistant", Content: "Noted."},
	}}
	ex := &fakeExpert{
		chunks: []string{"Keep pH ", "between 6.5 ", "and 8.5."},
		result: &expert.Result{Success: true, Answer: "Keep pH between 6.5 and 8.5."},
	}
	sysCfg := config.DefaultSystemConfig()
	sysCfg.ExpertStreamPolicy = "forward"
	o := newTestOrchestrator(client, history, ex, nil, sysCfg)

	turn, emitter, err := runTestTurn(t, o, "and what about pH?")

	require.NoError(t, err)
	assert.True(t, ex.gotOnChunk)
	assert.Equal(t, "what is the optimal pH for tilapia", ex.query)
	assert.Equal(t, []string{"Keep pH ", "between 6.5 ", "and 8.5."}, emitter.chunks)
	assert.Equal(t, 3, client.calls, "synthesis must be suppressed under the forward policy")

	require.Len(t, history.appended, 2)
	assert.Equal(t, "Keep pH between 6.5 and 8.5.", history.appended[1].Content)
	assert.Equal(t, strings.Join(emitter.chunks, ""), history.appended[1].Content)
	require.NotNil(t, history.appended[1].MetaData)
	assert.True(t, history.appended[1].MetaData.ExpertConsulted)
	assert.True(t, turn.ExpertConsulted)
	assert.Equal(t, 1, emitter.dones)
}

func TestRunTurn_SynthesizePolicyBuffersExpertAnswer(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"domain_knowledge",
		"what is the optimal pH for tilapia",
		`{"needs_expert":true,"needs_data":false,"decision":"expert","reason":"domain question"}`,
		"For tilapia you should keep the pH between 6.5 and 8.5.",
	}}
	history := &fakeHistory{recent: []store.ChatMessage{
		{Role: "user", Content: "I'm raising tilapia"},
	}}
	ex := &fakeExpert{result: &expert.Result{Success: true, Answer: "pH 6.5-8.5"}}
	o := newTestOrchestrator(client, history, ex, nil, config.DefaultSystemConfig())

	_, emitter, err := runTestTurn(t, o, "and what about pH?")

	require.NoError(t, err)
	assert.False(t, ex.gotOnChunk, "synthesize policy must not stream expert chunks to the client")
	assert.Equal(t, 4, client.calls)
	require.Len(t, history.appended, 2)
	assert.Equal(t, "For tilapia you should keep the pH between 6.5 and 8.5.", history.appended[1].Content)
	assert.Equal(t, strings.Join(emitter.chunks, ""), history.appended[1].Content)
	assert.True(t, history.appended[1].MetaData.ExpertConsulted)
}

func TestRunTurn_ExpertFailureFallsBackToSynthesis(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"domain_knowledge",
		"white spot disease treatment",
		`{"needs_expert":true,"needs_data":false,"decision":"expert","reason":"disease"}`,
		"White spots are often caused by Ich; quarantine and treat the water.",
	}}
	history := &fakeHistory{recent: []store.ChatMessage{{Role: "user", Content: "hi"}}}
	ex := &fakeExpert{
		result: &expert.Result{Success: false, Error: expert.ErrTimeout.Error()},
		err:    expert.ErrTimeout,
	}
	o := newTestOrchestrator(client, history, ex, nil, config.DefaultSystemConfig())

	_, emitter, err := runTestTurn(t, o, "my fish have white spots")

	require.NoError(t, err)
	require.Len(t, history.appended, 2)
	assert.False(t, history.appended[1].MetaData.ExpertConsulted)
	assert.NotEmpty(t, emitter.chunks)
	assert.Empty(t, emitter.errs, "an expert timeout must not surface an error frame")
	assert.Equal(t, 1, emitter.dones)
}

func TestRunTurn_LongHistoryIsSummarized(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"They discussed pond 2's falling oxygen levels and agreed to run the aerator nightly.",
		"data_query",
		"what were last week's oxygen readings for pond 2",
		`{"needs_expert":false,"needs_data":false,"decision":"direct","reason":"recap"}`,
		"Last week pond 2's oxygen hovered around 5 mg/L.",
	}}
	var rows []store.ChatMessage
	for i := 0; i < 6; i++ {
		rows = append(rows,
			store.ChatMessage{Role: "user", Content: "reading?"},
			store.ChatMessage{Role: "assistant", Content: "5 mg/L"},
		)
	}
	history := &fakeHistory{recent: rows}
	ex := &fakeExpert{result: &expert.Result{Success: false}}
	sysCfg := config.DefaultSystemConfig()
	sysCfg.HistorySummarizeThreshold = 10
	sysCfg.HistoryKeepRecentCount = 4
	o := newTestOrchestrator(client, history, ex, nil, sysCfg)

	turn, emitter, err := runTestTurn(t, o, "what about last week?")

	require.NoError(t, err)
	assert.Equal(t, 5, client.calls, "summary runs as its own LLM call before the pipeline stages")
	require.Len(t, turn.History, 5, "one summary turn plus the kept recent window")
	assert.Equal(t, "system", turn.History[0].Role)
	assert.Contains(t, turn.History[0].Content, "aerator nightly")
	assert.Equal(t, 1, emitter.dones)
}

func TestCondenseHistory_PassesThroughBelowThreshold(t *testing.T) {
	client := &scriptedClient{}
	o := newTestOrchestrator(client, &fakeHistory{}, &fakeExpert{}, nil, config.DefaultSystemConfig())

	history := []HistoryTurn{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}
	out := o.condenseHistory(context.Background(), history)

	assert.Equal(t, history, out)
	assert.Zero(t, client.calls)
}

func TestRunTurn_DeviceControlBranch(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"device_control",
		"The feeder in pond 2 has been started.",
	}}
	history := &fakeHistory{}
	dev := &fakeDevice{resp: &device.ActionResponse{Success: true, Data: map[string]any{"status": "running"}}}
	ex := &fakeExpert{result: &expert.Result{Success: false}}
	o := newTestOrchestrator(client, history, ex, dev, config.DefaultSystemConfig())

	turn, emitter, err := runTestTurn(t, o, "start the feeder in pond 2")

	require.NoError(t, err)
	require.Len(t, dev.reqs, 1)
	assert.Equal(t, "query", dev.reqs[0].Action)
	assert.Equal(t, 2, client.calls, "device branch skips rewrite and routing")
	assert.Equal(t, "device", turn.Routing.Decision)

	require.Len(t, history.appended, 2)
	assert.Equal(t, IntentDeviceControl, history.appended[1].Type)
	assert.Equal(t, strings.Join(emitter.chunks, ""), history.appended[1].Content)
	assert.Contains(t, turn.DataSources, "device")
}

func TestRunTurn_UserPersistFailureFailsHard(t *testing.T) {
	client := &scriptedClient{}
	history := &fakeHistory{failUserAppend: true}
	ex := &fakeExpert{result: &expert.Result{Success: false}}
	o := newTestOrchestrator(client, history, ex, nil, config.DefaultSystemConfig())

	_, emitter, err := runTestTurn(t, o, "hello")

	require.NoError(t, err)
	assert.Equal(t, []string{"storage_error"}, emitter.errs)
	assert.Zero(t, emitter.dones)
	assert.Empty(t, emitter.chunks)
	assert.Empty(t, history.appended, "no assistant row after a failed user persist")
	assert.Zero(t, client.calls)
}

func TestRunTurn_HistoryLoadFailureDegradesButStillAnswers(t *testing.T) {
	client := &scriptedClient{responses: []string{"I can still help; what do you need?"}}
	history := &fakeHistory{recentErr: assert.AnError}
	ex := &fakeExpert{result: &expert.Result{Success: false}}
	o := newTestOrchestrator(client, history, ex, nil, config.DefaultSystemConfig())

	_, emitter, err := runTestTurn(t, o, "hello")

	require.NoError(t, err)
	assert.Equal(t, []string{"storage_error"}, emitter.errs)
	assert.NotEmpty(t, emitter.chunks)
	assert.Equal(t, 1, emitter.dones)
	require.Len(t, history.appended, 2, "user row and degraded assistant row are both persisted")
}

func TestRunTurn_CanceledContextProducesNoAssistantRow(t *testing.T) {
	client := &scriptedClient{responses: []string{"chitchat", `{"decision":"direct"}`, "hi"}}
	history := &fakeHistory{}
	ex := &fakeExpert{result: &expert.Result{Success: false}}
	o := newTestOrchestrator(client, history, ex, nil, config.DefaultSystemConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	turn := NewTurnState("sess-1", "user-1", "hello", "user-msg-1", time.Now())
	emitter := &fakeEmitter{}

	err := o.RunTurn(ctx, turn, emitter)

	assert.Error(t, err)
	assert.Zero(t, emitter.dones)
	for _, m := range history.appended {
		assert.NotEqual(t, "assistant", m.Role)
	}
}

func TestAttachImage_DecodesCameraFrame(t *testing.T) {
	o := newTestOrchestrator(&scriptedClient{}, &fakeHistory{}, &fakeExpert{}, nil, config.DefaultSystemConfig())
	turn := NewTurnState("sess-1", "user-1", "show me pond 2", "user-msg-1", time.Now())

	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}
	o.attachImage(context.Background(), turn, map[string]any{
		"image_b64": base64.StdEncoding.EncodeToString(png),
		"camera":    "pond-2",
	})

	require.Len(t, turn.Images, 1)
	assert.Equal(t, llm.BlockTypeImage, turn.Images[0].Type)
	assert.Equal(t, "image/png", turn.Images[0].Source.MediaType)
	assert.Contains(t, turn.DataSources, "camera")
}

func TestSummarizeData_StripsImagePayload(t *testing.T) {
	out := summarizeData(map[string]any{"image_b64": "AAAA", "temp": 21.5})

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, m, "image_b64")
	assert.Equal(t, 21.5, m["temp"])
}
