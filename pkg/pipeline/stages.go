package pipeline

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/hefeijay/aquagateway/pkg/llm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Rewrite, intent and routing each build a prompt, drain one
// non-streaming call, and parse the result; synthesis streams. The
// stages stay distinct small structs rather than implementations of one
// generic interface, since nothing is gained from unifying four
// unrelated input/output shapes behind a common type.

func renderHistory(history []HistoryTurn) string {
	var sb strings.Builder
	for _, h := range history {
		fmt.Fprintf(&sb, "[%s] %s\n", h.Role, h.Content)
	}
	return sb.String()
}

// extractJSON strips a possible ```json ... ``` fence a chat model may
// wrap its structured answer in.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// RewriteStage turns a possibly context-dependent user utterance into a
// single self-contained query. It is deterministic on empty history: the
// input passes through unchanged without an LLM call.
type RewriteStage struct {
	Client llm.LLMClient
}

func (s *RewriteStage) Run(ctx context.Context, original string, history []HistoryTurn) (string, *llm.LLMUsage, error) {
	if len(history) == 0 {
		return original, nil, nil
	}

	sysPrompt := "You rewrite a user's follow-up message into a single self-contained query, " +
		"using the conversation history only to resolve pronouns and ellipsis. " +
		"If the message already stands on its own, return it unchanged. " +
		"Reply with only the rewritten query and nothing else."

	msgs := []llm.Message{
		llm.NewSystemMessage(sysPrompt),
		llm.NewUserMessage(fmt.Sprintf("History:\n%s\nLatest message: %s", renderHistory(history), original)),
	}

	text, usage, err := llm.Call(ctx, s.Client, msgs, nil)
	if err != nil {
		return original, usage, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return original, usage, nil
	}
	return text, usage, nil
}

// IntentStage classifies (possibly rewritten) text into the closed intent
// set.
type IntentStage struct {
	Client llm.LLMClient
}

func (s *IntentStage) Run(ctx context.Context, text string, history []HistoryTurn) (string, *llm.LLMUsage, error) {
	sysPrompt := "Classify the user's message into exactly one of these intent labels: " +
		"chitchat, data_query, device_control, domain_knowledge, other. " +
		"device_control means the user wants to operate equipment (feeders, aerators, pumps, cameras). " +
		"Reply with only the label, nothing else."

	msgs := []llm.Message{
		llm.NewSystemMessage(sysPrompt),
		llm.NewUserMessage(fmt.Sprintf("History:\n%s\nMessage: %s", renderHistory(history), text)),
	}

	out, usage, err := llm.Call(ctx, s.Client, msgs, nil)
	if err != nil {
		return IntentOther, usage, err
	}
	return normalizeIntent(out), usage, nil
}

// RoutingStage decides whether the turn needs the upstream expert and/or a
// best-effort local data lookup.
type RoutingStage struct {
	Client llm.LLMClient
}

func (s *RoutingStage) Run(ctx context.Context, text, intent string) (RoutingDecision, *llm.LLMUsage, error) {
	sysPrompt := "Decide how to answer an aquaculture question. Reply with strict JSON and nothing else: " +
		`{"needs_expert":bool,"needs_data":bool,"decision":"expert"|"data"|"direct","reason":"short reason"}. ` +
		"Set needs_expert true only when the question needs specialized domain knowledge beyond general " +
		"conversation. Set needs_data true when the answer depends on current sensor readings or records."

	msgs := []llm.Message{
		llm.NewSystemMessage(sysPrompt),
		llm.NewUserMessage(fmt.Sprintf("Intent: %s\nMessage: %s", intent, text)),
	}

	out, usage, err := llm.Call(ctx, s.Client, msgs, nil)
	if err != nil {
		return RoutingDecision{Decision: "direct", Reason: "routing stage call failed"}, usage, err
	}

	var decision RoutingDecision
	if jsonErr := json.Unmarshal([]byte(extractJSON(out)), &decision); jsonErr != nil {
		return RoutingDecision{Decision: "direct", Reason: "unparsable routing response"}, usage, nil
	}
	if decision.Decision == "" {
		decision.Decision = "direct"
	}
	return decision, usage, nil
}

// SummaryStage condenses the older part of a long conversation into a
// short synopsis so the prompt window stays bounded as a session grows.
type SummaryStage struct {
	Client llm.LLMClient
}

func (s *SummaryStage) Run(ctx context.Context, history []HistoryTurn) (string, *llm.LLMUsage, error) {
	sysPrompt := "Summarize the following conversation between a fish farmer and an assistant in a few " +
		"sentences. Keep concrete facts (species, pond ids, measurements, equipment, decisions) and drop " +
		"pleasantries. Reply with only the summary."

	msgs := []llm.Message{
		llm.NewSystemMessage(sysPrompt),
		llm.NewUserMessage(renderHistory(history)),
	}

	out, usage, err := llm.Call(ctx, s.Client, msgs, nil)
	return strings.TrimSpace(out), usage, err
}

// SynthesisStage produces the final streamed assistant text, grounding
// its reply in an expert answer and/or data/weather context when present.
type SynthesisStage struct {
	Client llm.LLMClient
}

func (s *SynthesisStage) Run(
	ctx context.Context,
	text string,
	history []HistoryTurn,
	expertAnswer, dataContext, weatherContext string,
	images []llm.ContentBlock,
	onChunk func(string),
) (string, *llm.LLMUsage, error) {
	var sysPrompt strings.Builder
	sysPrompt.WriteString("You are the aquaculture operations assistant. Answer conversationally, in the " +
		"same language the user wrote in, using the conversation history for continuity.")

	if expertAnswer != "" {
		sysPrompt.WriteString("\n\nBase your answer on this expert guidance, restated in your own words " +
			"and tailored to the user's question:\n")
		sysPrompt.WriteString(expertAnswer)
	}
	if dataContext != "" {
		fmt.Fprintf(&sysPrompt, "\n\nRelevant data:\n%s", dataContext)
	}
	if weatherContext != "" {
		fmt.Fprintf(&sysPrompt, "\n\nWeather context:\n%s", weatherContext)
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.NewSystemMessage(sysPrompt.String()))
	for _, h := range history {
		msgs = append(msgs, llm.NewTextMessage(h.Role, h.Content))
	}
	userMsg := llm.NewUserMessage(text)
	for _, img := range images {
		userMsg.AddContentBlock(img)
	}
	msgs = append(msgs, userMsg)

	return llm.Call(ctx, s.Client, msgs, onChunk)
}
