// Package pipeline implements the per-turn state machine that turns one
// user message into one streamed assistant turn.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hefeijay/aquagateway/pkg/config"
	"github.com/hefeijay/aquagateway/pkg/device"
	"github.com/hefeijay/aquagateway/pkg/expert"
	"github.com/hefeijay/aquagateway/pkg/llm"
	"github.com/hefeijay/aquagateway/pkg/monitor"
	"github.com/hefeijay/aquagateway/pkg/store"
	"github.com/hefeijay/aquagateway/pkg/utils"
	"github.com/hefeijay/aquagateway/pkg/weather"
)

// Emitter is the orchestrator's only view of the outbound socket — the
// capability to push frames to one client, owned by whichever connection
// is running this turn (pkg/server implements it). Kept minimal so this
// package never imports gorilla/websocket.
type Emitter interface {
	EmitStreamChunk(sessionID, content, messageID string, ts time.Time) error
	EmitStatus(sessionID, stage, detail string) error
	EmitError(code, message string) error
	EmitDone(sessionID, messageID, warning string) error
}

// HistoryRepo is the slice of the history store the orchestrator needs.
type HistoryRepo interface {
	Append(ctx context.Context, msg store.ChatMessage) error
	Recent(ctx context.Context, sessionID string, limit int) ([]store.ChatMessage, error)
}

// Consultant is the slice of the expert client the orchestrator needs.
type Consultant interface {
	Consult(ctx context.Context, query, agentType, sessionID string, extraConfig map[string]any, onChunk func(string)) (*expert.Result, error)
}

// Dependencies are the collaborators injected into an Orchestrator at
// construction; none of them are process-wide singletons.
type Dependencies struct {
	History HistoryRepo
	LLM     llm.LLMClient
	Expert  Consultant
	Weather weather.Provider
	Device  device.Controller
	SysCfg  *config.SystemConfig
}

// Orchestrator executes the per-turn state machine. One Orchestrator is
// shared by every connection; it holds no per-connection or per-turn
// mutable state itself (that lives in TurnState, owned by the caller of
// RunTurn).
type Orchestrator struct {
	history HistoryRepo
	client  llm.LLMClient
	expert  Consultant
	weather weather.Provider
	device  device.Controller
	sysCfg  *config.SystemConfig

	rewrite   *RewriteStage
	intent    *IntentStage
	routing   *RoutingStage
	synthesis *SynthesisStage
	summary   *SummaryStage
}

// NewOrchestrator builds an Orchestrator from deps.
func NewOrchestrator(deps Dependencies) *Orchestrator {
	return &Orchestrator{
		history:   deps.History,
		client:    deps.LLM,
		expert:    deps.Expert,
		weather:   deps.Weather,
		device:    deps.Device,
		sysCfg:    deps.SysCfg,
		rewrite:   &RewriteStage{Client: deps.LLM},
		intent:    &IntentStage{Client: deps.LLM},
		routing:   &RoutingStage{Client: deps.LLM},
		synthesis: &SynthesisStage{Client: deps.LLM},
		summary:   &SummaryStage{Client: deps.LLM},
	}
}

// RunTurn executes the full state machine for one user message. turn must
// already carry SessionID/UserID/OriginalText and the pre-allocated
// UserMessageID/UserTimestamp the caller already echoed to the client as a
// newChatMessage frame.
func (o *Orchestrator) RunTurn(ctx context.Context, turn *TurnState, emitter Emitter) error {
	turn.AssistantMessageID = uuid.NewString()
	turn.AssistantTimestamp = time.Now()

	// Tag every log line and debug artifact of this turn with its identity.
	turnID := turn.SessionID + "/" + turn.AssistantMessageID
	ctx = monitor.WithTurnID(ctx, turnID)
	ctx = context.WithValue(ctx, llm.DebugDirContextKey, turnID)

	// LOAD_HISTORY
	history, err := o.history.Recent(ctx, turn.SessionID, o.historyWindow())
	degraded := false
	if err != nil {
		slog.ErrorContext(ctx, "failed to load history, degrading turn", "error", err)
		degraded = true
	} else {
		turn.History = o.condenseHistory(ctx, toHistoryTurns(history))
	}

	// PERSIST_USER
	err = o.history.Append(ctx, store.ChatMessage{
		SessionID: turn.SessionID,
		Role:      "user",
		Content:   turn.OriginalText,
		Type:      "text",
		MessageID: turn.UserMessageID,
		Timestamp: turn.UserTimestamp,
		UpdatedAt: turn.UserTimestamp,
	})
	if err != nil {
		// FAIL_HARD: pre-persist failure, no assistant row, keep connection.
		slog.ErrorContext(ctx, "failed to persist user message", "error", err)
		return emitter.EmitError("storage_error", "your message could not be saved, please try again")
	}

	if degraded {
		return o.failSoft(ctx, turn, emitter)
	}

	// optional WEATHER
	if o.weather != nil {
		if wc, werr := o.weather.Lookup(ctx, turn.OriginalText); werr == nil && wc != nil {
			turn.WeatherContext = wc.Summary
		}
	}

	// INTENT
	label, usage, err := retryCall(ctx, o, func(c context.Context) (string, *llm.LLMUsage, error) {
		return o.intent.Run(c, turn.OriginalText, turn.History)
	})
	llm.LogUsage("intent", usage)
	if err != nil {
		slog.WarnContext(ctx, "intent classification failed, defaulting to other", "error", err)
		label = IntentOther
	}
	turn.Intent = label
	o.showThinking(turn, emitter, "intent", label)

	if turn.Intent == IntentDeviceControl {
		return o.deviceBranch(ctx, turn, emitter)
	}

	// REWRITE
	rewritten, usage, err := retryCall(ctx, o, func(c context.Context) (string, *llm.LLMUsage, error) {
		return o.rewrite.Run(c, turn.OriginalText, turn.History)
	})
	llm.LogUsage("rewrite", usage)
	if err != nil || rewritten == "" {
		slog.WarnContext(ctx, "query rewrite failed, using original text", "error", err)
		rewritten = turn.OriginalText
	}
	turn.RewrittenText = rewritten
	o.showThinking(turn, emitter, "rewrite", rewritten)

	// ROUTE
	routing, routeUsage, err := retryCall(ctx, o, func(c context.Context) (RoutingDecision, *llm.LLMUsage, error) {
		return o.routing.Run(c, rewritten, turn.Intent)
	})
	llm.LogUsage("routing", routeUsage)
	if err != nil {
		slog.WarnContext(ctx, "routing decision failed, answering directly", "error", err)
		routing = RoutingDecision{Decision: "direct", Reason: "routing stage call failed"}
	}
	turn.Routing = routing
	o.showThinking(turn, emitter, "routing", routing.Decision)

	var expertAnswer string
	if routing.NeedsExpert && o.sysCfg.EnableExpertConsultation {
		result := o.expertStream(ctx, turn, rewritten, emitter)
		if result != nil && result.Success {
			turn.ExpertConsulted = true
			turn.Expert = &ExpertOutcome{Success: result.Success, Answer: result.Answer}
			turn.DataSources = append(turn.DataSources, "expert")

			if o.sysCfg.ExpertStreamPolicy == "forward" {
				// The forward callback already streamed every chunk to the
				// client and into the buffer; synthesis is suppressed so
				// only one producer wrote to this assistant_message_id.
				return o.persistAndDone(ctx, turn, emitter)
			}
			expertAnswer = result.Answer
		}
		// Expert timeouts/errors never retry; the turn continues down the
		// no-expert path. Any partial answer the forward policy already
		// emitted stays in the buffer so the persisted row still equals the
		// concatenation of everything the client saw.
	}

	var dataContext string
	if routing.NeedsData {
		dataContext = o.dataLookup(ctx, turn)
	}

	return o.synthesize(ctx, turn, rewritten, expertAnswer, dataContext, emitter)
}

// historyWindow is how many rows LOAD_HISTORY fetches: enough to notice a
// session has outgrown the prompt window, never less than the plain
// 20-message window short sessions use.
func (o *Orchestrator) historyWindow() int {
	if t := o.sysCfg.HistorySummarizeThreshold; t > 20 {
		return t
	}
	return 20
}

// condenseHistory replaces the older part of a long conversation with one
// synthetic system turn holding its summary, keeping the most recent
// HistoryKeepRecentCount turns verbatim. Below the threshold (or with
// summarization disabled via a non-positive knob) history passes through
// untouched; on a failed summary the recent window alone is kept, since an
// unsummarized tail beats a failed turn.
func (o *Orchestrator) condenseHistory(ctx context.Context, history []HistoryTurn) []HistoryTurn {
	threshold := o.sysCfg.HistorySummarizeThreshold
	keep := o.sysCfg.HistoryKeepRecentCount
	if threshold <= 0 || keep <= 0 || len(history) < threshold || len(history) <= keep {
		return history
	}

	older, recent := history[:len(history)-keep], history[len(history)-keep:]
	summary, usage, err := retryCall(ctx, o, func(c context.Context) (string, *llm.LLMUsage, error) {
		return o.summary.Run(c, older)
	})
	llm.LogUsage("summary", usage)
	if err != nil || summary == "" {
		slog.WarnContext(ctx, "history summarization failed, keeping recent window only", "error", err)
		return recent
	}

	out := make([]HistoryTurn, 0, keep+1)
	out = append(out, HistoryTurn{Role: "system", Content: "Summary of the earlier conversation: " + summary})
	out = append(out, recent...)
	return out
}

// failSoft implements the degraded path: history failed to load, so
// synthesis proceeds with an empty history window, and the client sees an
// error frame alongside whatever the synthesizer still manages to say.
func (o *Orchestrator) failSoft(ctx context.Context, turn *TurnState, emitter Emitter) error {
	_ = emitter.EmitError("storage_error", "conversation history is temporarily unavailable")
	turn.History = nil
	return o.synthesize(ctx, turn, turn.OriginalText, "", "", emitter)
}

// deviceBranch handles the device_control intent: dispatch the action to
// the external device controller, then let synthesis narrate the outcome
// in natural language.
func (o *Orchestrator) deviceBranch(ctx context.Context, turn *TurnState, emitter Emitter) error {
	turn.Routing = RoutingDecision{Decision: "device", Reason: "device_control intent"}

	var dataContext string
	resp, err := o.device.Execute(ctx, device.ActionRequest{
		Action: "query",
		Params: map[string]any{"text": turn.OriginalText, "session_id": turn.SessionID},
	})
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "device action request failed", "error", err)
		dataContext = "The device control request could not be completed due to a connection problem."
	case resp == nil || !resp.Success:
		reason := "unknown reason"
		if resp != nil && resp.Error != "" {
			reason = resp.Error
		}
		dataContext = fmt.Sprintf("The device control request was rejected: %s.", reason)
	default:
		o.attachImage(ctx, turn, resp.Data)
		dataContext = fmt.Sprintf("Device action result: %v", summarizeData(resp.Data))
		turn.DataSources = append(turn.DataSources, "device")
	}

	return o.synthesize(ctx, turn, turn.OriginalText, "", dataContext, emitter)
}

// dataLookup is the best-effort local data fallback, run whenever
// needs_data is set, whether or not the expert was also consulted. The core has no sensor/feeder/
// image endpoint of its own, so this reuses the same device.Controller as
// a read-only query channel.
func (o *Orchestrator) dataLookup(ctx context.Context, turn *TurnState) string {
	resp, err := o.device.Execute(ctx, device.ActionRequest{
		Action: "lookup",
		Params: map[string]any{"text": turn.OriginalText, "session_id": turn.SessionID},
	})
	if err != nil || resp == nil || !resp.Success {
		return ""
	}
	o.attachImage(ctx, turn, resp.Data)
	turn.DataSources = append(turn.DataSources, "data_lookup")
	return fmt.Sprintf("%v", summarizeData(resp.Data))
}

// attachImage lifts a camera frame out of a device response and attaches
// it to the turn as multimodal grounding for synthesis. Device endpoints
// return snapshots as an "image_b64" field inside Data.
func (o *Orchestrator) attachImage(ctx context.Context, turn *TurnState, data any) {
	m, ok := data.(map[string]any)
	if !ok {
		return
	}
	encoded, ok := m["image_b64"].(string)
	if !ok || encoded == "" {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		slog.WarnContext(ctx, "discarding undecodable camera frame", "error", err)
		return
	}
	mimeType, _ := utils.DetectMimeAndExt(raw)
	turn.Images = append(turn.Images, llm.NewImageBlock(raw, mimeType))
	turn.DataSources = append(turn.DataSources, "camera")
}

// summarizeData strips bulky binary payloads from a device response before
// it is inlined into a synthesis prompt; the image itself travels as a
// content block instead.
func summarizeData(data any) any {
	m, ok := data.(map[string]any)
	if !ok {
		return data
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == "image_b64" {
			continue
		}
		out[k] = v
	}
	return out
}

// expertStream runs the expert consultation. Under the "forward" policy,
// chunks are relayed to the client as they arrive; under "synthesize" they
// are buffered and handed to synthesis as grounding instead, so at most
// one producer change (expert to synthesizer) happens per turn.
func (o *Orchestrator) expertStream(ctx context.Context, turn *TurnState, query string, emitter Emitter) *expert.Result {
	forward := o.sysCfg.ExpertStreamPolicy == "forward"

	var onChunk func(string)
	if forward {
		onChunk = func(chunk string) {
			turn.Buffer.WriteString(chunk)
			if err := emitter.EmitStreamChunk(turn.SessionID, chunk, turn.AssistantMessageID, turn.AssistantTimestamp); err != nil {
				slog.WarnContext(ctx, "failed to forward expert chunk", "error", err)
			}
		}
	}

	result, err := o.expert.Consult(ctx, query, "japan", turn.SessionID, nil, onChunk)
	if err != nil {
		slog.WarnContext(ctx, "expert consultation failed or timed out", "error", err)
	}
	return result
}

// errStreamInterrupted marks a synthesis attempt that cannot be retried
// because a previous attempt already delivered tokens to the client.
var errStreamInterrupted = errors.New("synthesis stream already delivered tokens")

// synthesize runs the streaming synthesis stage, forwarding tokens to the
// client as they arrive and falling back to a short apology if the LLM
// call never produces anything after bounded retries.
func (o *Orchestrator) synthesize(ctx context.Context, turn *TurnState, text, expertAnswer, dataContext string, emitter Emitter) error {
	emitted := false
	onChunk := func(chunk string) {
		emitted = true
		turn.Buffer.WriteString(chunk)
		if err := emitter.EmitStreamChunk(turn.SessionID, chunk, turn.AssistantMessageID, turn.AssistantTimestamp); err != nil {
			slog.WarnContext(ctx, "failed to forward synthesis chunk", "error", err)
		}
	}

	_, usage, err := retryCall(ctx, o, func(c context.Context) (string, *llm.LLMUsage, error) {
		if emitted {
			// Tokens already reached the client; restarting the stream
			// would duplicate them under the same assistant_message_id.
			return "", nil, errStreamInterrupted
		}
		return o.synthesis.Run(c, text, turn.History, expertAnswer, dataContext, turn.WeatherContext, turn.Images, onChunk)
	})
	llm.LogUsage("synthesis", usage)

	if ctx.Err() != nil {
		// Disconnect mid-turn: quiet shutdown, no frames, no assistant row.
		return ctx.Err()
	}
	if err != nil {
		slog.ErrorContext(ctx, "synthesis failed after bounded retries", "error", err)
		if !emitted {
			onChunk("I'm sorry, I couldn't generate a response just now. Please try again in a moment.")
		}
	}

	return o.persistAndDone(ctx, turn, emitter)
}

// persistAndDone writes the full accumulated buffer exactly once, then
// emits the done frame — even when persistence itself fails, in which case
// the done frame carries a warning instead of the turn erroring out.
func (o *Orchestrator) persistAndDone(ctx context.Context, turn *TurnState, emitter Emitter) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	meta := &store.MessageMeta{
		Routing: &store.RoutingDecision{
			NeedsExpert: turn.Routing.NeedsExpert,
			NeedsData:   turn.Routing.NeedsData,
			Decision:    turn.Routing.Decision,
			Reason:      turn.Routing.Reason,
		},
		ExpertConsulted: turn.ExpertConsulted,
		DataSources:     turn.DataSources,
	}

	err := o.history.Append(ctx, store.ChatMessage{
		SessionID: turn.SessionID,
		Role:      "assistant",
		Content:   turn.Buffer.String(),
		Type:      turn.Intent,
		MessageID: turn.AssistantMessageID,
		MetaData:  meta,
		Timestamp: turn.AssistantTimestamp,
		UpdatedAt: time.Now(),
	})

	warning := ""
	if err != nil {
		slog.ErrorContext(ctx, "failed to persist assistant message", "error", err)
		warning = "assistant response was not durably saved"
	}
	return emitter.EmitDone(turn.SessionID, turn.AssistantMessageID, warning)
}

// retryCall bounds a stage call to o.sysCfg.MaxRetries total attempts with
// exponential backoff starting at o.sysCfg.RetryDelayMs, doubling per
// attempt. Each attempt is separately bounded by LLMTimeoutMs. Retry
// eligibility is delegated to o.client.IsTransientError.
func retryCall[T any](ctx context.Context, o *Orchestrator, fn func(context.Context) (T, *llm.LLMUsage, error)) (T, *llm.LLMUsage, error) {
	maxAttempts := o.sysCfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := time.Duration(o.sysCfg.RetryDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	callTimeout := time.Duration(o.sysCfg.LLMTimeoutMs) * time.Millisecond
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, callTimeout)
		v, usage, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return v, usage, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, nil, ctx.Err()
		}
		if !o.client.IsTransientError(err) || attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return zero, nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return zero, nil, lastErr
}

// showThinking surfaces an intermediate stage's output as a status frame
// when system.json's show_thinking flag is enabled, purely for client-side
// observability; it never affects the turn's outcome.
func (o *Orchestrator) showThinking(turn *TurnState, emitter Emitter, stage, detail string) {
	if !o.sysCfg.ShowThinking {
		return
	}
	if err := emitter.EmitStatus(turn.SessionID, stage, detail); err != nil {
		slog.Warn("failed to emit status frame", "session_id", turn.SessionID, "stage", stage, "error", err)
	}
}

func toHistoryTurns(msgs []store.ChatMessage) []HistoryTurn {
	out := make([]HistoryTurn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, HistoryTurn{Role: m.Role, Content: m.Content})
	}
	return out
}
