package pipeline

import (
	"strings"
	"time"

	"github.com/hefeijay/aquagateway/pkg/llm"
)

// Intent labels the closed set the orchestrator branches on. Additional
// labels a classifier might return collapse to IntentOther.
const (
	IntentChitchat        = "chitchat"
	IntentDataQuery       = "data_query"
	IntentDeviceControl   = "device_control"
	IntentDomainKnowledge = "domain_knowledge"
	IntentOther           = "other"
)

var knownIntents = map[string]bool{
	IntentChitchat:        true,
	IntentDataQuery:       true,
	IntentDeviceControl:   true,
	IntentDomainKnowledge: true,
	IntentOther:           true,
}

// HistoryTurn is the stripped-down {role, content} shape pipeline stages
// and the LLM prompt both consume.
type HistoryTurn struct {
	Role    string
	Content string
}

// RoutingDecision is the structured output of the routing stage.
type RoutingDecision struct {
	NeedsExpert bool   `json:"needs_expert"`
	NeedsData   bool   `json:"needs_data"`
	Decision    string `json:"decision"`
	Reason      string `json:"reason"`
}

// ExpertOutcome is the turn's own copy of a successful expert.Result,
// kept on TurnState for the rest of the turn.
type ExpertOutcome struct {
	Success    bool
	Answer     string
	Confidence float64
	Sources    []string
	Metadata   map[string]any
}

// TurnState is the per-request transient object the orchestrator threads
// through one user turn. It is created at turn start and discarded at
// turn end; nothing here outlives RunTurn.
type TurnState struct {
	SessionID string
	UserID    string

	OriginalText   string
	RewrittenText  string
	History        []HistoryTurn
	WeatherContext string

	// Images holds camera frames lifted out of device responses, attached
	// to the synthesis prompt as multimodal grounding.
	Images []llm.ContentBlock

	Intent  string
	Routing RoutingDecision
	Expert  *ExpertOutcome

	UserMessageID string
	UserTimestamp time.Time

	AssistantMessageID string
	AssistantTimestamp time.Time

	Buffer          strings.Builder
	ExpertConsulted bool
	DataSources     []string
}

// NewTurnState allocates a TurnState for one incoming user message. The
// caller supplies userMessageID/userTimestamp because the server has
// already echoed them to the client as a newChatMessage frame before the
// orchestrator is invoked; the two identities must match for the
// persisted row and the echo frame to agree.
func NewTurnState(sessionID, userID, originalText, userMessageID string, userTimestamp time.Time) *TurnState {
	return &TurnState{
		SessionID:     sessionID,
		UserID:        userID,
		OriginalText:  originalText,
		UserMessageID: userMessageID,
		UserTimestamp: userTimestamp,
	}
}

func normalizeIntent(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if !knownIntents[label] {
		return IntentOther
	}
	return label
}
