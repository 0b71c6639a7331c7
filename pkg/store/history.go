package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/hefeijay/aquagateway/pkg/llm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RoutingDecision is the persisted shape of a turn's routing stage output.
type RoutingDecision struct {
	NeedsExpert bool   `json:"needs_expert"`
	NeedsData   bool   `json:"needs_data"`
	Decision    string `json:"decision"`
	Reason      string `json:"reason"`
}

// MessageMeta is the meta_data JSON document attached to assistant
// messages, capturing what the orchestrator consulted to produce them.
type MessageMeta struct {
	Routing         *RoutingDecision `json:"routing,omitempty"`
	ExpertConsulted bool             `json:"expert_consulted"`
	DataSources     []string         `json:"data_sources,omitempty"`
}

// ChatMessage is one row of durable conversation history.
type ChatMessage struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"` // "user", "assistant", "system", "tool"
	Content   string          `json:"content"`
	Type      string          `json:"type"`   // "text" for user rows; the intent label for assistant rows
	Status    string          `json:"status"` // "complete", "streaming", "failed"
	MessageID string          `json:"message_id"`
	ToolCalls []llm.ToolCall  `json:"tool_calls,omitempty"`
	MetaData  *MessageMeta    `json:"meta_data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// HistoryStore is the durable, concurrency-safe conversation log. It
// serializes appends per session_id (one mutex per session over a shared
// sync.Map) and backs reads with MySQL.
type HistoryStore struct {
	db        *sql.DB
	sessionMu sync.Map // session_id -> *sync.Mutex
}

// NewHistoryStore wraps an already-opened database pool.
func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (s *HistoryStore) lockFor(sessionID string) *sync.Mutex {
	v, _ := s.sessionMu.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Append inserts msg, serialized within a per-session_id lock so that
// concurrent turns on the same session never interleave writes.
func (s *HistoryStore) Append(ctx context.Context, msg ChatMessage) error {
	mu := s.lockFor(msg.SessionID)
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var toolCallsJSON, metaJSON []byte
	var err error
	if len(msg.ToolCalls) > 0 {
		toolCallsJSON, err = json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to marshal tool_calls: %w", err)
		}
	}
	if msg.MetaData != nil {
		metaJSON, err = json.Marshal(msg.MetaData)
		if err != nil {
			return fmt.Errorf("failed to marshal meta_data: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_history
			(session_id, role, content, type, status, message_id, tool_calls, meta_data, timestamp, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Content, msg.Type, msg.Status, msg.MessageID,
		nullableJSON(toolCallsJSON), nullableJSON(metaJSON), msg.Timestamp, msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append chat message: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// Recent returns up to limit messages for sessionID in ascending
// chronological order. An empty history is not an error.
func (s *HistoryStore) Recent(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, type, status, message_id, tool_calls, meta_data, timestamp, updated_at
		FROM chat_history
		WHERE session_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat history: %w", err)
	}
	defer rows.Close()

	var msgs []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var toolCallsJSON, metaJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Type, &m.Status,
			&m.MessageID, &toolCallsJSON, &metaJSON, &m.Timestamp, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		if toolCallsJSON.Valid && toolCallsJSON.String != "" {
			_ = json.UnmarshalFromString(toolCallsJSON.String, &m.ToolCalls)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			m.MetaData = &MessageMeta{}
			_ = json.UnmarshalFromString(metaJSON.String, m.MetaData)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse: query was DESC, callers want ascending chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// FormatForLLM converts durable history rows into llm.Message, keeping
// only the role and text content a prompt needs.
func FormatForLLM(msgs []ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{
			Role:      m.Role,
			Content:   []llm.ContentBlock{llm.NewTextBlock(m.Content)},
			Timestamp: m.Timestamp.Unix(),
		})
	}
	return out
}

// Clear deletes all history for sessionID and reports how many rows were
// removed.
func (s *HistoryStore) Clear(ctx context.Context, sessionID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_history WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear chat history: %w", err)
	}
	return res.RowsAffected()
}
