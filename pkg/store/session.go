package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/google/uuid"
)

// Session is the durable record of one conversation, including the
// client-visible config snapshot that round-trips through Ensure.
type Session struct {
	SessionID   string              `json:"session_id"`
	UserID      string              `json:"user_id"`
	Config      jsoniter.RawMessage `json:"config"`
	Status      string              `json:"status"` // "active", "closed"
	SessionName string              `json:"session_name"`
	Summary     string              `json:"summary"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// SessionStore caches Session rows in memory after first load, backed by
// the sessions table.
type SessionStore struct {
	db            *sql.DB
	defaultConfig jsoniter.RawMessage
	mu            sync.RWMutex
	cache         map[string]*Session
}

// NewSessionStore wraps an already-opened database pool. defaultConfig is
// the single source of truth a freshly created session's config snapshot
// starts from; pass config.DefaultSessionConfig(env).
func NewSessionStore(db *sql.DB, defaultConfig jsoniter.RawMessage) *SessionStore {
	return &SessionStore{
		db:            db,
		defaultConfig: defaultConfig,
		cache:         make(map[string]*Session),
	}
}

// Ensure returns the cached session for sessionID, loading it from MySQL
// on first access, or creating one for userID if it does not exist yet.
func (s *SessionStore) Ensure(ctx context.Context, sessionID, userID string) (*Session, error) {
	// An empty id always means "create a fresh session"; it must never hit
	// the cache, or two cold inits would hand different users the same row.
	if sessionID != "" {
		s.mu.RLock()
		if sess, ok := s.cache[sessionID]; ok {
			s.mu.RUnlock()
			return sess, nil
		}
		s.mu.RUnlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID != "" {
		if sess, ok := s.cache[sessionID]; ok {
			return sess, nil
		}
	}

	var sess *Session
	var err error
	if sessionID != "" {
		sess, err = s.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}
	if sess == nil {
		sess, err = s.create(ctx, sessionID, userID)
		if err != nil {
			return nil, err
		}
	}

	s.cache[sess.SessionID] = sess
	return sess, nil
}

func (s *SessionStore) load(ctx context.Context, sessionID string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, config, status, session_name, summary, created_at, updated_at
		FROM sessions WHERE session_id = ?`, sessionID)

	var sess Session
	var cfgStr string
	err := row.Scan(&sess.SessionID, &sess.UserID, &cfgStr, &sess.Status,
		&sess.SessionName, &sess.Summary, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.Config = jsoniter.RawMessage(cfgStr)
	return &sess, nil
}

func (s *SessionStore) create(ctx context.Context, sessionID, userID string) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now()
	sess := &Session{
		SessionID: sessionID,
		UserID:    userID,
		Config:    s.defaultConfig,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, config, status, session_name, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.UserID, string(sess.Config), sess.Status, sess.SessionName, sess.Summary,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// UpdateConfig deep-merges patch into the session's stored config,
// preserving unknown keys the patch doesn't touch, and persists the
// result immediately.
func (s *SessionStore) UpdateConfig(ctx context.Context, sessionID string, patch jsoniter.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.cache[sessionID]
	if !ok {
		return fmt.Errorf("session %s not initialized", sessionID)
	}

	var base, patchMap map[string]any
	if err := json.Unmarshal(sess.Config, &base); err != nil || base == nil {
		base = map[string]any{}
	}
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return fmt.Errorf("invalid config patch: %w", err)
	}

	merged := deepMergeConfig(base, patchMap)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode merged config: %w", err)
	}

	sess.Config = jsoniter.RawMessage(mergedJSON)
	sess.UpdatedAt = time.Now()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET config = ?, updated_at = ? WHERE session_id = ?`,
		string(sess.Config), sess.UpdatedAt, sessionID)
	if err != nil {
		return fmt.Errorf("failed to persist session config: %w", err)
	}
	return nil
}

// deepMergeConfig recursively overlays patch onto base, recursing into
// nested objects (e.g. "rag") instead of replacing them wholesale.
func deepMergeConfig(base, patch map[string]any) map[string]any {
	for k, v := range patch {
		if patchNested, ok := v.(map[string]any); ok {
			if baseNested, ok := base[k].(map[string]any); ok {
				base[k] = deepMergeConfig(baseNested, patchNested)
				continue
			}
		}
		base[k] = v
	}
	return base
}
