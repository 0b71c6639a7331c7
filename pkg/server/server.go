// Package server implements the bidirectional session socket: one
// goroutine per connection, a mutex-wrapped SafeConn as the single
// writer, typed protocol.Envelope frames, and a bounded per-connection
// inbound queue so a slow turn never stalls the read loop.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/hefeijay/aquagateway/pkg/config"
	"github.com/hefeijay/aquagateway/pkg/monitor"
	"github.com/hefeijay/aquagateway/pkg/pipeline"
	"github.com/hefeijay/aquagateway/pkg/protocol"
	"github.com/hefeijay/aquagateway/pkg/store"
	"github.com/hefeijay/aquagateway/pkg/utils"
)

// initDeadline bounds how long a fresh connection may sit without
// completing its init handshake before the read loop gives up.
const initDeadline = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SafeConn serializes writes to one websocket.Conn, since gorilla/websocket
// forbids concurrent writers on the same connection (the orchestrator's
// stream-chunk emitter and the connection's own pong/error writers would
// otherwise race).
type SafeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

// WriteJSON marshals v as JSON and writes it as one text frame. It encodes
// with jsoniter so an Envelope's jsoniter.RawMessage data is embedded as
// the JSON object it holds.
func (sc *SafeConn) WriteJSON(v any) error {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.Conn.WriteMessage(websocket.TextMessage, b)
}

// Server owns the HTTP listener and the per-connection lifecycle. One
// Server is shared by every connection; connection state itself lives in
// connState, not here.
type Server struct {
	addr         string
	sysCfg       *config.SystemConfig
	sessions     *store.SessionStore
	history      *store.HistoryStore
	orchestrator *pipeline.Orchestrator
	mon          monitor.Monitor

	httpServer *http.Server
}

// New builds a Server. sysCfg is read fresh on every connection/turn so a
// hot-reloaded system.json (pkg/config.WatchConfig) takes effect without a
// restart. mon may be nil to disable turn-event observability.
func New(addr string, sysCfg *config.SystemConfig, sessions *store.SessionStore, history *store.HistoryStore, orchestrator *pipeline.Orchestrator, mon monitor.Monitor) *Server {
	return &Server{
		addr:         addr,
		sysCfg:       sysCfg,
		sessions:     sessions,
		history:      history,
		orchestrator: orchestrator,
		mon:          mon,
	}
}

// Run starts the HTTP server and blocks until ctx is canceled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("session server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// inboundJob is one queued userSendMessage frame awaiting sequential
// processing; turns on one connection run strictly one at a time in
// arrival order.
type inboundJob struct {
	content   string
	sessionID string
	context   map[string]any
}

// connState is the per-connection state machine: one socket, one session
// once init completes, a bounded inbound queue, and the context used to
// cancel an in-flight turn when the socket closes.
type connState struct {
	conn      *SafeConn
	userID    string
	sessionID string
	initDone  bool

	queue chan inboundJob

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	conn := &SafeConn{Conn: raw}
	connID := utils.GenerateID()
	slog.Info("client connected", "conn_id", connID, "remote", r.RemoteAddr)

	depth := s.sysCfg.InboundQueueDepth
	if depth < 1 {
		depth = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	cs := &connState{
		conn:   conn,
		queue:  make(chan inboundJob, depth),
		ctx:    ctx,
		cancel: cancel,
	}

	defer func() {
		cancel()
		conn.Close()
		slog.Info("client disconnected", "conn_id", connID, "session_id", cs.sessionID)
	}()

	// The handshake deadline is lifted once init completes (handleInit).
	_ = conn.SetReadDeadline(time.Now().Add(initDeadline))

	go s.processQueue(cs)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.handleFrame(cs, raw)
	}
}

// handleFrame demultiplexes one inbound frame: init and ping are accepted
// at any time; userSendMessage (or a legacy flat frame coerced into one
// by protocol.ParseInbound) requires a completed init and is enqueued
// rather than processed inline, so ReadMessage keeps draining the socket
// while a turn runs.
func (s *Server) handleFrame(cs *connState, raw []byte) {
	env, err := protocol.ParseInbound(raw)
	if err != nil {
		_ = cs.conn.WriteJSON(protocol.ErrorFrame("bad_frame", "could not parse message"))
		return
	}

	switch env.Type {
	case protocol.TypeInit:
		s.handleInit(cs, env)
	case protocol.TypePing:
		_ = cs.conn.WriteJSON(protocol.Envelope{Type: protocol.TypePong})
	case protocol.TypeUpdateConfig:
		s.handleUpdateConfig(cs, env)
	case protocol.TypeUserSendMessage:
		if !cs.initDone {
			_ = cs.conn.WriteJSON(protocol.ErrorFrame("not_initialized", "send init before messages"))
			return
		}
		var data protocol.UserSendMessageData
		if err := unmarshalData(env, &data); err != nil {
			_ = cs.conn.WriteJSON(protocol.ErrorFrame("bad_frame", "could not parse userSendMessage"))
			return
		}
		job := inboundJob{content: data.Content, sessionID: cs.sessionID, context: data.Context}
		select {
		case cs.queue <- job:
		default:
			_ = cs.conn.WriteJSON(protocol.ErrorFrame("busy", "a message is already being processed, please wait"))
		}
	default:
		if !cs.initDone {
			_ = cs.conn.WriteJSON(protocol.ErrorFrame("not_initialized", "send init before messages"))
			return
		}
		_ = cs.conn.WriteJSON(protocol.ErrorFrame("unknown_type", fmt.Sprintf("unrecognized frame type %q", env.Type)))
	}
}

// handleInit resolves or creates the session for this connection, composed
// with a history load so the outbound init frame carries both the
// session's config snapshot and its recent messages in one round trip.
func (s *Server) handleInit(cs *connState, env protocol.Envelope) {
	var data protocol.InitData
	if err := unmarshalData(env, &data); err != nil {
		_ = cs.conn.WriteJSON(protocol.ErrorFrame("bad_frame", "could not parse init"))
		return
	}
	if data.UserID == "" {
		_ = cs.conn.WriteJSON(protocol.ErrorFrame("bad_init", "user_id is required"))
		return
	}

	sess, err := s.sessions.Ensure(cs.ctx, data.SessionID, data.UserID)
	if err != nil {
		slog.Error("session ensure failed", "error", err)
		_ = cs.conn.WriteJSON(protocol.ErrorFrame("storage_error", "could not initialize session"))
		return
	}

	cs.sessionID = sess.SessionID
	cs.userID = data.UserID
	cs.initDone = true
	_ = cs.conn.SetReadDeadline(time.Time{})

	s.sendSnapshot(cs)
}

// sendSnapshot writes an init frame carrying the session's current config
// and recent messages; used both for the init reply and after a config
// update so the client always holds the authoritative snapshot.
func (s *Server) sendSnapshot(cs *connState) {
	sess, err := s.sessions.Ensure(cs.ctx, cs.sessionID, cs.userID)
	if err != nil {
		slog.Error("session load failed", "session_id", cs.sessionID, "error", err)
		_ = cs.conn.WriteJSON(protocol.ErrorFrame("storage_error", "could not load session"))
		return
	}

	recent, err := s.history.Recent(cs.ctx, cs.sessionID, 100)
	if err != nil {
		slog.Warn("history load failed, starting empty", "session_id", cs.sessionID, "error", err)
		recent = nil
	}

	msgs := make([]protocol.InitMessage, 0, len(recent))
	for _, m := range recent {
		msgs = append(msgs, protocol.InitMessage{Role: m.Role, Content: m.Content})
	}

	initEnv, err := protocol.Encode(protocol.TypeInit, protocol.InitPayload{
		SessionID: sess.SessionID,
		Messages:  msgs,
		Config:    sess.Config,
	})
	if err != nil {
		slog.Error("failed to encode init payload", "error", err)
		return
	}
	_ = cs.conn.WriteJSON(initEnv)
}

// handleUpdateConfig deep-merges a client-supplied config patch into the
// session's stored snapshot and replies with a fresh init frame.
func (s *Server) handleUpdateConfig(cs *connState, env protocol.Envelope) {
	if !cs.initDone {
		_ = cs.conn.WriteJSON(protocol.ErrorFrame("not_initialized", "send init before messages"))
		return
	}

	var data protocol.UpdateConfigData
	if err := unmarshalData(env, &data); err != nil || len(data.Config) == 0 {
		_ = cs.conn.WriteJSON(protocol.ErrorFrame("bad_frame", "could not parse updateConfig"))
		return
	}

	if err := s.sessions.UpdateConfig(cs.ctx, cs.sessionID, data.Config); err != nil {
		slog.Error("session config update failed", "session_id", cs.sessionID, "error", err)
		_ = cs.conn.WriteJSON(protocol.ErrorFrame("storage_error", "could not update session config"))
		return
	}

	s.sendSnapshot(cs)
}

// processQueue runs one turn at a time off the connection's bounded
// inbound queue, keeping the outbound socket single-producer, until the
// connection's context is canceled by disconnect.
func (s *Server) processQueue(cs *connState) {
	for {
		select {
		case <-cs.ctx.Done():
			return
		case job := <-cs.queue:
			s.runTurn(cs, job)
		}
	}
}

func (s *Server) runTurn(cs *connState, job inboundJob) {
	now := time.Now()
	userMessageID := uuid.NewString()

	echoEnv, err := protocol.Encode(protocol.TypeNewChatMessage, protocol.NewChatMessagePayload{
		SessionID: job.sessionID,
		Content:   job.content,
		MessageID: userMessageID,
		Role:      "user",
		Timestamp: now.Unix(),
		Type:      "text",
	})
	if err == nil {
		_ = cs.conn.WriteJSON(echoEnv)
	}

	if s.mon != nil {
		s.mon.OnEvent(monitor.TurnEvent{
			Timestamp:   now,
			MessageType: "USER",
			SessionID:   job.sessionID,
			UserID:      cs.userID,
			Content:     job.content,
		})
	}

	turn := pipeline.NewTurnState(job.sessionID, cs.userID, job.content, userMessageID, now)
	emitter := &connEmitter{conn: cs.conn}

	if err := s.orchestrator.RunTurn(cs.ctx, turn, emitter); err != nil {
		if cs.ctx.Err() == nil {
			slog.Error("turn failed", "session_id", job.sessionID, "error", err)
		}
		return
	}

	if s.mon != nil {
		s.mon.OnEvent(monitor.TurnEvent{
			Timestamp:   time.Now(),
			MessageType: "ASSISTANT",
			SessionID:   job.sessionID,
			UserID:      cs.userID,
			Content:     turn.Buffer.String(),
		})
	}
}

// connEmitter implements pipeline.Emitter by writing protocol.Envelope
// frames to one connection, keeping pkg/pipeline free of any knowledge of
// gorilla/websocket or protocol's wire types.
type connEmitter struct {
	conn *SafeConn
}

func (e *connEmitter) EmitStreamChunk(sessionID, content, messageID string, ts time.Time) error {
	env, err := protocol.Encode(protocol.TypeStreamChunk, protocol.StreamChunkPayload{
		SessionID: sessionID,
		Content:   content,
		Event:     "content",
		MessageID: messageID,
		Role:      "assistant",
		Timestamp: ts.Unix(),
		Type:      "stream_chunk",
	})
	if err != nil {
		return err
	}
	return e.conn.WriteJSON(env)
}

func (e *connEmitter) EmitStatus(sessionID, stage, detail string) error {
	env, err := protocol.Encode(protocol.TypeStatus, protocol.StatusPayload{
		SessionID: sessionID,
		Stage:     stage,
		Detail:    detail,
	})
	if err != nil {
		return err
	}
	return e.conn.WriteJSON(env)
}

func (e *connEmitter) EmitError(code, message string) error {
	return e.conn.WriteJSON(protocol.ErrorFrame(code, message))
}

func (e *connEmitter) EmitDone(sessionID, messageID, warning string) error {
	env, err := protocol.Encode(protocol.TypeDone, protocol.DonePayload{
		SessionID: sessionID,
		MessageID: messageID,
		Warning:   warning,
	})
	if err != nil {
		return err
	}
	return e.conn.WriteJSON(env)
}

func unmarshalData(env protocol.Envelope, v any) error {
	if len(env.Data) == 0 {
		return nil
	}
	return protocol.UnmarshalData(env.Data, v)
}
