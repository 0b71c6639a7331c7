package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hefeijay/aquagateway/pkg/protocol"
)

// newTestConnPair starts a real WebSocket upgrade over httptest and returns
// the server-side SafeConn plus a client dialed against it, so queue/frame
// tests exercise the real gorilla/websocket read/write path instead of a
// hand-rolled double.
func newTestConnPair(t *testing.T) (*SafeConn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *SafeConn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		connCh <- &SafeConn{Conn: raw}
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case sc := <-connCh:
		return sc, client
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the websocket upgrade")
		return nil, nil
	}
}

func TestHandleFrame_UserSendMessage_RequiresInit(t *testing.T) {
	serverConn, clientConn := newTestConnPair(t)
	s := &Server{}
	cs := &connState{conn: serverConn, queue: make(chan inboundJob, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	cs.ctx, cs.cancel = ctx, cancel
	defer cancel()

	s.handleFrame(cs, []byte(`{"type":"userSendMessage","data":{"content":"hi"}}`))

	_, raw, err := clientConn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.ParseInbound(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Len(t, cs.queue, 0)
}

func TestHandleFrame_QueueOverflowRejectsWithBusy(t *testing.T) {
	serverConn, clientConn := newTestConnPair(t)
	s := &Server{}
	cs := &connState{
		conn:      serverConn,
		sessionID: "sess-1",
		initDone:  true,
		queue:     make(chan inboundJob, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cs.ctx, cs.cancel = ctx, cancel
	defer cancel()

	frame := []byte(`{"type":"userSendMessage","data":{"content":"hello"}}`)

	// First message fills the depth-1 queue; it must not produce any error
	// frame.
	s.handleFrame(cs, frame)
	assert.Equal(t, 1, len(cs.queue))

	// Second message arrives while the queue is still full: the connection
	// must reject it with a "busy" error frame instead of blocking.
	s.handleFrame(cs, frame)

	_, raw, err := clientConn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.ParseInbound(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, env.Type)

	var payload protocol.ErrorPayload
	require.NoError(t, protocol.UnmarshalData(env.Data, &payload))
	assert.Equal(t, "busy", payload.Code)

	// The one job that made it in is still the only job queued.
	assert.Equal(t, 1, len(cs.queue))
}

func TestHandleFrame_UpdateConfig_RequiresInit(t *testing.T) {
	serverConn, clientConn := newTestConnPair(t)
	s := &Server{}
	cs := &connState{conn: serverConn, queue: make(chan inboundJob, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	cs.ctx, cs.cancel = ctx, cancel
	defer cancel()

	s.handleFrame(cs, []byte(`{"type":"updateConfig","data":{"config":{"temperature":0.2}}}`))

	_, raw, err := clientConn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.ParseInbound(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, env.Type)

	var payload protocol.ErrorPayload
	require.NoError(t, protocol.UnmarshalData(env.Data, &payload))
	assert.Equal(t, "not_initialized", payload.Code)
}

func TestHandleFrame_Ping(t *testing.T) {
	serverConn, clientConn := newTestConnPair(t)
	s := &Server{}
	cs := &connState{conn: serverConn, queue: make(chan inboundJob, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	cs.ctx, cs.cancel = ctx, cancel
	defer cancel()

	s.handleFrame(cs, []byte(`{"type":"ping"}`))

	_, raw, err := clientConn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.ParseInbound(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, env.Type)
}

func TestHandleFrame_UnknownType(t *testing.T) {
	serverConn, clientConn := newTestConnPair(t)
	s := &Server{}
	cs := &connState{conn: serverConn, queue: make(chan inboundJob, 4), initDone: true}
	ctx, cancel := context.WithCancel(context.Background())
	cs.ctx, cs.cancel = ctx, cancel
	defer cancel()

	s.handleFrame(cs, []byte(`{"type":"not_a_real_type"}`))

	_, raw, err := clientConn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.ParseInbound(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, env.Type)
}
