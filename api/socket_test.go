package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/stepcast/stepcast/agent"
	"github.com/stepcast/stepcast/session"
)

// waitingAgent holds its run open until release is closed.
type waitingAgent struct {
	release chan struct{}
}

func (a *waitingAgent) SupportsStreaming() bool { return false }

func (a *waitingAgent) Run(ctx context.Context, query string, _ agent.RunOptions) (<-chan agent.Step, error) {
	ch := make(chan agent.Step)
	go func() {
		defer close(ch)
		select {
		case <-a.release:
		case <-ctx.Done():
			return
		}
		ch <- agent.FinalAnswer{Text: "done"}
	}()
	return ch, nil
}

func dialSession(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + id + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readUntil drains frames until pred matches, failing on timeout.
func readUntil(t *testing.T, conn *websocket.Conn, pred func(map[string]any) bool) map[string]any {
	t.Helper()
	for i := 0; i < 100; i++ {
		frame := readFrame(t, conn)
		if pred(frame) {
			return frame
		}
	}
	t.Fatal("frame never arrived")
	return nil
}

func messageType(frame map[string]any) string {
	md, _ := frame["metadata"].(map[string]any)
	mt, _ := md["message_type"].(string)
	return mt
}

func TestSocketUnknownSession(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/session-missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSocketPing(t *testing.T) {
	h, mgr := newTestHandler(t, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sess, err := mgr.Create(context.Background(), "echo", 0)
	require.NoError(t, err)

	conn := dialSession(t, srv, sess.ID())
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	require.Equal(t, map[string]any{"type": "pong"}, readFrame(t, conn))
}

func TestSocketQueryStreamsEnvelopes(t *testing.T) {
	h, mgr := newTestHandler(t, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sess, err := mgr.Create(context.Background(), "echo", 0)
	require.NoError(t, err)

	conn := dialSession(t, srv, sess.ID())
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "query", "query": "hello"}))

	// The user echo leads the stream; the run ends with the final answer.
	first := readFrame(t, conn)
	require.Equal(t, "user", first["role"])
	require.Equal(t, "hello", first["content"])

	var sawDelta bool
	final := readUntil(t, conn, func(f map[string]any) bool {
		if md, ok := f["metadata"].(map[string]any); ok && md["is_delta"] == true {
			sawDelta = true
		}
		return messageType(f) == "final_answer"
	})
	require.True(t, sawDelta, "streaming agents produce delta envelopes")
	require.Equal(t, "**Final answer:** hello", final["content"])
}

func TestSocketEmptyQuery(t *testing.T) {
	h, mgr := newTestHandler(t, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sess, err := mgr.Create(context.Background(), "echo", 0)
	require.NoError(t, err)

	conn := dialSession(t, srv, sess.ID())
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "query"}))

	frame := readFrame(t, conn)
	require.Equal(t, "error", frame["type"])
	require.Equal(t, "bad_request", frame["error_code"])
}

func TestSocketBusyRejection(t *testing.T) {
	ag := &waitingAgent{release: make(chan struct{})}
	h, mgr := newTestHandler(t, func(string, int) (agent.Agent, error) {
		return ag, nil
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	sess, err := mgr.Create(context.Background(), "gated", 0)
	require.NoError(t, err)

	conn := dialSession(t, srv, sess.ID())
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "query", "query": "first"}))

	// Wait until the first run holds the session before racing the second.
	require.Eventually(t, func() bool {
		return sess.State() == session.StateProcessing
	}, time.Second, time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "query", "query": "second"}))
	busy := readUntil(t, conn, func(f map[string]any) bool {
		return f["error_code"] == "busy"
	})
	require.Equal(t, "error", busy["type"])

	close(ag.release)
	readUntil(t, conn, func(f map[string]any) bool {
		return messageType(f) == "final_answer"
	})
}

func TestSocketGetState(t *testing.T) {
	h, mgr := newTestHandler(t, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sess, err := mgr.Create(context.Background(), "echo", 0)
	require.NoError(t, err)

	conn := dialSession(t, srv, sess.ID())
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "get_state"}))

	frame := readFrame(t, conn)
	require.Equal(t, "state", frame["type"])
	state, ok := frame["state"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, sess.ID(), state["session_id"])
	require.Equal(t, "idle", state["state"])
}

func TestSocketGetMessagesReplay(t *testing.T) {
	ctx := context.Background()
	h, mgr := newTestHandler(t, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sess, err := mgr.Create(ctx, "echo", 0)
	require.NoError(t, err)
	require.NoError(t, sess.ProcessQuery(ctx, "hello"))
	stored := len(sess.Messages(0))
	require.NotZero(t, stored)

	conn := dialSession(t, srv, sess.ID())
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "get_messages"}))

	first := readFrame(t, conn)
	require.Equal(t, "user", first["role"])
	for i := 1; i < stored; i++ {
		readFrame(t, conn)
	}

	// The replay is bounded: a follow-up ping is answered immediately.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	require.Equal(t, map[string]any{"type": "pong"}, readFrame(t, conn))
}

func TestSocketMalformedFrame(t *testing.T) {
	h, mgr := newTestHandler(t, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sess, err := mgr.Create(context.Background(), "echo", 0)
	require.NoError(t, err)

	conn := dialSession(t, srv, sess.ID())
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	frame := readFrame(t, conn)
	require.Equal(t, "error", frame["type"])
	require.Equal(t, "bad_request", frame["error_code"])

	// The connection survives the protocol error.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	require.Equal(t, map[string]any{"type": "pong"}, readFrame(t, conn))
}

func TestSocketUnknownType(t *testing.T) {
	h, mgr := newTestHandler(t, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sess, err := mgr.Create(context.Background(), "echo", 0)
	require.NoError(t, err)

	conn := dialSession(t, srv, sess.ID())
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe"}))

	frame := readFrame(t, conn)
	require.Equal(t, "error", frame["type"])
	require.Equal(t, "unknown_type", frame["error_code"])
}
