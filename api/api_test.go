package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stepcast/stepcast/agent"
	"github.com/stepcast/stepcast/agent/agenttest"
	"github.com/stepcast/stepcast/session"
)

func newTestHandler(t *testing.T, factory session.Factory) (http.Handler, *session.Manager) {
	t.Helper()
	ctx := context.Background()
	if factory == nil {
		factory = func(string, int) (agent.Agent, error) {
			return agenttest.Echo{}, nil
		}
	}
	mgr := session.NewManager(ctx, factory, session.Options{})
	t.Cleanup(func() { mgr.Shutdown(ctx) })
	return New(mgr).Handler(ctx), mgr
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	w := doJSON(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCreateSession(t *testing.T) {
	h, mgr := newTestHandler(t, nil)

	w := doJSON(t, h, http.MethodPost, "/api/sessions", map[string]any{"agent_type": "echo"})
	require.Equal(t, http.StatusCreated, w.Code)

	body := decode(t, w)
	require.NotEmpty(t, body["session_id"])
	require.Equal(t, "echo", body["agent_type"])
	require.Equal(t, 1, mgr.Len())
}

func TestCreateSessionValidation(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	w := doJSON(t, h, http.MethodPost, "/api/sessions", map[string]any{"max_steps": 5})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSessionFactoryError(t *testing.T) {
	h, _ := newTestHandler(t, func(agentType string, _ int) (agent.Agent, error) {
		return nil, session.ErrNotFound
	})
	w := doJSON(t, h, http.MethodPost, "/api/sessions", map[string]any{"agent_type": "echo"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSession(t *testing.T) {
	h, mgr := newTestHandler(t, nil)
	sess, err := mgr.Create(context.Background(), "echo", 0)
	require.NoError(t, err)

	w := doJSON(t, h, http.MethodGet, "/api/sessions/"+sess.ID(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, sess.ID(), body["session_id"])
	require.Equal(t, "idle", body["state"])

	w = doJSON(t, h, http.MethodGet, "/api/sessions/session-missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListSessions(t *testing.T) {
	h, mgr := newTestHandler(t, nil)
	for i := 0; i < 2; i++ {
		_, err := mgr.Create(context.Background(), "echo", 0)
		require.NoError(t, err)
	}

	w := doJSON(t, h, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Len(t, body["sessions"], 2)
}

func TestDeleteSessionIdempotent(t *testing.T) {
	h, mgr := newTestHandler(t, nil)
	sess, err := mgr.Create(context.Background(), "echo", 0)
	require.NoError(t, err)

	w := doJSON(t, h, http.MethodDelete, "/api/sessions/"+sess.ID(), nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Zero(t, mgr.Len())

	// Deleting an unknown id still succeeds.
	w = doJSON(t, h, http.MethodDelete, "/api/sessions/"+sess.ID(), nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestGetMessages(t *testing.T) {
	ctx := context.Background()
	h, mgr := newTestHandler(t, nil)
	sess, err := mgr.Create(ctx, "echo", 0)
	require.NoError(t, err)
	require.NoError(t, sess.ProcessQuery(ctx, "hello"))

	w := doJSON(t, h, http.MethodGet, "/api/sessions/"+sess.ID()+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	all, ok := body["messages"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, all)

	w = doJSON(t, h, http.MethodGet, "/api/sessions/"+sess.ID()+"/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode(t, w)["messages"], 2)

	w = doJSON(t, h, http.MethodGet, "/api/sessions/"+sess.ID()+"/messages?limit=nope", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/sessions/session-missing/messages", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
