package bridge

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentcore/core/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, onChunk ChunkHandler, onEvent EventHandler) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Config{Token: "secret-token", Diagnostics: true}, onChunk, onEvent, logger.Default())
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)
	return s, srv
}

func doPost(t *testing.T, srv *httptest.Server, path, token string, body map[string]interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHandleChunkRequiresBearerToken(t *testing.T) {
	_, srv := newTestServer(t, nil, nil)

	resp := doPost(t, srv, "/v1/stream/chunk", "", map[string]interface{}{
		"workerId": "coder", "taskId": "t-1", "chunk": "hi",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleChunkRoutesToHandler(t *testing.T) {
	var gotWorker, gotTask string
	var gotFinal bool
	onChunk := func(workerID, taskID string, chunk []byte, final bool) error {
		gotWorker, gotTask, gotFinal = workerID, taskID, final
		return nil
	}
	_, srv := newTestServer(t, onChunk, nil)

	resp := doPost(t, srv, "/v1/stream/chunk", "secret-token", map[string]interface{}{
		"workerId": "coder", "taskId": "t-1", "chunk": "partial output", "final": true,
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "coder", gotWorker)
	assert.Equal(t, "t-1", gotTask)
	assert.True(t, gotFinal)
}

func TestHandleEventRoutesToHandler(t *testing.T) {
	var gotType string
	onEvent := func(workerID, eventType string, payload map[string]interface{}) error {
		gotType = eventType
		return nil
	}
	_, srv := newTestServer(t, nil, onEvent)

	resp := doPost(t, srv, "/v1/events", "secret-token", map[string]interface{}{
		"workerId": "coder", "type": "worker.ready",
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "worker.ready", gotType)
}

func TestHealthzBypassesAuthentication(t *testing.T) {
	_, srv := newTestServer(t, nil, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
