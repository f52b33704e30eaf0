package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentcore/core/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeWorkerServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/acp/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/acp/initialize", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"name": "fixture-runtime", "version": "1.0.0"},
		})
	})
	mux.HandleFunc("/v1/acp/session/new", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"sessionId": "sess-1"},
		})
	})
	mux.HandleFunc("/v1/acp/session/prompt", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	mux.HandleFunc("/v1/acp/session/cancel", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})

	return httptest.NewServer(mux)
}

func TestSessionClientInitializeAndNewSession(t *testing.T) {
	srv := newFakeWorkerServer(t)
	defer srv.Close()

	client := NewSessionClient(srv.URL, logger.Default())

	require.NoError(t, client.Health(context.Background()))

	info, err := client.Initialize(context.Background(), "agentcore", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "fixture-runtime", info.Name)

	sessionID, err := client.NewSession(context.Background(), "/workspace")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sessionID)

	require.NoError(t, client.Prompt(context.Background(), sessionID, "hello", nil))
	require.NoError(t, client.Cancel(context.Background(), sessionID, "done"))
}

func TestSessionClientSurfacesServerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/acp/session/new", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "no capacity"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewSessionClient(srv.URL, logger.Default())
	_, err := client.NewSession(context.Background(), "/workspace")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no capacity")
}
