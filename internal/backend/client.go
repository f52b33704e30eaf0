// Package backend implements the two Worker Backends (server, agent) that
// speak the ACP session protocol to an agent runtime: a dedicated process or
// container for the server backend, a child session under a shared runtime
// for the agent backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/agentcore/core/internal/common/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SessionClient talks ACP to a worker's embedded HTTP/WebSocket surface:
// initialize, session/new, session/prompt and session/cancel over HTTP, and
// session update notifications over a WebSocket stream.
type SessionClient struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger

	mu      sync.Mutex
	updates *websocket.Conn
}

// NewSessionClient creates a client bound to a worker's base URL
// (http://127.0.0.1:<port>).
func NewSessionClient(baseURL string, log *logger.Logger) *SessionClient {
	return &SessionClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.WithFields(zap.String("component", "backend-session-client")),
	}
}

func (c *SessionClient) post(ctx context.Context, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Error   string          `json:"error,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	if !envelope.Success {
		return fmt.Errorf("%s failed: %s", path, envelope.Error)
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decoding result from %s: %w", path, err)
		}
	}
	return nil
}

// Initialize performs the ACP initialize handshake.
func (c *SessionClient) Initialize(ctx context.Context, clientName, clientVersion string) (*acp.InitializeResponse, error) {
	req := struct {
		ClientName    string `json:"clientName"`
		ClientVersion string `json:"clientVersion"`
	}{clientName, clientVersion}

	var resp acp.InitializeResponse
	if err := c.post(ctx, "/v1/acp/initialize", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NewSession creates a fresh ACP session rooted at cwd (session/new).
func (c *SessionClient) NewSession(ctx context.Context, cwd string) (string, error) {
	req := struct {
		Cwd string `json:"cwd"`
	}{cwd}

	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.post(ctx, "/v1/acp/session/new", req, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

// ModelOverride pins a single prompt turn to a specific model without
// changing the session's (or worker's) default, per spec §4.6.
type ModelOverride struct {
	ProviderID string `json:"providerId"`
	ModelID    string `json:"modelId"`
}

// Prompt sends a prompt turn to sessionID (session/prompt), optionally
// pinned to model for this turn only. It returns once the worker has
// accepted the turn; completion is observed via the update stream, not this
// call.
func (c *SessionClient) Prompt(ctx context.Context, sessionID, text string, model *ModelOverride) error {
	req := struct {
		SessionID string         `json:"sessionId"`
		Prompt    string         `json:"prompt"`
		Model     *ModelOverride `json:"model,omitempty"`
	}{sessionID, text, model}
	return c.post(ctx, "/v1/acp/session/prompt", req, nil)
}

// Cancel requests cancellation of the current turn (session/cancel). It posts
// the request and waits for the runtime's success envelope, returning an
// error if the runtime reports failure.
func (c *SessionClient) Cancel(ctx context.Context, sessionID, reason string) error {
	req := struct {
		SessionID string `json:"sessionId"`
		Reason    string `json:"reason"`
	}{sessionID, reason}
	return c.post(ctx, "/v1/acp/session/cancel", req, nil)
}

// Health checks the worker's readiness endpoint, used both during the spawn
// readiness probe and by the periodic health-check loop.
func (c *SessionClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/acp/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// StreamUpdates dials a new WebSocket connection (replacing the one Close
// would tear down) and delivers every session/update notification to
// handler until the connection is closed or a read fails. ctx bounds only
// the dial.
func (c *SessionClient) StreamUpdates(ctx context.Context, handler func(acp.SessionNotification)) error {
	wsURL := "ws" + c.baseURL[len("http"):] + "/v1/acp/stream"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing update stream: %w", err)
	}

	c.mu.Lock()
	c.updates = conn
	c.mu.Unlock()

	go func() {
		defer conn.Close()
		for {
			var notification acp.SessionNotification
			if err := conn.ReadJSON(&notification); err != nil {
				c.log.Debug("update stream closed", zap.Error(err))
				return
			}
			handler(notification)
		}
	}()
	return nil
}

// Close tears down any open streaming connection.
func (c *SessionClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updates != nil {
		_ = c.updates.Close()
		c.updates = nil
	}
}
