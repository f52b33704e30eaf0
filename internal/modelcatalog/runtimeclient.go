package modelcatalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPRuntimeClient fetches the provider/model list from a running
// agent-runtime instance's config endpoint, the same loopback surface the
// server backend spawns (spec §4.2).
type HTTPRuntimeClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRuntimeClient builds a RuntimeClient against a runtime listening
// at baseURL (e.g. one profile's ServerURL, or a shared bootstrap runtime
// used purely for catalog discovery).
func NewHTTPRuntimeClient(baseURL string) *HTTPRuntimeClient {
	return &HTTPRuntimeClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type providersResponse struct {
	Providers Providers `json:"providers"`
	Defaults  struct {
		DefaultProvider string `json:"defaultProvider"`
		DefaultModel    string `json:"defaultModel"`
	} `json:"defaults"`
}

// FetchProviders implements RuntimeClient over the runtime's GET /v1/providers.
func (c *HTTPRuntimeClient) FetchProviders(ctx context.Context) (Providers, RuntimeDefaults, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/providers", nil)
	if err != nil {
		return nil, RuntimeDefaults{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, RuntimeDefaults{}, fmt.Errorf("fetching provider catalog: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, RuntimeDefaults{}, fmt.Errorf("provider catalog fetch: unexpected status %d", resp.StatusCode)
	}

	var out providersResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, RuntimeDefaults{}, fmt.Errorf("decoding provider catalog: %w", err)
	}

	return out.Providers, RuntimeDefaults{
		DefaultProvider: out.Defaults.DefaultProvider,
		DefaultModel:    out.Defaults.DefaultModel,
	}, nil
}
