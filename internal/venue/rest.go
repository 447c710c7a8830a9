package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// MainnetURL is the production API endpoint.
	MainnetURL = "https://api.hyperliquid.xyz"
	// TestnetURL is the test API endpoint.
	TestnetURL = "https://api.hyperliquid-testnet.xyz"

	defaultHTTPTimeout = 10 * time.Second
)

// InfoRequest is the body posted to the /info endpoint.
type InfoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

// RestClient talks to the venue's HTTP API. Info queries need no
// authentication; signed actions go through postAction.
type RestClient struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewRestClient(baseURL string, timeout time.Duration, log *zap.Logger) *RestClient {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &RestClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Info posts an info query and decodes the response into a JSON map.
func (c *RestClient) Info(ctx context.Context, req InfoRequest) (map[string]any, error) {
	var out map[string]any
	if err := c.post(ctx, "/info", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InfoAny posts an info query whose response is not a JSON object
// (metaAndAssetCtxs returns a two-element array).
func (c *RestClient) InfoAny(ctx context.Context, req InfoRequest) (any, error) {
	var out any
	if err := c.post(ctx, "/info", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RestClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, truncate(raw, 256))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
