package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/famcall/famcall/internal/call"
)

// Per-operation deadlines. Start is slow because the recorder farm has
// to boot a headless browser and join the call; status checks must be
// cheap enough to sit on a request path.
const (
	startTimeout  = 60 * time.Second
	stopTimeout   = 30 * time.Second
	statusTimeout = 5 * time.Second
)

// Client talks to the recorder farm's HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authToken  string
	logger     *slog.Logger
}

// NewClient creates a recorder farm client. baseURL is the farm's API
// root, authToken the shared secret it expects as a bearer token.
func NewClient(baseURL, authToken string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		logger:     logger.With("subsystem", "recorder-client"),
	}
}

// Configured reports whether a farm URL has been set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

type startPayload struct {
	GroupID       string `json:"group_id"`
	CallID        string `json:"call_id"`
	Kind          string `json:"kind"`
	CallbackToken string `json:"callback_token"`
	APIBase       string `json:"api_base"`
}

type stopPayload struct {
	CallID string `json:"call_id"`
	Kind   string `json:"kind"`
}

type statusData struct {
	Recording bool `json:"recording"`
}

// Start asks the farm to spin up a capture session for the call.
func (c *Client) Start(ctx context.Context, req StartRequest) error {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	payload := startPayload{
		GroupID:       req.GroupID,
		CallID:        req.CallID,
		Kind:          string(req.Kind),
		CallbackToken: req.CallbackToken,
		APIBase:       req.APIBase,
	}
	if err := c.post(ctx, "/api/sessions/start", payload, nil); err != nil {
		return fmt.Errorf("starting capture session: %w", err)
	}
	c.logger.Debug("capture session started", "call_id", req.CallID, "kind", req.Kind)
	return nil
}

// Stop asks the farm to finish the session and upload the artifact.
func (c *Client) Stop(ctx context.Context, callID string, kind call.Kind) error {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	payload := stopPayload{CallID: callID, Kind: string(kind)}
	if err := c.post(ctx, "/api/sessions/stop", payload, nil); err != nil {
		return fmt.Errorf("stopping capture session: %w", err)
	}
	c.logger.Debug("capture session stopped", "call_id", callID, "kind", kind)
	return nil
}

// Status asks the farm whether a session is currently capturing.
func (c *Client) Status(ctx context.Context, callID string, kind call.Kind) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	query := url.Values{}
	query.Set("call_id", callID)
	query.Set("kind", string(kind))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sessions/status?"+query.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("creating status request: %w", err)
	}
	c.authorize(req)

	var data statusData
	if err := c.do(req, &data); err != nil {
		return false, fmt.Errorf("checking capture session: %w", err)
	}
	return data.Recording, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.do(req, out)
}

func (c *Client) authorize(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var env envelope
	if resp.StatusCode != http.StatusOK {
		if err := json.Unmarshal(respBody, &env); err == nil && env.Error != "" {
			return fmt.Errorf("recorder farm: %s (status %d)", env.Error, resp.StatusCode)
		}
		return fmt.Errorf("recorder farm returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}
