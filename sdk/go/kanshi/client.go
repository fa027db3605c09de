package kanshi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kanshi server (e.g. "http://localhost:8080").
	BaseURL string

	// UserID and APIKey are exchanged for a JWT token. Leave APIKey empty
	// when the server runs with auth disabled.
	UserID string
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// Dispatch calls wait on LLM replies, so keep this generous.
	Timeout time.Duration
}

// Client is an HTTP client for the Kanshi API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	userID   string
	client   *http.Client
	tokenMgr *tokenManager // nil when no API key is configured
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		baseURL: baseURL,
		userID:  cfg.UserID,
		client:  httpClient,
	}
	if cfg.APIKey != "" {
		c.tokenMgr = newTokenManager(baseURL, cfg.UserID, cfg.APIKey, httpClient)
	}
	return c
}

// Evaluate asks whether agentID may call endpointID in mode. A denial is
// a normal Decision, not an error.
func (c *Client) Evaluate(ctx context.Context, agentID, endpointID string, mode Mode) (*Decision, error) {
	body := map[string]string{
		"agent_id":    agentID,
		"endpoint_id": endpointID,
		"mode":        string(mode),
	}
	var dec Decision
	if err := c.post(ctx, "/v1/evaluate", body, &dec); err != nil {
		return nil, err
	}
	return &dec, nil
}

// ListEndpoints returns the full catalog sorted by endpoint id.
func (c *Client) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	var eps []Endpoint
	if err := c.get(ctx, "/v1/endpoints", &eps); err != nil {
		return nil, err
	}
	return eps, nil
}

// AgentPermissions returns the permission rules for one agent.
func (c *Client) AgentPermissions(ctx context.Context, agentID string) (*AgentPermissions, error) {
	var perms AgentPermissions
	if err := c.get(ctx, "/v1/agents/"+url.PathEscape(agentID)+"/permissions", &perms); err != nil {
		return nil, err
	}
	return &perms, nil
}

// Logs returns audit entries most-recent-first.
func (c *Client) Logs(ctx context.Context, opts *LogsOptions) ([]AuditEntry, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Agent != "" {
			params.Set("agent", opts.Agent)
		}
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
	}
	path := "/v1/logs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var entries []AuditEntry
	if err := c.get(ctx, path, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Dispatch sends a user turn to the coordinator. When the client is not
// authenticated, req.UserID defaults to the configured UserID.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	if req.UserID == "" && c.tokenMgr == nil {
		req.UserID = c.userID
	}
	var res DispatchResult
	if err := c.post(ctx, "/v1/dispatch", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// History returns the conversation history between the user and agentID,
// oldest first.
func (c *Client) History(ctx context.Context, agentID string, opts *HistoryOptions) ([]Message, error) {
	params := url.Values{}
	userID := c.userID
	if opts != nil {
		if opts.UserID != "" {
			userID = opts.UserID
		}
		if opts.TurnID != "" {
			params.Set("turn_id", opts.TurnID)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	if userID != "" {
		params.Set("user_id", userID)
	}
	path := "/v1/conversations/" + url.PathEscape(agentID) + "/messages"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var msgs []Message
	if err := c.get(ctx, path, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ReloadCatalog forces the server to re-read its catalog files and returns
// the new load time.
func (c *Client) ReloadCatalog(ctx context.Context) (time.Time, error) {
	var out struct {
		LoadedAt time.Time `json:"loaded_at"`
	}
	if err := c.post(ctx, "/v1/catalog/reload", struct{}{}, &out); err != nil {
		return time.Time{}, err
	}
	return out.LoadedAt, nil
}

// Health reports server health. An unhealthy server answers 503 with a
// full report, which is returned without error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("kanshi: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kanshi: GET /health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		resp.StatusCode = http.StatusOK
	}
	var h Health
	if err := handleResponse(resp, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kanshi: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kanshi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kanshi: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	if c.tokenMgr != nil {
		token, err := c.tokenMgr.getToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kanshi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kanshi: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kanshi: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("kanshi: response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
