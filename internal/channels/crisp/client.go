package crisp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/crispclaw/internal/config"
)

const (
	defaultAPIBase    = "https://api.crisp.chat/v1"
	defaultAPITimeout = 10 * time.Second

	// Crisp rejects plugin-credentialed requests without this tier header.
	tierHeader = "X-Crisp-Tier"
	tierPlugin = "plugin"
)

// APIError is a failed provider call: a non-2xx status or an error envelope.
type APIError struct {
	Status int
	Reason string
	Body   string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("crisp api: %s (status %d)", e.Reason, e.Status)
	}
	return fmt.Sprintf("crisp api: status %d: %s", e.Status, e.Body)
}

// envelope is the provider's response wrapper: {error: bool, data | reason}.
type envelope struct {
	Error  bool            `json:"error"`
	Reason string          `json:"reason,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Client issues authenticated REST calls to the Crisp API for one website.
// All calls share a bearer credential derived from the identifier/key pair,
// a fixed per-call timeout, and a client-side rate limiter.
type Client struct {
	baseURL    string
	websiteID  string
	authHeader string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL (tests).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client (tests, proxies).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a Client for the given account.
func NewClient(acc config.CrispAccountConfig, opts ...ClientOption) *Client {
	cred := base64.StdEncoding.EncodeToString([]byte(acc.Identifier + ":" + acc.Key))
	c := &Client{
		baseURL:    defaultAPIBase,
		websiteID:  acc.WebsiteID,
		authHeader: "Basic " + cred,
		httpClient: &http.Client{Timeout: defaultAPITimeout},
		// Crisp allows bursts but sustained traffic should stay polite.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage sends an operator text message into a conversation.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) error {
	body := map[string]any{
		"type":    MessageTypeText,
		"from":    FromOperator,
		"origin":  "chat",
		"content": text,
	}
	path := fmt.Sprintf("/website/%s/conversation/%s/message", c.websiteID, url.PathEscape(sessionID))
	_, err := c.do(ctx, http.MethodPost, path, body)
	return err
}

// GetConversation fetches a conversation record.
func (c *Client) GetConversation(ctx context.Context, sessionID string) (*Conversation, error) {
	path := fmt.Sprintf("/website/%s/conversation/%s", c.websiteID, url.PathEscape(sessionID))
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &conv, nil
}

// GetMessages fetches up to limit prior messages of a conversation.
// The provider returns them oldest-first.
func (c *Client) GetMessages(ctx context.Context, sessionID string, limit int) ([]HistoryMessage, error) {
	path := fmt.Sprintf("/website/%s/conversation/%s/messages", c.websiteID, url.PathEscape(sessionID))
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var msgs []HistoryMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

// UpdateState patches the conversation state to "resolved" or "unresolved".
func (c *Client) UpdateState(ctx context.Context, sessionID, state string) error {
	if state != StateResolved && state != StateUnresolved {
		return fmt.Errorf("invalid conversation state %q", state)
	}
	body := map[string]string{"state": state}
	path := fmt.Sprintf("/website/%s/conversation/%s/state", c.websiteID, url.PathEscape(sessionID))
	_, err := c.do(ctx, http.MethodPatch, path, body)
	return err
}

// do performs one authenticated API call and unwraps the response envelope.
func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set(tierHeader, tierPlugin)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crisp api request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("crisp api read: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Body: string(raw)}
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Reason != "" {
			apiErr.Reason = env.Reason
		}
		return nil, apiErr
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Error {
		return nil, &APIError{Status: resp.StatusCode, Reason: env.Reason}
	}
	return env.Data, nil
}
