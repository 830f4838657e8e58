// Package chatkit is the client-side realtime conversation engine for the
// marketplace chat: a local, eventually-consistent mirror of conversations
// and messages fed by paginated HTTP history and a live event channel.
//
// Example:
//
//	api := chatkit.NewClient(token, chatkit.WithBaseURL("https://chat.example.com"))
//	ws := chatkit.NewWSTransport("https://chat.example.com", &chatkit.RealtimeConfig{Token: token})
//	eng, _ := chatkit.New(api, ws, chatkit.Options{})
//	_ = eng.Init(ctx, userID)
//	defer eng.Teardown()
//
//	_ = eng.Select(ctx, conversationID)
//	_, _ = eng.Send(ctx, "hello")
package chatkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries bounds the extra attempts for a request that failed
	// with ErrNetworkUnavailable.
	DefaultMaxRetries = 3
	DefaultRetryWait  = 200 * time.Millisecond
	maxRetryWait      = 2 * time.Second
)

// idempotentPosts lists the POST operations that may be sent twice.
var idempotentPosts = map[string]bool{
	"messages.markRead": true,
}

// API is the paginated HTTP surface the engine consumes.
type API interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	CreateConversation(ctx context.Context, opts CreateConversationOptions) (*Conversation, error)
	UpdateConversation(ctx context.Context, id, name string) (*Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	GetMessages(ctx context.Context, conversationID string, opts HistoryOptions) (*HistoryPage, error)
	MarkRead(ctx context.Context, messageIDs []string) error
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryWait  time.Duration
}

var _ API = (*Client)(nil)

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithRetry sets how many times a transient failure is retried and the
// first wait between attempts. Zero retries disables retrying.
func WithRetry(maxRetries int, initialWait time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max(maxRetries, 0)
		if initialWait > 0 {
			c.retryWait = initialWait
		}
	}
}

// NewClient creates a chat API client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		maxRetries: DefaultMaxRetries,
		retryWait:  DefaultRetryWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) { c.token = token }

// ============================================================================
// Endpoints
// ============================================================================

func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "conversations.list", http.MethodGet, "/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	out, err := decodeJSON[[]Conversation]("conversations.list", data)
	if err != nil {
		return nil, err
	}
	return *out, nil
}

func (c *Client) CreateConversation(ctx context.Context, opts CreateConversationOptions) (*Conversation, error) {
	data, err := c.doRequest(ctx, "conversations.create", http.MethodPost, "/conversations", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation]("conversations.create", data)
}

func (c *Client) UpdateConversation(ctx context.Context, id, name string) (*Conversation, error) {
	path := "/conversations/" + url.PathEscape(id)
	data, err := c.doRequest(ctx, "conversations.update", http.MethodPatch, path, updateConversationRequest{Name: name}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation]("conversations.update", data)
}

// DeleteConversation deletes a conversation. Deleting a conversation the
// server no longer knows returns ErrConflict.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	path := "/conversations/" + url.PathEscape(id)
	_, err := c.doRequest(ctx, "conversations.delete", http.MethodDelete, path, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return wrapError(ErrConflict, "conversations.delete", err)
	}
	return err
}

func (c *Client) GetMessages(ctx context.Context, conversationID string, opts HistoryOptions) (*HistoryPage, error) {
	query := map[string]string{}
	if opts.Before != "" {
		query["before"] = opts.Before
	}
	if opts.Limit > 0 {
		query["limit"] = strconv.Itoa(opts.Limit)
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	data, err := c.doRequest(ctx, "messages.get", http.MethodGet, path, nil, query)
	if err != nil {
		return nil, err
	}
	page, err := decodeJSON[HistoryPage]("messages.get", data)
	if err != nil {
		return nil, err
	}
	for i := range page.Messages {
		page.Messages[i].Status = StatusConfirmed
	}
	return page, nil
}

func (c *Client) MarkRead(ctx context.Context, messageIDs []string) error {
	_, err := c.doRequest(ctx, "messages.markRead", http.MethodPost, "/messages/read", markReadRequest{MessageIDs: messageIDs}, nil)
	return err
}

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest performs one API call. Failures classified as
// ErrNetworkUnavailable are retried with exponential backoff unless the
// operation is a non-idempotent POST.
func (c *Client) doRequest(ctx context.Context, op, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = b
	}

	retries := c.maxRetries
	if method == http.MethodPost && !idempotentPosts[op] {
		retries = 0
	}
	if retries == 0 {
		return c.attempt(ctx, op, method, u, payload)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryWait
	exp.MaxInterval = max(maxRetryWait, c.retryWait)
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)

	var (
		data []byte
		last error
	)
	err := backoff.Retry(func() error {
		var err error
		data, err = c.attempt(ctx, op, method, u, payload)
		if err == nil {
			return nil
		}
		last = err
		if !errors.Is(err, ErrNetworkUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		// The policy reports a cancelled context on its own; keep the
		// classified failure instead.
		if last != nil {
			return nil, last
		}
		return nil, wrapError(ErrNetworkUnavailable, op, err)
	}
	return data, nil
}

func (c *Client) attempt(ctx context.Context, op, method, u string, payload []byte) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapError(ErrNetworkUnavailable, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapError(ErrNetworkUnavailable, op, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, classifyStatus(op, resp.StatusCode, data)
}

// classifyStatus maps a non-2xx response onto the error taxonomy.
func classifyStatus(op string, status int, body []byte) error {
	apiErr := &APIError{Code: strconv.Itoa(status), Message: http.StatusText(status)}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != nil {
		apiErr = eb.Error
	}

	var kind error
	switch {
	case apiErr.Code == "STALE_CURSOR" || status == http.StatusGone:
		kind = ErrStaleCursor
	case status == http.StatusConflict:
		kind = ErrConflict
	case status == http.StatusNotFound:
		kind = ErrNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		kind = ErrNetworkUnavailable
	default:
		kind = ErrServerRejected
	}
	return &Error{Kind: kind, Op: op, Err: apiErr}
}

func decodeJSON[T any](op string, data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, wrapError(ErrServerRejected, op, fmt.Errorf("failed to unmarshal response: %w", err))
	}
	return &result, nil
}
