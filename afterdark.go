// Package afterdark provides the Go client SDK for the Afterdark nightlife
// platform's messaging API.
//
// A single account can act as several entities (its personal account, a bar
// page, a DJ or dancer business profile). Each entity has its own messaging
// identity, inbox and unread counters. The SDK resolves the active entity
// from a locally cached session and keeps conversations, messages and
// realtime rooms in sync for it.
//
// Example:
//
//	client := afterdark.NewClient(token)
//	store := afterdark.NewIdentityStore(afterdark.NewFileStorage(path), nil)
//	afterdark.Bootstrap(ctx, client, store)
//
//	m := afterdark.NewMessenger(client, store, afterdark.WithLogger(logger))
//	m.Start(ctx)
//	thread, _ := m.OpenConversation(ctx, "conv-123", nil)
//	thread.Send(ctx, "see you tonight", nil)
package afterdark

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL = "https://api.afterdark.app"
	DefaultTimeout = 30 * time.Second

	tracerName = "github.com/afterdark-app/afterdark-go"
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer

	Account       *AccountClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
	Profiles      *ProfilesClient
	Posts         *PostsClient
	Realtime      *RealtimeFactory
}

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

func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) { c.tracer = tp.Tracer(tracerName) }
}

// NewClient creates a new Afterdark client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}

	c.Account = &AccountClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Profiles = &ProfilesClient{c: c}
	c.Posts = &PostsClient{c: c}
	c.Realtime = &RealtimeFactory{c: c}
	return c
}

// SetToken replaces the auth token, e.g. after login.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, method+" "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result Result
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &result); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	if resp.StatusCode >= 300 || (!result.OK && result.Error != nil) {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Message: strings.TrimSpace(string(data))}
		}
		apiErr.Status = resp.StatusCode
		span.SetStatus(codes.Error, apiErr.Error())
		return nil, apiErr
	}
	return &result, nil
}

func decodeData[T any](r *Result) (T, error) {
	var v T
	if err := r.Decode(&v); err != nil {
		return v, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return v, nil
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AccountClient handles the authenticated account and its entities.
type AccountClient struct{ c *Client }

func (a *AccountClient) Me(ctx context.Context) (*Account, error) {
	r, err := a.c.doRequest(ctx, http.MethodGet, "/api/me", nil, nil)
	if err != nil {
		return nil, err
	}
	acct, err := decodeData[Account](r)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (a *AccountClient) Entities(ctx context.Context) ([]Entity, error) {
	r, err := a.c.doRequest(ctx, http.MethodGet, "/api/me/entities", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[[]Entity](r)
}

// MessagingID looks up the messaging identity of one of the account's entities.
func (a *AccountClient) MessagingID(ctx context.Context, accountID string, ref EntityRef) (string, error) {
	path := fmt.Sprintf("/api/accounts/%s/entities/%s/%s/messaging-id",
		url.PathEscape(accountID), url.PathEscape(ref.Kind.String()), url.PathEscape(ref.ID))
	r, err := a.c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return "", err
	}
	out, err := decodeData[struct {
		MessagingID string `json:"messagingId"`
	}](r)
	if err != nil {
		return "", err
	}
	return out.MessagingID, nil
}

// ConversationsClient lists conversations and marks them read.
type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) List(ctx context.Context, messagingID string) ([]RemoteConversation, error) {
	r, err := cv.c.doRequest(ctx, http.MethodGet, "/api/conversations", nil, url.Values{"messagingId": {messagingID}})
	if err != nil {
		return nil, err
	}
	return decodeData[[]RemoteConversation](r)
}

func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID, messagingID string) error {
	_, err := cv.c.doRequest(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/read",
		map[string]string{"messagingId": messagingID}, nil)
	return err
}

// MessagesClient reads history and sends messages.
type MessagesClient struct{ c *Client }

func (m *MessagesClient) List(ctx context.Context, conversationID string, opts ListMessagesOptions) ([]Message, error) {
	q := url.Values{}
	if opts.Before != "" {
		q.Set("before", opts.Before)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	r, err := m.c.doRequest(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, q)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeData[[]Message](r)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conversationID
		}
		if msgs[i].Type == "" {
			msgs[i].Type = MessageText
		}
		msgs[i].Status = StatusPending.Advance(msgs[i].Status)
	}
	return msgs, nil
}

func (m *MessagesClient) Send(ctx context.Context, req SendMessageRequest) (*SentMessage, error) {
	if req.Type == "" {
		req.Type = MessageText
	}
	r, err := m.c.doRequest(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(req.ConversationID)+"/messages", req, nil)
	if err != nil {
		return nil, err
	}
	sent, err := decodeData[SentMessage](r)
	if err != nil {
		return nil, err
	}
	return &sent, nil
}

// ProfilesClient resolves display profiles. A missing profile is reported
// as an error matching ErrNotFound.
type ProfilesClient struct{ c *Client }

func (p *ProfilesClient) ByMessagingID(ctx context.Context, messagingID string) (*Profile, error) {
	r, err := p.c.doRequest(ctx, http.MethodGet, "/api/profiles/messaging/"+url.PathEscape(messagingID), nil, nil)
	if err != nil {
		return nil, err
	}
	prof, err := decodeData[Profile](r)
	if err != nil {
		return nil, err
	}
	if prof.MessagingID == "" {
		prof.MessagingID = messagingID
	}
	return &prof, nil
}

// PostsClient fetches posts referenced by shared-post messages.
type PostsClient struct{ c *Client }

func (p *PostsClient) Get(ctx context.Context, postID string) (*Post, error) {
	r, err := p.c.doRequest(ctx, http.MethodGet, "/api/posts/"+url.PathEscape(postID), nil, nil)
	if err != nil {
		return nil, err
	}
	post, err := decodeData[Post](r)
	if err != nil {
		return nil, err
	}
	if post.ID == "" {
		post.ID = postID
	}
	return &post, nil
}

// RealtimeFactory creates realtime clients bound to this client's base URL.
type RealtimeFactory struct{ c *Client }

// WSUrl returns the WebSocket URL.
func (r *RealtimeFactory) WSUrl() string {
	base := strings.Replace(r.c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// Connect creates a WebSocket realtime client. Call Connect() on the result
// to establish the connection.
func (r *RealtimeFactory) Connect(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = r.c.token
	}
	return NewRealtimeClient(r.WSUrl(), &cfg)
}
