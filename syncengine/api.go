package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// API is the subset of the REST surface the engine calls.
type API interface {
	Conversations(ctx context.Context) ([]Conversation, error)
	Conversation(ctx context.Context, id int64) (Conversation, error)
	CreateConversation(ctx context.Context, userIDs []int64, content string) (Conversation, error)
	SendMessage(ctx context.Context, conversationID int64, content string) (Message, error)
	MarkRead(ctx context.Context, conversationID int64) (ReadResult, error)
	ClearConversation(ctx context.Context, conversationID int64) error
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// ClientConfig tunes the HTTP client.
type ClientConfig struct {
	Timeout         time.Duration
	RetryInitial    time.Duration
	RetryMaxElapsed time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:         10 * time.Second,
		RetryInitial:    500 * time.Millisecond,
		RetryMaxElapsed: 15 * time.Second,
	}
}

// HTTPClient talks to the miniblog REST API. Reads, read syncs and clears
// are retried with exponential backoff; creates are not.
type HTTPClient struct {
	base *url.URL
	http *http.Client
	conf ClientConfig

	mu       sync.RWMutex
	token    string
	socketID func() string
}

func NewHTTPClient(baseURL string, conf ClientConfig) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    16,
		IdleConnTimeout: 90 * time.Second,
	}
	return &HTTPClient{
		base: u,
		http: &http.Client{Transport: tr, Timeout: conf.Timeout},
		conf: conf,
	}, nil
}

func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *HTTPClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// UseSocket makes every request carry the caller's socket id so the
// server skips echoing its own broadcasts back.
func (c *HTTPClient) UseSocket(socketID func() string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.socketID = socketID
}

// Endpoint resolves path against the base URL.
func (c *HTTPClient) Endpoint(path string) string {
	return c.base.String() + path
}

type session struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Login exchanges credentials for a bearer token and keeps it.
func (c *HTTPClient) Login(ctx context.Context, email, password string) (User, error) {
	var s session
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/login", body, &s, false); err != nil {
		return User{}, err
	}
	c.SetToken(s.Token)
	return s.User, nil
}

// Register creates an account and keeps the returned token.
func (c *HTTPClient) Register(ctx context.Context, name, email, password string) (User, error) {
	var s session
	body := map[string]string{"name": name, "email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/register", body, &s, false); err != nil {
		return User{}, err
	}
	c.SetToken(s.Token)
	return s.User, nil
}

func (c *HTTPClient) Me(ctx context.Context) (User, error) {
	var u User
	err := c.do(ctx, http.MethodGet, "/api/user", nil, &u, true)
	return u, err
}

func (c *HTTPClient) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &out, true)
	return out, err
}

func (c *HTTPClient) Conversation(ctx context.Context, id int64) (Conversation, error) {
	var out Conversation
	err := c.do(ctx, http.MethodGet, conversationPath(id), nil, &out, true)
	return out, err
}

func (c *HTTPClient) CreateConversation(ctx context.Context, userIDs []int64, content string) (Conversation, error) {
	var out Conversation
	body := map[string]any{"user_ids": userIDs, "content": content}
	err := c.do(ctx, http.MethodPost, "/api/conversations", body, &out, false)
	return out, err
}

func (c *HTTPClient) SendMessage(ctx context.Context, conversationID int64, content string) (Message, error) {
	var out Message
	body := map[string]string{"content": content}
	err := c.do(ctx, http.MethodPost, conversationPath(conversationID)+"/messages", body, &out, false)
	return out, err
}

func (c *HTTPClient) MarkRead(ctx context.Context, conversationID int64) (ReadResult, error) {
	var out ReadResult
	err := c.do(ctx, http.MethodPatch, conversationPath(conversationID)+"/read", nil, &out, true)
	return out, err
}

func (c *HTTPClient) ClearConversation(ctx context.Context, conversationID int64) error {
	return c.do(ctx, http.MethodDelete, conversationPath(conversationID), nil, nil, true)
}

// AuthorizeChannel fetches a subscription grant for channel on socketID.
func (c *HTTPClient) AuthorizeChannel(ctx context.Context, socketID, channel string) (string, error) {
	var out struct {
		Auth string `json:"auth"`
	}
	body := map[string]string{"socket_id": socketID, "channel_name": channel}
	if err := c.do(ctx, http.MethodPost, "/broadcasting/auth", body, &out, false); err != nil {
		return "", err
	}
	return out.Auth, nil
}

func conversationPath(id int64) string {
	return "/api/conversations/" + strconv.FormatInt(id, 10)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any, retry bool) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	operation := func() error {
		err := c.roundTrip(ctx, method, path, payload, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		return err
	}
	if !retry {
		err := operation()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	if c.conf.RetryInitial > 0 {
		b.InitialInterval = c.conf.RetryInitial
	}
	b.MaxElapsedTime = c.conf.RetryMaxElapsed
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, payload []byte, out any) error {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Endpoint(path), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.RLock()
	token, socketID := c.token, c.socketID
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if socketID != nil {
		if id := socketID(); id != "" {
			req.Header.Set("X-Socket-ID", id)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var problem struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&problem)
		return &APIError{Status: resp.StatusCode, Message: problem.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
