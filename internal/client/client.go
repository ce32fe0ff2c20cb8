// Package client talks to the codeshelf API: JSON requests for sessions, search, history and
// CRUD, and server-sent event streams for the multiplexer.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"codeshelf/internal/library"
)

type noRetryKey struct{}

// APIError is a non-2xx answer carrying the server's error code.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Session struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	Role         string `json:"role"`
	ExpiresAt    int64  `json:"expiresAt"`
}

type SearchResult struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Title    string `json:"title"`
	Excerpt  string `json:"excerpt"`
	Language string `json:"language"`
}

type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
	Query   string         `json:"query"`
}

type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type RevisionContent struct {
	Title       string `json:"title"`
	Language    string `json:"language"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

type Client struct {
	baseURL string
	http    *retryablehttp.Client
	stream  *http.Client

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the transport used for both requests and streams.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http.HTTPClient = hc
		c.stream = hc
	}
}

// WithRetry sets how often idempotent requests are retried and the shortest wait between tries.
func WithRetry(max int, wait time.Duration) Option {
	return func(c *Client) {
		c.http.RetryMax = max
		c.http.RetryWaitMin = wait
		if c.http.RetryWaitMax < wait {
			c.http.RetryWaitMax = wait
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Value(noRetryKey{}) != nil {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
		stream:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) SignIn(ctx context.Context, email, password string) (Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/api/auth/signin", map[string]string{"email": email, "password": password}, &session)
	if err != nil {
		return Session{}, err
	}
	c.SetToken(session.Token)
	return session, nil
}

func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/api/auth/signup", map[string]string{
		"email":       email,
		"password":    password,
		"displayName": displayName,
	}, &session)
	if err != nil {
		return Session{}, err
	}
	c.SetToken(session.Token)
	return session, nil
}

// Refresh trades a refresh token for a new session. The old refresh token stops working.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	var session Session
	if err := c.do(ctx, http.MethodPost, "/api/session/refresh", map[string]string{"refreshToken": refreshToken}, &session); err != nil {
		return Session{}, err
	}
	c.SetToken(session.Token)
	return session, nil
}

func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.do(ctx, http.MethodPost, "/api/session/logout", map[string]string{"refreshToken": refreshToken}, nil)
}

func (c *Client) Library(ctx context.Context) (library.Tree, error) {
	var tree library.Tree
	err := c.do(ctx, http.MethodGet, "/api/library", nil, &tree)
	return tree, err
}

func (c *Client) Search(ctx context.Context, text, filterType string, limit int) (SearchResponse, error) {
	params := url.Values{}
	params.Set("q", text)
	if filterType != "" {
		params.Set("type", filterType)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp SearchResponse
	err := c.do(ctx, http.MethodGet, "/api/search?"+params.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) GetSnippet(ctx context.Context, id string) (library.Snippet, error) {
	var snippet library.Snippet
	err := c.do(ctx, http.MethodGet, "/api/snippets/"+url.PathEscape(id), nil, &snippet)
	return snippet, err
}

func (c *Client) History(ctx context.Context, snippetID string, limit int) ([]Revision, error) {
	path := "/api/snippets/" + url.PathEscape(snippetID) + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var payload struct {
		Revisions []Revision `json:"revisions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Revisions, nil
}

func (c *Client) Revision(ctx context.Context, snippetID, hash string) (RevisionContent, error) {
	var payload struct {
		Content RevisionContent `json:"content"`
	}
	path := "/api/snippets/" + url.PathEscape(snippetID) + "/history/" + url.PathEscape(hash)
	err := c.do(ctx, http.MethodGet, path, nil, &payload)
	return payload.Content, err
}

// MoveFolder puts folderID under parentID, or at the root when parentID is empty.
func (c *Client) MoveFolder(ctx context.Context, folderID, parentID string) error {
	return c.do(ctx, http.MethodPost, "/api/folders/"+url.PathEscape(folderID)+"/move", map[string]any{"parentId": nilIfEmpty(parentID)}, nil)
}

// MoveSnippet puts snippetID into folderID, or at the root when folderID is empty.
func (c *Client) MoveSnippet(ctx context.Context, snippetID, folderID string) error {
	return c.do(ctx, http.MethodPost, "/api/snippets/"+url.PathEscape(snippetID)+"/move", map[string]any{"folderId": nilIfEmpty(folderID)}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var raw []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		raw = encoded
	}
	// A retried POST could create the same entity twice.
	if method == http.MethodPost {
		ctx = context.WithValue(ctx, noRetryKey{}, true)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, raw)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil && resp == nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	var payload struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&payload); err == nil {
		if payload.Code != "" {
			apiErr.Code = payload.Code
		}
		if payload.Error != "" {
			apiErr.Message = payload.Error
		}
	}
	return apiErr
}

func nilIfEmpty(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
