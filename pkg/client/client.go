// Package client is a Go client for the market-scout gateway.
package client

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

	"github.com/gorilla/websocket"

	"github.com/ahrav/market-scout/internal/domain/dispatch"
)

// SubProtocol is the WebSocket subprotocol offered when watching tasks.
const SubProtocol = "send-only"

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Kind    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Message)
}

// Token is the gateway's view of an access token.
type Token struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
	TTL       int64  `json:"ttl"`
	OpLimit   int64  `json:"opLimit"`
	TCLimit   int64  `json:"tcLimit"`
	OpCount   int64  `json:"opCount"`
	TaskCount int64  `json:"taskCount"`
	ExpiresAt int64  `json:"expiresAt"`
}

// TokenUpdate carries the fields to replace. Nil fields are left unchanged.
type TokenUpdate struct {
	TTL     *time.Duration
	OpLimit *int64
	TCLimit *int64
}

// Client talks to one gateway. Token authenticates task calls and Master
// authenticates token administration; either may be empty.
type Client struct {
	base   *url.URL
	http   *http.Client
	token  string
	master string
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the access token.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithMasterToken sets the master token.
func WithMasterToken(master string) Option { return func(c *Client) { c.master = master } }

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// New returns a client for the gateway rooted at baseURL, e.g.
// http://localhost:8080/api.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	c := &Client{base: u, http: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateToken issues a new token.
func (c *Client) CreateToken(ctx context.Context, ttl time.Duration, opLimit, tcLimit int64) (Token, error) {
	q := url.Values{}
	q.Set("ttl", strconv.FormatInt(int64(ttl/time.Second), 10))
	q.Set("op_limit", strconv.FormatInt(opLimit, 10))
	q.Set("tc_limit", strconv.FormatInt(tcLimit, 10))

	var tok Token
	err := c.do(ctx, http.MethodPost, "/create_token", q, nil, c.master, &tok)
	return tok, err
}

// UpdateToken replaces the limits or ttl of a token.
func (c *Client) UpdateToken(ctx context.Context, id string, u TokenUpdate) (Token, error) {
	q := url.Values{}
	q.Set("id", id)
	if u.TTL != nil {
		q.Set("ttl", strconv.FormatInt(int64(*u.TTL/time.Second), 10))
	}
	if u.OpLimit != nil {
		q.Set("op_limit", strconv.FormatInt(*u.OpLimit, 10))
	}
	if u.TCLimit != nil {
		q.Set("tc_limit", strconv.FormatInt(*u.TCLimit, 10))
	}

	var tok Token
	err := c.do(ctx, http.MethodPost, "/update_token", q, nil, c.master, &tok)
	return tok, err
}

// RevokeToken removes a token.
func (c *Client) RevokeToken(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/cutout_token/"+url.PathEscape(id), nil, nil, c.master, nil)
}

// TokenInfo returns the public view of any token.
func (c *Client) TokenInfo(ctx context.Context, id string) (Token, error) {
	var tok Token
	err := c.do(ctx, http.MethodGet, "/token_info/"+url.PathEscape(id), nil, nil, "", &tok)
	return tok, err
}

// Self returns the token the client authenticates with.
func (c *Client) Self(ctx context.Context) (Token, error) {
	var tok Token
	err := c.do(ctx, http.MethodGet, "/token_info", nil, nil, c.token, &tok)
	return tok, err
}

// SubmitOrder requests lookups for products. An empty proxyPool uses the
// server's default pool.
func (c *Client) SubmitOrder(ctx context.Context, products, proxyPool []string) (dispatch.OrderHandle, error) {
	body := struct {
		Products  []string `json:"products"`
		ProxyPool []string `json:"proxyPool,omitempty"`
	}{products, proxyPool}

	var h dispatch.OrderHandle
	err := c.do(ctx, http.MethodPost, "/order", nil, body, c.token, &h)
	return h, err
}

// Order returns the aggregate view of an order.
func (c *Client) Order(ctx context.Context, orderID string) (dispatch.OrderView, error) {
	var v dispatch.OrderView
	err := c.do(ctx, http.MethodGet, "/task/"+url.PathEscape(orderID), nil, nil, c.token, &v)
	return v, err
}

// Task returns a single task. The hash must name a task, not an order.
func (c *Client) Task(ctx context.Context, taskID string) (dispatch.TaskSnapshot, error) {
	raw, err := c.Lookup(ctx, taskID)
	if err != nil {
		return dispatch.TaskSnapshot{}, err
	}

	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return dispatch.TaskSnapshot{}, fmt.Errorf("decoding task: %w", err)
	}
	if head.ID == "" {
		return dispatch.TaskSnapshot{}, fmt.Errorf("%s is an order, not a task", taskID)
	}

	var t dispatch.TaskSnapshot
	if err := json.Unmarshal(raw, &t); err != nil {
		return dispatch.TaskSnapshot{}, fmt.Errorf("decoding task: %w", err)
	}
	return t, nil
}

// Lookup returns the raw task or order view for hash.
func (c *Client) Lookup(ctx context.Context, hash string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodGet, "/task/"+url.PathEscape(hash), nil, nil, c.token, &raw)
	return raw, err
}

// Watch streams events for a task or order hash to fn until every task is
// terminal, ctx is done or fn returns an error.
func (c *Client) Watch(ctx context.Context, hash string, fn func(dispatch.TaskEvent) error) error {
	u := *c.base
	u.Path += "/task_ws/" + url.PathEscape(hash)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{SubProtocol},
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return decodeError(resp)
		}
		return fmt.Errorf("dialing %s: %w", u.Redacted(), err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var ev dispatch.TaskEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body any, bearer string, out any) error {
	u := *c.base
	u.Path += path
	u.RawQuery = q.Encode()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(b, apiErr); err != nil || apiErr.Kind == "" {
		apiErr.Kind = http.StatusText(resp.StatusCode)
		apiErr.Message = strings.TrimSpace(string(b))
	}
	return apiErr
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
