package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	apiKeyHeader      = "apikey"
	idempotencyHeader = "Idempotency-Key"
	maxErrorBody      = 64 << 10
)

// TokenSource supplies the bearer token for data calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// Timeout bounds each request when HTTPClient is nil.
	Timeout time.Duration
	// Limiter paces outbound requests. Nil disables pacing.
	Limiter *rate.Limiter
	Tokens  TokenSource
	Now     func() time.Time
	Logger  *slog.Logger
}

// Client talks to the backend's auth and REST endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	tokens     TokenSource
	now        func() time.Time
	logger     *slog.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		limiter:    cfg.Limiter,
		tokens:     cfg.Tokens,
		now:        now,
		logger:     logger.With("component", "remote"),
	}
}

// SetTokenSource sets the bearer token source for data calls.
func (c *Client) SetTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

// Authenticate signs in with email and password.
func (c *Client) Authenticate(ctx context.Context, email, password string) (Credentials, error) {
	body := map[string]string{"email": email, "password": password}
	return c.grant(ctx, "authenticate", "password", body)
}

// Refresh exchanges a refresh token for new credentials.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	body := map[string]string{"refresh_token": refreshToken}
	return c.grant(ctx, "refresh", "refresh_token", body)
}

func (c *Client) grant(ctx context.Context, op, grantType string, body any) (Credentials, error) {
	query := url.Values{"grant_type": {grantType}}
	var out tokenResponse
	if err := c.do(ctx, call{op: op, method: http.MethodPost, path: "/auth/v1/token", query: query, body: body, tokenEndpoint: true}, &out); err != nil {
		return Credentials{}, err
	}
	if out.AccessToken == "" {
		return Credentials{}, &Error{Kind: KindPermanent, Op: op, Message: "response carried no access token"}
	}
	return out.credentials(c.now()), nil
}

// SignOut revokes the session behind accessToken.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.do(ctx, call{op: "sign_out", method: http.MethodPost, path: "/auth/v1/logout", bearer: accessToken}, nil)
}

// Ping checks that the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, call{op: "ping", method: http.MethodGet, path: "/auth/v1/health", skipLimiter: true}, nil)
}

// ListProducts lists instruments, ordered by name.
func (c *Client) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	query := url.Values{"select": {"*"}, "order": {"name.asc"}}
	if filter.Status != "" {
		query.Set("status", "eq."+filter.Status)
	}
	var out []Product
	if err := c.do(ctx, call{op: "list_products", method: http.MethodGet, path: "/rest/v1/products", query: query, authorized: true}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListBookings lists bookings matching filter, latest start first.
func (c *Client) ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error) {
	query := url.Values{"select": {"*"}, "order": {"start_time.desc"}}
	if filter.UserID != "" {
		query.Set("user_id", "eq."+filter.UserID)
	}
	if filter.ProductID != "" {
		query.Set("product_id", "eq."+filter.ProductID)
	}
	var out []Booking
	if err := c.do(ctx, call{op: "list_bookings", method: http.MethodGet, path: "/rest/v1/bookings", query: query, authorized: true}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertConsumption writes record keyed by its id. Replays with the same
// idempotency key are safe. With IgnoreDuplicates an existing row is kept and
// returned unchanged when the backend reports it.
func (c *Client) UpsertConsumption(ctx context.Context, record ConsumptionRecord, resolution Resolution, idempotencyKey string) (ConsumptionRecord, error) {
	if resolution == "" {
		resolution = IgnoreDuplicates
	}
	headers := http.Header{}
	headers.Set("Prefer", "resolution="+string(resolution)+",return=representation")
	if idempotencyKey != "" {
		headers.Set(idempotencyHeader, idempotencyKey)
	}

	var out []ConsumptionRecord
	err := c.do(ctx, call{
		op:         "upsert_consumption",
		method:     http.MethodPost,
		path:       "/rest/v1/product_consumption",
		query:      url.Values{"on_conflict": {"id"}},
		body:       []ConsumptionRecord{record},
		headers:    headers,
		authorized: true,
	}, &out)
	if err != nil {
		if resolution == IgnoreDuplicates && IsConflict(err) {
			return record, nil
		}
		return ConsumptionRecord{}, err
	}
	if len(out) == 0 {
		// ignore-duplicates returns no rows when the record already existed.
		return record, nil
	}
	return out[0], nil
}

type call struct {
	op            string
	method        string
	path          string
	query         url.Values
	body          any
	headers       http.Header
	authorized    bool
	bearer        string
	tokenEndpoint bool
	skipLimiter   bool
}

func (c *Client) do(ctx context.Context, spec call, out any) error {
	if c.baseURL == "" {
		return &Error{Kind: KindPermanent, Op: spec.op, Message: "backend url not configured"}
	}
	if c.limiter != nil && !spec.skipLimiter {
		if err := c.limiter.Wait(ctx); err != nil {
			return &Error{Kind: KindTransient, Op: spec.op, Err: err}
		}
	}

	var reader io.Reader
	if spec.body != nil {
		payload, err := json.Marshal(spec.body)
		if err != nil {
			return fmt.Errorf("remote: %s: encode request: %w", spec.op, err)
		}
		reader = bytes.NewReader(payload)
	}

	target := c.baseURL + spec.path
	if len(spec.query) > 0 {
		target += "?" + spec.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, spec.method, target, reader)
	if err != nil {
		return fmt.Errorf("remote: %s: build request: %w", spec.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if spec.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	for key, values := range spec.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	bearer := spec.bearer
	if spec.authorized {
		if c.tokens == nil {
			return &Error{Kind: KindAuthExpired, Op: spec.op, Message: "no token source"}
		}
		bearer, err = c.tokens.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("remote: %s: access token: %w", spec.op, err)
		}
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	started := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Op: spec.op, Err: err}
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "backend call",
		"op", spec.op,
		"status", resp.StatusCode,
		"duration_ms", c.now().Sub(started).Milliseconds(),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &Error{Kind: KindTransient, Op: spec.op, Status: resp.StatusCode, Message: "decode response", Err: err}
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var eb errorBody
	message := ""
	if json.Unmarshal(raw, &eb) == nil {
		message = eb.text()
	}
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	return &Error{
		Kind:    statusKind(resp.StatusCode, spec.tokenEndpoint),
		Op:      spec.op,
		Status:  resp.StatusCode,
		Message: message,
	}
}
