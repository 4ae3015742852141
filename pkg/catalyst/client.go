// Package catalyst implements the typed client for the Catalyst Center
// controller: request execution against a fixed route table, bearer-token
// authentication with refresh-on-401, error classification, bounded retry
// with exponential backoff and full jitter, lazy pagination and asynchronous
// task polling. The engine consumes it through the engine.Client interface
// and never sees raw HTTP.
package catalyst

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/telemetry"
)

// Config holds the controller connection parameters.
type Config struct {
	// Host is the controller hostname or address.
	Host string

	// Port is the HTTPS port (default 443).
	Port int

	// Username and Password authenticate the token request. The password
	// is never logged.
	Username string
	Password string

	// VerifyTLS controls certificate verification.
	VerifyTLS bool

	// TaskPollInterval is the nominal spacing between task status polls
	// and the retry backoff base. Actual spacing is jittered.
	TaskPollInterval time.Duration

	// TaskTimeout is the total wall-clock budget for a single task; the
	// retry backoff cap is a quarter of it.
	TaskTimeout time.Duration

	// RateLimitRPS bounds outgoing request rate (0 = default of 10).
	RateLimitRPS float64

	// PageSize is the pagination window for listing endpoints (default 500).
	PageSize int
}

// Client is the typed facade to one Catalyst Center deployment.
// It is safe for use by a single plan executor plus background pagination;
// token state is guarded, everything else is read-only after construction.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *telemetry.Logger
	metrics    *telemetry.Metrics

	mu    sync.Mutex
	token string

	taskMu    sync.Mutex
	taskCache map[string]*engine.TaskResult
}

// NewClient creates a controller client. No network I/O happens until the
// first call; the auth token is acquired lazily.
func NewClient(cfg Config, log *telemetry.Logger, metrics *telemetry.Metrics) *Client {
	if cfg.Port == 0 {
		cfg.Port = 443
	}
	if cfg.TaskPollInterval == 0 {
		cfg.TaskPollInterval = 2 * time.Second
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = 1200 * time.Second
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 10
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 500
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS},
	}

	return &Client{
		cfg:     cfg,
		baseURL: fmt.Sprintf("https://%s:%d", cfg.Host, cfg.Port),
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: transport,
		},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), int(cfg.RateLimitRPS)),
		log:       log.NewComponentLogger("catalyst"),
		metrics:   metrics,
		taskCache: make(map[string]*engine.TaskResult),
	}
}

// Exec performs one controller operation, retrying transient and server
// errors with exponential backoff and full jitter (base TaskPollInterval,
// cap TaskTimeout/4). The controller's {"response": ...} envelope is
// unwrapped before the body is returned; the engine must never depend on
// response field ordering, so bodies stay raw JSON.
func (c *Client) Exec(ctx context.Context, family, op string, params map[string]interface{}) (json.RawMessage, error) {
	started := time.Now()
	body, err := c.execWithRetry(ctx, family, op, params, false)
	c.metrics.RecordAPICall(family, op, resultLabel(err), time.Since(started))
	return body, err
}

// Download fetches raw (non-JSON) content through the same route table.
func (c *Client) Download(ctx context.Context, family, op string, params map[string]interface{}) ([]byte, error) {
	started := time.Now()
	body, err := c.execWithRetry(ctx, family, op, params, true)
	c.metrics.RecordAPICall(family, op, resultLabel(err), time.Since(started))
	return body, err
}

func (c *Client) execWithRetry(ctx context.Context, family, op string, params map[string]interface{}, raw bool) (json.RawMessage, error) {
	operation := func() (json.RawMessage, error) {
		body, err := c.execOnce(ctx, family, op, params, raw)
		if err != nil && !engine.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return body, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.TaskPollInterval
	expo.MaxInterval = c.cfg.TaskTimeout / 4
	expo.RandomizationFactor = 1 // full jitter
	expo.Multiplier = 2

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxElapsedTime(c.cfg.TaskTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.RecordAPIRetry(family, op)
			c.log.Warnf("retrying %s/%s in %s after: %v", family, op, next.Round(time.Millisecond), err)
		}),
	)
}

// execOnce performs a single request, refreshing the token once on 401.
func (c *Client) execOnce(ctx context.Context, family, op string, params map[string]interface{}, raw bool) (json.RawMessage, error) {
	body, status, err := c.doRoute(ctx, family, op, params)
	if status == http.StatusUnauthorized {
		c.invalidateToken()
		body, status, err = c.doRoute(ctx, family, op, params)
		if status == http.StatusUnauthorized {
			return nil, engine.NewUnauthorizedError("controller rejected credentials", nil).WithOperation(op)
		}
	}
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, engine.NewNotFoundError(fmt.Sprintf("%s/%s returned 404", family, op)).WithOperation(op)
	}
	if status >= 400 {
		return nil, classifyStatus(status, body).WithOperation(op)
	}
	if raw {
		return body, nil
	}
	return unwrapEnvelope(body, op)
}

// doRoute resolves the route, applies authentication and rate limiting and
// performs the HTTP exchange. It returns the raw body and status code;
// transport failures come back as classified transient errors.
func (c *Client) doRoute(ctx context.Context, family, op string, params map[string]interface{}) ([]byte, int, error) {
	r, err := lookupRoute(family, op)
	if err != nil {
		return nil, 0, engine.NewPermanentError("route lookup failed", err)
	}

	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, 0, err
	}

	path, remaining := fillPath(r.path, params)

	var reqBody io.Reader
	reqURL := c.baseURL + path
	switch r.method {
	case http.MethodGet, http.MethodDelete:
		if len(remaining) > 0 {
			query := url.Values{}
			for k, v := range remaining {
				query.Set(k, fmt.Sprintf("%v", v))
			}
			reqURL += "?" + query.Encode()
		}
	default:
		if len(remaining) > 0 {
			// A lone "payload" member is sent as the body itself. Bulk
			// endpoints take a bare JSON array.
			var body interface{} = remaining
			if len(remaining) == 1 {
				if v, ok := remaining["payload"]; ok {
					body = v
				}
			}
			encoded, err := json.Marshal(body)
			if err != nil {
				return nil, 0, engine.NewPermanentError("request encoding failed", err)
			}
			reqBody = bytes.NewReader(encoded)
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, engine.NewTransientError("rate limiter wait cancelled", err)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, reqURL, reqBody)
	if err != nil {
		return nil, 0, engine.NewPermanentError("request construction failed", err)
	}
	req.Header.Set("X-Auth-Token", token)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, engine.NewPermanentError("request cancelled", ctx.Err()).WithCode(engine.CodeTaskCancelled)
		}
		return nil, 0, engine.NewTransientError("controller unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, engine.NewTransientError("response read failed", err)
	}
	return body, resp.StatusCode, nil
}

// ensureToken returns a valid bearer token, acquiring one on first use.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	r, _ := lookupRoute("auth", "token")
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, nil)
	if err != nil {
		return "", engine.NewPermanentError("auth request construction failed", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", engine.NewTransientError("token request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", engine.NewUnauthorizedError("token request rejected", nil)
	}
	if resp.StatusCode >= 400 {
		return "", classifyStatus(resp.StatusCode, nil).WithOperation("auth/token")
	}

	var payload struct {
		Token string `json:"Token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", engine.NewError(engine.ErrorClassProtocol, "malformed token response", err)
	}
	if payload.Token == "" {
		return "", engine.NewError(engine.ErrorClassProtocol, "empty token in auth response", nil)
	}

	c.token = payload.Token
	c.log.Debug("acquired controller auth token")
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// fillPath substitutes {param} placeholders from params and returns the
// filled path plus the unconsumed parameters.
func fillPath(template string, params map[string]interface{}) (string, map[string]interface{}) {
	remaining := make(map[string]interface{}, len(params))
	for k, v := range params {
		remaining[k] = v
	}

	path := template
	for k, v := range params {
		placeholder := "{" + k + "}"
		if strings.Contains(path, placeholder) {
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(fmt.Sprintf("%v", v)))
			delete(remaining, k)
		}
	}
	return path, remaining
}

// classifyStatus buckets an HTTP failure status. 429 and 5xx are retryable;
// other 4xx are client errors carrying the controller's errorCode when the
// body exposes one.
func classifyStatus(status int, body []byte) *engine.Error {
	switch {
	case status == http.StatusTooManyRequests:
		return engine.NewTransientError("controller rate limited the request", nil)
	case status >= 500:
		return engine.NewError(engine.ErrorClassServer,
			fmt.Sprintf("controller returned %d", status), nil)
	default:
		e := engine.NewError(engine.ErrorClassClient,
			fmt.Sprintf("controller returned %d", status), nil)
		if code := controllerErrorCode(body); code != "" {
			e = e.WithCode(code)
		}
		return e
	}
}

// controllerErrorCode extracts the controller's business error code from an
// error body, if present.
func controllerErrorCode(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		ErrorCode json.Number `json:"errorCode"`
		Response  struct {
			ErrorCode json.Number `json:"errorCode"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.ErrorCode != "" {
		return payload.ErrorCode.String()
	}
	return payload.Response.ErrorCode.String()
}

// unwrapEnvelope removes the {"response": ...} wrapper most intent endpoints
// use. Bodies without the wrapper pass through untouched.
func unwrapEnvelope(body []byte, op string) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return trimmed, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, engine.NewError(engine.ErrorClassProtocol,
			fmt.Sprintf("malformed response for %s", op), err)
	}
	if inner, ok := envelope["response"]; ok {
		return inner, nil
	}
	return trimmed, nil
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(engine.ClassOf(err))
}
