package remote

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

	"github.com/google/uuid"

	"github.com/ultraride/ridesync/internal/metrics"
	"github.com/ultraride/ridesync/internal/ride"
)

// Backend is the set of remote operations the reconciliation core consumes.
type Backend interface {
	ReadProfile(ctx context.Context, token string) (ride.Profile, error)
	WriteProfile(ctx context.Context, token string, update ride.ProfileUpdate) (ride.Profile, error)
	ReadEvents(ctx context.Context) ([]ride.Event, error)
	ReadStepProgress(ctx context.Context, token, eventID string) (ride.ProgressSnapshot, error)
	WriteStepProgress(ctx context.Context, token, eventID string, write ride.StepWrite) (ride.StepProgress, error)
	HealthProbe(ctx context.Context) error
}

// Identity is the managed identity service.
type Identity interface {
	SignIn(ctx context.Context, email, password string) (ride.Grant, error)
	Refresh(ctx context.Context, refreshToken string) (ride.Grant, error)
	SignOut(ctx context.Context, accessToken string) error
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ride.ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ride.ErrNotRegistered:
		return e.Code == "not_registered"
	case ride.ErrNotFound:
		return e.StatusCode == http.StatusNotFound && e.Code != "not_registered"
	case ride.ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	case ride.ErrUnavailable:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	}
	return false
}

// TransportError is a request that never produced an HTTP response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ride.ErrUnavailable
}

// Timeouts bound each class of remote call.
type Timeouts struct {
	Identity time.Duration
	Profile  time.Duration
	Events   time.Duration
	Progress time.Duration
	Health   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Identity: 5 * time.Second,
		Profile:  10 * time.Second,
		Events:   15 * time.Second,
		Progress: 10 * time.Second,
		Health:   3 * time.Second,
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

type ClientOptions struct {
	HTTPClient *http.Client
	Timeouts   Timeouts
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     Logger
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	timeouts   Timeouts
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     Logger
}

func NewHTTPClient(baseURL string, opts ClientOptions) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8787"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	timeouts := withDefaultTimeouts(opts.Timeouts)
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		timeouts:   timeouts,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     opts.Logger,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// RealtimeURL is the WebSocket endpoint for change notifications.
func (c *HTTPClient) RealtimeURL() string {
	u := c.baseURL + "/v1/realtime"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// HealthProbe makes exactly one attempt. Callers use it to decide whether a batch of
// requests is worth sending, so it never retries.
func (c *HTTPClient) HealthProbe(ctx context.Context) error {
	return c.doJSONWithRetries(ctx, "health", c.timeouts.Health, 0, http.MethodGet, "/health", "", nil, nil)
}

func (c *HTTPClient) ReadEvents(ctx context.Context) ([]ride.Event, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, "events", c.timeouts.Events, http.MethodGet, "/v1/events", "", nil, &raw); err != nil {
		return nil, err
	}
	return decodeEvents(raw, c.logger)
}

func (c *HTTPClient) ReadProfile(ctx context.Context, token string) (ride.Profile, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, "profile", c.timeouts.Profile, http.MethodGet, "/v1/profile", token, nil, &raw); err != nil {
		return ride.Profile{}, err
	}
	return decodeProfile(raw)
}

func (c *HTTPClient) WriteProfile(ctx context.Context, token string, update ride.ProfileUpdate) (ride.Profile, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, "profile_write", c.timeouts.Profile, http.MethodPatch, "/v1/profile", token, update, &raw); err != nil {
		return ride.Profile{}, err
	}
	return decodeProfile(raw)
}

func (c *HTTPClient) ReadStepProgress(ctx context.Context, token, eventID string) (ride.ProgressSnapshot, error) {
	var raw json.RawMessage
	path := fmt.Sprintf("/v1/events/%s/progress", url.PathEscape(eventID))
	if err := c.doJSON(ctx, "progress", c.timeouts.Progress, http.MethodGet, path, token, nil, &raw); err != nil {
		return ride.ProgressSnapshot{}, err
	}
	return decodeProgressSnapshot(raw, eventID, c.logger)
}

func (c *HTTPClient) WriteStepProgress(ctx context.Context, token, eventID string, write ride.StepWrite) (ride.StepProgress, error) {
	if err := write.Validate(); err != nil {
		return ride.StepProgress{}, err
	}
	var raw json.RawMessage
	path := fmt.Sprintf("/v1/events/%s/progress", url.PathEscape(eventID))
	if err := c.doJSON(ctx, "progress_write", c.timeouts.Progress, http.MethodPost, path, token, write, &raw); err != nil {
		return ride.StepProgress{}, err
	}
	return decodeStepRecord(raw, eventID)
}

func (c *HTTPClient) SignIn(ctx context.Context, email, password string) (ride.Grant, error) {
	body := map[string]string{"email": email, "password": password}
	var raw json.RawMessage
	if err := c.doJSON(ctx, "sign_in", c.timeouts.Identity, http.MethodPost, "/auth/v1/token?grant_type=password", "", body, &raw); err != nil {
		return ride.Grant{}, err
	}
	return decodeGrant(raw)
}

func (c *HTTPClient) Refresh(ctx context.Context, refreshToken string) (ride.Grant, error) {
	body := map[string]string{"refresh_token": refreshToken}
	var raw json.RawMessage
	err := c.doJSON(ctx, "refresh", c.timeouts.Identity, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "", body, &raw)
	if err != nil {
		if errors.Is(err, ride.ErrUnauthorized) || errors.Is(err, ride.ErrInvalidInput) {
			return ride.Grant{}, fmt.Errorf("%w: %v", ride.ErrInvalidGrant, err)
		}
		return ride.Grant{}, err
	}
	return decodeGrant(raw)
}

func (c *HTTPClient) SignOut(ctx context.Context, accessToken string) error {
	return c.doJSON(ctx, "sign_out", c.timeouts.Identity, http.MethodPost, "/auth/v1/logout", accessToken, nil, nil)
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	op string,
	timeout time.Duration,
	method, requestPath, token string,
	body any,
	out any,
) error {
	return c.doJSONWithRetries(ctx, op, timeout, c.maxRetries, method, requestPath, token, body, out)
}

func (c *HTTPClient) doJSONWithRetries(
	ctx context.Context,
	op string,
	timeout time.Duration,
	maxRetries int,
	method, requestPath, token string,
	body any,
	out any,
) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveRemote(op, start, err) }()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, reqErr := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if reqErr != nil {
			return reqErr
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			if ctxErr := contextError(ctx, op); ctxErr != nil {
				return ctxErr
			}
			if attempt < maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return contextErrorOr(ctx, op, waitErr)
				}
				continue
			}
			return &TransportError{Op: op, Err: doErr}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			if ctxErr := contextError(ctx, op); ctxErr != nil {
				return ctxErr
			}
			return &TransportError{Op: op, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return contextErrorOr(ctx, op, waitErr)
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

// contextError maps an expired per-operation deadline to a distinguishable timeout.
func contextError(ctx context.Context, op string) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return &ride.TimeoutError{Op: op}
	default:
		return ctx.Err()
	}
}

func contextErrorOr(ctx context.Context, op string, fallback error) error {
	if err := contextError(ctx, op); err != nil {
		return err
	}
	return fallback
}

func withDefaultTimeouts(t Timeouts) Timeouts {
	d := DefaultTimeouts()
	if t.Identity <= 0 {
		t.Identity = d.Identity
	}
	if t.Profile <= 0 {
		t.Profile = d.Profile
	}
	if t.Events <= 0 {
		t.Events = d.Events
	}
	if t.Progress <= 0 {
		t.Progress = d.Progress
	}
	if t.Health <= 0 {
		t.Health = d.Health
	}
	return t
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
