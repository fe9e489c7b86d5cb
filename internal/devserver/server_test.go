package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ultraride/ridesync/internal/remote"
	"github.com/ultraride/ridesync/internal/ride"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSeededServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.PasswordCost = bcrypt.MinCost
	server := New(cfg)
	if err := server.Apply(DemoSeed()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	t.Cleanup(server.Close)
	return server
}

func TestHealthIsPublic(t *testing.T) {
	server := newSeededServer(t, Config{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	server := newSeededServer(t, Config{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/profile"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	garbage := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/profile",
		headers: map[string]string{"Authorization": "Bearer not.a.jwt"},
	})
	if garbage.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed token, got %d", garbage.Code)
	}
}

func TestPasswordGrantAndProfileLifecycle(t *testing.T) {
	server := newSeededServer(t, Config{})

	badLogin := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/auth/v1/token?grant_type=password",
		body:   map[string]any{"email": "demo@ultraride.dev", "password": "wrong"},
	})
	if badLogin.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad password, got %d", badLogin.Code)
	}

	demo := mustSignIn(t, server, "Demo@UltraRide.dev", "ridesync-demo")
	if demo.User.Email != "demo@ultraride.dev" {
		t.Fatalf("expected normalized email, got %q", demo.User.Email)
	}
	profile := doRequest(t, server, request{method: http.MethodGet, path: "/v1/profile", headers: bearer(demo.AccessToken)})
	if profile.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", profile.Code, profile.Body.String())
	}
	var body struct {
		Profile map[string]any `json:"profile"`
	}
	if err := json.NewDecoder(profile.Body).Decode(&body); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if body.Profile["display_name"] != "Demo Rider" {
		t.Fatalf("unexpected profile %+v", body.Profile)
	}

	newcomer := mustSignIn(t, server, "newcomer@ultraride.dev", "ridesync-demo")
	missing := doRequest(t, server, request{method: http.MethodGet, path: "/v1/profile", headers: bearer(newcomer.AccessToken)})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before provisioning, got %d", missing.Code)
	}
	created := doRequest(t, server, request{
		method:  http.MethodPatch,
		path:    "/v1/profile",
		headers: bearer(newcomer.AccessToken),
		body:    map[string]any{"displayName": "newcomer"},
	})
	if created.Code != http.StatusOK {
		t.Fatalf("expected 200 on provisioning, got %d (%s)", created.Code, created.Body.String())
	}
	if _, ok := server.Store().Profile("newcomer@ultraride.dev"); !ok {
		t.Fatalf("expected profile to exist after patch")
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	server := newSeededServer(t, Config{})
	first := mustSignIn(t, server, "demo@ultraride.dev", "ridesync-demo")

	rotated := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/auth/v1/token?grant_type=refresh_token",
		body:   map[string]any{"refresh_token": first.RefreshToken},
	})
	if rotated.Code != http.StatusOK {
		t.Fatalf("expected refresh to succeed, got %d (%s)", rotated.Code, rotated.Body.String())
	}
	var second issuedTokens
	if err := json.NewDecoder(rotated.Body).Decode(&second); err != nil {
		t.Fatalf("decode refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken || second.AccessToken == "" {
		t.Fatalf("expected a new token pair, got %+v", second)
	}

	reused := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/auth/v1/token?grant_type=refresh_token",
		body:   map[string]any{"refresh_token": first.RefreshToken},
	})
	if reused.Code != http.StatusBadRequest {
		t.Fatalf("expected reused refresh token to be rejected, got %d", reused.Code)
	}
	assertErrorCode(t, reused, "invalid_grant")
}

func TestLogoutRevokesTokens(t *testing.T) {
	server := newSeededServer(t, Config{})
	tokens := mustSignIn(t, server, "demo@ultraride.dev", "ridesync-demo")

	logout := doRequest(t, server, request{method: http.MethodPost, path: "/auth/v1/logout", headers: bearer(tokens.AccessToken)})
	if logout.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", logout.Code)
	}
	after := doRequest(t, server, request{method: http.MethodGet, path: "/v1/profile", headers: bearer(tokens.AccessToken)})
	if after.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked access token to fail, got %d", after.Code)
	}
	refresh := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/auth/v1/token?grant_type=refresh_token",
		body:   map[string]any{"refresh_token": tokens.RefreshToken},
	})
	if refresh.Code != http.StatusBadRequest {
		t.Fatalf("expected revoked refresh token to fail, got %d", refresh.Code)
	}
}

func TestExpiredAccessToken(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}
	server := newSeededServer(t, Config{TokenTTL: time.Minute, Now: clock.Now})
	tokens := mustSignIn(t, server, "demo@ultraride.dev", "ridesync-demo")
	if tokens.ExpiresIn != 60 {
		t.Fatalf("expected expires_in 60, got %d", tokens.ExpiresIn)
	}

	clock.Advance(2 * time.Minute)
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/profile", headers: bearer(tokens.AccessToken)})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", resp.Code)
	}
}

func TestProgressUpsertAndCurrentStep(t *testing.T) {
	server := newSeededServer(t, Config{})
	tokens := mustSignIn(t, server, "demo@ultraride.dev", "ridesync-demo")

	writes := []map[string]any{
		{"stepId": 1, "phase": "start", "completed": false},
		{"stepId": 1, "phase": "START", "completed": true, "data": map[string]any{"km": 12}},
		{"stepId": 3, "phase": "before", "completed": true},
		{"stepId": 2, "phase": "end", "completed": true},
	}
	for i, write := range writes {
		resp := doRequest(t, server, request{
			method:  http.MethodPost,
			path:    "/v1/events/evt-1/progress",
			headers: bearer(tokens.AccessToken),
			body:    write,
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("write %d: expected 200, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}

	snapshot, err := server.Store().Progress("demo@ultraride.dev", "evt-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if len(snapshot.Records) != 3 {
		t.Fatalf("expected 3 records after upsert, got %d (%+v)", len(snapshot.Records), snapshot.Records)
	}
	if !snapshot.Records[0].Completed || snapshot.Records[0].Phase != ride.PhaseStart {
		t.Fatalf("expected step 1 start to be replaced, got %+v", snapshot.Records[0])
	}
	if snapshot.CurrentStep == nil || *snapshot.CurrentStep != 4 {
		t.Fatalf("expected current step 4, got %v", snapshot.CurrentStep)
	}

	read := doRequest(t, server, request{method: http.MethodGet, path: "/v1/events/evt-1/progress", headers: bearer(tokens.AccessToken)})
	var payload map[string]any
	if err := json.NewDecoder(read.Body).Decode(&payload); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if payload["current_step"] != float64(4) {
		t.Fatalf("expected snake_case current_step 4, got %+v", payload)
	}

	profile, _ := server.Store().Profile("demo@ultraride.dev")
	if profile.TotalPoints != 10 {
		t.Fatalf("expected points for the completed end phase, got %d", profile.TotalPoints)
	}
}

func TestProgressNotRegisteredAndUnknownEvent(t *testing.T) {
	server := newSeededServer(t, Config{})
	tokens := mustSignIn(t, server, "demo@ultraride.dev", "ridesync-demo")

	notRegistered := doRequest(t, server, request{method: http.MethodGet, path: "/v1/events/evt-3/progress", headers: bearer(tokens.AccessToken)})
	if notRegistered.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", notRegistered.Code)
	}
	assertErrorCode(t, notRegistered, "not_registered")

	unknown := doRequest(t, server, request{method: http.MethodGet, path: "/v1/events/evt-404/progress", headers: bearer(tokens.AccessToken)})
	assertErrorCode(t, unknown, "not_found")

	invalid := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/events/evt-1/progress",
		headers: bearer(tokens.AccessToken),
		body:    map[string]any{"stepId": 1, "phase": "finish"},
	})
	if invalid.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for unknown phase, got %d", invalid.Code)
	}

	register := doRequest(t, server, request{method: http.MethodPost, path: "/v1/events/evt-3/registrations", headers: bearer(tokens.AccessToken)})
	if register.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", register.Code)
	}
	registered := doRequest(t, server, request{method: http.MethodGet, path: "/v1/events/evt-3/progress", headers: bearer(tokens.AccessToken)})
	if registered.Code != http.StatusOK {
		t.Fatalf("expected 200 after registering, got %d", registered.Code)
	}
}

func TestRateLimitingByRider(t *testing.T) {
	server := newSeededServer(t, Config{RateLimitMax: 2, RateLimitWindow: time.Minute})
	tokens := mustSignIn(t, server, "demo@ultraride.dev", "ridesync-demo")

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/profile", headers: bearer(tokens.AccessToken)})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d", i, resp.Code)
		}
	}
	denied := doRequest(t, server, request{method: http.MethodGet, path: "/v1/profile", headers: bearer(tokens.AccessToken)})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", denied.Code)
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}
}

func TestHTTPClientSpeaksDevServerContract(t *testing.T) {
	server := newSeededServer(t, Config{})
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	client := remote.NewHTTPClient(httpServer.URL, remote.ClientOptions{MaxRetries: -1})
	ctx := context.Background()

	grant, err := client.SignIn(ctx, "demo@ultraride.dev", "ridesync-demo")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if grant.Email != "demo@ultraride.dev" || grant.RefreshToken == "" {
		t.Fatalf("unexpected grant %+v", grant)
	}

	events, err := client.ReadEvents(ctx)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 3 || events[0].ID != "evt-1" || len(events[0].Tags) != 2 {
		t.Fatalf("unexpected events %+v", events)
	}

	if _, err := client.ReadStepProgress(ctx, grant.AccessToken, "evt-3"); !errors.Is(err, ride.ErrNotRegistered) {
		t.Fatalf("expected not registered, got %v", err)
	}

	record, err := client.WriteStepProgress(ctx, grant.AccessToken, "evt-1", ride.StepWrite{StepID: 2, Phase: ride.PhaseEnd, Completed: true})
	if err != nil {
		t.Fatalf("write progress: %v", err)
	}
	if record.EventID != "evt-1" || record.StepID != 2 || record.CompletedAt == nil {
		t.Fatalf("unexpected record %+v", record)
	}
	snapshot, err := client.ReadStepProgress(ctx, grant.AccessToken, "evt-1")
	if err != nil {
		t.Fatalf("read progress: %v", err)
	}
	if len(snapshot.Records) != 1 || snapshot.CurrentStep == nil || *snapshot.CurrentStep != 3 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	profile, err := client.ReadProfile(ctx, grant.AccessToken)
	if err != nil {
		t.Fatalf("read profile: %v", err)
	}
	if profile.DisplayName != "Demo Rider" || profile.TotalPoints != 10 {
		t.Fatalf("unexpected profile %+v", profile)
	}

	refreshed, err := client.Refresh(ctx, grant.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := client.Refresh(ctx, grant.RefreshToken); !errors.Is(err, ride.ErrInvalidGrant) {
		t.Fatalf("expected reused refresh token to be an invalid grant, got %v", err)
	}
	if err := client.SignOut(ctx, refreshed.AccessToken); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if _, err := client.ReadProfile(ctx, refreshed.AccessToken); !errors.Is(err, ride.ErrUnauthorized) {
		t.Fatalf("expected unauthorized after sign out, got %v", err)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustSignIn(t *testing.T, server http.Handler, email, password string) issuedTokens {
	t.Helper()
	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/auth/v1/token?grant_type=password",
		body:   map[string]any{"email": email, "password": password},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("sign in %s: expected 200, got %d (%s)", email, resp.Code, resp.Body.String())
	}
	var tokens issuedTokens
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	return tokens
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func assertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, code string) {
	t.Helper()
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Code != code {
		t.Fatalf("expected error code %q, got %q", code, payload.Code)
	}
}
