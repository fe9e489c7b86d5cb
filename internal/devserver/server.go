package devserver

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ultraride/ridesync/internal/metrics"
	"github.com/ultraride/ridesync/internal/realtime"
	"github.com/ultraride/ridesync/internal/ride"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Config struct {
	JWTSecret       string
	TokenTTL        time.Duration
	RefreshTTL      time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	PasswordCost    int
	Now             func() time.Time
	Logger          Logger
}

// Server speaks the backend HTTP contract the sync client consumes: identity, profiles,
// events, step progress and the realtime change feed.
type Server struct {
	cfg         Config
	store       *Store
	tokens      *tokenIssuer
	hub         *realtime.Hub
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func New(cfg Config) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		cfg:         cfg,
		store:       NewStore(cfg.PasswordCost, cfg.Now),
		tokens:      newTokenIssuer(cfg.JWTSecret, cfg.TokenTTL, cfg.RefreshTTL, cfg.Now),
		hub:         realtime.NewHub(cfg.Logger),
		rateLimiter: limiter,
	}
}

func (s *Server) Store() *Store {
	return s.store
}

func (s *Server) Hub() *realtime.Hub {
	return s.hub
}

// Close disconnects realtime subscribers.
func (s *Server) Close() {
	s.hub.Close()
}

// PublishEvents replaces the event catalogue and tells subscribers.
func (s *Server) PublishEvents(events []ride.Event) {
	s.store.SetEvents(events)
	s.hub.Publish(realtime.Notification{Type: realtime.TypeEventsChanged})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		metrics.Handler().ServeHTTP(w, r)
		return
	}

	switch {
	case r.URL.Path == "/auth/v1/token" && r.Method == http.MethodPost:
		if s.allow(w, "ip:"+clientHost(r), correlationID) {
			s.handleToken(w, r, correlationID)
		}
		return
	case r.URL.Path == "/v1/events" && r.Method == http.MethodGet:
		if s.allow(w, "ip:"+clientHost(r), correlationID) {
			s.handleEvents(w, correlationID)
		}
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	var route, eventID string
	switch {
	case r.URL.Path == "/auth/v1/logout" && r.Method == http.MethodPost:
		route = "logout"
	case r.URL.Path == "/v1/profile" && r.Method == http.MethodGet:
		route = "read_profile"
	case r.URL.Path == "/v1/profile" && r.Method == http.MethodPatch:
		route = "write_profile"
	case r.URL.Path == "/v1/realtime" && r.Method == http.MethodGet:
		route = "realtime"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "events" && parts[3] == "progress" && r.Method == http.MethodGet:
		route, eventID = "read_progress", parts[2]
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "events" && parts[3] == "progress" && r.Method == http.MethodPost:
		route, eventID = "write_progress", parts[2]
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "events" && parts[3] == "registrations" && r.Method == http.MethodPost:
		route, eventID = "register", parts[2]
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := s.tokens.authorize(r.Header.Get("Authorization"))
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.allow(w, "rider:"+claims.Email, correlationID) {
		return
	}

	switch route {
	case "logout":
		s.tokens.logout(claims)
		w.WriteHeader(http.StatusNoContent)
	case "read_profile":
		s.handleReadProfile(w, claims.Email, correlationID)
	case "write_profile":
		s.handleWriteProfile(w, r, claims.Email, correlationID)
	case "realtime":
		if err := s.hub.ServeWS(w, r, claims.Email); err != nil {
			s.logf("realtime connection for %s ended: %v", claims.Email, err)
		}
	case "read_progress":
		s.handleReadProgress(w, claims.Email, eventID, correlationID)
	case "write_progress":
		s.handleWriteProgress(w, r, claims.Email, eventID, correlationID)
	case "register":
		s.handleRegister(w, claims.Email, eventID, correlationID)
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request, correlationID string) {
	switch r.URL.Query().Get("grant_type") {
	case "password":
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		email, err := s.store.Authenticate(req.Email, req.Password)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_credentials", err.Error(), correlationID)
			return
		}
		tokens, err := s.tokens.issue(email)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
			return
		}
		writeJSON(w, http.StatusOK, tokens)
	case "refresh_token":
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		tokens, authErr := s.tokens.rotate(req.RefreshToken)
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, tokens)
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be password or refresh_token", correlationID)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, correlationID string) {
	events := s.store.Events()
	items := make([]map[string]any, 0, len(events))
	for _, event := range events {
		tags := make([]map[string]string, 0, len(event.Tags))
		for _, tag := range event.Tags {
			tags = append(tags, map[string]string{"name": tag})
		}
		items = append(items, map[string]any{
			"id":          event.ID,
			"name":        event.Name,
			"slug":        event.Slug,
			"event_date":  event.Date,
			"distance_km": event.DistanceKM,
			"event_tags":  tags,
			"highlights":  event.Highlights,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": items})
}

func (s *Server) handleReadProfile(w http.ResponseWriter, email, correlationID string) {
	profile, ok := s.store.Profile(email)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "profile not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": profilePayload(profile)})
}

func (s *Server) handleWriteProfile(w http.ResponseWriter, r *http.Request, email, correlationID string) {
	var update ride.ProfileUpdate
	if !s.decodeJSONBody(w, r, correlationID, &update) {
		return
	}
	profile := s.store.PatchProfile(email, update)
	s.hub.Publish(realtime.Notification{Type: realtime.TypeProfileUpdated, Email: email})
	writeJSON(w, http.StatusOK, map[string]any{"profile": profilePayload(profile)})
}

func (s *Server) handleReadProgress(w http.ResponseWriter, email, eventID, correlationID string) {
	snapshot, err := s.store.Progress(email, eventID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	records := make([]map[string]any, 0, len(snapshot.Records))
	for _, record := range snapshot.Records {
		records = append(records, recordPayload(record))
	}
	payload := map[string]any{"progress": records}
	if snapshot.CurrentStep != nil {
		payload["current_step"] = *snapshot.CurrentStep
		payload["current_phase"] = snapshot.CurrentPhase
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleWriteProgress(w http.ResponseWriter, r *http.Request, email, eventID, correlationID string) {
	var write ride.StepWrite
	if !s.decodeJSONBody(w, r, correlationID, &write) {
		return
	}
	record, err := s.store.UpsertProgress(email, eventID, write)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if record.Completed && record.Phase == ride.PhaseEnd {
		s.store.AddPoints(email, 10)
	}
	s.hub.Publish(realtime.Notification{Type: realtime.TypeProgressUpdated, EventID: eventID, Email: email})
	writeJSON(w, http.StatusOK, map[string]any{"record": recordPayload(record)})
}

func (s *Server) handleRegister(w http.ResponseWriter, email, eventID, correlationID string) {
	if err := s.store.Register(email, eventID); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"event_id": eventID, "email": email})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var validationErr *ride.ValidationError
	switch {
	case errors.Is(err, errNotRegistered):
		writeError(w, http.StatusNotFound, "not_registered", err.Error(), correlationID)
	case errors.Is(err, errUnknownEvent):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.As(err, &validationErr):
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) allow(w http.ResponseWriter, key, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	if s.rateLimiter.allow(key, s.cfg.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return false
	}
	return true
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func profilePayload(p ride.Profile) map[string]any {
	return map[string]any{
		"email":               p.Email,
		"display_name":        p.DisplayName,
		"city":                p.City,
		"total_points":        p.TotalPoints,
		"subscription_status": p.SubscriptionStatus,
		"updated_at":          p.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func recordPayload(record ride.StepProgress) map[string]any {
	payload := map[string]any{
		"event_id":  record.EventID,
		"step_id":   record.StepID,
		"phase":     record.Phase,
		"completed": record.Completed,
	}
	if record.StepData != nil {
		payload["step_data"] = record.StepData
	}
	if record.CompletedAt != nil {
		payload["completed_at"] = record.CompletedAt.Format(time.RFC3339Nano)
	}
	return payload
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
