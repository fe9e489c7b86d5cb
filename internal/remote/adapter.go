package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ultraride/ridesync/internal/ride"
)

// Backends disagree on field casing and on whether relations are singular or plural.
// Everything below folds those shapes into one canonical form, validates it, and only
// then decodes into ride types.

func decodeEvents(payload []byte, logger Logger) ([]ride.Event, error) {
	root, err := decodeAny(payload)
	if err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	set, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	events := []ride.Event{}
	for i, item := range listOf(root, "events", "data") {
		m, ok := item.(map[string]any)
		if !ok {
			logf(logger, "drop event %d: not an object", i)
			continue
		}
		canonical := map[string]any{
			"id":   asString(pick(m, "id", "event_id", "eventId")),
			"name": asString(pick(m, "name", "title")),
			"slug": asString(pick(m, "slug")),
		}
		if date := asString(pick(m, "date", "event_date", "eventDate", "start_date")); date != "" {
			canonical["date"] = date
		}
		if km, ok := asFloat(pick(m, "distance_km", "distanceKm", "distance")); ok {
			canonical["distanceKm"] = json.Number(strconv.FormatFloat(km, 'f', -1, 64))
		}
		if tags := stringList(pick(m, "tags", "event_tags", "eventTags")); len(tags) > 0 {
			canonical["tags"] = tags
		}
		if highlights := stringList(pick(m, "highlights", "event_highlights")); len(highlights) > 0 {
			canonical["highlights"] = highlights
		}
		var event ride.Event
		if err := validateInto(set.event, canonical, &event); err != nil {
			logf(logger, "drop event %d: %v", i, err)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func decodeProfile(payload []byte) (ride.Profile, error) {
	root, err := decodeAny(payload)
	if err != nil {
		return ride.Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	set, err := loadSchemas()
	if err != nil {
		return ride.Profile{}, err
	}
	m, ok := firstObject(root, "profile", "data")
	if !ok {
		return ride.Profile{}, fmt.Errorf("decode profile: %w", ride.ErrNotFound)
	}
	canonical := map[string]any{
		"email":              ride.NormalizeEmail(asString(pick(m, "email"))),
		"displayName":        asString(pick(m, "display_name", "displayName", "full_name", "name")),
		"city":               asString(pick(m, "city")),
		"subscriptionStatus": asString(pick(m, "subscription_status", "subscriptionStatus")),
	}
	if points, ok := asInt(pick(m, "total_points", "totalPoints", "points")); ok {
		canonical["totalPoints"] = json.Number(strconv.Itoa(points))
	}
	if ts, ok := normalizeTime(pick(m, "updated_at", "updatedAt")); ok {
		canonical["updatedAt"] = ts
	}
	var profile ride.Profile
	if err := validateInto(set.profile, canonical, &profile); err != nil {
		return ride.Profile{}, err
	}
	return profile, nil
}

func decodeProgressSnapshot(payload []byte, eventID string, logger Logger) (ride.ProgressSnapshot, error) {
	snapshot := ride.ProgressSnapshot{Records: []ride.StepProgress{}}
	root, err := decodeAny(payload)
	if err != nil {
		return snapshot, fmt.Errorf("decode progress: %w", err)
	}
	set, err := loadSchemas()
	if err != nil {
		return snapshot, err
	}
	if m, ok := root.(map[string]any); ok {
		if step, ok := asInt(pick(m, "current_step", "currentStep")); ok {
			snapshot.CurrentStep = &step
		}
		if phase, err := ride.ParsePhase(asString(pick(m, "current_phase", "currentPhase"))); err == nil {
			snapshot.CurrentPhase = phase
		}
	}
	for i, item := range listOf(root, "records", "progress", "step_progress", "stepProgress", "data") {
		record, err := normalizeStepRecord(set.stepRecord, item, eventID)
		if err != nil {
			logf(logger, "drop progress record %d for event %s: %v", i, eventID, err)
			continue
		}
		snapshot.Records = append(snapshot.Records, record)
	}
	return snapshot, nil
}

func decodeStepRecord(payload []byte, eventID string) (ride.StepProgress, error) {
	root, err := decodeAny(payload)
	if err != nil {
		return ride.StepProgress{}, fmt.Errorf("decode progress record: %w", err)
	}
	set, err := loadSchemas()
	if err != nil {
		return ride.StepProgress{}, err
	}
	m, ok := firstObject(root, "record", "data")
	if !ok {
		return ride.StepProgress{}, &ride.ValidationError{Field: "record", Message: "empty response"}
	}
	return normalizeStepRecord(set.stepRecord, m, eventID)
}

func normalizeStepRecord(schema *jsonschema.Schema, item any, eventID string) (ride.StepProgress, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return ride.StepProgress{}, &ride.ValidationError{Field: "record", Message: "not an object"}
	}
	id := asString(pick(m, "event_id", "eventId"))
	if id == "" {
		if relation, ok := pick(m, "event", "events").(map[string]any); ok {
			id = asString(pick(relation, "id"))
		}
	}
	if id == "" {
		id = eventID
	}
	canonical := map[string]any{
		"eventId":   id,
		"completed": asBool(pick(m, "completed", "is_completed", "isCompleted")),
	}
	if step, ok := asInt(pick(m, "step_id", "stepId", "step")); ok {
		canonical["stepId"] = json.Number(strconv.Itoa(step))
	}
	if phase := asString(pick(m, "phase", "step_phase", "stepPhase")); phase != "" {
		canonical["phase"] = strings.ToLower(strings.TrimSpace(phase))
	}
	if data, ok := pick(m, "step_data", "stepData", "data").(map[string]any); ok {
		canonical["stepData"] = data
	}
	if ts, ok := normalizeTime(pick(m, "completed_at", "completedAt")); ok {
		canonical["completedAt"] = ts
	}
	var record ride.StepProgress
	if err := validateInto(schema, canonical, &record); err != nil {
		return ride.StepProgress{}, err
	}
	return record, nil
}

func decodeGrant(payload []byte) (ride.Grant, error) {
	root, err := decodeAny(payload)
	if err != nil {
		return ride.Grant{}, fmt.Errorf("decode grant: %w", err)
	}
	m, ok := root.(map[string]any)
	if !ok {
		return ride.Grant{}, &ride.ValidationError{Field: "grant", Message: "not an object"}
	}
	grant := ride.Grant{
		AccessToken:  asString(pick(m, "access_token", "accessToken")),
		RefreshToken: asString(pick(m, "refresh_token", "refreshToken")),
		TokenType:    asString(pick(m, "token_type", "tokenType")),
		Email:        ride.NormalizeEmail(asString(pick(m, "email"))),
	}
	if expires, ok := asInt(pick(m, "expires_in", "expiresIn")); ok {
		grant.ExpiresIn = int64(expires)
	}
	if grant.Email == "" {
		if user, ok := pick(m, "user").(map[string]any); ok {
			grant.Email = ride.NormalizeEmail(asString(pick(user, "email")))
		}
	}
	if grant.AccessToken == "" {
		return ride.Grant{}, &ride.ValidationError{Field: "access_token", Message: "missing"}
	}
	return grant, nil
}

func validateInto(schema *jsonschema.Schema, canonical map[string]any, out any) error {
	if err := schema.Validate(canonical); err != nil {
		return &ride.ValidationError{Field: "payload", Message: err.Error()}
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func decodeAny(payload []byte) (any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var root any
	if err := decoder.Decode(&root); err != nil {
		return nil, err
	}
	return root, nil
}

func pick(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

// listOf accepts either a bare array or an object wrapping one under the first matching key.
func listOf(root any, keys ...string) []any {
	switch v := root.(type) {
	case []any:
		return v
	case map[string]any:
		if list, ok := pick(v, keys...).([]any); ok {
			return list
		}
	}
	return nil
}

func firstObject(root any, keys ...string) (map[string]any, bool) {
	switch v := root.(type) {
	case []any:
		if len(v) == 0 {
			return nil, false
		}
		m, ok := v[0].(map[string]any)
		return m, ok
	case map[string]any:
		if nested := pick(v, keys...); nested != nil {
			return firstObject(nested)
		}
		return v, len(v) > 0
	}
	return nil, false
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n), true
		}
		if f, err := t.Float64(); err == nil {
			return int(f), true
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, true
		}
	case float64:
		return int(t), true
	case int:
		return t, true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case float64:
		return t, true
	}
	return 0, false
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	case json.Number:
		n, err := t.Int64()
		return err == nil && n != 0
	}
	return false
}

// stringList flattens tag-like relations: plain strings, or objects carrying a name.
func stringList(v any) []any {
	var out []any
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			switch entry := item.(type) {
			case string:
				if s := strings.TrimSpace(entry); s != "" {
					out = append(out, s)
				}
			case map[string]any:
				if s := asString(pick(entry, "name", "tag", "label", "text")); s != "" {
					out = append(out, s)
				}
			}
		}
	case string:
		for _, part := range strings.Split(t, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05",
}

func normalizeTime(v any) (string, bool) {
	raw := asString(v)
	if raw == "" {
		return "", false
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC().Format(time.RFC3339Nano), true
		}
	}
	return "", false
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
