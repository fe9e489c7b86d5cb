package cache

import (
	"time"

	"github.com/ultraride/ridesync/internal/ride"
)

const (
	ProfileTTL      = 5 * time.Minute
	EventsTTL       = 10 * time.Minute
	StepProgressTTL = 2 * time.Minute
	AppStateTTL     = 24 * time.Hour
	AuthHintTTL     = 7 * 24 * time.Hour
	SessionStepTTL  = 24 * time.Hour
)

const (
	keyProfilePrefix      = "user_profile_"
	keyCurrentUserEmail   = "current_user_email"
	keyEvents             = "events"
	keyStepProgressPrefix = "step_progress_"
	keyAppState           = "app_state"
	keyAuthHint           = "auth_hint"
	keySessionStepPrefix  = "session_step_"
)

// AuthHint remembers who signed in last so the UI can prefill without a session.
type AuthHint struct {
	Email      string    `json:"email"`
	SignedInAt time.Time `json:"signedInAt"`
}

func ProfileKey(email string) string {
	return keyProfilePrefix + ride.NormalizeEmail(email)
}

func StepProgressKey(eventID string) string {
	return keyStepProgressPrefix + eventID
}

func SessionStepKey(eventID string) string {
	return keySessionStepPrefix + eventID
}

func (c *Cache) SetUserProfile(p ride.Profile) {
	email := ride.NormalizeEmail(p.Email)
	if email == "" {
		c.logf("cache profile without email ignored")
		return
	}
	c.Set(ProfileKey(email), p, ProfileTTL)
}

// UserProfile returns the cached profile for email, or for the current identity when
// email is empty. A profile never resolves through the pointer to a different identity.
func (c *Cache) UserProfile(email string) (ride.Profile, bool) {
	email = ride.NormalizeEmail(email)
	if email == "" {
		current, ok := c.CurrentUserEmail()
		if !ok {
			return ride.Profile{}, false
		}
		email = current
	}
	var p ride.Profile
	if !c.Get(ProfileKey(email), &p) {
		return ride.Profile{}, false
	}
	if ride.NormalizeEmail(p.Email) != email {
		c.Remove(ProfileKey(email))
		return ride.Profile{}, false
	}
	return p, true
}

func (c *Cache) RemoveUserProfile(email string) {
	c.Remove(ProfileKey(email))
}

func (c *Cache) SetCurrentUserEmail(email string) {
	email = ride.NormalizeEmail(email)
	if email == "" {
		c.ClearCurrentUserEmail()
		return
	}
	c.Set(keyCurrentUserEmail, email, AuthHintTTL)
}

func (c *Cache) CurrentUserEmail() (string, bool) {
	var email string
	if !c.Get(keyCurrentUserEmail, &email) || email == "" {
		return "", false
	}
	return email, true
}

func (c *Cache) ClearCurrentUserEmail() {
	c.Remove(keyCurrentUserEmail)
}

func (c *Cache) SetEvents(events []ride.Event) {
	if events == nil {
		events = []ride.Event{}
	}
	c.Set(keyEvents, events, EventsTTL)
}

func (c *Cache) Events() ([]ride.Event, bool) {
	var events []ride.Event
	if !c.Get(keyEvents, &events) {
		return nil, false
	}
	if events == nil {
		events = []ride.Event{}
	}
	return events, true
}

func (c *Cache) RemoveEvents() {
	c.Remove(keyEvents)
}

func (c *Cache) SetStepProgress(eventID string, snapshot ride.ProgressSnapshot) {
	if snapshot.Records == nil {
		snapshot.Records = []ride.StepProgress{}
	}
	c.Set(StepProgressKey(eventID), snapshot, StepProgressTTL)
}

func (c *Cache) StepProgress(eventID string) (ride.ProgressSnapshot, bool) {
	var snapshot ride.ProgressSnapshot
	if !c.Get(StepProgressKey(eventID), &snapshot) {
		return ride.ProgressSnapshot{}, false
	}
	if snapshot.Records == nil {
		snapshot.Records = []ride.StepProgress{}
	}
	return snapshot, true
}

func (c *Cache) RemoveStepProgress(eventID string) {
	c.Remove(StepProgressKey(eventID))
}

func (c *Cache) SetSessionStep(eventID string, step int) {
	c.Set(SessionStepKey(eventID), step, SessionStepTTL)
}

func (c *Cache) SessionStep(eventID string) (int, bool) {
	var step int
	if !c.Get(SessionStepKey(eventID), &step) {
		return 0, false
	}
	return step, true
}

func (c *Cache) RemoveSessionStep(eventID string) {
	c.Remove(SessionStepKey(eventID))
}

func (c *Cache) SetAppState(state any) {
	c.Set(keyAppState, state, AppStateTTL)
}

func (c *Cache) AppState(out any) bool {
	return c.Get(keyAppState, out)
}

func (c *Cache) SetAuthHint(hint AuthHint) {
	c.Set(keyAuthHint, hint, AuthHintTTL)
}

func (c *Cache) AuthHint() (AuthHint, bool) {
	var hint AuthHint
	if !c.Get(keyAuthHint, &hint) {
		return AuthHint{}, false
	}
	return hint, true
}

func (c *Cache) RemoveAuthHint() {
	c.Remove(keyAuthHint)
}

// ClearIdentity purges everything scoped to email: its profile, the current-identity
// pointer when it points at email, and all per-event progress and session steps.
func (c *Cache) ClearIdentity(email string) {
	email = ride.NormalizeEmail(email)
	if email != "" {
		c.RemoveUserProfile(email)
	}
	if current, ok := c.CurrentUserEmail(); ok && (email == "" || current == email) {
		c.ClearCurrentUserEmail()
	}
	c.ClearProgress()
}

// ClearProgress drops every cached progress snapshot and session step.
func (c *Cache) ClearProgress() {
	c.removePrefix(keyStepProgressPrefix)
	c.removePrefix(keySessionStepPrefix)
}
