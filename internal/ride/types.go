package ride

import (
	"fmt"
	"strings"
	"time"
)

type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseStart  Phase = "start"
	PhaseEnd    Phase = "end"
)

func ParsePhase(raw string) (Phase, error) {
	switch Phase(strings.ToLower(strings.TrimSpace(raw))) {
	case PhaseBefore:
		return PhaseBefore, nil
	case PhaseStart:
		return PhaseStart, nil
	case PhaseEnd:
		return PhaseEnd, nil
	default:
		return "", &ValidationError{Field: "phase", Message: fmt.Sprintf("unknown phase %q", raw)}
	}
}

type Profile struct {
	Email              string    `json:"email"`
	DisplayName        string    `json:"displayName"`
	City               string    `json:"city,omitempty"`
	TotalPoints        int       `json:"totalPoints"`
	SubscriptionStatus string    `json:"subscriptionStatus,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt,omitempty"`
}

// ProfileUpdate is a partial profile write; nil fields are left untouched.
type ProfileUpdate struct {
	DisplayName        *string `json:"displayName,omitempty"`
	City               *string `json:"city,omitempty"`
	SubscriptionStatus *string `json:"subscriptionStatus,omitempty"`
}

func (u ProfileUpdate) Apply(p Profile) Profile {
	if u.DisplayName != nil {
		p.DisplayName = *u.DisplayName
	}
	if u.City != nil {
		p.City = *u.City
	}
	if u.SubscriptionStatus != nil {
		p.SubscriptionStatus = *u.SubscriptionStatus
	}
	return p
}

type Event struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Slug       string   `json:"slug"`
	Date       string   `json:"date,omitempty"`
	DistanceKM float64  `json:"distanceKm,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Highlights []string `json:"highlights,omitempty"`
}

type StepProgress struct {
	EventID     string         `json:"eventId"`
	StepID      int            `json:"stepId"`
	Phase       Phase          `json:"phase"`
	Completed   bool           `json:"completed"`
	StepData    map[string]any `json:"stepData,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// SameStep reports whether two records share the (StepID, Phase) key.
func (p StepProgress) SameStep(other StepProgress) bool {
	return p.StepID == other.StepID && p.Phase == other.Phase
}

type ProgressSnapshot struct {
	Records      []StepProgress `json:"records"`
	CurrentStep  *int           `json:"currentStep,omitempty"`
	CurrentPhase Phase          `json:"currentPhase,omitempty"`
}

type StepWrite struct {
	StepID    int            `json:"stepId"`
	Phase     Phase          `json:"phase"`
	Data      map[string]any `json:"data,omitempty"`
	Completed bool           `json:"completed"`
}

func (w StepWrite) Validate() error {
	if w.StepID < 0 {
		return &ValidationError{Field: "stepId", Message: "must not be negative"}
	}
	if _, err := ParsePhase(string(w.Phase)); err != nil {
		return err
	}
	return nil
}

// Grant is a token response from the identity service.
type Grant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type,omitempty"`
	Email        string `json:"email,omitempty"`
}

// NormalizeEmail is the identity key used for every identity-scoped lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
