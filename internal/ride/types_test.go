package ride

import (
	"errors"
	"fmt"
	"testing"
)

func TestParsePhase(t *testing.T) {
	got, err := ParsePhase(" Before ")
	if err != nil {
		t.Fatalf("parse phase failed: %v", err)
	}
	if got != PhaseBefore {
		t.Fatalf("expected before, got %q", got)
	}
	if _, err := ParsePhase("during"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown phase, got %v", err)
	}
}

func TestTimeoutErrorMatchesOperation(t *testing.T) {
	err := fmt.Errorf("load profile: %w", &TimeoutError{Op: "profile"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected generic timeout match")
	}
	if !errors.Is(err, &TimeoutError{Op: "profile"}) {
		t.Fatalf("expected profile-timeout match")
	}
	if errors.Is(err, &TimeoutError{Op: "token"}) {
		t.Fatalf("did not expect token-timeout match")
	}
	if err.Error() != "load profile: profile-timeout" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestProfileUpdateApply(t *testing.T) {
	city := "Girona"
	p := ProfileUpdate{City: &city}.Apply(Profile{Email: "a@example.com", DisplayName: "A", City: "Leeds"})
	if p.City != "Girona" || p.DisplayName != "A" {
		t.Fatalf("unexpected profile after update: %+v", p)
	}
}

func TestStepWriteValidate(t *testing.T) {
	if err := (StepWrite{StepID: -1, Phase: PhaseBefore}).Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid step id, got %v", err)
	}
	if err := (StepWrite{StepID: 3, Phase: PhaseEnd}).Validate(); err != nil {
		t.Fatalf("expected valid write, got %v", err)
	}
}

func TestIsExpected(t *testing.T) {
	if !IsExpected(fmt.Errorf("read: %w", ErrNotRegistered)) {
		t.Fatalf("not registered should be expected")
	}
	if IsExpected(ErrUnavailable) {
		t.Fatalf("unavailable should not be expected")
	}
	if !IsTransient(&TimeoutError{Op: "events"}) {
		t.Fatalf("timeout should be transient")
	}
}
