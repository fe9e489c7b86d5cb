package progress

import "github.com/ultraride/ridesync/internal/ride"

// FinalStepThreshold is the first step of the wizard's terminal phase. Completing any step
// at or past it completes the event.
const FinalStepThreshold = 9

// Upsert replaces the record sharing record's (StepID, Phase) or appends it.
func Upsert(records []ride.StepProgress, record ride.StepProgress) []ride.StepProgress {
	out := make([]ride.StepProgress, 0, len(records)+1)
	replaced := false
	for _, existing := range records {
		if existing.SameStep(record) {
			if !replaced {
				out = append(out, record)
				replaced = true
			}
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, record)
	}
	return out
}

// BackendStep is the server-reported current step when present, otherwise one past the
// highest completed step, otherwise 0.
func BackendStep(snapshot ride.ProgressSnapshot) int {
	if snapshot.CurrentStep != nil {
		return *snapshot.CurrentStep
	}
	step := 0
	for _, record := range snapshot.Records {
		if record.Completed && record.StepID+1 > step {
			step = record.StepID + 1
		}
	}
	return step
}

func EffectiveStep(sessionStep, backendStep int) int {
	if sessionStep > backendStep {
		return sessionStep
	}
	return backendStep
}

func Completed(records []ride.StepProgress) bool {
	for _, record := range records {
		if record.Completed && record.StepID >= FinalStepThreshold {
			return true
		}
	}
	return false
}
