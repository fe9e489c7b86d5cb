package client

import (
	"context"

	"github.com/ultraride/ridesync/internal/ride"
	"github.com/ultraride/ridesync/internal/session"
)

// EventState is one event as the wizard should render it.
type EventState struct {
	Event       ride.Event          `json:"event"`
	CurrentStep int                 `json:"currentStep"`
	BackendStep int                 `json:"backendStep"`
	Completed   bool                `json:"completed"`
	Records     []ride.StepProgress `json:"records"`
}

// Snapshot is the reconciled client state handed to the presentation layer.
type Snapshot struct {
	State         session.State `json:"state"`
	Email         string        `json:"email,omitempty"`
	Profile       *ride.Profile `json:"profile,omitempty"`
	Events        []EventState  `json:"events"`
	PendingWrites int           `json:"pendingWrites"`
	LastError     string        `json:"lastError,omitempty"`
}

// Snapshot reads through the caches, so it only reaches the backend for data that is
// missing or expired. Failures degrade to empty fields rather than an error.
func (c *Client) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		State:  c.session.State(),
		Email:  c.session.Email(),
		Events: []EventState{},
	}
	if snap.Email != "" {
		if p, err := c.profiles.UserProfile(ctx, ""); err == nil {
			snap.Profile = &p
		} else {
			c.logf("snapshot profile: %v", err)
		}
	}

	events, _ := c.progress.FetchEvents(ctx)
	for _, event := range events {
		if snap.Email != "" {
			if _, err := c.progress.FetchStepProgress(ctx, event.ID); err != nil {
				c.logf("snapshot progress for %s: %v", event.ID, err)
			}
		}
		snap.Events = append(snap.Events, EventState{
			Event:       event,
			CurrentStep: c.progress.CurrentStepForEvent(event.ID),
			BackendStep: c.progress.BackendStepForEvent(event.ID),
			Completed:   c.progress.IsEventCompleted(event.ID),
			Records:     c.progress.Progress(event.ID),
		})
	}

	snap.PendingWrites = len(c.progress.PendingWrites())
	if err := c.progress.LastError(); err != nil {
		snap.LastError = err.Error()
	}
	return snap
}
