package progress

import (
	"context"
	"errors"
)

// EventsJob is the periodic events refresh. It waits for the first events load and, when
// someone is signed in, also drains the outbox.
type EventsJob struct {
	store *Store
}

func (s *Store) EventsJob() *EventsJob {
	return &EventsJob{store: s}
}

func (j *EventsJob) Ready() bool {
	_, loaded := j.store.Events()
	return loaded
}

func (j *EventsJob) Refresh(ctx context.Context) error {
	refreshErr := j.store.RefreshEvents(ctx)
	if j.store.tokens.Email() == "" || j.store.outbox.Len() == 0 {
		return refreshErr
	}
	replayed, replayErr := j.store.ReplayPending(ctx)
	if replayed > 0 {
		j.store.logf("replayed %d pending step writes", replayed)
	}
	return errors.Join(refreshErr, replayErr)
}
