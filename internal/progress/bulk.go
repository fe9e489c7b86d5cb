package progress

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/ultraride/ridesync/internal/ride"
)

const DefaultBulkInterval = 100 * time.Millisecond

// FetchAllEventsProgress prefetches progress for every event. A failed health probe skips
// all per-event reads. Every input id is present in the result, empty when unknown.
func (s *Store) FetchAllEventsProgress(ctx context.Context, events []ride.Event) map[string][]ride.StepProgress {
	result := make(map[string][]ride.StepProgress, len(events))
	for _, event := range events {
		result[event.ID] = []ride.StepProgress{}
	}
	if len(events) == 0 {
		return result
	}
	if err := s.backend.HealthProbe(ctx); err != nil {
		s.logf("skip progress prefetch for %d events: %v", len(events), err)
		return result
	}

	limiter := rate.NewLimiter(rate.Every(s.bulkInterval), 1)
	for _, event := range events {
		if err := limiter.Wait(ctx); err != nil {
			s.logf("progress prefetch stopped: %v", err)
			break
		}
		records, err := s.fetchStepProgress(ctx, event.ID, false)
		if err != nil {
			s.logf("prefetch progress for %s failed: %v", event.ID, err)
			continue
		}
		result[event.ID] = records
	}
	return result
}
