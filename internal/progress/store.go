package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ultraride/ridesync/internal/cache"
	"github.com/ultraride/ridesync/internal/metrics"
	"github.com/ultraride/ridesync/internal/ride"
	"github.com/ultraride/ridesync/internal/session"
)

type Backend interface {
	ReadEvents(ctx context.Context) ([]ride.Event, error)
	ReadStepProgress(ctx context.Context, token, eventID string) (ride.ProgressSnapshot, error)
	WriteStepProgress(ctx context.Context, token, eventID string, write ride.StepWrite) (ride.StepProgress, error)
	HealthProbe(ctx context.Context) error
}

type Tokens interface {
	CurrentToken(ctx context.Context) (string, error)
	Email() string
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Outbox       Outbox
	BulkInterval time.Duration
	Logger       Logger
	Now          func() time.Time
}

type ProgressObserver func(eventID string, records []ride.StepProgress)

// Store is the reconciled view of events and per-event wizard progress.
type Store struct {
	backend      Backend
	tokens       Tokens
	cache        *cache.Cache
	outbox       Outbox
	logger       Logger
	now          func() time.Time
	bulkInterval time.Duration

	mu           sync.Mutex
	events       []ride.Event
	eventsLoaded bool
	progress     map[string]ride.ProgressSnapshot
	// unconfirmed holds events whose in-memory records were built from writes alone,
	// before any backend read. They are never cached.
	unconfirmed  map[string]struct{}
	sessionSteps map[string]int
	lastErr      error

	obsMu             sync.Mutex
	nextObserver      int
	progressObservers map[string]map[int]ProgressObserver
	eventsObservers   map[int]func([]ride.Event)
}

func NewStore(backend Backend, tokens Tokens, c *cache.Cache, opts Options) *Store {
	if c == nil {
		c = cache.New(nil, cache.Options{})
	}
	outbox := opts.Outbox
	if outbox == nil {
		outbox = NewMemoryOutbox(0)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	interval := opts.BulkInterval
	if interval <= 0 {
		interval = DefaultBulkInterval
	}
	return &Store{
		backend:           backend,
		tokens:            tokens,
		cache:             c,
		outbox:            outbox,
		logger:            opts.Logger,
		now:               now,
		bulkInterval:      interval,
		progress:          make(map[string]ride.ProgressSnapshot),
		unconfirmed:       make(map[string]struct{}),
		sessionSteps:      make(map[string]int),
		progressObservers: make(map[string]map[int]ProgressObserver),
		eventsObservers:   make(map[int]func([]ride.Event)),
	}
}

// FetchEvents never fails: with nothing cached and the backend down it returns an empty
// list and records the error for LastError.
func (s *Store) FetchEvents(ctx context.Context) ([]ride.Event, error) {
	if events, ok := s.cache.Events(); ok {
		s.setEvents(events)
		return events, nil
	}
	events, err := s.backend.ReadEvents(ctx)
	if err != nil {
		s.recordError(fmt.Errorf("load events: %w", err))
		s.mu.Lock()
		held := append([]ride.Event(nil), s.events...)
		s.mu.Unlock()
		if held == nil {
			held = []ride.Event{}
		}
		return held, nil
	}
	s.cache.SetEvents(events)
	s.setEvents(events)
	return events, nil
}

// RefreshEvents bypasses the cache and reports failure.
func (s *Store) RefreshEvents(ctx context.Context) error {
	events, err := s.backend.ReadEvents(ctx)
	if err != nil {
		return err
	}
	s.cache.SetEvents(events)
	s.setEvents(events)
	return nil
}

func (s *Store) InvalidateEvents() {
	s.cache.RemoveEvents()
}

// InvalidateProgress makes the next fetch for eventID go to the backend.
func (s *Store) InvalidateProgress(eventID string) {
	s.cache.RemoveStepProgress(eventID)
}

// Events is the in-memory event list and whether it was ever loaded.
func (s *Store) Events() ([]ride.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ride.Event(nil), s.events...), s.eventsLoaded
}

func (s *Store) FetchStepProgress(ctx context.Context, eventID string) ([]ride.StepProgress, error) {
	return s.fetchStepProgress(ctx, eventID, true)
}

func (s *Store) fetchStepProgress(ctx context.Context, eventID string, surface bool) ([]ride.StepProgress, error) {
	if snapshot, ok := s.cache.StepProgress(eventID); ok {
		s.setProgress(eventID, snapshot)
		return snapshot.Records, nil
	}
	token, err := s.tokens.CurrentToken(ctx)
	if err != nil {
		// anonymous for this request
		return []ride.StepProgress{}, nil
	}
	snapshot, err := s.backend.ReadStepProgress(ctx, token, eventID)
	if err != nil {
		// a revoked token is only benign for the bulk prefetch
		if errors.Is(err, ride.ErrNotRegistered) || (!surface && ride.IsExpected(err)) {
			s.setProgress(eventID, ride.ProgressSnapshot{Records: []ride.StepProgress{}})
			return []ride.StepProgress{}, nil
		}
		if surface {
			s.recordError(fmt.Errorf("load progress for %s: %w", eventID, err))
		}
		return []ride.StepProgress{}, err
	}
	if snapshot.Records == nil {
		snapshot.Records = []ride.StepProgress{}
	}
	s.cache.SetStepProgress(eventID, snapshot)
	s.setProgress(eventID, snapshot)
	return snapshot.Records, nil
}

// UpdateStepProgress writes one step. Local state changes only after the backend accepted
// the write; a transient failure also parks the write in the outbox.
func (s *Store) UpdateStepProgress(ctx context.Context, eventID string, write ride.StepWrite) (ride.StepProgress, error) {
	if err := write.Validate(); err != nil {
		return ride.StepProgress{}, err
	}
	email := s.tokens.Email()
	token, err := s.tokens.CurrentToken(ctx)
	if err != nil {
		if email != "" && ride.IsTransient(err) {
			s.enqueue(email, eventID, write)
		}
		return ride.StepProgress{}, err
	}
	record, err := s.backend.WriteStepProgress(ctx, token, eventID, write)
	if err != nil {
		if ride.IsTransient(err) {
			s.enqueue(email, eventID, write)
		}
		return ride.StepProgress{}, err
	}
	s.applyRecord(eventID, record)
	s.ackSuperseded(email, eventID, write)
	return record, nil
}

func (s *Store) CurrentStepForEvent(eventID string) int {
	return EffectiveStep(s.sessionStep(eventID), s.BackendStepForEvent(eventID))
}

func (s *Store) BackendStepForEvent(eventID string) int {
	snapshot, _ := s.snapshot(eventID)
	return BackendStep(snapshot)
}

func (s *Store) IsEventCompleted(eventID string) bool {
	snapshot, _ := s.snapshot(eventID)
	return Completed(snapshot.Records)
}

// Progress returns the in-memory records for eventID.
func (s *Store) Progress(eventID string) []ride.StepProgress {
	snapshot, _ := s.snapshot(eventID)
	return append([]ride.StepProgress{}, snapshot.Records...)
}

// RecordSessionStep raises the wizard's local step for eventID. Lower values are ignored;
// only Withdraw lowers it.
func (s *Store) RecordSessionStep(eventID string, step int) {
	s.mu.Lock()
	current, ok := s.sessionSteps[eventID]
	if !ok {
		current, _ = s.cache.SessionStep(eventID)
	}
	if step <= current {
		s.sessionSteps[eventID] = current
		s.mu.Unlock()
		return
	}
	s.sessionSteps[eventID] = step
	records := append([]ride.StepProgress{}, s.progress[eventID].Records...)
	s.mu.Unlock()

	s.cache.SetSessionStep(eventID, step)
	s.notifyProgress(eventID, records)
}

// Withdraw forgets all local progress for eventID.
func (s *Store) Withdraw(eventID string) {
	s.mu.Lock()
	delete(s.sessionSteps, eventID)
	delete(s.progress, eventID)
	delete(s.unconfirmed, eventID)
	s.mu.Unlock()
	s.cache.RemoveSessionStep(eventID)
	s.cache.RemoveStepProgress(eventID)
	s.notifyProgress(eventID, []ride.StepProgress{})
}

// Reset drops identity-scoped progress state. Events are shared and survive.
func (s *Store) Reset() {
	s.mu.Lock()
	s.progress = make(map[string]ride.ProgressSnapshot)
	s.unconfirmed = make(map[string]struct{})
	s.sessionSteps = make(map[string]int)
	s.lastErr = nil
	s.mu.Unlock()
	s.cache.ClearProgress()
}

func (s *Store) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Store) ClearError() {
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
}

// ReplayPending re-sends the signed-in identity's parked writes in order. It stops at the
// first transient failure and keeps the rest for the next attempt.
func (s *Store) ReplayPending(ctx context.Context) (int, error) {
	email := ride.NormalizeEmail(s.tokens.Email())
	if email == "" {
		return 0, session.ErrNoSession
	}
	defer func() { metrics.OutboxDepth.Set(float64(s.outbox.Len())) }()

	var token string
	replayed := 0
	for _, pending := range s.outbox.Pending() {
		if pending.Email != email {
			continue
		}
		if token == "" {
			var err error
			if token, err = s.tokens.CurrentToken(ctx); err != nil {
				return replayed, err
			}
		}
		record, err := s.backend.WriteStepProgress(ctx, token, pending.EventID, pending.Write)
		switch {
		case err == nil:
			s.applyRecord(pending.EventID, record)
			if ackErr := s.outbox.Ack(pending.ID); ackErr != nil {
				s.logf("ack replayed write %s failed: %v", pending.ID, ackErr)
			}
			replayed++
		case errors.Is(err, ride.ErrNotRegistered) || errors.Is(err, ride.ErrInvalidInput):
			s.logf("drop pending write %s for event %s: %v", pending.ID, pending.EventID, err)
			if ackErr := s.outbox.Ack(pending.ID); ackErr != nil {
				s.logf("ack dropped write %s failed: %v", pending.ID, ackErr)
			}
		default:
			if markErr := s.outbox.MarkAttempt(pending.ID); markErr != nil {
				s.logf("record attempt for %s failed: %v", pending.ID, markErr)
			}
			return replayed, err
		}
	}
	return replayed, nil
}

func (s *Store) PendingWrites() []PendingWrite {
	return s.outbox.Pending()
}

func (s *Store) OnProgressChanged(eventID string, fn ProgressObserver) func() {
	s.obsMu.Lock()
	id := s.nextObserver
	s.nextObserver++
	if s.progressObservers[eventID] == nil {
		s.progressObservers[eventID] = make(map[int]ProgressObserver)
	}
	s.progressObservers[eventID][id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.progressObservers[eventID], id)
		if len(s.progressObservers[eventID]) == 0 {
			delete(s.progressObservers, eventID)
		}
		s.obsMu.Unlock()
	}
}

func (s *Store) OnEventsChanged(fn func([]ride.Event)) func() {
	s.obsMu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.eventsObservers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.eventsObservers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) snapshot(eventID string) (ride.ProgressSnapshot, bool) {
	s.mu.Lock()
	snapshot, ok := s.progress[eventID]
	s.mu.Unlock()
	if ok {
		return snapshot, true
	}
	if cached, ok := s.cache.StepProgress(eventID); ok {
		return cached, true
	}
	return ride.ProgressSnapshot{Records: []ride.StepProgress{}}, false
}

func (s *Store) sessionStep(eventID string) int {
	s.mu.Lock()
	step, ok := s.sessionSteps[eventID]
	s.mu.Unlock()
	if ok {
		return step
	}
	step, _ = s.cache.SessionStep(eventID)
	return step
}

func (s *Store) applyRecord(eventID string, record ride.StepProgress) {
	if record.EventID == "" {
		record.EventID = eventID
	}
	s.mu.Lock()
	snapshot, ok := s.progress[eventID]
	if !ok {
		snapshot, ok = s.cache.StepProgress(eventID)
		if !ok {
			s.unconfirmed[eventID] = struct{}{}
		}
	}
	_, partial := s.unconfirmed[eventID]
	snapshot.Records = Upsert(snapshot.Records, record)
	if snapshot.CurrentStep != nil && record.Completed && record.StepID+1 > *snapshot.CurrentStep {
		next := record.StepID + 1
		snapshot.CurrentStep = &next
	}
	s.progress[eventID] = snapshot
	records := append([]ride.StepProgress{}, snapshot.Records...)
	s.mu.Unlock()

	if partial {
		// the next fetch must reach the backend for the full record set
		s.cache.RemoveStepProgress(eventID)
	} else {
		s.cache.SetStepProgress(eventID, snapshot)
	}
	s.notifyProgress(eventID, records)
}

func (s *Store) setProgress(eventID string, snapshot ride.ProgressSnapshot) {
	s.mu.Lock()
	s.progress[eventID] = snapshot
	delete(s.unconfirmed, eventID)
	s.mu.Unlock()
	s.notifyProgress(eventID, append([]ride.StepProgress{}, snapshot.Records...))
}

func (s *Store) setEvents(events []ride.Event) {
	s.mu.Lock()
	s.events = append([]ride.Event{}, events...)
	s.eventsLoaded = true
	s.mu.Unlock()

	s.obsMu.Lock()
	observers := make([]func([]ride.Event), 0, len(s.eventsObservers))
	for _, fn := range s.eventsObservers {
		observers = append(observers, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range observers {
		fn(append([]ride.Event{}, events...))
	}
}

func (s *Store) notifyProgress(eventID string, records []ride.StepProgress) {
	s.obsMu.Lock()
	observers := make([]ProgressObserver, 0, len(s.progressObservers[eventID]))
	for _, fn := range s.progressObservers[eventID] {
		observers = append(observers, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range observers {
		fn(eventID, records)
	}
}

func (s *Store) enqueue(email, eventID string, write ride.StepWrite) {
	if email == "" {
		return
	}
	if err := s.outbox.Enqueue(NewPendingWrite(email, eventID, write, s.now())); err != nil {
		s.logf("queue write for event %s failed: %v", eventID, err)
		return
	}
	metrics.OutboxDepth.Set(float64(s.outbox.Len()))
}

// ackSuperseded drops a parked write that a direct write just overtook.
func (s *Store) ackSuperseded(email, eventID string, write ride.StepWrite) {
	probe := PendingWrite{Email: ride.NormalizeEmail(email), EventID: eventID, Write: write}
	for _, pending := range s.outbox.Pending() {
		if pending.sameKey(probe) {
			if err := s.outbox.Ack(pending.ID); err != nil {
				s.logf("ack superseded write %s failed: %v", pending.ID, err)
			}
		}
	}
	metrics.OutboxDepth.Set(float64(s.outbox.Len()))
}

func (s *Store) recordError(err error) {
	s.logf("%v", err)
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
