package devserver

import (
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ultraride/ridesync/internal/ride"
)

var (
	errUnknownEvent       = errors.New("unknown event")
	errNotRegistered      = errors.New("rider is not registered for event")
	errInvalidCredentials = errors.New("invalid email or password")
	errUserExists         = errors.New("user already exists")
)

// Store is the in-memory dataset behind the reference backend.
type Store struct {
	mu           sync.Mutex
	now          func() time.Time
	passwordCost int

	users         map[string][]byte
	profiles      map[string]ride.Profile
	events        []ride.Event
	registrations map[string]map[string]struct{}
	progress      map[progressKey]*progressState
}

type progressKey struct {
	email   string
	eventID string
}

type progressState struct {
	records      []ride.StepProgress
	currentStep  int
	currentPhase ride.Phase
	started      bool
}

func NewStore(passwordCost int, now func() time.Time) *Store {
	if passwordCost <= 0 {
		passwordCost = bcrypt.DefaultCost
	}
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:           now,
		passwordCost:  passwordCost,
		users:         map[string][]byte{},
		profiles:      map[string]ride.Profile{},
		registrations: map[string]map[string]struct{}{},
		progress:      map[progressKey]*progressState{},
	}
}

func (s *Store) AddUser(email, password string) error {
	email = ride.NormalizeEmail(email)
	if email == "" || password == "" {
		return errInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.passwordCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return errUserExists
	}
	s.users[email] = hash
	return nil
}

func (s *Store) Authenticate(email, password string) (string, error) {
	email = ride.NormalizeEmail(email)
	s.mu.Lock()
	hash, ok := s.users[email]
	s.mu.Unlock()
	if !ok {
		return "", errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", errInvalidCredentials
	}
	return email, nil
}

func (s *Store) Profile(email string) (ride.Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[ride.NormalizeEmail(email)]
	return p, ok
}

// PatchProfile applies update, creating the profile on first write.
func (s *Store) PatchProfile(email string, update ride.ProfileUpdate) ride.Profile {
	email = ride.NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[email]
	if !ok {
		p = ride.Profile{Email: email}
	}
	p = update.Apply(p)
	p.UpdatedAt = s.now().UTC()
	s.profiles[email] = p
	return p
}

func (s *Store) AddPoints(email string, points int) {
	email = ride.NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[email]
	if !ok {
		return
	}
	p.TotalPoints += points
	p.UpdatedAt = s.now().UTC()
	s.profiles[email] = p
}

func (s *Store) SetEvents(events []ride.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append([]ride.Event(nil), events...)
}

func (s *Store) Events() []ride.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ride.Event(nil), s.events...)
}

func (s *Store) Register(email, eventID string) error {
	email = ride.NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eventExistsLocked(eventID) {
		return errUnknownEvent
	}
	set, ok := s.registrations[email]
	if !ok {
		set = map[string]struct{}{}
		s.registrations[email] = set
	}
	set[eventID] = struct{}{}
	return nil
}

func (s *Store) Progress(email, eventID string) (ride.ProgressSnapshot, error) {
	email = ride.NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRegisteredLocked(email, eventID); err != nil {
		return ride.ProgressSnapshot{}, err
	}
	snapshot := ride.ProgressSnapshot{Records: []ride.StepProgress{}}
	state, ok := s.progress[progressKey{email: email, eventID: eventID}]
	if !ok {
		return snapshot, nil
	}
	snapshot.Records = append(snapshot.Records, state.records...)
	if state.started {
		step := state.currentStep
		snapshot.CurrentStep = &step
		snapshot.CurrentPhase = state.currentPhase
	}
	return snapshot, nil
}

// UpsertProgress stores write under its (step, phase) key and advances the server-side
// current step: a completed step moves it past that step. The current step never moves
// backwards.
func (s *Store) UpsertProgress(email, eventID string, write ride.StepWrite) (ride.StepProgress, error) {
	email = ride.NormalizeEmail(email)
	if err := write.Validate(); err != nil {
		return ride.StepProgress{}, err
	}
	write.Phase, _ = ride.ParsePhase(string(write.Phase))
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRegisteredLocked(email, eventID); err != nil {
		return ride.StepProgress{}, err
	}
	key := progressKey{email: email, eventID: eventID}
	state, ok := s.progress[key]
	if !ok {
		state = &progressState{}
		s.progress[key] = state
	}
	record := ride.StepProgress{
		EventID:   eventID,
		StepID:    write.StepID,
		Phase:     write.Phase,
		Completed: write.Completed,
		StepData:  write.Data,
	}
	if write.Completed {
		at := s.now().UTC()
		record.CompletedAt = &at
	}
	replaced := false
	for i := range state.records {
		if state.records[i].SameStep(record) {
			state.records[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		state.records = append(state.records, record)
		sort.SliceStable(state.records, func(i, j int) bool {
			return state.records[i].StepID < state.records[j].StepID
		})
	}
	next := write.StepID
	if write.Completed {
		next++
	}
	if !state.started || next >= state.currentStep {
		state.currentStep = next
		state.currentPhase = write.Phase
		state.started = true
	}
	return record, nil
}

func (s *Store) eventExistsLocked(eventID string) bool {
	for _, event := range s.events {
		if event.ID == eventID {
			return true
		}
	}
	return false
}

func (s *Store) checkRegisteredLocked(email, eventID string) error {
	if !s.eventExistsLocked(eventID) {
		return errUnknownEvent
	}
	if _, ok := s.registrations[email][eventID]; !ok {
		return errNotRegistered
	}
	return nil
}
