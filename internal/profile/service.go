package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ultraride/ridesync/internal/cache"
	"github.com/ultraride/ridesync/internal/ride"
	"github.com/ultraride/ridesync/internal/session"
)

type Backend interface {
	Reader
	WriteProfile(ctx context.Context, token string, update ride.ProfileUpdate) (ride.Profile, error)
}

// Tokens is the slice of the session provider the profile service needs.
type Tokens interface {
	CurrentToken(ctx context.Context) (string, error)
	Email() string
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Coordinator *Coordinator
	Logger      Logger
}

// Service is identity-scoped profile access: cache first, then one shared remote read.
type Service struct {
	backend     Backend
	tokens      Tokens
	cache       *cache.Cache
	coordinator *Coordinator
	logger      Logger

	mu        sync.Mutex
	lastKnown map[string]ride.Profile
	observers map[int]func(ride.Profile)
	nextID    int
}

func NewService(backend Backend, tokens Tokens, c *cache.Cache, opts Options) *Service {
	coordinator := opts.Coordinator
	if coordinator == nil {
		coordinator = NewCoordinator(backend, FetchTimeout)
	}
	if c == nil {
		c = cache.New(nil, cache.Options{})
	}
	return &Service{
		backend:     backend,
		tokens:      tokens,
		cache:       c,
		coordinator: coordinator,
		logger:      opts.Logger,
		lastKnown:   make(map[string]ride.Profile),
		observers:   make(map[int]func(ride.Profile)),
	}
}

func (s *Service) Coordinator() *Coordinator {
	return s.coordinator
}

// UserProfile returns the profile for email, or for the signed-in identity when email is
// empty. Another identity's profile is only ever served from the cache.
func (s *Service) UserProfile(ctx context.Context, email string) (ride.Profile, error) {
	current := ride.NormalizeEmail(s.tokens.Email())
	email = ride.NormalizeEmail(email)
	if email == "" {
		email = current
	}
	if email == "" {
		return ride.Profile{}, session.ErrNoSession
	}
	if p, ok := s.cache.UserProfile(email); ok {
		return p, nil
	}
	if email != current {
		return ride.Profile{}, fmt.Errorf("profile for %s: %w", email, ride.ErrNotFound)
	}
	return s.load(ctx, email, true)
}

// Refresh skips the cache and reports every failure; Background Sync counts them.
func (s *Service) Refresh(ctx context.Context) error {
	email := ride.NormalizeEmail(s.tokens.Email())
	if email == "" {
		return session.ErrNoSession
	}
	_, err := s.load(ctx, email, false)
	return err
}

// Ready reports whether there is an identity whose profile can be refreshed.
func (s *Service) Ready() bool {
	return s.tokens.Email() != ""
}

// Update writes a partial profile. The cache only changes after the backend accepted it.
func (s *Service) Update(ctx context.Context, update ride.ProfileUpdate) (ride.Profile, error) {
	email := ride.NormalizeEmail(s.tokens.Email())
	token, err := s.tokens.CurrentToken(ctx)
	if err != nil {
		return ride.Profile{}, err
	}
	p, err := s.backend.WriteProfile(ctx, token, update)
	if err != nil {
		return ride.Profile{}, err
	}
	if p.Email == "" {
		p.Email = email
	}
	s.store(email, p)
	return p, nil
}

// SwitchIdentity moves the current-identity pointer to next and drops prev's profile.
func (s *Service) SwitchIdentity(prev, next string) {
	prev = ride.NormalizeEmail(prev)
	next = ride.NormalizeEmail(next)
	if prev != "" && prev != next {
		s.Forget(prev)
	}
	if next != "" {
		s.cache.SetCurrentUserEmail(next)
	}
}

func (s *Service) Forget(email string) {
	email = ride.NormalizeEmail(email)
	if email == "" {
		return
	}
	s.cache.RemoveUserProfile(email)
	if current, ok := s.cache.CurrentUserEmail(); ok && current == email {
		s.cache.ClearCurrentUserEmail()
	}
	s.mu.Lock()
	delete(s.lastKnown, email)
	s.mu.Unlock()
}

func (s *Service) OnProfileChanged(fn func(ride.Profile)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Service) load(ctx context.Context, email string, allowStale bool) (ride.Profile, error) {
	token, err := s.tokens.CurrentToken(ctx)
	if err != nil {
		return s.fallback(email, err, allowStale)
	}
	p, err := s.coordinator.Fetch(ctx, token)
	if errors.Is(err, ride.ErrNotFound) {
		p, err = s.provision(ctx, token, email)
	}
	if err != nil {
		return s.fallback(email, err, allowStale)
	}
	if p.Email == "" {
		p.Email = email
	}
	if ride.NormalizeEmail(p.Email) != email {
		// the session changed identity while the read was in flight
		s.logf("discard profile for %s fetched as %s", p.Email, email)
		return ride.Profile{}, session.ErrNoSession
	}
	s.store(email, p)
	return p, nil
}

func (s *Service) provision(ctx context.Context, token, email string) (ride.Profile, error) {
	name := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		name = email[:at]
	}
	s.logf("provision default profile for %s", email)
	return s.backend.WriteProfile(ctx, token, ride.ProfileUpdate{DisplayName: &name})
}

func (s *Service) fallback(email string, err error, allowStale bool) (ride.Profile, error) {
	if allowStale && (ride.IsTransient(err) || errors.Is(err, session.ErrNoSession)) {
		s.mu.Lock()
		p, ok := s.lastKnown[email]
		s.mu.Unlock()
		if ok {
			s.logf("serve last known profile for %s: %v", email, err)
			return p, nil
		}
	}
	return ride.Profile{}, err
}

func (s *Service) store(email string, p ride.Profile) {
	s.cache.SetUserProfile(p)
	s.mu.Lock()
	prev, had := s.lastKnown[email]
	s.lastKnown[email] = p
	var observers []func(ride.Profile)
	if !had || prev != p {
		for _, fn := range s.observers {
			observers = append(observers, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range observers {
		fn(p)
	}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
