package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/ultraride/ridesync/internal/metrics"
	"github.com/ultraride/ridesync/internal/ride"
)

const (
	InitFastPath = 2 * time.Second
	InitTimeout  = 5 * time.Second
	TokenTimeout = 1500 * time.Millisecond
	// EarlyExpiry refreshes the access token this long before it actually expires.
	EarlyExpiry = 30 * time.Second
)

var (
	// ErrNoSession means the caller should act as anonymous for this request.
	ErrNoSession = errors.New("no session")
	// ErrInvalidRefreshToken is terminal for the session.
	ErrInvalidRefreshToken = ride.ErrInvalidGrant
)

type State string

const (
	StateAnonymous     State = "anonymous"
	StateInitializing  State = "initializing"
	StateAuthenticated State = "authenticated"
	StateRefreshing    State = "refreshing"
	StateOffline       State = "offline"
)

type ChangeKind string

const (
	SignedIn       ChangeKind = "signed_in"
	SignedOut      ChangeKind = "signed_out"
	TokenRefreshed ChangeKind = "token_refreshed"
)

// Change is one lifecycle transition. Previous is set on SignedIn when it replaced
// another identity.
type Change struct {
	Kind     ChangeKind
	Email    string
	Previous string
}

type Identity interface {
	SignIn(ctx context.Context, email, password string) (ride.Grant, error)
	Refresh(ctx context.Context, refreshToken string) (ride.Grant, error)
	SignOut(ctx context.Context, accessToken string) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Store        Store
	Logger       Logger
	Now          func() time.Time
	FastPath     time.Duration
	InitTimeout  time.Duration
	TokenTimeout time.Duration
	EarlyExpiry  time.Duration
}

type Provider struct {
	identity     Identity
	store        Store
	logger       Logger
	now          func() time.Time
	fastPath     time.Duration
	initTimeout  time.Duration
	tokenTimeout time.Duration
	earlyExpiry  time.Duration

	// writeMu serializes installing a session with persisting it, so a watch reload
	// never observes the store half a step behind memory.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	session    *Session
	tokens     oauth2.TokenSource
	generation uint64

	observersMu  sync.Mutex
	observers    map[int]func(Change)
	nextObserver int
}

func NewProvider(identity Identity, opts Options) *Provider {
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Provider{
		identity:     identity,
		store:        store,
		logger:       opts.Logger,
		now:          now,
		fastPath:     durationOr(opts.FastPath, InitFastPath),
		initTimeout:  durationOr(opts.InitTimeout, InitTimeout),
		tokenTimeout: durationOr(opts.TokenTimeout, TokenTimeout),
		earlyExpiry:  durationOr(opts.EarlyExpiry, EarlyExpiry),
		state:        StateAnonymous,
		observers:    make(map[int]func(Change)),
	}
}

// Init restores the persisted session. It never blocks past the init timeout and never
// fails: an unreachable identity service leaves the provider anonymous or offline.
func (p *Provider) Init(ctx context.Context) State {
	p.setState(StateInitializing)

	hardCtx, cancel := context.WithTimeout(ctx, p.initTimeout)
	defer cancel()
	fastCtx, cancelFast := context.WithTimeout(hardCtx, p.fastPath)
	stored, ok, err := p.loadStored(fastCtx)
	cancelFast()
	if err != nil {
		p.logf("session restore failed: %v", err)
	}
	if !ok {
		p.setState(StateAnonymous)
		return StateAnonymous
	}
	if stored.Expired(p.now(), p.earlyExpiry) && stored.RefreshToken == "" {
		p.logf("stored session for %s expired without refresh token", stored.Email)
		_ = p.store.Clear(hardCtx)
		p.setState(StateAnonymous)
		return StateAnonymous
	}

	p.install(stored, StateAuthenticated)
	p.emit(Change{Kind: SignedIn, Email: stored.Email})

	if stored.Expired(p.now(), p.earlyExpiry) {
		p.mu.Lock()
		src := p.tokens
		p.mu.Unlock()
		if _, err := awaitToken(hardCtx, src); err != nil {
			switch {
			case errors.Is(err, ErrNoSession):
				// refresh token rejected; already signed out
			default:
				p.logf("session refresh during init failed: %v", err)
				p.mu.Lock()
				if p.session != nil {
					p.state = StateOffline
				}
				p.mu.Unlock()
			}
		}
	}
	return p.State()
}

func (p *Provider) SignIn(ctx context.Context, email, password string) error {
	grant, err := p.identity.SignIn(ctx, ride.NormalizeEmail(email), password)
	if err != nil {
		return err
	}
	next, err := sessionFromGrant(grant, p.now())
	if err != nil {
		return err
	}
	if next.Email == "" {
		next.Email = ride.NormalizeEmail(email)
	}

	p.writeMu.Lock()
	prev := p.install(next, StateAuthenticated)
	p.persist(ctx, next)
	p.writeMu.Unlock()

	previous := ""
	if prev != nil {
		previous = prev.Email
	}
	if previous != "" && previous != next.Email {
		p.emit(Change{Kind: SignedOut, Email: previous})
	}
	p.emit(Change{Kind: SignedIn, Email: next.Email, Previous: previous})
	return nil
}

// SignOut ends the session locally even when the identity service cannot be reached.
func (p *Provider) SignOut(ctx context.Context) error {
	p.writeMu.Lock()
	p.mu.Lock()
	prev := p.session
	p.clearLocked()
	p.mu.Unlock()
	clearErr := p.store.Clear(ctx)
	p.writeMu.Unlock()

	if prev == nil {
		return clearErr
	}
	if err := p.identity.SignOut(ctx, prev.AccessToken); err != nil {
		p.logf("remote sign out for %s failed: %v", prev.Email, err)
	}
	p.emit(Change{Kind: SignedOut, Email: prev.Email})
	return clearErr
}

// CurrentToken returns a valid access token, refreshing it when needed. It gives up after
// the token timeout; that means anonymous for this request, the session stays.
func (p *Provider) CurrentToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	src := p.tokens
	p.mu.Unlock()
	if src == nil {
		return "", ErrNoSession
	}
	ctx, cancel := context.WithTimeout(ctx, p.tokenTimeout)
	defer cancel()
	token, err := awaitToken(ctx, src)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrNoSession, err)
	}
	return token.AccessToken, nil
}

func (p *Provider) Session() (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return Session{}, false
	}
	return *p.session, true
}

func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Provider) Email() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return ""
	}
	return p.session.Email
}

func (p *Provider) Authenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil
}

func (p *Provider) OnChange(fn func(Change)) func() {
	p.observersMu.Lock()
	id := p.nextObserver
	p.nextObserver++
	p.observers[id] = fn
	p.observersMu.Unlock()
	return func() {
		p.observersMu.Lock()
		delete(p.observers, id)
		p.observersMu.Unlock()
	}
}

// Watch follows session changes made by other processes through the store until ctx is
// cancelled. Stores that cannot be watched return immediately.
func (p *Provider) Watch(ctx context.Context) error {
	watcher, ok := p.store.(Watcher)
	if !ok {
		return nil
	}
	return watcher.Watch(ctx, func() { p.reload(ctx) })
}

func (p *Provider) reload(ctx context.Context) {
	loadCtx, cancel := context.WithTimeout(ctx, p.fastPath)
	defer cancel()

	p.writeMu.Lock()
	stored, ok, err := p.store.Load(loadCtx)
	if err != nil {
		p.writeMu.Unlock()
		p.logf("session reload failed: %v", err)
		return
	}
	p.mu.Lock()
	current := p.session
	switch {
	case !ok && current == nil:
		p.mu.Unlock()
		p.writeMu.Unlock()
		return
	case !ok:
		p.clearLocked()
		p.mu.Unlock()
		p.writeMu.Unlock()
		p.emit(Change{Kind: SignedOut, Email: current.Email})
		return
	case current != nil && current.AccessToken == stored.AccessToken:
		p.mu.Unlock()
		p.writeMu.Unlock()
		return
	}
	p.mu.Unlock()
	p.install(stored, StateAuthenticated)
	p.writeMu.Unlock()

	switch {
	case current == nil:
		p.emit(Change{Kind: SignedIn, Email: stored.Email})
	case current.Email != stored.Email:
		p.emit(Change{Kind: SignedOut, Email: current.Email})
		p.emit(Change{Kind: SignedIn, Email: stored.Email, Previous: current.Email})
	default:
		p.emit(Change{Kind: TokenRefreshed, Email: stored.Email})
	}
}

// install makes s the current session behind a fresh token source and returns the session
// it replaced.
func (p *Provider) install(s Session, state State) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.session
	copied := s
	p.session = &copied
	p.generation++
	p.tokens = oauth2.ReuseTokenSourceWithExpiry(s.Token(), &refreshSource{p: p, generation: p.generation}, p.earlyExpiry)
	p.state = state
	return prev
}

func (p *Provider) clearLocked() {
	p.session = nil
	p.tokens = nil
	p.generation++
	p.state = StateAnonymous
}

type refreshSource struct {
	p          *Provider
	generation uint64
}

func (r *refreshSource) Token() (*oauth2.Token, error) {
	return r.p.refresh(r.generation)
}

// refresh runs under the reuse source's lock, so concurrent callers share one refresh.
func (p *Provider) refresh(generation uint64) (*oauth2.Token, error) {
	p.mu.Lock()
	if p.generation != generation || p.session == nil {
		p.mu.Unlock()
		return nil, ErrNoSession
	}
	refreshToken := p.session.RefreshToken
	email := p.session.Email
	p.state = StateRefreshing
	p.mu.Unlock()

	if refreshToken == "" {
		p.expire(generation, email, "no refresh token")
		return nil, ErrNoSession
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.initTimeout)
	defer cancel()
	grant, err := p.identity.Refresh(ctx, refreshToken)
	if err == nil {
		var next Session
		next, err = sessionFromGrant(grant, p.now())
		if err == nil {
			if next.Email == "" {
				next.Email = email
			}
			if next.RefreshToken == "" {
				next.RefreshToken = refreshToken
			}
			return p.completeRefresh(generation, next)
		}
	}
	if errors.Is(err, ErrInvalidRefreshToken) {
		p.expire(generation, email, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	p.mu.Lock()
	if p.generation == generation && p.session != nil {
		p.state = StateOffline
	}
	p.mu.Unlock()
	return nil, err
}

func (p *Provider) completeRefresh(generation uint64, next Session) (*oauth2.Token, error) {
	p.writeMu.Lock()
	p.mu.Lock()
	if p.generation != generation {
		p.mu.Unlock()
		p.writeMu.Unlock()
		return nil, ErrNoSession
	}
	copied := next
	p.session = &copied
	p.state = StateAuthenticated
	p.mu.Unlock()
	p.persist(context.Background(), next)
	p.writeMu.Unlock()

	p.emit(Change{Kind: TokenRefreshed, Email: next.Email})
	return next.Token(), nil
}

// expire ends a session whose refresh token is no longer usable. It is sign-out without
// the remote logout.
func (p *Provider) expire(generation uint64, email, reason string) {
	p.writeMu.Lock()
	p.mu.Lock()
	if p.generation != generation {
		p.mu.Unlock()
		p.writeMu.Unlock()
		return
	}
	p.clearLocked()
	p.mu.Unlock()
	if err := p.store.Clear(context.Background()); err != nil {
		p.logf("clear expired session failed: %v", err)
	}
	p.writeMu.Unlock()

	p.logf("session for %s ended: %s", email, reason)
	p.emit(Change{Kind: SignedOut, Email: email})
}

func (p *Provider) persist(ctx context.Context, s Session) {
	if err := p.store.Save(ctx, s); err != nil {
		p.logf("persist session for %s failed: %v", s.Email, err)
	}
}

func (p *Provider) loadStored(ctx context.Context) (Session, bool, error) {
	type result struct {
		session Session
		ok      bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, ok, err := p.store.Load(ctx)
		done <- result{session: s, ok: ok, err: err}
	}()
	select {
	case r := <-done:
		return r.session, r.ok, r.err
	case <-ctx.Done():
		return Session{}, false, &ride.TimeoutError{Op: "session"}
	}
}

// awaitToken bounds src.Token by ctx. A refresh that outlives ctx keeps running and its
// result lands in the reuse source for the next caller.
func awaitToken(ctx context.Context, src oauth2.TokenSource) (*oauth2.Token, error) {
	type result struct {
		token *oauth2.Token
		err   error
	}
	done := make(chan result, 1)
	go func() {
		token, err := src.Token()
		done <- result{token: token, err: err}
	}()
	select {
	case r := <-done:
		return r.token, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ride.TimeoutError{Op: "token"}
		}
		return nil, ctx.Err()
	}
}

func (p *Provider) setState(state State) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

func (p *Provider) emit(change Change) {
	metrics.SessionTransitions.WithLabelValues(string(change.Kind)).Inc()
	p.observersMu.Lock()
	ids := make([]int, 0, len(p.observers))
	for id := range p.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	observers := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, p.observers[id])
	}
	p.observersMu.Unlock()
	for _, fn := range observers {
		fn(change)
	}
}

func (p *Provider) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
