package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ultraride/ridesync/internal/ride"
)

type fakeIdentity struct {
	mu           sync.Mutex
	signInErr    error
	refreshErr   error
	refreshGate  chan struct{}
	refreshCalls int32
	signOutCalls int32
	nextToken    int
}

func (f *fakeIdentity) SignIn(_ context.Context, email, _ string) (ride.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signInErr != nil {
		return ride.Grant{}, f.signInErr
	}
	f.nextToken++
	return ride.Grant{
		AccessToken:  fmt.Sprintf("at-%d", f.nextToken),
		RefreshToken: fmt.Sprintf("rt-%d", f.nextToken),
		ExpiresIn:    3600,
		Email:        email,
	}, nil
}

func (f *fakeIdentity) Refresh(ctx context.Context, refreshToken string) (ride.Grant, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	if f.refreshGate != nil {
		select {
		case <-f.refreshGate:
		case <-ctx.Done():
			return ride.Grant{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return ride.Grant{}, f.refreshErr
	}
	f.nextToken++
	return ride.Grant{
		AccessToken:  fmt.Sprintf("at-%d", f.nextToken),
		RefreshToken: fmt.Sprintf("rt-%d", f.nextToken),
		ExpiresIn:    3600,
	}, nil
}

func (f *fakeIdentity) SignOut(context.Context, string) error {
	atomic.AddInt32(&f.signOutCalls, 1)
	return nil
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *changeRecorder) record(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *changeRecorder) kinds() []ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeKind, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.Kind)
	}
	return out
}

func expiredSession(email string) Session {
	return Session{
		AccessToken:  "at-stale",
		RefreshToken: "rt-stale",
		Expiry:       time.Now().Add(-time.Minute),
		Email:        email,
	}
}

type blockingStore struct {
	MemoryStore
}

func (b *blockingStore) Load(ctx context.Context) (Session, bool, error) {
	<-ctx.Done()
	return Session{}, false, ctx.Err()
}

func TestInitWithoutSessionIsAnonymous(t *testing.T) {
	p := NewProvider(&fakeIdentity{}, Options{})
	if state := p.Init(context.Background()); state != StateAnonymous {
		t.Fatalf("expected anonymous, got %s", state)
	}
	if _, err := p.CurrentToken(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected no session, got %v", err)
	}
}

func TestInitRestoresValidSession(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Save(context.Background(), Session{AccessToken: "at-ok", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour), Email: "a@example.com"})
	p := NewProvider(&fakeIdentity{}, Options{Store: store})
	rec := &changeRecorder{}
	p.OnChange(rec.record)

	if state := p.Init(context.Background()); state != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", state)
	}
	if p.Email() != "a@example.com" {
		t.Fatalf("unexpected email %q", p.Email())
	}
	token, err := p.CurrentToken(context.Background())
	if err != nil || token != "at-ok" {
		t.Fatalf("expected stored token, got %q, %v", token, err)
	}
	if kinds := rec.kinds(); len(kinds) != 1 || kinds[0] != SignedIn {
		t.Fatalf("expected one signed_in change, got %v", kinds)
	}
}

func TestInitFastPathTimeoutFallsBackToAnonymous(t *testing.T) {
	p := NewProvider(&fakeIdentity{}, Options{Store: &blockingStore{}, FastPath: 20 * time.Millisecond})
	start := time.Now()
	if state := p.Init(context.Background()); state != StateAnonymous {
		t.Fatalf("expected anonymous after fast path timeout, got %s", state)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("init blocked for %s", elapsed)
	}
}

func TestInitRefreshesExpiredSession(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Save(context.Background(), expiredSession("a@example.com"))
	identity := &fakeIdentity{}
	p := NewProvider(identity, Options{Store: store})

	if state := p.Init(context.Background()); state != StateAuthenticated {
		t.Fatalf("expected authenticated after refresh, got %s", state)
	}
	token, err := p.CurrentToken(context.Background())
	if err != nil || token != "at-1" {
		t.Fatalf("expected refreshed token at-1, got %q, %v", token, err)
	}
	saved, ok, _ := store.Load(context.Background())
	if !ok || saved.AccessToken != "at-1" || saved.Email != "a@example.com" {
		t.Fatalf("expected refreshed session persisted, got %+v", saved)
	}
}

func TestInitOfflineKeepsSession(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Save(context.Background(), expiredSession("a@example.com"))
	identity := &fakeIdentity{refreshErr: fmt.Errorf("dial: %w", ride.ErrUnavailable)}
	p := NewProvider(identity, Options{Store: store})

	if state := p.Init(context.Background()); state != StateOffline {
		t.Fatalf("expected offline, got %s", state)
	}
	if !p.Authenticated() {
		t.Fatalf("expected session to be kept while offline")
	}
}

func TestRefreshIsSharedAndReplacesTokenAtomically(t *testing.T) {
	identity := &fakeIdentity{refreshGate: make(chan struct{})}
	p := NewProvider(identity, Options{})
	p.install(expiredSession("a@example.com"), StateAuthenticated)
	rec := &changeRecorder{}
	p.OnChange(rec.record)

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = p.CurrentToken(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(identity.refreshGate)
	wg.Wait()

	for i := range tokens {
		if errs[i] != nil || tokens[i] != "at-1" {
			t.Fatalf("caller %d: expected at-1, got %q, %v", i, tokens[i], errs[i])
		}
	}
	if calls := atomic.LoadInt32(&identity.refreshCalls); calls != 1 {
		t.Fatalf("expected one refresh, got %d", calls)
	}
	if token, _ := p.CurrentToken(context.Background()); token != "at-1" {
		t.Fatalf("expected refreshed token after refresh completed, got %q", token)
	}
	if kinds := rec.kinds(); len(kinds) != 1 || kinds[0] != TokenRefreshed {
		t.Fatalf("expected token_refreshed, got %v", kinds)
	}
	if p.State() != StateAuthenticated {
		t.Fatalf("expected authenticated after refresh, got %s", p.State())
	}
}

func TestCurrentTokenTimeoutKeepsSession(t *testing.T) {
	identity := &fakeIdentity{refreshGate: make(chan struct{})}
	defer close(identity.refreshGate)
	p := NewProvider(identity, Options{TokenTimeout: 20 * time.Millisecond})
	p.install(expiredSession("a@example.com"), StateAuthenticated)

	_, err := p.CurrentToken(context.Background())
	if !errors.Is(err, ErrNoSession) || !errors.Is(err, &ride.TimeoutError{Op: "token"}) {
		t.Fatalf("expected token timeout, got %v", err)
	}
	if !p.Authenticated() {
		t.Fatalf("token timeout must not tear down the session")
	}
}

func TestInvalidRefreshTokenSignsOut(t *testing.T) {
	store := NewMemoryStore()
	identity := &fakeIdentity{refreshErr: fmt.Errorf("%w: revoked", ride.ErrInvalidGrant)}
	p := NewProvider(identity, Options{Store: store})
	p.install(expiredSession("a@example.com"), StateAuthenticated)
	_ = store.Save(context.Background(), expiredSession("a@example.com"))
	rec := &changeRecorder{}
	p.OnChange(rec.record)

	if _, err := p.CurrentToken(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected no session, got %v", err)
	}
	if p.State() != StateAnonymous || p.Authenticated() {
		t.Fatalf("expected anonymous after invalid refresh token, got %s", p.State())
	}
	if _, ok, _ := store.Load(context.Background()); ok {
		t.Fatalf("expected persisted session to be cleared")
	}
	if kinds := rec.kinds(); len(kinds) != 1 || kinds[0] != SignedOut {
		t.Fatalf("expected signed_out, got %v", kinds)
	}
}

func TestSignInSwitchingAccountsSignsOutPrevious(t *testing.T) {
	p := NewProvider(&fakeIdentity{}, Options{})
	rec := &changeRecorder{}
	p.OnChange(rec.record)

	if err := p.SignIn(context.Background(), "a@example.com", "pw"); err != nil {
		t.Fatalf("sign in a failed: %v", err)
	}
	if err := p.SignIn(context.Background(), "B@example.com", "pw"); err != nil {
		t.Fatalf("sign in b failed: %v", err)
	}
	kinds := rec.kinds()
	want := []ChangeKind{SignedIn, SignedOut, SignedIn}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
	if last := rec.changes[2]; last.Email != "b@example.com" || last.Previous != "a@example.com" {
		t.Fatalf("unexpected final change %+v", last)
	}
}

func TestSignInFailurePropagates(t *testing.T) {
	p := NewProvider(&fakeIdentity{signInErr: ride.ErrUnauthorized}, Options{})
	if err := p.SignIn(context.Background(), "a@example.com", "bad"); !errors.Is(err, ride.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if p.Authenticated() {
		t.Fatalf("failed sign in must not create a session")
	}
}

func TestSignOutClearsEverything(t *testing.T) {
	store := NewMemoryStore()
	identity := &fakeIdentity{}
	p := NewProvider(identity, Options{Store: store})
	if err := p.SignIn(context.Background(), "a@example.com", "pw"); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	rec := &changeRecorder{}
	p.OnChange(rec.record)

	if err := p.SignOut(context.Background()); err != nil {
		t.Fatalf("sign out failed: %v", err)
	}
	if p.State() != StateAnonymous {
		t.Fatalf("expected anonymous, got %s", p.State())
	}
	if _, ok, _ := store.Load(context.Background()); ok {
		t.Fatalf("expected store cleared")
	}
	if atomic.LoadInt32(&identity.signOutCalls) != 1 {
		t.Fatalf("expected remote sign out")
	}
	if kinds := rec.kinds(); len(kinds) != 1 || kinds[0] != SignedOut {
		t.Fatalf("expected signed_out, got %v", kinds)
	}
	if err := p.SignOut(context.Background()); err != nil {
		t.Fatalf("second sign out failed: %v", err)
	}
	if len(rec.kinds()) != 1 {
		t.Fatalf("signing out twice must not emit twice")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "session.json"), nil)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	if _, ok, err := store.Load(context.Background()); ok || err != nil {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}
	want := Session{AccessToken: "at", RefreshToken: "rt", Email: "a@example.com", Expiry: time.Now().Add(time.Hour).UTC().Truncate(time.Second)}
	if err := store.Save(context.Background(), want); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	info, err := os.Stat(store.Path())
	if err != nil {
		t.Fatalf("stat session file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 session file, got %v", info.Mode().Perm())
	}
	got, ok, err := store.Load(context.Background())
	if err != nil || !ok || got.AccessToken != "at" || !got.Expiry.Equal(want.Expiry) {
		t.Fatalf("unexpected load %+v ok=%v err=%v", got, ok, err)
	}
	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("clearing a missing file should not fail: %v", err)
	}
}

func TestWatchFollowsExternalSignOut(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "session.json"), nil)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	p := NewProvider(&fakeIdentity{}, Options{Store: store})
	if err := p.SignIn(context.Background(), "a@example.com", "pw"); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	signedOut := make(chan Change, 1)
	p.OnChange(func(c Change) {
		if c.Kind == SignedOut {
			signedOut <- c
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.Remove(store.Path()); err != nil {
		t.Fatalf("remove session file: %v", err)
	}
	select {
	case c := <-signedOut:
		if c.Email != "a@example.com" {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected external removal to sign out")
	}
	if p.Authenticated() {
		t.Fatalf("expected provider to drop the session")
	}
}

func TestSessionFromGrantReadsClaims(t *testing.T) {
	exp := time.Now().Add(15 * time.Minute).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": "Rider@Example.com",
		"exp":   exp.Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	s, err := sessionFromGrant(ride.Grant{AccessToken: signed, RefreshToken: "rt"}, time.Now())
	if err != nil {
		t.Fatalf("session from grant: %v", err)
	}
	if s.Email != "rider@example.com" || !s.Expiry.Equal(exp) {
		t.Fatalf("expected claims to fill email and expiry, got %+v", s)
	}
	if _, err := sessionFromGrant(ride.Grant{}, time.Now()); !errors.Is(err, ride.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty grant, got %v", err)
	}
}
