package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ultraride/ridesync/internal/bgsync"
	"github.com/ultraride/ridesync/internal/cache"
	"github.com/ultraride/ridesync/internal/profile"
	"github.com/ultraride/ridesync/internal/progress"
	"github.com/ultraride/ridesync/internal/realtime"
	"github.com/ultraride/ridesync/internal/remote"
	"github.com/ultraride/ridesync/internal/ride"
	"github.com/ultraride/ridesync/internal/session"
)

var ErrDisposed = errors.New("client disposed")

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeouts   remote.Timeouts
	MaxRetries int

	// CacheBackend defaults to an in-memory backend. The caller owns its lifetime.
	CacheBackend   cache.Backend
	CacheNamespace string
	SessionStore   session.Store
	Outbox         progress.Outbox

	ProfileInterval time.Duration
	EventsInterval  time.Duration
	SyncJitter      float64
	TickTimeout     time.Duration

	Realtime        bool
	RealtimeBackoff time.Duration

	Logger Logger
	Now    func() time.Time
}

// Client composes the sync core: session, cache, profile, progress, background sync and
// the optional realtime feed. Nothing here is global; two clients never share state.
type Client struct {
	remote     *remote.HTTPClient
	cache      *cache.Cache
	session    *session.Provider
	profiles   *profile.Service
	progress   *progress.Store
	syncer     *bgsync.Syncer
	subscriber *realtime.Subscriber
	logger     Logger

	mu          sync.Mutex
	runCtx      context.Context
	cancel      context.CancelFunc
	initialized bool
	disposed    bool
	unsubscribe []func()
}

func New(opts Options) *Client {
	backend := remote.NewHTTPClient(opts.BaseURL, remote.ClientOptions{
		HTTPClient: opts.HTTPClient,
		Timeouts:   opts.Timeouts,
		MaxRetries: opts.MaxRetries,
		Logger:     opts.Logger,
	})
	c := cache.New(opts.CacheBackend, cache.Options{
		Namespace: opts.CacheNamespace,
		Now:       opts.Now,
		Logger:    opts.Logger,
	})
	provider := session.NewProvider(backend, session.Options{
		Store:  opts.SessionStore,
		Logger: opts.Logger,
		Now:    opts.Now,
	})
	profiles := profile.NewService(backend, provider, c, profile.Options{Logger: opts.Logger})
	store := progress.NewStore(backend, provider, c, progress.Options{
		Outbox: opts.Outbox,
		Logger: opts.Logger,
		Now:    opts.Now,
	})
	syncer := bgsync.New(profiles, store.EventsJob(), bgsync.Options{
		ProfileInterval: opts.ProfileInterval,
		EventsInterval:  opts.EventsInterval,
		Jitter:          opts.SyncJitter,
		TickTimeout:     opts.TickTimeout,
		Logger:          opts.Logger,
	})

	client := &Client{
		remote:   backend,
		cache:    c,
		session:  provider,
		profiles: profiles,
		progress: store,
		syncer:   syncer,
		logger:   opts.Logger,
	}
	if opts.Realtime {
		client.subscriber = realtime.NewSubscriber(backend.RealtimeURL(), provider, realtime.HandlerFunc(client.handleNotification), realtime.Options{
			HTTPClient: opts.HTTPClient,
			MinBackoff: opts.RealtimeBackoff,
			Logger:     opts.Logger,
		})
	}
	return client
}

// Init restores the session, wires the session observers, warms the event list and starts
// background work for a signed-in rider. Calling it again returns the current state.
func (c *Client) Init(ctx context.Context) (session.State, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return session.StateAnonymous, ErrDisposed
	}
	if c.initialized {
		c.mu.Unlock()
		return c.session.State(), nil
	}
	c.initialized = true
	c.runCtx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	runCtx := c.runCtx
	c.unsubscribe = append(c.unsubscribe, c.session.OnChange(c.onSessionChange))
	c.mu.Unlock()

	previous, _ := c.cache.CurrentUserEmail()
	state := c.session.Init(ctx)
	if email := c.session.Email(); previous != "" && email != "" && previous != email {
		// the last run belonged to someone else and ended without a sign out
		c.cache.ClearIdentity(previous)
		c.profiles.Forget(previous)
	}

	events, _ := c.progress.FetchEvents(ctx)
	if c.session.Authenticated() {
		c.progress.FetchAllEventsProgress(ctx, events)
	}

	go func() {
		if err := c.session.Watch(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logf("session watch stopped: %v", err)
		}
	}()
	return state, nil
}

// Dispose stops background work and detaches observers. Safe to call more than once.
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	cancel := c.cancel
	c.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
	c.stopBackground()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) SignIn(ctx context.Context, email, password string) error {
	if c.isDisposed() {
		return ErrDisposed
	}
	return c.session.SignIn(ctx, email, password)
}

func (c *Client) SignOut(ctx context.Context) error {
	if c.isDisposed() {
		return ErrDisposed
	}
	return c.session.SignOut(ctx)
}

// SyncNow runs both background refreshes immediately.
func (c *Client) SyncNow(ctx context.Context) bgsync.Result {
	return c.syncer.ForceSyncAll(ctx)
}

func (c *Client) Session() *session.Provider {
	return c.session
}

func (c *Client) Profiles() *profile.Service {
	return c.profiles
}

func (c *Client) Progress() *progress.Store {
	return c.progress
}

func (c *Client) Cache() *cache.Cache {
	return c.cache
}

func (c *Client) Syncer() *bgsync.Syncer {
	return c.syncer
}

// Subscriber is nil when realtime is disabled.
func (c *Client) Subscriber() *realtime.Subscriber {
	return c.subscriber
}

func (c *Client) onSessionChange(change session.Change) {
	switch change.Kind {
	case session.SignedIn:
		c.profiles.SwitchIdentity(change.Previous, change.Email)
		c.startBackground()
		c.logf("signed in as %s", change.Email)
	case session.SignedOut:
		c.stopBackground()
		c.cache.ClearIdentity(change.Email)
		c.profiles.Forget(change.Email)
		c.progress.Reset()
		c.logf("signed out %s", change.Email)
	case session.TokenRefreshed:
		c.logf("token refreshed for %s", change.Email)
	}
}

func (c *Client) startBackground() {
	c.mu.Lock()
	runCtx := c.runCtx
	disposed := c.disposed
	c.mu.Unlock()
	if runCtx == nil || disposed {
		return
	}
	c.syncer.Start(runCtx)
	if c.subscriber != nil {
		c.subscriber.Start(runCtx)
	}
}

func (c *Client) stopBackground() {
	c.syncer.Stop()
	if c.subscriber != nil {
		c.subscriber.Stop()
	}
}

// handleNotification drops the cached copy a change notification refers to and reloads it.
func (c *Client) handleNotification(ctx context.Context, n realtime.Notification) {
	current := c.session.Email()
	if n.Email != "" && ride.NormalizeEmail(n.Email) != current {
		return
	}
	switch n.Type {
	case realtime.TypeProgressUpdated:
		if n.EventID == "" {
			return
		}
		c.progress.InvalidateProgress(n.EventID)
		if _, err := c.progress.FetchStepProgress(ctx, n.EventID); err != nil {
			c.logf("reload progress for %s after notification: %v", n.EventID, err)
		}
	case realtime.TypeProfileUpdated:
		if current == "" {
			return
		}
		c.cache.RemoveUserProfile(current)
		if err := c.profiles.Refresh(ctx); err != nil {
			c.logf("reload profile after notification: %v", err)
		}
	case realtime.TypeEventsChanged:
		c.progress.InvalidateEvents()
		if err := c.progress.RefreshEvents(ctx); err != nil {
			c.logf("reload events after notification: %v", err)
		}
	}
}

func (c *Client) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
