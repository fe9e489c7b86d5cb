package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ultraride/ridesync/internal/metrics"
)

const (
	TypeProgressUpdated = "progress.updated"
	TypeProfileUpdated  = "profile.updated"
	TypeEventsChanged   = "events.changed"
)

const (
	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second
)

var errServerClosed = errors.New("realtime connection closed by server")

// Notification is one row-change message pushed by the backend.
type Notification struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Email   string `json:"email,omitempty"`
}

type Handler interface {
	HandleNotification(ctx context.Context, n Notification)
}

type HandlerFunc func(ctx context.Context, n Notification)

func (f HandlerFunc) HandleNotification(ctx context.Context, n Notification) {
	f(ctx, n)
}

type Tokens interface {
	CurrentToken(ctx context.Context) (string, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	HTTPClient *http.Client
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     Logger
}

// Subscriber keeps one WebSocket open to the change feed and reconnects with capped
// exponential backoff until stopped.
type Subscriber struct {
	url        string
	tokens     Tokens
	handler    Handler
	httpClient *http.Client
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     Logger

	connected atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func NewSubscriber(url string, tokens Tokens, handler Handler, opts Options) *Subscriber {
	minBackoff := opts.MinBackoff
	if minBackoff <= 0 {
		minBackoff = DefaultMinBackoff
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff < minBackoff {
		maxBackoff = DefaultMaxBackoff
		if maxBackoff < minBackoff {
			maxBackoff = minBackoff
		}
	}
	return &Subscriber{
		url:        url,
		tokens:     tokens,
		handler:    handler,
		httpClient: opts.HTTPClient,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		logger:     opts.Logger,
	}
}

// Start runs the subscription in the background. Calling it while running does nothing.
func (s *Subscriber) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	go func() {
		if err := s.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logf("realtime subscriber stopped: %v", err)
		}
	}()
}

// Stop cancels the background subscription without waiting for it. Safe to call repeatedly.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
}

func (s *Subscriber) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Subscriber) Connected() bool {
	return s.connected.Load()
}

// Run blocks, reconnecting after every dropped connection, until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		established, err := s.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			backoff = s.minBackoff
		}
		s.logf("realtime connection lost: %v (retry in %s)", err, backoff)
		if err := waitWithContext(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

func (s *Subscriber) listen(ctx context.Context) (bool, error) {
	token, err := s.tokens.CurrentToken(ctx)
	if err != nil {
		return false, fmt.Errorf("realtime token: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		metrics.RealtimeConnects.WithLabelValues("error").Inc()
		return false, err
	}
	metrics.RealtimeConnects.WithLabelValues("ok").Inc()
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.connected.Store(true)
	defer s.connected.Store(false)

	for {
		var n Notification
		if err := wsjson.Read(ctx, conn, &n); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, errServerClosed
			}
			return true, err
		}
		if n.Type == "" {
			continue
		}
		metrics.RealtimeNotifications.WithLabelValues(n.Type).Inc()
		s.dispatch(ctx, n)
	}
}

func (s *Subscriber) dispatch(ctx context.Context, n Notification) {
	if s.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logf("realtime handler panicked on %s: %v", n.Type, r)
		}
	}()
	s.handler.HandleNotification(ctx, n)
}

func (s *Subscriber) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
