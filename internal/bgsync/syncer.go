package bgsync

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ultraride/ridesync/internal/metrics"
)

const (
	DefaultProfileInterval = 5 * time.Minute
	DefaultEventsInterval  = 10 * time.Minute
	DefaultTickTimeout     = 30 * time.Second
)

// Refresher is one periodic job. Refresh is only called when Ready reports true.
type Refresher interface {
	Ready() bool
	Refresh(ctx context.Context) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	ProfileInterval time.Duration
	EventsInterval  time.Duration
	// Jitter spreads each interval by up to this ratio in either direction (0..1).
	Jitter      float64
	TickTimeout time.Duration
	Logger      Logger
}

// Result of ForceSyncAll. One job failing while the other succeeds is a normal outcome.
type Result struct {
	Profile error
	Events  error
}

type job struct {
	name      string
	refresher Refresher
	interval  time.Duration
}

// Syncer runs the profile and events refresh on independent timers. It only reduces
// staleness; nothing depends on a tick succeeding.
type Syncer struct {
	profile     job
	events      job
	jitter      float64
	tickTimeout time.Duration
	logger      Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

func New(profile, events Refresher, opts Options) *Syncer {
	profileInterval := opts.ProfileInterval
	if profileInterval <= 0 {
		profileInterval = DefaultProfileInterval
	}
	eventsInterval := opts.EventsInterval
	if eventsInterval <= 0 {
		eventsInterval = DefaultEventsInterval
	}
	tickTimeout := opts.TickTimeout
	if tickTimeout <= 0 {
		tickTimeout = DefaultTickTimeout
	}
	return &Syncer{
		profile:     job{name: "profile", refresher: profile, interval: profileInterval},
		events:      job{name: "events", refresher: events, interval: eventsInterval},
		jitter:      ClampJitterRatio(opts.Jitter),
		tickTimeout: tickTimeout,
		logger:      opts.Logger,
	}
}

// Start launches both timers. Calling it while running does nothing.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	for _, j := range []job{s.profile, s.events} {
		if j.refresher == nil {
			continue
		}
		go s.loop(runCtx, j)
	}
}

// Stop clears both timers and cancels an in-flight tick without waiting for it, so it can
// be called from inside a tick. It is safe to call before Start and more than once.
func (s *Syncer) Stop() {
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

func (s *Syncer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ForceSyncAll runs both refreshes now, regardless of the timers.
func (s *Syncer) ForceSyncAll(ctx context.Context) Result {
	var (
		result Result
		wg     sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		result.Profile = s.tick(ctx, s.profile)
	}()
	go func() {
		defer wg.Done()
		result.Events = s.tick(ctx, s.events)
	}()
	wg.Wait()
	return result
}

func (s *Syncer) loop(ctx context.Context, j job) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(JitteredIntervalWithSample(j.interval, s.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if ctx.Err() != nil {
				return
			}
			if err := s.tick(ctx, j); err != nil {
				s.logf("%s sync tick failed: %v", j.name, err)
			}
			timer.Reset(JitteredIntervalWithSample(j.interval, s.jitter, rng.Float64()))
		}
	}
}

// tick runs one refresh in isolation: bounded by the tick timeout and shielded from
// panics so a broken refresh cannot take its timer down.
func (s *Syncer) tick(ctx context.Context, j job) (err error) {
	if j.refresher == nil {
		return nil
	}
	skipped := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s sync panicked: %v", j.name, r)
		}
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
		case skipped:
			outcome = "skipped"
		}
		metrics.SyncTicks.WithLabelValues(j.name, outcome).Inc()
	}()
	if !j.refresher.Ready() {
		skipped = true
		return nil
	}
	tickCtx, cancel := context.WithTimeout(ctx, s.tickTimeout)
	defer cancel()
	return j.refresher.Refresh(tickCtx)
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredIntervalWithSample maps sample in [0,1] onto base*(1-ratio)..base*(1+ratio).
func JitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
