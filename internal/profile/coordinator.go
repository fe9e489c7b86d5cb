package profile

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ultraride/ridesync/internal/metrics"
	"github.com/ultraride/ridesync/internal/ride"
)

const FetchTimeout = 10 * time.Second

// ErrProfileTimeout matches any profile fetch that ran out of time.
var ErrProfileTimeout error = &ride.TimeoutError{Op: "profile"}

type Reader interface {
	ReadProfile(ctx context.Context, token string) (ride.Profile, error)
}

// Coordinator keeps at most one profile read in flight per token. Callers arriving while
// a read is running wait for that read instead of starting their own.
type Coordinator struct {
	reader  Reader
	timeout time.Duration
	group   singleflight.Group
	calls   atomic.Int64
}

func NewCoordinator(reader Reader, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = FetchTimeout
	}
	return &Coordinator{reader: reader, timeout: timeout}
}

func (c *Coordinator) Fetch(ctx context.Context, token string) (ride.Profile, error) {
	ch := c.group.DoChan(token, func() (any, error) {
		c.calls.Add(1)
		metrics.ProfileFetches.WithLabelValues("started").Inc()
		// The read is shared, so one caller going away must not cancel it for the rest.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		profile, err := c.reader.ReadProfile(fetchCtx, token)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return ride.Profile{}, &ride.TimeoutError{Op: "profile"}
		}
		return profile, err
	})

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Shared {
			metrics.ProfileFetches.WithLabelValues("shared").Inc()
		}
		if res.Err != nil {
			return ride.Profile{}, res.Err
		}
		return res.Val.(ride.Profile), nil
	case <-timer.C:
		return ride.Profile{}, &ride.TimeoutError{Op: "profile"}
	case <-ctx.Done():
		return ride.Profile{}, ctx.Err()
	}
}

// Calls is the number of remote reads started so far.
func (c *Coordinator) Calls() int64 {
	return c.calls.Load()
}
