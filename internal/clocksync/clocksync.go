// Package clocksync periodically samples clock offset against an NTP pool
// and feeds the result into internal/nodestate's last-sync timestamp. This
// is pure observability: failures degrade to "last_sync only updated
// locally" and never block indexing or querying.
package clocksync

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"omesh/internal/check"
	"omesh/internal/nodestate"
)

const (
	defaultPool      = "pool.ntp.org"
	defaultInterval  = 60 * time.Second
	defaultThreshold = 500 * time.Millisecond
)

// Phase is the checker's health classification.
type Phase uint8

const (
	Unchecked Phase = iota + 1
	Healthy
	UnhealthyOffset
	Error
)

func (p Phase) String() string {
	switch p {
	case Unchecked:
		return "unchecked"
	case Healthy:
		return "healthy"
	case UnhealthyOffset:
		return "unhealthy_offset"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

func (p Phase) transition(to Phase) Phase {
	if to == p {
		return p
	}
	ok := false
	switch p {
	case Unchecked:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	case Healthy:
		ok = to == UnhealthyOffset || to == Error
	case UnhealthyOffset:
		ok = to == Healthy || to == Error
	case Error:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	}
	check.Assertf(ok, "clocksync transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

// Status is the most recent check result.
type Status struct {
	Offset    time.Duration
	Phase     Phase
	Error     string
	CheckedAt time.Time
}

// Checker periodically queries an NTP pool and records drift status,
// updating a bound nodestate.State on every successful query, whether or
// not the sampled offset is within threshold.
type Checker struct {
	mu        sync.RWMutex
	status    Status
	pool      string
	interval  time.Duration
	threshold time.Duration
	state     *nodestate.State

	// QueryFunc is overridable in tests in place of a real NTP round trip.
	QueryFunc func(pool string) (*ntp.Response, error)
}

// NewChecker returns a Checker that feeds state.UpdateSyncTime on every
// successful query.
func NewChecker(state *nodestate.State) *Checker {
	check.Assert(state != nil, "clocksync.NewChecker: state must not be nil")
	return &Checker{
		pool:      defaultPool,
		interval:  defaultInterval,
		threshold: defaultThreshold,
		status:    Status{Phase: Unchecked},
		state:     state,
		QueryFunc: ntp.Query,
	}
}

// Run blocks, sampling immediately and then every interval, until ctx is
// done.
func (c *Checker) Run(ctx context.Context) {
	c.check()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.check()
		}
	}
}

func (c *Checker) check() {
	resp, err := c.QueryFunc(c.pool)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if err != nil {
		c.status = Status{Phase: c.status.Phase.transition(Error), Error: err.Error(), CheckedAt: now}
		return
	}

	phase := UnhealthyOffset
	if resp.ClockOffset.Abs() < c.threshold {
		phase = Healthy
	}
	c.status = Status{Offset: resp.ClockOffset, Phase: c.status.Phase.transition(phase), CheckedAt: now}
	c.state.UpdateSyncTime(now)
}

// Status returns the most recent check result.
func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}
