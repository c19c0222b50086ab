package clocksync

import (
	"testing"
	"time"

	"github.com/beevik/ntp"

	"omesh/internal/nodestate"
)

func TestCheckHealthyUpdatesNodeStateSyncTime(t *testing.T) {
	state := nodestate.New(1)
	c := NewChecker(state)
	c.QueryFunc = func(string) (*ntp.Response, error) {
		return &ntp.Response{ClockOffset: 10 * time.Millisecond}, nil
	}

	c.check()

	if got := c.Status().Phase; got != Healthy {
		t.Fatalf("Status().Phase = %v, want Healthy", got)
	}
	if state.GetSyncTime().IsZero() {
		t.Fatalf("GetSyncTime() is zero after a healthy check")
	}
}

func TestCheckUnhealthyOffsetDoesNotZeroStatus(t *testing.T) {
	state := nodestate.New(1)
	c := NewChecker(state)
	c.threshold = 100 * time.Millisecond
	c.QueryFunc = func(string) (*ntp.Response, error) {
		return &ntp.Response{ClockOffset: time.Second}, nil
	}

	c.check()

	if got := c.Status().Phase; got != UnhealthyOffset {
		t.Fatalf("Status().Phase = %v, want UnhealthyOffset", got)
	}
}

func TestCheckErrorDoesNotUpdateSyncTime(t *testing.T) {
	state := nodestate.New(1)
	c := NewChecker(state)
	c.QueryFunc = func(string) (*ntp.Response, error) {
		return nil, errQueryFailed{}
	}

	c.check()

	if got := c.Status().Phase; got != Error {
		t.Fatalf("Status().Phase = %v, want Error", got)
	}
	if !state.GetSyncTime().IsZero() {
		t.Fatalf("GetSyncTime() updated despite a failed query")
	}
}

func TestRepeatedHealthyChecksKeepPhase(t *testing.T) {
	state := nodestate.New(1)
	c := NewChecker(state)
	c.QueryFunc = func(string) (*ntp.Response, error) {
		return &ntp.Response{ClockOffset: time.Millisecond}, nil
	}

	c.check()
	c.check()

	if got := c.Status().Phase; got != Healthy {
		t.Fatalf("Status().Phase after two healthy checks = %v, want Healthy", got)
	}
}

type errQueryFailed struct{}

func (errQueryFailed) Error() string { return "ntp query failed" }
