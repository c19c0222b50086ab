//go:build unix

package node

import (
	"context"
	"testing"
	"time"

	"omesh/internal/config"
	"omesh/internal/nodestate"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.IndexDir = "" // in-memory index, no filesystem dependency
	cfg.ListenPort = 0
	return cfg
}

func TestNewWiresEverySingleton(t *testing.T) {
	n, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.State.GetState() != nodestate.Init {
		t.Fatalf("initial lifecycle = %v, want Init", n.State.GetState())
	}
	if n.Router == nil || n.Peers == nil || n.Handler == nil || n.Repl == nil || n.Clock == nil {
		t.Fatalf("New left a core singleton nil: %+v", n)
	}
}

func TestStartTransitionsToSyncingAndRunRespectsCancellation(t *testing.T) {
	n, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := n.State.GetState(); got != nodestate.Syncing {
		t.Fatalf("state after Start = %v, want Syncing", got)
	}
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil after cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return within 2s of context cancellation")
	}
	if got := n.State.GetState(); got != nodestate.Shutdown {
		t.Fatalf("state after Run returns = %v, want Shutdown", got)
	}
}

func TestCloseWithoutStartIsSafe(t *testing.T) {
	n, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close on an unstarted node: %v", err)
	}
}
