//go:build unix

// Package node is the composition root: it wires every core singleton
// (config, nodestate, ftsindex, replication, connpool, reactor, peermgr,
// router, handlers, clocksync, control) into one running Omesh node and
// drives the reactor's cooperative event loop. internal/control is the one
// production entry point that actually drives Router.Search and
// replication.Table.IndexDoc — cmd/omesh talks to a running node only
// through it.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"omesh/internal/clocksync"
	"omesh/internal/config"
	"omesh/internal/connpool"
	"omesh/internal/control"
	"omesh/internal/ftsindex"
	"omesh/internal/handlers"
	"omesh/internal/netutil"
	"omesh/internal/nodestate"
	"omesh/internal/omesherr"
	"omesh/internal/peermgr"
	"omesh/internal/reactor"
	"omesh/internal/replication"
	"omesh/internal/router"
)

// pollTimeoutMs bounds how long a single reactor.Wait blocks, so the run
// loop periodically gets control back to check query deadlines even when
// no socket is ready.
const pollTimeoutMs = 250

// backlog is the listen(2) backlog for the TCP listener.
const backlog = 128

// Node owns every core singleton for one running process.
type Node struct {
	cfg config.Config

	State   *nodestate.State
	Index   *ftsindex.Index
	Repl    *replication.Table
	Pool    *connpool.Pool
	Reactor *reactor.Reactor
	Peers   *peermgr.Manager
	Router  *router.Router
	Handler *handlers.Handlers
	Clock   *clocksync.Checker
	Control *control.Server
}

// New wires cfg's settings into a fully assembled, not-yet-running Node.
//
// router.Router needs a Broadcaster that peermgr.Manager implements, but
// peermgr.Manager needs a handlers.Handlers built around the very same
// Router — a genuine construction cycle. It is broken by constructing
// Router first with no broadcaster, building Peers around its Handlers,
// then calling Router.SetBroadcaster once Peers exists.
func New(cfg config.Config) (*Node, error) {
	state := nodestate.New(0)

	idx, err := ftsindex.Open(cfg.IndexDir)
	if err != nil {
		return nil, fmt.Errorf("node: open index: %w", err)
	}

	repl := replication.New(state.ID(), replication.DefaultMaxDocs, cfg.ReplicationFactor)
	pool := connpool.New(connpool.DefaultCapacity)
	rct := reactor.New()

	rtr := router.New(idx, state, nil)
	h := handlers.New(idx, state, repl, rtr)
	peers := peermgr.New(pool, rct, state, h)
	rtr.SetBroadcaster(peers)

	clock := clocksync.NewChecker(state)
	ctrl := control.NewServer(idx, state, repl, rtr, peers)

	return &Node{
		cfg:     cfg,
		State:   state,
		Index:   idx,
		Repl:    repl,
		Pool:    pool,
		Reactor: rct,
		Peers:   peers,
		Router:  rtr,
		Handler: h,
		Clock:   clock,
		Control: ctrl,
	}, nil
}

// Start binds the listening sockets, dials every configured seed peer, and
// transitions the node to SYNCING. It does not block; call Run afterward.
func (n *Node) Start() error {
	if err := n.Reactor.Init(n.cfg.ListenPort, n.State.ID(), backlog); err != nil {
		return fmt.Errorf("node: start: %w", err)
	}
	n.State.SetState(nodestate.Syncing)

	for _, seed := range n.cfg.SeedPeers {
		if err := n.dialSeed(seed); err != nil {
			slog.Warn("dial seed peer failed", "peer", seed, "err", err)
		}
	}
	return nil
}

func (n *Node) dialSeed(hostPort string) error {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return fmt.Errorf("parse seed address: %w", err)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve seed address: %w", err)
	}
	ip, err := netutil.ParseIPv4(ips[0])
	if err != nil {
		return err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return fmt.Errorf("parse seed port: %w", err)
	}
	_, err = n.Peers.Connect(ip, port)
	return err
}

// Run drives the reactor's cooperative single-threaded loop until ctx is
// canceled, dispatching each ready event to the peer manager and checking
// pending-query deadlines once per iteration.
func (n *Node) Run(ctx context.Context) error {
	go n.Clock.Run(ctx)
	go func() {
		addr := control.Addr(n.cfg.ListenPort)
		if err := n.Control.ListenAndServe(ctx, addr); err != nil {
			slog.Warn("control server stopped", "addr", addr, "err", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			n.Reactor.Stop()
		case <-done:
		}
	}()
	defer close(done)

	n.State.SetState(nodestate.Ready)
	err := n.Reactor.Run(pollTimeoutMs, n.handleEvent)
	n.State.SetState(nodestate.Shutdown)
	return err
}

// handleEvent is the reactor.Callback: it routes a ready event to
// Accept/ConnectComplete/Readable based on whether user_data names the
// listening socket or a connection-pool slot, then checks query deadlines.
func (n *Node) handleEvent(interest reactor.Interest, userData uint64) bool {
	switch {
	case int(userData) == n.Reactor.ListenTCPFD:
		if interest&reactor.InterestRead != 0 {
			if _, err := n.Peers.Accept(n.Reactor.ListenTCPFD); err != nil && !errors.Is(err, omesherr.ErrAgain) {
				slog.Warn("accept failed", "err", err)
			}
		}
	case int(userData) == n.Reactor.ListenUDPFD:
		// The UDP socket is bound but unused by the core (reserved for
		// service discovery); drain the datagram so the poller doesn't
		// report it again on every iteration.
		if interest&reactor.InterestRead != 0 {
			buf := make([]byte, 2048)
			_, _ = netutil.Recv(n.Reactor.ListenUDPFD, buf)
		}
	default:
		n.handlePeerEvent(int(userData), interest)
	}

	n.Router.CheckTimeouts()
	return false
}

func (n *Node) handlePeerEvent(slot int, interest reactor.Interest) {
	rec, ok := n.Pool.Get(slot)
	if !ok {
		return
	}

	if interest&(reactor.InterestError|reactor.InterestHangup) != 0 {
		_ = n.Peers.Disconnect(slot)
		return
	}

	if rec.State == connpool.StateConnecting && interest&reactor.InterestWrite != 0 {
		if err := n.Peers.ConnectComplete(slot); err != nil {
			slog.Warn("connect complete failed", "slot", slot, "err", err)
		}
		return
	}

	if interest&reactor.InterestRead != 0 {
		if err := n.Peers.Readable(slot); err != nil {
			slog.Warn("readable failed", "slot", slot, "err", err)
		}
	}
}

// Close checkpoints the index and tears down the reactor's listening
// sockets.
func (n *Node) Close() error {
	var firstErr error
	if err := n.Index.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("node: close index: %w", err)
	}
	if err := n.Reactor.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("node: close reactor: %w", err)
	}
	return firstErr
}
