//go:build unix

// Package peermgr drives the per-connection state machine on top of
// internal/connpool's slab and internal/reactor's readiness loop, and
// fans out broadcasts to every connected peer.
package peermgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"omesh/internal/connpool"
	"omesh/internal/handlers"
	"omesh/internal/nodestate"
	"omesh/internal/netutil"
	"omesh/internal/omesherr"
	"omesh/internal/reactor"
	"omesh/internal/wire"
)

// recvScratchSize is the per-read scratch buffer size. Socket buffers are
// tuned to match so one readable event never delivers more than a single
// scratch buffer can drain.
const recvScratchSize = 64 * 1024

// sendRetryDelay is how long send backs off when a peer's socket buffer is
// full before retrying the partial write.
const sendRetryDelay = time.Millisecond

// Manager owns the connection pool, the reactor registrations that follow
// each connection's state transitions, and per-connection receive
// reassembly buffers.
type Manager struct {
	mu      sync.Mutex
	pool    *connpool.Pool
	reactor *reactor.Reactor
	state   *nodestate.State
	h       *handlers.Handlers
	recv    map[int][]byte // slot -> unconsumed received bytes
}

// New returns a Manager wiring pool, reactor, state, and the message
// dispatcher together.
func New(pool *connpool.Pool, r *reactor.Reactor, state *nodestate.State, h *handlers.Handlers) *Manager {
	return &Manager{
		pool:    pool,
		reactor: r,
		state:   state,
		h:       h,
		recv:    make(map[int][]byte),
	}
}

// connWriter adapts one pool slot to handlers.FrameWriter.
type connWriter struct {
	m    *Manager
	slot int
}

func (w connWriter) WriteFrame(frame []byte) error {
	return w.m.send(w.slot, frame)
}

// send writes frame to slot's socket, retrying past transient EAGAIN.
// Touches the connection's activity timestamp on success.
func (m *Manager) send(slot int, frame []byte) error {
	rec, ok := m.pool.Get(slot)
	if !ok {
		return fmt.Errorf("peermgr: send: %w: slot %d not allocated", omesherr.ErrInvalidArg, slot)
	}
	written := 0
	for written < len(frame) {
		n, err := netutil.Send(rec.TCPFD, frame[written:])
		if err != nil {
			if errors.Is(err, omesherr.ErrAgain) {
				// A slow peer's full send buffer must not busy-spin this
				// goroutine (Broadcast fans out concurrently, so every
				// in-flight send would spin at once). Yield briefly and
				// let the kernel drain.
				time.Sleep(sendRetryDelay)
				continue
			}
			return fmt.Errorf("peermgr: send: %w", err)
		}
		written += n
	}
	m.pool.Touch(slot)
	return nil
}

// Accept accepts a pending connection on listenFD, allocates a pool slot
// for it, tunes it, and registers it for readability.
func (m *Manager) Accept(listenFD int) (int, error) {
	fd, sa, err := netutil.Accept(listenFD)
	if err != nil {
		return -1, err
	}

	slot, rec, err := m.pool.Alloc()
	if err != nil {
		_ = netutil.Close(fd)
		return -1, fmt.Errorf("peermgr: accept: %w", err)
	}
	rec.TCPFD = fd
	rec.State = connpool.StateConnected
	rec.Flags = connpool.Inbound
	ip, port := netutil.SockaddrToIP4Port(sa)
	rec.PeerAddr = &net.TCPAddr{IP: ip, Port: port}

	if err := netutil.TuneTCP(fd); err != nil {
		_ = m.pool.Free(slot)
		return -1, fmt.Errorf("peermgr: accept: %w", err)
	}
	_ = netutil.SetBuffers(fd, recvScratchSize, recvScratchSize)
	if err := m.reactor.Add(fd, reactor.InterestRead|reactor.InterestError|reactor.InterestHangup, uint64(slot)); err != nil {
		_ = m.pool.Free(slot)
		return -1, fmt.Errorf("peermgr: accept: %w", err)
	}
	m.pool.Touch(slot)
	m.state.IncPeerCount()
	return slot, nil
}

// Connect initiates a non-blocking outbound connection, allocating a pool
// slot and registering for writability until connect completes.
func (m *Manager) Connect(ip [4]byte, port int) (int, error) {
	fd, err := netutil.DialTCP(ip, port)
	inProgress := errors.Is(err, omesherr.ErrAgain)
	if err != nil && !inProgress {
		return -1, fmt.Errorf("peermgr: connect: %w", err)
	}

	slot, rec, aerr := m.pool.Alloc()
	if aerr != nil {
		_ = netutil.Close(fd)
		return -1, fmt.Errorf("peermgr: connect: %w", aerr)
	}
	rec.TCPFD = fd
	rec.Flags = connpool.Outbound
	rec.PeerAddr = &net.TCPAddr{IP: net.IP(ip[:]), Port: port}

	if inProgress {
		rec.State = connpool.StateConnecting
		if err := m.reactor.Add(fd, reactor.InterestWrite|reactor.InterestError, uint64(slot)); err != nil {
			_ = m.pool.Free(slot)
			return -1, fmt.Errorf("peermgr: connect: %w", err)
		}
		return slot, nil
	}

	rec.State = connpool.StateConnected
	if err := m.completeConnection(slot, rec); err != nil {
		_ = m.pool.Free(slot)
		return -1, err
	}
	return slot, nil
}

// ConnectComplete handles a writable event on a CONNECTING slot: it checks
// SO_ERROR and either promotes the connection to CONNECTED or tears it
// down.
func (m *Manager) ConnectComplete(slot int) error {
	rec, ok := m.pool.Get(slot)
	if !ok {
		return fmt.Errorf("peermgr: connect complete: %w: slot %d not allocated", omesherr.ErrInvalidArg, slot)
	}
	if err := netutil.SocketError(rec.TCPFD); err != nil {
		_ = m.Disconnect(slot)
		return fmt.Errorf("peermgr: connect complete: %w", err)
	}
	rec.State = connpool.StateConnected
	return m.completeConnection(slot, rec)
}

// completeConnection applies post-connect tuning, switches reactor
// interest to readable, sends HELLO, and counts the peer.
func (m *Manager) completeConnection(slot int, rec *connpool.Record) error {
	if err := netutil.TuneTCP(rec.TCPFD); err != nil {
		return fmt.Errorf("peermgr: tune: %w", err)
	}
	_ = netutil.SetBuffers(rec.TCPFD, recvScratchSize, recvScratchSize)
	if err := m.reactor.Mod(rec.TCPFD, reactor.InterestRead|reactor.InterestError|reactor.InterestHangup); err != nil {
		return fmt.Errorf("peermgr: mod interest: %w", err)
	}
	m.pool.Touch(slot)
	m.state.IncPeerCount()

	hello, err := wire.Build(wire.TypeHello, m.state.ID(), rec.RemoteNode, nil)
	if err != nil {
		return fmt.Errorf("peermgr: build hello: %w", err)
	}
	return m.send(slot, hello)
}

// Readable handles a read-ready event: it drains the socket into the
// slot's reassembly buffer and dispatches every complete frame found.
// Transient EAGAIN is a no-op; EOF/reset disconnects the slot.
func (m *Manager) Readable(slot int) error {
	rec, ok := m.pool.Get(slot)
	if !ok {
		return nil
	}

	scratch := make([]byte, recvScratchSize)
	n, err := netutil.Recv(rec.TCPFD, scratch)
	if err != nil {
		if errors.Is(err, omesherr.ErrAgain) {
			return nil
		}
		_ = m.Disconnect(slot)
		return nil
	}

	m.mu.Lock()
	m.recv[slot] = append(m.recv[slot], scratch[:n]...)
	m.mu.Unlock()

	return m.drainFrames(slot)
}

func (m *Manager) drainFrames(slot int) error {
	for {
		m.mu.Lock()
		buf := m.recv[slot]
		if len(buf) < wire.HeaderSize {
			m.mu.Unlock()
			return nil
		}
		total := wire.HeaderSize + int(wire.Length(buf))
		if len(buf) < total {
			m.mu.Unlock()
			return nil
		}
		frame := make([]byte, total)
		copy(frame, buf[:total])
		m.recv[slot] = buf[total:]
		m.mu.Unlock()

		if err := wire.Validate(frame, len(frame)); err != nil {
			// Invalid incoming frames are dropped without closing the
			// connection.
			continue
		}
		m.handleFrame(slot, frame)
	}
}

func (m *Manager) handleFrame(slot int, frame []byte) {
	rec, ok := m.pool.Get(slot)
	if !ok {
		return
	}

	switch wire.MsgType(frame) {
	case wire.TypeHello:
		rec.RemoteNode = wire.SrcNode(frame)
	case wire.TypePing:
		pong, err := wire.Build(wire.TypePong, m.state.ID(), rec.RemoteNode, nil)
		if err == nil {
			_ = m.send(slot, pong)
		}
	case wire.TypePong:
		m.pool.Touch(slot)
	default:
		_ = m.h.Dispatch(connWriter{m: m, slot: slot}, frame)
	}
}

// Disconnect deregisters slot from the reactor and frees its pool entry.
func (m *Manager) Disconnect(slot int) error {
	rec, ok := m.pool.Get(slot)
	if ok {
		_ = m.reactor.Del(rec.TCPFD)
	}
	m.mu.Lock()
	delete(m.recv, slot)
	m.mu.Unlock()

	if err := m.pool.Free(slot); err != nil {
		return fmt.Errorf("peermgr: disconnect: %w", err)
	}
	m.state.DecPeerCount()
	return nil
}

// PeerCount returns the number of CONNECTED peers (implements
// router.Broadcaster).
func (m *Manager) PeerCount() int {
	n := 0
	m.pool.Each(func(_ int, rec *connpool.Record) bool {
		if rec.State == connpool.StateConnected {
			n++
		}
		return true
	})
	return n
}

// SendToReplicas sends frame to the subset of connected peers named by
// replicas, a bitmap whose bit i selects the i-th currently-connected peer
// in ascending slot order (replication.Table.SelectPeers produces exactly
// this indexing). Per-peer send failures are tolerated, matching Broadcast.
func (m *Manager) SendToReplicas(replicas uint64, frame []byte) (int, error) {
	var slots []int
	m.pool.Each(func(slot int, rec *connpool.Record) bool {
		if rec.State == connpool.StateConnected {
			slots = append(slots, slot)
		}
		return true
	})

	sent := 0
	for i, slot := range slots {
		if i >= 64 {
			break
		}
		if replicas&(1<<uint(i)) == 0 {
			continue
		}
		if err := m.send(slot, frame); err != nil {
			continue
		}
		sent++
	}
	return sent, nil
}

// Broadcast concurrently sends frame to every CONNECTED peer, tolerating
// per-peer failures rather than aborting, and returns the number of
// successful sends. Implements router.Broadcaster.
func (m *Manager) Broadcast(ctx context.Context, frame []byte) (int, error) {
	var slots []int
	m.pool.Each(func(slot int, rec *connpool.Record) bool {
		if rec.State == connpool.StateConnected {
			slots = append(slots, slot)
		}
		return true
	})

	var sent atomic.Int32
	g, _ := errgroup.WithContext(ctx)
	for _, slot := range slots {
		slot := slot
		g.Go(func() error {
			if err := m.send(slot, frame); err != nil {
				return nil // per-peer failures are tolerated, not propagated
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(sent.Load()), nil
}
