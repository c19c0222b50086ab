//go:build unix

package peermgr

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"omesh/internal/connpool"
	"omesh/internal/ftsindex"
	"omesh/internal/handlers"
	"omesh/internal/nodestate"
	"omesh/internal/reactor"
	"omesh/internal/replication"
	"omesh/internal/router"
	"omesh/internal/wire"
)

type noopBroadcaster struct{}

func (noopBroadcaster) PeerCount() int                                 { return 0 }
func (noopBroadcaster) Broadcast(context.Context, []byte) (int, error) { return 0, nil }

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("set nonblock: %v", err)
		}
	}
	return fds[0], fds[1]
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	idx, err := ftsindex.Open("")
	if err != nil {
		t.Fatalf("ftsindex.Open: %v", err)
	}
	state := nodestate.New(1)
	repl := replication.New(state.ID(), replication.DefaultMaxDocs, replication.DefaultReplicationFactor)
	rtr := router.New(idx, state, noopBroadcaster{})
	h := handlers.New(idx, state, repl, rtr)
	return New(connpool.New(8), reactor.New(), state, h)
}

// registerFD manually seats fd into a fresh pool slot as a CONNECTED peer,
// bypassing Accept/Connect (which require real listening sockets).
func registerFD(t *testing.T, m *Manager, fd int) int {
	t.Helper()
	slot, rec, err := m.pool.Alloc()
	if err != nil {
		t.Fatalf("pool.Alloc: %v", err)
	}
	rec.TCPFD = fd
	rec.State = connpool.StateConnected
	return slot
}

func TestSendWritesFullFrame(t *testing.T) {
	m := newTestManager(t)
	a, b := socketPair(t)
	defer unix.Close(b)
	slot := registerFD(t, m, a)

	frame, err := wire.Build(wire.TypePing, 1, 2, nil)
	if err != nil {
		t.Fatalf("wire.Build: %v", err)
	}
	if err := m.send(slot, frame); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := make([]byte, len(frame))
	n, err := unix.Read(b, got)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("read %d bytes, want %d", n, len(frame))
	}
}

func TestReadableDispatchesPingWithPong(t *testing.T) {
	m := newTestManager(t)
	a, b := socketPair(t)
	defer unix.Close(b)
	slot := registerFD(t, m, a)

	ping, err := wire.Build(wire.TypePing, 99, 0, nil)
	if err != nil {
		t.Fatalf("wire.Build: %v", err)
	}
	if _, err := unix.Write(b, ping); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	if err := m.Readable(slot); err != nil {
		t.Fatalf("Readable: %v", err)
	}

	buf := make([]byte, wire.HeaderSize)
	n, err := readWithRetry(b, buf)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if n != wire.HeaderSize {
		t.Fatalf("read %d bytes, want %d", n, wire.HeaderSize)
	}
	if wire.MsgType(buf) != wire.TypePong {
		t.Fatalf("response type = %v, want TypePong", wire.MsgType(buf))
	}
}

func TestReadableRecordsHelloRemoteNode(t *testing.T) {
	m := newTestManager(t)
	a, b := socketPair(t)
	defer unix.Close(b)
	slot := registerFD(t, m, a)

	hello, err := wire.Build(wire.TypeHello, 777, 0, nil)
	if err != nil {
		t.Fatalf("wire.Build: %v", err)
	}
	if _, err := unix.Write(b, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	if err := m.Readable(slot); err != nil {
		t.Fatalf("Readable: %v", err)
	}

	rec, ok := m.pool.Get(slot)
	if !ok {
		t.Fatalf("pool.Get(%d) not found after Readable", slot)
	}
	if rec.RemoteNode != 777 {
		t.Fatalf("RemoteNode = %d, want 777", rec.RemoteNode)
	}
}

func TestReadableDropsInvalidFrameWithoutDisconnect(t *testing.T) {
	m := newTestManager(t)
	a, b := socketPair(t)
	defer unix.Close(b)
	slot := registerFD(t, m, a)

	garbage := make([]byte, wire.HeaderSize)
	for i := range garbage {
		garbage[i] = 0xFF
	}
	if _, err := unix.Write(b, garbage); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := m.Readable(slot); err != nil {
		t.Fatalf("Readable: %v", err)
	}

	if _, ok := m.pool.Get(slot); !ok {
		t.Fatalf("slot %d disconnected on an invalid frame, want kept open", slot)
	}
}

func TestDisconnectFreesSlotAndDecrementsPeerCount(t *testing.T) {
	m := newTestManager(t)
	a, b := socketPair(t)
	defer unix.Close(b)
	slot := registerFD(t, m, a)
	m.state.IncPeerCount()

	if err := m.Disconnect(slot); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, ok := m.pool.Get(slot); ok {
		t.Fatalf("slot %d still allocated after Disconnect", slot)
	}
	if got := m.state.PeerCount(); got != 0 {
		t.Fatalf("PeerCount() after Disconnect = %d, want 0", got)
	}
}

func TestBroadcastSendsToEveryConnectedPeer(t *testing.T) {
	m := newTestManager(t)
	a1, b1 := socketPair(t)
	a2, b2 := socketPair(t)
	defer unix.Close(b1)
	defer unix.Close(b2)
	registerFD(t, m, a1)
	registerFD(t, m, a2)

	frame, err := wire.Build(wire.TypePing, 1, 0, nil)
	if err != nil {
		t.Fatalf("wire.Build: %v", err)
	}
	sent, err := m.Broadcast(context.Background(), frame)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if sent != 2 {
		t.Fatalf("Broadcast sent = %d, want 2", sent)
	}

	for _, b := range []int{b1, b2} {
		buf := make([]byte, wire.HeaderSize)
		if _, err := readWithRetry(b, buf); err != nil {
			t.Fatalf("read broadcast frame: %v", err)
		}
	}
}

func TestPeerCountOnlyCountsConnected(t *testing.T) {
	m := newTestManager(t)
	a, b := socketPair(t)
	defer unix.Close(b)
	slot := registerFD(t, m, a)

	if got := m.PeerCount(); got != 1 {
		t.Fatalf("PeerCount() = %d, want 1", got)
	}

	rec, _ := m.pool.Get(slot)
	rec.State = connpool.StateConnecting
	if got := m.PeerCount(); got != 0 {
		t.Fatalf("PeerCount() with a CONNECTING slot = %d, want 0", got)
	}
}

// readWithRetry polls a non-blocking fd briefly for the reader side of a
// socketpair to catch up with an async peermgr write.
func readWithRetry(fd int, buf []byte) (int, error) {
	deadline := time.Now().Add(time.Second)
	for {
		n, err := unix.Read(fd, buf)
		if err == nil {
			return n, nil
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return 0, err
		}
		if time.Now().After(deadline) {
			return 0, err
		}
		time.Sleep(time.Millisecond)
	}
}
