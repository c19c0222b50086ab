//go:build unix

// Package reactor implements the single, process-wide readiness
// multiplexer: the listening TCP/UDP descriptors, a fixed-capacity event
// buffer, a running flag, and an owning node id, driving a callback per
// ready event.
//
// The multiplexer is built on golang.org/x/sys/unix.Poll rather than
// Linux-only epoll so the same readiness-instance shape works across unix
// platforms without committing to one kernel API.
package reactor

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"omesh/internal/netutil"
	"omesh/internal/omesherr"
)

// Interest is a bitmask of readiness conditions a caller wants notified
// about.
type Interest uint32

const (
	InterestRead Interest = 1 << iota
	InterestWrite
	InterestError
	InterestHangup
)

func (i Interest) toPollEvents() int16 {
	var ev int16
	if i&InterestRead != 0 {
		ev |= unix.POLLIN
	}
	if i&InterestWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func fromPollRevents(revents int16) Interest {
	var i Interest
	if revents&unix.POLLIN != 0 {
		i |= InterestRead
	}
	if revents&unix.POLLOUT != 0 {
		i |= InterestWrite
	}
	if revents&unix.POLLERR != 0 {
		i |= InterestError
	}
	if revents&unix.POLLHUP != 0 {
		i |= InterestHangup
	}
	return i
}

// ErrInterrupted is returned by Wait when interrupted by a signal; callers
// should retry.
var ErrInterrupted = errors.New("reactor: wait interrupted")

// Event is one ready notification.
type Event struct {
	UserData uint64
	Interest Interest
}

type registration struct {
	fd       int
	interest Interest
	userData uint64
}

// Reactor is the process-wide readiness loop.
type Reactor struct {
	mu      sync.Mutex
	running bool
	nodeID  uint64

	ListenTCPFD int
	ListenUDPFD int

	regs map[int]*registration
}

// New constructs a Reactor with no listening sockets registered yet; call
// Init to bind and register them, or Add registrations directly for tests.
func New() *Reactor {
	return &Reactor{
		ListenTCPFD: -1,
		ListenUDPFD: -1,
		regs:        make(map[int]*registration),
	}
}

// Init creates the listening TCP and UDP sockets on port, registers both
// with interest in readable, stores nodeID, and sets running to true. On
// any step failure it tears down partial state and returns the error.
func (r *Reactor) Init(port int, nodeID uint64, backlog int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tcpFD, err := netutil.ListenTCP(port, backlog)
	if err != nil {
		return fmt.Errorf("reactor: init: listen tcp: %w", err)
	}
	udpFD, err := netutil.BindUDP(port)
	if err != nil {
		_ = netutil.Close(tcpFD)
		return fmt.Errorf("reactor: init: bind udp: %w", err)
	}

	r.ListenTCPFD = tcpFD
	r.ListenUDPFD = udpFD
	r.regs[tcpFD] = &registration{fd: tcpFD, interest: InterestRead, userData: uint64(tcpFD)}
	r.regs[udpFD] = &registration{fd: udpFD, interest: InterestRead, userData: uint64(udpFD)}
	r.nodeID = nodeID
	r.running = true
	return nil
}

// Add registers fd with the requested interest and an opaque user_data
// value (typically the fd itself or an encoded connection slot).
func (r *Reactor) Add(fd int, interest Interest, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fd < 0 {
		return fmt.Errorf("reactor: add: %w: negative fd", omesherr.ErrInvalidArg)
	}
	r.regs[fd] = &registration{fd: fd, interest: interest, userData: userData}
	return nil
}

// Mod changes the registered interest for fd.
func (r *Reactor) Mod(fd int, interest Interest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[fd]
	if !ok {
		return fmt.Errorf("reactor: mod: %w: fd %d not registered", omesherr.ErrNotFound, fd)
	}
	reg.interest = interest
	return nil
}

// Del removes fd's registration.
func (r *Reactor) Del(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.regs, fd)
	return nil
}

// Wait blocks up to timeoutMs (-1 for infinite) and returns ready events.
// Interruption by a signal returns ErrInterrupted.
func (r *Reactor) Wait(timeoutMs int) ([]Event, error) {
	r.mu.Lock()
	pollFDs := make([]unix.PollFd, 0, len(r.regs))
	order := make([]int, 0, len(r.regs))
	for fd, reg := range r.regs {
		pollFDs = append(pollFDs, unix.PollFd{Fd: int32(fd), Events: reg.interest.toPollEvents()})
		order = append(order, fd)
	}
	r.mu.Unlock()

	n, err := unix.Poll(pollFDs, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, ErrInterrupted
		}
		return nil, fmt.Errorf("reactor: wait: %w: %v", omesherr.ErrIO, err)
	}
	if n == 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]Event, 0, n)
	for i, pfd := range pollFDs {
		if pfd.Revents == 0 {
			continue
		}
		reg, ok := r.regs[order[i]]
		if !ok {
			continue
		}
		events = append(events, Event{UserData: reg.userData, Interest: fromPollRevents(pfd.Revents)})
	}
	return events, nil
}

// Callback is invoked once per ready event, or once with interest 0 and
// idleUserData when a Wait times out with nothing ready, so callers get a
// chance to check time-based deadlines (e.g. router.Router.CheckTimeouts)
// even while the loop is otherwise idle. Returning true stops Run.
type Callback func(interest Interest, userData uint64) bool

// idleUserData is passed to Callback on an idle poll timeout. It never
// matches a real listening fd or pool slot (both are small non-negative
// ints), so callers that switch on userData fall through to their
// default/no-op case.
const idleUserData = ^uint64(0)

// Run is the cooperative single-threaded loop: while running, Wait with
// timeoutMs, invoke callback for each ready event (or once with interest 0
// on an idle timeout). An ErrInterrupted Wait is retried without limit; Run
// stops on any other Wait error, when callback signals stop, or after Stop.
func (r *Reactor) Run(timeoutMs int, cb Callback) error {
	for r.isRunning() {
		events, err := r.Wait(timeoutMs)
		if err != nil {
			if errors.Is(err, ErrInterrupted) {
				continue
			}
			return err
		}
		if len(events) == 0 {
			if cb(0, idleUserData) {
				r.Stop()
				return nil
			}
			continue
		}
		for _, ev := range events {
			if cb(ev.Interest, ev.UserData) {
				r.Stop()
				return nil
			}
		}
	}
	return nil
}

func (r *Reactor) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stop clears the running flag. Safe to call from any goroutine (e.g. a
// signal handler); Run observes it at the top of its next iteration.
func (r *Reactor) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
}

// NodeID returns the node id this reactor was initialized with.
func (r *Reactor) NodeID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodeID
}

// Close tears down the listening sockets and clears all registrations.
func (r *Reactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	if r.ListenTCPFD >= 0 {
		if err := netutil.Close(r.ListenTCPFD); err != nil && firstErr == nil {
			firstErr = err
		}
		r.ListenTCPFD = -1
	}
	if r.ListenUDPFD >= 0 {
		if err := netutil.Close(r.ListenUDPFD); err != nil && firstErr == nil {
			firstErr = err
		}
		r.ListenUDPFD = -1
	}
	r.regs = make(map[int]*registration)
	r.running = false
	return firstErr
}
