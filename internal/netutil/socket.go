//go:build unix

// Package netutil is the socket facade: thin wrappers over raw TCP/UDP
// syscalls used by the reactor and peer manager. Errors propagate as
// wrapped omesherr.ErrIO values carrying the underlying errno.
package netutil

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"omesh/internal/omesherr"
)

func ioErr(op string, err error) error {
	return fmt.Errorf("netutil: %s: %w: %v", op, omesherr.ErrIO, err)
}

// ListenTCP creates a non-blocking IPv4 TCP socket, sets SO_REUSEADDR,
// binds to 0.0.0.0:port, and starts listening with the given backlog.
func ListenTCP(port int, backlog int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, ioErr("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, ioErr("setsockopt(SO_REUSEADDR)", err)
	}
	addr := unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, &addr); err != nil {
		_ = unix.Close(fd)
		return -1, ioErr("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, ioErr("listen", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, ioErr("set nonblock", err)
	}
	return fd, nil
}

// BindUDP creates a non-blocking IPv4 UDP socket bound to 0.0.0.0:port.
func BindUDP(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, ioErr("socket", err)
	}
	addr := unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, &addr); err != nil {
		_ = unix.Close(fd)
		return -1, ioErr("bind", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, ioErr("set nonblock", err)
	}
	return fd, nil
}

// Accept performs a non-blocking accept on a listening fd. Returns
// omesherr.ErrAgain when no connection is pending.
func Accept(listenFD int) (int, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept(listenFD)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, nil, omesherr.ErrAgain
		}
		return -1, nil, ioErr("accept", err)
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, nil, ioErr("set nonblock", err)
	}
	return nfd, sa, nil
}

// DialTCP creates a non-blocking TCP socket and initiates a connection to
// addr:port. A typical result is omesherr.ErrAgain (EINPROGRESS); the
// caller polls for writability and then calls SocketError.
func DialTCP(addr [4]byte, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, ioErr("socket", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, ioErr("set nonblock", err)
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	if err := unix.Connect(fd, sa); err != nil {
		if err == unix.EINPROGRESS {
			return fd, omesherr.ErrAgain
		}
		_ = unix.Close(fd)
		return -1, ioErr("connect", err)
	}
	return fd, nil
}

// TuneTCP applies post-accept/connect socket tuning: TCP_NODELAY and
// SO_KEEPALIVE.
func TuneTCP(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return ioErr("setsockopt(TCP_NODELAY)", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return ioErr("setsockopt(SO_KEEPALIVE)", err)
	}
	return nil
}

// SetBuffers tunes SO_RCVBUF/SO_SNDBUF; used to size the peer manager's
// scratch buffers appropriately for the platform's socket buffers.
func SetBuffers(fd int, rcvBuf, sndBuf int) error {
	if rcvBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBuf); err != nil {
			return ioErr("setsockopt(SO_RCVBUF)", err)
		}
	}
	if sndBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sndBuf); err != nil {
			return ioErr("setsockopt(SO_SNDBUF)", err)
		}
	}
	return nil
}

// SocketError reads SO_ERROR, used to finish an asynchronous connect once
// the fd reports writable.
func SocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return ioErr("getsockopt(SO_ERROR)", err)
	}
	if errno != 0 {
		return ioErr("connect", syscall.Errno(errno))
	}
	return nil
}

// Recv performs a non-blocking read into buf.
func Recv(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, omesherr.ErrAgain
		}
		return 0, ioErr("read", err)
	}
	if n == 0 {
		return 0, omesherr.ErrReset
	}
	return n, nil
}

// Send performs a non-blocking write of buf.
func Send(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, omesherr.ErrAgain
		}
		return 0, ioErr("write", err)
	}
	return n, nil
}

// Close closes fd, ignoring EBADF (already closed).
func Close(fd int) error {
	if fd < 0 {
		return nil
	}
	if err := unix.Close(fd); err != nil && err != unix.EBADF {
		return ioErr("close", err)
	}
	return nil
}

// SockaddrToIP4Port converts a unix.Sockaddr (as returned by Accept) into a
// net.IP and port, for storage on a connection record / logging.
func SockaddrToIP4Port(sa unix.Sockaddr) (net.IP, int) {
	if v4, ok := sa.(*unix.SockaddrInet4); ok {
		ip := make(net.IP, 4)
		copy(ip, v4.Addr[:])
		return ip, v4.Port
	}
	return nil, 0
}

// ParseIPv4 converts a dotted-quad or DNS-resolved net.IP into the 4-byte
// array DialTCP expects.
func ParseIPv4(ip net.IP) ([4]byte, error) {
	v4 := ip.To4()
	if v4 == nil {
		return [4]byte{}, fmt.Errorf("netutil: %w: not an IPv4 address: %v", omesherr.ErrInvalidArg, ip)
	}
	var out [4]byte
	copy(out[:], v4)
	return out, nil
}
