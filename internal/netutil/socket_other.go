//go:build !unix

package netutil

import (
	"fmt"
	"net"

	"omesh/internal/omesherr"
)

var errUnsupported = fmt.Errorf("netutil: %w: raw socket facade requires a unix platform", omesherr.ErrIO)

func ListenTCP(port int, backlog int) (int, error) { return -1, errUnsupported }
func BindUDP(port int) (int, error)                 { return -1, errUnsupported }
func Accept(listenFD int) (int, any, error)         { return -1, nil, errUnsupported }
func DialTCP(addr [4]byte, port int) (int, error)   { return -1, errUnsupported }
func TuneTCP(fd int) error                          { return errUnsupported }
func SetBuffers(fd int, rcvBuf, sndBuf int) error   { return errUnsupported }
func SocketError(fd int) error                      { return errUnsupported }
func Recv(fd int, buf []byte) (int, error)          { return 0, errUnsupported }
func Send(fd int, buf []byte) (int, error)          { return 0, errUnsupported }
func Close(fd int) error                            { return nil }
func SockaddrToIP4Port(sa any) (net.IP, int)        { return nil, 0 }
func ParseIPv4(ip net.IP) ([4]byte, error)          { return [4]byte{}, errUnsupported }
