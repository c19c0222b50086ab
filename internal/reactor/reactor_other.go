//go:build !unix

package reactor

import (
	"fmt"

	"omesh/internal/omesherr"
)

var errUnsupported = fmt.Errorf("reactor: %w: readiness multiplexer requires a unix platform", omesherr.ErrIO)

type Interest uint32

const (
	InterestRead Interest = 1 << iota
	InterestWrite
	InterestError
	InterestHangup
)

type Event struct {
	UserData uint64
	Interest Interest
}

type Callback func(interest Interest, userData uint64) bool

type Reactor struct {
	ListenTCPFD int
	ListenUDPFD int
}

func New() *Reactor { return &Reactor{ListenTCPFD: -1, ListenUDPFD: -1} }

func (r *Reactor) Init(port int, nodeID uint64, backlog int) error { return errUnsupported }
func (r *Reactor) Add(fd int, interest Interest, userData uint64) error { return errUnsupported }
func (r *Reactor) Mod(fd int, interest Interest) error                  { return errUnsupported }
func (r *Reactor) Del(fd int) error                                     { return nil }
func (r *Reactor) Wait(timeoutMs int) ([]Event, error)                  { return nil, errUnsupported }
func (r *Reactor) Run(timeoutMs int, cb Callback) error                 { return errUnsupported }
func (r *Reactor) Stop()                                                {}
func (r *Reactor) NodeID() uint64                                       { return 0 }
func (r *Reactor) Close() error                                         { return nil }
