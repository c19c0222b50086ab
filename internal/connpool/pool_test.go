package connpool

import (
	"errors"
	"testing"

	"omesh/internal/omesherr"
)

func TestAllocFreeInvariant(t *testing.T) {
	p := New(4)

	slot, rec, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if !p.bitSet(slot) {
		t.Fatalf("bitmap bit not set for slot %d", slot)
	}
	if rec.State == StateFree {
		t.Fatalf("record state is FREE right after alloc")
	}
	if rec.TCPFD != -1 || rec.UDPFD != -1 {
		t.Fatalf("fresh record fds = %d/%d, want -1/-1", rec.TCPFD, rec.UDPFD)
	}

	if err := p.Free(slot); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if p.bitSet(slot) {
		t.Fatalf("bitmap bit still set for slot %d after free", slot)
	}
	got, _ := p.Get(slot)
	if got != nil {
		t.Fatalf("Get after free = %+v, want nil", got)
	}
}

func TestAllocExhausted(t *testing.T) {
	p := New(2)
	if _, _, err := p.Alloc(); err != nil {
		t.Fatalf("Alloc 1: %v", err)
	}
	if _, _, err := p.Alloc(); err != nil {
		t.Fatalf("Alloc 2: %v", err)
	}
	if _, _, err := p.Alloc(); !errors.Is(err, omesherr.ErrExhausted) {
		t.Fatalf("Alloc 3 = %v, want ErrExhausted", err)
	}
}

func TestFreeInvalidSlot(t *testing.T) {
	p := New(4)
	if err := p.Free(10); !errors.Is(err, omesherr.ErrInvalidArg) {
		t.Fatalf("Free out-of-range = %v, want ErrInvalidArg", err)
	}
	if err := p.Free(0); !errors.Is(err, omesherr.ErrInvalidArg) {
		t.Fatalf("Free never-allocated slot = %v, want ErrInvalidArg", err)
	}
}

func TestGetByFDAndNode(t *testing.T) {
	p := New(4)
	slot, rec, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	rec.TCPFD = 42
	rec.State = StateConnected
	rec.RemoteNode = 7

	if got, _, ok := p.GetByFD(42); !ok || got != slot {
		t.Fatalf("GetByFD(42) = %d,%v, want %d,true", got, ok, slot)
	}
	if got, _, ok := p.GetByNode(7); !ok || got != slot {
		t.Fatalf("GetByNode(7) = %d,%v, want %d,true", got, ok, slot)
	}
	if _, _, ok := p.GetByNode(99); ok {
		t.Fatalf("GetByNode(99) found a record, want none")
	}
}

func TestAllocLowestFreeSlot(t *testing.T) {
	p := New(4)
	s0, _, _ := p.Alloc()
	s1, _, _ := p.Alloc()
	if s1 != s0+1 {
		t.Fatalf("expected sequential slots, got %d then %d", s0, s1)
	}
	if err := p.Free(s0); err != nil {
		t.Fatalf("Free: %v", err)
	}
	s2, _, _ := p.Alloc()
	if s2 != s0 {
		t.Fatalf("Alloc after free = %d, want reused slot %d", s2, s0)
	}
}
