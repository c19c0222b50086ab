package nodestate

import "testing"

func TestNewAssignsNonZeroID(t *testing.T) {
	s := New(0)
	if s.ID() == 0 {
		t.Fatalf("New(0) assigned id 0")
	}
}

func TestNewHonorsExplicitID(t *testing.T) {
	s := New(42)
	if s.ID() != 42 {
		t.Fatalf("New(42).ID() = %d, want 42", s.ID())
	}
}

func TestCountersNeverUnderflow(t *testing.T) {
	s := New(1)
	s.DecDocCount()
	s.DecPeerCount()
	s.DecReplicaCount()
	if s.DocCount() != 0 || s.PeerCount() != 0 || s.ReplicaCount() != 0 {
		t.Fatalf("counters underflowed: doc=%d peer=%d replica=%d", s.DocCount(), s.PeerCount(), s.ReplicaCount())
	}

	s.IncDocCount()
	s.IncDocCount()
	s.DecDocCount()
	if s.DocCount() != 1 {
		t.Fatalf("DocCount = %d, want 1", s.DocCount())
	}
}

// S5 in spirit: query id generator never yields 0.
func TestGenerateQueryIDNeverZero(t *testing.T) {
	s := New(1)
	s.querySeq = ^uint32(0) // one below wraparound

	first := s.GenerateQueryID()
	if first == 0 {
		t.Fatalf("GenerateQueryID wrapped to 0")
	}
	second := s.GenerateQueryID()
	if second == 0 {
		t.Fatalf("GenerateQueryID returned 0 on second call")
	}
	if first == second {
		t.Fatalf("GenerateQueryID returned duplicate ids across wraparound: %d", first)
	}
}

func TestGenerateQueryIDMonotonic(t *testing.T) {
	s := New(1)
	prev := s.GenerateQueryID()
	for i := 0; i < 100; i++ {
		next := s.GenerateQueryID()
		if next != prev+1 {
			t.Fatalf("GenerateQueryID not monotonic: %d -> %d", prev, next)
		}
		prev = next
	}
}

func TestLifecycleTransitions(t *testing.T) {
	s := New(1)
	if s.GetState() != Init {
		t.Fatalf("initial state = %v, want Init", s.GetState())
	}
	s.SetState(Ready)
	if s.GetState() != Ready {
		t.Fatalf("state = %v, want Ready", s.GetState())
	}
}
