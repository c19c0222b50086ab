// Package replication tracks which node owns each indexed document and
// selects replica peers for it.
package replication

import (
	"fmt"
	"math/bits"
	"sync"

	"omesh/internal/omesherr"
)

// DefaultMaxDocs is the ownership table capacity. A linear scan over this
// many entries is cheap; a hash map keyed by doc_id becomes worthwhile
// only well past this size.
const DefaultMaxDocs = 4096

// DefaultReplicationFactor bounds the number of replica peers per document.
const DefaultReplicationFactor = 3

// entry is one ownership record. A zero DocID marks an empty (reusable) slot.
type entry struct {
	DocID    uint64
	Primary  uint64
	Replicas uint64 // bitmap: bit i == the i-th connected peer (ascending slot order) holds a replica
}

// Table is the append-only-until-cleared ownership table plus peer
// selection logic.
type Table struct {
	mu                sync.RWMutex
	entries           []entry
	maxDocs           int
	replicationFactor int
	selfNode          uint64
}

// New returns a Table with the given capacity and replication factor,
// scoped to selfNode (the owning node's own ID, recorded as Primary on
// local inserts).
func New(selfNode uint64, maxDocs, replicationFactor int) *Table {
	if maxDocs <= 0 {
		maxDocs = DefaultMaxDocs
	}
	if replicationFactor <= 0 {
		replicationFactor = DefaultReplicationFactor
	}
	return &Table{
		entries:           make([]entry, 0, maxDocs),
		maxDocs:           maxDocs,
		replicationFactor: replicationFactor,
		selfNode:          selfNode,
	}
}

// findLocked returns the index of docID's entry, or -1.
func (t *Table) findLocked(docID uint64) int {
	for i := range t.entries {
		if t.entries[i].DocID == docID {
			return i
		}
	}
	return -1
}

// allocLocked returns the existing entry index for docID, or appends a
// fresh one. Returns ErrExhausted at capacity.
func (t *Table) allocLocked(docID uint64) (int, error) {
	if i := t.findLocked(docID); i >= 0 {
		return i, nil
	}
	// Reuse a cleared (zeroed DocID) slot before growing.
	for i := range t.entries {
		if t.entries[i].DocID == 0 {
			return i, nil
		}
	}
	if len(t.entries) >= t.maxDocs {
		return 0, fmt.Errorf("replication: alloc ownership: %w", omesherr.ErrExhausted)
	}
	t.entries = append(t.entries, entry{})
	return len(t.entries) - 1, nil
}

// SelectPeers produces a bitmap with at most replicationFactor bits set,
// each bit i chosen by (docID >> (8*i)) mod peerCount, for i =
// 0..replicationFactor-1. peerCount == 0 yields an empty bitmap. The
// selection is a pure function of its inputs.
func (t *Table) SelectPeers(docID uint64, peerCount int) uint64 {
	if peerCount <= 0 {
		return 0
	}
	var mask uint64
	for i := 0; i < t.replicationFactor; i++ {
		shift := uint(8 * i)
		if shift >= 64 {
			break
		}
		bit := (docID >> shift) % uint64(peerCount)
		mask |= 1 << bit
	}
	return mask
}

// IndexDoc records ownership for docID: self as primary, replicas selected
// by SelectPeers(docID, peerCount). Returns the selected replica bitmap so
// the caller can fan out an INDEX PUT to those peers.
func (t *Table) IndexDoc(docID uint64, peerCount int) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, err := t.allocLocked(docID)
	if err != nil {
		return 0, err
	}
	replicas := t.SelectPeers(docID, peerCount)
	t.entries[i] = entry{DocID: docID, Primary: t.selfNode, Replicas: replicas}
	return replicas, nil
}

// RecordRemote records docID as owned by primary (some other node) with an
// empty replica bitmap — this node itself holds a replica, but does not
// select further peers for it. Used on an inbound INDEX PUT, where the
// primary is the message's src_node rather than selfNode.
func (t *Table) RecordRemote(docID, primary uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, err := t.allocLocked(docID)
	if err != nil {
		return err
	}
	t.entries[i] = entry{DocID: docID, Primary: primary, Replicas: 0}
	return nil
}

// DeleteDoc clears docID's ownership entry, returning its former replica
// bitmap so the caller can build a DELETE INDEX fan-out. A no-op (zero
// bitmap, ErrNotFound) for an unknown doc_id.
func (t *Table) DeleteDoc(docID uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.findLocked(docID)
	if i < 0 {
		return 0, fmt.Errorf("replication: delete doc: %w", omesherr.ErrNotFound)
	}
	replicas := t.entries[i].Replicas
	t.entries[i] = entry{}
	return replicas, nil
}

// GetPrimary returns the primary node ID for docID.
func (t *Table) GetPrimary(docID uint64) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i := t.findLocked(docID)
	if i < 0 {
		return 0, fmt.Errorf("replication: get primary: %w", omesherr.ErrNotFound)
	}
	return t.entries[i].Primary, nil
}

// GetReplicas returns the replica bitmap for docID.
func (t *Table) GetReplicas(docID uint64) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i := t.findLocked(docID)
	if i < 0 {
		return 0, fmt.Errorf("replication: get replicas: %w", omesherr.ErrNotFound)
	}
	return t.entries[i].Replicas, nil
}

// IsPrimary reports whether selfNode is recorded as the primary for docID.
func (t *Table) IsPrimary(docID uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i := t.findLocked(docID)
	return i >= 0 && t.entries[i].Primary == t.selfNode
}

// OwnershipCount returns the number of live (non-cleared) ownership entries.
func (t *Table) OwnershipCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for i := range t.entries {
		if t.entries[i].DocID != 0 {
			n++
		}
	}
	return n
}

// popcount reports how many replica bits a bitmap has set.
func popcount(mask uint64) int {
	return bits.OnesCount64(mask)
}
