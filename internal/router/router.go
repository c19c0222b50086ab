// Package router implements the distributed query fan-out: one local
// search plus a broadcast to every connected peer, merged and finalized
// into a single ranked result set.
package router

import (
	"context"
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"omesh/internal/ftsindex"
	"omesh/internal/nodestate"
	"omesh/internal/omesherr"
	"omesh/internal/wire"
)

const (
	// MaxPending is the pending-query table capacity: 64 slots tracked by
	// one 64-bit allocation bitmap.
	MaxPending = 64

	// DefaultClusterMaxResults caps how many results a single query ever
	// returns, local or merged.
	DefaultClusterMaxResults = 100

	// mergeFactor over-allocates the per-slot merge buffer so post-sort
	// dedup can compact without blocking.
	mergeFactor = 4

	// DefaultQueryTimeout bounds how long a distributed query waits on
	// peer responses before check_timeouts forces a finalize.
	DefaultQueryTimeout = 3 * time.Second
)

// slotState is a pending query's lifecycle stage. Transitions are
// monotonic: Free -> Pending -> Collecting -> Done.
type slotState byte

const (
	slotFree slotState = iota
	slotPending
	slotCollecting
	slotDone
)

// Callback is invoked once a query finalizes, with its merged and capped
// results.
type Callback func(queryID uint32, hits []ftsindex.Hit)

type pendingSlot struct {
	queryID    uint32
	state      slotState
	expected   uint32
	received   uint32
	maxResults int
	buffer     []ftsindex.Hit
	callback   Callback
	deadline   time.Time
}

// Broadcaster abstracts peer fan-out so router stays decoupled from the
// connection/transport layer (internal/peermgr implements this).
type Broadcaster interface {
	PeerCount() int
	Broadcast(ctx context.Context, frame []byte) (sent int, err error)
}

// Router owns the pending-query table and drives local execution plus
// peer fan-out for distributed search.
type Router struct {
	mu     sync.Mutex
	slots  [MaxPending]pendingSlot
	bitmap uint64

	idx          *ftsindex.Index
	state        *nodestate.State
	broadcaster  Broadcaster
	clusterMax   int
	queryTimeout time.Duration
	tracer       trace.Tracer

	now func() time.Time
}

// New returns a Router over idx, bound to state for query-id generation
// and broadcaster for peer fan-out.
func New(idx *ftsindex.Index, state *nodestate.State, broadcaster Broadcaster) *Router {
	return &Router{
		idx:          idx,
		state:        state,
		broadcaster:  broadcaster,
		clusterMax:   DefaultClusterMaxResults,
		queryTimeout: DefaultQueryTimeout,
		tracer:       otel.Tracer("omesh/router"),
		now:          time.Now,
	}
}

// SetBroadcaster binds (or rebinds) the peer fan-out used by Search. Split
// from New so the composition root can construct Router and its
// Broadcaster (internal/peermgr.Manager, which itself depends on a
// Handlers built around this Router) in either order.
func (r *Router) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcaster = b
}

func bitSet(bitmap uint64, i int) bool  { return bitmap&(1<<uint(i)) != 0 }
func bitOn(bitmap uint64, i int) uint64 { return bitmap | (1 << uint(i)) }
func bitOff(bitmap uint64, i int) uint64 {
	return bitmap &^ (1 << uint(i))
}

// allocLocked finds the lowest clear bit (idiomatic equivalent of the
// spec's CLZ-on-complement search) and marks it allocated. Returns
// ErrExhausted if every slot is taken.
func (r *Router) allocLocked() (int, error) {
	free := ^r.bitmap
	if free == 0 {
		return 0, fmt.Errorf("router: alloc pending: %w", omesherr.ErrExhausted)
	}
	slot := bits.TrailingZeros64(free)
	r.bitmap = bitOn(r.bitmap, slot)
	r.slots[slot] = pendingSlot{}
	return slot, nil
}

// findLocked returns the slot index holding queryID, or -1.
func (r *Router) findLocked(queryID uint32) int {
	for i := 0; i < MaxPending; i++ {
		if bitSet(r.bitmap, i) && r.slots[i].queryID == queryID {
			return i
		}
	}
	return -1
}

// Free releases queryID's pending slot back to the table without running
// its callback. finalize already frees a slot once a query completes or
// times out; Free exists for an explicit early cancellation path. A no-op
// for an unknown query_id.
func (r *Router) Free(queryID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.findLocked(queryID); i >= 0 {
		r.slots[i] = pendingSlot{}
		r.bitmap = bitOff(r.bitmap, i)
	}
}

// ModeFromFlags maps a wire SEARCH frame's flags word to a query mode:
// bit 0 set selects AND semantics, clear selects OR.
func ModeFromFlags(flags uint32) ftsindex.Mode {
	if flags&1 != 0 {
		return ftsindex.ModeAND
	}
	return ftsindex.ModeOR
}

// CapResults clamps a requested result count to ceiling: non-positive or
// over-ceiling requests (including any value taken from an untrusted wire
// field) fall back to ceiling. Shared by Search and the peer-facing search
// handler so both fan-out paths enforce the same cluster cap.
func CapResults(maxResults, ceiling int) int {
	if maxResults <= 0 || maxResults > ceiling {
		return ceiling
	}
	return maxResults
}

// Search executes a local query and broadcasts a SEARCH frame to every
// connected peer, returning the query_id immediately (results arrive
// asynchronously via MergeResults / finalize, or via timeout).
func (r *Router) Search(ctx context.Context, queryStr string, maxResults int, mode ftsindex.Mode, cb Callback) (uint32, error) {
	if queryStr == "" {
		return 0, fmt.Errorf("router: search: %w: empty query", omesherr.ErrInvalidArg)
	}
	maxResults = CapResults(maxResults, r.clusterMax)

	ctx, span := r.tracer.Start(ctx, "omesh.router.search")
	defer span.End()

	peerCount := 0
	if r.broadcaster != nil {
		peerCount = r.broadcaster.PeerCount()
	}
	span.SetAttributes(attribute.Int("peer_count", peerCount), attribute.Int("max_results", maxResults))

	r.mu.Lock()
	slot, err := r.allocLocked()
	if err != nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("router: search: %w", omesherr.ErrAgain)
	}
	queryID := r.state.GenerateQueryID()
	r.slots[slot] = pendingSlot{
		queryID:    queryID,
		state:      slotPending,
		expected:   uint32(1 + peerCount),
		received:   1,
		maxResults: maxResults,
		buffer:     make([]ftsindex.Hit, 0, mergeFactor*r.clusterMax),
		callback:   cb,
		deadline:   r.now().Add(r.queryTimeout),
	}
	r.mu.Unlock()

	span.SetAttributes(attribute.Int64("query_id", int64(queryID)))

	// Local execution errors degrade to an empty local contribution; they
	// never abort the query.
	local := r.executeLocal(queryStr, maxResults, mode)

	r.mu.Lock()
	s := &r.slots[slot]
	if s.queryID == queryID {
		s.buffer = append(s.buffer, local...)
	}
	finalizeNow := s.queryID == queryID && s.received >= s.expected
	r.mu.Unlock()

	if finalizeNow {
		r.finalize(queryID)
	}

	if r.broadcaster != nil && peerCount > 0 {
		payload := wire.EncodeSearch(wire.SearchPayload{
			QueryID:    queryID,
			Flags:      uint32(mode),
			MaxResults: uint32(maxResults),
			Query:      queryStr,
		})
		frame, berr := wire.Build(wire.TypeSearch, r.state.ID(), 0, payload)
		if berr == nil {
			// Send errors do not abort the query; timeouts finalize it.
			_, _ = r.broadcaster.Broadcast(ctx, frame)
		}
	}

	return queryID, nil
}

func (r *Router) executeLocal(queryStr string, maxResults int, mode ftsindex.Mode) []ftsindex.Hit {
	q := r.idx.NewQuery(maxResults)
	q.Parse(queryStr, mode)
	q.Execute()
	hits := q.Results()
	out := make([]ftsindex.Hit, len(hits))
	copy(out, hits)
	return out
}

// MergeResults appends a peer's contribution to queryID's merge buffer and
// finalizes the query once every expected response has arrived.
func (r *Router) MergeResults(queryID uint32, hits []ftsindex.Hit) {
	r.mu.Lock()
	i := r.findLocked(queryID)
	if i < 0 || r.slots[i].state == slotDone {
		r.mu.Unlock()
		return
	}
	s := &r.slots[i]
	s.state = slotCollecting

	bufCap := mergeFactor * r.clusterMax
	room := bufCap - len(s.buffer)
	if room > 0 {
		if room > len(hits) {
			room = len(hits)
		}
		s.buffer = append(s.buffer, hits[:room]...)
	}
	s.received++
	shouldFinalize := s.received >= s.expected
	r.mu.Unlock()

	if shouldFinalize {
		r.finalize(queryID)
	}
}

// finalize sorts, dedups, and caps a query's merge buffer, invokes its
// callback, and frees the pending slot back to the 64-slot table.
// Idempotent past the first call for a given query_id: once freed, a
// later MergeResults/CheckTimeouts for the same query_id finds no slot
// and is a no-op.
func (r *Router) finalize(queryID uint32) {
	r.mu.Lock()
	i := r.findLocked(queryID)
	if i < 0 || r.slots[i].state == slotDone {
		r.mu.Unlock()
		return
	}
	s := &r.slots[i]
	s.state = slotDone

	sort.SliceStable(s.buffer, func(a, b int) bool { return s.buffer[a].Score > s.buffer[b].Score })

	seen := make(map[uint64]struct{}, len(s.buffer))
	deduped := s.buffer[:0]
	for _, h := range s.buffer {
		if _, ok := seen[h.DocID]; ok {
			continue
		}
		seen[h.DocID] = struct{}{}
		deduped = append(deduped, h)
		if len(deduped) >= s.maxResults {
			break
		}
	}
	s.buffer = deduped

	cb := s.callback
	results := make([]ftsindex.Hit, len(s.buffer))
	copy(results, s.buffer)

	r.slots[i] = pendingSlot{}
	r.bitmap = bitOff(r.bitmap, i)
	r.mu.Unlock()

	if cb != nil {
		cb(queryID, results)
	}
}

// CheckTimeouts finalizes every allocated, not-yet-done slot whose
// deadline has passed, returning the count force-finalized. Intended to
// be driven from the reactor loop or a periodic timer.
func (r *Router) CheckTimeouts() int {
	now := r.now()
	r.mu.Lock()
	var expired []uint32
	for i := 0; i < MaxPending; i++ {
		if !bitSet(r.bitmap, i) {
			continue
		}
		s := &r.slots[i]
		if s.state != slotDone && !s.deadline.After(now) {
			expired = append(expired, s.queryID)
		}
	}
	r.mu.Unlock()

	for _, qid := range expired {
		r.finalize(qid)
	}
	return len(expired)
}
