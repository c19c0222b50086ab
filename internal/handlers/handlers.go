// Package handlers dispatches validated wire frames to the node's
// per-message-type logic.
package handlers

import (
	"fmt"

	"omesh/internal/ftsindex"
	"omesh/internal/nodestate"
	"omesh/internal/omesherr"
	"omesh/internal/replication"
	"omesh/internal/router"
	"omesh/internal/wire"
)

// FrameWriter writes a fully built frame back to whatever connection the
// inbound frame was read from.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// Handlers wires the index, node state, ownership table, and router
// together to process inbound SEARCH/RESULTS/INDEX frames.
type Handlers struct {
	idx   *ftsindex.Index
	state *nodestate.State
	repl  *replication.Table
	rtr   *router.Router
}

// New returns a Handlers bound to the node's core singletons.
func New(idx *ftsindex.Index, state *nodestate.State, repl *replication.Table, rtr *router.Router) *Handlers {
	return &Handlers{idx: idx, state: state, repl: repl, rtr: rtr}
}

// Dispatch routes frame to the handler matching its type byte. Unknown
// types are dropped without error.
func (h *Handlers) Dispatch(w FrameWriter, frame []byte) error {
	switch wire.MsgType(frame) {
	case wire.TypeSearch:
		return h.handleSearch(w, frame)
	case wire.TypeResults:
		return h.handleResults(frame)
	case wire.TypeIndex:
		return h.handleIndex(frame)
	default:
		return nil
	}
}

// handleSearch runs the local query context named by an inbound SEARCH
// frame and writes a RESULTS frame back on the originating connection,
// including a zero-result frame so the requester's expected count is
// satisfied even when nothing matches.
func (h *Handlers) handleSearch(w FrameWriter, frame []byte) error {
	req, err := wire.DecodeSearch(wire.Payload(frame))
	if err != nil {
		return fmt.Errorf("handlers: handle search: %w", err)
	}

	// req.MaxResults is an untrusted wire field; clamp it to the same
	// cluster cap Search applies before running the local query, or a peer
	// could demand an arbitrarily large RESULTS frame.
	maxResults := router.CapResults(int(req.MaxResults), router.DefaultClusterMaxResults)
	q := h.idx.NewQuery(maxResults)
	q.Parse(req.Query, router.ModeFromFlags(req.Flags))
	q.Execute()
	hits := q.Results()

	entries := make([]wire.ResultEntry, len(hits))
	for i, hit := range hits {
		entries[i] = wire.ResultEntry{DocID: hit.DocID, Score: uint32(hit.Score)}
	}

	payload := wire.EncodeResults(wire.ResultsPayload{
		QueryID:      req.QueryID,
		TotalMatches: uint32(len(entries)),
		Entries:      entries,
	})
	resp, err := wire.Build(wire.TypeResults, h.state.ID(), wire.SrcNode(frame), payload)
	if err != nil {
		return fmt.Errorf("handlers: handle search: build response: %w", err)
	}
	return w.WriteFrame(resp)
}

// handleResults feeds a peer's RESULTS contribution into the router's
// pending-query merge.
func (h *Handlers) handleResults(frame []byte) error {
	resp, err := wire.DecodeResults(wire.Payload(frame))
	if err != nil {
		return fmt.Errorf("handlers: handle results: %w", err)
	}
	hits := make([]ftsindex.Hit, len(resp.Entries))
	for i, e := range resp.Entries {
		hits[i] = ftsindex.Hit{DocID: e.DocID, Score: uint64(e.Score)}
	}
	h.rtr.MergeResults(resp.QueryID, hits)
	return nil
}

// handleIndex applies an inbound INDEX PUT/DELETE: PUT adds the document
// to the local index and records this node as a replica (empty replica
// bitmap; a replica never propagates further); DELETE removes it.
// Unknown operations are rejected by wire.DecodeIndex itself.
func (h *Handlers) handleIndex(frame []byte) error {
	req, err := wire.DecodeIndex(wire.Payload(frame))
	if err != nil {
		return fmt.Errorf("handlers: handle index: %w", err)
	}

	switch req.Op {
	case wire.IndexOpPut:
		before := h.idx.DocCount()
		if _, err := h.idx.Add(req.DocID, req.DocData); err != nil {
			return fmt.Errorf("handlers: handle index put: %w", err)
		}
		if err := h.repl.RecordRemote(req.DocID, wire.SrcNode(frame)); err != nil {
			return fmt.Errorf("handlers: handle index put: record ownership: %w", err)
		}
		// Add replaces an existing doc_id in place without growing N;
		// only count it if it was genuinely new, or a repeated PUT would
		// inflate docCount.
		if h.idx.DocCount() > before {
			h.state.IncDocCount()
		}
		return nil
	case wire.IndexOpDelete:
		before := h.idx.DocCount()
		if err := h.idx.Remove(req.DocID); err != nil {
			return fmt.Errorf("handlers: handle index delete: %w", err)
		}
		if h.idx.DocCount() < before {
			h.state.DecDocCount()
		}
		return nil
	default:
		return fmt.Errorf("handlers: handle index: %w: unknown operation %d", omesherr.ErrInvalidArg, req.Op)
	}
}
