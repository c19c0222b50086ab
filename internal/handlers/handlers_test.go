package handlers

import (
	"context"
	"testing"

	"omesh/internal/ftsindex"
	"omesh/internal/nodestate"
	"omesh/internal/replication"
	"omesh/internal/router"
	"omesh/internal/wire"
)

type capturingWriter struct {
	frames [][]byte
}

func (c *capturingWriter) WriteFrame(frame []byte) error {
	c.frames = append(c.frames, frame)
	return nil
}

type noopBroadcaster struct{}

func (noopBroadcaster) PeerCount() int                                       { return 0 }
func (noopBroadcaster) Broadcast(context.Context, []byte) (int, error) { return 0, nil }

func newTestHandlers(t *testing.T) (*Handlers, *ftsindex.Index, *nodestate.State) {
	t.Helper()
	idx, err := ftsindex.Open("")
	if err != nil {
		t.Fatalf("ftsindex.Open: %v", err)
	}
	state := nodestate.New(1)
	repl := replication.New(state.ID(), replication.DefaultMaxDocs, replication.DefaultReplicationFactor)
	rtr := router.New(idx, state, noopBroadcaster{})
	return New(idx, state, repl, rtr), idx, state
}

func buildSearchFrame(t *testing.T, src uint64, p wire.SearchPayload) []byte {
	t.Helper()
	frame, err := wire.Build(wire.TypeSearch, src, 0, wire.EncodeSearch(p))
	if err != nil {
		t.Fatalf("wire.Build(search): %v", err)
	}
	return frame
}

func TestHandleSearchWritesResultsFrame(t *testing.T) {
	h, idx, _ := newTestHandlers(t)
	if _, err := idx.Add(1, []byte("omesh search node")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	w := &capturingWriter{}
	frame := buildSearchFrame(t, 55, wire.SearchPayload{QueryID: 1, MaxResults: 10, Query: "search"})
	if err := h.Dispatch(w, frame); err != nil {
		t.Fatalf("Dispatch(search): %v", err)
	}
	if len(w.frames) != 1 {
		t.Fatalf("WriteFrame called %d times, want 1", len(w.frames))
	}
	if wire.MsgType(w.frames[0]) != wire.TypeResults {
		t.Fatalf("response type = %v, want TypeResults", wire.MsgType(w.frames[0]))
	}
	resp, err := wire.DecodeResults(wire.Payload(w.frames[0]))
	if err != nil {
		t.Fatalf("DecodeResults: %v", err)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].DocID != 1 {
		t.Fatalf("response entries = %+v, want one entry for doc 1", resp.Entries)
	}
}

func TestHandleSearchClampsOversizeMaxResults(t *testing.T) {
	h, idx, _ := newTestHandlers(t)
	// Index more matching documents than the cluster cap allows in one
	// response, then ask for effectively unbounded results.
	for doc := uint64(1); doc <= uint64(router.DefaultClusterMaxResults)+20; doc++ {
		if _, err := idx.Add(doc, []byte("common term")); err != nil {
			t.Fatalf("Add(%d): %v", doc, err)
		}
	}

	w := &capturingWriter{}
	frame := buildSearchFrame(t, 55, wire.SearchPayload{QueryID: 1, MaxResults: 0xFFFFFFFF, Query: "common"})
	if err := h.Dispatch(w, frame); err != nil {
		t.Fatalf("Dispatch(search): %v", err)
	}
	if len(w.frames) != 1 {
		t.Fatalf("WriteFrame called %d times, want 1", len(w.frames))
	}
	resp, err := wire.DecodeResults(wire.Payload(w.frames[0]))
	if err != nil {
		t.Fatalf("DecodeResults: %v", err)
	}
	if len(resp.Entries) != router.DefaultClusterMaxResults {
		t.Fatalf("response entries = %d, want clamped to %d", len(resp.Entries), router.DefaultClusterMaxResults)
	}
}

func TestHandleSearchZeroResultsStillWritesFrame(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	w := &capturingWriter{}
	frame := buildSearchFrame(t, 55, wire.SearchPayload{QueryID: 1, MaxResults: 10, Query: "nothing"})
	if err := h.Dispatch(w, frame); err != nil {
		t.Fatalf("Dispatch(search): %v", err)
	}
	if len(w.frames) != 1 {
		t.Fatalf("WriteFrame called %d times, want 1 (zero-result frame still required)", len(w.frames))
	}
}

func TestHandleIndexPutAddsDocument(t *testing.T) {
	h, idx, state := newTestHandlers(t)
	payload := wire.EncodeIndex(wire.IndexPayload{DocID: 7, Op: wire.IndexOpPut, DocData: []byte("new document")})
	frame, err := wire.Build(wire.TypeIndex, 2, 1, payload)
	if err != nil {
		t.Fatalf("wire.Build(index): %v", err)
	}
	if err := h.Dispatch(&capturingWriter{}, frame); err != nil {
		t.Fatalf("Dispatch(index put): %v", err)
	}
	if df := idx.DocumentFrequency("new"); df != 1 {
		t.Fatalf("DocumentFrequency(\"new\") = %d, want 1", df)
	}
	if got := state.DocCount(); got != 1 {
		t.Fatalf("DocCount() = %d, want 1", got)
	}
}

func TestHandleIndexDeleteRemovesDocument(t *testing.T) {
	h, idx, state := newTestHandlers(t)
	if _, err := idx.Add(7, []byte("doomed document")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	state.IncDocCount()

	payload := wire.EncodeIndex(wire.IndexPayload{DocID: 7, Op: wire.IndexOpDelete})
	frame, err := wire.Build(wire.TypeIndex, 2, 1, payload)
	if err != nil {
		t.Fatalf("wire.Build(index): %v", err)
	}
	if err := h.Dispatch(&capturingWriter{}, frame); err != nil {
		t.Fatalf("Dispatch(index delete): %v", err)
	}
	if df := idx.DocumentFrequency("doomed"); df != 0 {
		t.Fatalf("DocumentFrequency(\"doomed\") after delete = %d, want 0", df)
	}
	if got := state.DocCount(); got != 0 {
		t.Fatalf("DocCount() after delete = %d, want 0", got)
	}
}

func TestDispatchUnknownTypeIsDroppedWithoutError(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	frame, err := wire.Build(wire.TypePing, 1, 2, nil)
	if err != nil {
		t.Fatalf("wire.Build(ping): %v", err)
	}
	if err := h.Dispatch(&capturingWriter{}, frame); err != nil {
		t.Fatalf("Dispatch(ping) = %v, want nil (unknown types dropped silently)", err)
	}
}

func TestHandleResultsFeedsRouter(t *testing.T) {
	idx, err := ftsindex.Open("")
	if err != nil {
		t.Fatalf("ftsindex.Open: %v", err)
	}
	if _, err := idx.Add(1, []byte("local")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	state := nodestate.New(1)
	repl := replication.New(state.ID(), replication.DefaultMaxDocs, replication.DefaultReplicationFactor)
	b := &countingBroadcaster{peerCount: 1}
	rtr := router.New(idx, state, b)
	h := New(idx, state, repl, rtr)

	done := make(chan struct{})
	queryID, err := rtr.Search(context.Background(), "local", 10, ftsindex.ModeOR, func(uint32, []ftsindex.Hit) {
		close(done)
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	payload := wire.EncodeResults(wire.ResultsPayload{
		QueryID: queryID,
		Entries: []wire.ResultEntry{{DocID: 2, Score: 10}},
	})
	frame, err := wire.Build(wire.TypeResults, 3, state.ID(), payload)
	if err != nil {
		t.Fatalf("wire.Build(results): %v", err)
	}
	if err := h.Dispatch(&capturingWriter{}, frame); err != nil {
		t.Fatalf("Dispatch(results): %v", err)
	}
	<-done
}

type countingBroadcaster struct {
	peerCount int
}

func (c *countingBroadcaster) PeerCount() int { return c.peerCount }
func (c *countingBroadcaster) Broadcast(context.Context, []byte) (int, error) {
	return c.peerCount, nil
}
