// Package control is the one production entry point into a running node's
// distributed query engine: it accepts plain TCP connections from cmd/omesh
// on a loopback control address (derived from the mesh listen port) and
// drives internal/router.Search and internal/replication.Table.IndexDoc
// on their behalf, reusing the same SEARCH/INDEX/RESULTS frames and codec
// as the peer wire protocol (internal/wire). Framing on each connection
// follows the same read-header-then-payload shape as internal/peermgr's
// drainFrames, but
// control connections are one request/response each rather than a
// long-lived peer session, so they are served with plain blocking net.Conn
// I/O instead of the reactor.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"omesh/internal/ftsindex"
	"omesh/internal/nodestate"
	"omesh/internal/omesherr"
	"omesh/internal/replication"
	"omesh/internal/router"
	"omesh/internal/wire"
)

// DefaultControlPortOffset places the control listener one port above the
// node's mesh listen port.
const DefaultControlPortOffset = 1

// searchWaitSlack bounds how long the server waits for a distributed search
// to finalize beyond the router's own per-query timeout, guarding against a
// query whose pending slot was freed out from under it some other way.
const searchWaitSlack = 2 * time.Second

// Addr derives the loopback control address from the node's mesh listen
// port: cmd/omesh dials this to reach a running omeshd. A listenPort of 0
// (the same "let the OS choose" sentinel internal/reactor.Init accepts)
// maps to an ephemeral control port too, so tests that run a Node on an
// ephemeral mesh port never collide on a fixed control port.
func Addr(listenPort int) string {
	if listenPort == 0 {
		return "127.0.0.1:0"
	}
	return fmt.Sprintf("127.0.0.1:%d", listenPort+DefaultControlPortOffset)
}

// PeerBroadcaster is the subset of internal/peermgr.Manager the control
// server needs to fan out a locally-ingested document's INDEX PUT to its
// selected replicas.
type PeerBroadcaster interface {
	PeerCount() int
	SendToReplicas(replicas uint64, frame []byte) (sent int, err error)
}

// Server wires the node's core singletons into the control protocol.
type Server struct {
	idx   *ftsindex.Index
	state *nodestate.State
	repl  *replication.Table
	rtr   *router.Router
	peers PeerBroadcaster

	queryTimeout time.Duration
}

// NewServer returns a Server bound to a node's core singletons.
func NewServer(idx *ftsindex.Index, state *nodestate.State, repl *replication.Table, rtr *router.Router, peers PeerBroadcaster) *Server {
	return &Server{
		idx:          idx,
		state:        state,
		repl:         repl,
		rtr:          rtr,
		peers:        peers,
		queryTimeout: router.DefaultQueryTimeout,
	}
}

// ListenAndServe accepts control connections on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts control connections on an already-bound listener until ctx
// is canceled. Callers that need the actual bound address (tests, ephemeral
// ports) listen themselves and pass the listener here.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	frame, err := readFrame(conn)
	if err != nil {
		return
	}
	if err := wire.Validate(frame, len(frame)); err != nil {
		// Invalid control requests are dropped silently, matching the wire
		// protocol's own drop-don't-disconnect policy; here there is
		// nothing left to disconnect from but the one request.
		return
	}

	switch wire.MsgType(frame) {
	case wire.TypeSearch:
		s.handleSearch(conn, frame)
	case wire.TypeIndex:
		s.handleIndex(conn, frame)
	}
}

// handleSearch decodes an inbound SEARCH request, drives a full
// distributed Router.Search (local execution plus peer fan-out), and
// writes the finalized RESULTS frame back once the query completes or
// times out.
func (s *Server) handleSearch(conn net.Conn, frame []byte) {
	req, err := wire.DecodeSearch(wire.Payload(frame))
	if err != nil {
		return
	}

	done := make(chan struct{})
	_, err = s.rtr.Search(context.Background(), req.Query, int(req.MaxResults), router.ModeFromFlags(req.Flags), func(queryID uint32, hits []ftsindex.Hit) {
		defer close(done)

		entries := make([]wire.ResultEntry, len(hits))
		for i, h := range hits {
			entries[i] = wire.ResultEntry{DocID: h.DocID, Score: uint32(h.Score)}
		}
		payload := wire.EncodeResults(wire.ResultsPayload{
			QueryID:      queryID,
			TotalMatches: uint32(len(entries)),
			Entries:      entries,
		})
		resp, berr := wire.Build(wire.TypeResults, s.state.ID(), 0, payload)
		if berr != nil {
			return
		}
		_, _ = conn.Write(resp)
	})
	if err != nil {
		return
	}

	select {
	case <-done:
	case <-time.After(s.queryTimeout + searchWaitSlack):
	}
}

// handleIndex applies an inbound INDEX PUT as a local ingest: it records
// ownership (self as primary, replicas selected by
// replication.Table.IndexDoc), adds the document to the index, and
// broadcasts an INDEX PUT to the selected replicas; local indexing is
// committed regardless of whether the replica broadcast succeeds. Replies
// with an empty INDEX ack frame on success.
func (s *Server) handleIndex(conn net.Conn, frame []byte) {
	req, err := wire.DecodeIndex(wire.Payload(frame))
	if err != nil {
		return
	}
	if req.Op != wire.IndexOpPut {
		return
	}

	peerCount := 0
	if s.peers != nil {
		peerCount = s.peers.PeerCount()
	}

	replicas, err := s.repl.IndexDoc(req.DocID, peerCount)
	if err != nil {
		return
	}
	before := s.idx.DocCount()
	if _, err := s.idx.Add(req.DocID, req.DocData); err != nil {
		return
	}
	// Add replaces an existing doc_id in place without growing N; only
	// count it if it was genuinely new, or re-ingesting the same doc_id
	// would inflate docCount.
	if s.idx.DocCount() > before {
		s.state.IncDocCount()
	}

	if s.peers != nil && replicas != 0 {
		payload := wire.EncodeIndex(wire.IndexPayload{DocID: req.DocID, Op: wire.IndexOpPut, DocData: req.DocData})
		if putFrame, berr := wire.Build(wire.TypeIndex, s.state.ID(), 0, payload); berr == nil {
			_, _ = s.peers.SendToReplicas(replicas, putFrame)
		}
	}

	ack, err := wire.Build(wire.TypeIndex, s.state.ID(), 0, nil)
	if err != nil {
		return
	}
	_, _ = conn.Write(ack)
}

// Client dials a running node's control listener to drive a distributed
// search or ingest a document, from cmd/omesh.
type Client struct {
	addr   string
	dialer net.Dialer
}

// NewClient returns a Client that dials addr (see Addr) on every call.
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// Search runs a distributed query against the node listening at c.addr and
// returns its merged, deduplicated, score-sorted hits.
func (c *Client) Search(ctx context.Context, query string, maxResults int, mode ftsindex.Mode) ([]ftsindex.Hit, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	payload := wire.EncodeSearch(wire.SearchPayload{
		Flags:      uint32(mode),
		MaxResults: uint32(maxResults),
		Query:      query,
	})
	req, err := wire.Build(wire.TypeSearch, 0, 0, payload)
	if err != nil {
		return nil, fmt.Errorf("control: build search request: %w", err)
	}
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("control: search: write request: %w", err)
	}

	resp, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("control: search: read response: %w", err)
	}
	if err := wire.Validate(resp, len(resp)); err != nil {
		return nil, fmt.Errorf("control: search: %w", err)
	}
	if wire.MsgType(resp) != wire.TypeResults {
		return nil, fmt.Errorf("control: search: %w: unexpected response type %s", omesherr.ErrInvalidArg, wire.MsgType(resp))
	}

	results, err := wire.DecodeResults(wire.Payload(resp))
	if err != nil {
		return nil, fmt.Errorf("control: search: %w", err)
	}
	hits := make([]ftsindex.Hit, len(results.Entries))
	for i, e := range results.Entries {
		hits[i] = ftsindex.Hit{DocID: e.DocID, Score: uint64(e.Score)}
	}
	return hits, nil
}

// Ingest adds a document to the node listening at c.addr, recording
// ownership and fanning out replicas server-side (replication.Table.IndexDoc).
func (c *Client) Ingest(ctx context.Context, docID uint64, content []byte) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	payload := wire.EncodeIndex(wire.IndexPayload{DocID: docID, Op: wire.IndexOpPut, DocData: content})
	req, err := wire.Build(wire.TypeIndex, 0, 0, payload)
	if err != nil {
		return fmt.Errorf("control: build ingest request: %w", err)
	}
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("control: ingest: write request: %w", err)
	}

	resp, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("control: ingest: read ack: %w", err)
	}
	if err := wire.Validate(resp, len(resp)); err != nil {
		return fmt.Errorf("control: ingest: %w", err)
	}
	if wire.MsgType(resp) != wire.TypeIndex {
		return fmt.Errorf("control: ingest: %w: unexpected ack type %s", omesherr.ErrInvalidArg, wire.MsgType(resp))
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", c.addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	return conn, nil
}

// readFrame reads one complete wire frame (header, then its declared
// payload length) from conn.
func readFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, wire.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	length := wire.Length(header)
	frame := make([]byte, wire.HeaderSize+int(length))
	copy(frame, header)
	if length > 0 {
		if _, err := io.ReadFull(conn, frame[wire.HeaderSize:]); err != nil {
			return nil, err
		}
	}
	return frame, nil
}
