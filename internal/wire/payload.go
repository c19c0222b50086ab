package wire

import (
	"encoding/binary"
	"fmt"

	"omesh/internal/omesherr"
)

// IndexOp is the operation code carried in an INDEX payload.
type IndexOp uint32

const (
	IndexOpPut    IndexOp = 1
	IndexOpDelete IndexOp = 2
)

// SearchPayload is the decoded body of a SEARCH (0x30) frame.
type SearchPayload struct {
	QueryID    uint32
	Flags      uint32
	MaxResults uint32
	Query      string
}

// EncodeSearch lays out a SEARCH payload: 0 query_id, 4 flags,
// 8 max_results, 12 query_len, 16 query bytes.
func EncodeSearch(p SearchPayload) []byte {
	q := []byte(p.Query)
	buf := make([]byte, 16+len(q))
	binary.LittleEndian.PutUint32(buf[0:4], p.QueryID)
	binary.LittleEndian.PutUint32(buf[4:8], p.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], p.MaxResults)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(q)))
	copy(buf[16:], q)
	return buf
}

// DecodeSearch parses a SEARCH payload, validating query_len against the
// payload's actual remaining length.
func DecodeSearch(payload []byte) (SearchPayload, error) {
	if len(payload) < 16 {
		return SearchPayload{}, fmt.Errorf("wire: decode search: %w: payload too short", omesherr.ErrInvalidArg)
	}
	qlen := binary.LittleEndian.Uint32(payload[12:16])
	if int(qlen) > len(payload)-16 {
		return SearchPayload{}, fmt.Errorf("wire: decode search: %w: query_len exceeds payload", omesherr.ErrInvalidArg)
	}
	return SearchPayload{
		QueryID:    binary.LittleEndian.Uint32(payload[0:4]),
		Flags:      binary.LittleEndian.Uint32(payload[4:8]),
		MaxResults: binary.LittleEndian.Uint32(payload[8:12]),
		Query:      string(payload[16 : 16+qlen]),
	}, nil
}

// ResultEntry is one (doc_id, score) pair inside a RESULTS payload. Flags
// is reserved for future per-result metadata; always 0 today.
type ResultEntry struct {
	DocID uint64
	Score uint32
	Flags uint32
}

// ResultsPayload is the decoded body of a RESULTS (0x31) frame.
type ResultsPayload struct {
	QueryID      uint32
	TotalMatches uint32
	Entries      []ResultEntry
}

const resultEntrySize = 16 // doc_id u64 + score u32 + flags u32

// EncodeResults lays out a RESULTS payload: 0 query_id, 4 result_count,
// 8 total_matches, 12 reserved, 16 entries[].
func EncodeResults(p ResultsPayload) []byte {
	buf := make([]byte, 16+len(p.Entries)*resultEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], p.QueryID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(p.Entries)))
	binary.LittleEndian.PutUint32(buf[8:12], p.TotalMatches)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	off := 16
	for _, e := range p.Entries {
		binary.LittleEndian.PutUint64(buf[off:off+8], e.DocID)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], e.Score)
		binary.LittleEndian.PutUint32(buf[off+12:off+16], e.Flags)
		off += resultEntrySize
	}
	return buf
}

// DecodeResults parses a RESULTS payload, validating that result_count
// entries actually fit within the payload.
func DecodeResults(payload []byte) (ResultsPayload, error) {
	if len(payload) < 16 {
		return ResultsPayload{}, fmt.Errorf("wire: decode results: %w: payload too short", omesherr.ErrInvalidArg)
	}
	count := binary.LittleEndian.Uint32(payload[4:8])
	need := 16 + int(count)*resultEntrySize
	if need > len(payload) {
		return ResultsPayload{}, fmt.Errorf("wire: decode results: %w: result_count exceeds payload", omesherr.ErrInvalidArg)
	}
	entries := make([]ResultEntry, count)
	off := 16
	for i := range entries {
		entries[i] = ResultEntry{
			DocID: binary.LittleEndian.Uint64(payload[off : off+8]),
			Score: binary.LittleEndian.Uint32(payload[off+8 : off+12]),
			Flags: binary.LittleEndian.Uint32(payload[off+12 : off+16]),
		}
		off += resultEntrySize
	}
	return ResultsPayload{
		QueryID:      binary.LittleEndian.Uint32(payload[0:4]),
		TotalMatches: binary.LittleEndian.Uint32(payload[8:12]),
		Entries:      entries,
	}, nil
}

// IndexPayload is the decoded body of an INDEX (0x32) frame.
type IndexPayload struct {
	DocID   uint64
	Op      IndexOp
	DocData []byte
}

// EncodeIndex lays out an INDEX payload: 0 doc_id, 8 operation,
// 12 doc_len, 16 doc_data.
func EncodeIndex(p IndexPayload) []byte {
	buf := make([]byte, 16+len(p.DocData))
	binary.LittleEndian.PutUint64(buf[0:8], p.DocID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Op))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(p.DocData)))
	copy(buf[16:], p.DocData)
	return buf
}

// DecodeIndex parses an INDEX payload, validating doc_len against the
// payload's actual remaining length.
func DecodeIndex(payload []byte) (IndexPayload, error) {
	if len(payload) < 16 {
		return IndexPayload{}, fmt.Errorf("wire: decode index: %w: payload too short", omesherr.ErrInvalidArg)
	}
	op := IndexOp(binary.LittleEndian.Uint32(payload[8:12]))
	docLen := binary.LittleEndian.Uint32(payload[12:16])
	if int(docLen) > len(payload)-16 {
		return IndexPayload{}, fmt.Errorf("wire: decode index: %w: doc_len exceeds payload", omesherr.ErrInvalidArg)
	}
	if op != IndexOpPut && op != IndexOpDelete {
		return IndexPayload{}, fmt.Errorf("wire: decode index: %w: unknown operation %d", omesherr.ErrInvalidArg, op)
	}
	data := make([]byte, docLen)
	copy(data, payload[16:16+docLen])
	return IndexPayload{
		DocID:   binary.LittleEndian.Uint64(payload[0:8]),
		Op:      op,
		DocData: data,
	}, nil
}
