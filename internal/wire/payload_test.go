package wire

import (
	"errors"
	"reflect"
	"testing"

	"omesh/internal/omesherr"
)

func TestSearchPayloadRoundTrip(t *testing.T) {
	want := SearchPayload{QueryID: 7, Flags: 1, MaxResults: 20, Query: "full text search"}
	got, err := DecodeSearch(EncodeSearch(want))
	if err != nil {
		t.Fatalf("DecodeSearch: %v", err)
	}
	if got != want {
		t.Fatalf("DecodeSearch(EncodeSearch(p)) = %+v, want %+v", got, want)
	}
}

func TestDecodeSearchRejectsOversizeQueryLen(t *testing.T) {
	buf := EncodeSearch(SearchPayload{QueryID: 1, Query: "hi"})
	buf[12] = 0xFF // corrupt query_len to something absurd
	if _, err := DecodeSearch(buf); !errors.Is(err, omesherr.ErrInvalidArg) {
		t.Fatalf("DecodeSearch(corrupt query_len) error = %v, want ErrInvalidArg", err)
	}
}

func TestResultsPayloadRoundTrip(t *testing.T) {
	want := ResultsPayload{
		QueryID:      42,
		TotalMatches: 2,
		Entries: []ResultEntry{
			{DocID: 1, Score: 256},
			{DocID: 2, Score: 512},
		},
	}
	got, err := DecodeResults(EncodeResults(want))
	if err != nil {
		t.Fatalf("DecodeResults: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DecodeResults(EncodeResults(p)) = %+v, want %+v", got, want)
	}
}

func TestDecodeResultsRejectsOverflowCount(t *testing.T) {
	buf := EncodeResults(ResultsPayload{QueryID: 1})
	// Claim 1000 entries in a payload with room for zero.
	buf[4] = 0xE8
	buf[5] = 0x03
	if _, err := DecodeResults(buf); !errors.Is(err, omesherr.ErrInvalidArg) {
		t.Fatalf("DecodeResults(overflow count) error = %v, want ErrInvalidArg", err)
	}
}

func TestIndexPayloadRoundTrip(t *testing.T) {
	want := IndexPayload{DocID: 99, Op: IndexOpPut, DocData: []byte("hello world")}
	got, err := DecodeIndex(EncodeIndex(want))
	if err != nil {
		t.Fatalf("DecodeIndex: %v", err)
	}
	if got.DocID != want.DocID || got.Op != want.Op || string(got.DocData) != string(want.DocData) {
		t.Fatalf("DecodeIndex(EncodeIndex(p)) = %+v, want %+v", got, want)
	}
}

func TestDecodeIndexRejectsUnknownOperation(t *testing.T) {
	buf := EncodeIndex(IndexPayload{DocID: 1, Op: IndexOpPut})
	buf[8] = 99 // unknown op code
	if _, err := DecodeIndex(buf); !errors.Is(err, omesherr.ErrInvalidArg) {
		t.Fatalf("DecodeIndex(unknown op) error = %v, want ErrInvalidArg", err)
	}
}

func TestDecodeIndexRejectsOversizeDocLen(t *testing.T) {
	buf := EncodeIndex(IndexPayload{DocID: 1, Op: IndexOpDelete})
	buf[12] = 0xFF
	if _, err := DecodeIndex(buf); !errors.Is(err, omesherr.ErrInvalidArg) {
		t.Fatalf("DecodeIndex(corrupt doc_len) error = %v, want ErrInvalidArg", err)
	}
}
