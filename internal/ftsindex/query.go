package ftsindex

import (
	"fmt"
	"sort"

	"omesh/internal/omesherr"
)

// Mode is the boolean combination mode for multi-term queries.
type Mode byte

const (
	// ModeOR (the default, flags byte 0 on the wire) sums term
	// contributions across documents found by any term.
	ModeOR Mode = iota
	// ModeAND requires a document to appear in every term's postings
	// list; its score still sums all matching terms' contributions.
	ModeAND
)

// Hit is one scored result.
type Hit struct {
	DocID uint64
	Score uint64
}

// Query is a scoped execution context for one search: parse terms, execute,
// read results by index, then free.
type Query struct {
	idx        *Index
	maxResults int
	mode       Mode
	terms      []string
	results    []Hit
}

// NewQuery allocates a context with a result cap of maxResults.
func (idx *Index) NewQuery(maxResults int) *Query {
	if maxResults <= 0 {
		maxResults = 1
	}
	return &Query{idx: idx, maxResults: maxResults}
}

// Parse tokenizes queryStr and resolves each token against the index's
// vocabulary, recording mode for Execute. Returns the number of accepted
// terms (tokens the tokenizer produced at all — unmatched vocabulary is
// still an accepted term with an empty postings list, not a parse
// rejection).
func (q *Query) Parse(queryStr string, mode Mode) int {
	q.mode = mode
	q.terms = Tokens([]byte(queryStr))
	return len(q.terms)
}

// Execute computes per-document TF-IDF scores across q.terms and orders
// results by descending score. Returns the result count.
func (q *Query) Execute() int {
	if len(q.terms) == 0 {
		q.results = nil
		return 0
	}

	// Collapse repeated query tokens: "foo foo" is one term, not two, so a
	// duplicate neither double-counts its score contribution nor inflates
	// the AND-mode match requirement.
	terms := make([]string, 0, len(q.terms))
	seen := make(map[string]struct{}, len(q.terms))
	for _, term := range q.terms {
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}

	n := q.idx.DocCount()
	scores := make(map[uint64]uint64)
	matchedTerms := make(map[uint64]int)

	for _, term := range terms {
		df := q.idx.DocumentFrequency(term)
		if df == 0 {
			continue
		}
		for doc, tf := range q.idx.postingsFor(term) {
			scores[doc] += tfidfScore(tf, uint32(df), n)
			matchedTerms[doc]++
		}
	}

	hits := make([]Hit, 0, len(scores))
	for doc, score := range scores {
		if q.mode == ModeAND && matchedTerms[doc] != len(terms) {
			continue
		}
		hits = append(hits, Hit{DocID: doc, Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > q.maxResults {
		hits = hits[:q.maxResults]
	}
	q.results = hits
	return len(q.results)
}

// GetResult returns the i-th result (0-indexed, in descending-score order).
func (q *Query) GetResult(i int) (docID uint64, score uint64, err error) {
	if i < 0 || i >= len(q.results) {
		return 0, 0, fmt.Errorf("ftsindex: get result: %w: index %d out of range (have %d)", omesherr.ErrInvalidArg, i, len(q.results))
	}
	return q.results[i].DocID, q.results[i].Score, nil
}

// Results returns every scored hit, already capped and ordered.
func (q *Query) Results() []Hit {
	return q.results
}

// Free releases the context. Go's GC reclaims it once unreferenced, so
// Free is a no-op kept for callers that pair NewQuery with an explicit
// release on every exit path.
func (q *Query) Free() {}
