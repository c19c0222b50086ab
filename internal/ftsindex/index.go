package ftsindex

import (
	"fmt"
	"sync"

	"omesh/internal/omesherr"
)

// Index is the in-memory inverted index: term -> doc_id -> term-frequency,
// plus the global document count.
type Index struct {
	mu sync.RWMutex

	postings map[string]map[uint64]uint32 // term -> doc_id -> tf
	docTerms map[uint64]map[string]uint32 // doc_id -> term -> tf (for Remove/replace)
	n        uint64

	store *sqliteStore // nil if opened without persistence
}

// Open opens a directory-rooted index store at dir and loads any
// previously checkpointed index. Pass "" for an in-memory-only index
// (used by tests).
func Open(dir string) (*Index, error) {
	idx := &Index{
		postings: make(map[string]map[uint64]uint32),
		docTerms: make(map[uint64]map[string]uint32),
	}
	if dir == "" {
		return idx, nil
	}

	store, err := openSQLiteStore(dir)
	if err != nil {
		return nil, fmt.Errorf("ftsindex: open: %w", err)
	}
	idx.store = store

	if err := store.load(idx); err != nil {
		_ = store.close()
		return nil, fmt.Errorf("ftsindex: load: %w", err)
	}
	return idx, nil
}

// Close checkpoints the index back to its directory (if persistent) and
// releases the underlying store.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.store == nil {
		return nil
	}
	if err := idx.store.save(idx); err != nil {
		return fmt.Errorf("ftsindex: close: save: %w", err)
	}
	return idx.store.close()
}

// DocCount returns the global document count N.
func (idx *Index) DocCount() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.n
}

// DocumentFrequency returns df for a term (0 if the term has never been
// indexed).
func (idx *Index) DocumentFrequency(term string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.postings[term])
}

// Add tokenizes content, accumulates per-token term frequencies for docID,
// and inserts them into the postings map. A doc_id already present is
// replaced in full (its previous contribution is removed first), so
// re-ingesting a document updates it rather than double-counting it.
// Returns the number of unique terms indexed for this document.
func (idx *Index) Add(docID uint64, content []byte) (int, error) {
	if docID == 0 {
		return 0, fmt.Errorf("ftsindex: add: %w: doc_id must be non-zero", omesherr.ErrInvalidArg)
	}

	freqs := make(map[string]uint32)
	for _, term := range Tokens(content) {
		freqs[term]++
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	wasPresent := idx.docTerms[docID] != nil
	if wasPresent {
		idx.removeLocked(docID)
	}

	for term, tf := range freqs {
		bucket := idx.postings[term]
		if bucket == nil {
			bucket = make(map[uint64]uint32)
			idx.postings[term] = bucket
		}
		bucket[docID] = tf
	}
	idx.docTerms[docID] = freqs
	if !wasPresent {
		idx.n++
	}

	return len(freqs), nil
}

// Remove decrements postings and document-frequency entries for docID and
// decrements the global count. A no-op for an unknown doc_id.
func (idx *Index) Remove(docID uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.docTerms[docID] == nil {
		return nil
	}
	idx.removeLocked(docID)
	if idx.n > 0 {
		idx.n--
	}
	return nil
}

// removeLocked strips docID's postings contribution without touching N;
// callers adjust N themselves (Add skips the decrement on replace).
func (idx *Index) removeLocked(docID uint64) {
	for term := range idx.docTerms[docID] {
		bucket := idx.postings[term]
		delete(bucket, docID)
		if len(bucket) == 0 {
			delete(idx.postings, term)
		}
	}
	delete(idx.docTerms, docID)
}

// postingsFor returns a snapshot of the (doc_id, tf) pairs for term.
func (idx *Index) postingsFor(term string) map[uint64]uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	bucket := idx.postings[term]
	out := make(map[uint64]uint32, len(bucket))
	for doc, tf := range bucket {
		out[doc] = tf
	}
	return out
}
