package ftsindex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"
)

// sqliteStore is the durable snapshot backing an Index, rooted at a
// directory chosen by the caller of Open. It uses modernc.org/sqlite
// (pure Go, no cgo) rather than a bespoke binary snapshot format.
type sqliteStore struct {
	db *sql.DB
}

func openSQLiteStore(dir string) (*sqliteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS terms (
			term   TEXT    NOT NULL,
			doc_id INTEGER NOT NULL,
			tf     INTEGER NOT NULL,
			PRIMARY KEY (term, doc_id)
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create terms table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS docs (
			doc_id INTEGER PRIMARY KEY
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create docs table: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

// load rebuilds idx's in-memory state from durable storage. docs is
// queried first and seeds an empty docTerms entry for every known doc_id,
// including one whose content tokenized to zero terms and so has no rows
// in terms — otherwise such a document would vanish from docTerms across
// a close/reopen, and a later Add for the same doc_id would be mistaken
// for new rather than a replace, double-counting it in idx.n.
func (s *sqliteStore) load(idx *Index) error {
	docRows, err := s.db.Query(`SELECT doc_id FROM docs`)
	if err != nil {
		return fmt.Errorf("query docs: %w", err)
	}
	for docRows.Next() {
		var docID uint64
		if err := docRows.Scan(&docID); err != nil {
			docRows.Close()
			return fmt.Errorf("scan doc row: %w", err)
		}
		idx.docTerms[docID] = make(map[string]uint32)
	}
	if err := docRows.Err(); err != nil {
		docRows.Close()
		return fmt.Errorf("iterate doc rows: %w", err)
	}
	docRows.Close()

	rows, err := s.db.Query(`SELECT term, doc_id, tf FROM terms`)
	if err != nil {
		return fmt.Errorf("query terms: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var term string
		var docID uint64
		var tf uint32
		if err := rows.Scan(&term, &docID, &tf); err != nil {
			return fmt.Errorf("scan term row: %w", err)
		}
		bucket := idx.postings[term]
		if bucket == nil {
			bucket = make(map[uint64]uint32)
			idx.postings[term] = bucket
		}
		bucket[docID] = tf

		if idx.docTerms[docID] == nil {
			idx.docTerms[docID] = make(map[string]uint32)
		}
		idx.docTerms[docID][term] = tf
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate term rows: %w", err)
	}

	var docCountStr string
	err = s.db.QueryRow(`SELECT value FROM meta WHERE key = 'doc_count'`).Scan(&docCountStr)
	switch {
	case err == sql.ErrNoRows:
		idx.n = uint64(len(idx.docTerms))
	case err != nil:
		return fmt.Errorf("query doc_count: %w", err)
	default:
		n, perr := strconv.ParseUint(docCountStr, 10, 64)
		if perr != nil {
			return fmt.Errorf("parse doc_count: %w", perr)
		}
		idx.n = n
	}
	return nil
}

func (s *sqliteStore) save(idx *Index) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM terms`); err != nil {
		return fmt.Errorf("clear terms: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO terms (term, doc_id, tf) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for term, bucket := range idx.postings {
		for docID, tf := range bucket {
			if _, err := stmt.Exec(term, docID, tf); err != nil {
				return fmt.Errorf("insert posting: %w", err)
			}
		}
	}

	if _, err := tx.Exec(`DELETE FROM docs`); err != nil {
		return fmt.Errorf("clear docs: %w", err)
	}
	docStmt, err := tx.Prepare(`INSERT INTO docs (doc_id) VALUES (?)`)
	if err != nil {
		return fmt.Errorf("prepare doc insert: %w", err)
	}
	defer docStmt.Close()

	for docID := range idx.docTerms {
		if _, err := docStmt.Exec(docID); err != nil {
			return fmt.Errorf("insert doc: %w", err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO meta (key, value) VALUES ('doc_count', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.FormatUint(idx.n, 10)); err != nil {
		return fmt.Errorf("upsert doc_count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *sqliteStore) close() error {
	return s.db.Close()
}
