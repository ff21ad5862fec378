// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.

// Package state persists the last-known reconciliation state for a single
// (account, folder) pair: for each UID norless has seen on that folder, the
// local Maildir key it was delivered under, its flag string, and whether the
// row represents a syncpoint marker rather than a real message.
package state

import (
	"database/sql"
	"fmt"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one row of the state table.
type Entry struct {
	UID         int64
	Msgkey      string
	Flags       string
	IsSyncpoint bool
}

// Store is a handle to the state database for one (account, folder) pair.
// It is not safe for concurrent use from more than one goroutine; the
// engine keeps one Store per worker.
type Store struct {
	db      *sql.DB
	account string
	folder  string
}

// Open opens (creating if necessary) the sqlite-backed state store at path
// and returns a handle scoped to account/folder.
func Open(path, account, folder string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", path, err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db %s: %w", path, err)
	}

	return &Store{db: db, account: account, folder: folder}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS state(
		account text,
		folder text,
		uid integer,
		msgkey text,
		flags text,
		is_syncpoint integer,
		UNIQUE(account, folder, uid)
	)`)
	return err
}

// Get returns the entry for uid, or nil if no row exists.
func (s *Store) Get(uid int64) (*Entry, error) {
	row := s.db.QueryRow(`SELECT uid, msgkey, flags, is_syncpoint
		FROM state WHERE account=? AND folder=? AND uid=?`, s.account, s.folder, uid)

	var e Entry
	var isSync int
	if err := row.Scan(&e.UID, &e.Msgkey, &e.Flags, &isSync); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("state get %d: %w", uid, err)
	}
	e.IsSyncpoint = isSync != 0
	return &e, nil
}

// GetAll returns every entry for this store's (account, folder), in no
// particular order.
func (s *Store) GetAll() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT uid, msgkey, flags, is_syncpoint
		FROM state WHERE account=? AND folder=?`, s.account, s.folder)
	if err != nil {
		return nil, fmt.Errorf("state getall: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var isSync int
		if err := rows.Scan(&e.UID, &e.Msgkey, &e.Flags, &isSync); err != nil {
			return nil, fmt.Errorf("state getall: %w", err)
		}
		e.IsSyncpoint = isSync != 0
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state getall: %w", err)
	}
	return entries, nil
}

// Put inserts or replaces the entry for uid.
func (s *Store) Put(uid int64, msgkey, flags string, isSyncpoint bool) error {
	var isSync int
	if isSyncpoint {
		isSync = 1
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO state
		(account, folder, uid, msgkey, flags, is_syncpoint) VALUES (?, ?, ?, ?, ?, ?)`,
		s.account, s.folder, uid, msgkey, flags, isSync)
	if err != nil {
		return fmt.Errorf("state put %d: %w", uid, err)
	}
	return nil
}

// Remove deletes the entry for uid, if present. It is a no-op if absent.
func (s *Store) Remove(uid int64) error {
	_, err := s.db.Exec(`DELETE FROM state WHERE account=? AND folder=? AND uid=?`,
		s.account, s.folder, uid)
	if err != nil {
		return fmt.Errorf("state remove %d: %w", uid, err)
	}
	return nil
}

// RemoveMany deletes every uid in uids inside a single transaction, so the
// batch is observed atomically on restart after a crash.
func (s *Store) RemoveMany(uids []int64) error {
	if len(uids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("state removemany: %w", err)
	}

	stmt, err := tx.Prepare(`DELETE FROM state WHERE account=? AND folder=? AND uid=?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("state removemany: %w", err)
	}
	defer stmt.Close()

	for _, uid := range uids {
		if _, err := stmt.Exec(s.account, s.folder, uid); err != nil {
			tx.Rollback()
			return fmt.Errorf("state removemany %d: %w", uid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state removemany: %w", err)
	}
	return nil
}

// MaxUID returns the largest uid currently stored, or 0 if the store is
// empty.
func (s *Store) MaxUID() (int64, error) {
	return s.aggregateUID(`SELECT MAX(uid) FROM state WHERE account=? AND folder=?`)
}

// MinUID returns the smallest uid currently stored, or 0 if the store is
// empty.
func (s *Store) MinUID() (int64, error) {
	return s.aggregateUID(`SELECT MIN(uid) FROM state WHERE account=? AND folder=?`)
}

func (s *Store) aggregateUID(query string) (int64, error) {
	var uid sql.NullInt64
	row := s.db.QueryRow(query, s.account, s.folder)
	if err := row.Scan(&uid); err != nil {
		return 0, fmt.Errorf("state aggregate: %w", err)
	}
	if !uid.Valid {
		return 0, nil
	}
	return uid.Int64, nil
}

// Factory opens and caches one Store per (account, folder) pair beneath a
// single state directory, matching the one-db-file-per-folder layout
// norless has always used.
type Factory struct {
	dir    string
	stores map[string]*Store
}

// NewFactory returns a Factory rooted at stateDir.
func NewFactory(stateDir string) *Factory {
	return &Factory{dir: stateDir, stores: make(map[string]*Store)}
}

// Open returns the Store for (account, folder), opening and caching it on
// first use. fileName is the on-disk file name, normally produced by
// config.StateFileName.
func (f *Factory) Open(fileName, account, folder string) (*Store, error) {
	if s, ok := f.stores[fileName]; ok {
		return s, nil
	}

	s, err := Open(f.dir+"/"+fileName, account, folder)
	if err != nil {
		return nil, err
	}
	f.stores[fileName] = s
	return s, nil
}

// Close closes every Store the factory has opened so far, returning the
// first error encountered (after attempting to close the rest).
func (f *Factory) Close() error {
	names := make([]string, 0, len(f.stores))
	for name := range f.stores {
		names = append(names, name)
	}
	sort.Strings(names)

	var first error
	for _, name := range names {
		if err := f.stores[name].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
