// Copyright 2024 Kaycloud, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"bytes"
	"database/sql"
	"fmt"
	"io"
	"sync"

	_ "github.com/glebarez/go-sqlite" // registers the "sqlite" driver
)

// SQLiteStore persists cache entries in a sqlite database: one row per
// entry with the metadata and body streams as blobs. sqlite's
// transactional writes give the commit-or-discard behavior the Editor
// contract requires without a separate journal.
type SQLiteStore struct {
	db *sql.DB
	// writeMu serializes writers; sqlite allows one at a time.
	writeMu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) a store in the given
// database file. An empty filename opens a shared in-memory database.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("cache: opening sqlite store: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		key TEXT PRIMARY KEY,
		metadata BLOB,
		body BLOB
	)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: creating entries table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(key string) (*Snapshot, error) {
	var metadata, body []byte
	err := s.db.QueryRow("SELECT metadata, body FROM entries WHERE key = ?", key).
		Scan(&metadata, &body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: reading entry: %w", err)
	}
	return &Snapshot{
		Metadata: io.NopCloser(bytes.NewReader(metadata)),
		Body:     io.NopCloser(bytes.NewReader(body)),
	}, nil
}

// Edit implements Store. The edit buffers in memory and lands in one
// INSERT OR REPLACE on Commit.
func (s *SQLiteStore) Edit(key string) (Editor, error) {
	return &sqliteEditor{store: s, key: key}, nil
}

// Remove implements Store.
func (s *SQLiteStore) Remove(key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("cache: removing entry: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteEditor struct {
	store    *SQLiteStore
	key      string
	metadata []byte
	body     bytes.Buffer
	done     bool
}

func (e *sqliteEditor) SetMetadata(metadata []byte) error {
	e.metadata = append([]byte(nil), metadata...)
	return nil
}

func (e *sqliteEditor) Body() io.Writer {
	return &e.body
}

func (e *sqliteEditor) Commit() error {
	if e.done {
		return nil
	}
	e.done = true
	e.store.writeMu.Lock()
	defer e.store.writeMu.Unlock()
	_, err := e.store.db.Exec(
		"INSERT OR REPLACE INTO entries (key, metadata, body) VALUES (?, ?, ?)",
		e.key, e.metadata, e.body.Bytes())
	if err != nil {
		return fmt.Errorf("cache: committing entry: %w", err)
	}
	return nil
}

func (e *sqliteEditor) Abort() error {
	e.done = true
	return nil
}
