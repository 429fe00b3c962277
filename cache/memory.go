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
	"io"
	"sync"
)

// MemoryStore is a map-backed Store for tests and small processes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	editing map[string]bool
}

type memoryEntry struct {
	metadata []byte
	body     []byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]memoryEntry{},
		editing: map[string]bool{},
	}
}

// Get implements Store.
func (s *MemoryStore) Get(key string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return &Snapshot{
		Metadata: io.NopCloser(bytes.NewReader(entry.metadata)),
		Body:     io.NopCloser(bytes.NewReader(entry.body)),
	}, nil
}

// Edit implements Store. At most one editor per key at a time.
func (s *MemoryStore) Edit(key string) (Editor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editing[key] {
		return nil, nil
	}
	s.editing[key] = true
	return &memoryEditor{store: s, key: key}, nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[string]memoryEntry{}
	return nil
}

// Size returns the number of stored entries.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type memoryEditor struct {
	store    *MemoryStore
	key      string
	metadata []byte
	body     bytes.Buffer
	done     bool
}

func (e *memoryEditor) SetMetadata(metadata []byte) error {
	e.metadata = append([]byte(nil), metadata...)
	return nil
}

func (e *memoryEditor) Body() io.Writer {
	return &e.body
}

func (e *memoryEditor) Commit() error {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	if e.done {
		return nil
	}
	e.done = true
	delete(e.store.editing, e.key)
	e.store.entries[e.key] = memoryEntry{metadata: e.metadata, body: e.body.Bytes()}
	return nil
}

func (e *memoryEditor) Abort() error {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	if e.done {
		return nil
	}
	e.done = true
	delete(e.store.editing, e.key)
	return nil
}
