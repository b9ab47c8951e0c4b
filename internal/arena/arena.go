// Package arena holds the authoritative hot state of every open RFQ: one
// entry per RFQ guarding the RFQ snapshot, the bid book and the recorded
// command outcomes. All mutations run as short critical sections through
// Update or CompareAndSet; no lock is ever held across a network call.
package arena

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/procurehub/auction-engine/internal/rfq"
)

// Entry guards one RFQ's book.
type Entry struct {
	mu   sync.Mutex
	book *rfq.Book
}

// Read returns a consistent deep copy of the book and the version it was
// read at. The copy is safe to inspect without holding any lock.
func (e *Entry) Read() (*rfq.Book, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Clone(), e.book.RFQ.Version
}

// Update runs fn inside the entry's critical section. fn must validate
// before mutating: a non-nil error means nothing may have been applied.
// On success the version is bumped and a fresh snapshot returned.
func (e *Entry) Update(fn func(book *rfq.Book) error) (*rfq.Book, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.book); err != nil {
		return nil, err
	}
	e.book.RFQ.Version++
	return e.book.Clone(), nil
}

// CompareAndSet is Update gated on the version the caller observed at Read
// time. When another writer has intervened, fn is not called and applied is
// false; the caller retries against fresh state or gives up.
func (e *Entry) CompareAndSet(expected uint64, fn func(book *rfq.Book) error) (snapshot *rfq.Book, applied bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.book.RFQ.Version != expected {
		return nil, false, nil
	}
	if err := fn(e.book); err != nil {
		return nil, false, err
	}
	e.book.RFQ.Version++
	return e.book.Clone(), true, nil
}

// Arena is the registry of entries, keyed by RFQ ID.
type Arena struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*Entry
}

func New() *Arena {
	return &Arena{entries: make(map[uuid.UUID]*Entry)}
}

// Create registers a new RFQ book. It fails when the ID is already present.
func (a *Arena) Create(book *rfq.Book) (*Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := book.RFQ.ID
	if _, ok := a.entries[id]; ok {
		return nil, fmt.Errorf("rfq %s already registered", id)
	}
	entry := &Entry{book: book}
	a.entries[id] = entry
	return entry, nil
}

// Get returns the entry for an RFQ, or false when unknown.
func (a *Arena) Get(id uuid.UUID) (*Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entry, ok := a.entries[id]
	return entry, ok
}

// Snapshot returns consistent copies of every book. Sweeps iterate these
// copies and mutate through the same Update path as interactive callers.
func (a *Arena) Snapshot() []*rfq.Book {
	a.mu.RLock()
	entries := make([]*Entry, 0, len(a.entries))
	for _, e := range a.entries {
		entries = append(entries, e)
	}
	a.mu.RUnlock()

	books := make([]*rfq.Book, 0, len(entries))
	for _, e := range entries {
		book, _ := e.Read()
		books = append(books, book)
	}
	return books
}

// Len returns the number of registered RFQs.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}
