// Package history keeps the most recent processed commands in a bounded,
// newest-first ring.
package history

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/querypilot/internal/executor"
)

// DefaultCapacity is the number of entries a Ring keeps.
const DefaultCapacity = 20

// Entry is one processed command.
type Entry struct {
	// ID is a UUIDv7, so ids sort by creation time.
	ID           string
	Timestamp    time.Time
	OriginalText string
	Collection   string

	// ResultSummary is "<n> items" for list results and "Operation"
	// otherwise.
	ResultSummary string

	// Result is an *executor.Recorded for entries restored from the
	// journal.
	Result executor.Result
}

// NewEntry builds an entry for a command and its result.
func NewEntry(now time.Time, text, collection string, res executor.Result) Entry {
	return Entry{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Timestamp:     now,
		OriginalText:  text,
		Collection:    collection,
		ResultSummary: executor.Summary(res),
		Result:        res,
	}
}

// Ring is a fixed-capacity deque of entries, newest first. Adding to a full
// ring evicts the oldest entry. It is safe for concurrent use.
type Ring struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
}

// NewRing creates a ring. A capacity below 1 uses DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Ring{capacity: capacity, entries: make([]Entry, 0, capacity)}
}

// Capacity returns the maximum number of entries.
func (r *Ring) Capacity() int { return r.capacity }

// Push adds e as the newest entry.
func (r *Ring) Push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) == r.capacity {
		r.entries = r.entries[:r.capacity-1]
	}
	r.entries = append(r.entries, Entry{})
	copy(r.entries[1:], r.entries)
	r.entries[0] = e
}

// Len returns the number of entries held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Entries returns a copy of the entries, newest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// At returns the i-th newest entry, counting from 0.
func (r *Ring) At(i int) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.entries) {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Clear removes every entry.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = r.entries[:0]
}
