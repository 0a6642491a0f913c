// Package feed keeps a client-side projection of the activity stream.
// Polling overlaps on purpose, so the same entry can arrive more than once;
// the projection dedupes on identity, not on server row IDs, which restart
// from zero when the backend is rebuilt.
package feed

import (
	"sort"
	"sync"

	"visaline/internal/domain"
)

// identity is what makes two entries the same occurrence.
type identity struct {
	Type  string
	RefID string
	Kind  string
}

// Feed is a deduplicating in-memory activity projection.
type Feed struct {
	mu      sync.Mutex
	seen    map[identity]int
	entries []domain.ActivityEntry
	cursor  int64
}

// New returns an empty feed.
func New() *Feed {
	return &Feed{seen: make(map[identity]int)}
}

// Ingest merges a batch into the projection and returns the entries that
// were actually new. Re-ingesting a batch adds nothing. A duplicate
// refreshes the stored copy so a later server-side edit (a read flag, say)
// wins.
func (f *Feed) Ingest(batch []domain.ActivityEntry) []domain.ActivityEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var added []domain.ActivityEntry
	for _, e := range batch {
		key := identity{Type: e.Type, RefID: e.RefID, Kind: e.Kind}
		if i, ok := f.seen[key]; ok {
			f.entries[i] = e
		} else {
			f.seen[key] = len(f.entries)
			f.entries = append(f.entries, e)
			added = append(added, e)
		}
		if e.ID > f.cursor {
			f.cursor = e.ID
		}
	}
	return added
}

// Entries returns the projection most recent first.
func (f *Feed) Entries() []domain.ActivityEntry {
	f.mu.Lock()
	out := make([]domain.ActivityEntry, len(f.entries))
	copy(out, f.entries)
	f.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Unread counts entries not yet marked read.
func (f *Feed) Unread() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if !e.Read {
			n++
		}
	}
	return n
}

// MarkRead flags every entry up to and including the given server ID.
func (f *Feed) MarkRead(upTo int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.entries {
		if f.entries[i].ID <= upTo {
			f.entries[i].Read = true
		}
	}
}

// Cursor is the highest server ID ingested so far, suitable for the next
// tail poll.
func (f *Feed) Cursor() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// Len reports the number of distinct entries.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
