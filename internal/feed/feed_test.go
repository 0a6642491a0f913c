package feed

import (
	"testing"

	"visaline/internal/domain"
)

func entry(id int64, refID, kind, ts string) domain.ActivityEntry {
	return domain.ActivityEntry{
		ID:        id,
		Type:      "proposal",
		RefID:     refID,
		Kind:      kind,
		Timestamp: ts,
	}
}

func TestIngestReturnsOnlyNewEntries(t *testing.T) {
	f := New()
	batch := []domain.ActivityEntry{
		entry(1, "prop-1", "proposal.submitted", "2024-01-01T10:00:00Z"),
		entry(2, "prop-2", "proposal.submitted", "2024-01-01T11:00:00Z"),
	}
	added := f.Ingest(batch)
	if len(added) != 2 {
		t.Fatalf("first ingest added %d, want 2", len(added))
	}
	// Overlapping poll windows redeliver; nothing is new.
	added = f.Ingest(batch)
	if len(added) != 0 {
		t.Fatalf("re-ingest added %d, want 0", len(added))
	}
	if f.Len() != 2 {
		t.Fatalf("len = %d", f.Len())
	}

	added = f.Ingest([]domain.ActivityEntry{
		entry(2, "prop-2", "proposal.submitted", "2024-01-01T11:00:00Z"),
		entry(3, "prop-1", "proposal.accepted", "2024-01-01T12:00:00Z"),
	})
	if len(added) != 1 || added[0].Kind != "proposal.accepted" {
		t.Fatalf("added: %+v", added)
	}
}

func TestDuplicateRefreshesStoredCopy(t *testing.T) {
	f := New()
	e := entry(1, "prop-1", "proposal.submitted", "2024-01-01T10:00:00Z")
	f.Ingest([]domain.ActivityEntry{e})
	if f.Unread() != 1 {
		t.Fatalf("unread = %d", f.Unread())
	}
	e.Read = true
	f.Ingest([]domain.ActivityEntry{e})
	if f.Unread() != 0 {
		t.Fatalf("server-side read flag should win, unread = %d", f.Unread())
	}
}

func TestEntriesMostRecentFirst(t *testing.T) {
	f := New()
	f.Ingest([]domain.ActivityEntry{
		entry(1, "prop-1", "proposal.submitted", "2024-01-01T10:00:00Z"),
		entry(3, "prop-3", "proposal.submitted", "2024-01-01T12:00:00Z"),
		entry(2, "prop-2", "proposal.submitted", "2024-01-01T11:00:00Z"),
	})
	got := f.Entries()
	if got[0].ID != 3 || got[1].ID != 2 || got[2].ID != 1 {
		t.Fatalf("order: %d %d %d", got[0].ID, got[1].ID, got[2].ID)
	}
	// Same timestamp falls back to ID order.
	f.Ingest([]domain.ActivityEntry{
		entry(4, "prop-4", "proposal.submitted", "2024-01-01T12:00:00Z"),
	})
	got = f.Entries()
	if got[0].ID != 4 || got[1].ID != 3 {
		t.Fatalf("tiebreak order: %d %d", got[0].ID, got[1].ID)
	}
}

func TestMarkReadAndCursor(t *testing.T) {
	f := New()
	f.Ingest([]domain.ActivityEntry{
		entry(5, "prop-1", "proposal.submitted", "2024-01-01T10:00:00Z"),
		entry(9, "prop-1", "proposal.accepted", "2024-01-01T11:00:00Z"),
	})
	if f.Cursor() != 9 {
		t.Fatalf("cursor = %d", f.Cursor())
	}
	f.MarkRead(5)
	if f.Unread() != 1 {
		t.Fatalf("unread after partial mark = %d", f.Unread())
	}
	f.MarkRead(9)
	if f.Unread() != 0 {
		t.Fatalf("unread after full mark = %d", f.Unread())
	}
}
