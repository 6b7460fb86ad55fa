package history

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/chronoq/internal/identity"
	"github.com/snehjoshi/chronoq/internal/timer"
)

func openTestStore(t *testing.T, max int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), max)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func firedRecord(topic string, n int) *timer.Fired {
	now := time.Now().UnixMilli()
	return &timer.Fired{
		Timer: timer.Timer{
			ID:        identity.MustNewID(),
			Topic:     topic,
			Body:      []byte(fmt.Sprintf("payload-%d", n)),
			FireAt:    now,
			CreatedAt: now - 1000,
		},
		FiredAt: now,
	}
}

func TestStore_AppendAndRecent(t *testing.T) {
	s := openTestStore(t, 0)

	var ids []string
	for i := 0; i < 5; i++ {
		rec := firedRecord("sessions", i)
		ids = append(ids, rec.ID)
		if err := s.Append(rec); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}

	got, err := s.Recent(3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent returned %d records, want 3", len(got))
	}
	// Newest first: the last three appended, in reverse.
	for i := 0; i < 3; i++ {
		want := ids[len(ids)-1-i]
		if got[i].ID != want {
			t.Errorf("Recent[%d].ID = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestStore_TrimsPastCap(t *testing.T) {
	s := openTestStore(t, 3)

	var ids []string
	for i := 0; i < 10; i++ {
		rec := firedRecord("sweep", i)
		ids = append(ids, rec.ID)
		if err := s.Append(rec); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}

	if got := s.Count(); got != 3 {
		t.Fatalf("Count = %d, want 3", got)
	}
	recs, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("Recent returned %d records, want 3", len(recs))
	}
	for i, rec := range recs {
		want := ids[len(ids)-1-i]
		if rec.ID != want {
			t.Errorf("Recent[%d].ID = %s, want %s (oldest should have been trimmed)", i, rec.ID, want)
		}
	}
}

func TestStore_CountSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := s.Append(firedRecord("reopen", i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if got := s2.Count(); got != 4 {
		t.Errorf("Count after reopen = %d, want 4", got)
	}
}

func TestStore_RejectsRecordWithoutID(t *testing.T) {
	s := openTestStore(t, 0)
	if err := s.Append(&timer.Fired{Timer: timer.Timer{}}); err == nil {
		t.Error("Append accepted a record without an ID")
	}
}
