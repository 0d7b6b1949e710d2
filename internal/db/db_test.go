package db

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndListDispatches(t *testing.T) {
	db := newTestDB(t)

	first := Dispatch{
		ID:        uuid.NewString(),
		Source:    "poller",
		Command:   "OPEN",
		SubjectID: "7",
		Actor:     "0xa1b2",
		Amount:    "1000",
		Success:   true,
	}
	second := Dispatch{
		ID:      uuid.NewString(),
		Source:  "http",
		Command: "1",
		Success: false,
		Error:   "device not connected",
	}

	if err := db.RecordDispatch(first); err != nil {
		t.Fatalf("RecordDispatch failed: %v", err)
	}
	if err := db.RecordDispatch(second); err != nil {
		t.Fatalf("RecordDispatch failed: %v", err)
	}

	got, err := db.Dispatches(10)
	if err != nil {
		t.Fatalf("Dispatches failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(dispatches) = %d, want 2", len(got))
	}

	byID := map[string]Dispatch{}
	for _, d := range got {
		byID[d.ID] = d
	}

	d, ok := byID[first.ID]
	if !ok {
		t.Fatalf("first dispatch not returned")
	}
	if d.Command != "OPEN" || d.SubjectID != "7" || d.Actor != "0xa1b2" || d.Amount != "1000" || !d.Success {
		t.Errorf("first dispatch = %+v", d)
	}

	d, ok = byID[second.ID]
	if !ok {
		t.Fatalf("second dispatch not returned")
	}
	if d.Success || d.Error != "device not connected" {
		t.Errorf("second dispatch = %+v", d)
	}
}

func TestDispatchesLimit(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 5; i++ {
		if err := db.RecordDispatch(Dispatch{ID: uuid.NewString(), Source: "http", Command: "2", Success: true}); err != nil {
			t.Fatalf("RecordDispatch failed: %v", err)
		}
	}

	got, err := db.Dispatches(3)
	if err != nil {
		t.Fatalf("Dispatches failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("len(dispatches) = %d, want 3", len(got))
	}
}

func TestCursorRoundTrip(t *testing.T) {
	db := newTestDB(t)

	_, found, err := db.Cursor()
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	if found {
		t.Error("found cursor in empty database")
	}

	if err := db.SaveCursor(105); err != nil {
		t.Fatalf("SaveCursor failed: %v", err)
	}
	pos, found, err := db.Cursor()
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	if !found || pos != 105 {
		t.Errorf("cursor = %d, found = %v; want 105, true", pos, found)
	}

	// overwrite, never a second row
	if err := db.SaveCursor(200); err != nil {
		t.Fatalf("SaveCursor failed: %v", err)
	}
	pos, _, _ = db.Cursor()
	if pos != 200 {
		t.Errorf("cursor = %d, want 200", pos)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM scan_cursor`).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("scan_cursor rows = %d, want 1", count)
	}
}
