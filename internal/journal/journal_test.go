package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndList(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	entries := []Entry{
		{SessionID: "Desk-1", Event: EventStart, Mode: "helper", Pid: 4242},
		{SessionID: "desk-2", Event: EventStart, Mode: "direct"},
		{SessionID: "desk-1", Event: EventHelperExit, Pid: 4242, Detail: "helper process 4242 exited"},
		{SessionID: "desk-1", Event: EventStop},
	}
	for _, e := range entries {
		if err := db.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.List(ctx, Query{SessionID: "DESK-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if got[0].Event != EventStart || got[0].Pid != 4242 || got[0].Mode != "helper" {
		t.Errorf("first = %+v", got[0])
	}
	if got[2].Event != EventStop {
		t.Errorf("last = %+v, want stop", got[2])
	}
	if got[0].Time.IsZero() {
		t.Error("time not stored")
	}
	if got[0].ID >= got[1].ID {
		t.Error("not oldest first")
	}

	all, err := db.List(ctx, Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("all = %d entries, want 4", len(all))
	}
}

func TestListLimitKeepsNewest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for _, ev := range []string{EventStart, EventLaunched, EventHelperExit, EventStop} {
		db.Record(ctx, Entry{SessionID: "s", Event: ev})
	}

	got, err := db.List(ctx, Query{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Event != EventHelperExit || got[1].Event != EventStop {
		t.Errorf("got %+v", got)
	}
}

func TestListSince(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	db.Record(ctx, Entry{Time: base, SessionID: "s", Event: EventStart})
	db.Record(ctx, Entry{Time: base.Add(time.Minute), SessionID: "s", Event: EventStop})

	got, err := db.List(ctx, Query{Since: base})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Event != EventStop {
		t.Errorf("got %+v", got)
	}
	if !got[0].Time.Equal(base.Add(time.Minute)) {
		t.Errorf("time = %v", got[0].Time)
	}
}

func TestPrune(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	db.Record(ctx, Entry{Time: old, SessionID: "s", Event: EventStart})
	db.Record(ctx, Entry{SessionID: "s", Event: EventStop})

	n, err := db.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	got, _ := db.List(ctx, Query{})
	if len(got) != 1 || got[0].Event != EventStop {
		t.Errorf("remaining = %+v", got)
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	db.Record(context.Background(), Entry{SessionID: "s", Event: EventStart})
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	got, _ := db.List(context.Background(), Query{})
	if len(got) != 1 {
		t.Fatalf("got %d entries after reopen", len(got))
	}
}
