package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	t0 := time.Unix(1700000000, 0)

	records := []Record{
		{Key: "zstd:aaa", Path: "/c/aa/aaa", SizeKB: 10, LastAccess: t0.Add(time.Minute), CreatedAt: t0},
		{Key: "zstd:bbb", Path: "/c/bb/bbb", SizeKB: 20, LastAccess: t0, CreatedAt: t0},
	}
	for _, r := range records {
		if err := db.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert() failed: %v", err)
		}
	}

	got, err := db.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Key != "zstd:bbb" {
		t.Errorf("expected least recently accessed first, got %s", got[0].Key)
	}
	if got[1].SizeKB != 10 || got[1].Path != "/c/aa/aaa" {
		t.Errorf("unexpected record %+v", got[1])
	}
	if !got[1].LastAccess.Equal(t0.Add(time.Minute)) {
		t.Errorf("expected last access %s, got %s", t0.Add(time.Minute), got[1].LastAccess)
	}

	// Touch moves bbb to the back
	if err := db.Touch(ctx, "zstd:bbb", t0.Add(time.Hour)); err != nil {
		t.Fatalf("Touch() failed: %v", err)
	}
	got, _ = db.List(ctx)
	if got[0].Key != "zstd:aaa" {
		t.Errorf("expected aaa first after touch, got %s", got[0].Key)
	}

	if err := db.Delete(ctx, "zstd:aaa"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := db.Delete(ctx, "zstd:aaa"); err != nil {
		t.Fatalf("second Delete() failed: %v", err)
	}
	got, _ = db.List(ctx)
	if len(got) != 1 {
		t.Errorf("expected 1 record after delete, got %d", len(got))
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Upsert(ctx, Record{Key: "k", Path: "/p", SizeKB: 1, LastAccess: time.Now(), CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	db.Close()

	// migrations must be a no-op the second time
	db, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	got, err := db.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(got) != 1 || got[0].Key != "k" {
		t.Errorf("expected record to survive reopen, got %+v", got)
	}
}
