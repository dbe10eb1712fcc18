package clock

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.ExecContext(context.Background(), `
		CREATE TABLE _synq_local (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			peer TEXT NOT NULL,
			ts INTEGER NOT NULL DEFAULT 0,
			is_merging INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		t.Fatalf("create _synq_local: %v", err)
	}
	return db
}

func TestNewPeerIDIsTwelveHexDigits(t *testing.T) {
	peer, err := NewPeerID()
	if err != nil {
		t.Fatalf("NewPeerID: %v", err)
	}
	if len(peer) != 12 {
		t.Fatalf("peer id %q has length %d, want 12", peer, len(peer))
	}
	for _, r := range peer {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			t.Fatalf("peer id %q contains non-hex character %q", peer, r)
		}
	}
}

func TestNewPeerIDIsRandom(t *testing.T) {
	a, err := NewPeerID()
	if err != nil {
		t.Fatalf("NewPeerID: %v", err)
	}
	b, err := NewPeerID()
	if err != nil {
		t.Fatalf("NewPeerID: %v", err)
	}
	if a == b {
		t.Fatalf("two calls to NewPeerID both returned %q", a)
	}
}

func TestInstallGeneratesPeerWhenEmpty(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	peer, err := Install(ctx, tx, "")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if peer == "" {
		t.Fatal("Install with empty peer did not generate one")
	}

	c := New(db, Config{PhysicalClock: false})
	got, err := c.Peer(ctx)
	if err != nil {
		t.Fatalf("Peer: %v", err)
	}
	if got != peer {
		t.Fatalf("stored peer = %q, want %q", got, peer)
	}
}

func TestInstallHonorsSuppliedPeer(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, _ := db.BeginTx(ctx, nil)
	peer, err := Install(ctx, tx, "deadbeef0001")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	tx.Commit()

	if peer != "deadbeef0001" {
		t.Fatalf("peer = %q, want deadbeef0001", peer)
	}
}

func TestBumpIsMonotoneInLogicalMode(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, _ := db.BeginTx(ctx, nil)
	Install(ctx, tx, "peerA")
	tx.Commit()

	c := New(db, Config{PhysicalClock: false})

	var last int64
	for i := 0; i < 5; i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		ts, err := c.Bump(ctx, tx)
		if err != nil {
			t.Fatalf("Bump: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
		if ts <= last {
			t.Fatalf("Bump #%d returned %d, want strictly greater than %d", i, ts, last)
		}
		last = ts
	}
}

func TestObserveAdvancesPastRemote(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, _ := db.BeginTx(ctx, nil)
	Install(ctx, tx, "peerA")
	tx.Commit()

	c := New(db, Config{PhysicalClock: false})

	tx, _ = db.BeginTx(ctx, nil)
	if err := c.Observe(ctx, tx, 100); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	tx.Commit()

	now, err := c.Now(ctx)
	if err != nil {
		t.Fatalf("Now: %v", err)
	}
	if now != 101 {
		t.Fatalf("ts after Observe(100) = %d, want 101", now)
	}

	tx, _ = db.BeginTx(ctx, nil)
	ts, err := c.Bump(ctx, tx)
	if err != nil {
		t.Fatalf("Bump: %v", err)
	}
	tx.Commit()
	if ts <= 100 {
		t.Fatalf("Bump after Observe(100) returned %d, want > 100", ts)
	}
}

func TestObserveNeverRegresses(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, _ := db.BeginTx(ctx, nil)
	Install(ctx, tx, "peerA")
	tx.Commit()

	c := New(db, Config{PhysicalClock: false})

	tx, _ = db.BeginTx(ctx, nil)
	c.Observe(ctx, tx, 50)
	tx.Commit()

	before, _ := c.Now(ctx)

	tx, _ = db.BeginTx(ctx, nil)
	if err := c.Observe(ctx, tx, 1); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	tx.Commit()

	after, err := c.Now(ctx)
	if err != nil {
		t.Fatalf("Now: %v", err)
	}
	if after != before {
		t.Fatalf("Observe with a lower remote ts changed local ts from %d to %d", before, after)
	}
}

func TestSetMergingRoundTrips(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, _ := db.BeginTx(ctx, nil)
	Install(ctx, tx, "peerA")
	tx.Commit()

	c := New(db, Config{PhysicalClock: false})

	if merging, err := c.IsMerging(ctx); err != nil || merging {
		t.Fatalf("IsMerging initially = %v, %v; want false, nil", merging, err)
	}

	tx, _ = db.BeginTx(ctx, nil)
	if err := c.SetMerging(ctx, tx, true); err != nil {
		t.Fatalf("SetMerging(true): %v", err)
	}
	tx.Commit()

	if merging, err := c.IsMerging(ctx); err != nil || !merging {
		t.Fatalf("IsMerging after SetMerging(true) = %v, %v; want true, nil", merging, err)
	}

	tx, _ = db.BeginTx(ctx, nil)
	c.SetMerging(ctx, tx, false)
	tx.Commit()

	if merging, err := c.IsMerging(ctx); err != nil || merging {
		t.Fatalf("IsMerging after SetMerging(false) = %v, %v; want false, nil", merging, err)
	}
}
