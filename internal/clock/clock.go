// Package clock implements the hybrid logical clock that timestamps every
// row version in the replicated log. A Clock wraps the single row of the
// _synq_local shadow table: the local peer id, the clock's current
// timestamp, and whether a merge is in progress.
package clock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"fmt"
	"time"
)

// Clock reads and advances the _synq_local row for one database connection.
// It is not safe for concurrent use from multiple goroutines; callers serialize
// access to a database the way the rest of synqlite does, through the
// single-writer flock in internal/clonefile.
type Clock struct {
	db            *sql.DB
	physicalFloor bool // see Config.PhysicalClock
}

// Config controls clock behavior, set once at Init time and immutable after.
type Config struct {
	// PhysicalClock floors Bump's logical counter at time.Now().UnixNano(),
	// so clocks drift toward wall-clock time across merges (the "hybrid" in
	// hybrid logical clock). When false, the clock is purely logical: each
	// Bump is strictly greater than every timestamp observed so far, with no
	// relation to wall time. Default true.
	PhysicalClock bool
}

// New wraps db with clock operations using cfg. It does not read or create
// the _synq_local row; call Install during Init, or rely on an existing row
// thereafter.
func New(db *sql.DB, cfg Config) *Clock {
	return &Clock{db: db, physicalFloor: cfg.PhysicalClock}
}

// NewPeerID generates a random 48-bit peer identifier, printed as 12 hex
// digits. 48 bits gives collision odds low enough for a replica set
// assembled by hand or by clone_to.
func NewPeerID() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate peer id: %w", err)
	}
	var buf [8]byte
	copy(buf[2:], b[:])
	return fmt.Sprintf("%012x", binary.BigEndian.Uint64(buf[:])), nil
}

// Install creates the _synq_local row for a fresh replica. peer must be
// unique among every replica that will ever be merged together; an empty
// peer asks Install to generate one with NewPeerID.
func Install(ctx context.Context, tx *sql.Tx, peer string) (string, error) {
	if peer == "" {
		var err error
		peer, err = NewPeerID()
		if err != nil {
			return "", err
		}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO _synq_local(id, peer, ts, is_merging) VALUES (1, ?, 0, 0)`, peer)
	if err != nil {
		return "", fmt.Errorf("install local clock row: %w", err)
	}
	return peer, nil
}

// Peer returns the local replica's peer id.
func (c *Clock) Peer(ctx context.Context) (string, error) {
	var peer string
	err := c.db.QueryRowContext(ctx, `SELECT peer FROM _synq_local WHERE id = 1`).Scan(&peer)
	if err != nil {
		return "", fmt.Errorf("read local peer: %w", err)
	}
	return peer, nil
}

// Now returns the clock's current timestamp without advancing it.
func (c *Clock) Now(ctx context.Context) (int64, error) {
	var ts int64
	err := c.db.QueryRowContext(ctx, `SELECT ts FROM _synq_local WHERE id = 1`).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("read local ts: %w", err)
	}
	return ts, nil
}

// Bump advances the clock and returns the new timestamp. It runs inside tx
// so the timestamp produced is consistent with whatever row-version insert
// or update it accompanies. The INSERT/UPDATE/DELETE triggers in
// internal/shadow do not call Bump: they advance _synq_local.ts by one in
// SQL, without the physical floor.
func (c *Clock) Bump(ctx context.Context, tx *sql.Tx) (int64, error) {
	var cur int64
	if err := tx.QueryRowContext(ctx, `SELECT ts FROM _synq_local WHERE id = 1`).Scan(&cur); err != nil {
		return 0, fmt.Errorf("read local ts: %w", err)
	}

	next := cur + 1
	if c.physicalFloor {
		if now := time.Now().UnixNano(); now > next {
			next = now
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE _synq_local SET ts = ? WHERE id = 1`, next); err != nil {
		return 0, fmt.Errorf("advance local ts: %w", err)
	}
	return next, nil
}

// Observe folds a timestamp seen in an incoming remote log into the local
// clock: the local clock becomes at least maxRemoteTs + 1 so that every
// timestamp generated locally from now on is strictly greater than anything
// already merged in. This is the step that makes the clock "hybrid" across
// replicas rather than just within one.
func (c *Clock) Observe(ctx context.Context, tx *sql.Tx, maxRemoteTs int64) error {
	var cur int64
	if err := tx.QueryRowContext(ctx, `SELECT ts FROM _synq_local WHERE id = 1`).Scan(&cur); err != nil {
		return fmt.Errorf("read local ts: %w", err)
	}
	if maxRemoteTs < cur {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE _synq_local SET ts = ? WHERE id = 1`, maxRemoteTs+1); err != nil {
		return fmt.Errorf("observe remote ts: %w", err)
	}
	return nil
}

// SetMerging flips the is_merging flag, which the shadow triggers consult
// to distinguish a row change coming from user SQL (clock must bump) from
// one being replayed by the merge engine during P3 rebuild (clock must not
// bump a second time for a version it already has a timestamp for).
func (c *Clock) SetMerging(ctx context.Context, tx *sql.Tx, merging bool) error {
	v := 0
	if merging {
		v = 1
	}
	_, err := tx.ExecContext(ctx, `UPDATE _synq_local SET is_merging = ? WHERE id = 1`, v)
	if err != nil {
		return fmt.Errorf("set is_merging: %w", err)
	}
	return nil
}

// IsMerging reports whether the replica is currently inside a Pull.
func (c *Clock) IsMerging(ctx context.Context) (bool, error) {
	var v int
	err := c.db.QueryRowContext(ctx, `SELECT is_merging FROM _synq_local WHERE id = 1`).Scan(&v)
	if err != nil {
		return false, fmt.Errorf("read is_merging: %w", err)
	}
	return v != 0, nil
}
