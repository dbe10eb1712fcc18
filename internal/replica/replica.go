// Package replica composes the clock, schema, shadow, effective-view, and
// merge-engine packages behind the four operations a synqlite replica
// exposes: Init, CloneTo, PullFrom, and Fingerprint. A ReplicaHandle is an
// explicit value a caller owns and passes around; per the "global mutable
// state" design note, there is no package-level current-replica singleton.
package replica

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/synqlite/synqlite/internal/clock"
	"github.com/synqlite/synqlite/internal/clonefile"
	"github.com/synqlite/synqlite/internal/effective"
	"github.com/synqlite/synqlite/internal/mergeengine"
	"github.com/synqlite/synqlite/internal/schema"
	"github.com/synqlite/synqlite/internal/shadow"
	"github.com/synqlite/synqlite/internal/validation"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrUnimplemented is returned by Delta. The shape of a
// fingerprint-to-fingerprint delta is an open question; rather than guess
// at a wire format no other replica could read, synqlite declines to
// implement it and says so through a typed error.
var ErrUnimplemented = errors.New("synqlite: delta is not implemented (open question, see design notes)")

// Config is the replica-wide configuration resolved once, normally by
// internal/config, and threaded into every package below that needs it.
type Config struct {
	PhysicalClock     bool
	NoActionIsCascade bool
}

func (c Config) clockConfig() clock.Config {
	return clock.Config{PhysicalClock: c.PhysicalClock}
}

func (c Config) mergeConfig() mergeengine.Config {
	return mergeengine.Config{Clock: c.clockConfig(), NoActionIsCascade: c.NoActionIsCascade}
}

// ReplicaHandle is an open connection to one synqlite-managed database file,
// together with the configuration and compiled schema it was initialized
// with.
type ReplicaHandle struct {
	db   *sql.DB
	path string
	desc *schema.Descriptor
	cfg  Config
}

// Open connects to an already-initialized synqlite database at path. It
// does not create shadow state; use Init for a fresh database.
func Open(ctx context.Context, path string, cfg Config) (*ReplicaHandle, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	desc, err := schema.Introspect(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := validation.Default()(desc); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema validation: %w", err)
	}
	return &ReplicaHandle{db: db, path: path, desc: desc, cfg: cfg}, nil
}

// Close releases the underlying database connection.
func (h *ReplicaHandle) Close() error {
	return h.db.Close()
}

// Init turns a plain SQLite database at path into a synqlite replica: it
// introspects the existing user schema, installs the shadow tables and
// triggers, creates the effective views, and assigns a clock row. peer may
// be empty to have one generated. path must name an existing file.
func Init(ctx context.Context, path string, peer string, cfg Config) (*ReplicaHandle, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	desc, err := schema.Introspect(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := validation.Default()(desc); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	if err := shadow.Install(ctx, db, desc); err != nil {
		db.Close()
		return nil, fmt.Errorf("install shadow schema: %w", err)
	}
	if err := effective.Install(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("install effective views: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := clock.Install(ctx, tx, peer); err != nil {
		tx.Rollback()
		db.Close()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		db.Close()
		return nil, err
	}

	return &ReplicaHandle{db: db, path: path, desc: desc, cfg: cfg}, nil
}

// CloneTo copies src's entire file to dst, byte for byte, under the
// single-writer file lock, so a fresh replica starts with the same log
// (and therefore the same merged state) as its source. It then opens dst
// and replaces the copied peer id with a fresh one from clock.NewPeerID.
func CloneTo(ctx context.Context, src, dst string) error {
	if err := clonefile.Copy(ctx, src, dst); err != nil {
		return err
	}
	peer, err := clock.NewPeerID()
	if err != nil {
		return err
	}
	db, err := sql.Open("sqlite3", dst)
	if err != nil {
		return fmt.Errorf("open clone %q: %w", dst, err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, `UPDATE _synq_local SET peer = ? WHERE id = 1`, peer); err != nil {
		return fmt.Errorf("assign clone peer id: %w", err)
	}
	return nil
}

// PullFrom merges remotePath's shadow log into h's database and rebuilds
// h's user tables. It runs the whole five-phase merge engine inside one
// transaction; h's file lock (internal/clonefile.Lock) must already be held
// by the caller, normally the CLI layer, for the duration of the call.
func (h *ReplicaHandle) PullFrom(ctx context.Context, remotePath string) (*mergeengine.Report, error) {
	return mergeengine.Pull(ctx, h.db, remotePath, h.desc, h.cfg.mergeConfig())
}

// Fingerprint writes a stable summary of h's replicated state to path: the
// local peer id and a SHA-256 over the ordered contents of _synq_log. The
// clock, the context frontier and _synq_fklog are not part of it. Two
// replicas with the same log_sha256 line hold the same _synq_log, even if
// their local clocks or physical rowids differ.
func (h *ReplicaHandle) Fingerprint(ctx context.Context, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create fingerprint file %q: %w", path, err)
	}
	defer f.Close()

	peer, err := clock.New(h.db, h.cfg.clockConfig()).Peer(ctx)
	if err != nil {
		return err
	}

	hash, err := logDigest(ctx, h.db)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(f, "synqlite-fingerprint v1\npeer=%s\nlog_sha256=%s\n", peer, hash)
	return err
}

func logDigest(ctx context.Context, db *sql.DB) (string, error) {
	h := sha256.New()

	rows, err := db.QueryContext(ctx, `
		SELECT table_id, row_id, col_id, ts, peer, value, tombstone
		FROM _synq_log ORDER BY table_id, row_id, col_id, ts, peer
	`)
	if err != nil {
		return "", fmt.Errorf("read log for fingerprint: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tableID, colID, ts, tombstone int64
		var rowID, peer string
		var value sql.NullString
		if err := rows.Scan(&tableID, &rowID, &colID, &ts, &peer, &value, &tombstone); err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%d|%s|%d|%d|%s|%s|%d\n", tableID, rowID, colID, ts, peer, value.String, tombstone)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Status summarizes a replica's clock and causal context, the operational
// read behind `synql status` — a read, not a new core operation.
type Status struct {
	Peer        string
	Ts          int64
	IsMerging   bool
	ContextRows int
	FileDigest  string
}

// Status reads h's current clock and causal-context frontier without
// mutating anything.
func (h *ReplicaHandle) Status(ctx context.Context) (*Status, error) {
	c := clock.New(h.db, h.cfg.clockConfig())
	peer, err := c.Peer(ctx)
	if err != nil {
		return nil, err
	}
	ts, err := c.Now(ctx)
	if err != nil {
		return nil, err
	}
	merging, err := c.IsMerging(ctx)
	if err != nil {
		return nil, err
	}

	var contextRows int
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _synq_context`).Scan(&contextRows); err != nil {
		return nil, fmt.Errorf("read context frontier: %w", err)
	}

	digest, err := clonefile.FileDigest(h.path)
	if err != nil {
		return nil, err
	}

	return &Status{Peer: peer, Ts: ts, IsMerging: merging, ContextRows: contextRows, FileDigest: digest}, nil
}

// Delta is left unimplemented; see ErrUnimplemented.
func Delta(ctx context.Context, dbPath, fingerprintPath, deltaPath string) error {
	return ErrUnimplemented
}

var _ io.Closer = (*ReplicaHandle)(nil)
