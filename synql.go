// Package synqlite provides a minimal public API for turning a SQLite
// database into a conflict-free replicated store. Most callers want the
// synql CLI under cmd/synql; this package exists for programs that embed
// synqlite directly: a thin root-package façade over the internal
// storage layer.
package synqlite

import (
	"context"

	"github.com/synqlite/synqlite/internal/mergeengine"
	"github.com/synqlite/synqlite/internal/replica"
)

// Config controls replica-wide behavior. See internal/config for how the
// CLI resolves this from files, environment variables, and defaults.
type Config = replica.Config

// Handle is an open synqlite replica.
type Handle = replica.ReplicaHandle

// Report summarizes the rows imported and conflicts resolved by one Pull.
type Report = mergeengine.Report

// ErrUnimplemented is returned by Delta.
var ErrUnimplemented = replica.ErrUnimplemented

// Init turns the SQLite database at path into a synqlite replica: it
// introspects the existing schema, installs the shadow log and triggers,
// and assigns peer as its replica id (generating one if peer is empty).
func Init(ctx context.Context, path string, peer string, cfg Config) (*Handle, error) {
	return replica.Init(ctx, path, peer, cfg)
}

// Open connects to an already-initialized synqlite database.
func Open(ctx context.Context, path string, cfg Config) (*Handle, error) {
	return replica.Open(ctx, path, cfg)
}

// CloneTo copies src's file to dst under a file lock, giving dst the same
// replicated log as src.
func CloneTo(ctx context.Context, src, dst string) error {
	return replica.CloneTo(ctx, src, dst)
}

// PullFrom merges remotePath's log into h and rebuilds h's user tables.
func PullFrom(ctx context.Context, h *Handle, remotePath string) (*Report, error) {
	return h.PullFrom(ctx, remotePath)
}

// Fingerprint writes a stable summary of h's replicated state to path.
func Fingerprint(ctx context.Context, h *Handle, path string) error {
	return h.Fingerprint(ctx, path)
}

// Delta is an open question left unimplemented; see internal/replica.Delta.
func Delta(ctx context.Context, dbPath, fingerprintPath, deltaPath string) error {
	return replica.Delta(ctx, dbPath, fingerprintPath, deltaPath)
}
