// Package clonefile copies a synqlite database file under a file lock and
// checks whether a previously recorded file digest still matches a file's
// current contents. It is the byte-level counterpart to internal/replica:
// replica.CloneTo and the CLI's clone/pull commands go through here so that
// two synqlite processes never copy or merge the same file at once.
//
// DetectDivergence compares a digest recorded earlier by FileDigest
// against the file's current one to catch a sibling process having
// mutated the file since that digest was taken.
package clonefile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gofrs/flock"
)

// lockSuffix names a sibling lock file next to the resource it protects,
// rather than locking the database file itself (which SQLite's own
// locking already manages for writers).
const lockSuffix = ".synqlite.lock"

// Lock acquires an exclusive, process-wide lock on path for the duration of
// a clone or pull, released by calling the returned function. It blocks
// until ctx is done or the lock is acquired.
func Lock(ctx context.Context, path string) (func() error, error) {
	l := flock.New(path + lockSuffix)
	ok, err := l.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock %q: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %q: timed out waiting for another synqlite process", path)
	}
	return l.Unlock, nil
}

// Copy duplicates src to dst byte for byte under an exclusive lock on src,
// so CloneTo never reads a file mid-write by another process. dst is
// written to a temporary sibling file first and renamed into place, so a
// reader never observes a partially-written destination either.
func Copy(ctx context.Context, src, dst string) error {
	unlock, err := Lock(ctx, src)
	if err != nil {
		return err
	}
	defer unlock()

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source %q: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create destination %q: %w", tmp, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy %q to %q: %w", src, tmp, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %q: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %q to %q: %w", tmp, dst, err)
	}
	return nil
}

// FileDigest hashes a file's raw bytes, used by the status CLI command to
// show whether a clone still matches its source at the filesystem level
// (as opposed to replica.Fingerprint's log-content digest, which matches
// even after the two files have physically diverged through independent
// compaction or VACUUM).
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DivergenceStatus is the result of comparing a previously stored digest
// against a file's current one.
type DivergenceStatus struct {
	Diverged     bool
	StoredDigest string
	CurrentDigest string
	Message      string
}

// DetectDivergence reports whether path's current file digest still
// matches storedDigest (typically one recorded earlier by FileDigest, or
// empty on a first check).
func DetectDivergence(path, storedDigest string) (*DivergenceStatus, error) {
	current, err := FileDigest(path)
	if err != nil {
		return nil, err
	}
	status := &DivergenceStatus{StoredDigest: storedDigest, CurrentDigest: current}
	switch {
	case storedDigest == "":
		status.Message = "no prior digest recorded"
	case storedDigest == current:
		status.Message = "unchanged since last check"
	default:
		status.Diverged = true
		status.Message = "file has changed since last check"
	}
	return status, nil
}
