// Package audit appends one JSON line per replication event to
// .synqlite/audit.jsonl. The shadow log itself is the durable source of
// truth for replicated state; this is an operational convenience on top —
// a human- and script-readable history of when a replica was initialized,
// cloned, pulled from, or fingerprinted, independent of the log's own
// internal bookkeeping.
package audit

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// FileName is the audit log file name stored under .synqlite/.
	FileName = "audit.jsonl"
	idPrefix = "syn-"
)

// Kind values for Entry.Kind.
const (
	KindInit        = "init"
	KindClone       = "clone"
	KindPull        = "pull"
	KindFingerprint = "fingerprint"
)

// Entry is one append-only audit event.
type Entry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`

	DBPath     string `json:"db_path"`
	RemotePath string `json:"remote_path,omitempty"`
	Peer       string `json:"peer,omitempty"`

	TsBefore int64 `json:"ts_before,omitempty"`
	TsAfter  int64 `json:"ts_after,omitempty"`

	RowsImported     int `json:"rows_imported,omitempty"`
	Restricted       int `json:"restricted,omitempty"`
	CascadeDeleted   int `json:"cascade_deleted,omitempty"`
	NulledOut        int `json:"nulled_out,omitempty"`
	UniquenessLosers int `json:"uniqueness_losers,omitempty"`

	Error string `json:"error,omitempty"`
}

// Path returns .synqlite/audit.jsonl under workspaceRoot.
func Path(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, ".synqlite", FileName)
}

// EnsureFile creates .synqlite/audit.jsonl under workspaceRoot if it does
// not already exist.
func EnsureFile(workspaceRoot string) (string, error) {
	p := Path(workspaceRoot)
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return "", fmt.Errorf("create .synqlite directory: %w", err)
	}
	if _, err := os.Stat(p); err == nil {
		return p, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat audit log: %w", err)
	}
	// nolint:gosec // audit.jsonl is intended to be readable by any tool inspecting a replica's history.
	if err := os.WriteFile(p, []byte{}, 0644); err != nil {
		return "", fmt.Errorf("create audit log: %w", err)
	}
	return p, nil
}

// Append appends e to workspaceRoot's audit log as a single JSON line.
func Append(workspaceRoot string, e *Entry) (string, error) {
	if e == nil {
		return "", fmt.Errorf("nil entry")
	}
	if e.Kind == "" {
		return "", fmt.Errorf("kind is required")
	}

	p, err := EnsureFile(workspaceRoot)
	if err != nil {
		return "", err
	}

	if e.ID == "" {
		e.ID, err = newID()
		if err != nil {
			return "", err
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	} else {
		e.CreatedAt = e.CreatedAt.UTC()
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644) // nolint:gosec // intended permissions
	if err != nil {
		return "", fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return "", fmt.Errorf("write audit log entry: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return "", fmt.Errorf("flush audit log: %w", err)
	}

	return e.ID, nil
}

func newID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return idPrefix + hex.EncodeToString(b[:]), nil
}
