package clonefile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCopyDuplicatesContentsAndUnlocks(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")

	if err := os.WriteFile(src, []byte("hello replica"), 0644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	ctx := context.Background()
	if err := Copy(ctx, src, dst); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(got) != "hello replica" {
		t.Fatalf("dst contents = %q, want %q", got, "hello replica")
	}

	if _, err := os.Stat(src + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("Copy should not leave a tmp file behind next to src")
	}
	if _, err := os.Stat(dst + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("Copy should rename its tmp file into dst, not leave %s.tmp behind", dst)
	}

	// The lock must be released by the time Copy returns, so a second
	// clone from the same source doesn't block.
	unlock, err := Lock(ctx, src)
	if err != nil {
		t.Fatalf("Lock after Copy: %v", err)
	}
	unlock()
}

func TestCopyFailsWhenSourceMissing(t *testing.T) {
	dir := t.TempDir()
	err := Copy(context.Background(), filepath.Join(dir, "nope.db"), filepath.Join(dir, "dst.db"))
	if err == nil {
		t.Fatal("expected error copying a nonexistent source, got nil")
	}
}

func TestLockExcludesConcurrentLockers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.db")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	unlock, err := Lock(context.Background(), path)
	if err != nil {
		t.Fatalf("first Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	if _, err := Lock(ctx, path); err == nil {
		t.Fatal("expected second Lock to fail while the first is held")
	}

	unlock()

	unlock2, err := Lock(context.Background(), path)
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	unlock2()
}

func TestFileDigestIsStableAndContentAddressed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.db")
	if err := os.WriteFile(path, []byte("same bytes"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	d1, err := FileDigest(path)
	if err != nil {
		t.Fatalf("FileDigest: %v", err)
	}
	d2, err := FileDigest(path)
	if err != nil {
		t.Fatalf("FileDigest (second call): %v", err)
	}
	if d1 != d2 {
		t.Fatalf("FileDigest not stable: %q vs %q", d1, d2)
	}

	if err := os.WriteFile(path, []byte("different bytes"), 0644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	d3, err := FileDigest(path)
	if err != nil {
		t.Fatalf("FileDigest (after change): %v", err)
	}
	if d3 == d1 {
		t.Fatal("FileDigest did not change after file contents changed")
	}
}

func TestDetectDivergence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.db")
	if err := os.WriteFile(path, []byte("v1"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	stored, err := FileDigest(path)
	if err != nil {
		t.Fatalf("FileDigest: %v", err)
	}

	status, err := DetectDivergence(path, stored)
	if err != nil {
		t.Fatalf("DetectDivergence: %v", err)
	}
	if status.Diverged {
		t.Fatalf("status.Diverged = true for an unchanged file: %+v", status)
	}

	if err := os.WriteFile(path, []byte("v2"), 0644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	status, err = DetectDivergence(path, stored)
	if err != nil {
		t.Fatalf("DetectDivergence (after change): %v", err)
	}
	if !status.Diverged {
		t.Fatalf("status.Diverged = false after file changed: %+v", status)
	}

	status, err = DetectDivergence(path, "")
	if err != nil {
		t.Fatalf("DetectDivergence (no prior digest): %v", err)
	}
	if status.Diverged {
		t.Fatal("an empty stored digest should not be reported as divergence")
	}
}
