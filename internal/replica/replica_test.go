package replica

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func newReplica(t *testing.T, dir, name, peer, ddl string) *ReplicaHandle {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(dir, name)

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		t.Fatalf("apply schema to %s: %v", name, err)
	}
	db.Close()

	h, err := Init(ctx, path, peer, Config{PhysicalClock: false})
	if err != nil {
		t.Fatalf("Init %s: %v", name, err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func mustPull(t *testing.T, into *ReplicaHandle, fromPath string) {
	t.Helper()
	if _, err := into.PullFrom(context.Background(), fromPath); err != nil {
		t.Fatalf("PullFrom %s: %v", fromPath, err)
	}
}

func queryStrings(t *testing.T, h *ReplicaHandle, query string, args ...any) []string {
	t.Helper()
	rows, err := h.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			t.Fatalf("scan: %v", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	return out
}

func countRows(t *testing.T, h *ReplicaHandle, query string, args ...any) int {
	t.Helper()
	var n int
	if err := h.db.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("count query %q: %v", query, err)
	}
	return n
}

// Scenario 1: concurrent insert of the same primary-key value.
func TestScenarioConcurrentInsertSamePrimaryKey(t *testing.T) {
	dir := t.TempDir()
	a := newReplica(t, dir, "a.db", "aaaaaaaaaaaa", `CREATE TABLE x (v TEXT PRIMARY KEY)`)
	b := newReplica(t, dir, "b.db", "bbbbbbbbbbbb", `CREATE TABLE x (v TEXT PRIMARY KEY)`)

	ctx := context.Background()
	if _, err := a.db.ExecContext(ctx, `INSERT INTO x(v) VALUES ('v1')`); err != nil {
		t.Fatalf("insert on a: %v", err)
	}
	if _, err := b.db.ExecContext(ctx, `INSERT INTO x(v) VALUES ('v1')`); err != nil {
		t.Fatalf("insert on b: %v", err)
	}

	mustPull(t, a, filepath.Join(dir, "b.db"))
	mustPull(t, b, filepath.Join(dir, "a.db"))
	mustPull(t, a, filepath.Join(dir, "b.db"))

	for _, r := range []struct {
		name string
		h    *ReplicaHandle
	}{{"a", a}, {"b", b}} {
		vals := queryStrings(t, r.h, `SELECT v FROM x`)
		if len(vals) != 1 || vals[0] != "v1" {
			t.Fatalf("%s: rows = %v, want exactly one ('v1')", r.name, vals)
		}
	}
}

// Scenario 2: update vs. delete of a RESTRICT-guarded reference.
func TestScenarioUpdateVsDeleteRestrict(t *testing.T) {
	ddl := `
		CREATE TABLE x (x INTEGER PRIMARY KEY);
		CREATE TABLE y (y INTEGER PRIMARY KEY, x INTEGER REFERENCES x(x) ON DELETE RESTRICT);
	`
	dir := t.TempDir()
	a := newReplica(t, dir, "a.db", "aaaaaaaaaaaa", ddl)
	b := newReplica(t, dir, "b.db", "bbbbbbbbbbbb", ddl)

	ctx := context.Background()
	if _, err := a.db.ExecContext(ctx, `INSERT INTO x(x) VALUES (1)`); err != nil {
		t.Fatalf("seed insert on a: %v", err)
	}
	mustPull(t, b, filepath.Join(dir, "a.db"))

	if _, err := a.db.ExecContext(ctx, `DELETE FROM x WHERE x = 1`); err != nil {
		t.Fatalf("delete on a: %v", err)
	}
	if _, err := b.db.ExecContext(ctx, `INSERT INTO y(y, x) VALUES (1, 1)`); err != nil {
		t.Fatalf("insert on b: %v", err)
	}

	mustPull(t, a, filepath.Join(dir, "b.db"))
	mustPull(t, b, filepath.Join(dir, "a.db"))
	mustPull(t, a, filepath.Join(dir, "b.db"))

	for _, r := range []struct {
		name string
		h    *ReplicaHandle
	}{{"a", a}, {"b", b}} {
		xCount := countRows(t, r.h, `SELECT COUNT(*) FROM x WHERE x = 1`)
		if xCount != 1 {
			t.Fatalf("%s: X(1) visible=%d, want 1 (restrict must resurrect it)", r.name, xCount)
		}
		yCount := countRows(t, r.h, `SELECT COUNT(*) FROM y WHERE y = 1`)
		if yCount != 1 {
			t.Fatalf("%s: Y(1) visible=%d, want 1", r.name, yCount)
		}
	}
}

// Scenario 3: cascade through an ON UPDATE CASCADE reference.
func TestScenarioCascadeThroughUpdate(t *testing.T) {
	ddl := `
		CREATE TABLE x (x INTEGER PRIMARY KEY);
		CREATE TABLE y (y INTEGER PRIMARY KEY, x INTEGER REFERENCES x(x) ON UPDATE CASCADE);
	`
	dir := t.TempDir()
	a := newReplica(t, dir, "a.db", "aaaaaaaaaaaa", ddl)
	b := newReplica(t, dir, "b.db", "bbbbbbbbbbbb", ddl)

	ctx := context.Background()
	if _, err := a.db.ExecContext(ctx, `INSERT INTO x(x) VALUES (1)`); err != nil {
		t.Fatalf("seed x on a: %v", err)
	}
	if _, err := a.db.ExecContext(ctx, `INSERT INTO y(y, x) VALUES (1, 1)`); err != nil {
		t.Fatalf("seed y on a: %v", err)
	}
	mustPull(t, b, filepath.Join(dir, "a.db"))

	if _, err := a.db.ExecContext(ctx, `UPDATE x SET x = 2 WHERE x = 1`); err != nil {
		t.Fatalf("update on a: %v", err)
	}

	mustPull(t, b, filepath.Join(dir, "a.db"))

	xVal := countRows(t, b, `SELECT COUNT(*) FROM x WHERE x = 2`)
	if xVal != 1 {
		t.Fatalf("b: X(2) visible=%d, want 1", xVal)
	}
	yVal := countRows(t, b, `SELECT COUNT(*) FROM y WHERE x = 2`)
	if yVal != 1 {
		t.Fatalf("b: Y.x=2 count=%d, want 1 (cascade must follow the new target)", yVal)
	}
}

// Scenario 4: uniqueness arbitration on a composite key.
func TestScenarioUniquenessCompositeKey(t *testing.T) {
	ddl := `CREATE TABLE x (a INTEGER, b INTEGER, PRIMARY KEY (a, b))`
	dir := t.TempDir()
	a := newReplica(t, dir, "a.db", "aaaaaaaaaaaa", ddl)
	b := newReplica(t, dir, "b.db", "bbbbbbbbbbbb", ddl)

	ctx := context.Background()
	for _, v := range [][2]int{{1, 2}, {1, 3}} {
		if _, err := a.db.ExecContext(ctx, `INSERT INTO x(a, b) VALUES (?, ?)`, v[0], v[1]); err != nil {
			t.Fatalf("insert on a: %v", err)
		}
	}
	for _, v := range [][2]int{{1, 2}, {1, 4}} {
		if _, err := b.db.ExecContext(ctx, `INSERT INTO x(a, b) VALUES (?, ?)`, v[0], v[1]); err != nil {
			t.Fatalf("insert on b: %v", err)
		}
	}

	mustPull(t, a, filepath.Join(dir, "b.db"))
	mustPull(t, b, filepath.Join(dir, "a.db"))
	mustPull(t, a, filepath.Join(dir, "b.db"))

	for _, r := range []struct {
		name string
		h    *ReplicaHandle
	}{{"a", a}, {"b", b}} {
		n := countRows(t, r.h, `SELECT COUNT(*) FROM x`)
		if n != 3 {
			t.Fatalf("%s: row count=%d, want 3 (one (1,2) duplicate must lose)", r.name, n)
		}
		dup := countRows(t, r.h, `SELECT COUNT(*) FROM x WHERE a = 1 AND b = 2`)
		if dup != 1 {
			t.Fatalf("%s: (1,2) count=%d, want exactly 1 surviving", r.name, dup)
		}
	}
}

// Scenario 5: ON DELETE SET NULL under a concurrent delete.
func TestScenarioSetNullOnConcurrentDelete(t *testing.T) {
	ddl := `
		CREATE TABLE x (x INTEGER PRIMARY KEY);
		CREATE TABLE y (y INTEGER PRIMARY KEY, x INTEGER REFERENCES x(x) ON DELETE SET NULL);
	`
	dir := t.TempDir()
	a := newReplica(t, dir, "a.db", "aaaaaaaaaaaa", ddl)
	b := newReplica(t, dir, "b.db", "bbbbbbbbbbbb", ddl)

	ctx := context.Background()
	if _, err := a.db.ExecContext(ctx, `INSERT INTO x(x) VALUES (1)`); err != nil {
		t.Fatalf("seed x on a: %v", err)
	}
	mustPull(t, b, filepath.Join(dir, "a.db"))

	if _, err := a.db.ExecContext(ctx, `DELETE FROM x WHERE x = 1`); err != nil {
		t.Fatalf("delete on a: %v", err)
	}
	if _, err := b.db.ExecContext(ctx, `INSERT INTO y(y, x) VALUES (1, 1)`); err != nil {
		t.Fatalf("insert on b: %v", err)
	}

	mustPull(t, a, filepath.Join(dir, "b.db"))
	mustPull(t, b, filepath.Join(dir, "a.db"))

	for _, r := range []struct {
		name string
		h    *ReplicaHandle
	}{{"a", a}, {"b", b}} {
		xCount := countRows(t, r.h, `SELECT COUNT(*) FROM x`)
		if xCount != 0 {
			t.Fatalf("%s: X count=%d, want 0", r.name, xCount)
		}
		var xVal any
		if err := r.h.db.QueryRowContext(ctx, `SELECT x FROM y WHERE y = 1`).Scan(&xVal); err != nil {
			t.Fatalf("%s: read y: %v", r.name, err)
		}
		if xVal != nil {
			t.Fatalf("%s: Y.x = %v, want NULL", r.name, xVal)
		}
	}
}

// Additional scenario: concurrent rename of a RESTRICT-guarded unique column.
func TestScenarioUpdateVsInsertRestrict(t *testing.T) {
	ddl := `
		CREATE TABLE x (x INTEGER PRIMARY KEY, email TEXT UNIQUE);
		CREATE TABLE y (y INTEGER PRIMARY KEY, email TEXT REFERENCES x(email) ON UPDATE RESTRICT);
	`
	dir := t.TempDir()
	a := newReplica(t, dir, "a.db", "aaaaaaaaaaaa", ddl)
	b := newReplica(t, dir, "b.db", "bbbbbbbbbbbb", ddl)

	ctx := context.Background()
	if _, err := a.db.ExecContext(ctx, `INSERT INTO x(x, email) VALUES (1, 'old@example.com')`); err != nil {
		t.Fatalf("seed x on a: %v", err)
	}
	mustPull(t, b, filepath.Join(dir, "a.db"))

	if _, err := a.db.ExecContext(ctx, `UPDATE x SET email = 'new@example.com' WHERE x = 1`); err != nil {
		t.Fatalf("rename on a: %v", err)
	}
	if _, err := b.db.ExecContext(ctx, `INSERT INTO y(y, email) VALUES (1, 'old@example.com')`); err != nil {
		t.Fatalf("insert on b: %v", err)
	}

	mustPull(t, a, filepath.Join(dir, "b.db"))
	mustPull(t, b, filepath.Join(dir, "a.db"))
	mustPull(t, a, filepath.Join(dir, "b.db"))

	for _, r := range []struct {
		name string
		h    *ReplicaHandle
	}{{"a", a}, {"b", b}} {
		emails := queryStrings(t, r.h, `SELECT email FROM x WHERE x = 1`)
		if len(emails) != 1 || emails[0] != "old@example.com" {
			t.Fatalf("%s: x(1).email = %v, want the rename undone back to 'old@example.com'", r.name, emails)
		}
		yCount := countRows(t, r.h, `SELECT COUNT(*) FROM y WHERE y = 1`)
		if yCount != 1 {
			t.Fatalf("%s: Y(1) visible=%d, want 1", r.name, yCount)
		}
	}
}

// Convergence and idempotence, exercised together over one table with
// distinct keys written on each side: re-pulling an already-merged remote
// must change nothing, and mutual pulls from both sides converge to the
// same bag of rows.
func TestConvergenceAndIdempotence(t *testing.T) {
	ddl := `CREATE TABLE x (v TEXT PRIMARY KEY)`
	dir := t.TempDir()
	a := newReplica(t, dir, "a.db", "aaaaaaaaaaaa", ddl)
	b := newReplica(t, dir, "b.db", "bbbbbbbbbbbb", ddl)

	ctx := context.Background()
	a.db.ExecContext(ctx, `INSERT INTO x(v) VALUES ('a1')`)
	a.db.ExecContext(ctx, `INSERT INTO x(v) VALUES ('a2')`)
	b.db.ExecContext(ctx, `INSERT INTO x(v) VALUES ('b1')`)

	mustPull(t, a, filepath.Join(dir, "b.db"))
	mustPull(t, b, filepath.Join(dir, "a.db"))
	mustPull(t, a, filepath.Join(dir, "b.db"))

	aVals := queryStrings(t, a, `SELECT v FROM x ORDER BY v`)
	bVals := queryStrings(t, b, `SELECT v FROM x ORDER BY v`)
	if len(aVals) != 3 || len(bVals) != 3 {
		t.Fatalf("convergence: a=%v b=%v, want 3 rows each", aVals, bVals)
	}
	for i := range aVals {
		if aVals[i] != bVals[i] {
			t.Fatalf("convergence: a=%v b=%v differ", aVals, bVals)
		}
	}

	before := queryStrings(t, a, `SELECT v FROM x ORDER BY v`)
	mustPull(t, a, filepath.Join(dir, "b.db"))
	after := queryStrings(t, a, `SELECT v FROM x ORDER BY v`)
	if len(before) != len(after) {
		t.Fatalf("idempotence: re-pulling an already-merged remote changed row count from %d to %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("idempotence: row %d changed from %q to %q on a no-op re-pull", i, before[i], after[i])
		}
	}
}

// Scenario 6: causal regeneration — rebuilding a user table
// from the log alone (via PullFrom's P3 rebuild pass rerun against the same
// remote, which is a no-op on content but re-executes the whole rebuild
// path) reproduces the same visible rows.
func TestCausalRegeneration(t *testing.T) {
	ddl := `CREATE TABLE x (x INTEGER PRIMARY KEY)`
	dir := t.TempDir()
	a := newReplica(t, dir, "a.db", "aaaaaaaaaaaa", ddl)
	b := newReplica(t, dir, "b.db", "bbbbbbbbbbbb", ddl)

	ctx := context.Background()
	a.db.ExecContext(ctx, `INSERT INTO x(x) VALUES (1)`)
	a.db.ExecContext(ctx, `INSERT INTO x(x) VALUES (2)`)
	a.db.ExecContext(ctx, `DELETE FROM x WHERE x = 2`)

	mustPull(t, b, filepath.Join(dir, "a.db"))

	before := queryStrings(t, b, `SELECT CAST(x AS TEXT) FROM x ORDER BY x`)

	// Clear the user table without logging the deletes, so the rebuild
	// below starts from the log alone.
	if _, err := b.db.ExecContext(ctx, `UPDATE _synq_local SET is_merging = 1 WHERE id = 1`); err != nil {
		t.Fatalf("suspend logging: %v", err)
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM x`); err != nil {
		t.Fatalf("clear user table: %v", err)
	}
	if _, err := b.db.ExecContext(ctx, `UPDATE _synq_local SET is_merging = 0 WHERE id = 1`); err != nil {
		t.Fatalf("resume logging: %v", err)
	}
	mustPull(t, b, filepath.Join(dir, "a.db"))

	after := queryStrings(t, b, `SELECT CAST(x AS TEXT) FROM x ORDER BY x`)
	if len(before) != len(after) {
		t.Fatalf("regeneration: before=%v after=%v", before, after)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("regeneration: before=%v after=%v", before, after)
		}
	}
}
