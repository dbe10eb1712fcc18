package schema

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func openTestDB(t *testing.T, ddl string) *sql.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.ExecContext(context.Background(), `PRAGMA foreign_keys = ON`); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}
	if _, err := db.ExecContext(context.Background(), ddl); err != nil {
		t.Fatalf("apply ddl: %v", err)
	}
	return db
}

func TestIntrospectSimplePrimaryKey(t *testing.T) {
	db := openTestDB(t, `CREATE TABLE x (v TEXT PRIMARY KEY)`)

	desc, err := Introspect(context.Background(), db)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if len(desc.Tables) != 1 {
		t.Fatalf("got %d tables, want 1", len(desc.Tables))
	}
	tbl := desc.Tables[0]
	if tbl.Name != "x" {
		t.Fatalf("table name = %q, want x", tbl.Name)
	}
	// v is a TEXT primary key, not an INTEGER PRIMARY KEY rowid alias, so it
	// stays an ordinary replicated column.
	if tbl.RowidAlias != "" {
		t.Fatalf("RowidAlias = %q, want empty (TEXT pk is not a rowid alias)", tbl.RowidAlias)
	}
	if got := tbl.ReplicatedColumns(); len(got) != 1 || got[0] != "v" {
		t.Fatalf("ReplicatedColumns = %v, want [v]", got)
	}
}

func TestIntrospectIntegerPrimaryKeyIsRowidAlias(t *testing.T) {
	db := openTestDB(t, `CREATE TABLE x (x INTEGER PRIMARY KEY)`)

	desc, err := Introspect(context.Background(), db)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	tbl, ok := desc.Table("x")
	if !ok {
		t.Fatal("table x not found")
	}
	if tbl.RowidAlias != "x" {
		t.Fatalf("RowidAlias = %q, want x", tbl.RowidAlias)
	}
	if got := tbl.ReplicatedColumns(); len(got) != 0 {
		t.Fatalf("ReplicatedColumns = %v, want none (rowid alias is never logged)", got)
	}
}

func TestIntrospectForeignKeyColumnsAreNotReplicatedScalars(t *testing.T) {
	db := openTestDB(t, `
		CREATE TABLE x (x INTEGER PRIMARY KEY);
		CREATE TABLE y (
			y INTEGER PRIMARY KEY,
			x INTEGER REFERENCES x(x) ON DELETE RESTRICT
		)
	`)

	desc, err := Introspect(context.Background(), db)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	y, ok := desc.Table("y")
	if !ok {
		t.Fatal("table y not found")
	}
	if len(y.ForeignKeys) != 1 {
		t.Fatalf("got %d foreign keys, want 1", len(y.ForeignKeys))
	}
	fk := y.ForeignKeys[0]
	if fk.RefTable != "x" || fk.OnDelete != ActionRestrict {
		t.Fatalf("fk = %+v, want RefTable=x OnDelete=restrict", fk)
	}
	if got := y.ReplicatedColumns(); len(got) != 0 {
		t.Fatalf("ReplicatedColumns = %v, want none (y is the rowid alias and x is a fk column)", got)
	}
}

func TestIntrospectRejectsWithoutRowid(t *testing.T) {
	db := openTestDB(t, `CREATE TABLE x (v TEXT PRIMARY KEY) WITHOUT ROWID`)

	_, err := Introspect(context.Background(), db)
	var unsupported *UnsupportedSchemaError
	if err == nil {
		t.Fatal("expected UnsupportedSchemaError, got nil")
	}
	if !asUnsupported(err, &unsupported) {
		t.Fatalf("expected *UnsupportedSchemaError, got %T: %v", err, err)
	}
}

func TestIntrospectRejectsShadowedRowidColumn(t *testing.T) {
	db := openTestDB(t, `CREATE TABLE x (rowid TEXT, v TEXT)`)

	_, err := Introspect(context.Background(), db)
	var unsupported *UnsupportedSchemaError
	if err == nil {
		t.Fatal("expected UnsupportedSchemaError, got nil")
	}
	if !asUnsupported(err, &unsupported) {
		t.Fatalf("expected *UnsupportedSchemaError, got %T: %v", err, err)
	}
}

func TestIntrospectRejectsSetDefault(t *testing.T) {
	db := openTestDB(t, `
		CREATE TABLE x (x INTEGER PRIMARY KEY);
		CREATE TABLE y (
			y INTEGER PRIMARY KEY,
			x INTEGER REFERENCES x(x) ON DELETE SET DEFAULT
		)
	`)

	_, err := Introspect(context.Background(), db)
	var unsupported *UnsupportedSchemaError
	if err == nil {
		t.Fatal("expected UnsupportedSchemaError, got nil")
	}
	if !asUnsupported(err, &unsupported) {
		t.Fatalf("expected *UnsupportedSchemaError, got %T: %v", err, err)
	}
}

func TestIntrospectUniqueIndexColumns(t *testing.T) {
	db := openTestDB(t, `
		CREATE TABLE x (a INTEGER, b INTEGER, UNIQUE(a, b));
	`)

	desc, err := Introspect(context.Background(), db)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	tbl, _ := desc.Table("x")
	if len(tbl.UniqueIndexes) != 1 {
		t.Fatalf("got %d unique indexes, want 1", len(tbl.UniqueIndexes))
	}
	cols := tbl.UniqueIndexes[0].Columns
	if len(cols) != 2 || cols[0] != "a" || cols[1] != "b" {
		t.Fatalf("unique index columns = %v, want [a b]", cols)
	}
}

func TestIntrospectSkipsShadowTables(t *testing.T) {
	db := openTestDB(t, `
		CREATE TABLE x (x INTEGER PRIMARY KEY);
		CREATE TABLE _synq_local (id INTEGER PRIMARY KEY);
	`)

	desc, err := Introspect(context.Background(), db)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if len(desc.Tables) != 1 || desc.Tables[0].Name != "x" {
		t.Fatalf("Tables = %v, want only [x]", desc.Tables)
	}
}

func asUnsupported(err error, target **UnsupportedSchemaError) bool {
	u, ok := err.(*UnsupportedSchemaError)
	if ok {
		*target = u
	}
	return ok
}
