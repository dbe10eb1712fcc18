// Package schema reads the table/column/foreign-key/index model of a SQLite
// database by querying the engine's own catalog (PRAGMA table_info and
// friends, plus sqlite_master), never by parsing SQL text. Parsing CREATE
// TABLE statements is treated as the embedded database's job; this package
// only reads what the engine already parsed.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Action is a referential action as SQLite reports it on a foreign key.
type Action int

const (
	ActionCascade Action = iota
	ActionRestrict
	ActionSetNull
	ActionSetDefault
	ActionNoAction
)

func parseAction(s string) Action {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CASCADE":
		return ActionCascade
	case "RESTRICT":
		return ActionRestrict
	case "SET NULL":
		return ActionSetNull
	case "SET DEFAULT":
		return ActionSetDefault
	default:
		return ActionNoAction
	}
}

// Column describes one column of a user table.
type Column struct {
	Name         string
	Type         string
	NotNull      bool
	PrimaryKey   bool // part of the table's PRIMARY KEY
	PKOrdinal    int  // position within a composite primary key, 0-based
	DefaultValue sql.NullString
}

// ForeignKey describes one foreign key constraint, possibly composite.
type ForeignKey struct {
	ID         int // PRAGMA foreign_key_list "id", groups composite-key columns
	RefTable   string
	Columns    []string // local columns, in constraint order
	RefColumns []string // referenced columns, in constraint order
	OnDelete   Action
	OnUpdate   Action
}

// UniqueIndex describes a UNIQUE constraint or UNIQUE index on a table,
// including the implicit one backing a UNIQUE column and PRIMARY KEY
// indexes on WITHOUT ROWID-style composite keys.
type UniqueIndex struct {
	Name    string
	Columns []string
	Partial bool // has a WHERE clause; synqlite still enforces it, see R4
}

// Table is one user table's shape as needed by the shadow/trigger layer.
type Table struct {
	Name           string
	Columns        []Column
	RowidAlias     string // column name that IS the rowid (INTEGER PRIMARY KEY), "" if plain rowid
	WithoutRowid   bool
	ForeignKeys    []ForeignKey
	UniqueIndexes  []UniqueIndex
}

// ColumnNames returns the table's column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ReplicatedColumns returns, sorted, the columns whose values are tracked
// scalar-valued in ColLog: every column except the INTEGER PRIMARY KEY
// rowid alias (it is reconstructed from the row identity itself, never
// logged) and any column that is part of a foreign key (those are logged
// relationally in FkLog instead, see FKColumnSet).
func (t Table) ReplicatedColumns() []string {
	skip := t.FKColumnSet()
	if t.RowidAlias != "" {
		skip[t.RowidAlias] = true
	}
	var out []string
	for _, name := range t.ColumnNames() {
		if !skip[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// FKColumnSet returns the set of local column names that participate in
// any of t's foreign keys.
func (t Table) FKColumnSet() map[string]bool {
	set := map[string]bool{}
	for _, fk := range t.ForeignKeys {
		for _, c := range fk.Columns {
			set[c] = true
		}
	}
	return set
}

// Descriptor is the static schema model built once at Init/PullFrom time and
// threaded through shadow-table codegen and the merge engine. It is never
// mutated after Introspect returns; a schema change means running Init again.
type Descriptor struct {
	Tables []Table
}

// Table looks up a table by name, case-sensitively as SQLite does for
// unquoted identifiers normalized by the catalog.
func (d *Descriptor) Table(name string) (Table, bool) {
	for _, t := range d.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// UnsupportedSchemaError reports a table shape synqlite cannot replicate.
// It is returned by Introspect before any shadow state is created, per the
// error-handling policy of failing closed on an unsupported schema.
type UnsupportedSchemaError struct {
	Table  string
	Reason string
}

func (e *UnsupportedSchemaError) Error() string {
	return fmt.Sprintf("unsupported schema at table %q: %s", e.Table, e.Reason)
}

// shadowPrefixes name the replication-internal and SQLite system tables;
// Introspect skips them so a re-run against an already-replicated database doesn't try to
// treat its own log as user data.
var shadowPrefixes = []string{"_synq_", "sqlite_"}

func isShadowOrSystem(name string) bool {
	for _, p := range shadowPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Introspect builds a Descriptor for every ordinary user table in db. It
// queries sqlite_master for the table list and PRAGMA table_info,
// foreign_key_list, index_list, and index_info for each table's shape.
func Introspect(ctx context.Context, db *sql.DB) (*Descriptor, error) {
	names, err := tableNames(ctx, db)
	if err != nil {
		return nil, err
	}

	desc := &Descriptor{}
	for _, name := range names {
		t, err := introspectTable(ctx, db, name)
		if err != nil {
			return nil, err
		}
		desc.Tables = append(desc.Tables, t)
	}
	return desc, nil
}

func tableNames(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if isShadowOrSystem(name) {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func introspectTable(ctx context.Context, db *sql.DB, name string) (Table, error) {
	t := Table{Name: name}

	withoutRowid, err := isWithoutRowid(ctx, db, name)
	if err != nil {
		return Table{}, err
	}
	if withoutRowid {
		return Table{}, &UnsupportedSchemaError{Table: name, Reason: "WITHOUT ROWID tables have no stable rowid to key the shadow log on"}
	}
	t.WithoutRowid = false

	cols, err := columnInfo(ctx, db, name)
	if err != nil {
		return Table{}, err
	}
	t.Columns = cols

	for _, c := range cols {
		if strings.EqualFold(c.Name, "rowid") && !(c.PrimaryKey && strings.EqualFold(c.Type, "INTEGER")) {
			return Table{}, &UnsupportedSchemaError{Table: name, Reason: "column named \"rowid\" that is not the INTEGER PRIMARY KEY alias shadows the engine's own rowid"}
		}
		if c.PrimaryKey && strings.EqualFold(c.Type, "INTEGER") {
			pkCount := 0
			for _, c2 := range cols {
				if c2.PrimaryKey {
					pkCount++
				}
			}
			if pkCount == 1 {
				t.RowidAlias = c.Name
			}
		}
	}

	fks, err := foreignKeys(ctx, db, name)
	if err != nil {
		return Table{}, err
	}
	for _, fk := range fks {
		if fk.OnDelete == ActionSetDefault || fk.OnUpdate == ActionSetDefault {
			return Table{}, &UnsupportedSchemaError{Table: name, Reason: "ON DELETE/UPDATE SET DEFAULT is not a replicable conflict-resolution rule"}
		}
	}
	t.ForeignKeys = fks

	idx, err := uniqueIndexes(ctx, db, name)
	if err != nil {
		return Table{}, err
	}
	t.UniqueIndexes = idx

	return t, nil
}

func isWithoutRowid(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var sqlText sql.NullString
	row := db.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	if err := row.Scan(&sqlText); err != nil {
		return false, fmt.Errorf("read table sql for %q: %w", table, err)
	}
	return strings.Contains(strings.ToUpper(sqlText.String), "WITHOUT ROWID"), nil
}

func columnInfo(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("table_info(%s): %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, Column{
			Name:         name,
			Type:         ctype,
			NotNull:      notnull != 0,
			PrimaryKey:   pk != 0,
			PKOrdinal:    pk - 1,
			DefaultValue: dflt,
		})
	}
	return cols, rows.Err()
}

func foreignKeys(ctx context.Context, db *sql.DB, table string) ([]ForeignKey, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA foreign_key_list(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("foreign_key_list(%s): %w", table, err)
	}
	defer rows.Close()

	byID := map[int]*ForeignKey{}
	var order []int
	for rows.Next() {
		var id, seq int
		var refTable, from, to, onUpdate, onDelete, match string
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, err
		}
		fk, ok := byID[id]
		if !ok {
			fk = &ForeignKey{ID: id, RefTable: refTable, OnDelete: parseAction(onDelete), OnUpdate: parseAction(onUpdate)}
			byID[id] = fk
			order = append(order, id)
		}
		fk.Columns = append(fk.Columns, from)
		fk.RefColumns = append(fk.RefColumns, to)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Ints(order)
	out := make([]ForeignKey, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func uniqueIndexes(ctx context.Context, db *sql.DB, table string) ([]UniqueIndex, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_list(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("index_list(%s): %w", table, err)
	}
	defer rows.Close()

	type idxMeta struct {
		name    string
		unique  bool
		partial bool
	}
	var metas []idxMeta
	for rows.Next() {
		var seq int
		var name, origin string
		var unique, partial int
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return nil, err
		}
		if unique == 0 {
			continue
		}
		metas = append(metas, idxMeta{name: name, unique: true, partial: partial != 0})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []UniqueIndex
	for _, m := range metas {
		cols, err := indexColumns(ctx, db, m.name)
		if err != nil {
			return nil, err
		}
		out = append(out, UniqueIndex{Name: m.name, Columns: cols, Partial: m.partial})
	}
	return out, nil
}

func indexColumns(ctx context.Context, db *sql.DB, index string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA index_info(%s)`, quoteIdent(index)))
	if err != nil {
		return nil, fmt.Errorf("index_info(%s): %w", index, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, err
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
