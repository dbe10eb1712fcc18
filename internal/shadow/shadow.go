// Package shadow installs the replicated log's storage: the shared shadow
// tables, one row-identity table per user table, and the AFTER INSERT/
// UPDATE/DELETE triggers that turn ordinary writes into log entries.
//
// Install is called once, from replica.Init, against the schema.Descriptor
// produced by internal/schema. Per the "dynamic dispatch" design note, the
// descriptor is compiled into trigger SQL text a single time here; nothing
// downstream re-interprets the schema at statement time.
package shadow

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/synqlite/synqlite/internal/schema"
)

// sharedDDL creates the shadow tables that do not depend on the user schema:
// the clock row, the per-peer context (a frontier vector: the highest
// timestamp already folded in, per peer), the interned table/column name
// table, the column-level CRDT log, the foreign-key log, the undo log that
// records conflict-resolution fixups, and the uniqueness-arbitration table.
//
// Table names match the wire-protocol names any two synqlite replicas must
// agree on to merge with each other.
var sharedDDL = []string{
	`CREATE TABLE _synq_local (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		peer TEXT NOT NULL,
		ts INTEGER NOT NULL DEFAULT 0,
		is_merging INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE _synq_context (
		peer TEXT PRIMARY KEY,
		ts INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE _synq_names (
		id INTEGER PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('table', 'column')),
		table_name TEXT NOT NULL,
		name TEXT,
		UNIQUE (kind, table_name, name)
	)`,
	`CREATE TABLE _synq_log (
		ts INTEGER NOT NULL,
		peer TEXT NOT NULL,
		table_id INTEGER NOT NULL REFERENCES _synq_names(id),
		row_id TEXT NOT NULL,
		col_id INTEGER NOT NULL REFERENCES _synq_names(id),
		value ANY,
		tombstone INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (table_id, row_id, col_id, ts, peer)
	)`,
	`CREATE TABLE _synq_fklog (
		ts INTEGER NOT NULL,
		peer TEXT NOT NULL,
		table_id INTEGER NOT NULL REFERENCES _synq_names(id),
		row_id TEXT NOT NULL,
		fk_id INTEGER NOT NULL,
		ref_row_id TEXT,
		tombstone INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (table_id, row_id, fk_id, ts, peer)
	)`,
	`CREATE TABLE _synq_id_undo (
		table_id INTEGER NOT NULL REFERENCES _synq_names(id),
		row_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		peer TEXT NOT NULL,
		deleted INTEGER NOT NULL,
		PRIMARY KEY (table_id, row_id, ts, peer)
	)`,
	`CREATE TABLE _synq_undolog (
		ts INTEGER NOT NULL,
		rule TEXT NOT NULL,
		table_id INTEGER NOT NULL REFERENCES _synq_names(id),
		row_id TEXT NOT NULL,
		detail TEXT,
		PRIMARY KEY (ts, table_id, row_id, rule)
	)`,
	`CREATE TABLE _synq_uniqueness (
		index_name TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		row_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		peer TEXT NOT NULL,
		PRIMARY KEY (index_name, key_hash)
	)`,
	`CREATE TABLE _synq_fk (
		table_id INTEGER NOT NULL REFERENCES _synq_names(id),
		fk_id INTEGER NOT NULL,
		ref_table_id INTEGER NOT NULL REFERENCES _synq_names(id),
		on_delete INTEGER NOT NULL,
		on_update INTEGER NOT NULL,
		columns TEXT NOT NULL,
		ref_columns TEXT NOT NULL,
		PRIMARY KEY (table_id, fk_id)
	)`,
}

// Install creates every shadow table and per-table trigger for desc. db must
// already hold the user tables described by desc; Install never alters user
// table DDL, only adds shadow state alongside it.
func Install(ctx context.Context, db *sql.DB, desc *schema.Descriptor) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin install tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range sharedDDL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create shadow table: %w", err)
		}
	}

	for _, t := range desc.Tables {
		if err := installTable(ctx, tx, desc, t); err != nil {
			return fmt.Errorf("install table %q: %w", t.Name, err)
		}
	}

	return tx.Commit()
}

func installTable(ctx context.Context, tx *sql.Tx, desc *schema.Descriptor, t schema.Table) error {
	tableID, err := internName(ctx, tx, "table", t.Name, "")
	if err != nil {
		return err
	}
	colID := map[string]int64{}
	for _, c := range t.Columns {
		id, err := internName(ctx, tx, "column", t.Name, c.Name)
		if err != nil {
			return err
		}
		colID[c.Name] = id
	}
	// rowMarkerCol is a synthetic column interned alongside the real ones so
	// a table made entirely of the rowid alias and foreign-key columns (no
	// ordinary replicated column at all, as in scenario 2's Y(y PK, x
	// references X)) still gets a tombstone entry on delete: liveRowIDs and
	// deletedRows read row lifecycle off _synq_log tombstones, so every
	// table needs at least one column logged there regardless of shape.
	markerID, err := internName(ctx, tx, "column", t.Name, rowMarkerCol)
	if err != nil {
		return err
	}
	colID[rowMarkerCol] = markerID

	idTable := idTableName(t.Name)
	createID := fmt.Sprintf(`CREATE TABLE %s (
		rowid INTEGER PRIMARY KEY,
		row_id TEXT NOT NULL UNIQUE
	)`, quote(idTable))
	if _, err := tx.ExecContext(ctx, createID); err != nil {
		return fmt.Errorf("create %s: %w", idTable, err)
	}

	for i, fk := range t.ForeignKeys {
		refTableID, err := internName(ctx, tx, "table", fk.RefTable, "")
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO _synq_fk(table_id, fk_id, ref_table_id, on_delete, on_update, columns, ref_columns)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tableID, i, refTableID, int(fk.OnDelete), int(fk.OnUpdate),
			strings.Join(fk.Columns, ","), strings.Join(fk.RefColumns, ","))
		if err != nil {
			return fmt.Errorf("record fk metadata for %s: %w", t.Name, err)
		}
	}

	stmts := triggerSQL(t, tableID, colID)
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create trigger: %w\n%s", err, stmt)
		}
	}
	_ = desc
	return nil
}

func internName(ctx context.Context, tx *sql.Tx, kind, table, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM _synq_names WHERE kind = ? AND table_name = ? AND name IS ?`,
		kind, table, sqlNull(name)).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("lookup interned name: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO _synq_names(kind, table_name, name) VALUES (?, ?, ?)`,
		kind, table, sqlNull(name))
	if err != nil {
		return 0, fmt.Errorf("intern name: %w", err)
	}
	return res.LastInsertId()
}

func sqlNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func idTableName(table string) string {
	return "_synq_id_" + table
}

// rowMarkerCol is the synthetic column name interned for every table's
// row-existence tombstone; see installTable. It cannot collide with a real
// SQLite identifier because it is never quoted into generated DDL.
const rowMarkerCol = "\x00row"

// fkTargetExpr builds the SQL expression that resolves fk's current target
// row identity from NEW's local column values: a join from the referenced
// table's row-identity table to the referenced table itself, matched on
// every column of the (possibly composite) foreign key: a join on the
// locally matched natural key, the same expression the insert trigger
// uses to populate FkLog.
func fkTargetExpr(fk schema.ForeignKey, newOrOld string) (lookup string, allNull string) {
	refIDTable := quote(idTableName(fk.RefTable))
	refTable := quote(fk.RefTable)

	var conds []string
	var nullChecks []string
	for i, col := range fk.Columns {
		refCol := fk.RefColumns[i]
		conds = append(conds, fmt.Sprintf(`rt.%s = %s.%s`, quote(refCol), newOrOld, quote(col)))
		nullChecks = append(nullChecks, fmt.Sprintf(`%s.%s IS NULL`, newOrOld, quote(col)))
	}
	lookup = fmt.Sprintf(`(SELECT idt.row_id FROM %s idt JOIN %s rt ON rt.rowid = idt.rowid WHERE %s)`,
		refIDTable, refTable, strings.Join(conds, " AND "))
	allNull = strings.Join(nullChecks, " OR ")
	return lookup, allNull
}

// triggerSQL builds the AFTER INSERT/UPDATE/DELETE triggers for one table.
// Every trigger bumps the local clock, logs the row change, and then
// records the new frontier in _synq_context, resolving the open question
// of whether a trigger-driven update should also touch _synq_context
// explicitly: it does, every time, per the "authoritative later revision".
//
// Triggers guard every logging statement on is_merging = 0 so that rows
// rebuilt by the merge engine's P3 pass (which writes through
// is_merging = 1) do not re-enter the log as if they were fresh local
// writes. The delete trigger's removal of the row's _synq_id_<T> entry is
// not guarded and runs in both cases.
func triggerSQL(t schema.Table, tableID int64, colID map[string]int64) []string {
	var out []string
	idTable := quote(idTableName(t.Name))
	table := quote(t.Name)

	bump := fmt.Sprintf(`UPDATE _synq_local SET ts = ts + 1 WHERE id = 1 AND is_merging = 0;`)
	advanceContext := `INSERT INTO _synq_context(peer, ts)
		SELECT peer, ts FROM _synq_local WHERE id = 1
		ON CONFLICT(peer) DO UPDATE SET ts = excluded.ts
		WHERE (SELECT is_merging FROM _synq_local WHERE id = 1) = 0;`

	cols := t.ReplicatedColumns()

	var insertCols strings.Builder
	fmt.Fprintf(&insertCols, `
		INSERT INTO _synq_log(ts, peer, table_id, row_id, col_id, value, tombstone)
		SELECT (SELECT ts FROM _synq_local WHERE id = 1), (SELECT peer FROM _synq_local WHERE id = 1),
			%d, (SELECT row_id FROM %s WHERE rowid = NEW.rowid), %d, 1, 0
		WHERE (SELECT is_merging FROM _synq_local WHERE id = 1) = 0;`,
		tableID, idTable, colID[rowMarkerCol])
	for _, name := range cols {
		fmt.Fprintf(&insertCols, `
		INSERT INTO _synq_log(ts, peer, table_id, row_id, col_id, value, tombstone)
		SELECT (SELECT ts FROM _synq_local WHERE id = 1), (SELECT peer FROM _synq_local WHERE id = 1),
			%d, (SELECT row_id FROM %s WHERE rowid = NEW.rowid), %d, NEW.%s, 0
		WHERE (SELECT is_merging FROM _synq_local WHERE id = 1) = 0;`,
			tableID, idTable, colID[name], quote(name))
	}

	var insertFKs strings.Builder
	for fkID, fk := range t.ForeignKeys {
		lookup, allNull := fkTargetExpr(fk, "NEW")
		fmt.Fprintf(&insertFKs, `
		INSERT INTO _synq_fklog(ts, peer, table_id, row_id, fk_id, ref_row_id, tombstone)
		SELECT (SELECT ts FROM _synq_local WHERE id = 1), (SELECT peer FROM _synq_local WHERE id = 1),
			%d, (SELECT row_id FROM %s WHERE rowid = NEW.rowid), %d,
			CASE WHEN %s THEN NULL ELSE %s END, 0
		WHERE (SELECT is_merging FROM _synq_local WHERE id = 1) = 0;`,
			tableID, idTable, fkID, allNull, lookup)
	}

	insertTrigger := fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON %s BEGIN
		%s
		INSERT INTO %s(rowid, row_id)
		SELECT NEW.rowid,
			(SELECT peer FROM _synq_local WHERE id = 1) || '-' || CAST((SELECT ts FROM _synq_local WHERE id = 1) AS TEXT)
		WHERE (SELECT is_merging FROM _synq_local WHERE id = 1) = 0;
		%s
		%s
		%s
	END;`, quote("_synq_"+t.Name+"_ai"), table, bump, idTable, insertCols.String(), insertFKs.String(), advanceContext)
	out = append(out, insertTrigger)

	var updateCols strings.Builder
	for _, name := range cols {
		fmt.Fprintf(&updateCols, `
		INSERT INTO _synq_log(ts, peer, table_id, row_id, col_id, value, tombstone)
		SELECT (SELECT ts FROM _synq_local WHERE id = 1), (SELECT peer FROM _synq_local WHERE id = 1),
			%d, (SELECT row_id FROM %s WHERE rowid = NEW.rowid), %d, NEW.%s, 0
		WHERE (SELECT is_merging FROM _synq_local WHERE id = 1) = 0 AND NEW.%s IS NOT OLD.%s;`,
			tableID, idTable, colID[name], quote(name), quote(name), quote(name))
	}

	var updateFKs strings.Builder
	for fkID, fk := range t.ForeignKeys {
		lookup, allNull := fkTargetExpr(fk, "NEW")
		var changed []string
		for _, c := range fk.Columns {
			changed = append(changed, fmt.Sprintf(`NEW.%s IS NOT OLD.%s`, quote(c), quote(c)))
		}
		fmt.Fprintf(&updateFKs, `
		INSERT INTO _synq_fklog(ts, peer, table_id, row_id, fk_id, ref_row_id, tombstone)
		SELECT (SELECT ts FROM _synq_local WHERE id = 1), (SELECT peer FROM _synq_local WHERE id = 1),
			%d, (SELECT row_id FROM %s WHERE rowid = NEW.rowid), %d,
			CASE WHEN %s THEN NULL ELSE %s END, 0
		WHERE (SELECT is_merging FROM _synq_local WHERE id = 1) = 0 AND (%s);`,
			tableID, idTable, fkID, allNull, lookup, strings.Join(changed, " OR "))
	}

	updateTrigger := fmt.Sprintf(`CREATE TRIGGER %s AFTER UPDATE ON %s BEGIN
		%s
		%s
		%s
		%s
	END;`, quote("_synq_"+t.Name+"_au"), table, bump, updateCols.String(), updateFKs.String(), advanceContext)
	out = append(out, updateTrigger)

	var deleteCols strings.Builder
	fmt.Fprintf(&deleteCols, `
		INSERT INTO _synq_log(ts, peer, table_id, row_id, col_id, value, tombstone)
		SELECT (SELECT ts FROM _synq_local WHERE id = 1), (SELECT peer FROM _synq_local WHERE id = 1),
			%d, (SELECT row_id FROM %s WHERE rowid = OLD.rowid), %d, NULL, 1
		WHERE (SELECT is_merging FROM _synq_local WHERE id = 1) = 0;`,
		tableID, idTable, colID[rowMarkerCol])
	for _, name := range cols {
		fmt.Fprintf(&deleteCols, `
		INSERT INTO _synq_log(ts, peer, table_id, row_id, col_id, value, tombstone)
		SELECT (SELECT ts FROM _synq_local WHERE id = 1), (SELECT peer FROM _synq_local WHERE id = 1),
			%d, (SELECT row_id FROM %s WHERE rowid = OLD.rowid), %d, NULL, 1
		WHERE (SELECT is_merging FROM _synq_local WHERE id = 1) = 0;`,
			tableID, idTable, colID[name])
	}
	deleteTrigger := fmt.Sprintf(`CREATE TRIGGER %s AFTER DELETE ON %s BEGIN
		%s
		%s
		INSERT INTO _synq_id_undo(table_id, row_id, ts, peer, deleted)
		SELECT %d, (SELECT row_id FROM %s WHERE rowid = OLD.rowid),
			(SELECT ts FROM _synq_local WHERE id = 1), (SELECT peer FROM _synq_local WHERE id = 1), 1
		WHERE (SELECT is_merging FROM _synq_local WHERE id = 1) = 0;
		DELETE FROM %s WHERE rowid = OLD.rowid;
		%s
	END;`, quote("_synq_"+t.Name+"_ad"), table, bump, deleteCols.String(), tableID, idTable, idTable, advanceContext)
	out = append(out, deleteTrigger)

	return out
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
