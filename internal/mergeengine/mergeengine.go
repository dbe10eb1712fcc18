// Package mergeengine implements the five-phase merge that pulls another
// replica's log into this one: P0 reconciles clocks, P1 imports the raw
// log, P2 resolves the five referential-integrity conflict rules, P3
// rebuilds the user tables from the resolved log, and P4 advances this
// replica's context. All five phases run inside one transaction with
// deferred foreign keys, so a reader never observes a partially-merged
// database.
//
// The R5 (ON DELETE CASCADE, recursive) rule is a closure over the
// foreign-key graph, which a concurrently-edited log can make cyclic; it is
// implemented as a worklist/visited-set loop rather than a recursive
// function, per the "cyclic graphs" design note. R2 (ON DELETE RESTRICT)
// uses the same loop shape but checks each deleted row against its direct
// referrers only; see resolveR2DeleteRestrict.
package mergeengine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/synqlite/synqlite/internal/clock"
	"github.com/synqlite/synqlite/internal/schema"
)

// Config mirrors internal/clock.Config plus the one conflict-resolution
// toggle the merge engine itself needs.
type Config struct {
	Clock clock.Config

	// NoActionIsCascade remaps a foreign key declared with SQLite's default
	// (and otherwise unenforced) NO ACTION to the CASCADE rule at merge
	// time, for schemas that rely on application-level cleanup rather than
	// a declared ON DELETE clause. Default false: NO ACTION behaves like
	// RESTRICT, the safer default.
	NoActionIsCascade bool
}

// Report summarizes one Pull for the audit trail and the CLI's status
// output.
type Report struct {
	Peer            string
	RowsImported    int
	Restricted      int // R1 and R2: referred-column updates reverted and deletes undone because a restrict-guarded child survives
	CascadeDeleted  int // R5: rows removed by cascade closure
	NulledOut       int // R3: fk columns set null because their parent was deleted or its referred column changed
	UniquenessLosers int // R4: rows whose insert lost a uniqueness race
}

// action codes, matching schema.Action's ordering so _synq_fk.on_delete/
// on_update can be compared directly against them.
const (
	actionCascade = iota
	actionRestrict
	actionSetNull
	actionSetDefault
	actionNoAction
)

// Pull attaches remotePath as a second database, folds its shadow log into
// db's, resolves conflicts, and rebuilds db's user tables to match the
// merged log. desc must describe the same schema both replicas were
// initialized with; schema drift across replicas is out of scope (see
// Non-goals).
func Pull(ctx context.Context, db *sql.DB, remotePath string, desc *schema.Descriptor, cfg Config) (*Report, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire pull connection: %w", err)
	}
	defer conn.Close()
	// Registered before the rollback below so it runs after the transaction
	// has ended: SQLite refuses to detach a database an open transaction has
	// read from.
	defer conn.ExecContext(context.Background(), `DETACH DATABASE synq_remote`)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin pull tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = 1`); err != nil {
		return nil, fmt.Errorf("enable deferred foreign keys: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `ATTACH DATABASE ? AS synq_remote`, remotePath); err != nil {
		return nil, fmt.Errorf("attach remote %q: %w", remotePath, err)
	}

	c := clock.New(db, cfg.Clock)
	if err := c.SetMerging(ctx, tx, true); err != nil {
		return nil, err
	}

	report := &Report{}

	if err := phase0ReconcileClocks(ctx, tx, report); err != nil {
		return nil, fmt.Errorf("P0 reconcile clocks: %w", err)
	}

	// Captured before P1 imports the remote log, so R1 and R3's
	// update-detection branches can tell a referred column whose value
	// actually changed as part of this merge from one that arrived
	// unchanged.
	preSnapshot, err := snapshotColumnValues(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("snapshot pre-merge state: %w", err)
	}

	if err := phase1ImportLog(ctx, tx, report); err != nil {
		return nil, fmt.Errorf("P1 import log: %w", err)
	}
	if err := phase2ResolveConflicts(ctx, tx, desc, cfg, preSnapshot, report); err != nil {
		return nil, fmt.Errorf("P2 resolve conflicts: %w", err)
	}
	if err := phase3RebuildTables(ctx, tx, desc, report); err != nil {
		return nil, fmt.Errorf("P3 rebuild tables: %w", err)
	}
	if err := phase4AdvanceContext(ctx, tx, report); err != nil {
		return nil, fmt.Errorf("P4 advance context: %w", err)
	}

	peer, err := c.Peer(ctx)
	if err == nil {
		report.Peer = peer
	}

	if err := c.SetMerging(ctx, tx, false); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pull: %w", err)
	}
	return report, nil
}

// phase0ReconcileClocks folds the remote's clock into the local one (so
// every future local Bump outruns anything already merged) and unions the
// two replicas' _synq_context frontiers, taking the max ts known for every
// peer either side has ever heard from.
//
// Per spec.md §4.1/§4.4, the fold is against max_over_peers(remote_Context),
// not just the remote's own _synq_local.ts: a remote that itself previously
// merged a third peer's higher-ts writes carries that peer's frontier in
// its _synq_context even if its own local ts never grew past it. Folding
// only _synq_local.ts would let a chain of merges (A pulls from B, B had
// earlier pulled from C) leave A's clock behind C's already-imported
// writes, so a subsequent local edit on A could generate a (ts, peer) pair
// that loses the last-writer-wins comparison to a row A already imported.
func phase0ReconcileClocks(ctx context.Context, tx *sql.Tx, report *Report) error {
	var remoteMaxTs int64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(ts) FROM (
			SELECT ts FROM synq_remote._synq_context
			UNION ALL
			SELECT ts FROM synq_remote._synq_local
		)
	`).Scan(&remoteMaxTs)
	if err != nil {
		return fmt.Errorf("read remote clock frontier: %w", err)
	}

	var localTs int64
	if err := tx.QueryRowContext(ctx, `SELECT ts FROM _synq_local WHERE id = 1`).Scan(&localTs); err != nil {
		return fmt.Errorf("read local clock: %w", err)
	}
	if remoteMaxTs > localTs {
		if _, err := tx.ExecContext(ctx, `UPDATE _synq_local SET ts = ? WHERE id = 1`, remoteMaxTs+1); err != nil {
			return fmt.Errorf("fold remote clock into local: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _synq_context(peer, ts)
		SELECT peer, ts FROM synq_remote._synq_context
		ON CONFLICT(peer) DO UPDATE SET ts = MAX(_synq_context.ts, excluded.ts)
	`)
	if err != nil {
		return fmt.Errorf("union context frontiers: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _synq_context(peer, ts)
		SELECT peer, ts FROM synq_remote._synq_local
		ON CONFLICT(peer) DO UPDATE SET ts = MAX(_synq_context.ts, excluded.ts)
	`)
	if err != nil {
		return fmt.Errorf("fold remote peer into context: %w", err)
	}
	return nil
}

// phase1ImportLog copies every remote log entry this replica doesn't
// already have into the local shadow tables, plus the interned names and
// per-table fk metadata those entries reference, plus the row-identity and
// undo-log rows the remote created. It is a straight union: the log is
// append-only and a (table_id, row_id, col_id, ts, peer) tuple that exists
// on either side is final, never rewritten.
func phase1ImportLog(ctx context.Context, tx *sql.Tx, report *Report) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO _synq_names(id, kind, table_name, name)
		SELECT id, kind, table_name, name FROM synq_remote._synq_names
	`); err != nil {
		return fmt.Errorf("import interned names: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO _synq_fk(table_id, fk_id, ref_table_id, on_delete, on_update, columns, ref_columns)
		SELECT table_id, fk_id, ref_table_id, on_delete, on_update, columns, ref_columns FROM synq_remote._synq_fk
	`); err != nil {
		return fmt.Errorf("import fk metadata: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO _synq_log(ts, peer, table_id, row_id, col_id, value, tombstone)
		SELECT ts, peer, table_id, row_id, col_id, value, tombstone FROM synq_remote._synq_log
	`)
	if err != nil {
		return fmt.Errorf("import column log: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		report.RowsImported = int(n)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO _synq_fklog(ts, peer, table_id, row_id, fk_id, ref_row_id, tombstone)
		SELECT ts, peer, table_id, row_id, fk_id, ref_row_id, tombstone FROM synq_remote._synq_fklog
	`); err != nil {
		return fmt.Errorf("import fk log: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO _synq_id_undo(table_id, row_id, ts, peer, deleted)
		SELECT table_id, row_id, ts, peer, deleted FROM synq_remote._synq_id_undo
	`); err != nil {
		return fmt.Errorf("import row undo log: %w", err)
	}

	return importRowIdentities(ctx, tx)
}

// importRowIdentities copies the remote's per-table _synq_id_<T> rows for
// any row this replica has never seen, using _synq_names to find every
// table both replicas agree exists. A row created remotely has no local
// rowid yet; inserting its row_id here assigns it the next free rowid of
// the local _synq_id_<T>, which P3 then uses when it rebuilds the table.
// Only row_id (the stable identity) is carried across — rowid is minted
// per replica.
func importRowIdentities(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT table_name FROM _synq_names WHERE kind = 'table'`)
	if err != nil {
		return fmt.Errorf("list known tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, t := range tables {
		idTable := "_synq_id_" + t
		stmt := fmt.Sprintf(`
			INSERT OR IGNORE INTO %s(row_id)
			SELECT row_id FROM synq_remote.%s
		`, quote(idTable), quote(idTable))
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("import row identities for %s: %w", t, err)
		}
	}
	return nil
}

func quote(ident string) string {
	return `"` + ident + `"`
}

// tableIDsByName maps every interned table name to its _synq_names id, for
// joining the otherwise-numeric log rows back to schema.Table entries by
// name during conflict resolution.
func tableIDsByName(ctx context.Context, tx *sql.Tx) (map[string]int64, map[int64]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, table_name FROM _synq_names WHERE kind = 'table'`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	byName := map[string]int64{}
	byID := map[int64]string{}
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, nil, err
		}
		byName[name] = id
		byID[id] = name
	}
	return byName, byID, rows.Err()
}

// fkRule is one row of _synq_fk joined with its effective action, folding
// NoActionIsCascade into the action the closures below act on. fkID and
// refColumn make R1 and R3's update-detection branches specific to the one
// foreign key and referred column a rule describes, rather than to every
// foreign key sharing a ref_table_id — see the fk_id gap noted in
// DESIGN.md for R2/R5, which this does not change.
type fkRule struct {
	tableID    int64
	refTableID int64
	fkID       int64
	refColumn  string
	onDelete   int
	onUpdate   int
}

func loadFKRules(ctx context.Context, tx *sql.Tx, cfg Config) ([]fkRule, error) {
	rows, err := tx.QueryContext(ctx, `SELECT table_id, fk_id, ref_table_id, on_delete, on_update, ref_columns FROM _synq_fk`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fkRule
	for rows.Next() {
		var r fkRule
		var refColumns string
		if err := rows.Scan(&r.tableID, &r.fkID, &r.refTableID, &r.onDelete, &r.onUpdate, &refColumns); err != nil {
			return nil, err
		}
		if parts := strings.SplitN(refColumns, ",", 2); parts[0] != "" {
			r.refColumn = parts[0]
		}
		if r.onDelete == actionNoAction && cfg.NoActionIsCascade {
			r.onDelete = actionCascade
		} else if r.onDelete == actionNoAction {
			r.onDelete = actionRestrict
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// rowRef identifies one logical row across tables by its interned table id
// and stable row_id, the unit every closure below walks over.
type rowRef struct {
	tableID int64
	rowID   string
}

// logValueKey identifies one (table, row, column) triple in the resolved
// log, the granularity resolveR1UpdateRestrict and resolveR3OnUpdateSetNull
// compare across the merge to tell whether a referred column's value
// actually changed.
type logValueKey struct {
	tableID int64
	rowID   string
	colID   int64
}

// snapshotColumnValues captures _synq_log_effective before phase1ImportLog
// folds the remote log in, so a later diff against the post-import view
// tells resolveR1UpdateRestrict and resolveR3OnUpdateSetNull whether a
// referred column's value changed as part of this merge, as opposed to one
// that simply arrived unchanged or never existed before.
func snapshotColumnValues(ctx context.Context, tx *sql.Tx) (map[logValueKey]sql.NullString, error) {
	rows, err := tx.QueryContext(ctx, `SELECT table_id, row_id, col_id, value FROM _synq_log_effective`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[logValueKey]sql.NullString{}
	for rows.Next() {
		var k logValueKey
		var v sql.NullString
		if err := rows.Scan(&k.tableID, &k.rowID, &k.colID, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// refColumnID resolves one referred column's interned id within refTableID,
// the id logValueKey and _synq_log_effective key on.
func refColumnID(ctx context.Context, tx *sql.Tx, refTableID int64, colName string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT c.id FROM _synq_names c
		JOIN _synq_names t ON t.table_name = c.table_name AND t.kind = 'table'
		WHERE c.kind = 'column' AND c.name = ? AND t.id = ?
	`, colName, refTableID).Scan(&id)
	return id, err
}

// phase2ResolveConflicts applies the five conflict-resolution rules over
// the just-merged log, reading "is this row currently deleted" and "what
// does this row's foreign key currently point at" through the effective
// views so every rule sees the same last-writer-wins picture. Rules run in
// a fixed order (R1, R2, R3, R4, R5) because each can change the tombstone
// or value state the next rule reads.
func phase2ResolveConflicts(ctx context.Context, tx *sql.Tx, desc *schema.Descriptor, cfg Config, preSnapshot map[logValueKey]sql.NullString, report *Report) error {
	rules, err := loadFKRules(ctx, tx, cfg)
	if err != nil {
		return fmt.Errorf("load fk rules: %w", err)
	}

	if err := resolveR1UpdateRestrict(ctx, tx, rules, preSnapshot, report); err != nil {
		return fmt.Errorf("R1: %w", err)
	}
	if err := resolveR2DeleteRestrict(ctx, tx, rules, report); err != nil {
		return fmt.Errorf("R2: %w", err)
	}
	if err := resolveR3OnDeleteSetNull(ctx, tx, rules, report); err != nil {
		return fmt.Errorf("R3 (on delete): %w", err)
	}
	if err := resolveR3OnUpdateSetNull(ctx, tx, rules, preSnapshot, report); err != nil {
		return fmt.Errorf("R3 (on update): %w", err)
	}
	if err := resolveR4Uniqueness(ctx, tx, desc, report); err != nil {
		return fmt.Errorf("R4: %w", err)
	}
	if err := resolveR5DeleteCascade(ctx, tx, rules, report); err != nil {
		return fmt.Errorf("R5: %w", err)
	}
	return nil
}

// resolveR1UpdateRestrict undoes a concurrent update to a column covered by
// a unique constraint that is the referred side of an ON UPDATE RESTRICT
// foreign key, while a live child still references that row (spec.md §4.4
// R1). The offending write is detected by diffing the referred column's
// _synq_log_effective value from immediately before this merge's P1 import
// (preSnapshot) against its value afterward, not by checking whether the
// parent row is tombstoned — that check belongs to R2's ON DELETE RESTRICT,
// a different constraint. The undo reverts the parent's own column back to
// its pre-merge value; it never touches the child's link, since this log
// tracks a foreign key's target by the parent's stable row_id, not by the
// referred column's scalar value, so a rename alone never actually redirects
// any child.
func resolveR1UpdateRestrict(ctx context.Context, tx *sql.Tx, rules []fkRule, preSnapshot map[logValueKey]sql.NullString, report *Report) error {
	for _, r := range rules {
		if r.onUpdate != actionRestrict || r.refColumn == "" {
			continue
		}
		colID, err := refColumnID(ctx, tx, r.refTableID, r.refColumn)
		if err != nil {
			return fmt.Errorf("resolve referred column %s: %w", r.refColumn, err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT row_id, value FROM _synq_log_effective WHERE table_id = ? AND col_id = ?
		`, r.refTableID, colID)
		if err != nil {
			return err
		}
		type current struct {
			rowID string
			value sql.NullString
		}
		var nowValues []current
		for rows.Next() {
			var c current
			if err := rows.Scan(&c.rowID, &c.value); err != nil {
				rows.Close()
				return err
			}
			nowValues = append(nowValues, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range nowValues {
			before, existed := preSnapshot[logValueKey{tableID: r.refTableID, rowID: c.rowID, colID: colID}]
			if !existed || before == c.value {
				continue
			}
			hasLiveChild, err := hasLiveReferrerByFK(ctx, tx, r.tableID, r.fkID, c.rowID)
			if err != nil {
				return err
			}
			if !hasLiveChild {
				continue
			}
			detail := fmt.Sprintf("fk_id=%d referred column %s reverted", r.fkID, r.refColumn)
			if err := revertColumnUpdate(ctx, tx, r.refTableID, c.rowID, colID, before, "R1", detail, report); err != nil {
				return err
			}
		}
	}
	return nil
}

// revertColumnUpdate undoes a concurrent update to a RESTRICT-protected
// referred column by writing a fresh, later _synq_log entry that restores
// oldValue, the same "undo is a new, later write that wins" idiom
// resurrectRow and setFKNull use elsewhere in this file; the CRDT log is
// append-only and never rewritten in place.
func revertColumnUpdate(ctx context.Context, tx *sql.Tx, tableID int64, rowID string, colID int64, oldValue sql.NullString, rule, detail string, report *Report) error {
	var peer string
	var ts int64
	if err := tx.QueryRowContext(ctx, `SELECT peer, ts FROM _synq_local WHERE id = 1`).Scan(&peer, &ts); err != nil {
		return err
	}
	ts++
	if _, err := tx.ExecContext(ctx, `UPDATE _synq_local SET ts = ? WHERE id = 1`, ts); err != nil {
		return err
	}

	var value any
	if oldValue.Valid {
		value = oldValue.String
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _synq_log(ts, peer, table_id, row_id, col_id, value, tombstone)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, ts, peer, tableID, rowID, colID, value)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _synq_undolog(ts, rule, table_id, row_id, detail)
		VALUES (?, ?, ?, ?, ?)
	`, ts, rule, tableID, rowID, detail)
	if err == nil {
		report.Restricted++
	}
	return err
}

// resolveR2DeleteRestrict undoes the delete of every tombstoned row that a
// live child still references through an ON DELETE RESTRICT foreign key,
// by inserting a later log write that resurrects the row (per the
// teacher's tombstone-resurrection idiom). Each deleted row is checked
// against its own direct referrers only: the deleted ancestors of a
// resurrected row are not revisited, and a row whose restricting child is
// reachable only through a deleted cascade intermediate stays deleted. The
// loop is a worklist over rowRef with a visited set, not recursion.
func resolveR2DeleteRestrict(ctx context.Context, tx *sql.Tx, rules []fkRule, report *Report) error {
	restrictByRefTable := map[int64][]fkRule{}
	for _, r := range rules {
		if r.onDelete == actionRestrict {
			restrictByRefTable[r.refTableID] = append(restrictByRefTable[r.refTableID], r)
		}
	}
	if len(restrictByRefTable) == 0 {
		return nil
	}

	deleted, err := deletedRows(ctx, tx)
	if err != nil {
		return err
	}

	visited := map[rowRef]bool{}
	worklist := append([]rowRef(nil), deleted...)

	for len(worklist) > 0 {
		cur := worklist[0]
		worklist = worklist[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true

		childRules, ok := restrictByRefTable[cur.tableID]
		if !ok {
			continue
		}
		for _, rule := range childRules {
			hasLiveChild, err := hasLiveReferrer(ctx, tx, rule.tableID, cur.rowID)
			if err != nil {
				return err
			}
			if !hasLiveChild {
				continue
			}
			if err := resurrectRow(ctx, tx, cur.tableID, cur.rowID, "R2", report); err != nil {
				return err
			}
			worklist = append(worklist, cur)
		}
	}
	return nil
}

func deletedRows(ctx context.Context, tx *sql.Tx) ([]rowRef, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT table_id, row_id FROM _synq_log_effective WHERE tombstone = 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rowRef
	for rows.Next() {
		var r rowRef
		if err := rows.Scan(&r.tableID, &r.rowID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func hasLiveReferrer(ctx context.Context, tx *sql.Tx, childTableID int64, parentRowID string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _synq_fklog_effective fl
		WHERE fl.table_id = ? AND fl.ref_row_id = ? AND fl.tombstone = 0
		AND fl.row_id NOT IN (
			SELECT row_id FROM _synq_log_effective WHERE table_id = ? AND tombstone = 1
		)
	`, childTableID, parentRowID, childTableID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// hasLiveReferrerByFK is hasLiveReferrer narrowed to one specific foreign
// key, for R1's update-detection branch where conflating every fk_id that
// happens to share a ref_table_id would catch the wrong column entirely.
func hasLiveReferrerByFK(ctx context.Context, tx *sql.Tx, childTableID, fkID int64, parentRowID string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _synq_fklog_effective fl
		WHERE fl.table_id = ? AND fl.fk_id = ? AND fl.ref_row_id = ? AND fl.tombstone = 0
		AND fl.row_id NOT IN (
			SELECT row_id FROM _synq_log_effective WHERE table_id = ? AND tombstone = 1
		)
	`, childTableID, fkID, parentRowID, childTableID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// resurrectRow undoes a delete by writing a fresh, later, non-tombstone
// entry for every column last known for the row (read from _synq_log,
// ignoring the tombstone write): replay the last good state forward.
func resurrectRow(ctx context.Context, tx *sql.Tx, tableID int64, rowID string, rule string, report *Report) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT col_id, value FROM _synq_log
		WHERE table_id = ? AND row_id = ? AND tombstone = 0
		AND (col_id, ts) IN (
			SELECT col_id, MAX(ts) FROM _synq_log
			WHERE table_id = ? AND row_id = ? AND tombstone = 0
			GROUP BY col_id
		)
	`, tableID, rowID, tableID, rowID)
	if err != nil {
		return err
	}
	type colVal struct {
		colID int64
		value any
	}
	var cols []colVal
	for rows.Next() {
		var c colVal
		if err := rows.Scan(&c.colID, &c.value); err != nil {
			rows.Close()
			return err
		}
		cols = append(cols, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var peer string
	var ts int64
	if err := tx.QueryRowContext(ctx, `SELECT peer, ts FROM _synq_local WHERE id = 1`).Scan(&peer, &ts); err != nil {
		return err
	}
	ts++
	if _, err := tx.ExecContext(ctx, `UPDATE _synq_local SET ts = ? WHERE id = 1`, ts); err != nil {
		return err
	}

	for _, c := range cols {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO _synq_log(ts, peer, table_id, row_id, col_id, value, tombstone)
			VALUES (?, ?, ?, ?, ?, ?, 0)
		`, ts, peer, tableID, rowID, c.colID, c.value)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _synq_undolog(ts, rule, table_id, row_id, detail)
		VALUES (?, ?, ?, ?, ?)
	`, ts, rule, tableID, rowID, "delete undone: restricted by a live child")
	if err == nil {
		report.Restricted++
	}
	return err
}

// resolveR3OnDeleteSetNull nulls out any ON DELETE SET NULL foreign key
// whose parent is tombstoned after the merge, mirroring SQLite's own
// ON DELETE SET NULL but applied to the merged, not the local, view of the
// parent's lifetime.
func resolveR3OnDeleteSetNull(ctx context.Context, tx *sql.Tx, rules []fkRule, report *Report) error {
	for _, r := range rules {
		if r.onDelete != actionSetNull {
			continue
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT fl.row_id, fl.fk_id
			FROM _synq_fklog_effective fl
			WHERE fl.table_id = ? AND fl.tombstone = 0 AND fl.ref_row_id IS NOT NULL
			AND fl.ref_row_id IN (
				SELECT row_id FROM _synq_log_effective WHERE table_id = ? AND tombstone = 1
			)
		`, r.tableID, r.refTableID)
		if err != nil {
			return err
		}
		type target struct {
			rowID string
			fkID  int64
		}
		var targets []target
		for rows.Next() {
			var t target
			if err := rows.Scan(&t.rowID, &t.fkID); err != nil {
				rows.Close()
				return err
			}
			targets = append(targets, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, t := range targets {
			if err := setFKNull(ctx, tx, r.tableID, t.rowID, t.fkID, report); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveR3OnUpdateSetNull nulls out an ON UPDATE SET NULL foreign key's
// live referrers when the parent's referred column value changes as part
// of this merge, detected the same way resolveR1UpdateRestrict detects a
// RESTRICT-protected update: by diffing the referred column's
// _synq_log_effective value from before this merge's P1 import against its
// value afterward, rather than by the parent's tombstone state — that
// belongs to resolveR3OnDeleteSetNull, a different trigger entirely.
func resolveR3OnUpdateSetNull(ctx context.Context, tx *sql.Tx, rules []fkRule, preSnapshot map[logValueKey]sql.NullString, report *Report) error {
	for _, r := range rules {
		if r.onUpdate != actionSetNull || r.refColumn == "" {
			continue
		}
		colID, err := refColumnID(ctx, tx, r.refTableID, r.refColumn)
		if err != nil {
			return fmt.Errorf("resolve referred column %s: %w", r.refColumn, err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT row_id, value FROM _synq_log_effective WHERE table_id = ? AND col_id = ?
		`, r.refTableID, colID)
		if err != nil {
			return err
		}
		type current struct {
			rowID string
			value sql.NullString
		}
		var nowValues []current
		for rows.Next() {
			var c current
			if err := rows.Scan(&c.rowID, &c.value); err != nil {
				rows.Close()
				return err
			}
			nowValues = append(nowValues, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range nowValues {
			before, existed := preSnapshot[logValueKey{tableID: r.refTableID, rowID: c.rowID, colID: colID}]
			if !existed || before == c.value {
				continue
			}
			children, err := referrersByFK(ctx, tx, r.tableID, r.fkID, c.rowID)
			if err != nil {
				return err
			}
			for _, childRowID := range children {
				if err := setFKNull(ctx, tx, r.tableID, childRowID, r.fkID, report); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func setFKNull(ctx context.Context, tx *sql.Tx, tableID int64, rowID string, fkID int64, report *Report) error {
	var peer string
	var ts int64
	if err := tx.QueryRowContext(ctx, `SELECT peer, ts FROM _synq_local WHERE id = 1`).Scan(&peer, &ts); err != nil {
		return err
	}
	ts++
	if _, err := tx.ExecContext(ctx, `UPDATE _synq_local SET ts = ? WHERE id = 1`, ts); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _synq_fklog(ts, peer, table_id, row_id, fk_id, ref_row_id, tombstone)
		VALUES (?, ?, ?, ?, ?, NULL, 0)
	`, ts, peer, tableID, rowID, fkID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _synq_undolog(ts, rule, table_id, row_id, detail)
		VALUES (?, 'R3', ?, ?, ?)
	`, ts, tableID, rowID, fmt.Sprintf("fk_id=%d set null: parent deleted", fkID))
	if err == nil {
		report.NulledOut++
	}
	return err
}

// resolveR4Uniqueness arbitrates rows that concurrently claim the same
// unique key by keeping the row whose creating write has the lexicographically
// smallest (ts, peer) and tombstoning the other claimants — the row with the
// lexicographically larger (row_ts, row_peer) is undone. This is the rule
// the design notes flag as having an open gap: a
// tombstone issued by R5, which runs after R4, can change which row
// holds the earliest creation timestamp for a key without re-triggering this
// pass. That gap is implemented as described, not fixed, per the standing
// instruction not to guess at unstated intent.
func resolveR4Uniqueness(ctx context.Context, tx *sql.Tx, desc *schema.Descriptor, report *Report) error {
	byName, _, err := tableIDsByName(ctx, tx)
	if err != nil {
		return err
	}

	for _, t := range desc.Tables {
		tableID, ok := byName[t.Name]
		if !ok {
			continue
		}
		for _, uq := range t.UniqueIndexes {
			if err := resolveUniqueIndex(ctx, tx, tableID, t, uq, report); err != nil {
				return fmt.Errorf("index %s: %w", uq.Name, err)
			}
		}
	}
	return nil
}

func resolveUniqueIndex(ctx context.Context, tx *sql.Tx, tableID int64, t schema.Table, uq schema.UniqueIndex, report *Report) error {
	colIDs := map[string]int64{}
	rows, err := tx.QueryContext(ctx, `SELECT id, name FROM _synq_names WHERE kind = 'column' AND table_name = ?`, t.Name)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			rows.Close()
			return err
		}
		colIDs[name] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	liveRows, err := liveRowIDs(ctx, tx, tableID)
	if err != nil {
		return err
	}

	fkByColumn := map[string]int{}
	for fkID, fk := range t.ForeignKeys {
		for _, c := range fk.Columns {
			fkByColumn[c] = fkID
		}
	}

	keyToRows := map[string][]string{}
	for _, rowID := range liveRows {
		key, ok, err := rowKey(ctx, tx, tableID, rowID, uq.Columns, colIDs, fkByColumn)
		if err != nil {
			return err
		}
		if !ok {
			continue // a NULL participant never conflicts, matching SQLite's own UNIQUE semantics
		}
		keyToRows[key] = append(keyToRows[key], rowID)
	}

	for _, rowIDs := range keyToRows {
		if len(rowIDs) < 2 {
			continue
		}
		winner, err := pickUniquenessWinner(rowIDs)
		if err != nil {
			return err
		}
		for _, rowID := range rowIDs {
			if rowID == winner {
				continue
			}
			if err := tombstoneRow(ctx, tx, tableID, rowID, "R4", fmt.Sprintf("lost uniqueness race on %s", uq.Name)); err != nil {
				return err
			}
			report.UniquenessLosers++
		}
	}
	return nil
}

func liveRowIDs(ctx context.Context, tx *sql.Tx, tableID int64) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT row_id FROM _synq_log_effective WHERE table_id = ? AND tombstone = 0
		AND row_id NOT IN (SELECT row_id FROM _synq_log_effective WHERE table_id = ? AND tombstone = 1)
	`, tableID, tableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// rowKey composes a uniqueness-comparison key for rowID over an index's
// participating columns. An ordinary column's part comes from
// _synq_log_effective; a foreign-key column's part is the target row_id
// from _synq_fklog_effective, so two rows referencing the same target
// through different but equal foreign keys still collide. A NULL
// participant (unset scalar or unset reference) never conflicts, matching
// SQLite's own UNIQUE semantics for NULLs.
func rowKey(ctx context.Context, tx *sql.Tx, tableID int64, rowID string, columns []string, colIDs map[string]int64, fkByColumn map[string]int) (string, bool, error) {
	var parts []string
	for _, col := range columns {
		if fkID, isFK := fkByColumn[col]; isFK {
			var ref sql.NullString
			err := tx.QueryRowContext(ctx, `
				SELECT ref_row_id FROM _synq_fklog_effective WHERE table_id = ? AND row_id = ? AND fk_id = ? AND tombstone = 0
			`, tableID, rowID, fkID).Scan(&ref)
			if err == sql.ErrNoRows || !ref.Valid {
				return "", false, nil
			}
			if err != nil {
				return "", false, err
			}
			parts = append(parts, ref.String)
			continue
		}

		colID, ok := colIDs[col]
		if !ok {
			return "", false, nil
		}
		var value sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT value FROM _synq_log_effective WHERE table_id = ? AND row_id = ? AND col_id = ?
		`, tableID, rowID, colID).Scan(&value)
		if err == sql.ErrNoRows || !value.Valid {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		parts = append(parts, value.String)
	}
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += "\x00"
		}
		key += p
	}
	return key, true, nil
}

// pickUniquenessWinner returns the row_id whose encoded (ts, peer) — the
// same op id the insert trigger minted the row's identity from, see the
// peer || '-' || ts expression in internal/shadow's triggerSQL — sorts
// lexicographically smallest by (ts, peer). Every other claimant in rowIDs
// is the one the uniqueness rule says to undo.
func pickUniquenessWinner(rowIDs []string) (string, error) {
	sort.Strings(rowIDs) // deterministic fallback ordering for an exact tie
	best := rowIDs[0]
	bestTs, bestPeer, err := parseRowID(best)
	if err != nil {
		return "", err
	}
	for _, rowID := range rowIDs[1:] {
		ts, peer, err := parseRowID(rowID)
		if err != nil {
			return "", err
		}
		if ts < bestTs || (ts == bestTs && peer < bestPeer) {
			bestTs, bestPeer, best = ts, peer, rowID
		}
	}
	return best, nil
}

// parseRowID splits a row_id of the form "<peer>-<ts>" (the identity the
// insert trigger mints: peer is a fixed-width hex string that never
// contains '-', so the first separator unambiguously divides the two) back
// into its op id, for comparing row creation order across replicas.
func parseRowID(rowID string) (ts int64, peer string, err error) {
	i := strings.IndexByte(rowID, '-')
	if i < 0 {
		return 0, "", fmt.Errorf("row id %q is not in peer-ts form", rowID)
	}
	peer = rowID[:i]
	ts, err = strconv.ParseInt(rowID[i+1:], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("row id %q has non-numeric ts: %w", rowID, err)
	}
	return ts, peer, nil
}

func tombstoneRow(ctx context.Context, tx *sql.Tx, tableID int64, rowID string, rule, detail string) error {
	var peer string
	var ts int64
	if err := tx.QueryRowContext(ctx, `SELECT peer, ts FROM _synq_local WHERE id = 1`).Scan(&peer, &ts); err != nil {
		return err
	}
	ts++
	if _, err := tx.ExecContext(ctx, `UPDATE _synq_local SET ts = ? WHERE id = 1`, ts); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _synq_log(ts, peer, table_id, row_id, col_id, value, tombstone)
		SELECT ?, ?, table_id, ?, col_id, NULL, 1 FROM _synq_names WHERE kind = 'column' AND table_name = (
			SELECT table_name FROM _synq_names WHERE kind = 'table' AND id = ?
		)
	`, ts, peer, rowID, tableID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _synq_undolog(ts, rule, table_id, row_id, detail) VALUES (?, ?, ?, ?, ?)
	`, ts, rule, tableID, rowID, detail)
	return err
}

// resolveR5DeleteCascade is R2's dual: every live row transitively reached
// by walking forward along a CASCADE foreign key from a deleted parent is
// itself deleted. Same worklist/visited-set shape as R2, walking the graph
// in the opposite direction.
func resolveR5DeleteCascade(ctx context.Context, tx *sql.Tx, rules []fkRule, report *Report) error {
	cascadeByRefTable := map[int64][]fkRule{}
	for _, r := range rules {
		if r.onDelete == actionCascade {
			cascadeByRefTable[r.refTableID] = append(cascadeByRefTable[r.refTableID], r)
		}
	}
	if len(cascadeByRefTable) == 0 {
		return nil
	}

	deleted, err := deletedRows(ctx, tx)
	if err != nil {
		return err
	}

	visited := map[rowRef]bool{}
	worklist := append([]rowRef(nil), deleted...)
	for _, d := range deleted {
		visited[d] = true
	}

	for len(worklist) > 0 {
		cur := worklist[0]
		worklist = worklist[1:]

		childRules, ok := cascadeByRefTable[cur.tableID]
		if !ok {
			continue
		}
		for _, rule := range childRules {
			children, err := referrers(ctx, tx, rule.tableID, cur.rowID)
			if err != nil {
				return err
			}
			for _, childRowID := range children {
				ref := rowRef{tableID: rule.tableID, rowID: childRowID}
				if visited[ref] {
					continue
				}
				visited[ref] = true
				if err := tombstoneRow(ctx, tx, rule.tableID, childRowID, "R5", "cascaded from parent delete"); err != nil {
					return err
				}
				report.CascadeDeleted++
				worklist = append(worklist, ref)
			}
		}
	}
	return nil
}

func referrers(ctx context.Context, tx *sql.Tx, childTableID int64, parentRowID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT row_id FROM _synq_fklog_effective
		WHERE table_id = ? AND ref_row_id = ? AND tombstone = 0
	`, childTableID, parentRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// referrersByFK is referrers narrowed to one specific foreign key, used by
// resolveR3OnUpdateSetNull so a table with two foreign keys into the same
// ref_table_id only nulls out the one the changed column actually governs.
func referrersByFK(ctx context.Context, tx *sql.Tx, childTableID, fkID int64, parentRowID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT row_id FROM _synq_fklog_effective
		WHERE table_id = ? AND fk_id = ? AND ref_row_id = ? AND tombstone = 0
	`, childTableID, fkID, parentRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// phase3RebuildTables replays _synq_log_effective back into the user
// tables: every live row is upserted with its resolved column values,
// every tombstoned row is deleted. is_merging stays set for this whole
// phase so the very triggers that produced the log in the first place
// don't re-log the replay as new local writes.
func phase3RebuildTables(ctx context.Context, tx *sql.Tx, desc *schema.Descriptor, report *Report) error {
	_, byID, err := tableIDsByName(ctx, tx)
	if err != nil {
		return err
	}

	for _, t := range desc.Tables {
		var tableID int64
		found := false
		for id, name := range byID {
			if name == t.Name {
				tableID, found = id, true
				break
			}
		}
		if !found {
			continue
		}
		if err := rebuildTable(ctx, tx, desc, t, tableID); err != nil {
			return fmt.Errorf("rebuild %s: %w", t.Name, err)
		}
	}
	return nil
}

func rebuildTable(ctx context.Context, tx *sql.Tx, desc *schema.Descriptor, t schema.Table, tableID int64) error {
	idTable := quote("_synq_id_" + t.Name)
	table := quote(t.Name)

	liveRows, err := liveRowIDs(ctx, tx, tableID)
	if err != nil {
		return err
	}
	live := map[string]bool{}
	for _, r := range liveRows {
		live[r] = true
	}

	allRows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT row_id FROM %s`, idTable))
	if err != nil {
		return err
	}
	var everKnown []string
	for allRows.Next() {
		var id string
		if err := allRows.Scan(&id); err != nil {
			allRows.Close()
			return err
		}
		everKnown = append(everKnown, id)
	}
	allRows.Close()
	if err := allRows.Err(); err != nil {
		return err
	}

	cols := t.ReplicatedColumns()

	for _, rowID := range everKnown {
		if !live[rowID] {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE rowid = (SELECT rowid FROM %s WHERE row_id = ?)`, table, idTable), rowID)
			if err != nil {
				return err
			}
			continue
		}
		if err := upsertRow(ctx, tx, desc, t, tableID, rowID, cols); err != nil {
			return err
		}
	}

	for _, rowID := range liveRows {
		if contains(everKnown, rowID) {
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(row_id) VALUES (?)`, idTable), rowID); err != nil {
			return err
		}
		if err := upsertRow(ctx, tx, desc, t, tableID, rowID, cols); err != nil {
			return err
		}
	}
	return nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// upsertRow composes one row's materialized value from two sources: its
// ordinary replicated columns, read straight out of _synq_log_effective,
// and its foreign-key columns, read from _synq_fklog_effective and then
// translated back from the target's stable row_id to the scalar value the
// user table actually stores — the target's rowid alias if it declares
// one (the scalar value and the local rowid are the same SQLite storage
// cell), otherwise the target's own materialized referred column: translate
// foreign-key targets back through the target table's row map.
func upsertRow(ctx context.Context, tx *sql.Tx, desc *schema.Descriptor, t schema.Table, tableID int64, rowID string, cols []string) error {
	idTable := quote("_synq_id_" + t.Name)
	table := quote(t.Name)

	colNames := append([]string(nil), cols...)
	values := make([]any, 0, len(cols)+len(t.ForeignKeys))

	for _, col := range cols {
		var colID int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM _synq_names WHERE kind = 'column' AND table_name = ? AND name = ?`, t.Name, col).Scan(&colID)
		if err != nil {
			return err
		}
		var value any
		err = tx.QueryRowContext(ctx, `SELECT value FROM _synq_log_effective WHERE table_id = ? AND row_id = ? AND col_id = ?`, tableID, rowID, colID).Scan(&value)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		values = append(values, value)
	}

	for fkID, fk := range t.ForeignKeys {
		refTarget, err := fkScalarValue(ctx, tx, desc, tableID, rowID, fkID, fk)
		if err != nil {
			return fmt.Errorf("resolve fk %d target: %w", fkID, err)
		}
		// Composite foreign keys materialize every local column from the
		// same resolved target; single-column is the common case the test
		// scenarios exercise.
		for _, localCol := range fk.Columns {
			colNames = append(colNames, localCol)
			values = append(values, refTarget)
		}
	}

	if len(colNames) == 0 {
		// A table made entirely of its own rowid alias (X(x INTEGER PRIMARY
		// KEY), with no other column and no foreign key) has nothing to
		// materialize beyond the rowid itself: the
		// general INSERT below would otherwise build a malformed statement
		// with an empty column list and an empty SET clause.
		insert := fmt.Sprintf(`INSERT OR IGNORE INTO %s(rowid) VALUES ((SELECT rowid FROM %s WHERE row_id = ?))`, table, idTable)
		_, err := tx.ExecContext(ctx, insert, rowID)
		return err
	}

	placeholders := make([]string, len(colNames))
	assignments := make([]string, len(colNames))
	quotedCols := make([]string, len(colNames))
	for i, c := range colNames {
		placeholders[i] = "?"
		quotedCols[i] = quote(c)
		assignments[i] = fmt.Sprintf("%s = excluded.%s", quote(c), quote(c))
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s(rowid, %s) VALUES ((SELECT rowid FROM %s WHERE row_id = ?), %s)
		ON CONFLICT(rowid) DO UPDATE SET %s
	`, table, join(quotedCols, ", "), idTable, join(placeholders, ", "), join(assignments, ", "))

	args := append([]any{rowID}, values...)
	_, err := tx.ExecContext(ctx, insert, args...)
	return err
}

// fkScalarValue resolves one foreign key's current target row (from
// _synq_fklog_effective) down to the scalar value the local FK column must
// hold. When the reference target is itself composite, only the first
// referred column's scalar is returned, covering the single-column case;
// multi-column referenced keys are rare enough in practice that this is a
// documented simplification (DESIGN.md).
func fkScalarValue(ctx context.Context, tx *sql.Tx, desc *schema.Descriptor, tableID int64, rowID string, fkID int, fk schema.ForeignKey) (any, error) {
	var refRowID sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT ref_row_id FROM _synq_fklog_effective
		WHERE table_id = ? AND row_id = ? AND fk_id = ? AND tombstone = 0
	`, tableID, rowID, fkID).Scan(&refRowID)
	if err == sql.ErrNoRows || !refRowID.Valid {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	refTable, ok := desc.Table(fk.RefTable)
	if !ok {
		return nil, fmt.Errorf("foreign key references unknown table %q", fk.RefTable)
	}
	refColumn := fk.RefColumns[0]

	if refTable.RowidAlias == refColumn {
		var rowid int64
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT rowid FROM %s WHERE row_id = ?`, quote("_synq_id_"+refTable.Name)), refRowID.String).Scan(&rowid)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return rowid, nil
	}

	refTableID, err := tableIDByName(ctx, tx, refTable.Name)
	if err != nil {
		return nil, err
	}
	var colID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM _synq_names WHERE kind = 'column' AND table_name = ? AND name = ?`, refTable.Name, refColumn).Scan(&colID); err != nil {
		return nil, err
	}
	var value any
	err = tx.QueryRowContext(ctx, `SELECT value FROM _synq_log_effective WHERE table_id = ? AND row_id = ? AND col_id = ?`, refTableID, refRowID.String, colID).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return value, err
}

func tableIDByName(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM _synq_names WHERE kind = 'table' AND table_name = ?`, name).Scan(&id)
	return id, err
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

// phase4AdvanceContext records this replica's own frontier in _synq_context
// so the next Pull (from either direction) knows exactly what has already
// been incorporated.
func phase4AdvanceContext(ctx context.Context, tx *sql.Tx, report *Report) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _synq_context(peer, ts)
		SELECT peer, ts FROM _synq_local WHERE id = 1
		ON CONFLICT(peer) DO UPDATE SET ts = MAX(_synq_context.ts, excluded.ts)
	`)
	return err
}
