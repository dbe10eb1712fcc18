// Package effective creates the two read-only views that resolve the raw,
// append-only CRDT log down to "the value that wins right now": one row per
// (table, row, column) and one row per (table, row, foreign key). The merge
// engine's conflict resolution and its P3 row rebuild both read through
// these views rather than re-deriving the winner themselves,
// so there is exactly one definition of "last write wins" in the codebase.
//
// These are SQL VIEWs, not cached tables: per the "iterators and log views"
// design note, the winner is recomputed from _synq_log/_synq_fklog on every
// read, so a view can never go stale relative to the log it is a function
// of.
package effective

import (
	"context"
	"database/sql"
	"fmt"
)

// logEffectiveDDL picks, for every (table_id, row_id, col_id), the log entry
// with the greatest (ts, peer) pair — peer breaks ties between concurrent
// writes at the same logical timestamp, giving every replica the same
// deterministic winner without further coordination.
const logEffectiveDDL = `
CREATE VIEW _synq_log_effective AS
SELECT l.table_id, l.row_id, l.col_id, l.value, l.tombstone, l.ts, l.peer
FROM _synq_log l
JOIN (
	SELECT table_id, row_id, col_id, MAX(ts) AS ts
	FROM _synq_log
	GROUP BY table_id, row_id, col_id
) latest ON latest.table_id = l.table_id
	AND latest.row_id = l.row_id
	AND latest.col_id = l.col_id
	AND latest.ts = l.ts
JOIN (
	SELECT table_id, row_id, col_id, ts, MAX(peer) AS peer
	FROM _synq_log
	GROUP BY table_id, row_id, col_id, ts
) tiebreak ON tiebreak.table_id = l.table_id
	AND tiebreak.row_id = l.row_id
	AND tiebreak.col_id = l.col_id
	AND tiebreak.ts = l.ts
	AND tiebreak.peer = l.peer
`

const fklogEffectiveDDL = `
CREATE VIEW _synq_fklog_effective AS
SELECT f.table_id, f.row_id, f.fk_id, f.ref_row_id, f.tombstone, f.ts, f.peer
FROM _synq_fklog f
JOIN (
	SELECT table_id, row_id, fk_id, MAX(ts) AS ts
	FROM _synq_fklog
	GROUP BY table_id, row_id, fk_id
) latest ON latest.table_id = f.table_id
	AND latest.row_id = f.row_id
	AND latest.fk_id = f.fk_id
	AND latest.ts = f.ts
JOIN (
	SELECT table_id, row_id, fk_id, ts, MAX(peer) AS peer
	FROM _synq_fklog
	GROUP BY table_id, row_id, fk_id, ts
) tiebreak ON tiebreak.table_id = f.table_id
	AND tiebreak.row_id = f.row_id
	AND tiebreak.fk_id = f.fk_id
	AND tiebreak.ts = f.ts
	AND tiebreak.peer = f.peer
`

// Install creates both views with plain CREATE VIEW, so a second call on
// the same database fails. Install runs once, from replica.Init, right
// after internal/shadow.Install.
func Install(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, logEffectiveDDL); err != nil {
		return fmt.Errorf("create _synq_log_effective: %w", err)
	}
	if _, err := db.ExecContext(ctx, fklogEffectiveDDL); err != nil {
		return fmt.Errorf("create _synq_fklog_effective: %w", err)
	}
	return nil
}
