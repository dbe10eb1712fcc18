package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/synqlite/synqlite/internal/audit"
	"github.com/synqlite/synqlite/internal/cliui"
	"github.com/synqlite/synqlite/internal/clonefile"
	"github.com/synqlite/synqlite/internal/config"
	"github.com/synqlite/synqlite/internal/hooks"
	"github.com/synqlite/synqlite/internal/mergeengine"
	"github.com/synqlite/synqlite/internal/replica"
)

var pullCmd = &cobra.Command{
	Use:     "pull <db> <remote-path>",
	GroupID: "replica",
	Short:   "Merge another replica's log into <db>",
	Long: `pull runs the full five-phase merge: it reconciles clocks and causal
context, imports <remote-path>'s log entries, resolves the five conflict
rules (update-restrict, delete-restrict, update-set-null, uniqueness,
delete-cascade), rebuilds <db>'s user tables from the merged log, and
advances <db>'s context to cover everything <remote-path> had seen.

If .synqlite/hooks/pre_pull exists it runs first and can abort the pull;
if .synqlite/hooks/on_conflict exists it runs after the merge has
committed, and only when conflict resolution undid, nulled out or removed
something; a failing on_conflict hook makes the command fail, but the
merge stays committed. post_pull runs asynchronously at the end of a
successful pull.`,
	Args: cobra.ExactArgs(2),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) error {
	dbPath, remotePath := args[0], args[1]
	workspace := filepath.Dir(dbPath)
	runner := hooks.NewRunnerFromWorkspace(workspace)

	prePayload := hooks.Payload{Event: hooks.EventPrePull, DBPath: dbPath, RemotePath: remotePath}
	if err := runner.RunSync(hooks.EventPrePull, prePayload); err != nil {
		return fmt.Errorf("pre_pull hook: %w", err)
	}

	ctx := context.Background()
	unlock, err := clonefile.Lock(ctx, dbPath)
	if err != nil {
		return err
	}
	defer unlock()

	settings := config.Load()
	cfg := replica.Config{PhysicalClock: settings.PhysicalClock, NoActionIsCascade: settings.NoActionIsCascade}

	h, err := replica.Open(ctx, dbPath, cfg)
	if err != nil {
		return fmt.Errorf("open %q: %w", dbPath, err)
	}
	defer h.Close()

	report, err := h.PullFrom(ctx, remotePath)
	if err != nil {
		entry := &audit.Entry{Kind: audit.KindPull, DBPath: dbPath, RemotePath: remotePath, Error: err.Error()}
		_, _ = audit.Append(workspace, entry)
		return fmt.Errorf("pull from %q: %w", remotePath, err)
	}

	if report.Restricted+report.CascadeDeleted+report.NulledOut+report.UniquenessLosers > 0 {
		conflictPayload := hooks.Payload{
			Event: hooks.EventOnConflict, DBPath: dbPath, RemotePath: remotePath,
			Extra: map[string]any{
				"restricted":        report.Restricted,
				"cascade_deleted":   report.CascadeDeleted,
				"nulled_out":        report.NulledOut,
				"uniqueness_losers": report.UniquenessLosers,
			},
		}
		if err := runner.RunSync(hooks.EventOnConflict, conflictPayload); err != nil {
			return fmt.Errorf("on_conflict hook: %w", err)
		}
	}

	if _, err := audit.Append(workspace, &audit.Entry{
		Kind: audit.KindPull, DBPath: dbPath, RemotePath: remotePath, Peer: report.Peer,
		RowsImported: report.RowsImported, Restricted: report.Restricted,
		CascadeDeleted: report.CascadeDeleted, NulledOut: report.NulledOut,
		UniquenessLosers: report.UniquenessLosers,
	}); err != nil {
		fmt.Printf("warning: failed to write audit entry: %v\n", err)
	}

	runner.Run(hooks.EventPostPull, hooks.Payload{Event: hooks.EventPostPull, DBPath: dbPath, RemotePath: remotePath})

	printReport(report)
	return nil
}

func printReport(r *mergeengine.Report) {
	fmt.Printf("%s imported %d rows\n", cliui.Header("pull"), r.RowsImported)
	if r.Restricted > 0 {
		fmt.Printf("  %s %d restrict-guarded updates and deletes undone\n", cliui.Warn("R1/R2"), r.Restricted)
	}
	if r.NulledOut > 0 {
		fmt.Printf("  %s %d columns set null by a deleted or updated parent\n", cliui.Warn("R3"), r.NulledOut)
	}
	if r.UniquenessLosers > 0 {
		fmt.Printf("  %s %d rows lost a uniqueness race\n", cliui.Warn("R4"), r.UniquenessLosers)
	}
	if r.CascadeDeleted > 0 {
		fmt.Printf("  %s %d rows removed by cascade\n", cliui.Warn("R5"), r.CascadeDeleted)
	}
}
