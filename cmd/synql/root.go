// Command synql is the CLI front end for the synqlite library: it turns a
// plain SQLite database into a conflict-free replica, clones and pulls
// between replicas, and inspects a replica's clock and log state. One file
// per subcommand, a shared rootCmd wiring persistent flags and logging.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/synqlite/synqlite/internal/cliui"
	"github.com/synqlite/synqlite/internal/config"
	"github.com/synqlite/synqlite/internal/logging"
)

var flagVerbose bool

var rootCmd = &cobra.Command{
	Use:   "synql",
	Short: "Conflict-free replication for SQLite databases",
	Long: `synql turns a plain SQLite database into a conflict-free replicated
store: every write is captured in an append-only log alongside the user's
own tables, so two replicas that edited independently can be merged back
into one consistent database with a deterministic set of five conflict
rules, instead of either replica's writes silently winning.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load config: %v\n", err)
		}
		cwd, _ := os.Getwd()
		slog.SetDefault(logging.New(logging.Options{WorkspaceRoot: cwd, Verbose: flagVerbose}))
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "replica", Title: "Replica lifecycle:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
	)
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, cliui.Warn(err.Error()))
		os.Exit(1)
	}
}
