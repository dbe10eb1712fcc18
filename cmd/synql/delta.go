package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/synqlite/synqlite/internal/replica"
)

var deltaCmd = &cobra.Command{
	Use:     "delta <db> <fingerprint> <out>",
	GroupID: "inspect",
	Short:   "Compute the log entries missing from a remote fingerprint (unimplemented)",
	Long: `delta is an open question left unresolved in the design this CLI
implements: there is no agreed wire format for "the entries a replica at
<fingerprint> is still missing", so this command always fails rather than
guess one. It is wired up so the command exists and explains itself,
instead of being silently absent from the CLI.`,
	Args: cobra.ExactArgs(3),
	RunE: runDelta,
}

func init() {
	rootCmd.AddCommand(deltaCmd)
}

func runDelta(cmd *cobra.Command, args []string) error {
	dbPath, fingerprintPath, deltaPath := args[0], args[1], args[2]
	err := replica.Delta(context.Background(), dbPath, fingerprintPath, deltaPath)
	if errors.Is(err, replica.ErrUnimplemented) {
		return fmt.Errorf("%w: see DESIGN.md's open question decisions", err)
	}
	return err
}
