package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/synqlite/synqlite/internal/audit"
	"github.com/synqlite/synqlite/internal/cliui"
	"github.com/synqlite/synqlite/internal/config"
	"github.com/synqlite/synqlite/internal/replica"
)

var fingerprintCmd = &cobra.Command{
	Use:     "fingerprint <db> <out>",
	GroupID: "inspect",
	Short:   "Write a stable summary of a replica's log to <out>",
	Long: `fingerprint writes the replica's peer id and a SHA-256 digest over the
ordered contents of its column log (_synq_log) to <out>; the foreign-key
log and the causal context are not included. Two replicas with the same
digest have merged the same column log, even if their local clocks or
physical rowids differ — the digest compares replicated content, not
file bytes.`,
	Args: cobra.ExactArgs(2),
	RunE: runFingerprint,
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	dbPath, out := args[0], args[1]
	ctx := context.Background()

	settings := config.Load()
	cfg := replica.Config{PhysicalClock: settings.PhysicalClock, NoActionIsCascade: settings.NoActionIsCascade}

	h, err := replica.Open(ctx, dbPath, cfg)
	if err != nil {
		return fmt.Errorf("open %q: %w", dbPath, err)
	}
	defer h.Close()

	if err := h.Fingerprint(ctx, out); err != nil {
		return fmt.Errorf("fingerprint %q: %w", dbPath, err)
	}

	if _, err := audit.Append(filepath.Dir(dbPath), &audit.Entry{Kind: audit.KindFingerprint, DBPath: dbPath}); err != nil {
		fmt.Printf("warning: failed to write audit entry: %v\n", err)
	}

	fmt.Printf("%s wrote %s\n", cliui.Header("fingerprint"), out)
	return nil
}
