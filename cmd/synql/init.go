package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/synqlite/synqlite/internal/audit"
	"github.com/synqlite/synqlite/internal/cliui"
	"github.com/synqlite/synqlite/internal/config"
	"github.com/synqlite/synqlite/internal/replica"
)

var initCmd = &cobra.Command{
	Use:     "init <db>",
	GroupID: "replica",
	Short:   "Turn an existing SQLite database into a synqlite replica",
	Long: `init introspects the user tables already present in <db>, installs the
shadow log tables and per-table triggers, creates the effective views, and
assigns this replica a peer id. The user's existing rows are left exactly
as they are; the first write after init is the first entry to appear in
the replicated log.

With --interactive, a terminal form prompts for the peer id and the
write-config/clock/cascade choices instead of reading them from flags.`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

var (
	flagInitPeer        string
	flagInitWriteConfig bool
	flagInitInteractive bool
)

func init() {
	initCmd.Flags().StringVar(&flagInitPeer, "peer", "", "replica id (generated if omitted)")
	initCmd.Flags().BoolVar(&flagInitWriteConfig, "write-config", false, "write a default .synqlite/config.toml next to <db>")
	initCmd.Flags().BoolVar(&flagInitInteractive, "interactive", false, "prompt for peer id and config choices in a terminal form")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dbPath := args[0]
	settings := config.Load()
	cfg := replica.Config{PhysicalClock: settings.PhysicalClock, NoActionIsCascade: settings.NoActionIsCascade}

	peer := flagInitPeer
	writeConfig := flagInitWriteConfig

	if flagInitInteractive {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("--interactive requires a terminal on stdin")
		}
		runInitForm(&peer, &writeConfig, &cfg)
	}

	ctx := context.Background()
	h, err := replica.Init(ctx, dbPath, peer, cfg)
	if err != nil {
		return fmt.Errorf("init %q: %w", dbPath, err)
	}
	defer h.Close()

	workspace := filepath.Dir(dbPath)
	if writeConfig {
		configPath := filepath.Join(workspace, ".synqlite", "config.toml")
		if err := config.WriteDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", configPath)
	}

	if _, err := audit.Append(workspace, &audit.Entry{Kind: audit.KindInit, DBPath: dbPath}); err != nil {
		fmt.Printf("warning: failed to write audit entry: %v\n", err)
	}

	fmt.Printf("%s %s is now a synqlite replica\n", cliui.Header("initialized"), dbPath)
	return nil
}

// runInitForm prompts for the handful of choices init needs when the
// caller wants a wizard instead of flags: the peer id (blank generates
// one), whether to write a default config file, and the two clock/cascade
// toggles from internal/config's Settings. It exits the process directly
// on cancel, the same graceful-abort idiom the teacher's create-form
// command uses for huh.ErrUserAborted.
func runInitForm(peer *string, writeConfig *bool, cfg *replica.Config) {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Peer id").
				Description("Leave blank to generate a random 48-bit id").
				Placeholder("generated if blank").
				Value(peer),

			huh.NewConfirm().
				Title("Write a default .synqlite/config.toml next to the database?").
				Value(writeConfig),

			huh.NewConfirm().
				Title("Floor the clock at wall-clock time (hybrid logical clock)?").
				Value(&cfg.PhysicalClock),

			huh.NewConfirm().
				Title("Treat NO ACTION foreign keys as CASCADE instead of RESTRICT?").
				Value(&cfg.NoActionIsCascade),
		),
	).WithTheme(huh.ThemeDracula())

	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			fmt.Fprintln(os.Stderr, "init canceled.")
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "form error: %v\n", err)
		os.Exit(1)
	}
}
