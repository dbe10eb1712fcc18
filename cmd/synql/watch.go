package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/synqlite/synqlite/internal/clonefile"
	"github.com/synqlite/synqlite/internal/config"
	"github.com/synqlite/synqlite/internal/hooks"
	"github.com/synqlite/synqlite/internal/replica"
)

var watchCmd = &cobra.Command{
	Use:     "watch <db> <remote-path>",
	GroupID: "replica",
	Short:   "Pull from <remote-path> every time it changes on disk",
	Long: `watch runs pull automatically whenever <remote-path> is written:
useful when <remote-path> is a shared or synced file (Dropbox, a network
mount, a sibling process's working copy) and a human isn't available to
run pull by hand after every change. Writes are debounced so a remote
process that writes in several small steps only triggers one pull.`,
	Args: cobra.ExactArgs(2),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

const watchDebounce = 500 * time.Millisecond

func runWatch(cmd *cobra.Command, args []string) error {
	dbPath, remotePath := args[0], args[1]

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start file watcher: %w", err)
	}
	defer watcher.Close()

	parent := filepath.Dir(remotePath)
	if err := watcher.Add(parent); err != nil {
		return fmt.Errorf("watch %q: %w", parent, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("watching %s for changes, pulling into %s (ctrl-c to stop)\n", remotePath, dbPath)

	var debounce *time.Timer
	pull := func() {
		if err := pullOnce(ctx, dbPath, remotePath); err != nil {
			fmt.Fprintf(os.Stderr, "pull failed: %v\n", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(remotePath) {
				continue
			}
			if !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, pull)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		}
	}
}

// pullOnce runs the pre_pull hook, takes the file lock, merges, then runs
// post_pull and prints the report, as runPull does. Unlike runPull it does
// not run the on_conflict hook and writes no audit entry.
func pullOnce(ctx context.Context, dbPath, remotePath string) error {
	runner := hooks.NewRunnerFromWorkspace(filepath.Dir(dbPath))
	if err := runner.RunSync(hooks.EventPrePull, hooks.Payload{Event: hooks.EventPrePull, DBPath: dbPath, RemotePath: remotePath}); err != nil {
		return fmt.Errorf("pre_pull hook: %w", err)
	}

	unlock, err := clonefile.Lock(ctx, dbPath)
	if err != nil {
		return err
	}
	defer unlock()

	settings := config.Load()
	cfg := replica.Config{PhysicalClock: settings.PhysicalClock, NoActionIsCascade: settings.NoActionIsCascade}

	h, err := replica.Open(ctx, dbPath, cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	report, err := h.PullFrom(ctx, remotePath)
	if err != nil {
		return err
	}

	runner.Run(hooks.EventPostPull, hooks.Payload{Event: hooks.EventPostPull, DBPath: dbPath, RemotePath: remotePath})
	printReport(report)
	return nil
}
