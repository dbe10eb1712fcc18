// Package hooks runs optional executable scripts around a pull: extension
// points a replicated-database CLI needs that the core library, treating
// synqlite purely as an importable package, has no occasion to define
// itself. Hooks live as executable files under .synqlite/hooks/ and are
// invoked with event data on stdin.
package hooks

import (
	"os"
	"path/filepath"
	"time"
)

// Event names.
const (
	EventPrePull   = "pre_pull"
	EventPostPull  = "post_pull"
	EventOnConflict = "on_conflict"
)

// Hook file names, one executable script per event.
const (
	HookPrePull    = "pre_pull"
	HookPostPull   = "post_pull"
	HookOnConflict = "on_conflict"
)

// Payload is the JSON sent to a hook script on stdin. Fields not relevant
// to an event are left zero; Extra carries anything event-specific, such
// as per-rule conflict counts from a mergeengine.Report, without hooks
// needing to import the merge engine package and risk a cycle.
type Payload struct {
	Event      string         `json:"event"`
	DBPath     string         `json:"db_path"`
	RemotePath string         `json:"remote_path,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Runner handles hook execution for one workspace.
type Runner struct {
	hooksDir string
	timeout  time.Duration
}

// NewRunner creates a hook runner rooted at hooksDir.
func NewRunner(hooksDir string) *Runner {
	return &Runner{hooksDir: hooksDir, timeout: 10 * time.Second}
}

// NewRunnerFromWorkspace creates a hook runner for workspaceRoot's
// .synqlite/hooks directory.
func NewRunnerFromWorkspace(workspaceRoot string) *Runner {
	return NewRunner(filepath.Join(workspaceRoot, ".synqlite", "hooks"))
}

// Run executes a hook if it exists. post_pull runs asynchronously
// (fire-and-forget); pre_pull and on_conflict run through RunSync instead,
// since a pre_pull hook that fails should be able to abort the pull before
// it starts.
func (r *Runner) Run(event string, payload Payload) {
	hookName := eventToHook(event)
	if hookName == "" {
		return
	}
	hookPath := filepath.Join(r.hooksDir, hookName)
	if !r.executable(hookPath) {
		return
	}
	go func() {
		_ = r.runHook(hookPath, payload)
	}()
}

// RunSync executes a hook synchronously and returns any error, so a caller
// can decide whether a failing pre_pull or on_conflict hook should block
// the operation it guards.
func (r *Runner) RunSync(event string, payload Payload) error {
	hookName := eventToHook(event)
	if hookName == "" {
		return nil
	}
	hookPath := filepath.Join(r.hooksDir, hookName)
	if !r.executable(hookPath) {
		return nil
	}
	return r.runHook(hookPath, payload)
}

// HookExists reports whether an executable hook is configured for event.
func (r *Runner) HookExists(event string) bool {
	hookName := eventToHook(event)
	if hookName == "" {
		return false
	}
	return r.executable(filepath.Join(r.hooksDir, hookName))
}

func (r *Runner) executable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}

func eventToHook(event string) string {
	switch event {
	case EventPrePull:
		return HookPrePull
	case EventPostPull:
		return HookPostPull
	case EventOnConflict:
		return HookOnConflict
	default:
		return ""
	}
}
