// Package config resolves synqlite's runtime configuration from, in order
// of precedence, environment variables, a project .synqlite/config.yaml
// (found by walking up from the working directory), a user config
// directory, a home directory fallback, and finally built-in defaults. A
// project file found by walking up from the current directory wins over a
// user-level file, which wins over a home-directory file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

var v *viper.Viper

// Settings is the resolved, typed configuration a ReplicaHandle is built
// from. Call Initialize once, then Load to get a Settings value; nothing
// downstream touches viper directly.
type Settings struct {
	// PhysicalClock sets clock.Config.PhysicalClock, which floors
	// Clock.Bump at wall-clock time; the shadow triggers and the merge
	// engine advance the clock by one without that floor.
	// Config key: physical_clock. Default true.
	PhysicalClock bool

	// NoActionIsCascade remaps a foreign key with no declared ON DELETE
	// clause to CASCADE instead of RESTRICT during merge conflict
	// resolution. Config key: no_action_is_cascade. Default false.
	NoActionIsCascade bool

	// LockTimeout is resolved from lock_timeout (default 30s), but nothing
	// reads it: clonefile.Lock, used by clone and pull, waits until its
	// context is done.
	LockTimeout time.Duration
}

// Initialize sets up the viper configuration singleton. Should be called
// once at CLI startup, before any command reads configuration.
func Initialize() error {
	v = viper.New()

	configFileSet := false

	// 1. Walk up from CWD to find a project .synqlite/config.{yaml,toml}.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			if findConfigFile(v, filepath.Join(dir, ".synqlite")) {
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory (~/.config/synqlite/config.{yaml,toml}).
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configFileSet = findConfigFile(v, filepath.Join(configDir, "synqlite"))
		}
	}

	// 3. Home directory (~/.synqlite/config.{yaml,toml}).
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configFileSet = findConfigFile(v, filepath.Join(homeDir, ".synqlite"))
		}
	}

	v.SetEnvPrefix("SYNQLITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("physical_clock", true)
	v.SetDefault("no_action_is_cascade", false)
	v.SetDefault("lock_timeout", "30s")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// Load returns the resolved Settings. Initialize must have been called
// first; a nil viper (Initialize not called) yields all defaults.
func Load() Settings {
	return Settings{
		PhysicalClock:     getBool("physical_clock", true),
		NoActionIsCascade: getBool("no_action_is_cascade", false),
		LockTimeout:       getDuration("lock_timeout", 30*time.Second),
	}
}

// findConfigFile looks for dir/config.yaml then dir/config.toml, setting
// v's config file and type on whichever one it finds first. YAML wins the
// tie; TOML is honored too since WriteDefault writes that format.
func findConfigFile(v *viper.Viper, dir string) bool {
	for _, candidate := range []struct {
		name string
		typ  string
	}{
		{"config.yaml", "yaml"},
		{"config.toml", "toml"},
	} {
		path := filepath.Join(dir, candidate.name)
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType(candidate.typ)
			return true
		}
	}
	return false
}

// defaultConfig is the settings payload WriteDefault encodes as TOML.
type defaultConfig struct {
	PhysicalClock     bool   `toml:"physical_clock"`
	NoActionIsCascade bool   `toml:"no_action_is_cascade"`
	LockTimeout       string `toml:"lock_timeout"`
}

// WriteDefault writes a commented-free, default-valued config.toml to path
// via toml.NewEncoder. Used by `synql init --write-config` to give a fresh
// replica a starting config file instead of leaving every knob to rely on
// built-in defaults.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	cfg := defaultConfig{PhysicalClock: true, NoActionIsCascade: false, LockTimeout: "30s"}
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	return nil
}

func getBool(key string, def bool) bool {
	if v == nil {
		return def
	}
	return v.GetBool(key)
}

func getDuration(key string, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	if d := v.GetDuration(key); d > 0 {
		return d
	}
	return def
}

// ConfigFileUsed returns the path of the config file that was loaded, or
// "" if none was found and defaults/env vars are in effect.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}
