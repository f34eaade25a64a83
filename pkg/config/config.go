// Package config loads the optional friar.toml configuration file.
//
// The file is read from the path named by the FRIAR_CONFIG environment
// variable when it is set, else from the current directory. A missing file yields the
// defaults; a malformed one is an error. CLI flags take precedence over
// file values.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Interp configures the interpreter.
type Interp struct {
	// MaxStack caps the value stack, in words. 0 keeps the built-in limit.
	MaxStack uint32 `toml:"max_stack"`

	// ReadPrompt is printed by the Lread builtin before reading a number.
	ReadPrompt string `toml:"read_prompt"`
}

// Cache configures the verification cache.
type Cache struct {
	// Enabled turns the cache on.
	Enabled bool `toml:"enabled"`

	// Dir is the cache directory. Empty means a ".friar-cache" directory
	// inside the working directory.
	Dir string `toml:"dir"`
}

// Log configures diagnostics.
type Log struct {
	// Verbosity is added to the verbosity selected with -v flags.
	Verbosity int `toml:"verbosity"`
}

// Config is the root of friar.toml.
type Config struct {
	Interp Interp `toml:"interp"`
	Cache  Cache  `toml:"cache"`
	Log    Log    `toml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Interp: Interp{ReadPrompt: " > "},
		Cache:  Cache{Dir: ".friar-cache"},
	}
}

// LoadFile reads the configuration at path on top of the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config: unrecognized key %q in %s", undecoded[0].String(), path)
	}

	if cfg.Interp.ReadPrompt == "" {
		cfg.Interp.ReadPrompt = " > "
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = ".friar-cache"
	}

	return cfg, nil
}

// Discover loads friar.toml from the working directory or the path in
// FRIAR_CONFIG, falling back to the defaults when neither exists.
func Discover() (Config, error) {
	if path := os.Getenv("FRIAR_CONFIG"); path != "" {
		return LoadFile(path)
	}

	if _, err := os.Stat("friar.toml"); err == nil {
		return LoadFile("friar.toml")
	}

	return Default(), nil
}
