// Package config loads the tool configuration from a TOML file.
// Flags layer on top of whatever the file sets; the file layers on
// top of the defaults.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/perfcap/rigsetup/internal/c3d"
	"github.com/perfcap/rigsetup/internal/units"
)

// Config is the full tool configuration.
type Config struct {
	// Listen is the review server bind address.
	Listen string `toml:"listen"`

	// DatabasePath is the sqlite session store.
	DatabasePath string `toml:"database_path"`

	// MigrationsDir holds the golang-migrate SQL files.
	MigrationsDir string `toml:"migrations_dir"`

	// Namespace prefixes every scene object of a session. Empty means
	// the performer name is used.
	Namespace string `toml:"namespace"`

	// Units is the template file length unit.
	Units string `toml:"units"`

	// MinMarkers is the suit marker count floor for recordings.
	MinMarkers int `toml:"min_markers"`

	// ReferenceFrame is the frame index used for fitting.
	ReferenceFrame int `toml:"reference_frame"`

	// MarkerDummies toggles marker dummy nodes in built skeletons.
	MarkerDummies bool `toml:"marker_dummies"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:        ":8173",
		DatabasePath:  "rigsetup.db",
		MigrationsDir: "internal/db/migrations",
		Units:         units.Meters,
		MinMarkers:    c3d.DefaultSuitMarkerCount,
		MarkerDummies: true,
	}
}

// Load reads path over the defaults. An empty path returns the
// defaults; a named but missing file is an error, since the operator
// asked for it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: failed to parse config: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is empty")
	}
	if !units.IsValid(c.Units) {
		return fmt.Errorf("units must be one of %s, got %q", units.GetValidUnitsString(), c.Units)
	}
	if c.MinMarkers < 1 {
		return fmt.Errorf("min_markers must be at least 1, got %d", c.MinMarkers)
	}
	if c.ReferenceFrame < 0 {
		return fmt.Errorf("reference_frame must not be negative, got %d", c.ReferenceFrame)
	}
	return nil
}
