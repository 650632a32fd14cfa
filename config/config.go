// Package config holds the tunables of the capture/restore engine.
package config

import (
	"github.com/caarlos0/env/v11"
)

// Prefix is prepended to every environment variable name.
const Prefix = "PGMSNAP_"

// DefaultLowMemThreshold is the address below which a best-effort load may
// skip mismatching ranges.
const DefaultLowMemThreshold = 8 << 20

type Config struct {
	// YieldInterval is the number of pages a live pass visits before it
	// briefly releases the registry lock.
	YieldInterval int `env:"YIELD_INTERVAL" envDefault:"256"`
	// MaxPasses bounds the number of live passes before the final one.
	MaxPasses uint32 `env:"MAX_PASSES" envDefault:"32"`
	// DirtyThreshold is the dirty page count at which a live capture
	// votes to stop.
	DirtyThreshold uint64 `env:"DIRTY_THRESHOLD" envDefault:"0"`
	// MaxTrackedPages caps the live tracking arrays. Zero means no limit.
	MaxTrackedPages uint64 `env:"MAX_TRACKED_PAGES" envDefault:"0"`

	BestEffortLoad  bool   `env:"BEST_EFFORT_LOAD"`
	LowMemThreshold uint64 `env:"LOW_MEM_THRESHOLD" envDefault:"8388608"`

	LogLevel    string `env:"LOG_LEVEL"   envDefault:"info"`
	Development bool   `env:"DEVELOPMENT"`
}

// Parse reads the configuration from PGMSNAP_* environment variables.
func Parse() (Config, error) {
	return env.ParseAsWithOptions[Config](env.Options{Prefix: Prefix})
}

// Default returns the configuration with no environment applied.
func Default() Config {
	return Config{
		YieldInterval:   256,
		MaxPasses:       32,
		LowMemThreshold: DefaultLowMemThreshold,
		LogLevel:        "info",
	}
}
