package evaluator

import (
	"time"

	"go.uber.org/zap"
)

// EngineOption configures an Engine at creation time.
type EngineOption func(*engineConfig)

type engineConfig struct {
	artifactPath string
	diskCache    bool
	cacheDir     string
	logger       *zap.Logger
	clock        func() time.Time
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		artifactPath: DefaultArtifactPath,
		logger:       zap.NewNop(),
		clock:        time.Now,
	}
}

// WithArtifactPath overrides where the compiled expression module is
// read from.
func WithArtifactPath(path string) EngineOption {
	return func(c *engineConfig) {
		if path != "" {
			c.artifactPath = path
		}
	}
}

// WithDiskCache enables a persistent compilation cache for faster
// startup. Optionally provide a custom directory; otherwise
// ~/.cache/rcpeval or XDG_CACHE_HOME/rcpeval is used.
func WithDiskCache(dir ...string) EngineOption {
	return func(c *engineConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithLogger attaches a structured logger. The default discards
// everything.
func WithLogger(l *zap.Logger) EngineOption {
	return func(c *engineConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source used to stamp request envelopes
// (the now and date fields the guest cannot derive itself).
func WithClock(clock func() time.Time) EngineOption {
	return func(c *engineConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// EvalOption adjusts a single Evaluate call.
type EvalOption func(*evalConfig)

type evalConfig struct {
	previous    any
	previousSet bool
}

// WithPrevious supplies the record's prior state for LAST references.
// Passing nil sends an explicit JSON null, which the evaluator treats
// differently from the field being absent entirely: null means "prior
// state exists but is empty", absent means "no prior state applies".
func WithPrevious(v any) EvalOption {
	return func(c *evalConfig) {
		c.previous = v
		c.previousSet = true
	}
}
