package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// defaultConfigPath is consulted when --config is not given. A missing
// file is fine; flags and defaults take over.
const defaultConfigPath = "rcpeval.yaml"

// fileConfig is the YAML configuration surface shared by all commands.
type fileConfig struct {
	// Artifact is the path to the compiled evaluator module.
	Artifact string `yaml:"artifact"`

	// NoDiskCache disables the persistent compilation cache.
	NoDiskCache bool `yaml:"no_disk_cache"`

	// CacheDir overrides the compilation cache directory.
	CacheDir string `yaml:"cache_dir"`

	// Listen is the address the serve command binds to.
	Listen string `yaml:"listen"`

	// Watch makes the serve command reload the engine when the artifact
	// is rebuilt.
	Watch bool `yaml:"watch"`

	// EvaluatorTTL is how long an idle server-side evaluator survives,
	// as a Go duration string.
	EvaluatorTTL string `yaml:"evaluator_ttl"`
}

func loadConfig(cmd *cobra.Command) (*fileConfig, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	cfg := &fileConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
