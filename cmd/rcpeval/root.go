package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openlistings/rcpeval/evaluator"
)

var rootCmd = &cobra.Command{
	Use:   "rcpeval",
	Short: "Evaluate RCP19 validation expressions against listing records",
	Long: `rcpeval - Evaluate RCP19 (RETS validation expression) rules.

Expressions are evaluated by a WebAssembly-compiled engine running in a
fully isolated sandbox. The compiled module is looked up at
evaluator.wasm relative to the working directory unless --artifact or a
config file says otherwise.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("artifact", "", "Path to the compiled evaluator module")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable the on-disk compilation cache")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

// newLogger builds the process logger. Quiet by default; --verbose turns
// on a development-style debug logger.
func newLogger(cmd *cobra.Command) *zap.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	if !verbose {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return log
}

// newEngine assembles an Engine from config file and flags. Flags win
// over the config file, which wins over defaults.
func newEngine(cmd *cobra.Command, log *zap.Logger) (*evaluator.Engine, *fileConfig, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	opts := engineOptions(cmd, cfg, log)
	engine, err := evaluator.NewEngine(opts...)
	if err != nil {
		return nil, nil, err
	}
	return engine, cfg, nil
}

func engineOptions(cmd *cobra.Command, cfg *fileConfig, log *zap.Logger) []evaluator.EngineOption {
	opts := []evaluator.EngineOption{evaluator.WithLogger(log)}

	artifact := cfg.Artifact
	if flag, _ := cmd.Root().PersistentFlags().GetString("artifact"); flag != "" {
		artifact = flag
	}
	if artifact != "" {
		opts = append(opts, evaluator.WithArtifactPath(artifact))
	}

	noCache, _ := cmd.Root().PersistentFlags().GetBool("no-cache")
	if !noCache && !cfg.NoDiskCache {
		opts = append(opts, evaluator.WithDiskCache(cfg.CacheDir))
	}
	return opts
}
