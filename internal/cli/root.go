// Package cli implements the comfyctl command tree.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/igorls/comfygo/pool"
)

// rootOptions carries the persistent flags plus the ambient dependencies
// the subcommands share.
type rootOptions struct {
	servers     []string
	configPath  string
	outputDir   string
	priority    int
	maxAttempts int
	timeout     time.Duration
	jsonOut     bool
	debug       bool

	fs afero.Fs
}

// Execute builds and runs the comfyctl command tree.
func Execute() error {
	opts := &rootOptions{fs: afero.NewOsFs()}

	rootCmd := &cobra.Command{
		Use:   "comfyctl",
		Short: "🎛️  comfyctl - drive a pool of ComfyUI servers from the terminal",
		Long: `comfyctl submits workflows to one or more ComfyUI-compatible servers,
streams execution progress, and collects the outputs.

Quick Start:
  • Run a workflow:   comfyctl run workflow.json --server http://gpu1:8188
  • Server stats:     comfyctl stats
  • Queue snapshot:   comfyctl queue

Servers come from --server flags or from ~/.comfygo/config.yaml.`,
		Example: `  # Run against two servers, retrying across them on failure
  comfyctl run workflow.json --server http://gpu1:8188 --server http://gpu2:8188

  # Collect a specific node output under an alias
  comfyctl run workflow.json --output 9=image

  # Machine-readable stats
  comfyctl stats --json`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringArrayVarP(&opts.servers, "server", "s", nil, "server base URL (repeatable)")
	pf.StringVar(&opts.configPath, "config", "", "config file (default ~/.comfygo/config.yaml)")
	pf.StringVarP(&opts.outputDir, "output-dir", "o", "", "directory for collected outputs (default .)")
	pf.IntVarP(&opts.priority, "priority", "p", 0, "job priority, higher runs first")
	pf.IntVar(&opts.maxAttempts, "max-attempts", 0, "attempt budget across all servers")
	pf.DurationVar(&opts.timeout, "timeout", 0, "per-node execution timeout")
	pf.BoolVar(&opts.jsonOut, "json", false, "machine-readable output")
	pf.BoolVar(&opts.debug, "debug", false, "verbose logging")

	rootCmd.AddCommand(
		newRunCommand(opts),
		newStatsCommand(opts),
		newQueueCommand(opts),
		newVersionCommand(opts),
	)

	return rootCmd.Execute()
}

// logger builds the zap logger the pool and sessions log through.
func (o *rootOptions) logger() *zap.Logger {
	if !o.debug {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// resolve loads the config file and folds the flags over it. Flags win.
func (o *rootOptions) resolve() (*Config, error) {
	cfg, err := loadConfig(o.fs, o.configPath)
	if err != nil {
		return nil, err
	}
	if len(o.servers) > 0 {
		cfg.Servers = cfg.Servers[:0]
		for _, url := range o.servers {
			cfg.Servers = append(cfg.Servers, ServerConfig{URL: url})
		}
	}
	if o.outputDir != "" {
		cfg.OutputDir = o.outputDir
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if o.maxAttempts > 0 {
		cfg.MaxAttempts = o.maxAttempts
	}
	if o.timeout > 0 {
		cfg.Timeout = o.timeout.String()
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("no servers configured: pass --server or add servers to the config file")
	}
	return cfg, nil
}

// clientConfigs maps the resolved servers to pool client configs.
func (o *rootOptions) clientConfigs(cfg *Config) []pool.ClientConfig {
	out := make([]pool.ClientConfig, 0, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		out = append(out, pool.ClientConfig{ID: srv.ID, BaseURL: srv.URL})
	}
	return out
}
