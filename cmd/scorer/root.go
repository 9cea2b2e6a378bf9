package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/repo-scorer/internal/config"
	"github.com/Sternrassler/repo-scorer/pkg/logging"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	cfgFile string
	verbose bool

	cfg    *config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "scorer",
		Short: "Fetch and score GitHub repositories",
		Long: `scorer searches GitHub for repositories by language and creation date,
fetches the result pages through a rate limiter, circuit breaker and retry
policy, and scores every repository by stars, forks and recency.

Example usage:
  scorer score --language go --created-after 2024-01-01
  scorer serve --config scorer.yaml`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is ./scorer.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newScoreCmd(opts))

	return cmd
}

// load loads the configuration and sets up logging.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if o.verbose {
		cfg.Logging.Level = string(logging.LevelDebug)
	}

	logCfg := cfg.Logger()
	logCfg.Output = cmd.ErrOrStderr()
	o.logger = logging.Setup(logCfg)
	o.cfg = cfg

	o.logger.Debug().
		Str("github", cfg.GitHub.BaseURL).
		Str("mode", cfg.Fetch.Mode).
		Bool("redis", cfg.Redis.Addr != "").
		Msg("Configuration loaded")

	return nil
}
