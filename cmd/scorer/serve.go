package main

import (
	"github.com/spf13/cobra"

	"github.com/Sternrassler/repo-scorer/internal/app"
	"github.com/Sternrassler/repo-scorer/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the scoring API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}

			a, err := app.New(cmd.Context(), cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(a.Service, a.Executor, opts.logger.With().Str("component", "server").Logger())
			return srv.ListenAndServe(cmd.Context(), cfg.Server.Addr,
				cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}
