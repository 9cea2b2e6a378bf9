package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/repo-scorer/internal/app"
	"github.com/Sternrassler/repo-scorer/pkg/pagination"
	"github.com/Sternrassler/repo-scorer/pkg/scorer"
)

func newScoreCmd(opts *rootOptions) *cobra.Command {
	var (
		req      scorer.Request
		pageSize int
		maxPages int
		mode     string
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Fetch and score repositories once and print them as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("mode") {
				switch pagination.Mode(mode) {
				case pagination.ModeSequential, pagination.ModeConcurrent:
					cfg.Fetch.Mode = mode
				default:
					return fmt.Errorf("--mode must be sequential or concurrent (got %q)", mode)
				}
			}
			if cmd.Flags().Changed("page-size") {
				req.PageSize = &pageSize
			}
			if cmd.Flags().Changed("max-pages") {
				req.MaxPages = &maxPages
			}

			a, err := app.New(cmd.Context(), cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			scored, err := a.Service.FetchAndScore(cmd.Context(), req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(scored)
		},
	}

	cmd.Flags().StringVar(&req.CreatedAfter, "created-after", "", "only repositories created after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&req.Language, "language", "", "language qualifier, e.g. go")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "results per page (clamped to the configured ceiling)")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "pages to fetch (clamped to the configured ceiling)")
	cmd.Flags().StringVar(&mode, "mode", "", "fetch mode: sequential or concurrent")
	_ = cmd.MarkFlagRequired("created-after")
	_ = cmd.MarkFlagRequired("language")

	return cmd
}
