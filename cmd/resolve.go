package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
	"github.com/pcbuilder/gpumarket-cli/internal/resolve"
)

var (
	resolveLimit  int
	resolveDryRun bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve unlinked observations against the canonical catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("resolve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		limit := resolveLimit
		if limit == 0 {
			limit = cfg.Resolve.BatchSize
		}

		engine := resolve.NewEngine(st, cfg.Resolve.Workers)
		if resolveDryRun {
			engine.DryRun()
			counters, err := engine.ResolveBatch(ctx, "dry-run", limit)
			if err != nil {
				return eris.Wrap(err, "resolve dry run")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(counters)
		}

		run, err := st.CreateRun(ctx, model.RunKindResolve)
		if err != nil {
			return eris.Wrap(err, "create run")
		}

		counters, err := engine.ResolveBatch(ctx, run.ID, limit)
		if err != nil {
			finishErr := st.FinishRun(ctx, run.ID, model.RunStatusFailed, counters, err.Error())
			if finishErr != nil {
				zap.L().Error("finish run failed", zap.Error(finishErr))
			}
			return eris.Wrap(err, "resolve")
		}
		if err := st.FinishRun(ctx, run.ID, model.RunStatusComplete, counters, ""); err != nil {
			return eris.Wrap(err, "finish run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(counters)
	},
}

func init() {
	resolveCmd.Flags().IntVar(&resolveLimit, "limit", 0, "max observations to resolve (default from config)")
	resolveCmd.Flags().BoolVar(&resolveDryRun, "dry-run", false, "compute decisions without writing")
	rootCmd.AddCommand(resolveCmd)
}
