package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pcbuilder/gpumarket-cli/internal/evidence"
	"github.com/pcbuilder/gpumarket-cli/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <dir>",
	Short: "Append marketplace observation and hypothesis files to the evidence store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("ingest"); err != nil {
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

		run, err := st.CreateRun(ctx, model.RunKindIngest)
		if err != nil {
			return eris.Wrap(err, "create run")
		}

		report, err := evidence.NewIntake(st).IngestDir(ctx, run.ID, args[0])
		if err != nil {
			finishErr := st.FinishRun(ctx, run.ID, model.RunStatusFailed, nil, err.Error())
			if finishErr != nil {
				zap.L().Error("finish run failed", zap.Error(finishErr))
			}
			return eris.Wrap(err, "ingest")
		}

		counters := &model.RunCounters{
			Scanned:    report.Scanned,
			Duplicates: report.Duplicates,
			Rejected:   report.Rejected,
		}
		if err := st.FinishRun(ctx, run.ID, model.RunStatusComplete, counters, ""); err != nil {
			return eris.Wrap(err, "finish run")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
