package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
	"github.com/pcbuilder/gpumarket-cli/internal/store"
	"github.com/pcbuilder/gpumarket-cli/internal/views"
)

var viewsCmd = &cobra.Command{
	Use:   "views",
	Short: "Derived market views over linked observations",
	Long:  "Views are pure recomputations over the evidence store; rebuilding them is always safe.",
}

func loadMarketRows(cmd *cobra.Command) (store.Store, []model.MarketRow, error) {
	ctx := cmd.Context()

	if err := cfg.Validate("views"); err != nil {
		return nil, nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, nil, eris.Wrap(err, "migrate store")
	}

	rows, err := st.MarketRows(ctx)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, nil, eris.Wrap(err, "load market rows")
	}
	return st, rows, nil
}

// -- views rebuild --

var viewsRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Recompute all views and report their sizes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, rows, err := loadMarketRows(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		latest := views.Latest(rows)
		metrics := views.ValueMetrics(latest)
		stats := views.Stats(rows)

		zap.L().Info("views rebuilt",
			zap.Int("market_rows", len(rows)),
			zap.Int("latest_prices", len(latest)),
			zap.Int("value_metrics", len(metrics)),
			zap.Int("price_stats", len(stats)))

		fmt.Fprintf(os.Stdout, "market_rows=%d latest_prices=%d value_metrics=%d price_stats=%d\n",
			len(rows), len(latest), len(metrics), len(stats))
		return nil
	},
}

// -- views latest --

var viewsLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the latest price per (variant, retailer) as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, rows, err := loadMarketRows(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(views.Latest(rows))
	},
}

// -- views export --

var viewsExportOut string

var viewsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write all views to an xlsx workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, rows, err := loadMarketRows(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		latest := views.Latest(rows)
		if err := views.ExportWorkbook(viewsExportOut, latest, views.ValueMetrics(latest), views.Stats(rows)); err != nil {
			return eris.Wrap(err, "export workbook")
		}
		fmt.Fprintf(os.Stdout, "wrote %s\n", viewsExportOut)
		return nil
	},
}

func init() {
	viewsExportCmd.Flags().StringVar(&viewsExportOut, "out", "gpumarket.xlsx", "output workbook path")
	viewsCmd.AddCommand(viewsRebuildCmd)
	viewsCmd.AddCommand(viewsLatestCmd)
	viewsCmd.AddCommand(viewsExportCmd)
	rootCmd.AddCommand(viewsCmd)
}
