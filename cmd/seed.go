package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/pcbuilder/gpumarket-cli/internal/seed"
)

var seedDir string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load canonical chip seed files into the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("seed"); err != nil {
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

		report, err := seed.NewLoader(st).LoadDir(ctx, seedDir)
		if err != nil {
			return eris.Wrap(err, "seed")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedDir, "dir", "seeds/catalog", "directory of seed files (json/yaml)")
	rootCmd.AddCommand(seedCmd)
}
