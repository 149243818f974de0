package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pcbuilder/gpumarket-cli/internal/enrich"
	"github.com/pcbuilder/gpumarket-cli/internal/model"
	anthropicpkg "github.com/pcbuilder/gpumarket-cli/pkg/anthropic"
	"github.com/pcbuilder/gpumarket-cli/pkg/perplexity"
)

var enrichLimit int

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Extract hypotheses for unseen product descriptions via an LLM provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("enrich"); err != nil {
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

		var provider enrich.Provider
		switch cfg.Enrich.Provider {
		case "perplexity":
			client := perplexity.NewClient(cfg.Perplexity.Key,
				perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
				perplexity.WithModel(cfg.Perplexity.Model))
			provider = enrich.NewPerplexityProvider(client)
		case "anthropic":
			client := anthropicpkg.NewClient(cfg.Anthropic.Key)
			provider = enrich.NewAnthropicProvider(client, cfg.Anthropic.Model)
		default:
			return eris.Errorf("unsupported enrich provider: %s", cfg.Enrich.Provider)
		}

		limit := enrichLimit
		if limit == 0 {
			limit = cfg.Enrich.MaxDescriptions
		}

		run, err := st.CreateRun(ctx, model.RunKindEnrich)
		if err != nil {
			return eris.Wrap(err, "create run")
		}

		counters, err := enrich.NewEnricher(st, provider, cfg.Enrich.RatePerSecond).Run(ctx, run.ID, limit)
		if err != nil {
			finishErr := st.FinishRun(ctx, run.ID, model.RunStatusFailed, counters, err.Error())
			if finishErr != nil {
				zap.L().Error("finish run failed", zap.Error(finishErr))
			}
			return eris.Wrap(err, "enrich")
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
	enrichCmd.Flags().IntVar(&enrichLimit, "limit", 0, "max descriptions to enrich (default from config)")
	rootCmd.AddCommand(enrichCmd)
}
