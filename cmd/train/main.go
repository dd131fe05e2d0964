// Command train imports market data files and trains models offline.
//
//	train -import bars.csv -asset stocks
//	train -asset crypto
//	train            (every asset class)
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/config"
	"github.com/aristath/augur/internal/di"
	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/modules/training"
	"github.com/aristath/augur/pkg/logger"
)

func main() {
	var (
		importPath = flag.String("import", "", "CSV or Parquet bar file to import before training")
		assetFlag  = flag.String("asset", "", "asset class to train (stocks, crypto, etfs); empty trains all")
		importOnly = flag.Bool("import-only", false, "import without training")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true, File: cfg.LogFile})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *importPath, *assetFlag, *importOnly); err != nil {
		log.Error().Err(err).Msg("Training failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, importPath, assetFlag string, importOnly bool) error {
	var asset domain.AssetClass
	if assetFlag != "" {
		a, err := domain.ParseAssetClass(assetFlag)
		if err != nil {
			return err
		}
		asset = a
	}

	container, err := di.Wire(cfg, log)
	if err != nil {
		return err
	}
	defer container.Close()

	if importPath != "" {
		res, err := container.Importer.ImportFile(ctx, importPath, asset)
		if err != nil {
			return err
		}
		log.Info().Int("bars", res.Bars).Strs("symbols", res.Symbols).Msg("Import complete")
	}
	if importOnly {
		return nil
	}

	var summaries []training.Summary
	if asset != "" {
		s, err := container.Orchestrator.TrainAssetClass(ctx, asset)
		if err != nil {
			return err
		}
		summaries = append(summaries, *s)
	} else {
		summaries, err = container.Orchestrator.TrainAll(ctx)
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summaries)
}
