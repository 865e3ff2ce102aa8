package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"priceflow/config"
	"priceflow/internal/channel"
	"priceflow/logger"
	"priceflow/models"
	"priceflow/pricing"
	"priceflow/processor"
	"priceflow/reader"
	"priceflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	extractionPath := flag.String("extraction", "", "Path to extraction rules file (defaults built in)")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	runID := uuid.New().String()
	log.WithFields(logger.Fields{
		"service": cfg.Priceflow.Name,
		"version": cfg.Priceflow.Version,
		"run_id":  runID,
	}).Info("starting priceflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		cancel()
	}()

	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "Priceflow", cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if err := run(ctx, cfg, *extractionPath, runID); err != nil {
		log.WithError(err).Error("run failed")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{"run_id": runID}).Info("priceflow finished")
}

func run(ctx context.Context, cfg *config.Config, extractionPath, runID string) error {
	log := logger.GetLogger().WithComponent("main")

	// The built-in extraction dictionaries are a development convenience;
	// production and staging runs must pin an explicit rules file.
	if env := config.AppEnvironment(); extractionPath == "" && config.IsProductionLike(env) {
		return fmt.Errorf("APP_ENV %s requires an explicit extraction rules file (-extraction)", env)
	}

	extraction, err := config.LoadExtractionRules(extractionPath)
	if err != nil {
		return err
	}
	extractor, err := processor.NewTitleExtractor(extraction)
	if err != nil {
		return err
	}

	store, err := writer.OpenStore(cfg.Storage.SQLite.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ruleStore, err := pricing.LoadRuleStore(cfg.Ingest.RulesFile)
	if err != nil {
		return err
	}
	internalRecords, err := reader.LoadInternalCSV(cfg.Ingest.InternalCSV)
	if err != nil {
		return err
	}
	demandEstimates, err := reader.LoadDemandJSON(cfg.Ingest.DemandJSON)
	if err != nil {
		return err
	}

	channels := channel.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.NormBuffer)
	go channels.StartMetricsReporting(ctx)

	artifacts := reader.NewArtifactReader(cfg, channels, store)
	normStage := processor.NewStage(cfg, processor.NewNormalizer(extractor), channels)

	if err := artifacts.Start(ctx); err != nil {
		return err
	}
	if err := normStage.Start(ctx); err != nil {
		return err
	}

	var (
		listings      []models.NormalizedListing
		normFailures  int
		priceFailures int
	)
	for batch := range channels.Norm {
		listings = append(listings, batch.Listings...)
		normFailures += len(batch.Failures)
		priceFailures += len(batch.PriceFailures)
	}
	artifacts.Stop()
	normStage.Stop()

	if err := ctx.Err(); err != nil {
		return err
	}

	log.WithFields(logger.Fields{
		"listings":       len(listings),
		"norm_failures":  normFailures,
		"price_failures": priceFailures,
	}).Info("ingest complete")

	report := processor.CheckConflicts(listings)

	summaries, dailies := processor.Aggregate(listings, aggregateOptions(cfg, report))
	if err := processor.VerifyMarketplaces(summaries, listings); err != nil {
		return err
	}

	suggestions := suggest(cfg, runID, ruleStore, summaries, dailies, internalRecords, demandEstimates)
	logger.IncrementSuggestions(len(suggestions))

	if err := store.CommitRun(ctx, writer.RunResult{
		RunID:       runID,
		Listings:    listings,
		Summaries:   summaries,
		Dailies:     dailies,
		Suggestions: suggestions,
		Conflicts:   report,
	}); err != nil {
		return err
	}

	if cfg.Storage.Parquet.Enabled {
		var uploader *writer.S3Uploader
		if cfg.Storage.S3.Enabled {
			if uploader, err = writer.NewS3Uploader(ctx, cfg); err != nil {
				return err
			}
		}
		exporter := writer.NewParquetExporter(cfg, uploader)
		if _, err := exporter.Export(ctx, dailies); err != nil {
			return err
		}
	}

	log.WithFields(logger.Fields{
		"summaries":   len(summaries),
		"dailies":     len(dailies),
		"suggestions": len(suggestions),
		"conflicts":   len(report.Conflicts),
	}).Info("run committed")
	return nil
}

func aggregateOptions(cfg *config.Config, report models.ConflictReport) processor.AggregateOptions {
	opts := processor.AggregateOptions{
		TrimOutliers:     cfg.Aggregation.TrimOutliers,
		EvidenceMaxFiles: cfg.Aggregation.EvidenceMaxFiles,
		IncludeDegraded:  cfg.Aggregation.IncludeDegraded,
		ExcludeKeys:      report.ConflictedKeys(),
	}
	if cfg.Aggregation.DailyPriceMin != "" {
		if d, err := decimal.NewFromString(cfg.Aggregation.DailyPriceMin); err == nil {
			opts.DailyPriceMin = decimal.NewNullDecimal(d)
		}
	}
	if cfg.Aggregation.DailyPriceMax != "" {
		if d, err := decimal.NewFromString(cfg.Aggregation.DailyPriceMax); err == nil {
			opts.DailyPriceMax = decimal.NewNullDecimal(d)
		}
	}
	return opts
}

func suggest(cfg *config.Config, runID string, rules *pricing.RuleStore,
	summaries []models.CanonicalSummary, dailies []models.DailyAggregate,
	internalRecords []models.InternalRecord, demandEstimates []models.DemandEstimate) []models.Suggestion {

	log := logger.GetLogger().WithComponent("main")
	engine := pricing.NewEngine(cfg, rules)
	internal := pricing.IndexInternal(internalRecords)
	demand := pricing.IndexDemand(demandEstimates)

	latestDaily := make(map[models.CanonicalKey]models.DailyAggregate, len(dailies))
	for _, d := range dailies {
		if prev, ok := latestDaily[d.Key]; ok && prev.Date > d.Date {
			continue
		}
		latestDaily[d.Key] = d
	}

	date := time.Now().UTC().Format("2006-01-02")
	suggestions := make([]models.Suggestion, 0, len(summaries))
	for _, summary := range summaries {
		in := pricing.Inputs{Summary: summary}
		if d, ok := latestDaily[summary.Key]; ok {
			daily := d
			in.Daily = &daily
		}
		if rec, ok := internal[summary.Key]; ok {
			record := rec
			in.Internal = &record
		}
		if est, ok := demand[summary.Key]; ok {
			estimate := est
			in.Demand = &estimate
		}

		s, err := engine.Suggest(runID, date, in)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"key": summary.Key}).Warn("key skipped, nothing to price from")
			continue
		}
		suggestions = append(suggestions, s)
	}

	sort.Slice(suggestions, func(i, j int) bool { return suggestions[i].Key < suggestions[j].Key })
	return suggestions
}
