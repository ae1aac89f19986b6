package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/admin"
	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/delivery"
	"github.com/sluicedb/sluice/detector"
	"github.com/sluicedb/sluice/event"
	"github.com/sluicedb/sluice/notify"
	"github.com/sluicedb/sluice/pipeline"
	"github.com/sluicedb/sluice/routing"
	"github.com/sluicedb/sluice/sink"
	"github.com/sluicedb/sluice/source"
	"github.com/sluicedb/sluice/telemetry"
	"github.com/sluicedb/sluice/txgroup"
)

func main() {
	flag.Parse()

	// Load configuration
	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Sluice - CDC delivery pipeline")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Delivery ledger and manager
	ledger, err := buildLedger()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open delivery ledger")
		return
	}

	deliveryMgr, err := delivery.NewManager(ledger, delivery.Config{
		MaxRetries:      cfg.Config.Delivery.MaxRetries,
		RetryInitial:    time.Duration(cfg.Config.Delivery.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(cfg.Config.Delivery.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: cfg.Config.Delivery.RetryMultiplier,
		AttemptTimeout:  time.Duration(cfg.Config.Delivery.AttemptTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize delivery manager")
		return
	}
	defer deliveryMgr.Close()

	// Routing engine with configured destinations and rules
	engine, err := routing.NewEngine(deliveryMgr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize routing engine")
		return
	}
	defer engine.Dispose()

	destinations, err := sink.BuildAll(cfg.Config.Sinks)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build sinks")
		return
	}
	for _, dest := range destinations {
		if err := engine.RegisterDestination(dest); err != nil {
			log.Fatal().Err(err).Str("destination", dest.Name()).Msg("Failed to register destination")
			return
		}
	}

	rules, err := buildRules()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid routing rules")
		return
	}
	if err := engine.SetRules(rules); err != nil {
		log.Fatal().Err(err).Msg("Failed to install routing rules")
		return
	}

	// Optional pipeline stages
	var det *detector.Detector
	if cfg.Config.Detector.Enabled {
		det, err = buildDetector()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize bulk detector")
			return
		}
	}

	var txg *txgroup.Manager
	if cfg.Config.TxGroup.Enabled {
		txg = txgroup.NewManager(
			time.Duration(cfg.Config.TxGroup.RetentionSeconds)*time.Second,
			time.Duration(cfg.Config.TxGroup.ReapIntervalSeconds)*time.Second,
		)
	}

	hub := notify.NewHub()
	src := source.NewChannelSource("default", 1024)

	runner, err := pipeline.NewRunner(pipeline.Config{
		Source:   src,
		Detector: det,
		TxGroup:  txg,
		Engine:   engine,
		Hub:      hub,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pipeline")
		return
	}
	if err := runner.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start pipeline")
		return
	}
	defer runner.Stop()

	// Admin and metrics surface
	if cfg.Config.Admin.Enabled {
		adminServer := admin.NewServer(cfg.Config.Admin, admin.NewHandlers(engine, deliveryMgr, det, txg))
		adminServer.Start()
		defer adminServer.Stop()
	}

	log.Info().
		Uint64("instance_id", cfg.Config.InstanceID).
		Str("data_dir", cfg.Config.DataDir).
		Int("sinks", len(destinations)).
		Int("rules", len(rules)).
		Msg("Sluice started successfully")

	// Run until interrupted
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
	src.Close()
}

func buildLedger() (delivery.LedgerStore, error) {
	ttl := time.Duration(cfg.Config.Delivery.LedgerTTLSeconds) * time.Second
	switch cfg.Config.Delivery.Ledger {
	case "pebble":
		return delivery.NewPebbleLedger(cfg.Config.DataDir, ttl)
	default:
		return delivery.NewMemoryLedger(cfg.Config.Delivery.LedgerMaxEntries, ttl), nil
	}
}

func buildDetector() (*detector.Detector, error) {
	excludedOps, err := parseOperations(cfg.Config.Detector.ExcludedOperations)
	if err != nil {
		return nil, err
	}
	return detector.New(detector.Config{
		MinRowCount:        cfg.Config.Detector.MinRowCount,
		MaxBatchSize:       cfg.Config.Detector.MaxBatchSize,
		BatchTimeout:       time.Duration(cfg.Config.Detector.BatchTimeoutMS) * time.Millisecond,
		MaxSampleSize:      cfg.Config.Detector.MaxSampleSize,
		IncludeSampleData:  cfg.Config.Detector.IncludeSampleData,
		GroupByTransaction: cfg.Config.Detector.GroupByTransaction,
		IncludedTables:     cfg.Config.Detector.IncludedTables,
		ExcludedTables:     cfg.Config.Detector.ExcludedTables,
		ExcludedOperations: excludedOps,
	})
}

func buildRules() ([]routing.Rule, error) {
	rules := make([]routing.Rule, 0, len(cfg.Config.Rules))
	for _, rc := range cfg.Config.Rules {
		ops, err := parseOperations(rc.Operations)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rc.Name, err)
		}
		tables := rc.Tables
		if len(tables) == 0 {
			tables = []string{"*"}
		}
		rules = append(rules, routing.Rule{
			Name:         rc.Name,
			Tables:       tables,
			Operations:   ops,
			Destinations: rc.Destinations,
		})
	}
	return rules, nil
}

func parseOperations(names []string) ([]event.Operation, error) {
	ops := make([]event.Operation, 0, len(names))
	for _, name := range names {
		op, err := event.ParseOperation(name)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
