// Package main provides a CLI tool for scoring CSV event datasets offline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"riskgate/internal/config"
	"riskgate/internal/engine"
	"riskgate/internal/intel"
	"riskgate/internal/profile"
	"riskgate/internal/replay"
	"riskgate/internal/rules"
	"riskgate/internal/schema"
	"riskgate/internal/scorer"
	"riskgate/internal/trust"
	"riskgate/internal/velocity"
)

var version = "dev"

func main() {
	input := flag.String("input", "", "CSV file to score (default: stdin)")
	blocklist := flag.String("blocklist", "", "blocklist file, one entry per line")
	jsonOut := flag.Bool("json", false, "emit the full result as JSON")
	verbose := flag.Bool("verbose", false, "print every decision")
	showVersion := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("riskgate-replay %s\n", version)
		return
	}

	// Engine logs go to stderr so stdout stays parseable.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal("load config: %v", err)
	}
	if *blocklist != "" {
		cfg.Intel.BlocklistPath = *blocklist
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid config: %v", err)
	}

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		fatal("build engine: %v", err)
	}
	eng.Start(context.Background())
	defer eng.Stop()

	src := os.Stdin
	if *input != "" {
		f, err := os.Open(*input)
		if err != nil {
			fatal("open input: %v", err)
		}
		defer f.Close()
		src = f
	}

	result, err := replay.New(eng, logger).Run(context.Background(), src)
	if err != nil {
		fatal("replay failed: %v", err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fatal("encode result: %v", err)
		}
		return
	}

	if *verbose {
		for _, row := range result.Rows {
			if row.Error != "" {
				fmt.Printf("line %d: rejected: %s\n", row.Line, row.Error)
				continue
			}
			d := row.Decision
			fmt.Printf("line %d: %s %s score=%d reasons=%v\n",
				row.Line, d.PrincipalID, d.Action, d.Score, d.Reasons)
		}
		fmt.Println()
	}

	printSummary(result.Summary)
}

func printSummary(s replay.Summary) {
	fmt.Printf("events scored:  %d\n", s.Count)
	fmt.Printf("rows rejected:  %d\n", s.Rejected)
	fmt.Printf("average score:  %.2f\n", s.AvgScore)
	fmt.Printf("high risk:      %d\n", s.HighRisk)

	actions := make([]string, 0, len(s.Actions))
	for a := range s.Actions {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	for _, a := range actions {
		fmt.Printf("  %-8s %d\n", a, s.Actions[a])
	}
}

func buildEngine(cfg *config.Config, logger *slog.Logger) (*engine.Engine, error) {
	ruleCfg := rules.Config{
		Weights:              make(map[string]int, len(cfg.Scoring.RuleWeights)),
		VelocityThreshold:    cfg.Engine.VelocityThreshold,
		GeoMinTravelInterval: cfg.Engine.GeoMinTravelInterval,
		HighAmountThreshold:  cfg.Scoring.HighAmountThreshold,
	}
	for name, weight := range cfg.Scoring.RuleWeights {
		ruleCfg.Weights[name] = int(weight)
	}

	catalog, err := rules.NewBuiltinCatalog(ruleCfg)
	if err != nil {
		return nil, err
	}

	ledger, err := trust.NewLedger(trust.LedgerConfig{
		Decay:          cfg.Trust.Decay,
		Growth:         cfg.Trust.Growth,
		DriftFactor:    cfg.Trust.DriftFactor,
		InitialTrust:   cfg.Trust.InitialTrust,
		MaxHistorySize: trust.DefaultLedgerConfig().MaxHistorySize,
	}, logger)
	if err != nil {
		return nil, err
	}

	sc, err := scorer.New(scorer.Config{
		TrustWeightFactor: cfg.Scoring.TrustWeightFactor,
		AllowBelow:        cfg.Scoring.AllowBelow,
		BlockAt:           cfg.Scoring.BlockAt,
	})
	if err != nil {
		return nil, err
	}

	intelStore, err := intel.NewStore(&intel.FileSource{
		Path:       cfg.Intel.BlocklistPath,
		Categories: cfg.Intel.HighRiskCategories,
	}, logger)
	if err != nil {
		return nil, err
	}

	// Replayed events can be arbitrarily old; disable the age check so
	// historical datasets score cleanly.
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    0,
		MaxFuture: cfg.Validation.MaxFuture,
	})

	return engine.New(engine.Config{
		VelocityWindow:   cfg.Engine.VelocityWindow,
		SweepInterval:    0, // no background work for a one-shot run
		IdleEvictionAge:  0,
		HandlerQueueSize: cfg.Engine.HandlerQueueSize,
	}, engine.Deps{
		Validator: validator,
		Catalog:   catalog,
		Velocity:  velocity.NewTracker(logger),
		Profiles:  profile.NewStore(logger),
		Trust:     ledger,
		Scorer:    sc,
		Intel:     intelStore,
		Logger:    logger,
	})
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "riskgate-replay: "+format+"\n", args...)
	os.Exit(1)
}
