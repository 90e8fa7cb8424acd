// Command reconcile recomputes experiment counters from delivery records.
//
//	reconcile -experiment <id>
//	reconcile -all
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/noah-isme/mailtrack/internal/abtest"
	"github.com/noah-isme/mailtrack/internal/app"
	"github.com/noah-isme/mailtrack/internal/config"
	"github.com/noah-isme/mailtrack/internal/obs"
)

// reconciler is the part of campaign.Sender this tool drives.
type reconciler interface {
	Reconcile(ctx context.Context, experimentID string) (abtest.Experiment, error)
}

func main() {
	experimentID := flag.String("experiment", "", "experiment id to reconcile")
	all := flag.Bool("all", false, "reconcile every experiment")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		os.Exit(2)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "reconcile").Logger()
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, logger, "mailtrack-reconcile")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	ids, err := targets(ctx, deps.Store, *experimentID, *all)
	if err != nil {
		logger.Error().Err(err).Msg("resolve experiments")
		deps.Close()
		os.Exit(2)
	}
	failed := run(ctx, deps.NewSender(cfg, nil), ids, os.Stdout, logger)
	if failed > 0 {
		deps.Close()
		os.Exit(1)
	}
}

func targets(ctx context.Context, store abtest.Store, id string, all bool) ([]string, error) {
	switch {
	case id != "" && all:
		return nil, fmt.Errorf("use either -experiment or -all")
	case id != "":
		return []string{id}, nil
	case all:
		exps, err := store.ListExperiments(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(exps))
		for _, exp := range exps {
			ids = append(ids, exp.ID)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("one of -experiment or -all is required")
	}
}

// run reconciles each id and prints one line per experiment. It returns the
// number of experiments that could not be reconciled, including those left
// unprocessed after an interrupt.
func run(ctx context.Context, r reconciler, ids []string, out io.Writer, logger zerolog.Logger) int {
	failed := 0
	for i, id := range ids {
		if ctx.Err() != nil {
			remaining := len(ids) - i
			logger.Warn().Int("remaining", remaining).Msg("interrupted")
			return failed + remaining
		}
		exp, err := r.Reconcile(ctx, id)
		if err != nil {
			failed++
			logger.Error().Err(err).Str("experiment_id", id).Msg("reconcile failed")
			continue
		}
		fmt.Fprintf(out, "%s\t%s\tA sent=%d opened=%d\tB sent=%d opened=%d\n",
			exp.ID, exp.Name, exp.A.SentCount, exp.A.OpenCount, exp.B.SentCount, exp.B.OpenCount)
	}
	return failed
}
