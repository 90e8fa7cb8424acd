// Command seeder fills a development database with demo sends, opens and an
// experiment so the dashboard has something to show.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/mailtrack/internal/abtest"
	"github.com/noah-isme/mailtrack/internal/app"
	"github.com/noah-isme/mailtrack/internal/campaign"
	"github.com/noah-isme/mailtrack/internal/config"
	"github.com/noah-isme/mailtrack/internal/mail"
	"github.com/noah-isme/mailtrack/internal/obs"
)

var recipients = []struct {
	Name  string
	Email string
}{
	{"Budi Santoso", "budi@example.com"},
	{"Siti Aminah", "siti@example.com"},
	{"Andi Pratama", "andi@example.com"},
	{"Dewi Lestari", "dewi@example.com"},
	{"Eko Kurniawan", "eko@example.com"},
	{"Fajar Nugraha", "fajar@example.com"},
	{"Gita Pertiwi", "gita@example.com"},
	{"Hendra Wijaya", "hendra@example.com"},
	{"Indah Sari", "indah@example.com"},
	{"Joko Susilo", "joko@example.com"},
}

func main() {
	openEvery := flag.Int("open-every", 3, "record an open for every n-th tracked send (0 disables)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "seeder: %v\n", err)
		os.Exit(2)
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "seeder").Logger()
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}

	ctx := context.Background()
	deps, err := app.Open(ctx, cfg, logger, "mailtrack-seeder")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	sender := deps.NewSender(cfg, nil)
	alloc, err := abtest.NewAllocator(cfg.AllocatorSeed)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise allocator")
	}
	experiments := &abtest.Service{Store: deps.Store, Allocator: alloc, Logger: logger}

	if err := seed(ctx, deps.Store, sender, experiments, *openEvery, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed")
	}
	logger.Info().Msg("seeding completed")
}

func seed(ctx context.Context, store mail.Store, sender *campaign.Sender, experiments *abtest.Service, openEvery int, logger zerolog.Logger) error {
	now := time.Now().UTC()
	for i, r := range recipients {
		token, err := sender.Track(ctx, campaign.TrackInput{
			Recipient: r.Email,
			Subject:   "Welcome aboard, " + r.Name,
			Content:   fmt.Sprintf("Dear %s,\n\nThanks for signing up.\n\nThe team", r.Name),
		})
		if err != nil {
			return fmt.Errorf("track %s: %w", r.Email, err)
		}
		if openEvery > 0 && i%openEvery == 0 {
			if err := store.RecordOpen(ctx, token, now); err != nil {
				return fmt.Errorf("open %s: %w", token, err)
			}
		}
	}
	logger.Info().Int("records", len(recipients)).Msg("tracked sends seeded")

	prospects := make([]string, 0, len(recipients))
	for _, r := range recipients {
		prospects = append(prospects, r.Email)
	}
	exp, err := experiments.Create(ctx, abtest.CreateInput{
		Name:      "Demo subject line test",
		VersionA:  abtest.VersionInput{Subject: "Your spring offer is here", Content: "Hi,\n\nSpring prices start today.\n\nThe team"},
		VersionB:  abtest.VersionInput{Subject: "Ends Sunday: 20% off", Content: "Hi,\n\nTwenty percent off until Sunday.\n\nThe team"},
		Prospects: prospects,
	})
	if err != nil {
		return fmt.Errorf("create experiment: %w", err)
	}
	summary, err := sender.SendExperiment(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("send experiment: %w", err)
	}
	logger.Info().Str("experiment_id", exp.ID).Int("sent", summary.Succeeded).Int("failed", summary.Failed).Msg("experiment seeded")
	return nil
}
