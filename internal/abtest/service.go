package abtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/mailtrack/internal/common"
	"github.com/noah-isme/mailtrack/internal/generator"
	"github.com/noah-isme/mailtrack/internal/rate"
)

// VersionInput describes one arm at creation time. When Content is empty the
// copy is generated from the embedded brief.
type VersionInput struct {
	Subject string `json:"subject" validate:"required,max=300"`
	Content string `json:"content,omitempty" validate:"max=20000"`
	generator.Params
}

// CreateInput is the payload of an experiment creation.
type CreateInput struct {
	Name      string       `json:"name" validate:"required,max=200"`
	VersionA  VersionInput `json:"versionA"`
	VersionB  VersionInput `json:"versionB"`
	Prospects []string     `json:"prospects" validate:"required,min=1,max=50000,dive,required,email"`
}

// VariantStats is the read model of one arm.
type VariantStats struct {
	SentCount int64        `json:"sentCount"`
	OpenCount int64        `json:"openCount"`
	OpenRate  rate.Percent `json:"openRate"`
}

// Stats is the result view of an experiment.
type Stats struct {
	Name     string       `json:"name"`
	VersionA VariantStats `json:"versionA"`
	VersionB VariantStats `json:"versionB"`
}

// Service creates experiments and reports their results.
type Service struct {
	Store     Store
	Generator generator.ContentGenerator
	Allocator *Allocator
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Create generates copy for both arms, assigns every prospect once and
// persists the experiment. Assignments are never recomputed afterwards.
func (s *Service) Create(ctx context.Context, in CreateInput) (Experiment, error) {
	if s == nil || s.Store == nil || s.Allocator == nil {
		return Experiment{}, errors.New("abtest service not configured")
	}
	details := map[string]string{}
	for name, v := range map[string]VersionInput{"versionA": in.VersionA, "versionB": in.VersionB} {
		if strings.TrimSpace(v.Content) == "" && strings.TrimSpace(v.Purpose) == "" {
			details[name+".purpose"] = "required_without_content"
		}
	}
	if len(details) > 0 {
		return Experiment{}, common.Validation("request validation failed", details)
	}

	a, err := s.buildVariant(ctx, in.VersionA)
	if err != nil {
		return Experiment{}, fmt.Errorf("variant A: %w", err)
	}
	b, err := s.buildVariant(ctx, in.VersionB)
	if err != nil {
		return Experiment{}, fmt.Errorf("variant B: %w", err)
	}
	prospects := s.Allocator.Allocate(in.Prospects)
	if len(prospects) == 0 {
		return Experiment{}, common.Validation("request validation failed", map[string]string{"prospects": "min"})
	}
	exp := Experiment{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(in.Name),
		A:         a,
		B:         b,
		Prospects: prospects,
		CreatedAt: s.now(),
	}
	if err := s.Store.CreateExperiment(ctx, exp); err != nil {
		return Experiment{}, fmt.Errorf("store experiment: %w", err)
	}
	s.Logger.Info().Str("experiment_id", exp.ID).Int("prospects", len(prospects)).Msg("experiment_created")
	return exp, nil
}

func (s *Service) buildVariant(ctx context.Context, in VersionInput) (VariantData, error) {
	data := VariantData{Subject: strings.TrimSpace(in.Subject), Content: in.Content}
	if strings.TrimSpace(in.Purpose) != "" {
		brief := in.Params
		data.Brief = &brief
	}
	if strings.TrimSpace(data.Content) != "" {
		return data, nil
	}
	if s.Generator == nil {
		return VariantData{}, fmt.Errorf("%w: no generator configured", generator.ErrGeneration)
	}
	content, err := s.Generator.Generate(ctx, in.Params)
	if err != nil {
		return VariantData{}, err
	}
	data.Content = content.Text()
	return data, nil
}

// Get loads one experiment.
func (s *Service) Get(ctx context.Context, id string) (Experiment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Experiment{}, ErrNotFound
	}
	return s.Store.GetExperiment(ctx, id)
}

// List returns every experiment, newest first.
func (s *Service) List(ctx context.Context) ([]Experiment, error) {
	return s.Store.ListExperiments(ctx)
}

// Stats returns per-variant counters and open rates.
func (s *Service) Stats(ctx context.Context, id string) (Stats, error) {
	exp, err := s.Get(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	return StatsOf(exp), nil
}

// StatsOf computes the result view of exp.
func StatsOf(exp Experiment) Stats {
	return Stats{
		Name:     exp.Name,
		VersionA: variantStats(exp.A),
		VersionB: variantStats(exp.B),
	}
}

func variantStats(v VariantData) VariantStats {
	return VariantStats{SentCount: v.SentCount, OpenCount: v.OpenCount, OpenRate: rate.Of(v.OpenCount, v.SentCount)}
}
