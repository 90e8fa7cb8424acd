// Package campaign creates delivery records for single sends, batches and
// A/B experiments, and hands the rendered message to an email transport.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/mailtrack/internal/abtest"
	"github.com/noah-isme/mailtrack/internal/common"
	"github.com/noah-isme/mailtrack/internal/generator"
	"github.com/noah-isme/mailtrack/internal/lock"
	"github.com/noah-isme/mailtrack/internal/mail"
	"github.com/noah-isme/mailtrack/internal/obs"
)

// Send kinds used as the kind label of the sends metric.
const (
	KindTrack      = "track"
	KindSingle     = "single"
	KindBatch      = "batch"
	KindExperiment = "experiment"
)

// ErrTokenExhausted is returned when every generated token collided.
var ErrTokenExhausted = errors.New("campaign: could not allocate a unique token")

// GenerationError reports that copy for a recipient could not be generated.
type GenerationError struct {
	Recipient string
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate content for %s: %v", e.Recipient, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Is makes every GenerationError match generator.ErrGeneration.
func (e *GenerationError) Is(target error) bool { return target == generator.ErrGeneration }

// TokenSource produces delivery tokens.
type TokenSource interface {
	Generate() (string, error)
}

// Sender creates delivery records. Records and experiment counters are
// changed only through the stores, which apply each record insert and its
// counter increment together.
type Sender struct {
	Records     mail.Store
	Experiments abtest.Store
	Generator   generator.ContentGenerator
	Tokens      TokenSource
	Email       common.EmailSender
	// Locker, when set, serialises sends and reconciliation per experiment.
	Locker  *lock.Locker
	LockTTL time.Duration

	PublicBaseURL string
	Concurrency   int
	TokenAttempts int
	// Personalize regenerates experiment copy per prospect from the variant brief.
	Personalize bool

	Logger zerolog.Logger
	Now    func() time.Time
}

func (s *Sender) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// TrackInput is caller supplied copy for one recipient.
type TrackInput struct {
	Recipient string `json:"recipient" validate:"required,email,max=320"`
	Subject   string `json:"subject" validate:"required,max=300"`
	Content   string `json:"content" validate:"required,max=100000"`
}

// SingleInput asks for generated copy for one recipient.
type SingleInput struct {
	Recipient string `json:"recipient" validate:"required,email,max=320"`
	Subject   string `json:"subject,omitempty" validate:"max=300"`
	generator.Params
}

// Track stores a record for caller supplied copy and returns its token.
func (s *Sender) Track(ctx context.Context, in TrackInput) (string, error) {
	rec, err := s.deliver(ctx, mail.Record{
		Recipient: strings.TrimSpace(in.Recipient),
		Subject:   strings.TrimSpace(in.Subject),
		Content:   in.Content,
	})
	obs.CountSend(KindTrack, resultLabel(err))
	if err != nil {
		return "", err
	}
	return rec.Token, nil
}

// Generate returns copy for params without storing anything.
func (s *Sender) Generate(ctx context.Context, params generator.Params) (generator.Content, error) {
	if s.Generator == nil {
		return generator.Content{}, fmt.Errorf("%w: no generator configured", generator.ErrGeneration)
	}
	return s.Generator.Generate(ctx, params)
}

// SendSingle generates copy for one recipient, stores the record and returns
// its token.
func (s *Sender) SendSingle(ctx context.Context, in SingleInput) (string, error) {
	rec, err := s.sendSingle(ctx, in)
	obs.CountSend(KindSingle, resultLabel(err))
	if err != nil {
		return "", err
	}
	return rec.Token, nil
}

func (s *Sender) sendSingle(ctx context.Context, in SingleInput) (mail.Record, error) {
	content, err := s.Generate(ctx, in.Params)
	if err != nil {
		return mail.Record{}, &GenerationError{Recipient: in.Recipient, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return mail.Record{}, err
	}
	subject := strings.TrimSpace(in.Subject)
	if subject == "" {
		subject = "Email from " + strings.TrimSpace(in.Company)
	}
	return s.deliver(ctx, mail.Record{
		Recipient: strings.TrimSpace(in.Recipient),
		Subject:   subject,
		Content:   content.Text(),
	})
}

// SendBatch runs SendSingle for every row. A failed row never affects the
// others.
func (s *Sender) SendBatch(ctx context.Context, rows []SingleInput) Summary {
	results := s.runPool(ctx, len(rows), func(ctx context.Context, i int) Result {
		row := rows[i]
		res := Result{Recipient: row.Recipient}
		rec, err := s.sendSingle(ctx, row)
		obs.CountSend(KindBatch, resultLabel(err))
		return res.finish(ctx, rec, err)
	}, func(i int) Result { return Result{Recipient: rows[i].Recipient} })
	summary := summarize(results)
	s.Logger.Info().Int("succeeded", summary.Succeeded).Int("failed", summary.Failed).Int("skipped", summary.Skipped).
		Int("stored", summary.Stored).Msg("batch_sent")
	return summary
}

// SendExperiment creates one record per prospect using the copy of the
// prospect's assigned variant. Each insert increments that variant's sent
// counter. Per-prospect failures are collected in the summary; the returned
// error is set only when the experiment cannot be loaded or locked.
func (s *Sender) SendExperiment(ctx context.Context, experimentID string) (Summary, error) {
	var summary Summary
	err := s.withExperimentLock(ctx, experimentID, func(ctx context.Context) error {
		exp, err := s.Experiments.GetExperiment(ctx, experimentID)
		if err != nil {
			return err
		}
		results := s.runPool(ctx, len(exp.Prospects), func(ctx context.Context, i int) Result {
			p := exp.Prospects[i]
			res := Result{Recipient: p.Email, Variant: p.Variant}
			rec, err := s.sendProspect(ctx, exp, p)
			obs.CountSend(KindExperiment, resultLabel(err))
			return res.finish(ctx, rec, err)
		}, func(i int) Result {
			return Result{Recipient: exp.Prospects[i].Email, Variant: exp.Prospects[i].Variant}
		})
		summary = summarize(results)
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	s.Logger.Info().Str("experiment_id", experimentID).Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).Int("skipped", summary.Skipped).Int("stored", summary.Stored).Msg("experiment_sent")
	return summary, nil
}

func (s *Sender) sendProspect(ctx context.Context, exp abtest.Experiment, p abtest.Prospect) (mail.Record, error) {
	arm := exp.Arm(p.Variant)
	if arm == nil {
		return mail.Record{}, fmt.Errorf("prospect %s: unknown variant %q", p.Email, p.Variant)
	}
	content := arm.Content
	if s.Personalize && arm.Brief != nil {
		params := *arm.Brief
		params.RecipientName = recipientName(p.Email)
		generated, err := s.Generate(ctx, params)
		if err != nil {
			return mail.Record{}, &GenerationError{Recipient: p.Email, Err: err}
		}
		// a generation finishing after cancellation is discarded
		if err := ctx.Err(); err != nil {
			return mail.Record{}, err
		}
		content = generated.Text()
	}
	return s.deliver(ctx, mail.Record{
		Recipient:    p.Email,
		Subject:      arm.Subject,
		Content:      content,
		ExperimentID: exp.ID,
		Variant:      string(p.Variant),
	})
}

// Reconcile recomputes an experiment's counters from its delivery records.
func (s *Sender) Reconcile(ctx context.Context, experimentID string) (abtest.Experiment, error) {
	var exp abtest.Experiment
	err := s.withExperimentLock(ctx, experimentID, func(ctx context.Context) error {
		var err error
		exp, err = s.Experiments.ReconcileExperiment(ctx, experimentID)
		return err
	})
	if err != nil {
		return abtest.Experiment{}, err
	}
	s.Logger.Info().Str("experiment_id", experimentID).
		Int64("a_sent", exp.A.SentCount).Int64("a_opened", exp.A.OpenCount).
		Int64("b_sent", exp.B.SentCount).Int64("b_opened", exp.B.OpenCount).Msg("experiment_reconciled")
	return exp, nil
}

func (s *Sender) withExperimentLock(ctx context.Context, experimentID string, fn func(context.Context) error) error {
	if s.Experiments == nil {
		return errors.New("campaign: experiment store not configured")
	}
	if s.Locker == nil {
		return fn(ctx)
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return s.Locker.WithLock(ctx, lock.ExperimentKey(experimentID), ttl, fn)
}

// deliver allocates a unique token, stores rec and hands the rendered
// message to the transport. A transport error is returned together with the
// stored record.
func (s *Sender) deliver(ctx context.Context, rec mail.Record) (mail.Record, error) {
	if s.Records == nil || s.Tokens == nil {
		return mail.Record{}, errors.New("campaign: sender not configured")
	}
	attempts := s.TokenAttempts
	if attempts <= 0 {
		attempts = 5
	}
	rec.SentAt = s.now()
	stored := false
	for attempt := 0; attempt < attempts; attempt++ {
		tok, err := s.Tokens.Generate()
		if err != nil {
			return mail.Record{}, err
		}
		rec.Token = tok
		err = s.Records.Create(ctx, rec)
		if errors.Is(err, mail.ErrDuplicateToken) {
			s.Logger.Warn().Int("attempt", attempt+1).Msg("token_collision")
			continue
		}
		if err != nil {
			return mail.Record{}, fmt.Errorf("store record: %w", err)
		}
		stored = true
		break
	}
	if !stored {
		return mail.Record{}, ErrTokenExhausted
	}
	if s.Email != nil {
		if err := s.Email.Send(rec.Recipient, rec.Subject, RenderHTML(rec.Content, PixelURL(s.PublicBaseURL, rec.Token))); err != nil {
			s.Logger.Warn().Err(err).Str("token", rec.Token).Msg("transport_failed_after_store")
			return rec, fmt.Errorf("hand off to transport: %w", err)
		}
	}
	return rec, nil
}

func recipientName(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "skipped"
	case errors.Is(err, generator.ErrGeneration):
		return "generation_error"
	default:
		return "error"
	}
}
