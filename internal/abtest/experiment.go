package abtest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/noah-isme/mailtrack/internal/generator"
)

// ErrNotFound is returned when an experiment does not exist.
var ErrNotFound = errors.New("abtest: experiment not found")

// Variant identifies one arm of an experiment.
type Variant string

const (
	VariantA Variant = "A"
	VariantB Variant = "B"
)

// Valid reports whether v is A or B.
func (v Variant) Valid() bool { return v == VariantA || v == VariantB }

// VariantData is the copy sent to one arm and its delivery counters.
type VariantData struct {
	Subject   string            `json:"subject"`
	Content   string            `json:"content"`
	SentCount int64             `json:"sentCount"`
	OpenCount int64             `json:"openCount"`
	Brief     *generator.Params `json:"brief,omitempty"`
}

// Prospect is a recipient with its fixed variant assignment.
type Prospect struct {
	Email   string  `json:"email"`
	Variant Variant `json:"version"`
}

// Experiment is a two-variant campaign.
type Experiment struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	A         VariantData `json:"versionA"`
	B         VariantData `json:"versionB"`
	Prospects []Prospect  `json:"prospects"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Arm returns the data of variant v, or nil for an unknown variant.
func (e *Experiment) Arm(v Variant) *VariantData {
	switch v {
	case VariantA:
		return &e.A
	case VariantB:
		return &e.B
	default:
		return nil
	}
}

// Store persists experiments. Variant counters are only ever changed by the
// delivery record store (send and first open) or by ReconcileExperiment.
type Store interface {
	CreateExperiment(ctx context.Context, exp Experiment) error
	GetExperiment(ctx context.Context, id string) (Experiment, error)
	// ListExperiments returns all experiments, newest first.
	ListExperiments(ctx context.Context) ([]Experiment, error)
	// ReconcileExperiment recomputes both variants' counters from the
	// delivery records that reference the experiment.
	ReconcileExperiment(ctx context.Context, id string) (Experiment, error)
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
