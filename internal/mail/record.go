package mail

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateToken is returned by Store.Create when the token is already taken.
	ErrDuplicateToken = errors.New("mail: duplicate token")
	// ErrNotFound is returned when no record exists for a token.
	ErrNotFound = errors.New("mail: record not found")
)

// Record is one delivery attempt and its accumulated open history.
type Record struct {
	Token     string      `json:"token"`
	Recipient string      `json:"recipient"`
	Subject   string      `json:"subject"`
	Content   string      `json:"content,omitempty"`
	SentAt    time.Time   `json:"sentAt"`
	Opens     []time.Time `json:"opens"`

	// ExperimentID and Variant are set when the record was sent as part of an
	// A/B experiment.
	ExperimentID string `json:"experimentId,omitempty"`
	Variant      string `json:"variant,omitempty"`
}

// Opened reports whether the record has at least one open event.
func (r Record) Opened() bool { return len(r.Opens) > 0 }

// LastOpenedAt returns the most recently appended open, if any.
func (r Record) LastOpenedAt() *time.Time {
	if len(r.Opens) == 0 {
		return nil
	}
	last := r.Opens[len(r.Opens)-1]
	return &last
}

// Store persists delivery records. Records are never deleted and the only
// mutation after Create is RecordOpen.
type Store interface {
	// Create inserts rec. When rec belongs to an experiment the variant's sent
	// counter is incremented in the same transaction.
	Create(ctx context.Context, rec Record) error
	// RecordOpen appends at to the record's opens. The first open of an
	// experiment record also increments the variant's open counter.
	RecordOpen(ctx context.Context, token string, at time.Time) error
	Get(ctx context.Context, token string) (Record, error)
	// ListRecent returns up to limit records ordered by SentAt descending.
	ListRecent(ctx context.Context, limit int) ([]Record, error)
	CountTotal(ctx context.Context) (int64, error)
	CountOpened(ctx context.Context) (int64, error)
}
