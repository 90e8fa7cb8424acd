package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/mailtrack/internal/mail"
)

// OpenHandler records open tasks in the store.
type OpenHandler struct {
	Store  mail.Store
	Logger zerolog.Logger
}

// ProcessTask implements asynq.Handler. Unknown tokens and malformed payloads
// can never succeed, so they are not retried.
func (h OpenHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p openPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.Token == "" {
		QueueProcessedTotal.WithLabelValues(t.Type(), "invalid").Inc()
		return fmt.Errorf("queue: malformed open payload: %w", asynq.SkipRetry)
	}
	err := mail.RecordOpen(ctx, h.Store, mail.OpenEvent{Token: p.Token, At: p.At}, h.Logger)
	switch {
	case err == nil:
		QueueProcessedTotal.WithLabelValues(t.Type(), "ok").Inc()
		return nil
	case errors.Is(err, mail.ErrNotFound):
		QueueProcessedTotal.WithLabelValues(t.Type(), "skipped").Inc()
		return fmt.Errorf("queue: %v: %w", err, asynq.SkipRetry)
	default:
		QueueProcessedTotal.WithLabelValues(t.Type(), "retry").Inc()
		return err
	}
}

// NewServeMux routes open tasks to h.
func NewServeMux(h OpenHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeOpen, h)
	return mux
}

// InspectDepth samples the pending and archived sizes of queueName into the
// queue gauges. Archived tasks are the ones asynq gave up on.
func InspectDepth(inspector *asynq.Inspector, queueName string) error {
	info, err := inspector.GetQueueInfo(queueName)
	if err != nil {
		return err
	}
	QueueDepth.WithLabelValues(queueName).Set(float64(info.Pending + info.Scheduled + info.Retry))
	QueueArchivedSize.WithLabelValues(queueName).Set(float64(info.Archived))
	return nil
}
