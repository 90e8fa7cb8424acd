// Package queue moves pixel open events through asynq so that the API only
// enqueues and a separate worker process writes to the store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/mailtrack/internal/mail"
)

// TypeOpen is the asynq task type for a recorded pixel open.
const TypeOpen = "tracking:open"

// DefaultQueue is the asynq queue open events are routed to.
const DefaultQueue = "tracking"

type openPayload struct {
	Token string    `json:"token"`
	At    time.Time `json:"at"`
}

// NewOpenTask encodes ev as an asynq task.
func NewOpenTask(ev mail.OpenEvent, opts ...asynq.Option) (*asynq.Task, error) {
	if strings.TrimSpace(ev.Token) == "" {
		return nil, errors.New("queue: open event token is required")
	}
	raw, err := json.Marshal(openPayload{Token: ev.Token, At: ev.At.UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeOpen, raw, opts...), nil
}

// Enqueuer is the part of *asynq.Client the sink needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// OpenTaskSink is a mail.OpenSink that enqueues each open as a task.
type OpenTaskSink struct {
	Client   Enqueuer
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

// Submit enqueues ev. The capture time travels with the task so a delayed
// worker still records when the pixel was actually fetched.
func (s OpenTaskSink) Submit(ctx context.Context, ev mail.OpenEvent) error {
	if s.Client == nil {
		return errors.New("queue: asynq client not configured")
	}
	queueName := s.Queue
	if queueName == "" {
		queueName = DefaultQueue
	}
	maxRetry := s.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 10
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	task, err := NewOpenTask(ev, asynq.Queue(queueName), asynq.MaxRetry(maxRetry), asynq.Timeout(timeout))
	if err != nil {
		return err
	}
	if _, err := s.Client.EnqueueContext(ctx, task); err != nil {
		QueueEnqueuedTotal.WithLabelValues(TypeOpen, "error").Inc()
		return fmt.Errorf("queue: enqueue open: %w", err)
	}
	QueueEnqueuedTotal.WithLabelValues(TypeOpen, "ok").Inc()
	return nil
}
