package mail

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/mailtrack/internal/obs"
)

// RecordOpen writes ev to store and classifies the outcome for metrics and
// logs. Unknown tokens are not an error for the caller of a pixel.
func RecordOpen(ctx context.Context, store Store, ev OpenEvent, logger zerolog.Logger) error {
	err := store.RecordOpen(ctx, ev.Token, ev.At)
	switch {
	case err == nil:
		obs.CountOpen(obs.OpenRecorded)
	case errors.Is(err, ErrNotFound):
		obs.CountOpen(obs.OpenUnknownToken)
		logger.Debug().Str("token", ev.Token).Msg("open_unknown_token")
	default:
		obs.CountOpen(obs.OpenFailed)
		logger.Error().Err(err).Str("token", ev.Token).Msg("open_record_failed")
	}
	return err
}

// AsyncOptions tunes an AsyncRecorder.
type AsyncOptions struct {
	Buffer       int
	Workers      int
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// AsyncRecorder is an in-process OpenSink. Events are buffered in a bounded
// channel and written by a fixed pool of workers; a full buffer rejects the
// event with ErrSinkFull instead of blocking the pixel response.
type AsyncRecorder struct {
	store   Store
	events  chan OpenEvent
	workers int
	timeout time.Duration
	logger  zerolog.Logger

	startOnce sync.Once
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
}

// NewAsyncRecorder constructs a recorder; call Start before submitting.
func NewAsyncRecorder(store Store, opts AsyncOptions) *AsyncRecorder {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &AsyncRecorder{
		store:   store,
		events:  make(chan OpenEvent, buffer),
		workers: workers,
		timeout: timeout,
		logger:  opts.Logger,
	}
}

// Start launches the worker pool.
func (a *AsyncRecorder) Start() {
	a.startOnce.Do(func() {
		for i := 0; i < a.workers; i++ {
			a.wg.Add(1)
			go a.run()
		}
	})
}

// Submit enqueues ev without waiting for the store.
func (a *AsyncRecorder) Submit(_ context.Context, ev OpenEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.New("mail: open recorder closed")
	}
	select {
	case a.events <- ev:
		return nil
	default:
		return ErrSinkFull
	}
}

// Close stops accepting events and waits until buffered events are written.
func (a *AsyncRecorder) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.events)
		a.mu.Unlock()
		a.Start()
		a.wg.Wait()
	})
}

func (a *AsyncRecorder) run() {
	defer a.wg.Done()
	for ev := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		_ = RecordOpen(ctx, a.store, ev, a.logger)
		cancel()
	}
}
