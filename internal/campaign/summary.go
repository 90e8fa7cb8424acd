package campaign

import (
	"context"
	"errors"
	"sync"

	"github.com/noah-isme/mailtrack/internal/abtest"
	"github.com/noah-isme/mailtrack/internal/mail"
)

// Result statuses.
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Result is the outcome for one recipient of a batch or experiment send.
// Stored is true whenever a delivery record exists for the recipient, which
// includes a failed transport hand-off after the insert.
type Result struct {
	Recipient string         `json:"recipient"`
	Variant   abtest.Variant `json:"variant,omitempty"`
	Token     string         `json:"token,omitempty"`
	Status    string         `json:"status"`
	Stored    bool           `json:"stored"`
	Error     string         `json:"error,omitempty"`
}

// Failure names a recipient whose send failed.
type Failure struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

// Summary aggregates the results of a multi-recipient send.
type Summary struct {
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Stored    int       `json:"stored"`
	Failures  []Failure `json:"failures"`
	Results   []Result  `json:"results"`
}

func (r Result) finish(ctx context.Context, rec mail.Record, err error) Result {
	if rec.Token != "" {
		r.Token = rec.Token
		r.Stored = true
	}
	switch {
	case err == nil:
		r.Status = StatusSent
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		r.Status = StatusSkipped
	default:
		r.Status = StatusFailed
		r.Error = err.Error()
	}
	return r
}

func summarize(results []Result) Summary {
	summary := Summary{Failures: []Failure{}, Results: results}
	for _, r := range results {
		if r.Stored {
			summary.Stored++
		}
		switch r.Status {
		case StatusSent:
			summary.Succeeded++
		case StatusFailed:
			summary.Failed++
			summary.Failures = append(summary.Failures, Failure{Recipient: r.Recipient, Error: r.Error})
		default:
			summary.Skipped++
		}
	}
	return summary
}

// runPool processes n items with a bounded number of workers. Cancellation
// is checked before every item; items never started are reported through
// skipped.
func (s *Sender) runPool(ctx context.Context, n int, work func(context.Context, int) Result, skipped func(int) Result) []Result {
	results := make([]Result, n)
	if n == 0 {
		return results
	}
	workers := s.Concurrency
	if workers <= 0 {
		workers = 4
	}
	if workers > n {
		workers = n
	}

	jobs := make(chan int)
	done := make([]bool, n)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					continue
				}
				results[i] = work(ctx, i)
				done[i] = true
			}
		}()
	}
feed:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	for i := range results {
		if !done[i] {
			results[i] = skipped(i)
			results[i].Status = StatusSkipped
		}
	}
	return results
}
