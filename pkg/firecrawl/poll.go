package firecrawl

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/resilience"
)

// PollOption configures how a batch job is awaited.
type PollOption func(*waiter)

type waiter struct {
	interval    time.Duration
	maxInterval time.Duration
	timeout     time.Duration
	// maxPollErrors is how many transient status errors in a row are
	// tolerated before giving up.
	maxPollErrors int
	onProgress    func(completed, total int)
}

func newWaiter(opts []PollOption) *waiter {
	w := &waiter{
		interval:      2 * time.Second,
		maxInterval:   15 * time.Second,
		timeout:       5 * time.Minute,
		maxPollErrors: 3,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WithPollInterval sets the first wait between status checks. Each later
// wait doubles up to the cap.
func WithPollInterval(d time.Duration) PollOption {
	return func(w *waiter) { w.interval = d }
}

// WithPollCap sets the longest wait between status checks.
func WithPollCap(d time.Duration) PollOption {
	return func(w *waiter) { w.maxInterval = d }
}

// WithPollTimeout bounds the whole wait when ctx carries no deadline.
func WithPollTimeout(d time.Duration) PollOption {
	return func(w *waiter) { w.timeout = d }
}

// WithProgress reports completed/total after every unfinished status.
func WithProgress(fn func(completed, total int)) PollOption {
	return func(w *waiter) { w.onProgress = fn }
}

// PollBatchScrape waits for batch job id to settle. A completed job is
// returned; a failed or cancelled one is an error. Rate limits and 5xx
// answers from the status endpoint are ridden out a few times in a row.
func PollBatchScrape(ctx context.Context, client Client, id string, opts ...PollOption) (*BatchScrapeStatusResponse, error) {
	w := newWaiter(opts)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	next := w.interval
	pollErrors := 0
	for {
		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "firecrawl: batch scrape %s did not finish", id)
		case <-timer.C:
		}

		status, err := client.GetBatchScrapeStatus(ctx, id)
		switch {
		case err != nil:
			pollErrors++
			if !transientPollError(err) || pollErrors >= w.maxPollErrors {
				return nil, eris.Wrapf(err, "firecrawl: poll batch scrape %s", id)
			}
			zap.L().Debug("firecrawl: status poll failed, retrying",
				zap.String("batch_id", id), zap.Int("errors", pollErrors), zap.Error(err))
		case status.Status == "completed":
			return status, nil
		case status.Status == "failed" || status.Status == "cancelled":
			return nil, eris.Errorf("firecrawl: batch scrape %s %s", id, status.Status)
		default:
			pollErrors = 0
			if w.onProgress != nil {
				w.onProgress(status.Completed, status.Total)
			}
		}

		timer.Reset(next)
		next = min(next*2, w.maxInterval)
	}
}

func transientPollError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return resilience.IsTransientHTTPStatus(apiErr.StatusCode)
	}
	return resilience.IsTransient(err)
}

// ScrapeMany submits urls as one batch and waits for the result. Pages come
// back in Firecrawl's order; match them by PageURL.
func ScrapeMany(ctx context.Context, client Client, urls []string, opts ...PollOption) (*BatchScrapeStatusResponse, error) {
	if len(urls) == 0 {
		return &BatchScrapeStatusResponse{Status: "completed"}, nil
	}
	started, err := client.BatchScrape(ctx, BatchScrapeRequest{URLs: urls, OnlyMainContent: true})
	if err != nil {
		return nil, err
	}
	if !started.Success || started.ID == "" {
		return nil, eris.New("firecrawl: batch scrape not accepted")
	}
	return PollBatchScrape(ctx, client, started.ID, opts...)
}
