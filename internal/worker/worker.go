// Package worker implements the batch-job execution loop.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vaibav03/resolute-ai/internal/extract"
	"github.com/vaibav03/resolute-ai/internal/metrics"
	"github.com/vaibav03/resolute-ai/internal/scraper"
)

// Config controls Worker behavior.
type Config struct {
	// ItemConcurrency caps simultaneous in-flight fetches per job.
	ItemConcurrency int
	// MaxRetries is the per-item retry budget; zero disables retries.
	MaxRetries   int
	RetryBase    time.Duration
	RetryMax     time.Duration
	Topic        string
	FetchTimeout time.Duration
}

// Worker consumes queue items and executes the fetch pipeline for each job.
// One item's failure never cancels its siblings; an unexpected fault while
// processing an item is converted into an ERROR outcome at the item boundary.
type Worker struct {
	queue     scraper.Queue
	registry  scraper.Registry
	store     scraper.MetadataStore
	publisher scraper.Publisher
	fetcher   scraper.Fetcher
	idGen     scraper.IDGenerator
	clock     scraper.Clock
	retry     retryPolicy
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue scraper.Queue,
	registry scraper.Registry,
	store scraper.MetadataStore,
	publisher scraper.Publisher,
	fetcher scraper.Fetcher,
	idGen scraper.IDGenerator,
	clock scraper.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ItemConcurrency <= 0 {
		cfg.ItemConcurrency = 5
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	metrics.Init()
	return &Worker{
		queue:     queue,
		registry:  registry,
		store:     store,
		publisher: publisher,
		fetcher:   fetcher,
		idGen:     idGen,
		clock:     clock,
		retry:     newRetryPolicy(cfg.MaxRetries, cfg.RetryBase, cfg.RetryMax),
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		metrics.IncActiveWorkers()
		w.processJob(ctx, item)
		metrics.DecActiveWorkers()
	}
}

func (w *Worker) processJob(ctx context.Context, item scraper.QueueItem) {
	if len(item.URLs) > 0 {
		if err := w.registry.MarkRunning(ctx, item.JobID); err != nil {
			w.logger.Error("mark running failed", zap.String("job_id", item.JobID), zap.Error(err))
			return
		}
		w.runItems(ctx, item)
	}

	job, err := w.registry.Finalize(ctx, item.JobID)
	if err != nil {
		w.logger.Error("finalize failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(job.State))
	w.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("state", string(job.State)),
		zap.Int("succeeded", job.Counters.ItemsSucceeded),
		zap.Int("failed", job.Counters.ItemsFailed),
	)
	w.publishCompletion(ctx, job)
}

func (w *Worker) runItems(ctx context.Context, item scraper.QueueItem) {
	sem := make(chan struct{}, w.cfg.ItemConcurrency)
	var wg sync.WaitGroup

	for i, url := range item.URLs {
		// A canceled job stops scheduling; items not yet started get an
		// ERROR outcome so the job still reaches a terminal state.
		if canceled, err := w.registry.Canceled(ctx, item.JobID); err == nil && canceled {
			w.recordOutcome(ctx, item, scraper.ItemOutcome{
				Index:  i,
				URL:    url,
				Status: scraper.OutcomeError,
				Error:  "canceled before fetch",
			})
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(index int, url string) {
			defer wg.Done()
			defer func() { <-sem }()
			outcome, retries := w.processItem(ctx, url, index)
			if retries > 0 {
				if err := w.registry.AddRetries(ctx, item.JobID, retries); err != nil {
					w.logger.Warn("record retries failed", zap.String("job_id", item.JobID), zap.Error(err))
				}
			}
			w.recordOutcome(ctx, item, outcome)
		}(i, url)
	}
	wg.Wait()
}

// processItem fetches one URL and classifies the result. Panics are caught
// here so a fault in one item can never take down the worker or its siblings.
func (w *Worker) processItem(ctx context.Context, url string, index int) (outcome scraper.ItemOutcome, retries int) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("item processing panicked",
				zap.String("url", url),
				zap.Any("panic", rec),
			)
			outcome = scraper.ItemOutcome{
				Index:  index,
				URL:    url,
				Status: scraper.OutcomeError,
				Error:  fmt.Sprintf("internal fault: %v", rec),
			}
		}
	}()

	result, err := w.fetchWithRetry(ctx, url, &retries)
	if err != nil {
		return scraper.ItemOutcome{
			Index:  index,
			URL:    url,
			Status: scraper.OutcomeError,
			Error:  err.Error(),
		}, retries
	}
	if result.StatusCode < http.StatusOK || result.StatusCode >= http.StatusMultipleChoices {
		return scraper.ItemOutcome{
			Index:  index,
			URL:    url,
			Status: scraper.OutcomeError,
			Error:  fmt.Sprintf("unexpected status %d", result.StatusCode),
		}, retries
	}

	return scraper.ItemOutcome{
		Index:  index,
		URL:    url,
		Status: scraper.OutcomeOK,
		Meta:   extract.Metadata(result.Body),
	}, retries
}

func (w *Worker) fetchWithRetry(ctx context.Context, url string, retries *int) (scraper.FetchResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	result, err := w.fetcher.Fetch(fetchCtx, url)
	for attempt := 0; w.retry.ShouldRetry(err, attempt); attempt++ {
		*retries++
		select {
		case <-ctx.Done():
			return result, err
		case <-time.After(w.retry.Backoff(attempt)):
		}
		retryCtx, retryCancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
		result, err = w.fetcher.Fetch(retryCtx, url)
		retryCancel()
	}
	return result, err
}

// recordOutcome appends the outcome and, for OK items, persists the metadata
// record immediately. A store failure is logged and counted but never
// reclassifies the already-recorded OK outcome.
func (w *Worker) recordOutcome(ctx context.Context, item scraper.QueueItem, outcome scraper.ItemOutcome) {
	if err := w.registry.Append(ctx, item.JobID, outcome); err != nil {
		w.logger.Error("append outcome failed",
			zap.String("job_id", item.JobID),
			zap.String("url", outcome.URL),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveItem(string(outcome.Status))
	if outcome.Status != scraper.OutcomeOK {
		return
	}

	id, err := w.idGen.NewID()
	if err != nil {
		w.logger.Error("generate record id failed", zap.Error(err))
		metrics.ObservePersistFailure()
		return
	}
	record := scraper.MetadataRecord{
		ID:          id,
		OwnerID:     item.OwnerID,
		URL:         outcome.URL,
		Title:       outcome.Meta.Title,
		Description: outcome.Meta.Description,
		Keywords:    outcome.Meta.Keywords,
		CreatedAt:   w.clock.Now(),
	}
	if err := w.store.SaveMetadata(ctx, record); err != nil {
		w.logger.Error("persist metadata failed",
			zap.String("job_id", item.JobID),
			zap.String("url", outcome.URL),
			zap.Error(err),
		)
		metrics.ObservePersistFailure()
		return
	}
	if err := w.registry.MarkPersisted(ctx, item.JobID); err != nil {
		w.logger.Warn("mark persisted failed", zap.String("job_id", item.JobID), zap.Error(err))
	}
}

func (w *Worker) publishCompletion(ctx context.Context, job scraper.Job) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"job_id":          job.ID,
		"owner_id":        job.OwnerID,
		"state":           string(job.State),
		"items_succeeded": job.Counters.ItemsSucceeded,
		"items_failed":    job.Counters.ItemsFailed,
		"items_persisted": job.Counters.ItemsPersisted,
		"timestamp":       w.clock.Now().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("publish completion failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}
