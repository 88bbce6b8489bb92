// Package registry tracks batch jobs from submission to their terminal state.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vaibav03/resolute-ai/internal/scraper"
)

// Registry is an in-memory job table. The map is guarded by a RWMutex; each
// job additionally carries its own mutex so appends to one job never contend
// with reads or appends on another. Snapshots returned by Get are deep copies,
// so pollers never observe a torn outcome entry.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*record
	clock  scraper.Clock
	logger *zap.Logger
}

type record struct {
	mu       sync.Mutex
	job      scraper.Job
	canceled bool
}

// New constructs a Registry.
func New(clock scraper.Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		jobs:   make(map[string]*record),
		clock:  clock,
		logger: logger,
	}
}

// Create stores a new job in pending state.
func (r *Registry) Create(_ context.Context, job scraper.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	job.State = scraper.JobStatePending
	job.URLs = append([]string(nil), job.URLs...)
	job.Outcomes = nil

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, scraper.ErrAlreadyExists)
	}
	r.jobs[job.ID] = &record{job: job}
	return nil
}

// Get returns a consistent snapshot of the job.
func (r *Registry) Get(_ context.Context, jobID string) (scraper.Job, error) {
	rec, err := r.lookup(jobID)
	if err != nil {
		return scraper.Job{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return cloneJob(rec.job), nil
}

// MarkRunning transitions pending -> running; running and terminal jobs are
// left untouched.
func (r *Registry) MarkRunning(_ context.Context, jobID string) error {
	rec, err := r.lookup(jobID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.job.State != scraper.JobStatePending {
		return nil
	}
	rec.job.State = scraper.JobStateRunning
	now := r.clock.Now()
	rec.job.Started = &now
	return nil
}

// Append records one item outcome. The outcome count never exceeds the input
// count, and terminal jobs reject further outcomes.
func (r *Registry) Append(_ context.Context, jobID string, outcome scraper.ItemOutcome) error {
	rec, err := r.lookup(jobID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.job.State.Terminal() {
		return fmt.Errorf("append to terminal job %s", jobID)
	}
	if len(rec.job.Outcomes) >= len(rec.job.URLs) {
		return fmt.Errorf("job %s already has an outcome for every input", jobID)
	}
	if outcome.Index < 0 || outcome.Index >= len(rec.job.URLs) {
		return fmt.Errorf("outcome index %d out of range for job %s", outcome.Index, jobID)
	}
	rec.job.Outcomes = append(rec.job.Outcomes, outcome)
	if outcome.Status == scraper.OutcomeOK {
		rec.job.Counters.ItemsSucceeded++
	} else {
		rec.job.Counters.ItemsFailed++
	}
	return nil
}

// MarkPersisted increments the persisted-items counter.
func (r *Registry) MarkPersisted(_ context.Context, jobID string) error {
	rec, err := r.lookup(jobID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.job.Counters.ItemsPersisted++
	return nil
}

// AddRetries adds to the retry counter.
func (r *Registry) AddRetries(_ context.Context, jobID string, n int) error {
	if n <= 0 {
		return nil
	}
	rec, err := r.lookup(jobID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.job.Counters.Retries += n
	return nil
}

// Finalize commits the terminal state derived from the recorded outcomes.
// Calling Finalize on an already terminal job returns it unchanged.
func (r *Registry) Finalize(_ context.Context, jobID string) (scraper.Job, error) {
	rec, err := r.lookup(jobID)
	if err != nil {
		return scraper.Job{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.job.State.Terminal() {
		return cloneJob(rec.job), nil
	}
	if len(rec.job.Outcomes) != len(rec.job.URLs) {
		return scraper.Job{}, fmt.Errorf(
			"finalize job %s: %d of %d outcomes recorded",
			jobID, len(rec.job.Outcomes), len(rec.job.URLs),
		)
	}
	rec.job.State = scraper.Classify(rec.job.Outcomes)
	if len(rec.job.URLs) == 0 {
		rec.job.ErrorText = scraper.NoItemsReason
	}
	now := r.clock.Now()
	rec.job.Finished = &now
	return cloneJob(rec.job), nil
}

// Cancel flags the job so the executor stops scheduling new item fetches.
// Terminal jobs are left alone.
func (r *Registry) Cancel(_ context.Context, jobID string) error {
	rec, err := r.lookup(jobID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.job.State.Terminal() {
		return nil
	}
	rec.canceled = true
	return nil
}

// Canceled reports whether the job has been flagged for cancellation.
func (r *Registry) Canceled(_ context.Context, jobID string) (bool, error) {
	rec, err := r.lookup(jobID)
	if err != nil {
		return false, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.canceled, nil
}

// Sweep evicts terminal jobs that finished before the retention cutoff and
// returns how many were removed. A zero retention disables eviction.
func (r *Registry) Sweep(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := r.clock.Now().Add(-retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, rec := range r.jobs {
		rec.mu.Lock()
		evict := rec.job.State.Terminal() && rec.job.Finished != nil && rec.job.Finished.Before(cutoff)
		rec.mu.Unlock()
		if evict {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}

// Janitor periodically sweeps expired terminal jobs until the context ends.
func (r *Registry) Janitor(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(retention); n > 0 {
				r.logger.Info("evicted expired jobs", zap.Int("count", n))
			}
		}
	}
}

func (r *Registry) lookup(jobID string) (*record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, scraper.ErrNotFound)
	}
	return rec, nil
}

func cloneJob(job scraper.Job) scraper.Job {
	cp := job
	cp.URLs = append([]string(nil), job.URLs...)
	cp.Outcomes = append([]scraper.ItemOutcome(nil), job.Outcomes...)
	if job.Started != nil {
		started := *job.Started
		cp.Started = &started
	}
	if job.Finished != nil {
		finished := *job.Finished
		cp.Finished = &finished
	}
	return cp
}
