package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vaibav03/resolute-ai/internal/scraper"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry() (*Registry, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1000, 0).UTC()}
	return New(clk, zap.NewNop()), clk
}

func newJob(id string, urls ...string) scraper.Job {
	return scraper.Job{ID: id, OwnerID: "owner-1", URLs: urls}
}

func TestRegistry_CreateAndGet(t *testing.T) {
	t.Parallel()

	r, clk := newTestRegistry()
	ctx := context.Background()

	job := newJob("job-1", "https://a.example", "https://b.example")
	job.Submitted = clk.Now()
	require.NoError(t, r.Create(ctx, job))

	got, err := r.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, scraper.JobStatePending, got.State)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, got.URLs)
	require.Empty(t, got.Outcomes)

	// Mutating the snapshot must not affect the registry.
	got.URLs[0] = "mutated"
	again, err := r.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "https://a.example", again.URLs[0])

	require.ErrorIs(t, r.Create(ctx, newJob("job-1")), scraper.ErrAlreadyExists)
}

func TestRegistry_GetUnknownJob(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry()
	_, err := r.Get(context.Background(), "nope")
	require.ErrorIs(t, err, scraper.ErrNotFound)
}

func TestRegistry_MarkRunningOnce(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, newJob("job-1", "https://a.example")))

	require.NoError(t, r.MarkRunning(ctx, "job-1"))
	got, err := r.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, scraper.JobStateRunning, got.State)
	require.NotNil(t, got.Started)
	started := *got.Started

	// Second call must not reset the start timestamp.
	require.NoError(t, r.MarkRunning(ctx, "job-1"))
	got, err = r.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, started, *got.Started)
}

func TestRegistry_AppendBoundsAndCounters(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, newJob("job-1", "https://a.example", "https://b.example")))
	require.NoError(t, r.MarkRunning(ctx, "job-1"))

	require.NoError(t, r.Append(ctx, "job-1", scraper.ItemOutcome{
		Index: 1, URL: "https://b.example", Status: scraper.OutcomeError, Error: "timeout",
	}))
	require.NoError(t, r.Append(ctx, "job-1", scraper.ItemOutcome{
		Index: 0, URL: "https://a.example", Status: scraper.OutcomeOK,
	}))

	// Outcome count may never exceed the input count.
	err := r.Append(ctx, "job-1", scraper.ItemOutcome{Index: 0, Status: scraper.OutcomeOK})
	require.Error(t, err)

	got, err := r.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, got.Outcomes, 2)
	require.Equal(t, 1, got.Counters.ItemsSucceeded)
	require.Equal(t, 1, got.Counters.ItemsFailed)
}

func TestRegistry_AppendRejectsBadIndex(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, newJob("job-1", "https://a.example")))

	require.Error(t, r.Append(ctx, "job-1", scraper.ItemOutcome{Index: 5, Status: scraper.OutcomeOK}))
	require.Error(t, r.Append(ctx, "job-1", scraper.ItemOutcome{Index: -1, Status: scraper.OutcomeOK}))
}

func TestRegistry_FinalizeClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		statuses []scraper.OutcomeStatus
		want     scraper.JobState
	}{
		{"all ok", []scraper.OutcomeStatus{scraper.OutcomeOK, scraper.OutcomeOK}, scraper.JobStateSuccess},
		{"mixed", []scraper.OutcomeStatus{scraper.OutcomeOK, scraper.OutcomeError}, scraper.JobStatePartial},
		{"all error", []scraper.OutcomeStatus{scraper.OutcomeError, scraper.OutcomeError}, scraper.JobStateFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r, _ := newTestRegistry()
			ctx := context.Background()
			urls := make([]string, len(tc.statuses))
			for i := range urls {
				urls[i] = fmt.Sprintf("https://site-%d.example", i)
			}
			require.NoError(t, r.Create(ctx, newJob("job-1", urls...)))
			require.NoError(t, r.MarkRunning(ctx, "job-1"))
			for i, st := range tc.statuses {
				require.NoError(t, r.Append(ctx, "job-1", scraper.ItemOutcome{
					Index: i, URL: urls[i], Status: st,
				}))
			}

			final, err := r.Finalize(ctx, "job-1")
			require.NoError(t, err)
			require.Equal(t, tc.want, final.State)
			require.NotNil(t, final.Finished)
		})
	}
}

func TestRegistry_FinalizeEmptyJobFailsWithoutRunning(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, newJob("job-empty")))

	final, err := r.Finalize(ctx, "job-empty")
	require.NoError(t, err)
	require.Equal(t, scraper.JobStateFailed, final.State)
	require.Equal(t, scraper.NoItemsReason, final.ErrorText)
	require.Nil(t, final.Started)
}

func TestRegistry_FinalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	r, clk := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, newJob("job-1", "https://a.example")))
	require.NoError(t, r.MarkRunning(ctx, "job-1"))
	require.NoError(t, r.Append(ctx, "job-1", scraper.ItemOutcome{Index: 0, Status: scraper.OutcomeOK}))

	first, err := r.Finalize(ctx, "job-1")
	require.NoError(t, err)

	clk.advance(time.Hour)
	second, err := r.Finalize(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, first.State, second.State)
	require.Equal(t, first.Finished, second.Finished)
	require.Equal(t, first.Outcomes, second.Outcomes)
}

func TestRegistry_FinalizeRejectsIncompleteJob(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, newJob("job-1", "https://a.example", "https://b.example")))
	require.NoError(t, r.Append(ctx, "job-1", scraper.ItemOutcome{Index: 0, Status: scraper.OutcomeOK}))

	_, err := r.Finalize(ctx, "job-1")
	require.Error(t, err)
	require.False(t, errors.Is(err, scraper.ErrNotFound))
}

func TestRegistry_ConcurrentPollsSeeMonotonicOutcomes(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry()
	ctx := context.Background()
	const n = 200
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://site-%d.example", i)
	}
	require.NoError(t, r.Create(ctx, newJob("job-1", urls...)))
	require.NoError(t, r.MarkRunning(ctx, "job-1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			_ = r.Append(ctx, "job-1", scraper.ItemOutcome{
				Index: i, URL: urls[i], Status: scraper.OutcomeOK,
			})
		}
	}()

	last := 0
	for {
		got, err := r.Get(ctx, "job-1")
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(got.Outcomes), last, "outcome count decreased")
		last = len(got.Outcomes)
		for _, o := range got.Outcomes {
			// A torn entry would show up as a zero-valued status.
			require.Equal(t, scraper.OutcomeOK, o.Status)
			require.Equal(t, urls[o.Index], o.URL)
		}
		select {
		case <-done:
			got, err := r.Get(ctx, "job-1")
			require.NoError(t, err)
			require.Len(t, got.Outcomes, n)
			return
		default:
		}
	}
}

func TestRegistry_CancelFlag(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry()
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, newJob("job-1", "https://a.example")))

	canceled, err := r.Canceled(ctx, "job-1")
	require.NoError(t, err)
	require.False(t, canceled)

	require.NoError(t, r.Cancel(ctx, "job-1"))
	canceled, err = r.Canceled(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, canceled)
}

func TestRegistry_SweepEvictsExpiredTerminalJobs(t *testing.T) {
	t.Parallel()

	r, clk := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, newJob("job-old")))
	_, err := r.Finalize(ctx, "job-old")
	require.NoError(t, err)

	require.NoError(t, r.Create(ctx, newJob("job-live", "https://a.example")))
	require.NoError(t, r.MarkRunning(ctx, "job-live"))

	clk.advance(25 * time.Hour)
	require.NoError(t, r.Create(ctx, newJob("job-fresh")))
	_, err = r.Finalize(ctx, "job-fresh")
	require.NoError(t, err)

	require.Equal(t, 1, r.Sweep(24*time.Hour))

	_, err = r.Get(ctx, "job-old")
	require.ErrorIs(t, err, scraper.ErrNotFound)
	_, err = r.Get(ctx, "job-live")
	require.NoError(t, err)
	_, err = r.Get(ctx, "job-fresh")
	require.NoError(t, err)

	require.Zero(t, r.Sweep(0))
}
