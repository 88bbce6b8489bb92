package scraper

import (
	"context"
	"time"
)

// Registry tracks jobs from creation to their terminal state. Implementations
// must allow concurrent status reads while outcomes are being appended, and
// reads must always observe a consistent snapshot.
type Registry interface {
	// Create stores a new job in pending state.
	Create(ctx context.Context, job Job) error

	// Get returns a snapshot of the job, or ErrNotFound.
	Get(ctx context.Context, jobID string) (Job, error)

	// MarkRunning transitions pending -> running. A no-op for jobs already
	// running or terminal.
	MarkRunning(ctx context.Context, jobID string) error

	// Append records one item outcome and updates the success/failure counters.
	Append(ctx context.Context, jobID string, outcome ItemOutcome) error

	// MarkPersisted increments the persisted-items counter.
	MarkPersisted(ctx context.Context, jobID string) error

	// AddRetries adds to the retry counter.
	AddRetries(ctx context.Context, jobID string, n int) error

	// Finalize commits the terminal state derived from the recorded outcomes
	// and returns the final snapshot. Idempotent: finalizing an already
	// terminal job returns it unchanged.
	Finalize(ctx context.Context, jobID string) (Job, error)

	// Cancel flags the job so no further item fetches are scheduled.
	// In-flight fetches are left to finish or time out naturally.
	Cancel(ctx context.Context, jobID string) error

	// Canceled reports whether the job has been flagged for cancellation.
	Canceled(ctx context.Context, jobID string) (bool, error)
}

// Queue provides enqueue/dequeue semantics for batch jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Fetcher retrieves a single URL within a bounded time.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// UserStore persists user accounts.
type UserStore interface {
	// CreateUser stores a new user, or returns ErrAlreadyExists when the
	// username is taken.
	CreateUser(ctx context.Context, user User) error

	// UserByUsername returns the user, or ErrNotFound.
	UserByUsername(ctx context.Context, username string) (User, error)
}

// MetadataStore persists extracted metadata records per user.
type MetadataStore interface {
	SaveMetadata(ctx context.Context, record MetadataRecord) error
	ListMetadata(ctx context.Context, ownerID string) ([]MetadataRecord, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
