// Package scraper defines core types shared across subsystems.
package scraper

import (
	"errors"
	"time"
)

// Shared sentinel errors returned by registries and stores.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// JobState represents the lifecycle state of a batch job.
type JobState string

// Job state values persisted in the registry.
const (
	JobStatePending JobState = "pending"
	JobStateRunning JobState = "running"
	JobStateSuccess JobState = "success"
	JobStatePartial JobState = "partial"
	JobStateFailed  JobState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSuccess, JobStatePartial, JobStateFailed:
		return true
	default:
		return false
	}
}

// OutcomeStatus classifies a single item's result.
type OutcomeStatus string

// Outcome status values.
const (
	OutcomeOK    OutcomeStatus = "ok"
	OutcomeError OutcomeStatus = "error"
)

// PageMeta holds the fields extracted from a fetched page. Each field is
// independently optional and empty when the page does not provide it.
type PageMeta struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Keywords    string `json:"keywords"`
}

// ItemOutcome is the recorded result for one URL within a job. Outcomes are
// appended in completion order; Index ties each one back to its input URL.
// Immutable once recorded.
type ItemOutcome struct {
	Index  int           `json:"index"`
	URL    string        `json:"url"`
	Status OutcomeStatus `json:"status"`
	Meta   PageMeta      `json:"meta"`
	Error  string        `json:"error,omitempty"`
}

// JobCounters tracks per-job item statistics. ItemsPersisted can lag
// ItemsSucceeded when the metadata store rejects a write; the gap is the
// reconciliation signal for persistence failures.
type JobCounters struct {
	ItemsSucceeded int `json:"items_succeeded"`
	ItemsFailed    int `json:"items_failed"`
	ItemsPersisted int `json:"items_persisted"`
	Retries        int `json:"retries"`
}

// Job represents one batch submission tracked from pending to a terminal
// state. URLs keep submission order, duplicates included.
type Job struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"owner_id"`
	URLs      []string      `json:"urls"`
	State     JobState      `json:"state"`
	ErrorText string        `json:"error_text,omitempty"`
	Submitted time.Time     `json:"submitted_at"`
	Started   *time.Time    `json:"started_at,omitempty"`
	Finished  *time.Time    `json:"finished_at,omitempty"`
	Outcomes  []ItemOutcome `json:"outcomes"`
	Counters  JobCounters   `json:"counters"`
}

// MetadataRecord is persisted for each successfully fetched item, keyed to
// the owning user. Records are never mutated and never deduplicated.
type MetadataRecord struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Keywords    string    `json:"keywords"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is an account able to submit jobs and own metadata records.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	OwnerID   string
	URLs      []string
	Attempt   int
	Submitted int64
}

// FetchResult is the raw result of retrieving one URL.
type FetchResult struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// NoItemsReason is the error text recorded on jobs finalized with no inputs.
const NoItemsReason = "no items submitted"

// Classify derives the terminal state from a complete outcome set: all OK is
// success, all ERROR is failed, a mix is partial. An empty set is failed.
func Classify(outcomes []ItemOutcome) JobState {
	var ok, failed int
	for _, o := range outcomes {
		if o.Status == OutcomeOK {
			ok++
		} else {
			failed++
		}
	}
	switch {
	case ok > 0 && failed == 0:
		return JobStateSuccess
	case ok > 0:
		return JobStatePartial
	default:
		return JobStateFailed
	}
}
