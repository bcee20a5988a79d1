// Package accession defines the domain types for web-content accessions:
// the lifecycle status machine, the persisted record, and the capability
// interfaces the pipeline is built against.
package accession

import (
	"time"

	"github.com/google/uuid"
)

// Status is the persisted lifecycle state of an accession. Every transition
// is written with a conditional update, so the status column is the single
// source of truth for where an accession is in the pipeline.
type Status string

const (
	// StatusPending means the accession is recorded but no crawl has been
	// submitted yet.
	StatusPending Status = "pending"
	// StatusSubmitted means the crawl job was accepted by the crawl service
	// and its job id is persisted. Rows only rest here if the process died
	// between the submission write and the polling write.
	StatusSubmitted Status = "submitted"
	// StatusPolling means the crawl is running and being checked on.
	StatusPolling Status = "polling"
	// StatusArtifactFetching means the crawl succeeded and the artifact is
	// being downloaded.
	StatusArtifactFetching Status = "artifact_fetching"
	// StatusStoringArtifact means the artifact is being uploaded to the
	// object store.
	StatusStoringArtifact Status = "storing_artifact"
	// StatusCompleted means the artifact is durably stored.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal; LastError carries the reason.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusPolling,
		StatusArtifactFetching, StatusStoringArtifact,
		StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// ResumableStatuses lists the non-terminal statuses in pipeline order. The
// scheduler scans these to pick up work, including work interrupted by a
// process restart.
func ResumableStatuses() []Status {
	return []Status{
		StatusPending,
		StatusSubmitted,
		StatusPolling,
		StatusArtifactFetching,
		StatusStoringArtifact,
	}
}

// Accession is the persisted record of one archiving request.
type Accession struct {
	ID          uuid.UUID
	SeedURL     string
	Title       string
	Description string
	SubjectIDs  []int32

	Status       Status
	CrawlJobID   *string
	ArtifactRef  *string
	LastError    *string
	AttemptCount int32

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SubmittedAt *time.Time
}

// Draft carries the validated fields for a new accession. The repository
// forces the initial status to pending.
type Draft struct {
	ID          uuid.UUID
	SeedURL     string
	Title       string
	Description string
	SubjectIDs  []int32
}

// Changes describes one conditional status transition. Nil pointer fields
// leave the stored value untouched; AttemptDelta is added to the stored
// attempt count. ClearLastError wipes any error left by earlier attempts,
// since nil LastError means "keep".
type Changes struct {
	Status         Status
	CrawlJobID     *string
	ArtifactRef    *string
	LastError      *string
	ClearLastError bool
	AttemptDelta   int32
	SubmittedAt    *time.Time
}

// CrawlState is the normalized remote state of a crawl job.
type CrawlState string

const (
	// CrawlRunning covers every remote state that has not finished yet.
	CrawlRunning CrawlState = "running"
	// CrawlSucceeded means the crawl finished and produced an artifact.
	CrawlSucceeded CrawlState = "succeeded"
	// CrawlFailed means the crawl service gave up on the job.
	CrawlFailed CrawlState = "failed"
)

// CrawlJob is a point-in-time view of a remote crawl job. ArtifactLocator is
// only meaningful when State is CrawlSucceeded; it is re-derived from the job
// id on every lookup rather than persisted, so a restarted process never
// depends on in-memory state.
type CrawlJob struct {
	ID              string
	State           CrawlState
	ArtifactLocator string
	FailureReason   string
}
