package accession

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CrawlClient talks to the external crawl service. Errors from all three
// methods carry the transient/permanent classification.
type CrawlClient interface {
	// SubmitJob starts a crawl for url and returns the remote job id.
	SubmitJob(ctx context.Context, url string) (string, error)
	// JobStatus reports the current remote state of a job. On success the
	// returned CrawlJob carries the artifact locator.
	JobStatus(ctx context.Context, jobID string) (CrawlJob, error)
	// FetchArtifact downloads the artifact bytes behind a locator.
	FetchArtifact(ctx context.Context, locator string) ([]byte, error)
}

// ArtifactStore persists crawl artifacts in durable object storage.
type ArtifactStore interface {
	// Put writes data under key, overwriting any existing object, and
	// returns a stable reference to it.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	// Get reads an object back or returns ErrArtifactNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// SignedURL returns a time-limited download link for key.
	SignedURL(key string, ttl time.Duration) (string, error)
}

// Repository persists accession rows.
type Repository interface {
	// Create inserts a new pending accession from the draft.
	Create(ctx context.Context, draft Draft) (Accession, error)
	// GetByID loads one accession or ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (Accession, error)
	// UpdateStatus applies changes only if the row's current status equals
	// expected; otherwise it returns ErrConflict. This is the optimistic
	// write every lifecycle transition goes through.
	UpdateStatus(ctx context.Context, id uuid.UUID, expected Status, changes Changes) (Accession, error)
	// ListByStatus returns up to limit accessions in the given status,
	// oldest update first, skipping the first offset rows.
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]Accession, error)
}

// SubjectDirectory answers whether subject ids reference existing subjects.
type SubjectDirectory interface {
	SubjectsExist(ctx context.Context, ids []int32) (bool, error)
}

// Publisher emits archived-accession events to downstream consumers.
type Publisher interface {
	// Publish sends the payload and returns the broker's message id.
	Publish(ctx context.Context, payload map[string]any) (string, error)
	Close() error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints accession identifiers.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}
