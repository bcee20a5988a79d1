// Package orchestrator drives accessions through the ingestion lifecycle:
// submit the crawl, poll it, fetch the artifact, store it, and record the
// outcome. All progress lives in accession rows, so any process instance can
// resume any accession after a restart.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/archivelab/accessioner/internal/accession"
	"github.com/archivelab/accessioner/internal/metrics"
)

// Config bounds the pipeline's retries and polling.
type Config struct {
	// MaxAttempts is the retry ceiling for submission, artifact fetch
	// (transient failures only), and storage.
	MaxAttempts int
	// RetryBackoff is the fixed wait between retry attempts. Fixed rather
	// than exponential: retries here are paced by the scheduler tick anyway,
	// and a constant is trivially testable.
	RetryBackoff time.Duration
	// MaxPollWait bounds how long a crawl may stay running, measured from
	// the persisted submission time.
	MaxPollWait time.Duration
	// ArtifactPrefix and ArtifactContentType control the deterministic
	// object key and upload metadata.
	ArtifactPrefix      string
	ArtifactContentType string
}

// Orchestrator executes one lifecycle step per invocation. It holds no state
// of its own beyond injected collaborators.
type Orchestrator struct {
	repo      accession.Repository
	crawler   accession.CrawlClient
	store     accession.ArtifactStore
	publisher accession.Publisher
	clock     accession.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Orchestrator. The publisher may be nil, in which case
// completion events are skipped.
func New(
	repo accession.Repository,
	crawler accession.CrawlClient,
	store accession.ArtifactStore,
	publisher accession.Publisher,
	clock accession.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ArtifactPrefix == "" {
		cfg.ArtifactPrefix = "accessions"
	}
	if cfg.ArtifactContentType == "" {
		cfg.ArtifactContentType = "application/wacz"
	}
	return &Orchestrator{
		repo:      repo,
		crawler:   crawler,
		store:     store,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// ArtifactKey is the deterministic object key for an accession's artifact.
// Retries overwrite the same object instead of accumulating duplicates.
func (o *Orchestrator) ArtifactKey(id uuid.UUID) string {
	return fmt.Sprintf("%s/%s.wacz", o.cfg.ArtifactPrefix, id)
}

// Step advances the accession by exactly one lifecycle stage. Losing an
// optimistic write to a concurrent pass is not an error; the step simply
// becomes a no-op.
func (o *Orchestrator) Step(ctx context.Context, acc accession.Accession) error {
	start := o.clock.Now()
	var err error
	var step string

	switch acc.Status {
	case accession.StatusPending:
		step = "submit"
		err = o.submit(ctx, acc)
	case accession.StatusSubmitted:
		// A crash between the submitted and polling writes strands the row
		// here; finishing the second write is all that is needed.
		step = "begin_polling"
		err = o.beginPolling(ctx, acc)
	case accession.StatusPolling:
		step = "poll"
		err = o.poll(ctx, acc)
	case accession.StatusArtifactFetching, accession.StatusStoringArtifact:
		step = "fetch_store"
		err = o.fetchAndStore(ctx, acc)
	default:
		return nil
	}

	metrics.ObserveStep(step, o.clock.Now().Sub(start))
	if errors.Is(err, accession.ErrConflict) {
		metrics.ObserveConflict()
		o.logger.Debug("step lost status race, skipping",
			zap.String("accession_id", acc.ID.String()),
			zap.String("step", step),
		)
		return nil
	}
	return err
}

// submit starts the external crawl and records the job id. The submitted
// write lands before the polling write so the job id is never lost.
func (o *Orchestrator) submit(ctx context.Context, acc accession.Accession) error {
	jobID, err := o.crawler.SubmitJob(ctx, acc.SeedURL)
	if err != nil {
		return o.handleSubmitFailure(ctx, acc, err)
	}

	now := o.clock.Now()
	updated, err := o.repo.UpdateStatus(ctx, acc.ID, accession.StatusPending, accession.Changes{
		Status:      accession.StatusSubmitted,
		CrawlJobID:  &jobID,
		SubmittedAt: &now,
	})
	if err != nil {
		// The remote job is already running; if the write lost a race the
		// competing pass owns the accession now.
		return fmt.Errorf("record submission: %w", err)
	}
	metrics.ObserveTransition(string(accession.StatusSubmitted))
	o.logger.Info("crawl job submitted",
		zap.String("accession_id", acc.ID.String()),
		zap.String("job_id", jobID),
		zap.String("url", acc.SeedURL),
	)
	return o.beginPolling(ctx, updated)
}

func (o *Orchestrator) handleSubmitFailure(ctx context.Context, acc accession.Accession, submitErr error) error {
	if accession.IsPermanent(submitErr) {
		return o.fail(ctx, acc, 1, fmt.Sprintf("crawl submission rejected: %v", submitErr))
	}

	attempts := acc.AttemptCount + 1
	if int(attempts) >= o.cfg.MaxAttempts {
		return o.fail(ctx, acc, 1, fmt.Sprintf("crawl submission exhausted after %d attempts: %v", attempts, submitErr))
	}

	reason := submitErr.Error()
	_, err := o.repo.UpdateStatus(ctx, acc.ID, accession.StatusPending, accession.Changes{
		Status:       accession.StatusPending,
		LastError:    &reason,
		AttemptDelta: 1,
	})
	if err != nil {
		return fmt.Errorf("record submission failure: %w", err)
	}
	o.logger.Warn("crawl submission failed, will retry",
		zap.String("accession_id", acc.ID.String()),
		zap.Int32("attempt", attempts),
		zap.Error(submitErr),
	)
	return nil
}

func (o *Orchestrator) beginPolling(ctx context.Context, acc accession.Accession) error {
	if _, err := o.repo.UpdateStatus(ctx, acc.ID, accession.StatusSubmitted, accession.Changes{
		Status: accession.StatusPolling,
	}); err != nil {
		if errors.Is(err, accession.ErrConflict) {
			return err
		}
		return fmt.Errorf("enter polling: %w", err)
	}
	metrics.ObserveTransition(string(accession.StatusPolling))
	return nil
}

// poll checks the remote job. A still-running job past the deadline fails
// the accession; transient status errors are left for the next tick since
// polling is bounded by time, not attempts.
func (o *Orchestrator) poll(ctx context.Context, acc accession.Accession) error {
	if acc.CrawlJobID == nil {
		return o.fail(ctx, acc, 0, "polling accession has no crawl job id")
	}
	if o.pollDeadlineExceeded(acc) {
		return o.fail(ctx, acc, 0, fmt.Sprintf("crawl timed out after %s", o.cfg.MaxPollWait))
	}

	job, err := o.crawler.JobStatus(ctx, *acc.CrawlJobID)
	if err != nil {
		if accession.IsPermanent(err) {
			return o.fail(ctx, acc, 0, fmt.Sprintf("crawl status check rejected: %v", err))
		}
		o.logger.Warn("crawl status check failed, will re-poll",
			zap.String("accession_id", acc.ID.String()),
			zap.Error(err),
		)
		return nil
	}

	switch job.State {
	case accession.CrawlRunning:
		return nil
	case accession.CrawlFailed:
		return o.fail(ctx, acc, 0, fmt.Sprintf("crawl service reported failure: %s", job.FailureReason))
	case accession.CrawlSucceeded:
		if _, err := o.repo.UpdateStatus(ctx, acc.ID, accession.StatusPolling, accession.Changes{
			Status: accession.StatusArtifactFetching,
		}); err != nil {
			if errors.Is(err, accession.ErrConflict) {
				return err
			}
			return fmt.Errorf("enter artifact fetching: %w", err)
		}
		metrics.ObserveTransition(string(accession.StatusArtifactFetching))
		o.logger.Info("crawl succeeded",
			zap.String("accession_id", acc.ID.String()),
			zap.String("job_id", *acc.CrawlJobID),
		)
		return nil
	default:
		return o.fail(ctx, acc, 0, fmt.Sprintf("crawl reported unknown state %q", job.State))
	}
}

func (o *Orchestrator) pollDeadlineExceeded(acc accession.Accession) bool {
	if o.cfg.MaxPollWait <= 0 || acc.SubmittedAt == nil {
		return false
	}
	return o.clock.Now().Sub(*acc.SubmittedAt) > o.cfg.MaxPollWait
}

// fetchAndStore retrieves the artifact and persists it. The artifact locator
// is re-derived from the job id each time, so a restart in either state
// resumes cleanly with no in-memory carryover.
func (o *Orchestrator) fetchAndStore(ctx context.Context, acc accession.Accession) error {
	if acc.CrawlJobID == nil {
		return o.fail(ctx, acc, 0, "accession has no crawl job id")
	}

	job, err := o.crawler.JobStatus(ctx, *acc.CrawlJobID)
	if err != nil {
		if accession.IsPermanent(err) {
			return o.fail(ctx, acc, 0, fmt.Sprintf("artifact retrieval failed: %v", err))
		}
		// Unlike polling, retrieval is bounded by attempts, so the locator
		// lookup burns one like any other transient retrieval failure.
		return o.retryOrFail(ctx, acc, err, "artifact retrieval failed")
	}
	if job.State != accession.CrawlSucceeded {
		// The remote result is presumed immutable once the poll saw success.
		return o.fail(ctx, acc, 0, fmt.Sprintf("artifact retrieval failed: job state is %q", job.State))
	}

	data, err := o.crawler.FetchArtifact(ctx, job.ArtifactLocator)
	if err != nil {
		if !accession.IsTransient(err) {
			return o.fail(ctx, acc, 1, fmt.Sprintf("artifact retrieval failed: %v", err))
		}
		return o.retryOrFail(ctx, acc, err, "artifact retrieval failed")
	}

	// Persist the storing transition before the upload side effect.
	if acc.Status == accession.StatusArtifactFetching {
		updated, err := o.repo.UpdateStatus(ctx, acc.ID, accession.StatusArtifactFetching, accession.Changes{
			Status: accession.StatusStoringArtifact,
		})
		if err != nil {
			if errors.Is(err, accession.ErrConflict) {
				return err
			}
			return fmt.Errorf("enter storing: %w", err)
		}
		metrics.ObserveTransition(string(accession.StatusStoringArtifact))
		acc = updated
	}

	ref, err := o.store.Put(ctx, o.ArtifactKey(acc.ID), o.cfg.ArtifactContentType, data)
	if err != nil {
		return o.retryOrFail(ctx, acc, err, "artifact storage failed")
	}

	completed, err := o.repo.UpdateStatus(ctx, acc.ID, accession.StatusStoringArtifact, accession.Changes{
		Status:         accession.StatusCompleted,
		ArtifactRef:    &ref,
		ClearLastError: true,
	})
	if err != nil {
		if errors.Is(err, accession.ErrConflict) {
			return err
		}
		return fmt.Errorf("record completion: %w", err)
	}
	metrics.ObserveTransition(string(accession.StatusCompleted))
	o.logger.Info("accession archived",
		zap.String("accession_id", acc.ID.String()),
		zap.String("artifact_ref", ref),
	)
	o.publishCompleted(ctx, completed)
	return nil
}

// retryOrFail applies the bounded retry policy: stay in the current status
// with an incremented attempt count, or fail once the ceiling is reached.
func (o *Orchestrator) retryOrFail(ctx context.Context, acc accession.Accession, cause error, label string) error {
	attempts := acc.AttemptCount + 1
	if int(attempts) >= o.cfg.MaxAttempts {
		return o.fail(ctx, acc, 1, fmt.Sprintf("%s after %d attempts: %v", label, attempts, cause))
	}

	reason := cause.Error()
	_, err := o.repo.UpdateStatus(ctx, acc.ID, acc.Status, accession.Changes{
		Status:       acc.Status,
		LastError:    &reason,
		AttemptDelta: 1,
	})
	if err != nil {
		if errors.Is(err, accession.ErrConflict) {
			return err
		}
		return fmt.Errorf("record retryable failure: %w", err)
	}
	o.logger.Warn(label+", will retry",
		zap.String("accession_id", acc.ID.String()),
		zap.Int32("attempt", attempts),
		zap.Error(cause),
	)
	return nil
}

// fail moves the accession to the terminal failed status with an operator
// visible reason.
func (o *Orchestrator) fail(ctx context.Context, acc accession.Accession, attemptDelta int32, reason string) error {
	_, err := o.repo.UpdateStatus(ctx, acc.ID, acc.Status, accession.Changes{
		Status:       accession.StatusFailed,
		LastError:    &reason,
		AttemptDelta: attemptDelta,
	})
	if err != nil {
		if errors.Is(err, accession.ErrConflict) {
			return err
		}
		return fmt.Errorf("record failure: %w", err)
	}
	metrics.ObserveTransition(string(accession.StatusFailed))
	o.logger.Error("accession failed",
		zap.String("accession_id", acc.ID.String()),
		zap.String("status_before", string(acc.Status)),
		zap.String("reason", reason),
	)
	return nil
}

// publishCompleted emits the archived event. Publishing is best effort and
// never affects accession state.
func (o *Orchestrator) publishCompleted(ctx context.Context, acc accession.Accession) {
	if o.publisher == nil {
		return
	}
	payload := map[string]any{
		"accession_id": acc.ID.String(),
		"seed_url":     acc.SeedURL,
		"artifact_ref": derefString(acc.ArtifactRef),
		"completed_at": o.clock.Now().Format(time.RFC3339),
	}
	if _, err := o.publisher.Publish(ctx, payload); err != nil {
		o.logger.Warn("publish archived event failed",
			zap.String("accession_id", acc.ID.String()),
			zap.Error(err),
		)
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
