package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/archivelab/accessioner/internal/accession"
	"github.com/archivelab/accessioner/internal/metrics"
)

// SchedulerConfig paces the scan loop.
type SchedulerConfig struct {
	// Interval is the tick between scans; it doubles as the poll pacing for
	// accessions in the polling state.
	Interval time.Duration
	// Concurrency bounds the number of accession steps in flight at once.
	Concurrency int
	// ScanLimit caps how many rows per status are considered each tick.
	ScanLimit int
	// RetryBackoff is how long a row that just failed an attempt rests
	// before it is eligible again.
	RetryBackoff time.Duration
}

// Scheduler periodically scans for resumable accessions and dispatches each
// one's next step to a bounded worker pool. Concurrent schedulers are safe:
// the repository's conditional writes turn duplicate dispatch into no-ops.
type Scheduler struct {
	repo   accession.Repository
	orch   *Orchestrator
	clock  accession.Clock
	cfg    SchedulerConfig
	logger *zap.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(
	repo accession.Repository,
	orch *Orchestrator,
	clock accession.Clock,
	cfg SchedulerConfig,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 100
	}
	return &Scheduler{
		repo:   repo,
		orch:   orch,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks, scanning on every tick until the context finishes. The first
// scan happens immediately so work interrupted by a restart resumes without
// waiting out a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx, sem, &wg)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			s.tick(ctx, sem, &wg)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	for _, status := range accession.ResumableStatuses() {
		accs, err := s.repo.ListByStatus(ctx, status, s.cfg.ScanLimit, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("scan accessions failed",
				zap.String("status", string(status)),
				zap.Error(err),
			)
			continue
		}
		for _, acc := range accs {
			if !s.eligible(acc) {
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(a accession.Accession) {
				defer wg.Done()
				defer func() { <-sem }()
				s.runStep(ctx, a)
			}(acc)
		}
	}
}

func (s *Scheduler) runStep(ctx context.Context, acc accession.Accession) {
	metrics.WorkerStarted()
	defer metrics.WorkerFinished()

	if err := s.orch.Step(ctx, acc); err != nil && ctx.Err() == nil {
		s.logger.Warn("accession step failed",
			zap.String("accession_id", acc.ID.String()),
			zap.String("status", string(acc.Status)),
			zap.Error(err),
		)
	}
}

// eligible holds back rows that recently burned a retry attempt so the fixed
// backoff is honored between attempts.
func (s *Scheduler) eligible(acc accession.Accession) bool {
	if s.cfg.RetryBackoff <= 0 || acc.AttemptCount == 0 {
		return true
	}
	switch acc.Status {
	case accession.StatusPending, accession.StatusArtifactFetching, accession.StatusStoringArtifact:
		return s.clock.Now().Sub(acc.UpdatedAt) >= s.cfg.RetryBackoff
	default:
		return true
	}
}
