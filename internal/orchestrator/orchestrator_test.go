package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/archivelab/accessioner/internal/accession"
	memorypublisher "github.com/archivelab/accessioner/internal/publisher/memory"
	memorystorage "github.com/archivelab/accessioner/internal/storage/memory"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRepo mirrors the repository's conditional-write semantics in memory.
type fakeRepo struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]accession.Accession
	clock accession.Clock
}

func newFakeRepo(clock accession.Clock) *fakeRepo {
	return &fakeRepo{
		rows:  make(map[uuid.UUID]accession.Accession),
		clock: clock,
	}
}

func (r *fakeRepo) Create(_ context.Context, draft accession.Draft) (accession.Accession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	acc := accession.Accession{
		ID:          draft.ID,
		SeedURL:     draft.SeedURL,
		Title:       draft.Title,
		Description: draft.Description,
		SubjectIDs:  draft.SubjectIDs,
		Status:      accession.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.rows[acc.ID] = acc
	return acc, nil
}

func (r *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (accession.Accession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.rows[id]
	if !ok {
		return accession.Accession{}, accession.ErrNotFound
	}
	return acc, nil
}

func (r *fakeRepo) UpdateStatus(
	_ context.Context,
	id uuid.UUID,
	expected accession.Status,
	changes accession.Changes,
) (accession.Accession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.rows[id]
	if !ok || acc.Status != expected {
		return accession.Accession{}, accession.ErrConflict
	}
	acc.Status = changes.Status
	if changes.CrawlJobID != nil {
		acc.CrawlJobID = changes.CrawlJobID
	}
	if changes.ArtifactRef != nil {
		acc.ArtifactRef = changes.ArtifactRef
	}
	if changes.ClearLastError {
		acc.LastError = nil
	} else if changes.LastError != nil {
		acc.LastError = changes.LastError
	}
	if changes.SubmittedAt != nil {
		acc.SubmittedAt = changes.SubmittedAt
	}
	acc.AttemptCount += changes.AttemptDelta
	acc.UpdatedAt = r.clock.Now()
	r.rows[id] = acc
	return acc, nil
}

func (r *fakeRepo) ListByStatus(_ context.Context, status accession.Status, limit, offset int) ([]accession.Accession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []accession.Accession
	for _, acc := range r.rows {
		if acc.Status == status {
			matched = append(matched, acc)
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// seed inserts a row directly in the given state.
func (r *fakeRepo) seed(acc accession.Accession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[acc.ID] = acc
}

// fakeCrawler implements accession.CrawlClient with function hooks.
type fakeCrawler struct {
	mu       sync.Mutex
	submits  int
	statuses int
	fetches  int
	submitFn func(url string) (string, error)
	statusFn func(jobID string) (accession.CrawlJob, error)
	fetchFn  func(locator string) ([]byte, error)
}

func (c *fakeCrawler) SubmitJob(_ context.Context, url string) (string, error) {
	c.mu.Lock()
	c.submits++
	fn := c.submitFn
	c.mu.Unlock()
	if fn == nil {
		return "job-1", nil
	}
	return fn(url)
}

func (c *fakeCrawler) JobStatus(_ context.Context, jobID string) (accession.CrawlJob, error) {
	c.mu.Lock()
	c.statuses++
	fn := c.statusFn
	c.mu.Unlock()
	if fn == nil {
		return accession.CrawlJob{ID: jobID, State: accession.CrawlSucceeded, ArtifactLocator: "loc-1"}, nil
	}
	return fn(jobID)
}

func (c *fakeCrawler) FetchArtifact(_ context.Context, locator string) ([]byte, error) {
	c.mu.Lock()
	c.fetches++
	fn := c.fetchFn
	c.mu.Unlock()
	if fn == nil {
		return []byte("wacz-bytes"), nil
	}
	return fn(locator)
}

func (c *fakeCrawler) submitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits
}

// failingStore wraps the memory store and fails Put a set number of times.
type failingStore struct {
	*memorystorage.Store
	mu       sync.Mutex
	failures int
}

func (s *failingStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	s.mu.Lock()
	if s.failures != 0 {
		s.failures--
		s.mu.Unlock()
		return "", errors.New("upload interrupted")
	}
	s.mu.Unlock()
	return s.Store.Put(ctx, key, contentType, data)
}

type fixture struct {
	repo      *fakeRepo
	crawler   *fakeCrawler
	store     *memorystorage.Store
	publisher *memorypublisher.Publisher
	clock     *fakeClock
	orch      *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := newFakeClock()
	repo := newFakeRepo(clock)
	crawler := &fakeCrawler{}
	store := memorystorage.New()
	pub := memorypublisher.New()
	if cfg.MaxPollWait == 0 {
		cfg.MaxPollWait = 30 * time.Minute
	}
	orch := New(repo, crawler, store, pub, clock, cfg, zap.NewNop())
	return &fixture{
		repo:      repo,
		crawler:   crawler,
		store:     store,
		publisher: pub,
		clock:     clock,
		orch:      orch,
	}
}

func (f *fixture) pending(t *testing.T, url string) accession.Accession {
	t.Helper()
	acc, err := f.repo.Create(context.Background(), accession.Draft{
		ID:      uuid.New(),
		SeedURL: url,
		Title:   "a page",
	})
	require.NoError(t, err)
	return acc
}

func (f *fixture) step(t *testing.T, id uuid.UUID) accession.Accession {
	t.Helper()
	ctx := context.Background()
	acc, err := f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.orch.Step(ctx, acc))
	acc, err = f.repo.GetByID(ctx, id)
	require.NoError(t, err)
	checkInvariants(t, acc)
	return acc
}

// checkInvariants enforces the cross-field consistency rules every reader
// must be able to rely on.
func checkInvariants(t *testing.T, acc accession.Accession) {
	t.Helper()
	if acc.Status == accession.StatusCompleted {
		require.NotNil(t, acc.ArtifactRef, "completed accession must carry an artifact reference")
	} else {
		require.Nil(t, acc.ArtifactRef, "only completed accessions may carry an artifact reference")
	}
	if acc.Status == accession.StatusPending {
		require.Nil(t, acc.CrawlJobID, "pending accession must not have a crawl job id")
	}
	switch acc.Status {
	case accession.StatusSubmitted, accession.StatusPolling,
		accession.StatusArtifactFetching, accession.StatusStoringArtifact,
		accession.StatusCompleted:
		require.NotNil(t, acc.CrawlJobID)
	}
}

func TestStep_FullLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAttempts: 3})
	running := true
	var mu sync.Mutex
	f.crawler.statusFn = func(jobID string) (accession.CrawlJob, error) {
		mu.Lock()
		defer mu.Unlock()
		if running {
			return accession.CrawlJob{ID: jobID, State: accession.CrawlRunning}, nil
		}
		return accession.CrawlJob{ID: jobID, State: accession.CrawlSucceeded, ArtifactLocator: "loc-1"}, nil
	}

	acc := f.pending(t, "https://example.org/page")
	require.Equal(t, accession.StatusPending, acc.Status)
	require.Nil(t, acc.ArtifactRef)

	// Submit lands the job id and enters polling in one pass.
	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusPolling, acc.Status)
	require.NotNil(t, acc.CrawlJobID)
	require.Equal(t, "job-1", *acc.CrawlJobID)
	require.NotNil(t, acc.SubmittedAt)

	// Still running: no transition.
	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusPolling, acc.Status)

	mu.Lock()
	running = false
	mu.Unlock()
	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusArtifactFetching, acc.Status)

	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusCompleted, acc.Status)
	require.NotNil(t, acc.ArtifactRef)
	require.Equal(t, "memory://accessions/"+acc.ID.String()+".wacz", *acc.ArtifactRef)
	require.Equal(t, 1, f.store.Len())

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, acc.ID.String(), msgs[0]["accession_id"])
	require.Equal(t, *acc.ArtifactRef, msgs[0]["artifact_ref"])

	// Terminal: further steps are no-ops.
	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusCompleted, acc.Status)
}

func TestStep_SubmitTransientRetriesUntilCeiling(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAttempts: 3})
	f.crawler.submitFn = func(string) (string, error) {
		return "", accession.Transientf("crawl service returned 503")
	}

	acc := f.pending(t, "https://example.org")

	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusPending, acc.Status)
	require.Equal(t, int32(1), acc.AttemptCount)
	require.NotNil(t, acc.LastError)

	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusPending, acc.Status)
	require.Equal(t, int32(2), acc.AttemptCount)

	// Third consecutive transient failure reaches the ceiling.
	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusFailed, acc.Status)
	require.Equal(t, int32(3), acc.AttemptCount)
	require.Contains(t, *acc.LastError, "crawl submission exhausted")

	// Failed is terminal: no more submissions ever.
	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusFailed, acc.Status)
	require.Equal(t, 3, f.crawler.submitCount())
}

func TestStep_SubmitPermanentFailsImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAttempts: 5})
	f.crawler.submitFn = func(string) (string, error) {
		return "", accession.Permanentf("crawl service returned 422")
	}

	acc := f.pending(t, "https://example.org/invalid")
	acc = f.step(t, acc.ID)

	require.Equal(t, accession.StatusFailed, acc.Status)
	require.Equal(t, int32(1), acc.AttemptCount)
	require.Contains(t, *acc.LastError, "crawl submission rejected")
	require.Equal(t, 1, f.crawler.submitCount())
}

func TestStep_PollTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAttempts: 3, MaxPollWait: 30 * time.Minute})
	acc := f.pending(t, "https://example.org")
	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusPolling, acc.Status)

	f.clock.Advance(31 * time.Minute)
	acc = f.step(t, acc.ID)

	require.Equal(t, accession.StatusFailed, acc.Status)
	require.Contains(t, *acc.LastError, "timed out")
}

func TestStep_PollRemoteFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAttempts: 3})
	f.crawler.statusFn = func(jobID string) (accession.CrawlJob, error) {
		return accession.CrawlJob{ID: jobID, State: accession.CrawlFailed, FailureReason: "failed"}, nil
	}

	acc := f.pending(t, "https://example.org")
	acc = f.step(t, acc.ID)
	acc = f.step(t, acc.ID)

	require.Equal(t, accession.StatusFailed, acc.Status)
	require.Contains(t, *acc.LastError, "crawl service reported failure")
}

func TestStep_PollTransientErrorKeepsPolling(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAttempts: 3})
	f.crawler.statusFn = func(string) (accession.CrawlJob, error) {
		return accession.CrawlJob{}, accession.Transientf("connection refused")
	}

	acc := f.pending(t, "https://example.org")
	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusPolling, acc.Status)

	// Transient poll failures never consume retry attempts.
	for range 5 {
		acc = f.step(t, acc.ID)
	}
	require.Equal(t, accession.StatusPolling, acc.Status)
	require.Equal(t, int32(0), acc.AttemptCount)
}

func TestStep_FetchPermanentFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAttempts: 5})
	f.crawler.fetchFn = func(string) ([]byte, error) {
		return nil, accession.Permanentf("artifact is empty")
	}

	acc := f.pending(t, "https://example.org")
	acc = f.step(t, acc.ID) // submit
	acc = f.step(t, acc.ID) // poll -> artifact_fetching
	require.Equal(t, accession.StatusArtifactFetching, acc.Status)

	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusFailed, acc.Status)
	require.Contains(t, *acc.LastError, "artifact retrieval failed")
	require.Equal(t, int32(1), acc.AttemptCount)
}

func TestStep_LocatorLookupTransientRetriesWithCeiling(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAttempts: 3})
	var calls int
	var mu sync.Mutex
	f.crawler.statusFn = func(jobID string) (accession.CrawlJob, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return accession.CrawlJob{ID: jobID, State: accession.CrawlSucceeded, ArtifactLocator: "loc-1"}, nil
		}
		return accession.CrawlJob{}, accession.Transientf("crawl service returned 503")
	}

	acc := f.pending(t, "https://example.org")
	acc = f.step(t, acc.ID) // submit
	acc = f.step(t, acc.ID) // poll -> artifact_fetching
	require.Equal(t, accession.StatusArtifactFetching, acc.Status)

	// Even with the clock frozen well inside any poll deadline, a crawl
	// service that keeps erroring on the locator lookup must not be retried
	// forever: each lookup failure burns an attempt.
	f.clock.Advance(24 * time.Hour)
	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusArtifactFetching, acc.Status)
	require.Equal(t, int32(1), acc.AttemptCount)
	require.NotNil(t, acc.LastError)

	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusArtifactFetching, acc.Status)
	require.Equal(t, int32(2), acc.AttemptCount)

	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusFailed, acc.Status)
	require.Equal(t, int32(3), acc.AttemptCount)
	require.Contains(t, *acc.LastError, "artifact retrieval failed after 3 attempts")
}

func TestStep_CompletionClearsLastError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAttempts: 5})
	var calls int
	var mu sync.Mutex
	f.crawler.submitFn = func(string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return "", accession.Transientf("crawl service returned 502")
		}
		return "job-1", nil
	}

	acc := f.pending(t, "https://example.org")
	acc = f.step(t, acc.ID) // transient submit failure
	require.Equal(t, accession.StatusPending, acc.Status)
	require.NotNil(t, acc.LastError)

	acc = f.step(t, acc.ID) // submit succeeds
	acc = f.step(t, acc.ID) // poll -> artifact_fetching
	acc = f.step(t, acc.ID) // fetch + store -> completed

	require.Equal(t, accession.StatusCompleted, acc.Status)
	require.Nil(t, acc.LastError, "a completed accession must not carry a stale error")
	require.Equal(t, int32(1), acc.AttemptCount)
}

func TestStep_FetchTransientRetriesWithCeiling(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAttempts: 2})
	f.crawler.fetchFn = func(string) ([]byte, error) {
		return nil, accession.Transientf("read timeout")
	}

	acc := f.pending(t, "https://example.org")
	acc = f.step(t, acc.ID)
	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusArtifactFetching, acc.Status)

	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusArtifactFetching, acc.Status)
	require.Equal(t, int32(1), acc.AttemptCount)

	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusFailed, acc.Status)
	require.Contains(t, *acc.LastError, "artifact retrieval failed after 2 attempts")
}

func TestStep_StoreFailureExhaustsCeiling(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	repo := newFakeRepo(clock)
	crawler := &fakeCrawler{}
	store := &failingStore{Store: memorystorage.New(), failures: -1} // fail forever
	orch := New(repo, crawler, store, nil, clock, Config{MaxAttempts: 2, MaxPollWait: time.Hour}, zap.NewNop())

	acc, err := repo.Create(context.Background(), accession.Draft{ID: uuid.New(), SeedURL: "https://example.org", Title: "t"})
	require.NoError(t, err)

	step := func() accession.Accession {
		current, err := repo.GetByID(context.Background(), acc.ID)
		require.NoError(t, err)
		require.NoError(t, orch.Step(context.Background(), current))
		current, err = repo.GetByID(context.Background(), acc.ID)
		require.NoError(t, err)
		return current
	}

	got := step() // submit
	got = step()  // poll -> artifact_fetching
	require.Equal(t, accession.StatusArtifactFetching, got.Status)

	got = step() // fetch ok, storing transition persisted, put fails
	require.Equal(t, accession.StatusStoringArtifact, got.Status)
	require.Equal(t, int32(1), got.AttemptCount)
	require.Nil(t, got.ArtifactRef, "partial upload must not leave a reference")

	got = step()
	require.Equal(t, accession.StatusFailed, got.Status)
	require.Contains(t, *got.LastError, "artifact storage failed")
	require.Nil(t, got.ArtifactRef)
}

func TestStep_StoringResumeIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAttempts: 3})
	acc := f.pending(t, "https://example.org")
	acc = f.step(t, acc.ID)
	acc = f.step(t, acc.ID)
	acc = f.step(t, acc.ID)
	require.Equal(t, accession.StatusCompleted, acc.Status)
	firstRef := *acc.ArtifactRef

	// Simulate a crash where the upload finished but the completion write
	// was lost: re-drive from storing_artifact.
	jobID := *acc.CrawlJobID
	f.repo.seed(accession.Accession{
		ID:          acc.ID,
		SeedURL:     acc.SeedURL,
		Title:       acc.Title,
		Status:      accession.StatusStoringArtifact,
		CrawlJobID:  &jobID,
		SubmittedAt: acc.SubmittedAt,
		CreatedAt:   acc.CreatedAt,
		UpdatedAt:   acc.UpdatedAt,
	})

	resumed := f.step(t, acc.ID)
	require.Equal(t, accession.StatusCompleted, resumed.Status)
	require.Equal(t, firstRef, *resumed.ArtifactRef)
	require.Equal(t, 1, f.store.Len(), "re-storing must overwrite, not duplicate")
}

func TestStep_ConcurrentPassesRaceSafely(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAttempts: 3})
	acc := f.pending(t, "https://example.org")

	start := make(chan struct{})
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			current, err := f.repo.GetByID(context.Background(), acc.ID)
			require.NoError(t, err)
			require.NoError(t, f.orch.Step(context.Background(), current))
		}()
	}
	close(start)
	wg.Wait()

	final, err := f.repo.GetByID(context.Background(), acc.ID)
	require.NoError(t, err)
	checkInvariants(t, final)
	require.Equal(t, accession.StatusPolling, final.Status)
	require.Equal(t, "job-1", *final.CrawlJobID)
}

func TestUpdateStatus_ExactlyOneConcurrentWriterWins(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	repo := newFakeRepo(clock)
	acc, err := repo.Create(context.Background(), accession.Draft{ID: uuid.New(), SeedURL: "https://example.org", Title: "t"})
	require.NoError(t, err)

	var wins, losses int
	var mu sync.Mutex
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range 2 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			target := accession.StatusSubmitted
			if n == 1 {
				target = accession.StatusFailed
			}
			_, err := repo.UpdateStatus(context.Background(), acc.ID, accession.StatusPending, accession.Changes{Status: target})
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, accession.ErrConflict) {
				losses++
			} else if err == nil {
				wins++
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, 1, losses)

	final, err := repo.GetByID(context.Background(), acc.ID)
	require.NoError(t, err)
	require.Contains(t, []accession.Status{accession.StatusSubmitted, accession.StatusFailed}, final.Status)
}

func TestArtifactKey_Deterministic(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{ArtifactPrefix: "archives"})
	id := uuid.MustParse("018f0b2a-0000-7000-8000-000000000001")
	require.Equal(t, "archives/"+id.String()+".wacz", f.orch.ArtifactKey(id))
	require.Equal(t, f.orch.ArtifactKey(id), f.orch.ArtifactKey(id))
}
