package jobs_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coralnet/internal/jobs"
	"coralnet/internal/models"
	"coralnet/internal/store"
	"coralnet/internal/store/primary"
)

// claimFirstStore claims the job right before its start date is written,
// the way a worker racing the scheduler would.
type claimFirstStore struct {
	*primary.StoreImpl
	now time.Time
}

func (c *claimFirstStore) SetScheduledStart(ctx context.Context, id int64, at time.Time) (bool, error) {
	job, err := c.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if _, err := c.ClaimPendingJob(ctx, job.JobName, job.ArgIdentifier, c.now); err != nil {
		return false, err
	}
	return c.StoreImpl.SetScheduledStart(ctx, id, at)
}

func TestScheduleJob_CreatesPendingJob(t *testing.T) {
	h := newHarness(t, jobs.DefaultConfig())
	h.registry.MustRegister(jobs.Definition{Name: "extract_features", Task: noopTask})
	ctx := context.Background()

	src := &models.Source{Name: "reef"}
	require.NoError(t, h.store.CreateSource(ctx, src))

	job, created, err := h.sched.ScheduleJob(ctx, "extract_features", []any{42}, jobs.WithSource(src.ID), jobs.WithDelay(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "42", job.ArgIdentifier)
	assert.Equal(t, src.ID, job.Source())
	require.NotNil(t, job.ScheduledStartDate)
	assert.True(t, h.now.Add(10*time.Minute).Equal(*job.ScheduledStartDate))

	args, err := jobs.IdentifierToArgs(job.ArgIdentifier)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(42)}, args)
}

func TestScheduleJob_DefaultJitter(t *testing.T) {
	h := newHarness(t, jobs.DefaultConfig())
	h.registry.MustRegister(jobs.Definition{Name: "check_source", Task: noopTask})

	for i := 0; i < 5; i++ {
		job, _, err := h.sched.ScheduleJob(context.Background(), "check_source", []any{i})
		require.NoError(t, err)
		delay := job.ScheduledStartDate.Sub(h.now)
		assert.GreaterOrEqual(t, delay, 5*time.Second)
		assert.Less(t, delay, 30*time.Second)
	}
}

func TestScheduleJob_OnlyMovesEarlier(t *testing.T) {
	h := newHarness(t, jobs.DefaultConfig())
	h.registry.MustRegister(jobs.Definition{Name: "check_source", Task: noopTask})
	ctx := context.Background()

	first, created, err := h.sched.ScheduleJob(ctx, "check_source", []any{1}, jobs.WithDelay(time.Hour))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := h.sched.ScheduleJob(ctx, "check_source", []any{1}, jobs.WithDelay(5*time.Minute))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, h.now.Add(5*time.Minute).Equal(*second.ScheduledStartDate))

	third, _, err := h.sched.ScheduleJob(ctx, "check_source", []any{1}, jobs.WithDelay(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, h.now.Add(5*time.Minute).Equal(*third.ScheduledStartDate))

	stored, err := h.store.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, h.now.Add(5*time.Minute).Equal(*stored.ScheduledStartDate))
}

func TestScheduleJob_InProgressUnchanged(t *testing.T) {
	h := newHarness(t, jobs.DefaultConfig())
	h.registry.MustRegister(jobs.Definition{Name: "check_source", Task: noopTask})
	ctx := context.Background()

	job, _, err := h.sched.ScheduleJob(ctx, "check_source", []any{1}, jobs.WithDelay(time.Hour))
	require.NoError(t, err)
	_, err = h.store.ClaimPendingJob(ctx, "check_source", "1", h.now)
	require.NoError(t, err)

	again, created, err := h.sched.ScheduleJob(ctx, "check_source", []any{1}, jobs.WithDelay(time.Second))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.JobStatusInProgress, again.Status)
	assert.True(t, job.ScheduledStartDate.Equal(*again.ScheduledStartDate))
}

func TestScheduleJob_ClaimedMeanwhileStaysInProgress(t *testing.T) {
	h := newHarness(t, jobs.DefaultConfig())
	h.registry.MustRegister(jobs.Definition{Name: "check_source", Task: noopTask})
	ctx := context.Background()

	racing := &claimFirstStore{StoreImpl: h.store, now: h.now}
	sched := jobs.NewScheduler(racing, h.registry, h.enqueuer, h.notifier, jobs.DefaultConfig(), jobs.WithClock(h.clock))

	job, created, err := sched.ScheduleJob(ctx, "check_source", []any{1}, jobs.WithDelay(time.Minute))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.JobStatusInProgress, job.Status)
	assert.Nil(t, job.ScheduledStartDate)

	stored, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInProgress, stored.Status)
	assert.Nil(t, stored.ScheduledStartDate)
}

func TestGetOrCreateJob_UnrecognizedName(t *testing.T) {
	h := newHarness(t, jobs.DefaultConfig())
	_, _, err := h.sched.GetOrCreateJob(context.Background(), "nope", nil)
	assert.True(t, errors.Is(err, jobs.ErrUnrecognizedJobName))
}

// failIdentity creates and fails the job n times, returning the last job.
func failIdentity(t *testing.T, h *harness, name string, args []any, n int) *models.Job {
	t.Helper()
	ctx := context.Background()
	var job *models.Job
	for i := 0; i < n; i++ {
		var err error
		job, _, err = h.sched.ScheduleJob(ctx, name, args, jobs.WithDelay(time.Minute))
		require.NoError(t, err)
		require.NoError(t, h.sched.FinishJob(ctx, job, false, "still broken"))
	}
	return job
}

func TestAttemptNumber_FollowsLatestCompletedJob(t *testing.T) {
	h := newHarness(t, jobs.DefaultConfig())
	h.registry.MustRegister(jobs.Definition{Name: "check_source", Task: noopTask})
	ctx := context.Background()

	last := failIdentity(t, h, "check_source", []any{1}, 2)
	assert.Equal(t, 2, last.AttemptNumber)

	next, created, err := h.sched.GetOrCreateJob(ctx, "check_source", []any{1})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 3, next.AttemptNumber)

	require.NoError(t, h.sched.FinishJob(ctx, next, true, ""))
	fresh, created, err := h.sched.GetOrCreateJob(ctx, "check_source", []any{1})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 1, fresh.AttemptNumber)
}

func TestRepeatedFailures_CooldownAndSingleNotice(t *testing.T) {
	h := newHarness(t, jobs.DefaultConfig())
	h.registry.MustRegister(jobs.Definition{Name: "train_classifier", Task: noopTask})
	ctx := context.Background()

	failIdentity(t, h, "train_classifier", []any{9}, 5)
	assert.Empty(t, h.notifier.Mails())

	sixth, created, err := h.sched.ScheduleJob(ctx, "train_classifier", []any{9}, jobs.WithDelay(time.Minute))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 6, sixth.AttemptNumber)

	mails := h.notifier.Mails()
	require.Len(t, mails, 1)
	assert.Contains(t, mails[0].Subject, "failing repeatedly")
	assert.Contains(t, mails[0].Body, "still broken")

	assert.False(t, sixth.ScheduledStartDate.Before(h.now.Add(72*time.Hour)))

	// Chronic jobs are not pulled earlier by later triggers.
	again, _, err := h.sched.ScheduleJob(ctx, "train_classifier", []any{9}, jobs.WithDelay(time.Second))
	require.NoError(t, err)
	assert.True(t, sixth.ScheduledStartDate.Equal(*again.ScheduledStartDate))
	assert.Len(t, h.notifier.Mails(), 1)
}

func TestScheduleJobOnCommit(t *testing.T) {
	h := newHarness(t, jobs.DefaultConfig())
	h.registry.MustRegister(jobs.Definition{Name: "check_source", Task: noopTask})
	ctx := context.Background()

	err := h.store.InTx(ctx, func(ctx context.Context) error {
		h.sched.ScheduleJobOnCommit(ctx, "check_source", []any{4})
		jobsNow, err := h.store.ListJobs(context.Background(), store.JobFilter{JobName: "check_source"})
		require.NoError(t, err)
		assert.Empty(t, jobsNow)
		return nil
	})
	require.NoError(t, err)

	after, err := h.store.ListJobs(ctx, store.JobFilter{JobName: "check_source"})
	require.NoError(t, err)
	assert.Len(t, after, 1)

	_ = h.store.InTx(ctx, func(ctx context.Context) error {
		h.sched.ScheduleJobOnCommit(ctx, "check_source", []any{5})
		return errors.New("rolled back")
	})
	after, err = h.store.ListJobs(ctx, store.JobFilter{JobName: "check_source"})
	require.NoError(t, err)
	assert.Len(t, after, 1)
}

func TestStartJob_EnqueuesDecodedArgs(t *testing.T) {
	h := newHarness(t, jobs.DefaultConfig())
	h.registry.MustRegister(jobs.Definition{Name: "classify_image", Queue: "spacer", Task: noopTask})
	ctx := context.Background()

	job, _, err := h.sched.ScheduleJob(ctx, "classify_image", []any{77, "x"})
	require.NoError(t, err)
	require.NoError(t, h.sched.StartJob(ctx, job))

	reqs := h.enqueuer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, jobs.EnqueueRequest{JobID: job.ID, JobName: "classify_image", Queue: "spacer", Args: []any{int64(77), "x"}}, reqs[0])
}

func TestFinishJob_PersistAndMessage(t *testing.T) {
	h := newHarness(t, jobs.DefaultConfig())
	h.registry.MustRegister(jobs.Definition{Name: "train_classifier", Task: noopTask})
	h.registry.MustRegister(jobs.Definition{Name: "check_source", Task: noopTask})
	ctx := context.Background()

	train, _, err := h.sched.GetOrCreateJob(ctx, "train_classifier", []any{1})
	require.NoError(t, err)
	require.NoError(t, h.sched.FinishJob(ctx, train, true, ""))
	assert.True(t, train.Persist)
	assert.Equal(t, "", train.ResultMessage)

	check, _, err := h.sched.GetOrCreateJob(ctx, "check_source", []any{1})
	require.NoError(t, err)
	require.NoError(t, h.sched.FinishJob(ctx, check, true, "ok"))
	assert.False(t, check.Persist)

	failed, _, err := h.sched.GetOrCreateJob(ctx, "train_classifier", []any{2})
	require.NoError(t, err)
	require.NoError(t, h.sched.FinishJob(ctx, failed, false, "nope"))
	assert.False(t, failed.Persist)

	stored, err := h.store.GetJob(ctx, train.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, stored.Status)
	assert.True(t, stored.Persist)
}

func TestFinishJob_ReschedulesPeriodicJob(t *testing.T) {
	h := newHarness(t, jobs.DefaultConfig())
	h.registry.MustRegister(jobs.Definition{Name: "hourly", Interval: time.Hour, Task: noopTask})
	ctx := context.Background()
	h.now = time.Date(2026, 3, 1, 12, 20, 0, 0, time.UTC)

	job, _, err := h.sched.GetOrCreateJob(ctx, "hourly", nil)
	require.NoError(t, err)
	require.NoError(t, h.sched.FinishJob(ctx, job, true, ""))

	pending, err := h.store.ListJobs(ctx, store.JobFilter{JobName: "hourly", Status: models.JobStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC).Equal(*pending[0].ScheduledStartDate))
}

func TestFinishJob_PeriodicDisabled(t *testing.T) {
	cfg := jobs.DefaultConfig()
	cfg.EnablePeriodicJobs = false
	h := newHarness(t, cfg)
	h.registry.MustRegister(jobs.Definition{Name: "hourly", Interval: time.Hour, Task: noopTask})
	ctx := context.Background()

	job, _, err := h.sched.GetOrCreateJob(ctx, "hourly", nil)
	require.NoError(t, err)
	require.NoError(t, h.sched.FinishJob(ctx, job, true, ""))

	pending, err := h.store.ListJobs(ctx, store.JobFilter{JobName: "hourly", Status: models.JobStatusPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSchedulePeriodicJobs_Idempotent(t *testing.T) {
	h := newHarness(t, jobs.DefaultConfig())
	h.registry.MustRegister(jobs.Definition{Name: "daily", Interval: 24 * time.Hour, Offset: 4 * time.Hour, Task: noopTask})
	h.registry.MustRegister(jobs.Definition{Name: "oneoff", Task: noopTask})
	ctx := context.Background()

	n, err := h.sched.SchedulePeriodicJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = h.sched.SchedulePeriodicJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	pending, err := h.store.ListJobs(ctx, store.JobFilter{JobName: "daily"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC).Equal(*pending[0].ScheduledStartDate))
}

func TestNextRunDelay_Alignment(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		ts := r.Int64N(4_000_000_000)
		now := time.Unix(ts, 0)
		delay := jobs.NextRunDelay(time.Hour, 0, now)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.Less(t, delay, time.Hour)
		assert.Zero(t, now.Add(delay).Unix()%3600, "T=%d delay=%s", ts, delay)
	}
}

func TestNextRunDelay_Cases(t *testing.T) {
	boundary := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Duration(0), jobs.NextRunDelay(24*time.Hour, 4*time.Hour, boundary))
	assert.Equal(t, 23*time.Hour+59*time.Minute, jobs.NextRunDelay(24*time.Hour, 4*time.Hour, boundary.Add(time.Minute)))
	assert.Equal(t, time.Minute, jobs.NextRunDelay(24*time.Hour, 4*time.Hour, boundary.Add(-time.Minute)))
	assert.Equal(t, 500*time.Millisecond, jobs.NextRunDelay(time.Second, 0, time.Unix(10, 500_000_000)))
	assert.Equal(t, time.Duration(0), jobs.NextRunDelay(0, 0, boundary))
}
