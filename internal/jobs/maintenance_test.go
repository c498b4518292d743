package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coralnet/internal/jobs"
	"coralnet/internal/models"
	"coralnet/internal/store"
)

func TestRunScheduledJobs_StartsDueJobs(t *testing.T) {
	h := newHarness(t, jobs.DefaultConfig())
	require.NoError(t, jobs.RegisterMaintenanceJobs(h.registry, h.sched, h.store, jobs.DefaultMaintenanceConfig()))
	h.registry.MustRegister(jobs.Definition{Name: "extract_features", Queue: "spacer", Task: noopTask})
	ctx := context.Background()

	due, _, err := h.sched.ScheduleJob(ctx, "extract_features", []any{1}, jobs.WithDelay(0))
	require.NoError(t, err)
	_, _, err = h.sched.ScheduleJob(ctx, "extract_features", []any{2}, jobs.WithDelay(time.Hour))
	require.NoError(t, err)

	require.NoError(t, h.exec.Execute(ctx, jobs.RunScheduledJobsName, nil))

	reqs := h.enqueuer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, due.ID, reqs[0].JobID)
	assert.Equal(t, "spacer", reqs[0].Queue)

	runs, err := h.store.ListJobs(ctx, store.JobFilter{JobName: jobs.RunScheduledJobsName})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.JobStatusSuccess, runs[0].Status)
	assert.Equal(t, "Started 1 job(s)", runs[0].ResultMessage)

	// The daily cleanup got its first run scheduled along the way.
	cleanups, err := h.store.ListJobs(ctx, store.JobFilter{JobName: jobs.CleanUpOldJobsName, Status: models.JobStatusPending})
	require.NoError(t, err)
	require.Len(t, cleanups, 1)
	assert.True(t, time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC).Equal(*cleanups[0].ScheduledStartDate))
}

func TestCleanUpOldJobs(t *testing.T) {
	h := newHarness(t, jobs.DefaultConfig())
	require.NoError(t, jobs.RegisterMaintenanceJobs(h.registry, h.sched, h.store, jobs.DefaultMaintenanceConfig()))
	h.registry.MustRegister(jobs.Definition{Name: "check_source", Task: noopTask})
	ctx := context.Background()

	old, _, err := h.sched.GetOrCreateJob(ctx, "check_source", []any{1})
	require.NoError(t, err)
	require.NoError(t, h.sched.FinishJob(ctx, old, true, ""))

	// Jump past the retention window, measured against real modify dates.
	h.now = time.Now().Add(31 * 24 * time.Hour)
	_, _, err = h.sched.ScheduleJob(ctx, jobs.CleanUpOldJobsName, nil, jobs.WithDelay(0))
	require.NoError(t, err)
	require.NoError(t, h.exec.Execute(ctx, jobs.CleanUpOldJobsName, nil))

	_, err = h.store.GetJob(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	cleanups, err := h.store.ListJobs(ctx, store.JobFilter{JobName: jobs.CleanUpOldJobsName})
	require.NoError(t, err)
	require.Len(t, cleanups, 2)
	assert.Equal(t, models.JobStatusPending, cleanups[0].Status, "next daily run is scheduled")
	assert.Equal(t, "Cleaned up 1 old job(s)", cleanups[1].ResultMessage)
}
