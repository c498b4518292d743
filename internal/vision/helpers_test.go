package vision_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coralnet/internal/incident"
	"coralnet/internal/jobs"
	"coralnet/internal/models"
	"coralnet/internal/spacer"
	"coralnet/internal/store/primary"
	"coralnet/internal/vision"
)

type fakeEnqueuer struct {
	requests []jobs.EnqueueRequest
}

func (f *fakeEnqueuer) EnqueueJob(_ context.Context, req jobs.EnqueueRequest) error {
	f.requests = append(f.requests, req)
	return nil
}

type fakeReporter struct {
	mu      sync.Mutex
	job     []jobs.Incident
	spacers []incident.SpacerFailure
}

func (f *fakeReporter) ReportJobError(_ context.Context, inc jobs.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job = append(f.job, inc)
	return nil
}

func (f *fakeReporter) ReportSpacerError(_ context.Context, sf incident.SpacerFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spacers = append(f.spacers, sf)
	return nil
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *primary.StoreImpl
	sched    *jobs.Scheduler
	exec     *jobs.Executor
	enqueuer *fakeEnqueuer
	reporter *fakeReporter
	backend  *spacer.LocalBackend
	pipeline *vision.Pipeline
	now      time.Time
}

func newHarness(t *testing.T, mutate func(*vision.Config)) *harness {
	t.Helper()
	return newHarnessWithBackend(t, mutate, nil)
}

// newHarnessWithBackend lets a test put wrap between the pipeline and the
// local backend.
func newHarnessWithBackend(t *testing.T, mutate func(*vision.Config), wrap func(*spacer.LocalBackend) spacer.Backend) *harness {
	t.Helper()
	ctx := context.Background()
	s, err := primary.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "vision.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))

	h := &harness{
		t:        t,
		ctx:      ctx,
		store:    s,
		enqueuer: &fakeEnqueuer{},
		reporter: &fakeReporter{},
		backend:  spacer.NewLocalBackend(nil),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := vision.DefaultConfig()
	cfg.MinImagesForTraining = 1
	if mutate != nil {
		mutate(&cfg)
	}

	reg := jobs.NewRegistry()
	h.sched = jobs.NewScheduler(s, reg, h.enqueuer, nil, jobs.DefaultConfig(), jobs.WithClock(func() time.Time { return h.now }))
	h.exec = jobs.NewExecutor(h.sched, s, h.reporter)
	var backend spacer.Backend = h.backend
	if wrap != nil {
		backend = wrap(h.backend)
	}
	h.pipeline = vision.NewPipeline(vision.Deps{
		Tx:          s,
		Scheduler:   h.sched,
		Jobs:        s,
		Sources:     s,
		Images:      s,
		Features:    s,
		Classifiers: s,
		ApiJobs:     s,
		Backend:     backend,
		Reporter:    h.reporter,
		Config:      cfg,
	})
	require.NoError(t, h.pipeline.RegisterJobs(reg))
	return h
}

func (h *harness) source(trainsOwn bool) *models.Source {
	src := &models.Source{Name: "Moorea LTER", FeatureExtractor: "efficientnet_b0_ver1", TrainsOwnClassifiers: trainsOwn}
	require.NoError(h.t, h.store.CreateSource(h.ctx, src))
	return src
}

func (h *harness) image(src *models.Source, rowcols ...models.RowCol) *models.Image {
	img := &models.Image{SourceID: src.ID, Name: "MLTER_0001.jpg"}
	require.NoError(h.t, h.store.CreateImage(h.ctx, img, rowcols))
	return img
}

func (h *harness) markExtracted(imageIDs ...int64) {
	features, err := h.store.GetFeaturesByImageIDs(h.ctx, imageIDs)
	require.NoError(h.t, err)
	var list []*models.Features
	for _, f := range features {
		f.Extracted = true
		list = append(list, f)
	}
	require.NoError(h.t, h.store.UpdateFeatures(h.ctx, list))
}

// scheduleAndStart schedules a job, hands it to the fake queue and runs
// what the queue received.
func (h *harness) scheduleAndStart(name string, args []any, opts ...jobs.ScheduleOption) *models.Job {
	job, created, err := h.sched.ScheduleJob(h.ctx, name, args, opts...)
	require.NoError(h.t, err)
	require.True(h.t, created)
	return h.start(job)
}

// start hands an already scheduled job to the fake queue and runs it.
func (h *harness) start(job *models.Job) *models.Job {
	require.NoError(h.t, h.sched.StartJob(h.ctx, job))
	req := h.enqueuer.requests[len(h.enqueuer.requests)-1]
	require.NoError(h.t, h.exec.Execute(h.ctx, req.JobName, req.Args))
	return h.job(job.ID)
}

func (h *harness) job(id int64) *models.Job {
	job, err := h.store.GetJob(h.ctx, id)
	require.NoError(h.t, err)
	return job
}

func (h *harness) lastSubmitted() spacer.JobMsg {
	submitted := h.backend.Submitted()
	require.NotEmpty(h.t, submitted)
	return submitted[len(submitted)-1]
}

// collect runs collect_spacer_jobs the way the cron trigger does.
func (h *harness) collect() {
	require.NoError(h.t, h.exec.Execute(h.ctx, "collect_spacer_jobs", nil))
}

func (h *harness) pendingJobs(name string) []*models.Job {
	list, err := h.store.ListJobs(h.ctx, storeFilter(name, models.JobStatusPending))
	require.NoError(h.t, err)
	return list
}
