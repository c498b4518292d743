package jobs_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"coralnet/internal/jobs"
	"coralnet/internal/store/primary"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	requests []jobs.EnqueueRequest
	err      error
}

func (f *fakeEnqueuer) EnqueueJob(_ context.Context, req jobs.EnqueueRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeEnqueuer) Requests() []jobs.EnqueueRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]jobs.EnqueueRequest(nil), f.requests...)
}

type mail struct {
	Subject string
	Body    string
}

type fakeNotifier struct {
	mu    sync.Mutex
	mails []mail
}

func (f *fakeNotifier) MailAdmins(_ context.Context, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mails = append(f.mails, mail{Subject: subject, Body: body})
	return nil
}

func (f *fakeNotifier) Mails() []mail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mail(nil), f.mails...)
}

type fakeReporter struct {
	mu        sync.Mutex
	incidents []jobs.Incident
}

func (f *fakeReporter) ReportJobError(_ context.Context, incident jobs.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incidents = append(f.incidents, incident)
	return nil
}

func (f *fakeReporter) Incidents() []jobs.Incident {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]jobs.Incident(nil), f.incidents...)
}

type harness struct {
	store    *primary.StoreImpl
	registry *jobs.Registry
	sched    *jobs.Scheduler
	exec     *jobs.Executor
	enqueuer *fakeEnqueuer
	notifier *fakeNotifier
	reporter *fakeReporter
	now      time.Time
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func newHarness(t *testing.T, cfg jobs.Config) *harness {
	t.Helper()
	ctx := context.Background()
	s, err := primary.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))

	h := &harness{
		store:    s,
		registry: jobs.NewRegistry(),
		enqueuer: &fakeEnqueuer{},
		notifier: &fakeNotifier{},
		reporter: &fakeReporter{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.sched = jobs.NewScheduler(s, h.registry, h.enqueuer, h.notifier, cfg, jobs.WithClock(h.clock))
	h.exec = jobs.NewExecutor(h.sched, s, h.reporter)
	return h
}

func noopTask(context.Context, jobs.Run, []any) (string, error) { return "", nil }
