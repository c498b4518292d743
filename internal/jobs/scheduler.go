package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	log "github.com/sirupsen/logrus"

	"coralnet/internal/models"
	"coralnet/internal/store"
)

// Enqueuer hands a job to the task queue.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, req EnqueueRequest) error
}

// EnqueueRequest describes one queue hand-off.
type EnqueueRequest struct {
	JobID   int64
	JobName string
	Queue   string
	Args    []any
}

// Notifier sends free-text messages to site operators.
type Notifier interface {
	MailAdmins(ctx context.Context, subject, body string) error
}

// Config tunes scheduling.
type Config struct {
	// ManyFailures is the attempt number above which a job identity is
	// considered chronically failing.
	ManyFailures int
	// FailureCooldown is the minimum delay for chronically failing jobs.
	FailureCooldown time.Duration
	// MinJitter and MaxJitter bound the random delay used when none is given.
	MinJitter time.Duration
	MaxJitter time.Duration
	// EnablePeriodicJobs turns on self-rescheduling of periodic jobs.
	EnablePeriodicJobs bool
	// PersistJobNames are jobs whose successful rows survive cleanup.
	PersistJobNames []string
}

func DefaultConfig() Config {
	return Config{
		ManyFailures:       5,
		FailureCooldown:    3 * 24 * time.Hour,
		MinJitter:          5 * time.Second,
		MaxJitter:          30 * time.Second,
		EnablePeriodicJobs: true,
		PersistJobNames:    []string{"train_classifier", "reset_classifiers_for_source", "reset_backend_for_source"},
	}
}

// Scheduler creates, schedules, starts and finishes Jobs.
type Scheduler struct {
	store    store.JobStore
	registry *Registry
	enqueuer Enqueuer
	notifier Notifier
	cfg      Config
	persist  map[string]bool
	now      func() time.Time
	jitter   func() time.Duration
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithJitter replaces the random default delay.
func WithJitter(jitter func() time.Duration) Option {
	return func(s *Scheduler) { s.jitter = jitter }
}

func NewScheduler(js store.JobStore, reg *Registry, enq Enqueuer, notifier Notifier, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    js,
		registry: reg,
		enqueuer: enq,
		notifier: notifier,
		cfg:      cfg,
		persist:  make(map[string]bool, len(cfg.PersistJobNames)),
		now:      time.Now,
	}
	for _, name := range cfg.PersistJobNames {
		s.persist[name] = true
	}
	s.jitter = s.randomJitter
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) randomJitter() time.Duration {
	span := s.cfg.MaxJitter - s.cfg.MinJitter
	if span <= 0 {
		return s.cfg.MinJitter
	}
	return s.cfg.MinJitter + rand.N(span)
}

// Now is the scheduler's clock, in UTC.
func (s *Scheduler) Now() time.Time {
	return s.now().UTC()
}

func (s *Scheduler) Registry() *Registry {
	return s.registry
}

type scheduleOptions struct {
	sourceID *int64
	userID   *int64
	delay    *time.Duration
}

// ScheduleOption sets optional fields of a scheduled job.
type ScheduleOption func(*scheduleOptions)

func WithSource(id int64) ScheduleOption {
	return func(o *scheduleOptions) { o.sourceID = &id }
}

func WithUser(id int64) ScheduleOption {
	return func(o *scheduleOptions) { o.userID = &id }
}

// WithDelay sets the delay before the job may start. Without it a random
// jitter delay is used.
func WithDelay(d time.Duration) ScheduleOption {
	return func(o *scheduleOptions) { o.delay = &d }
}

func buildScheduleOptions(opts []ScheduleOption) scheduleOptions {
	var o scheduleOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// GetOrCreateJob returns the incomplete job for (name, args), creating a
// pending one if needed. A new job continues the attempt count of the most
// recently completed job when that job failed.
func (s *Scheduler) GetOrCreateJob(ctx context.Context, name string, args []any, opts ...ScheduleOption) (*models.Job, bool, error) {
	if _, err := s.registry.Lookup(name); err != nil {
		return nil, false, err
	}
	argID, err := ArgsToIdentifier(args)
	if err != nil {
		return nil, false, fmt.Errorf("job %s: %w", name, err)
	}
	o := buildScheduleOptions(opts)
	job, created, err := s.store.GetOrCreateIncompleteJob(ctx, store.JobCreateParams{
		JobName:       name,
		ArgIdentifier: argID,
		SourceID:      o.sourceID,
		UserID:        o.userID,
		Now:           s.Now(),
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		return job, false, nil
	}

	last, err := s.store.LatestCompletedJob(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return job, true, nil
	case err != nil:
		return nil, false, fmt.Errorf("attempt number for %s: %w", job, err)
	}
	if last.Status != models.JobStatusFailure {
		return job, true, nil
	}

	job.AttemptNumber = last.AttemptNumber + 1
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return nil, false, err
	}
	if job.AttemptNumber > s.cfg.ManyFailures {
		s.notifyRepeatedFailure(ctx, job, last)
	}
	return job, true, nil
}

func (s *Scheduler) notifyRepeatedFailure(ctx context.Context, job, last *models.Job) {
	log.Warnf("Job %s has failed %d times in a row", job, job.AttemptNumber-1)
	if s.notifier == nil {
		return
	}
	subject := fmt.Sprintf("Job has been failing repeatedly: %s, attempt %d", job.JobName, job.AttemptNumber)
	body := fmt.Sprintf("Job: %s\nArgs: %s\nAttempt number: %d\n\nLast error:\n\n%s",
		job.JobName, job.ArgIdentifier, job.AttemptNumber, last.ResultMessage)
	if err := s.notifier.MailAdmins(ctx, subject, body); err != nil {
		log.Errorf("Failed to send repeated-failure notice for %s: %v", job, err)
	}
}

// ScheduleJob gets or creates the job and sets when it may start. A new
// job starts after the delay, but no sooner than the failure cooldown if it
// is chronically failing. An existing pending job only ever moves earlier.
func (s *Scheduler) ScheduleJob(ctx context.Context, name string, args []any, opts ...ScheduleOption) (*models.Job, bool, error) {
	o := buildScheduleOptions(opts)
	delay := s.jitter()
	if o.delay != nil {
		delay = *o.delay
	}

	job, created, err := s.GetOrCreateJob(ctx, name, args, opts...)
	if err != nil {
		return nil, false, err
	}

	now := s.Now()
	startAt := now.Add(delay)
	chronic := job.AttemptNumber > s.cfg.ManyFailures

	if created {
		if chronic {
			if earliest := now.Add(s.cfg.FailureCooldown); startAt.Before(earliest) {
				startAt = earliest
			}
		}
		return job, true, s.setScheduledStart(ctx, job, startAt)
	}

	if job.Status == models.JobStatusPending && !chronic {
		if job.ScheduledStartDate == nil || startAt.Before(*job.ScheduledStartDate) {
			return job, false, s.setScheduledStart(ctx, job, startAt)
		}
	}
	return job, false, nil
}

// setScheduledStart writes the start date unless a worker claimed the job
// since it was read, in which case job is refreshed instead.
func (s *Scheduler) setScheduledStart(ctx context.Context, job *models.Job, at time.Time) error {
	updated, err := s.store.SetScheduledStart(ctx, job.ID, at)
	if err != nil {
		return err
	}
	if updated {
		job.ScheduledStartDate = &at
		return nil
	}
	fresh, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	log.Debugf("%s left pending before its start date could be set", fresh)
	*job = *fresh
	return nil
}

// ScheduleJobOnCommit runs ScheduleJob once the transaction carried by ctx
// commits, or right away outside a transaction.
func (s *Scheduler) ScheduleJobOnCommit(ctx context.Context, name string, args []any, opts ...ScheduleOption) {
	store.OnCommit(ctx, func(ctx context.Context) {
		if _, _, err := s.ScheduleJob(ctx, name, args, opts...); err != nil {
			log.Errorf("Failed to schedule %s %v after commit: %v", name, args, err)
		}
	})
}

// StartJob hands the job to the task queue. The queued run claims it.
func (s *Scheduler) StartJob(ctx context.Context, job *models.Job) error {
	def, err := s.registry.Lookup(job.JobName)
	if err != nil {
		return err
	}
	args, err := IdentifierToArgs(job.ArgIdentifier)
	if err != nil {
		return err
	}
	if s.enqueuer == nil {
		return fmt.Errorf("start %s: no task queue configured", job)
	}
	return s.enqueuer.EnqueueJob(ctx, EnqueueRequest{
		JobID:   job.ID,
		JobName: def.Name,
		Queue:   def.Queue,
		Args:    args,
	})
}

// Finish is one job outcome for FinishJobs.
type Finish struct {
	Job     *models.Job
	Success bool
	Message string
}

func (s *Scheduler) applyFinish(f Finish) {
	f.Job.Status = models.JobStatusFailure
	if f.Success {
		f.Job.Status = models.JobStatusSuccess
		if s.persist[f.Job.JobName] {
			f.Job.Persist = true
		}
	}
	f.Job.ResultMessage = f.Message
}

// FinishJob records the outcome and, for periodic jobs, schedules the next run.
func (s *Scheduler) FinishJob(ctx context.Context, job *models.Job, success bool, message string) error {
	s.applyFinish(Finish{Job: job, Success: success, Message: message})
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	s.scheduleNextRun(ctx, job)
	return nil
}

// FinishJobs is FinishJob for a batch, saved together.
func (s *Scheduler) FinishJobs(ctx context.Context, finishes []Finish) error {
	jobs := make([]*models.Job, 0, len(finishes))
	for _, f := range finishes {
		s.applyFinish(f)
		jobs = append(jobs, f.Job)
	}
	if err := s.store.UpdateJobs(ctx, jobs); err != nil {
		return err
	}
	for _, job := range jobs {
		s.scheduleNextRun(ctx, job)
	}
	return nil
}

func (s *Scheduler) scheduleNextRun(ctx context.Context, job *models.Job) {
	if !s.cfg.EnablePeriodicJobs {
		return
	}
	interval, offset, ok := s.registry.Schedule(job.JobName)
	if !ok {
		return
	}
	args, err := IdentifierToArgs(job.ArgIdentifier)
	if err != nil {
		log.Errorf("Cannot reschedule %s: %v", job, err)
		return
	}
	opts := []ScheduleOption{WithDelay(NextRunDelay(interval, offset, s.Now()))}
	if job.SourceID != nil {
		opts = append(opts, WithSource(*job.SourceID))
	}
	if _, _, err := s.ScheduleJob(ctx, job.JobName, args, opts...); err != nil {
		log.Errorf("Failed to reschedule periodic job %s: %v", job.JobName, err)
	}
}

// SchedulePeriodicJobs makes sure every periodic job has an upcoming run.
// Existing runs are kept, so calling it repeatedly is harmless.
func (s *Scheduler) SchedulePeriodicJobs(ctx context.Context) (int, error) {
	if !s.cfg.EnablePeriodicJobs {
		return 0, nil
	}
	created := 0
	for _, def := range s.registry.Definitions() {
		if !def.IsPeriodic() {
			continue
		}
		_, isNew, err := s.ScheduleJob(ctx, def.Name, nil, WithDelay(NextRunDelay(def.Interval, def.Offset, s.Now())))
		if err != nil {
			return created, fmt.Errorf("schedule periodic job %s: %w", def.Name, err)
		}
		if isNew {
			created++
		}
	}
	return created, nil
}

// NextRunDelay returns how long until the next Offset-aligned multiple of
// interval at or after now. Offset is measured from the Unix epoch, so a
// 24h interval with a 4h offset runs daily at 04:00 UTC.
func NextRunDelay(interval, offset time.Duration, now time.Time) time.Duration {
	if interval <= 0 {
		return 0
	}
	elapsed := now.UnixNano() - int64(offset)
	periods := elapsed / int64(interval)
	if elapsed > 0 && elapsed%int64(interval) != 0 {
		periods++
	}
	next := int64(offset) + periods*int64(interval)
	return time.Duration(max(next-now.UnixNano(), 0))
}
