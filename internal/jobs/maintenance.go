package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"coralnet/internal/store"
)

const (
	RunScheduledJobsName = "run_scheduled_jobs"
	CleanUpOldJobsName   = "clean_up_old_jobs"
)

// MaintenanceConfig tunes the built-in housekeeping jobs.
type MaintenanceConfig struct {
	RunScheduledEvery  time.Duration
	ScheduledBatchSize int
	JobRetention       time.Duration
	CleanupInterval    time.Duration
	CleanupOffset      time.Duration
}

func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		RunScheduledEvery:  3 * time.Minute,
		ScheduledBatchSize: 500,
		JobRetention:       30 * 24 * time.Hour,
		CleanupInterval:    24 * time.Hour,
		CleanupOffset:      4 * time.Hour,
	}
}

// RegisterMaintenanceJobs adds run_scheduled_jobs, which starts due pending
// jobs, and the daily clean_up_old_jobs.
func RegisterMaintenanceJobs(reg *Registry, sched *Scheduler, js store.JobStore, cfg MaintenanceConfig) error {
	m := &maintenance{sched: sched, store: js, cfg: cfg}
	if err := reg.Register(Definition{
		Name:      RunScheduledJobsName,
		Policy:    PolicyFull,
		CronEvery: cfg.RunScheduledEvery,
		Task:      m.runScheduledJobs,
	}); err != nil {
		return err
	}
	return reg.Register(Definition{
		Name:     CleanUpOldJobsName,
		Policy:   PolicyRunner,
		Interval: cfg.CleanupInterval,
		Offset:   cfg.CleanupOffset,
		Task:     m.cleanUpOldJobs,
	})
}

type maintenance struct {
	sched *Scheduler
	store store.JobStore
	cfg   MaintenanceConfig
}

func (m *maintenance) runScheduledJobs(ctx context.Context, _ Run, _ []any) (string, error) {
	if _, err := m.sched.SchedulePeriodicJobs(ctx); err != nil {
		log.Errorf("Failed to schedule periodic jobs: %v", err)
	}

	due, err := m.store.ListDueJobs(ctx, m.sched.Now(), m.cfg.ScheduledBatchSize)
	if err != nil {
		return "", err
	}
	started := 0
	for _, job := range due {
		err := m.sched.StartJob(ctx, job)
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrUnrecognizedJobName):
			if ferr := m.sched.FinishJob(ctx, job, false, fmt.Sprintf("Unrecognized job name: %s", job.JobName)); ferr != nil {
				log.Errorf("Failed to finish unrecognized job %s: %v", job, ferr)
			}
		default:
			log.Errorf("Failed to start %s: %v", job, err)
		}
	}
	if len(due) == 0 {
		return "Nothing to run", nil
	}
	return fmt.Sprintf("Started %d job(s)", started), nil
}

func (m *maintenance) cleanUpOldJobs(ctx context.Context, _ Run, _ []any) (string, error) {
	cutoff := m.sched.Now().Add(-m.cfg.JobRetention)
	n, err := m.store.DeleteCompletedJobs(ctx, cutoff)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "No old jobs to clean up", nil
	}
	return fmt.Sprintf("Cleaned up %d old job(s)", n), nil
}
