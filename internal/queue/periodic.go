package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"coralnet/internal/jobs"
	"coralnet/internal/tasks"
)

// Registrar is the part of *asynq.Scheduler used to add cron entries.
type Registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// NewScheduler builds the asynq cron scheduler. Skipped duplicate runs are
// logged at debug level.
func NewScheduler(opt asynq.RedisConnOpt) *asynq.Scheduler {
	return asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   log.StandardLogger(),
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			switch {
			case errors.Is(err, asynq.ErrDuplicateTask):
				log.Debugf("Previous periodic run still queued, skipping this one")
			case err != nil:
				log.Errorf("Periodic enqueue failed: %v", err)
			default:
				log.Debugf("Periodic task %s enqueued on %s", info.Type, info.Queue)
			}
		},
	})
}

// CronSpec converts a whole-minute interval to a cron expression aligned to
// the clock.
func CronSpec(every time.Duration) string {
	minutes := int(every / time.Minute)
	switch {
	case minutes <= 1:
		return "* * * * *"
	case minutes < 60:
		return fmt.Sprintf("*/%d * * * *", minutes)
	case minutes%60 == 0 && minutes/60 < 24:
		return fmt.Sprintf("0 */%d * * *", minutes/60)
	default:
		return fmt.Sprintf("@every %s", every)
	}
}

// RegisterPeriodicTasks adds a cron entry for every job with CronEvery set.
// A run that is still queued when the next one comes due makes the new one
// a duplicate, so an outage never builds a backlog of stale runs.
func RegisterPeriodicTasks(r Registrar, reg *jobs.Registry) ([]string, error) {
	var entries []string
	for _, def := range reg.Definitions() {
		if def.CronEvery <= 0 {
			continue
		}
		data, err := EncodePayload(nil)
		if err != nil {
			return entries, err
		}
		queue := def.Queue
		if queue == "" {
			queue = tasks.QueuePeriodic
		}
		spec := CronSpec(def.CronEvery)
		id, err := r.Register(spec, asynq.NewTask(tasks.TypeFor(def.Name), data),
			asynq.Queue(queue),
			asynq.MaxRetry(0),
			asynq.Unique(2*def.CronEvery),
		)
		if err != nil {
			return entries, fmt.Errorf("register periodic job %s: %w", def.Name, err)
		}
		log.Infof("Periodic job %s registered (%s) as entry %s", def.Name, spec, id)
		entries = append(entries, id)
	}
	return entries, nil
}
