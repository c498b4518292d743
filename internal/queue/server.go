package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"coralnet/internal/jobs"
	"coralnet/internal/tasks"
)

// JobExecutor runs a job by name. *jobs.Executor implements it.
type JobExecutor interface {
	Execute(ctx context.Context, name string, args []any) error
}

// NewServeMux routes every registered job name to exec.
func NewServeMux(reg *jobs.Registry, exec JobExecutor) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	for _, def := range reg.Definitions() {
		log.Debugf("Registering handler for %s (%s policy)", tasks.TypeFor(def.Name), def.Policy)
		mux.HandleFunc(tasks.TypeFor(def.Name), HandlerFor(def.Name, exec))
	}
	return mux
}

// HandlerFor adapts one job name to an asynq handler. Undecodable payloads
// are not retried.
func HandlerFor(name string, exec JobExecutor) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		args, err := DecodePayload(t.Payload())
		if err != nil {
			return fmt.Errorf("job %s: %v: %w", name, err, asynq.SkipRetry)
		}
		return exec.Execute(ctx, name, args)
	}
}

// ServerConfig sizes the worker.
type ServerConfig struct {
	Concurrency     int
	Queues          map[string]int
	ShutdownTimeout time.Duration
}

// NewServer builds the asynq worker server.
func NewServer(opt asynq.RedisConnOpt, cfg ServerConfig) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          cfg.Queues,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          log.StandardLogger(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			taskID, _ := asynq.GetTaskID(ctx)
			log.Errorf("Asynq task failed: task_id=%s type=%s payload=%s err=%v",
				taskID, task.Type(), string(task.Payload()), err)
		}),
	})
}
