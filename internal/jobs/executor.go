package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"coralnet/internal/models"
	"coralnet/internal/store"
)

// Incident describes an unexpected task failure for operators.
type Incident struct {
	JobName string
	Kind    string
	Message string
	Stack   string
}

// IncidentReporter records unexpected failures.
type IncidentReporter interface {
	ReportJobError(ctx context.Context, incident Incident) error
}

// Executor runs task functions under their job policy. It is what the
// task queue calls for every registered job name.
type Executor struct {
	registry *Registry
	store    store.JobStore
	sched    *Scheduler
	reporter IncidentReporter
}

func NewExecutor(sched *Scheduler, js store.JobStore, reporter IncidentReporter) *Executor {
	return &Executor{
		registry: sched.Registry(),
		store:    js,
		sched:    sched,
		reporter: reporter,
	}
}

// Execute runs the named job with args. Task failures are recorded on the
// Job and never returned; a returned error means the job bookkeeping
// itself failed and the queue may retry.
func (e *Executor) Execute(ctx context.Context, name string, args []any) error {
	def, err := e.registry.Lookup(name)
	if err != nil {
		return err
	}
	taskID := uuid.NewString()
	started := e.sched.Now()
	log.Debugf("Job [%s] %v started (task %s)", name, args, taskID)

	err = e.RunWithPolicy(ctx, def, args, taskID)

	log.Debugf("Job [%s] %v ended (task %s) after %.3fs", name, args, taskID, e.sched.Now().Sub(started).Seconds())
	return err
}

// RunWithPolicy applies def.Policy around def.Task.
func (e *Executor) RunWithPolicy(ctx context.Context, def Definition, args []any, taskID string) error {
	job, err := e.acquire(ctx, def, args)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	message, taskErr := e.invoke(ctx, def, job, args, taskID)
	if taskErr != nil {
		return e.sched.FinishJob(ctx, job, false, e.failureMessage(ctx, def, taskErr))
	}
	if def.Policy == PolicyStarter {
		return nil
	}
	return e.sched.FinishJob(ctx, job, true, message)
}

// acquire returns the job this run owns, or nil when there is nothing to do.
func (e *Executor) acquire(ctx context.Context, def Definition, args []any) (*models.Job, error) {
	switch def.Policy {
	case PolicyFull:
		job, created, err := e.sched.GetOrCreateJob(ctx, def.Name, args)
		if err != nil {
			return nil, err
		}
		if !created {
			log.Debugf("Job [%s] is already pending or in progress, skipping", def.Name)
			return nil, nil
		}
		now := e.sched.Now()
		job.Status = models.JobStatusInProgress
		job.StartDate = &now
		if err := e.store.UpdateJob(ctx, job); err != nil {
			return nil, err
		}
		return job, nil

	case PolicyRunner, PolicyStarter:
		argID, err := ArgsToIdentifier(args)
		if err != nil {
			return nil, err
		}
		job, err := e.store.ClaimPendingJob(ctx, def.Name, argID, e.sched.Now())
		if errors.Is(err, store.ErrNotFound) {
			log.Debugf("Job [%s] [%s] not found or not pending, skipping", def.Name, argID)
			return nil, nil
		}
		return job, err
	}
	return nil, fmt.Errorf("job %s: unknown policy %s", def.Name, def.Policy)
}

func (e *Executor) invoke(ctx context.Context, def Definition, job *models.Job, args []any, taskID string) (msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return def.Task(ctx, Run{JobID: job.ID, TaskID: taskID}, args)
}

// failureMessage turns a task error into the Job's result message,
// reporting it first when it was unexpected.
func (e *Executor) failureMessage(ctx context.Context, def Definition, err error) string {
	if IsJobError(err) {
		return err.Error()
	}

	kind := ErrorKind(err)
	stack := string(debug.Stack())
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		stack = string(panicErr.Stack)
	}
	log.Errorf("Job [%s] failed unexpectedly: %s: %v", def.Name, kind, err)
	if e.reporter != nil {
		incident := Incident{JobName: def.Name, Kind: kind, Message: err.Error(), Stack: stack}
		if rerr := e.reporter.ReportJobError(ctx, incident); rerr != nil {
			log.Errorf("Failed to report error of job [%s]: %v", def.Name, rerr)
		}
	}
	return fmt.Sprintf("%s: %s", kind, err.Error())
}
