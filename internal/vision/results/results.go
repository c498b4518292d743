// Package results reconciles batches of spacer return messages with the
// Jobs that submitted them.
package results

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"

	log "github.com/sirupsen/logrus"

	"coralnet/internal/incident"
	"coralnet/internal/jobs"
	"coralnet/internal/models"
	"coralnet/internal/spacer"
	"coralnet/internal/store"
)

// Reporter receives incidents raised while handling results.
type Reporter interface {
	jobs.IncidentReporter
	ReportSpacerError(ctx context.Context, f incident.SpacerFailure) error
}

// SourceAdvancer moves a source's pipeline on once its core jobs are done.
type SourceAdvancer interface {
	AdvanceSource(ctx context.Context, sourceID int64) error
}

// Config tunes result handling.
type Config struct {
	// ImprovementThreshold is the factor a new classifier's accuracy must
	// beat the best previous accuracy by.
	ImprovementThreshold float64
	// ScoresPerAnnotation caps the classifications returned per point.
	ScoresPerAnnotation int
	// ModelFilePattern locates classifier models, with {pk} for the id.
	ModelFilePattern string
}

func DefaultConfig() Config {
	return Config{
		ImprovementThreshold: 1.01,
		ScoresPerAnnotation:  5,
		ModelFilePattern:     "classifiers/{pk}.model",
	}
}

// Deps are the collaborators shared by all handlers.
type Deps struct {
	Scheduler   *jobs.Scheduler
	Jobs        store.JobStore
	Sources     store.SourceStore
	Images      store.ImageStore
	Features    store.FeaturesStore
	Classifiers store.ClassifierStore
	ApiJobs     store.ApiJobStore
	Reporter    Reporter
	Advancer    SourceAdvancer
	Config      Config
}

// RemoteFailure is a triaged remote error.
type RemoteFailure struct {
	Class   string
	Message string
}

// Line is the one-line summary recorded on the Job.
func (f *RemoteFailure) Line() string {
	if f.Message == "" {
		return f.Class
	}
	return f.Class + ": " + f.Message
}

// TaskResult is one remote task outcome matched to its Job.
type TaskResult struct {
	Task   spacer.TaskMsg
	Return spacer.JobReturnMsg
	Job    *models.Job
	// Remote is set when the remote job failed.
	Remote *RemoteFailure
}

// Result is the task payload. It is only called when Remote is nil.
func (r TaskResult) Result() (spacer.TaskResult, error) {
	res, ok := r.Return.Result()
	if !ok {
		return spacer.TaskResult{}, fmt.Errorf("%s job %s returned ok without results", r.Return.TaskName(), r.Task.JobToken)
	}
	return res, nil
}

// Handler applies the results of one spacer task kind. A Handler serves a
// single batch.
type Handler interface {
	JobName() string
	// NonPriorityErrors lists remote error classes that need no incident.
	NonPriorityErrors() []string
	// Prepare loads whatever the batch needs, given the batch's jobs.
	Prepare(ctx context.Context, jobsByID map[int64]*models.Job) error
	// HandleTaskResult applies one result and returns the Job's result
	// message. A *jobs.Error fails the Job.
	HandleTaskResult(ctx context.Context, r TaskResult) (string, error)
	// Finalize runs after every Job of the batch is finished.
	Finalize(ctx context.Context) error
}

// TriageError classifies a failed remote job. Classes outside the
// handler's non-priority list are reported to operators.
func TriageError(ctx context.Context, reporter Reporter, h Handler, res spacer.JobReturnMsg) *RemoteFailure {
	class, message := res.ErrorClass()
	failure := &RemoteFailure{Class: class, Message: message}
	if slices.Contains(h.NonPriorityErrors(), class) {
		log.Infof("Spacer %s job failed with non-priority error %s", h.JobName(), failure.Line())
		return failure
	}
	log.Errorf("Spacer %s job failed: %s", h.JobName(), failure.Line())
	if reporter != nil {
		err := reporter.ReportSpacerError(ctx, incident.SpacerFailure{
			JobName:   h.JobName(),
			Class:     class,
			Info:      message,
			Traceback: res.ErrorMessage,
			Repr:      res.Repr(),
		})
		if err != nil {
			log.Errorf("Failed to report spacer %s error %s: %v", h.JobName(), class, err)
		}
	}
	return failure
}

// handleJobResults runs one batch of same-kind results through h.
func handleJobResults(ctx context.Context, d *Deps, h Handler, batch []spacer.JobReturnMsg) error {
	taskResults := make([]TaskResult, 0, len(batch))
	ids := make([]int64, 0, len(batch))
	for _, res := range batch {
		var remote *RemoteFailure
		if !res.OK {
			remote = TriageError(ctx, d.Reporter, h, res)
		}
		task, err := res.Task()
		if err != nil {
			log.Errorf("Skipping spacer result: %v", err)
			continue
		}
		jobID, err := task.JobID()
		if err != nil {
			log.Errorf("Skipping spacer result: %v", err)
			continue
		}
		taskResults = append(taskResults, TaskResult{Task: task, Return: res, Remote: remote})
		ids = append(ids, jobID)
	}

	jobsByID, err := d.Jobs.GetJobsByIDs(ctx, ids)
	if err != nil {
		err = fmt.Errorf("load %s jobs: %w", h.JobName(), err)
		return errors.Join(err, failBatch(ctx, d, h, taskResults, ids, loadEach(ctx, d, ids), err))
	}
	if err := h.Prepare(ctx, jobsByID); err != nil {
		err = fmt.Errorf("prepare %s results: %w", h.JobName(), err)
		return errors.Join(err, failBatch(ctx, d, h, taskResults, ids, jobsByID, err))
	}

	finishes := make([]jobs.Finish, 0, len(taskResults))
	for i, tr := range taskResults {
		job, ok := jobsByID[ids[i]]
		if !ok {
			log.Debugf("Job %d of a %s result no longer exists", ids[i], h.JobName())
			continue
		}
		tr.Job = job
		message, err := handleOne(ctx, d, h, tr)
		finishes = append(finishes, jobs.Finish{Job: job, Success: err == nil, Message: message})
	}
	if err := d.Scheduler.FinishJobs(ctx, finishes); err != nil {
		return fmt.Errorf("finish %s jobs: %w", h.JobName(), err)
	}
	if err := h.Finalize(ctx); err != nil {
		return fmt.Errorf("finalize %s results: %w", h.JobName(), err)
	}
	log.Infof("Handled %d %s result(s)", len(finishes), h.JobName())
	return nil
}

// loadEach looks jobs up one at a time, skipping the ones that can't be
// read.
func loadEach(ctx context.Context, d *Deps, ids []int64) map[int64]*models.Job {
	out := make(map[int64]*models.Job, len(ids))
	for _, id := range ids {
		job, err := d.Jobs.GetJob(ctx, id)
		if err != nil {
			log.Warnf("Can't load job %d to record its failure: %v", id, err)
			continue
		}
		out[id] = job
	}
	return out
}

// failBatch finishes every job of a batch that couldn't be handled. Jobs
// whose remote run failed keep that error; the rest get cause.
func failBatch(ctx context.Context, d *Deps, h Handler, taskResults []TaskResult, ids []int64, jobsByID map[int64]*models.Job, cause error) error {
	if len(jobsByID) == 0 {
		return nil
	}
	message := unexpected(ctx, d, h, cause)
	finishes := make([]jobs.Finish, 0, len(taskResults))
	for i, tr := range taskResults {
		job, ok := jobsByID[ids[i]]
		if !ok || job.Status.IsComplete() {
			continue
		}
		msg := message
		if tr.Remote != nil {
			msg = tr.Remote.Line()
		}
		finishes = append(finishes, jobs.Finish{Job: job, Message: msg})
	}
	if err := d.Scheduler.FinishJobs(ctx, finishes); err != nil {
		return fmt.Errorf("fail %s jobs: %w", h.JobName(), err)
	}
	log.Warnf("Failed %d %s job(s) after %v", len(finishes), h.JobName(), cause)
	return advanceSources(ctx, d, jobsByID)
}

// handleOne applies a single result, turning errors and panics into the
// Job's failure message. Unexpected errors are also reported.
func handleOne(ctx context.Context, d *Deps, h Handler, tr TaskResult) (message string, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &jobs.PanicError{Value: v, Stack: debug.Stack()}
			message = unexpected(ctx, d, h, err)
		}
	}()

	message, err = h.HandleTaskResult(ctx, tr)
	if err == nil {
		return message, nil
	}
	if jobs.IsJobError(err) {
		return err.Error(), err
	}
	return unexpected(ctx, d, h, err), err
}

func unexpected(ctx context.Context, d *Deps, h Handler, err error) string {
	kind := jobs.ErrorKind(err)
	stack := string(debug.Stack())
	var panicErr *jobs.PanicError
	if errors.As(err, &panicErr) {
		stack = string(panicErr.Stack)
	}
	log.Errorf("Unexpected error handling %s result: %s: %v", h.JobName(), kind, err)
	if d.Reporter != nil {
		reportErr := d.Reporter.ReportJobError(ctx, jobs.Incident{
			JobName: h.JobName(),
			Kind:    kind,
			Message: err.Error(),
			Stack:   stack,
		})
		if reportErr != nil {
			log.Errorf("Failed to report %s result error: %v", h.JobName(), reportErr)
		}
	}
	return fmt.Sprintf("%s: %s", kind, err.Error())
}

// jobIntArg returns the first argument of a job as an id.
func jobIntArg(job *models.Job) (int64, error) {
	args, err := jobs.IdentifierToArgs(job.ArgIdentifier)
	if err != nil {
		return 0, err
	}
	return jobs.Int64Arg(args, 0)
}

// advanceSources asks the advancer to look at each distinct source once.
func advanceSources(ctx context.Context, d *Deps, jobsByID map[int64]*models.Job) error {
	if d.Advancer == nil {
		return nil
	}
	seen := make(map[int64]bool)
	var errs []error
	for _, job := range jobsByID {
		if job.SourceID == nil || seen[*job.SourceID] {
			continue
		}
		seen[*job.SourceID] = true
		if err := d.Advancer.AdvanceSource(ctx, *job.SourceID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
