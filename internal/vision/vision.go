// Package vision defines the classifier pipeline jobs: feature extraction,
// training and classification on the spacer executor, plus the source
// checks and resets around them.
package vision

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"coralnet/internal/jobs"
	"coralnet/internal/models"
	"coralnet/internal/spacer"
	"coralnet/internal/store"
	"coralnet/internal/tasks"
	"coralnet/internal/vision/results"
)

// CoreJobNames are the jobs a source waits on before its next check.
var CoreJobNames = []string{
	tasks.ExtractFeatures,
	tasks.TrainClassifier,
	tasks.ResetClassifiersForSource,
	tasks.ResetBackendForSource,
}

// Config tunes the pipeline.
type Config struct {
	// CollectEvery is how often spacer results are collected.
	CollectEvery time.Duration
	// CollectBatchSize caps the results handled per collection.
	CollectBatchSize int
	// MinImagesForTraining is the number of extracted images the first
	// classifier needs.
	MinImagesForTraining int
	// RetrainThreshold is the growth factor of the training set, relative
	// to the last accepted classifier, that triggers retraining.
	RetrainThreshold float64
	// Extractor used for deploy requests whose source is unknown.
	DefaultExtractor string
	Results          results.Config
}

func DefaultConfig() Config {
	return Config{
		CollectEvery:         time.Minute,
		CollectBatchSize:     100,
		MinImagesForTraining: 20,
		RetrainThreshold:     1.1,
		DefaultExtractor:     "efficientnet_b0_ver1",
		Results:              results.DefaultConfig(),
	}
}

// Deps are the collaborators of the pipeline jobs.
type Deps struct {
	// Tx groups scheduling with the unit link. Optional.
	Tx          store.Transactor
	Scheduler   *jobs.Scheduler
	Jobs        store.JobStore
	Sources     store.SourceStore
	Images      store.ImageStore
	Features    store.FeaturesStore
	Classifiers store.ClassifierStore
	ApiJobs     store.ApiJobStore
	Backend     spacer.Backend
	Reporter    results.Reporter
	Config      Config
}

// Pipeline holds the job implementations.
type Pipeline struct {
	d          Deps
	keys       spacer.Keys
	dispatcher *results.Dispatcher
}

func NewPipeline(d Deps) *Pipeline {
	p := &Pipeline{d: d, keys: spacer.Keys{ModelPattern: d.Config.Results.ModelFilePattern}}
	p.dispatcher = results.NewDispatcher(&results.Deps{
		Scheduler:   d.Scheduler,
		Jobs:        d.Jobs,
		Sources:     d.Sources,
		Images:      d.Images,
		Features:    d.Features,
		Classifiers: d.Classifiers,
		ApiJobs:     d.ApiJobs,
		Reporter:    d.Reporter,
		Advancer:    p,
		Config:      d.Config.Results,
	})
	return p
}

// Dispatcher handles collected spacer results.
func (p *Pipeline) Dispatcher() *results.Dispatcher {
	return p.dispatcher
}

// RegisterJobs adds the pipeline jobs to reg.
func (p *Pipeline) RegisterJobs(reg *jobs.Registry) error {
	defs := []jobs.Definition{
		{Name: tasks.ExtractFeatures, Policy: jobs.PolicyStarter, Queue: tasks.QueueSpacer, Task: p.extractFeatures},
		{Name: tasks.TrainClassifier, Policy: jobs.PolicyStarter, Queue: tasks.QueueSpacer, Task: p.trainClassifier},
		{Name: tasks.ClassifyImage, Policy: jobs.PolicyStarter, Queue: tasks.QueueSpacer, Task: p.classifyImage},
		{Name: tasks.CheckSource, Policy: jobs.PolicyRunner, Task: p.checkSource},
		{Name: tasks.ResetClassifiersForSource, Policy: jobs.PolicyRunner, Task: p.resetClassifiers},
		{Name: tasks.ResetBackendForSource, Policy: jobs.PolicyRunner, Task: p.resetBackend},
		{Name: tasks.CollectSpacerJobs, Policy: jobs.PolicyFull, CronEvery: p.d.Config.CollectEvery, Task: p.collectSpacerJobs},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// AdvanceSource schedules a check of the source once none of its core
// jobs are pending or running.
func (p *Pipeline) AdvanceSource(ctx context.Context, sourceID int64) error {
	n, err := p.d.Jobs.CountIncompleteJobs(ctx, sourceID, CoreJobNames)
	if err != nil {
		return fmt.Errorf("count core jobs of source %d: %w", sourceID, err)
	}
	if n > 0 {
		log.Debugf("Source %d still has %d core job(s) in flight", sourceID, n)
		return nil
	}
	_, _, err = p.d.Scheduler.ScheduleJob(ctx, tasks.CheckSource, []any{sourceID}, jobs.WithSource(sourceID))
	return err
}

// ScheduleSourceCheckOnCommit schedules a check of the source after the
// current transaction commits.
func (p *Pipeline) ScheduleSourceCheckOnCommit(ctx context.Context, sourceID int64) {
	p.d.Scheduler.ScheduleJobOnCommit(ctx, tasks.CheckSource, []any{sourceID}, jobs.WithSource(sourceID))
}

// ScheduleClassifyUnit schedules classification of an API job unit and
// links the unit to the job in the same transaction, so the API job can't
// be seen as finished while the unit waits for its job to start.
func (p *Pipeline) ScheduleClassifyUnit(ctx context.Context, unitID int64, opts ...jobs.ScheduleOption) (*models.Job, bool, error) {
	var (
		job     *models.Job
		created bool
	)
	schedule := func(ctx context.Context) error {
		var err error
		job, created, err = p.d.Scheduler.ScheduleJob(ctx, tasks.ClassifyImage, []any{unitID}, opts...)
		if err != nil {
			return err
		}
		return p.d.ApiJobs.SetUnitInternalJob(ctx, unitID, job.ID)
	}
	run := schedule
	if p.d.Tx != nil {
		run = func(ctx context.Context) error { return p.d.Tx.InTx(ctx, schedule) }
	}
	if err := run(ctx); err != nil {
		return nil, false, err
	}
	return job, created, nil
}
