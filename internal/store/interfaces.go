package store

import (
	"context"
	"time"

	"coralnet/internal/models"
)

// --- Job Store ---

// JobCreateParams holds the fields of a job row created by GetOrCreateIncompleteJob.
type JobCreateParams struct {
	JobName       string
	ArgIdentifier string
	SourceID      *int64
	UserID        *int64
	Now           time.Time
}

// JobFilter narrows ListJobs. Zero values mean no filter.
type JobFilter struct {
	Status   models.JobStatus
	JobName  string
	SourceID *int64
	Limit    int
	Offset   int
}

// JobStore persists Job rows. Incomplete rows are unique per
// (job_name, arg_identifier), enforced by the database.
type JobStore interface {
	// GetOrCreateIncompleteJob returns the incomplete job for the identity,
	// creating a pending one if none exists. created reports which happened.
	GetOrCreateIncompleteJob(ctx context.Context, params JobCreateParams) (job *models.Job, created bool, err error)
	// LatestCompletedJob returns the completed job with the highest id.
	LatestCompletedJob(ctx context.Context) (*models.Job, error)
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	GetJobsByIDs(ctx context.Context, ids []int64) (map[int64]*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	UpdateJobs(ctx context.Context, jobs []*models.Job) error
	// SetScheduledStart moves a job's scheduled start, only while the job
	// is still pending. updated is false when it no longer is.
	SetScheduledStart(ctx context.Context, id int64, at time.Time) (updated bool, err error)
	// ClaimPendingJob atomically moves the pending job with this identity
	// to in_progress. Returns ErrNotFound when there is none.
	ClaimPendingJob(ctx context.Context, jobName, argIdentifier string, now time.Time) (*models.Job, error)
	// ListDueJobs returns pending jobs whose scheduled start is at or before now.
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	CountIncompleteJobs(ctx context.Context, sourceID int64, jobNames []string) (int, error)
	// DeleteCompletedJobs removes completed, non-persisted jobs last modified before cutoff.
	DeleteCompletedJobs(ctx context.Context, before time.Time) (int64, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
}

// --- Source / Image Store ---

type SourceStore interface {
	CreateSource(ctx context.Context, source *models.Source) error
	GetSource(ctx context.Context, id int64) (*models.Source, error)
	SetDeployedClassifier(ctx context.Context, sourceID, classifierID int64) error
}

type ImageStore interface {
	// CreateImage inserts the image, its points and an unextracted features row.
	CreateImage(ctx context.Context, image *models.Image, rowcols []models.RowCol) error
	GetImage(ctx context.Context, id int64) (*models.Image, error)
	GetImagesByIDs(ctx context.Context, ids []int64) (map[int64]*models.Image, error)
	ListPointRowCols(ctx context.Context, imageID int64) ([]models.RowCol, error)
	// ListImageIDsByFeatureState lists a source's images whose features are
	// (or are not) extracted.
	ListImageIDsByFeatureState(ctx context.Context, sourceID int64, extracted bool) ([]int64, error)
}

type FeaturesStore interface {
	GetFeaturesByImageIDs(ctx context.Context, imageIDs []int64) (map[int64]*models.Features, error)
	UpdateFeatures(ctx context.Context, features []*models.Features) error
	// ResetFeaturesForSource marks every image of the source as needing extraction.
	ResetFeaturesForSource(ctx context.Context, sourceID int64) error
}

// --- Classifier Store ---

type ClassifierStore interface {
	CreateClassifier(ctx context.Context, classifier *models.Classifier) error
	GetClassifier(ctx context.Context, id int64) (*models.Classifier, error)
	UpdateClassifier(ctx context.Context, classifier *models.Classifier) error
	// ListAcceptedClassifiers returns a source's accepted classifiers, oldest first.
	ListAcceptedClassifiers(ctx context.Context, sourceID int64) ([]*models.Classifier, error)
	// DeleteClassifiersForSource removes all of a source's classifiers and
	// clears its deployed classifier.
	DeleteClassifiersForSource(ctx context.Context, sourceID int64) (int64, error)
	SetClassifierLabels(ctx context.Context, classifierID int64, labels []models.LabelInfo) error
	// GetClassifierLabels returns the labelset keyed by label id.
	// Returns ErrNotFound when the classifier does not exist.
	GetClassifierLabels(ctx context.Context, classifierID int64) (map[int64]models.LabelInfo, error)
}

// --- API Job Store ---

type ApiJobStore interface {
	CreateApiJob(ctx context.Context, job *models.ApiJob) error
	GetApiJob(ctx context.Context, id int64) (*models.ApiJob, error)
	CreateApiJobUnit(ctx context.Context, unit *models.ApiJobUnit) error
	GetApiJobUnit(ctx context.Context, id int64) (*models.ApiJobUnit, error)
	SetUnitInternalJob(ctx context.Context, unitID, jobID int64) error
	// GetUnitsByInternalJobIDs returns units keyed by internal job id.
	GetUnitsByInternalJobIDs(ctx context.Context, jobIDs []int64) (map[int64]*models.ApiJobUnit, error)
	UpdateUnitResults(ctx context.Context, units []*models.ApiJobUnit) error
	// FinishApiJobs sets finish_date on the parents of the given units that
	// have no pending or in-progress units left and are not finished yet.
	// A unit with neither a job nor a result counts as pending.
	FinishApiJobs(ctx context.Context, unitIDs []int64, now time.Time) (int64, error)
}

// --- Error Log Store ---

type ErrorLogStore interface {
	CreateErrorLog(ctx context.Context, entry *models.ErrorLog) error
	ListErrorLogs(ctx context.Context, limit int) ([]*models.ErrorLog, error)
}

// Transactor runs fn inside one database transaction. Store calls made
// with the ctx passed to fn join that transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
