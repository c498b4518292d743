package models

import "fmt"

// JobStatus is the lifecycle state of a Job row.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusSuccess    JobStatus = "success"
	JobStatusFailure    JobStatus = "failure"
)

// IncompleteJobStatuses are the statuses under which a job identity is reserved.
var IncompleteJobStatuses = []JobStatus{JobStatusPending, JobStatusInProgress}

// IsIncomplete reports whether the job can still run or is running.
func (s JobStatus) IsIncomplete() bool {
	return s == JobStatusPending || s == JobStatusInProgress
}

// IsComplete reports whether the job reached a terminal state.
func (s JobStatus) IsComplete() bool {
	return s == JobStatusSuccess || s == JobStatusFailure
}

func (s JobStatus) Valid() bool {
	return s.IsIncomplete() || s.IsComplete()
}

// ParseJobStatus accepts the stored string form of a status.
func ParseJobStatus(v string) (JobStatus, error) {
	s := JobStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown job status %q", ErrValidation, v)
	}
	return s, nil
}

// Classifier status constants
const (
	ClassifierStatusTraining         = "training"
	ClassifierStatusAccepted         = "accepted"
	ClassifierStatusRejectedAccuracy = "rejected_accuracy"
	ClassifierStatusTrainError       = "train_error"
)
