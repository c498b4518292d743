package tasks

import "strings"

// Job names. Each is also an asynq task type via TypeFor.
const (
	ExtractFeatures           = "extract_features"
	TrainClassifier           = "train_classifier"
	ClassifyImage             = "classify_image"
	CheckSource               = "check_source"
	CollectSpacerJobs         = "collect_spacer_jobs"
	ResetClassifiersForSource = "reset_classifiers_for_source"
	ResetBackendForSource     = "reset_backend_for_source"
)

// Queue names.
const (
	QueueDefault = "default"
	// QueueSpacer carries jobs that submit work to the spacer executor.
	QueueSpacer = "spacer"
	// QueuePeriodic carries cron-triggered housekeeping.
	QueuePeriodic = "periodic"
)

const typePrefix = "job:"

// TypeFor is the asynq task type of a job name.
func TypeFor(jobName string) string {
	return typePrefix + jobName
}

// JobNameFromType reverses TypeFor.
func JobNameFromType(taskType string) (string, bool) {
	if !strings.HasPrefix(taskType, typePrefix) {
		return "", false
	}
	return strings.TrimPrefix(taskType, typePrefix), true
}
