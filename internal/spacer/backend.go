package spacer

import (
	"context"
	"fmt"
	"strings"
)

// Backend submits jobs to the executor and collects what came back.
type Backend interface {
	Submit(ctx context.Context, job JobMsg) error
	// Collect returns up to max finished jobs, removing them from the backend.
	Collect(ctx context.Context, max int) ([]JobReturnMsg, error)
}

// SubmitTask wraps a single task in a JobMsg named after the job.
func SubmitTask(ctx context.Context, b Backend, jobName string, task TaskMsg) error {
	if err := b.Submit(ctx, JobMsg{TaskName: jobName, Tasks: []TaskMsg{task}}); err != nil {
		return fmt.Errorf("submit %s job %s: %w", jobName, task.JobToken, err)
	}
	return nil
}

// Keys builds the storage keys the executor reads and writes.
type Keys struct {
	ModelPattern string
}

// ImageKey locates an original image.
func (Keys) ImageKey(imageID int64) string {
	return fmt.Sprintf("images/%d.jpg", imageID)
}

// FeatureKey locates an image's extracted features.
func (Keys) FeatureKey(imageID int64) string {
	return fmt.Sprintf("images/%d.featurevector", imageID)
}

// ModelKey locates a classifier's model file.
func (k Keys) ModelKey(classifierID int64) string {
	return strings.ReplaceAll(k.ModelPattern, "{pk}", fmt.Sprint(classifierID))
}

// ValidResultKey locates a classifier's validation results.
func (k Keys) ValidResultKey(classifierID int64) string {
	return strings.TrimSuffix(k.ModelKey(classifierID), ".model") + ".valresult"
}
