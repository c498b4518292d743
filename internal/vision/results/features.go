package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coralnet/internal/jobs"
	"coralnet/internal/models"
	"coralnet/internal/spacer"
	"coralnet/internal/store"
	"coralnet/internal/tasks"
)

// FeaturesHandler records finished feature extractions.
type FeaturesHandler struct {
	d        *Deps
	jobsByID map[int64]*models.Job
	images   map[int64]*models.Image
	features map[int64]*models.Features
	sources  map[int64]*models.Source
	updated  []*models.Features
	now      time.Time
}

func NewFeaturesHandler(d *Deps) Handler {
	return &FeaturesHandler{d: d, sources: make(map[int64]*models.Source)}
}

func (h *FeaturesHandler) JobName() string { return tasks.ExtractFeatures }

func (h *FeaturesHandler) NonPriorityErrors() []string {
	// A points/features race; the next attempt usually recovers.
	return []string{spacer.RowColumnMismatchError}
}

func (h *FeaturesHandler) Prepare(ctx context.Context, jobsByID map[int64]*models.Job) error {
	h.jobsByID = jobsByID
	imageIDs := make([]int64, 0, len(jobsByID))
	for _, job := range jobsByID {
		id, err := jobIntArg(job)
		if err != nil {
			return fmt.Errorf("job %s: %w", job, err)
		}
		imageIDs = append(imageIDs, id)
	}
	var err error
	if h.images, err = h.d.Images.GetImagesByIDs(ctx, imageIDs); err != nil {
		return err
	}
	if h.features, err = h.d.Features.GetFeaturesByImageIDs(ctx, imageIDs); err != nil {
		return err
	}
	h.now = h.d.Scheduler.Now()
	return nil
}

func (h *FeaturesHandler) HandleTaskResult(ctx context.Context, r TaskResult) (string, error) {
	imageID, err := jobIntArg(r.Job)
	if err != nil {
		return "", err
	}
	image, ok := h.images[imageID]
	if !ok {
		return "", jobs.Errorf("Image %d doesn't exist anymore.", imageID)
	}
	features, ok := h.features[imageID]
	if !ok {
		return "", fmt.Errorf("image %d has no features row", imageID)
	}
	if r.Remote != nil {
		return "", jobs.NewError(r.Remote.Line())
	}

	task := r.Task.Extract
	if task == nil {
		return "", fmt.Errorf("job %s: task has no extract payload", r.Job)
	}
	res, err := r.Result()
	if err != nil {
		return "", err
	}
	if res.Extract == nil {
		return "", fmt.Errorf("job %s: result has no extract payload", r.Job)
	}

	current, err := h.d.Images.ListPointRowCols(ctx, imageID)
	if err != nil {
		return "", err
	}
	if !sameRowCols(current, task.Rowcols) {
		return "", jobs.Errorf("Row-col data for %s has changed since this task was submitted.", image)
	}

	source, err := h.source(ctx, image.SourceID)
	if err != nil {
		return "", err
	}
	if task.Extractor != source.FeatureExtractor {
		return "", jobs.NewError("Feature extractor selection has changed since this task was submitted.")
	}

	runtime := res.Extract.Runtime
	now := h.now
	features.Extracted = true
	features.Extractor = task.Extractor
	features.RuntimeTotal = &runtime
	features.ExtractorLoaded = res.Extract.ExtractorLoadedRemotely
	features.ExtractedDate = &now
	features.HasRowcols = true
	h.updated = append(h.updated, features)
	return "", nil
}

func (h *FeaturesHandler) source(ctx context.Context, id int64) (*models.Source, error) {
	if s, ok := h.sources[id]; ok {
		return s, nil
	}
	s, err := h.d.Sources.GetSource(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, jobs.Errorf("Source %d doesn't exist anymore.", id)
	}
	if err != nil {
		return nil, err
	}
	h.sources[id] = s
	return s, nil
}

func (h *FeaturesHandler) Finalize(ctx context.Context) error {
	if err := h.d.Features.UpdateFeatures(ctx, h.updated); err != nil {
		return err
	}
	return advanceSources(ctx, h.d, h.jobsByID)
}

// sameRowCols compares two point sets, ignoring order.
func sameRowCols(a, b []models.RowCol) bool {
	set := make(map[models.RowCol]bool, len(a))
	for _, rc := range a {
		set[rc] = true
	}
	other := make(map[models.RowCol]bool, len(b))
	for _, rc := range b {
		if !set[rc] {
			return false
		}
		other[rc] = true
	}
	return len(set) == len(other)
}
