package results

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"coralnet/internal/jobs"
	"coralnet/internal/models"
	"coralnet/internal/spacer"
	"coralnet/internal/store"
	"coralnet/internal/tasks"
)

// TrainHandler records finished classifier trainings and decides whether
// each new classifier is accepted.
type TrainHandler struct {
	d        *Deps
	jobsByID map[int64]*models.Job
	modelRe  *regexp.Regexp
}

func NewTrainHandler(d *Deps) Handler {
	return &TrainHandler{d: d}
}

func (h *TrainHandler) JobName() string { return tasks.TrainClassifier }

func (h *TrainHandler) NonPriorityErrors() []string {
	// Points regenerated while training data was gathered. Features get
	// re-extracted, so this recovers on its own.
	return []string{spacer.RowColumnMismatchError}
}

func (h *TrainHandler) Prepare(_ context.Context, jobsByID map[int64]*models.Job) error {
	h.jobsByID = jobsByID
	re, err := ModelKeyRegexp(h.d.Config.ModelFilePattern)
	if err != nil {
		return err
	}
	h.modelRe = re
	return nil
}

// ModelKeyRegexp turns a model file pattern like "classifiers/{pk}.model"
// into a regexp that captures the classifier id at the end of a storage
// key, accepting either slash direction.
func ModelKeyRegexp(pattern string) (*regexp.Regexp, error) {
	if !strings.Contains(pattern, "{pk}") {
		return nil, fmt.Errorf("model file pattern %q has no {pk}", pattern)
	}
	var b strings.Builder
	for i, part := range strings.Split(pattern, "{pk}") {
		if i > 0 {
			b.WriteString(`(\d+)`)
		}
		for j, seg := range strings.Split(strings.ReplaceAll(part, `\`, "/"), "/") {
			if j > 0 {
				b.WriteString(`[/\\]`)
			}
			b.WriteString(regexp.QuoteMeta(seg))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func (h *TrainHandler) classifierID(key string) (int64, error) {
	m := h.modelRe.FindStringSubmatch(key)
	if m == nil {
		return 0, fmt.Errorf("model key %q does not match %s", key, h.modelRe)
	}
	return strconv.ParseInt(m[1], 10, 64)
}

func (h *TrainHandler) HandleTaskResult(ctx context.Context, r TaskResult) (string, error) {
	task := r.Task.Train
	if task == nil {
		return "", fmt.Errorf("job %s: task has no train payload", r.Job)
	}
	classifierID, err := h.classifierID(task.ModelKey)
	if err != nil {
		return "", err
	}
	prevIDs := make([]int64, 0, len(task.PreviousModelKeys))
	for _, key := range task.PreviousModelKeys {
		id, err := h.classifierID(key)
		if err != nil {
			return "", err
		}
		prevIDs = append(prevIDs, id)
	}

	classifier, err := h.d.Classifiers.GetClassifier(ctx, classifierID)
	if errors.Is(err, store.ErrNotFound) {
		return "", jobs.Errorf("Classifier %d doesn't exist anymore.", classifierID)
	}
	if err != nil {
		return "", err
	}

	if r.Remote != nil {
		classifier.Status = models.ClassifierStatusTrainError
		if err := h.d.Classifiers.UpdateClassifier(ctx, classifier); err != nil {
			return "", err
		}
		if r.Remote.Class == spacer.RowColumnMismatchError {
			log.Infof("Resetting features of source %d after a row-col mismatch in training", classifier.SourceID)
			if err := h.d.Features.ResetFeaturesForSource(ctx, classifier.SourceID); err != nil {
				return "", err
			}
		}
		return "", jobs.NewError(r.Remote.Line())
	}

	res, err := r.Result()
	if err != nil {
		return "", err
	}
	train := res.Train
	if train == nil {
		return "", fmt.Errorf("job %s: result has no train payload", r.Job)
	}
	if len(prevIDs) != len(train.PcAccs) {
		return "", jobs.Errorf("Number of previous classifiers doesn't match between job (%d) and results (%d).",
			len(prevIDs), len(train.PcAccs))
	}

	runtime, acc := train.Runtime, train.Acc
	classifier.RuntimeTrain = &runtime
	classifier.Accuracy = &acc
	classifier.EpochRefAccuracy = EpochRefAccuracy(train.RefAccs)
	if err := h.d.Classifiers.UpdateClassifier(ctx, classifier); err != nil {
		return "", err
	}

	// Previous accuracies are re-measured on the latest dataset, so they
	// are stored whether or not the new classifier is accepted.
	if err := h.updatePrevious(ctx, prevIDs, train.PcAccs); err != nil {
		return "", err
	}

	if len(prevIDs) > 0 {
		maxPrev := slices.Max(train.PcAccs)
		threshold := maxPrev * h.d.Config.ImprovementThreshold
		if threshold > train.Acc {
			classifier.Status = models.ClassifierStatusRejectedAccuracy
			if err := h.d.Classifiers.UpdateClassifier(ctx, classifier); err != nil {
				return "", err
			}
			return fmt.Sprintf("Not accepted as the source's new classifier."+
				" Highest accuracy among previous classifiers on the latest dataset: %.2f,"+
				" threshold to accept new: %.2f, accuracy from this training: %.2f",
				maxPrev, threshold, train.Acc), nil
		}
	}

	classifier.Status = models.ClassifierStatusAccepted
	if err := h.d.Classifiers.UpdateClassifier(ctx, classifier); err != nil {
		return "", err
	}
	source, err := h.d.Sources.GetSource(ctx, classifier.SourceID)
	if err != nil {
		return "", err
	}
	if source.TrainsOwnClassifiers {
		if err := h.d.Sources.SetDeployedClassifier(ctx, source.ID, classifier.ID); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("New classifier accepted: %d", classifier.ID), nil
}

func (h *TrainHandler) updatePrevious(ctx context.Context, ids []int64, accs []float64) error {
	for i, id := range ids {
		pc, err := h.d.Classifiers.GetClassifier(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			log.Warnf("Previous classifier %d is gone, not updating its accuracy", id)
			continue
		}
		if err != nil {
			return err
		}
		acc := accs[i]
		pc.Accuracy = &acc
		if err := h.d.Classifiers.UpdateClassifier(ctx, pc); err != nil {
			return err
		}
	}
	return nil
}

// Finalize marks successful training jobs as persistent and lets their
// sources move on.
func (h *TrainHandler) Finalize(ctx context.Context) error {
	for _, job := range h.jobsByID {
		if job.Status == models.JobStatusSuccess && !job.Persist {
			job.Persist = true
			if err := h.d.Jobs.UpdateJob(ctx, job); err != nil {
				return err
			}
		}
	}
	return advanceSources(ctx, h.d, h.jobsByID)
}

// EpochRefAccuracy formats per-epoch reference accuracies as a list of
// integers in units of 0.01%, e.g. "[8500, 8712]".
func EpochRefAccuracy(accs []float64) string {
	parts := make([]string, len(accs))
	for i, a := range accs {
		parts[i] = strconv.Itoa(int(math.RoundToEven(10000 * a)))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
