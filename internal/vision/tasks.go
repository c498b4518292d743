package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"coralnet/internal/jobs"
	"coralnet/internal/models"
	"coralnet/internal/spacer"
	"coralnet/internal/store"
	"coralnet/internal/tasks"
)

func (p *Pipeline) extractFeatures(ctx context.Context, run jobs.Run, args []any) (string, error) {
	imageID, err := jobs.Int64Arg(args, 0)
	if err != nil {
		return "", err
	}
	image, err := p.d.Images.GetImage(ctx, imageID)
	if errors.Is(err, store.ErrNotFound) {
		return "", jobs.Errorf("Image %d doesn't exist anymore.", imageID)
	}
	if err != nil {
		return "", err
	}
	source, err := p.d.Sources.GetSource(ctx, image.SourceID)
	if err != nil {
		return "", err
	}
	if source.FeatureExtractor == "" {
		return "", jobs.Errorf("Source %d has no feature extractor selected.", source.ID)
	}
	rowcols, err := p.d.Images.ListPointRowCols(ctx, imageID)
	if err != nil {
		return "", err
	}
	if len(rowcols) == 0 {
		return "", jobs.Errorf("%s has no points.", image)
	}

	return "", spacer.SubmitTask(ctx, p.d.Backend, tasks.ExtractFeatures, spacer.TaskMsg{
		JobToken: spacer.TokenFor(run.JobID),
		Extract: &spacer.ExtractFeaturesMsg{
			Extractor:  source.FeatureExtractor,
			ImageKey:   p.keys.ImageKey(imageID),
			FeatureKey: p.keys.FeatureKey(imageID),
			Rowcols:    rowcols,
		},
	})
}

func (p *Pipeline) trainClassifier(ctx context.Context, run jobs.Run, args []any) (string, error) {
	sourceID, err := jobs.Int64Arg(args, 0)
	if err != nil {
		return "", err
	}
	if _, err := p.d.Sources.GetSource(ctx, sourceID); errors.Is(err, store.ErrNotFound) {
		return "", jobs.Errorf("Source %d doesn't exist anymore.", sourceID)
	} else if err != nil {
		return "", err
	}
	imageIDs, err := p.d.Images.ListImageIDsByFeatureState(ctx, sourceID, true)
	if err != nil {
		return "", err
	}
	if len(imageIDs) == 0 {
		return "", jobs.Errorf("Source %d has no extracted images to train on.", sourceID)
	}
	previous, err := p.d.Classifiers.ListAcceptedClassifiers(ctx, sourceID)
	if err != nil {
		return "", err
	}

	classifier := &models.Classifier{
		SourceID:       sourceID,
		Status:         models.ClassifierStatusTraining,
		NbrTrainImages: len(imageIDs),
	}
	if err := p.d.Classifiers.CreateClassifier(ctx, classifier); err != nil {
		return "", err
	}
	prevKeys := make([]string, 0, len(previous))
	for _, pc := range previous {
		prevKeys = append(prevKeys, p.keys.ModelKey(pc.ID))
	}

	err = spacer.SubmitTask(ctx, p.d.Backend, tasks.TrainClassifier, spacer.TaskMsg{
		JobToken: spacer.TokenFor(run.JobID),
		Train: &spacer.TrainClassifierMsg{
			TrainerName:       "minibatch",
			NbrEpochs:         10,
			ClfType:           "MLP",
			TrainLabelsKey:    fmt.Sprintf("sources/%d/train_labels.json", sourceID),
			ValLabelsKey:      fmt.Sprintf("sources/%d/val_labels.json", sourceID),
			FeaturesKeyPrefix: "images/",
			ModelKey:          p.keys.ModelKey(classifier.ID),
			ValidResultKey:    p.keys.ValidResultKey(classifier.ID),
			PreviousModelKeys: prevKeys,
		},
	})
	if err != nil {
		classifier.Status = models.ClassifierStatusTrainError
		if uerr := p.d.Classifiers.UpdateClassifier(ctx, classifier); uerr != nil {
			log.Errorf("Failed to mark classifier %d as errored: %v", classifier.ID, uerr)
		}
		return "", err
	}
	return "", nil
}

func (p *Pipeline) classifyImage(ctx context.Context, run jobs.Run, args []any) (string, error) {
	unitID, err := jobs.Int64Arg(args, 0)
	if err != nil {
		return "", err
	}
	unit, err := p.d.ApiJobs.GetApiJobUnit(ctx, unitID)
	if errors.Is(err, store.ErrNotFound) {
		return "", jobs.Errorf("API job unit %d doesn't exist anymore.", unitID)
	}
	if err != nil {
		return "", err
	}
	var req models.ClassifyRequest
	if err := json.Unmarshal(unit.RequestJSON, &req); err != nil {
		return "", jobs.Errorf("API job unit %d has an invalid request: %v", unitID, err)
	}
	classifier, err := p.d.Classifiers.GetClassifier(ctx, req.ClassifierID)
	if errors.Is(err, store.ErrNotFound) {
		return "", jobs.Errorf("Classifier of id %d does not exist.", req.ClassifierID)
	}
	if err != nil {
		return "", err
	}
	extractor := p.d.Config.DefaultExtractor
	if source, err := p.d.Sources.GetSource(ctx, classifier.SourceID); err == nil && source.FeatureExtractor != "" {
		extractor = source.FeatureExtractor
	}
	if err := p.d.ApiJobs.SetUnitInternalJob(ctx, unitID, run.JobID); err != nil {
		return "", err
	}

	return "", spacer.SubmitTask(ctx, p.d.Backend, tasks.ClassifyImage, spacer.TaskMsg{
		JobToken: spacer.TokenFor(run.JobID),
		Classify: &spacer.ClassifyImageMsg{
			ImageURL:      req.URL,
			Extractor:     extractor,
			Rowcols:       req.Points,
			ClassifierKey: p.keys.ModelKey(classifier.ID),
		},
	})
}

// checkSource works out a source's next step: extract what is missing,
// then train when enough new images have features.
func (p *Pipeline) checkSource(ctx context.Context, _ jobs.Run, args []any) (string, error) {
	sourceID, err := jobs.Int64Arg(args, 0)
	if err != nil {
		return "", err
	}
	source, err := p.d.Sources.GetSource(ctx, sourceID)
	if errors.Is(err, store.ErrNotFound) {
		return "", jobs.Errorf("Source %d doesn't exist anymore.", sourceID)
	}
	if err != nil {
		return "", err
	}

	missing, err := p.d.Images.ListImageIDsByFeatureState(ctx, sourceID, false)
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		scheduled := 0
		for _, imageID := range missing {
			_, created, err := p.d.Scheduler.ScheduleJob(ctx, tasks.ExtractFeatures, []any{imageID}, jobs.WithSource(sourceID))
			if err != nil {
				return "", err
			}
			if created {
				scheduled++
			}
		}
		return fmt.Sprintf("Scheduled %d feature extraction(s)", scheduled), nil
	}

	if !source.TrainsOwnClassifiers {
		return "Source does not train its own classifiers", nil
	}
	extracted, err := p.d.Images.ListImageIDsByFeatureState(ctx, sourceID, true)
	if err != nil {
		return "", err
	}
	accepted, err := p.d.Classifiers.ListAcceptedClassifiers(ctx, sourceID)
	if err != nil {
		return "", err
	}
	if len(accepted) == 0 {
		if len(extracted) < p.d.Config.MinImagesForTraining {
			return fmt.Sprintf("Can't train first classifier: Not enough images with features (%d of %d)",
				len(extracted), p.d.Config.MinImagesForTraining), nil
		}
	} else {
		last := accepted[len(accepted)-1]
		needed := int(float64(last.NbrTrainImages) * p.d.Config.RetrainThreshold)
		if len(extracted) < needed {
			return fmt.Sprintf("Need %d images with features to retrain, have %d", needed, len(extracted)), nil
		}
	}

	if _, _, err := p.d.Scheduler.ScheduleJob(ctx, tasks.TrainClassifier, []any{sourceID}, jobs.WithSource(sourceID)); err != nil {
		return "", err
	}
	return "Scheduled training", nil
}

func (p *Pipeline) resetClassifiers(ctx context.Context, _ jobs.Run, args []any) (string, error) {
	sourceID, err := jobs.Int64Arg(args, 0)
	if err != nil {
		return "", err
	}
	n, err := p.d.Classifiers.DeleteClassifiersForSource(ctx, sourceID)
	if err != nil {
		return "", err
	}
	p.ScheduleSourceCheckOnCommit(ctx, sourceID)
	return fmt.Sprintf("Deleted %d classifier(s)", n), nil
}

func (p *Pipeline) resetBackend(ctx context.Context, _ jobs.Run, args []any) (string, error) {
	sourceID, err := jobs.Int64Arg(args, 0)
	if err != nil {
		return "", err
	}
	if err := p.d.Features.ResetFeaturesForSource(ctx, sourceID); err != nil {
		return "", err
	}
	n, err := p.d.Classifiers.DeleteClassifiersForSource(ctx, sourceID)
	if err != nil {
		return "", err
	}
	p.ScheduleSourceCheckOnCommit(ctx, sourceID)
	return fmt.Sprintf("Reset features and deleted %d classifier(s)", n), nil
}

func (p *Pipeline) collectSpacerJobs(ctx context.Context, _ jobs.Run, _ []any) (string, error) {
	// Results already popped are gone from the backend, so they are handled
	// even when collection stopped on an error.
	batch, collectErr := p.d.Backend.Collect(ctx, p.d.Config.CollectBatchSize)
	if collectErr != nil {
		log.Errorf("Spacer collection stopped after %d result(s): %v", len(batch), collectErr)
	}
	if len(batch) == 0 {
		if collectErr != nil {
			return "", collectErr
		}
		return "Nothing to collect", nil
	}
	if err := p.dispatcher.HandleSpacerResults(ctx, batch); err != nil || collectErr != nil {
		return "", errors.Join(err, collectErr)
	}
	return fmt.Sprintf("Collected %d job result(s)", len(batch)), nil
}
