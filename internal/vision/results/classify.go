package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"coralnet/internal/jobs"
	"coralnet/internal/models"
	"coralnet/internal/spacer"
	"coralnet/internal/store"
	"coralnet/internal/tasks"
)

// Classification is one scored label at a point.
type Classification struct {
	LabelID   int64   `json:"label_id"`
	LabelName string  `json:"label_name"`
	LabelCode string  `json:"label_code"`
	Score     float64 `json:"score"`
}

// PointClassifications are the top classifications at one point.
type PointClassifications struct {
	Row             int              `json:"row"`
	Column          int              `json:"column"`
	Classifications []Classification `json:"classifications"`
}

// UnitResult is the result payload stored on an API job unit.
type UnitResult struct {
	URL    string                 `json:"url"`
	Points []PointClassifications `json:"points"`
}

// ClassifyHandler stores deploy results on their API job units.
type ClassifyHandler struct {
	d         *Deps
	units     map[int64]*models.ApiJobUnit
	labelsets map[int64]map[int64]models.LabelInfo
	updated   []*models.ApiJobUnit
}

func NewClassifyHandler(d *Deps) Handler {
	return &ClassifyHandler{d: d, labelsets: make(map[int64]map[int64]models.LabelInfo)}
}

func (h *ClassifyHandler) JobName() string { return tasks.ClassifyImage }

// NonPriorityErrors are problems with the user's image or request.
func (h *ClassifyHandler) NonPriorityErrors() []string {
	return []string{
		spacer.UnidentifiedImageError,
		spacer.DataLimitError,
		spacer.RowColumnInvalidError,
		spacer.URLDownloadError,
	}
}

func (h *ClassifyHandler) Prepare(ctx context.Context, jobsByID map[int64]*models.Job) error {
	ids := make([]int64, 0, len(jobsByID))
	for id := range jobsByID {
		ids = append(ids, id)
	}
	units, err := h.d.ApiJobs.GetUnitsByInternalJobIDs(ctx, ids)
	if err != nil {
		return err
	}
	h.units = units
	return nil
}

func (h *ClassifyHandler) HandleTaskResult(ctx context.Context, r TaskResult) (string, error) {
	unit, ok := h.units[r.Job.ID]
	if !ok {
		return "", jobs.Errorf("API job unit for internal-job %d does not exist.", r.Job.ID)
	}
	if r.Remote != nil {
		return "", jobs.NewError(r.Remote.Line())
	}
	res, err := r.Result()
	if err != nil {
		return "", err
	}
	if res.Classify == nil {
		return "", fmt.Errorf("job %s: result has no classify payload", r.Job)
	}

	var req models.ClassifyRequest
	if err := json.Unmarshal(unit.RequestJSON, &req); err != nil {
		return "", fmt.Errorf("unit %d request: %w", unit.ID, err)
	}
	labels, err := h.labelset(ctx, req.ClassifierID)
	if err != nil {
		return "", err
	}
	points, err := BuildPointsDicts(res.Classify, labels, h.d.Config.ScoresPerAnnotation, req.Points)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(UnitResult{URL: req.URL, Points: points})
	if err != nil {
		return "", err
	}
	unit.ResultJSON = data
	h.updated = append(h.updated, unit)
	return "", nil
}

func (h *ClassifyHandler) labelset(ctx context.Context, classifierID int64) (map[int64]models.LabelInfo, error) {
	if labels, ok := h.labelsets[classifierID]; ok {
		return labels, nil
	}
	labels, err := h.d.Classifiers.GetClassifierLabels(ctx, classifierID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, jobs.Errorf("Classifier of id %d does not exist.", classifierID)
	}
	if err != nil {
		return nil, err
	}
	h.labelsets[classifierID] = labels
	return labels, nil
}

// Finalize saves unit results and closes API jobs with no unfinished units.
func (h *ClassifyHandler) Finalize(ctx context.Context) error {
	if err := h.d.ApiJobs.UpdateUnitResults(ctx, h.updated); err != nil {
		return err
	}
	unitIDs := make([]int64, 0, len(h.units))
	for _, unit := range h.units {
		unitIDs = append(unitIDs, unit.ID)
	}
	if len(unitIDs) == 0 {
		return nil
	}
	n, err := h.d.ApiJobs.FinishApiJobs(ctx, unitIDs, h.d.Scheduler.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		log.Infof("Finished %d API job(s)", n)
	}
	return nil
}

// BuildPointsDicts turns classifier scores into the top classifications
// per point, at most maxScores each. When the result's row-cols are not
// valid, locations are taken from the requested points in order.
func BuildPointsDicts(res *spacer.ClassifyReturn, labels map[int64]models.LabelInfo, maxScores int, requested []models.RowCol) ([]PointClassifications, error) {
	classes := make([]models.LabelInfo, len(res.Classes))
	for i, id := range res.Classes {
		label, ok := labels[id]
		if !ok {
			return nil, jobs.Errorf("Label %d is not in the classifier's labelset.", id)
		}
		classes[i] = label
	}
	if !res.ValidRowcol && len(requested) != len(res.Scores) {
		return nil, jobs.Errorf("Got scores for %d point(s) but %d were requested.", len(res.Scores), len(requested))
	}
	n := min(maxScores, len(classes))

	out := make([]PointClassifications, 0, len(res.Scores))
	for i, ps := range res.Scores {
		if len(ps.Scores) != len(classes) {
			return nil, jobs.Errorf("Got %d score(s) for %d class(es).", len(ps.Scores), len(classes))
		}
		point := PointClassifications{Row: ps.Row, Column: ps.Col}
		if !res.ValidRowcol {
			point.Row, point.Column = requested[i].Row, requested[i].Column
		}
		order := make([]int, len(ps.Scores))
		for j := range order {
			order[j] = j
		}
		sort.SliceStable(order, func(a, b int) bool { return ps.Scores[order[a]] > ps.Scores[order[b]] })
		point.Classifications = make([]Classification, 0, n)
		for _, j := range order[:n] {
			point.Classifications = append(point.Classifications, Classification{
				LabelID:   classes[j].ID,
				LabelName: classes[j].Name,
				LabelCode: classes[j].Code,
				Score:     ps.Scores[j],
			})
		}
		out = append(out, point)
	}
	return out, nil
}
