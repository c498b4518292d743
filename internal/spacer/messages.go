// Package spacer defines the message contract with the remote ML executor
// and the backends that carry those messages.
package spacer

import (
	"encoding/json"
	"fmt"
	"strconv"

	"coralnet/internal/models"
)

// ExtractFeaturesMsg asks for the feature vector of one image.
type ExtractFeaturesMsg struct {
	Extractor  string          `json:"extractor"`
	ImageKey   string          `json:"image_key"`
	FeatureKey string          `json:"feature_key"`
	Rowcols    []models.RowCol `json:"rowcols"`
}

// TrainClassifierMsg asks for a new classifier, evaluated against the
// previous ones on the same dataset.
type TrainClassifierMsg struct {
	TrainerName       string   `json:"trainer_name"`
	NbrEpochs         int      `json:"nbr_epochs"`
	ClfType           string   `json:"clf_type"`
	TrainLabelsKey    string   `json:"train_labels_key"`
	ValLabelsKey      string   `json:"val_labels_key"`
	FeaturesKeyPrefix string   `json:"features_key_prefix"`
	ModelKey          string   `json:"model_key"`
	ValidResultKey    string   `json:"valid_result_key"`
	PreviousModelKeys []string `json:"previous_model_keys"`
}

// ClassifyImageMsg asks for point scores of an image at a URL.
type ClassifyImageMsg struct {
	ImageURL      string          `json:"image_url"`
	Extractor     string          `json:"extractor"`
	Rowcols       []models.RowCol `json:"rowcols"`
	ClassifierKey string          `json:"classifier_key"`
}

// TaskMsg is one unit of remote work. JobToken is the internal Job id.
// Exactly one payload is set.
type TaskMsg struct {
	JobToken string              `json:"job_token"`
	Extract  *ExtractFeaturesMsg `json:"extract,omitempty"`
	Train    *TrainClassifierMsg `json:"train,omitempty"`
	Classify *ClassifyImageMsg   `json:"classify,omitempty"`
}

// JobID parses the job token.
func (t TaskMsg) JobID() (int64, error) {
	id, err := strconv.ParseInt(t.JobToken, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("spacer: bad job token %q: %w", t.JobToken, err)
	}
	return id, nil
}

// TokenFor formats a Job id as a job token.
func TokenFor(jobID int64) string {
	return strconv.FormatInt(jobID, 10)
}

// JobMsg is what gets submitted. TaskName matches the internal job name.
// CoralNet submits one task per job.
type JobMsg struct {
	TaskName string    `json:"task_name"`
	Tasks    []TaskMsg `json:"tasks"`
}

// ExtractFeaturesReturn reports a finished extraction.
type ExtractFeaturesReturn struct {
	Runtime                 float64 `json:"runtime"`
	ExtractorLoadedRemotely bool    `json:"extractor_loaded_remotely"`
}

// TrainClassifierReturn reports training metrics. PcAccs lines up with
// TrainClassifierMsg.PreviousModelKeys.
type TrainClassifierReturn struct {
	Runtime float64   `json:"runtime"`
	Acc     float64   `json:"acc"`
	PcAccs  []float64 `json:"pc_accs"`
	RefAccs []float64 `json:"ref_accs"`
}

// PointScores are the class scores at one point, ordered like Classes.
type PointScores struct {
	Row    int       `json:"row"`
	Col    int       `json:"col"`
	Scores []float64 `json:"scores"`
}

// ClassifyReturn reports classification scores. When ValidRowcol is false
// the row and column of each entry are not meaningful and entries follow
// the request order.
type ClassifyReturn struct {
	Runtime     float64       `json:"runtime"`
	Classes     []int64       `json:"classes"`
	Scores      []PointScores `json:"scores"`
	ValidRowcol bool          `json:"valid_rowcol"`
}

// ScoresAt returns the scores for a location.
func (r *ClassifyReturn) ScoresAt(row, col int) ([]float64, bool) {
	for _, s := range r.Scores {
		if s.Row == row && s.Col == col {
			return s.Scores, true
		}
	}
	return nil, false
}

// TaskResult is the output of one task. Exactly one payload is set.
type TaskResult struct {
	Extract  *ExtractFeaturesReturn `json:"extract,omitempty"`
	Train    *TrainClassifierReturn `json:"train,omitempty"`
	Classify *ClassifyReturn        `json:"classify,omitempty"`
}

// RemoteError is the structured form of a remote failure.
type RemoteError struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// JobReturnMsg is what comes back for a JobMsg. When OK is false,
// ErrorMessage holds the remote traceback and Error, if the executor
// sends it, its class and message.
type JobReturnMsg struct {
	OriginalJob  JobMsg       `json:"original_job"`
	OK           bool         `json:"ok"`
	Results      []TaskResult `json:"results"`
	ErrorMessage string       `json:"error_message"`
	Error        *RemoteError `json:"error,omitempty"`
}

// TaskName is the name of the original job.
func (m JobReturnMsg) TaskName() string {
	return m.OriginalJob.TaskName
}

// Task is the single task of the original job.
func (m JobReturnMsg) Task() (TaskMsg, error) {
	if len(m.OriginalJob.Tasks) == 0 {
		return TaskMsg{}, fmt.Errorf("spacer: %s job has no tasks", m.TaskName())
	}
	return m.OriginalJob.Tasks[0], nil
}

// Result is the single task result, if any.
func (m JobReturnMsg) Result() (TaskResult, bool) {
	if len(m.Results) == 0 {
		return TaskResult{}, false
	}
	return m.Results[0], true
}

// ErrorClass returns the error class and message of a failed job,
// preferring the structured error over the traceback.
func (m JobReturnMsg) ErrorClass() (class, message string) {
	if m.Error != nil && m.Error.Class != "" {
		return m.Error.Class, m.Error.Message
	}
	return ParseErrorLine(m.ErrorMessage)
}

// Repr is a printable dump of the message for operator mail.
func (m JobReturnMsg) Repr() string {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", m)
	}
	return string(data)
}
