package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source is an image collection with its own classifier pipeline.
type Source struct {
	ID                   int64  `db:"id" json:"id"`
	Name                 string `db:"name" json:"name"`
	FeatureExtractor     string `db:"feature_extractor" json:"feature_extractor"`
	TrainsOwnClassifiers bool   `db:"trains_own_classifiers" json:"trains_own_classifiers"`
	DeployedClassifierID *int64 `db:"deployed_classifier_id" json:"deployed_classifier_id,omitempty"`
}

// Image belongs to a Source and has annotation points.
type Image struct {
	ID       int64  `db:"id" json:"id"`
	SourceID int64  `db:"source_id" json:"source_id"`
	Name     string `db:"name" json:"name"`
}

func (i *Image) String() string {
	if i.Name != "" {
		return i.Name
	}
	return fmt.Sprintf("image %d", i.ID)
}

// RowCol is a point location within an image.
type RowCol struct {
	Row    int `json:"row"`
	Column int `json:"column"`
}

// Point is one annotation location on an image.
type Point struct {
	ID      int64 `db:"id" json:"id"`
	ImageID int64 `db:"image_id" json:"image_id"`
	RowCol
}

// Features records the extraction state of an image's feature vector.
type Features struct {
	ID              int64      `db:"id" json:"id"`
	ImageID         int64      `db:"image_id" json:"image_id"`
	Extracted       bool       `db:"extracted" json:"extracted"`
	ExtractorLoaded bool       `db:"extractor_loaded_remotely" json:"extractor_loaded_remotely"`
	RuntimeTotal    *float64   `db:"runtime_total" json:"runtime_total,omitempty"`
	ExtractedDate   *time.Time `db:"extracted_date" json:"extracted_date,omitempty"`
	HasRowcols      bool       `db:"has_rowcols" json:"has_rowcols"`
	Extractor       string     `db:"extractor" json:"extractor"`
}

// Classifier is a trained model for a source.
type Classifier struct {
	ID               int64     `db:"id" json:"id"`
	SourceID         int64     `db:"source_id" json:"source_id"`
	Status           string    `db:"status" json:"status"`
	Accuracy         *float64  `db:"accuracy" json:"accuracy,omitempty"`
	EpochRefAccuracy string    `db:"epoch_ref_accuracy" json:"epoch_ref_accuracy"`
	RuntimeTrain     *float64  `db:"runtime_train" json:"runtime_train,omitempty"`
	NbrTrainImages   int       `db:"nbr_train_images" json:"nbr_train_images"`
	CreateDate       time.Time `db:"create_date" json:"create_date"`
}

// LabelInfo describes one label of a classifier's labelset.
type LabelInfo struct {
	ID   int64  `db:"label_id" json:"label_id"`
	Name string `db:"name" json:"name"`
	Code string `db:"code" json:"code"`
}

// ApiJob groups the units of one deploy request.
type ApiJob struct {
	ID         int64      `db:"id" json:"id"`
	Type       string     `db:"type" json:"type"`
	UserID     *int64     `db:"user_id" json:"user_id,omitempty"`
	CreateDate time.Time  `db:"create_date" json:"create_date"`
	FinishDate *time.Time `db:"finish_date" json:"finish_date,omitempty"`
}

// ApiJobUnit is one image of a deploy request, linked to the internal job
// that classifies it.
type ApiJobUnit struct {
	ID            int64           `db:"id" json:"id"`
	ApiJobID      int64           `db:"parent_id" json:"parent_id"`
	InternalJobID *int64          `db:"internal_job_id" json:"internal_job_id,omitempty"`
	OrderInParent int             `db:"order_in_parent" json:"order_in_parent"`
	RequestJSON   json.RawMessage `db:"request_json" json:"request_json"`
	ResultJSON    json.RawMessage `db:"result_json" json:"result_json,omitempty"`
}

// ClassifyRequest is the stored request of an ApiJobUnit.
type ClassifyRequest struct {
	ClassifierID int64    `json:"classifier_id"`
	URL          string   `json:"url"`
	Points       []RowCol `json:"points"`
}

// ErrorLog is an operator-visible incident record.
type ErrorLog struct {
	ID         int64     `db:"id" json:"id"`
	Kind       string    `db:"kind" json:"kind"`
	HTML       string    `db:"html" json:"html"`
	Path       string    `db:"path" json:"path"`
	Info       string    `db:"info" json:"info"`
	Data       string    `db:"data" json:"data"`
	CreateDate time.Time `db:"create_date" json:"create_date"`
}
