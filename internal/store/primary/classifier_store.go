package primary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coralnet/internal/models"
	"coralnet/internal/store"
)

// --- Classifier Store Implementation ---

const classifierColumns = `id, source_id, status, accuracy, epoch_ref_accuracy, runtime_train,
	nbr_train_images, create_date`

func scanClassifier(row rowScanner) (*models.Classifier, error) {
	var (
		c        models.Classifier
		accuracy sql.NullFloat64
		runtime  sql.NullFloat64
	)
	if err := row.Scan(&c.ID, &c.SourceID, &c.Status, &accuracy, &c.EpochRefAccuracy, &runtime, &c.NbrTrainImages, &c.CreateDate); err != nil {
		return nil, err
	}
	c.Accuracy = float64Ptr(accuracy)
	c.RuntimeTrain = float64Ptr(runtime)
	c.CreateDate = c.CreateDate.UTC()
	return &c, nil
}

func (s *StoreImpl) CreateClassifier(ctx context.Context, c *models.Classifier) error {
	if c.CreateDate.IsZero() {
		c.CreateDate = nowUTC()
	}
	if c.Status == "" {
		c.Status = models.ClassifierStatusTraining
	}
	id, err := s.insertID(ctx, `INSERT INTO classifiers (source_id, status, accuracy, epoch_ref_accuracy, runtime_train, nbr_train_images, create_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.SourceID, c.Status, nullFloat64(c.Accuracy), c.EpochRefAccuracy, nullFloat64(c.RuntimeTrain), c.NbrTrainImages, dbTime(c.CreateDate))
	if err != nil {
		return fmt.Errorf("create classifier for source %d: %w", c.SourceID, err)
	}
	c.ID = id
	return nil
}

func (s *StoreImpl) GetClassifier(ctx context.Context, id int64) (*models.Classifier, error) {
	c, err := scanClassifier(s.queryRow(ctx, `SELECT `+classifierColumns+` FROM classifiers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("classifier %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get classifier %d: %w", id, err)
	}
	return c, nil
}

func (s *StoreImpl) UpdateClassifier(ctx context.Context, c *models.Classifier) error {
	res, err := s.exec(ctx, `UPDATE classifiers SET status = ?, accuracy = ?, epoch_ref_accuracy = ?,
		runtime_train = ?, nbr_train_images = ? WHERE id = ?`,
		c.Status, nullFloat64(c.Accuracy), c.EpochRefAccuracy, nullFloat64(c.RuntimeTrain), c.NbrTrainImages, c.ID)
	if err != nil {
		return fmt.Errorf("update classifier %d: %w", c.ID, err)
	}
	return checkAffected(res, "classifier", c.ID)
}

func (s *StoreImpl) ListAcceptedClassifiers(ctx context.Context, sourceID int64) ([]*models.Classifier, error) {
	rows, err := s.query(ctx, `SELECT `+classifierColumns+` FROM classifiers
		WHERE source_id = ? AND status = ? ORDER BY id`, sourceID, models.ClassifierStatusAccepted)
	if err != nil {
		return nil, fmt.Errorf("list classifiers of source %d: %w", sourceID, err)
	}
	defer rows.Close()
	var out []*models.Classifier
	for rows.Next() {
		c, err := scanClassifier(rows)
		if err != nil {
			return nil, fmt.Errorf("scan classifier: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *StoreImpl) DeleteClassifiersForSource(ctx context.Context, sourceID int64) (int64, error) {
	var n int64
	err := s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.exec(ctx, `UPDATE sources SET deployed_classifier_id = NULL WHERE id = ?`, sourceID); err != nil {
			return fmt.Errorf("clear deployed classifier of source %d: %w", sourceID, err)
		}
		res, err := s.exec(ctx, `DELETE FROM classifiers WHERE source_id = ?`, sourceID)
		if err != nil {
			return fmt.Errorf("delete classifiers of source %d: %w", sourceID, err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (s *StoreImpl) SetClassifierLabels(ctx context.Context, classifierID int64, labels []models.LabelInfo) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.exec(ctx, `DELETE FROM classifier_labels WHERE classifier_id = ?`, classifierID); err != nil {
			return fmt.Errorf("clear labels of classifier %d: %w", classifierID, err)
		}
		for _, l := range labels {
			if _, err := s.exec(ctx, `INSERT INTO classifier_labels (classifier_id, label_id, name, code) VALUES (?, ?, ?, ?)`,
				classifierID, l.ID, l.Name, l.Code); err != nil {
				return fmt.Errorf("add label %d to classifier %d: %w", l.ID, classifierID, err)
			}
		}
		return nil
	})
}

func (s *StoreImpl) GetClassifierLabels(ctx context.Context, classifierID int64) (map[int64]models.LabelInfo, error) {
	if _, err := s.GetClassifier(ctx, classifierID); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, `SELECT label_id, name, code FROM classifier_labels WHERE classifier_id = ?`, classifierID)
	if err != nil {
		return nil, fmt.Errorf("labels of classifier %d: %w", classifierID, err)
	}
	defer rows.Close()
	out := make(map[int64]models.LabelInfo)
	for rows.Next() {
		var l models.LabelInfo
		if err := rows.Scan(&l.ID, &l.Name, &l.Code); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		out[l.ID] = l
	}
	return out, rows.Err()
}
