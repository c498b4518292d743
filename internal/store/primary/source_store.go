package primary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coralnet/internal/models"
	"coralnet/internal/store"
)

// --- Source Store Implementation ---

func (s *StoreImpl) CreateSource(ctx context.Context, source *models.Source) error {
	id, err := s.insertID(ctx, `INSERT INTO sources (name, feature_extractor, trains_own_classifiers, deployed_classifier_id)
		VALUES (?, ?, ?, ?)`,
		source.Name, source.FeatureExtractor, source.TrainsOwnClassifiers, nullInt64(source.DeployedClassifierID))
	if err != nil {
		return fmt.Errorf("create source %q: %w", source.Name, err)
	}
	source.ID = id
	return nil
}

func (s *StoreImpl) GetSource(ctx context.Context, id int64) (*models.Source, error) {
	var (
		source   models.Source
		deployed sql.NullInt64
	)
	err := s.queryRow(ctx, `SELECT id, name, feature_extractor, trains_own_classifiers, deployed_classifier_id
		FROM sources WHERE id = ?`, id).Scan(
		&source.ID, &source.Name, &source.FeatureExtractor, &source.TrainsOwnClassifiers, &deployed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get source %d: %w", id, err)
	}
	source.DeployedClassifierID = int64Ptr(deployed)
	return &source, nil
}

func (s *StoreImpl) SetDeployedClassifier(ctx context.Context, sourceID, classifierID int64) error {
	res, err := s.exec(ctx, `UPDATE sources SET deployed_classifier_id = ? WHERE id = ?`, classifierID, sourceID)
	if err != nil {
		return fmt.Errorf("deploy classifier %d for source %d: %w", classifierID, sourceID, err)
	}
	return checkAffected(res, "source", sourceID)
}

// --- Image Store Implementation ---

func (s *StoreImpl) CreateImage(ctx context.Context, image *models.Image, rowcols []models.RowCol) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		id, err := s.insertID(ctx, `INSERT INTO images (source_id, name) VALUES (?, ?)`, image.SourceID, image.Name)
		if err != nil {
			return fmt.Errorf("create image %q: %w", image.Name, err)
		}
		image.ID = id
		for _, rc := range rowcols {
			if _, err := s.exec(ctx, `INSERT INTO points (image_id, row_num, col_num) VALUES (?, ?, ?)`, id, rc.Row, rc.Column); err != nil {
				return fmt.Errorf("create point for image %d: %w", id, err)
			}
		}
		if _, err := s.exec(ctx, `INSERT INTO features (image_id) VALUES (?)`, id); err != nil {
			return fmt.Errorf("create features for image %d: %w", id, err)
		}
		return nil
	})
}

func (s *StoreImpl) GetImage(ctx context.Context, id int64) (*models.Image, error) {
	var image models.Image
	err := s.queryRow(ctx, `SELECT id, source_id, name FROM images WHERE id = ?`, id).Scan(&image.ID, &image.SourceID, &image.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get image %d: %w", id, err)
	}
	return &image, nil
}

func (s *StoreImpl) GetImagesByIDs(ctx context.Context, ids []int64) (map[int64]*models.Image, error) {
	out := make(map[int64]*models.Image, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.query(ctx, `SELECT id, source_id, name FROM images WHERE id IN (`+placeholders(len(ids))+`)`, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get images by ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var image models.Image
		if err := rows.Scan(&image.ID, &image.SourceID, &image.Name); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		out[image.ID] = &image
	}
	return out, rows.Err()
}

func (s *StoreImpl) ListPointRowCols(ctx context.Context, imageID int64) ([]models.RowCol, error) {
	rows, err := s.query(ctx, `SELECT row_num, col_num FROM points WHERE image_id = ? ORDER BY id`, imageID)
	if err != nil {
		return nil, fmt.Errorf("list points of image %d: %w", imageID, err)
	}
	defer rows.Close()
	var out []models.RowCol
	for rows.Next() {
		var rc models.RowCol
		if err := rows.Scan(&rc.Row, &rc.Column); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (s *StoreImpl) ListImageIDsByFeatureState(ctx context.Context, sourceID int64, extracted bool) ([]int64, error) {
	rows, err := s.query(ctx, `SELECT i.id FROM images i
		JOIN features f ON f.image_id = i.id
		WHERE i.source_id = ? AND f.extracted = ?
		ORDER BY i.id`, sourceID, extracted)
	if err != nil {
		return nil, fmt.Errorf("list images of source %d: %w", sourceID, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan image id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Features Store Implementation ---

const featuresColumns = `id, image_id, extracted, extractor_loaded_remotely, runtime_total,
	extracted_date, has_rowcols, extractor`

func (s *StoreImpl) GetFeaturesByImageIDs(ctx context.Context, imageIDs []int64) (map[int64]*models.Features, error) {
	out := make(map[int64]*models.Features, len(imageIDs))
	if len(imageIDs) == 0 {
		return out, nil
	}
	rows, err := s.query(ctx, `SELECT `+featuresColumns+` FROM features WHERE image_id IN (`+placeholders(len(imageIDs))+`)`, int64Args(imageIDs)...)
	if err != nil {
		return nil, fmt.Errorf("get features: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			f       models.Features
			runtime sql.NullFloat64
			date    sql.NullTime
		)
		if err := rows.Scan(&f.ID, &f.ImageID, &f.Extracted, &f.ExtractorLoaded, &runtime, &date, &f.HasRowcols, &f.Extractor); err != nil {
			return nil, fmt.Errorf("scan features: %w", err)
		}
		f.RuntimeTotal = float64Ptr(runtime)
		f.ExtractedDate = timePtr(date)
		out[f.ImageID] = &f
	}
	return out, rows.Err()
}

// UpdateFeatures saves the given rows in one transaction.
func (s *StoreImpl) UpdateFeatures(ctx context.Context, features []*models.Features) error {
	if len(features) == 0 {
		return nil
	}
	return s.InTx(ctx, func(ctx context.Context) error {
		for _, f := range features {
			_, err := s.exec(ctx, `UPDATE features SET extracted = ?, extractor_loaded_remotely = ?,
				runtime_total = ?, extracted_date = ?, has_rowcols = ?, extractor = ?
				WHERE id = ?`,
				f.Extracted, f.ExtractorLoaded, nullFloat64(f.RuntimeTotal), nullTime(f.ExtractedDate),
				f.HasRowcols, f.Extractor, f.ID)
			if err != nil {
				return fmt.Errorf("update features %d: %w", f.ID, err)
			}
		}
		return nil
	})
}

func (s *StoreImpl) ResetFeaturesForSource(ctx context.Context, sourceID int64) error {
	_, err := s.exec(ctx, `UPDATE features SET extracted = ?, extracted_date = NULL, runtime_total = NULL, has_rowcols = ?
		WHERE image_id IN (SELECT id FROM images WHERE source_id = ?)`, false, false, sourceID)
	if err != nil {
		return fmt.Errorf("reset features of source %d: %w", sourceID, err)
	}
	return nil
}
