package primary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coralnet/internal/models"
	"coralnet/internal/store"
)

// --- API Job Store Implementation ---

func (s *StoreImpl) CreateApiJob(ctx context.Context, job *models.ApiJob) error {
	if job.CreateDate.IsZero() {
		job.CreateDate = nowUTC()
	}
	id, err := s.insertID(ctx, `INSERT INTO api_jobs (type, user_id, create_date, finish_date) VALUES (?, ?, ?, ?)`,
		job.Type, nullInt64(job.UserID), dbTime(job.CreateDate), nullTime(job.FinishDate))
	if err != nil {
		return fmt.Errorf("create api job: %w", err)
	}
	job.ID = id
	return nil
}

func (s *StoreImpl) GetApiJob(ctx context.Context, id int64) (*models.ApiJob, error) {
	var (
		job      models.ApiJob
		userID   sql.NullInt64
		finished sql.NullTime
	)
	err := s.queryRow(ctx, `SELECT id, type, user_id, create_date, finish_date FROM api_jobs WHERE id = ?`, id).Scan(
		&job.ID, &job.Type, &userID, &job.CreateDate, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("api job %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get api job %d: %w", id, err)
	}
	job.UserID = int64Ptr(userID)
	job.FinishDate = timePtr(finished)
	job.CreateDate = job.CreateDate.UTC()
	return &job, nil
}

const unitColumns = `id, parent_id, internal_job_id, order_in_parent, request_json, result_json`

func scanUnit(row rowScanner) (*models.ApiJobUnit, error) {
	var (
		unit     models.ApiJobUnit
		internal sql.NullInt64
		request  []byte
		result   []byte
	)
	if err := row.Scan(&unit.ID, &unit.ApiJobID, &internal, &unit.OrderInParent, &request, &result); err != nil {
		return nil, err
	}
	unit.InternalJobID = int64Ptr(internal)
	unit.RequestJSON = request
	if len(result) > 0 {
		unit.ResultJSON = result
	}
	return &unit, nil
}

func (s *StoreImpl) CreateApiJobUnit(ctx context.Context, unit *models.ApiJobUnit) error {
	id, err := s.insertID(ctx, `INSERT INTO api_job_units (parent_id, internal_job_id, order_in_parent, request_json, result_json)
		VALUES (?, ?, ?, ?, ?)`,
		unit.ApiJobID, nullInt64(unit.InternalJobID), unit.OrderInParent, string(unit.RequestJSON), nullJSON(unit.ResultJSON))
	if err != nil {
		return fmt.Errorf("create api job unit for api job %d: %w", unit.ApiJobID, err)
	}
	unit.ID = id
	return nil
}

func (s *StoreImpl) GetApiJobUnit(ctx context.Context, id int64) (*models.ApiJobUnit, error) {
	unit, err := scanUnit(s.queryRow(ctx, `SELECT `+unitColumns+` FROM api_job_units WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("api job unit %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get api job unit %d: %w", id, err)
	}
	return unit, nil
}

func (s *StoreImpl) SetUnitInternalJob(ctx context.Context, unitID, jobID int64) error {
	res, err := s.exec(ctx, `UPDATE api_job_units SET internal_job_id = ? WHERE id = ?`, jobID, unitID)
	if err != nil {
		return fmt.Errorf("link api job unit %d to job %d: %w", unitID, jobID, err)
	}
	return checkAffected(res, "api job unit", unitID)
}

func (s *StoreImpl) GetUnitsByInternalJobIDs(ctx context.Context, jobIDs []int64) (map[int64]*models.ApiJobUnit, error) {
	out := make(map[int64]*models.ApiJobUnit, len(jobIDs))
	if len(jobIDs) == 0 {
		return out, nil
	}
	rows, err := s.query(ctx, `SELECT `+unitColumns+` FROM api_job_units
		WHERE internal_job_id IN (`+placeholders(len(jobIDs))+`)`, int64Args(jobIDs)...)
	if err != nil {
		return nil, fmt.Errorf("get api job units: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api job unit: %w", err)
		}
		out[*unit.InternalJobID] = unit
	}
	return out, rows.Err()
}

func (s *StoreImpl) UpdateUnitResults(ctx context.Context, units []*models.ApiJobUnit) error {
	if len(units) == 0 {
		return nil
	}
	return s.InTx(ctx, func(ctx context.Context) error {
		for _, unit := range units {
			if _, err := s.exec(ctx, `UPDATE api_job_units SET result_json = ? WHERE id = ?`,
				nullJSON(unit.ResultJSON), unit.ID); err != nil {
				return fmt.Errorf("update api job unit %d: %w", unit.ID, err)
			}
		}
		return nil
	})
}

func (s *StoreImpl) FinishApiJobs(ctx context.Context, unitIDs []int64, now time.Time) (int64, error) {
	if len(unitIDs) == 0 {
		return 0, nil
	}
	args := append([]any{dbTime(now)}, int64Args(unitIDs)...)
	res, err := s.exec(ctx, `UPDATE api_jobs SET finish_date = ?
		WHERE finish_date IS NULL
		AND id IN (SELECT parent_id FROM api_job_units WHERE id IN (`+placeholders(len(unitIDs))+`))
		AND NOT EXISTS (
			SELECT 1 FROM api_job_units u LEFT JOIN jobs j ON j.id = u.internal_job_id
			WHERE u.parent_id = api_jobs.id
			AND (j.status IN ('pending', 'in_progress')
				OR (u.internal_job_id IS NULL AND u.result_json IS NULL))
		)`, args...)
	if err != nil {
		return 0, fmt.Errorf("finish api jobs: %w", err)
	}
	return res.RowsAffected()
}
