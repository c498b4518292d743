package primary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"coralnet/internal/models"
	"coralnet/internal/store"
)

// --- Job Store Implementation ---

const jobColumns = `id, job_name, arg_identifier, status, source_id, user_id,
	scheduled_start_date, start_date, attempt_number, result_message, persist,
	create_date, modify_date`

// incompleteFilter must match the predicate of the jobs_unique_incomplete index.
const incompleteFilter = `status IN ('pending', 'in_progress')`

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// maxCreateAttempts bounds the insert/select race in GetOrCreateIncompleteJob.
const maxCreateAttempts = 3

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job       models.Job
		status    string
		sourceID  sql.NullInt64
		userID    sql.NullInt64
		scheduled sql.NullTime
		started   sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.JobName,
		&job.ArgIdentifier,
		&status,
		&sourceID,
		&userID,
		&scheduled,
		&started,
		&job.AttemptNumber,
		&job.ResultMessage,
		&job.Persist,
		&job.CreateDate,
		&job.ModifyDate,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.SourceID = int64Ptr(sourceID)
	job.UserID = int64Ptr(userID)
	job.ScheduledStartDate = timePtr(scheduled)
	job.StartDate = timePtr(started)
	job.CreateDate = job.CreateDate.UTC()
	job.ModifyDate = job.ModifyDate.UTC()
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetOrCreateIncompleteJob relies on the partial unique index: the insert is
// a no-op when an incomplete job with the same identity exists, in which case
// that job is selected instead. A job that completes between the two
// statements makes the loop try again.
func (s *StoreImpl) GetOrCreateIncompleteJob(ctx context.Context, params store.JobCreateParams) (*models.Job, bool, error) {
	now := dbTime(params.Now)
	if params.Now.IsZero() {
		now = nowUTC()
	}
	insert := `
		INSERT INTO jobs (job_name, arg_identifier, status, source_id, user_id,
			attempt_number, result_message, persist, create_date, modify_date)
		VALUES (?, ?, ?, ?, ?, 1, '', ?, ?, ?)
		ON CONFLICT (job_name, arg_identifier) WHERE ` + incompleteFilter + ` DO NOTHING
		RETURNING id`
	selectExisting := `SELECT ` + jobColumns + ` FROM jobs
		WHERE job_name = ? AND arg_identifier = ? AND ` + incompleteFilter + `
		ORDER BY id LIMIT 1`

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		var id int64
		err := s.queryRow(ctx, insert,
			params.JobName, params.ArgIdentifier, string(models.JobStatusPending),
			nullInt64(params.SourceID), nullInt64(params.UserID), false, now, now).Scan(&id)
		if err == nil {
			job, err := s.GetJob(ctx, id)
			return job, err == nil, err
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("insert job %s [%s]: %w", params.JobName, params.ArgIdentifier, err)
		}

		job, err := scanJob(s.queryRow(ctx, selectExisting, params.JobName, params.ArgIdentifier))
		if err == nil {
			return job, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("select job %s [%s]: %w", params.JobName, params.ArgIdentifier, err)
		}
		log.Debugf("incomplete job %s [%s] vanished during get-or-create, retrying (%d)", params.JobName, params.ArgIdentifier, attempt)
	}
	return nil, false, fmt.Errorf("get or create job %s [%s]: %w", params.JobName, params.ArgIdentifier, store.ErrConflict)
}

func (s *StoreImpl) LatestCompletedJob(ctx context.Context) (*models.Job, error) {
	job, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('success', 'failure') ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest completed job: %w", err)
	}
	return job, nil
}

func (s *StoreImpl) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

func (s *StoreImpl) GetJobsByIDs(ctx context.Context, ids []int64) (map[int64]*models.Job, error) {
	out := make(map[int64]*models.Job, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id IN (`+placeholders(len(ids))+`)`, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get jobs by ids: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		out[job.ID] = job
	}
	return out, nil
}

// UpdateJob writes every mutable column and refreshes ModifyDate.
func (s *StoreImpl) UpdateJob(ctx context.Context, job *models.Job) error {
	job.ModifyDate = nowUTC()
	res, err := s.exec(ctx, `
		UPDATE jobs SET status = ?, source_id = ?, user_id = ?,
			scheduled_start_date = ?, start_date = ?, attempt_number = ?,
			result_message = ?, persist = ?, modify_date = ?
		WHERE id = ?`,
		string(job.Status), nullInt64(job.SourceID), nullInt64(job.UserID),
		nullTime(job.ScheduledStartDate), nullTime(job.StartDate), job.AttemptNumber,
		job.ResultMessage, job.Persist, job.ModifyDate,
		job.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update job %d: %w", job.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("update job %d: %w", job.ID, err)
	}
	return checkAffected(res, "job", job.ID)
}

func (s *StoreImpl) SetScheduledStart(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `UPDATE jobs SET scheduled_start_date = ?, modify_date = ?
		WHERE id = ? AND status = ?`,
		dbTime(at), nowUTC(), id, string(models.JobStatusPending))
	if err != nil {
		return false, fmt.Errorf("set scheduled start of job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateJobs saves all jobs in one transaction.
func (s *StoreImpl) UpdateJobs(ctx context.Context, jobs []*models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	return s.InTx(ctx, func(ctx context.Context) error {
		for _, job := range jobs {
			if err := s.UpdateJob(ctx, job); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClaimPendingJob is a single conditional UPDATE, so two workers racing on
// the same identity cannot both win.
func (s *StoreImpl) ClaimPendingJob(ctx context.Context, jobName, argIdentifier string, now time.Time) (*models.Job, error) {
	now = dbTime(now)
	var id int64
	err := s.queryRow(ctx, `
		UPDATE jobs SET status = 'in_progress', start_date = ?, modify_date = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE job_name = ? AND arg_identifier = ? AND status = 'pending'
			ORDER BY id LIMIT 1
		) AND status = 'pending'
		RETURNING id`,
		now, now, jobName, argIdentifier).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim job %s [%s]: %w", jobName, argIdentifier, err)
	}
	return s.GetJob(ctx, id)
}

func (s *StoreImpl) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending' AND scheduled_start_date IS NOT NULL AND scheduled_start_date <= ?
		ORDER BY scheduled_start_date, id LIMIT ?`, dbTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *StoreImpl) CountIncompleteJobs(ctx context.Context, sourceID int64, jobNames []string) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE source_id = ? AND ` + incompleteFilter
	args := []any{sourceID}
	if len(jobNames) > 0 {
		query += ` AND job_name IN (` + placeholders(len(jobNames)) + `)`
		for _, name := range jobNames {
			args = append(args, name)
		}
	}
	var n int
	if err := s.queryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count incomplete jobs for source %d: %w", sourceID, err)
	}
	return n, nil
}

func (s *StoreImpl) DeleteCompletedJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM jobs
		WHERE status IN ('success', 'failure') AND persist = ? AND modify_date < ?`,
		false, dbTime(before))
	if err != nil {
		return 0, fmt.Errorf("delete completed jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *StoreImpl) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.JobName != "" {
		where = append(where, "job_name = ?")
		args = append(args, filter.JobName)
	}
	if filter.SourceID != nil {
		where = append(where, "source_id = ?")
		args = append(args, *filter.SourceID)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return scanJobs(rows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
