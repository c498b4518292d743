package primary

import (
	"context"
	"fmt"

	"coralnet/internal/models"
)

// --- Error Log Store Implementation ---

func (s *StoreImpl) CreateErrorLog(ctx context.Context, entry *models.ErrorLog) error {
	if entry.CreateDate.IsZero() {
		entry.CreateDate = nowUTC()
	}
	id, err := s.insertID(ctx, `INSERT INTO error_logs (kind, html, path, info, data, create_date) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Kind, entry.HTML, entry.Path, entry.Info, entry.Data, dbTime(entry.CreateDate))
	if err != nil {
		return fmt.Errorf("create error log %q: %w", entry.Kind, err)
	}
	entry.ID = id
	return nil
}

func (s *StoreImpl) ListErrorLogs(ctx context.Context, limit int) ([]*models.ErrorLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `SELECT id, kind, html, path, info, data, create_date FROM error_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list error logs: %w", err)
	}
	defer rows.Close()
	var out []*models.ErrorLog
	for rows.Next() {
		var e models.ErrorLog
		if err := rows.Scan(&e.ID, &e.Kind, &e.HTML, &e.Path, &e.Info, &e.Data, &e.CreateDate); err != nil {
			return nil, fmt.Errorf("scan error log: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
