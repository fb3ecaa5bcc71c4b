package repository

import (
	"context"
	"fmt"

	"github.com/rpattn/recordimport/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type importHistoryRepository struct {
	pool *pgxpool.Pool
}

// NewImportHistoryRepository wires a repository backed by pgxpool.
func NewImportHistoryRepository(pool *pgxpool.Pool) ImportHistoryRepository {
	return &importHistoryRepository{pool: pool}
}

// Record writes entry once; repeated finalization of the same task is a no-op.
func (r *importHistoryRepository) Record(ctx context.Context, entry domain.ImportHistoryEntry) error {
	if r.pool == nil {
		return fmt.Errorf("import history repository not initialized")
	}

	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO import_history (task_id, entity_kind, file_name, status, total_records, success_count, failure_count, created_by, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (task_id) DO NOTHING`,
		entry.TaskID,
		entry.EntityKind,
		entry.FileName,
		string(entry.State),
		entry.TotalRecords,
		entry.SuccessCount,
		entry.FailureCount,
		entry.CreatedBy,
		entry.CreatedAt,
		entry.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record import history: %w", err)
	}
	return nil
}

func (r *importHistoryRepository) List(ctx context.Context, offset, limit int) ([]domain.ImportHistoryEntry, int, error) {
	if r.pool == nil {
		return nil, 0, fmt.Errorf("import history repository not initialized")
	}

	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM import_history`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count import history: %w", err)
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT task_id, entity_kind, file_name, status, total_records, success_count, failure_count, created_by, created_at, completed_at
		 FROM import_history
		 ORDER BY completed_at DESC, task_id
		 LIMIT $1 OFFSET $2`,
		limit,
		offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list import history: %w", err)
	}
	defer rows.Close()

	entries := []domain.ImportHistoryEntry{}
	for rows.Next() {
		var (
			entry domain.ImportHistoryEntry
			state string
		)
		if scanErr := rows.Scan(
			&entry.TaskID,
			&entry.EntityKind,
			&entry.FileName,
			&state,
			&entry.TotalRecords,
			&entry.SuccessCount,
			&entry.FailureCount,
			&entry.CreatedBy,
			&entry.CreatedAt,
			&entry.CompletedAt,
		); scanErr != nil {
			return nil, 0, fmt.Errorf("failed to scan import history: %w", scanErr)
		}
		entry.State = domain.TaskState(state)
		entries = append(entries, entry)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, 0, fmt.Errorf("failed to iterate import history: %w", rowsErr)
	}
	return entries, total, nil
}
