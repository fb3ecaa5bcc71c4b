package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rpattn/recordimport/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowFailureRepository struct {
	pool *pgxpool.Pool
}

// NewRowFailureRepository wires a repository backed by pgxpool.
func NewRowFailureRepository(pool *pgxpool.Pool) RowFailureRepository {
	return &rowFailureRepository{pool: pool}
}

func (r *rowFailureRepository) RecordBatch(ctx context.Context, failures []domain.RowFailure) error {
	if r.pool == nil {
		return fmt.Errorf("row failure repository not initialized")
	}
	if len(failures) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, failure := range failures {
		values, err := json.Marshal(failure.Values)
		if err != nil {
			return fmt.Errorf("failed to marshal row values: %w", err)
		}
		reasons, err := json.Marshal(failure.Reasons)
		if err != nil {
			return fmt.Errorf("failed to marshal row reasons: %w", err)
		}
		batch.Queue(
			`INSERT INTO import_row_failures (task_id, row_index, row_values, reasons) VALUES ($1, $2, $3, $4)`,
			failure.TaskID,
			failure.RowIndex,
			values,
			reasons,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	for range failures {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to record row failure: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to record row failures: %w", err)
	}
	return nil
}

func (r *rowFailureRepository) ListByTask(ctx context.Context, taskID uuid.UUID) ([]domain.RowFailure, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("row failure repository not initialized")
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT row_index, row_values, reasons
		 FROM import_row_failures
		 WHERE task_id = $1
		 ORDER BY row_index, id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list row failures: %w", err)
	}
	defer rows.Close()

	failures := []domain.RowFailure{}
	for rows.Next() {
		var (
			failure = domain.RowFailure{TaskID: taskID}
			values  []byte
			reasons []byte
		)
		if scanErr := rows.Scan(&failure.RowIndex, &values, &reasons); scanErr != nil {
			return nil, fmt.Errorf("failed to scan row failure: %w", scanErr)
		}
		if err := json.Unmarshal(values, &failure.Values); err != nil {
			return nil, fmt.Errorf("failed to decode row values: %w", err)
		}
		if err := json.Unmarshal(reasons, &failure.Reasons); err != nil {
			return nil, fmt.Errorf("failed to decode row reasons: %w", err)
		}
		failures = append(failures, failure)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate row failures: %w", rowsErr)
	}
	return failures, nil
}
