package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rpattn/recordimport/internal/db"
	"github.com/rpattn/recordimport/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const importTaskColumns = `id, entity_kind, staged_file_id, file_name, source_headers, mapping, status,
	total_records, success_count, failure_count, processed_count, progress_percent,
	cancel_requested, error_report_ref, error_message, created_by, created_at, started_at, completed_at,
	claimed_by, heartbeat_at`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type importTaskRepository struct {
	pool *pgxpool.Pool
}

// NewImportTaskRepository wires a repository backed by pgxpool.
func NewImportTaskRepository(pool *pgxpool.Pool) ImportTaskRepository {
	return &importTaskRepository{pool: pool}
}

func (r *importTaskRepository) Create(ctx context.Context, task domain.ImportTask) (domain.ImportTask, error) {
	mapping, err := json.Marshal(task.Mapping)
	if err != nil {
		return domain.ImportTask{}, fmt.Errorf("failed to marshal mapping: %w", err)
	}
	headers, err := json.Marshal(task.SourceHeaders)
	if err != nil {
		return domain.ImportTask{}, fmt.Errorf("failed to marshal source headers: %w", err)
	}

	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(
			ctx,
			`INSERT INTO import_tasks (id, entity_kind, staged_file_id, file_name, source_headers, mapping, status, total_records, created_by, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			task.ID,
			task.EntityKind,
			task.StagedFileID,
			task.FileName,
			headers,
			mapping,
			string(task.State),
			task.TotalRecords,
			task.CreatedBy,
			task.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert import task: %w", err)
		}
		for _, transition := range task.Transitions {
			if err := insertTransition(ctx, tx, task.ID, transition.State, transition.At); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.ImportTask{}, err
	}
	return r.GetByID(ctx, task.ID)
}

func (r *importTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.ImportTask, error) {
	return loadTask(ctx, r.pool, id)
}

func (r *importTaskRepository) ClaimNext(ctx context.Context, worker string, at time.Time) (*domain.ImportTask, error) {
	var claimed *domain.ImportTask
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var id uuid.UUID
		err := tx.QueryRow(
			ctx,
			`SELECT id FROM import_tasks
			 WHERE status = $1
			 ORDER BY created_at, id
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`,
			string(domain.TaskStateQueued),
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select queued import task: %w", err)
		}

		if _, err := tx.Exec(
			ctx,
			`UPDATE import_tasks
			 SET status = $2, started_at = $3, claimed_by = $4, heartbeat_at = $3, updated_at = NOW()
			 WHERE id = $1`,
			id,
			string(domain.TaskStateProcessing),
			at,
			worker,
		); err != nil {
			return fmt.Errorf("failed to claim import task: %w", err)
		}
		if err := insertTransition(ctx, tx, id, domain.TaskStateProcessing, at); err != nil {
			return err
		}

		task, err := loadTask(ctx, tx, id)
		if err != nil {
			return err
		}
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *importTaskRepository) Transition(ctx context.Context, id uuid.UUID, from, to domain.TaskState, at time.Time, errorMessage *string) (domain.ImportTask, error) {
	if !from.CanTransitionTo(to) {
		return domain.ImportTask{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	var message pgtype.Text
	if errorMessage != nil {
		message = pgtype.Text{String: *errorMessage, Valid: true}
	}

	var task domain.ImportTask
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(
			ctx,
			`UPDATE import_tasks
			 SET status = $3,
			     started_at = CASE WHEN $3 = 'processing' THEN $4 ELSE started_at END,
			     completed_at = CASE WHEN $3 IN ('completed', 'failed', 'cancelled') THEN $4 ELSE completed_at END,
			     progress_percent = CASE WHEN $3 = 'completed' THEN 100 ELSE progress_percent END,
			     error_message = COALESCE($5, error_message),
			     updated_at = NOW()
			 WHERE id = $1 AND status = $2`,
			id,
			string(from),
			string(to),
			at,
			message,
		)
		if err != nil {
			return fmt.Errorf("failed to transition import task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			current, err := loadTask(ctx, tx, id)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: task %s is %s, expected %s", domain.ErrTaskStatusConflict, id, current.State, from)
		}
		if err := insertTransition(ctx, tx, id, to, at); err != nil {
			return err
		}
		task, err = loadTask(ctx, tx, id)
		return err
	})
	if err != nil {
		return domain.ImportTask{}, err
	}
	return task, nil
}

func (r *importTaskRepository) UpdateProgress(ctx context.Context, id uuid.UUID, successCount, failureCount, processedCount int, progressPercent float64, at time.Time) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE import_tasks
		 SET success_count = GREATEST(success_count, $2),
		     failure_count = GREATEST(failure_count, $3),
		     processed_count = GREATEST(processed_count, $4),
		     progress_percent = GREATEST(progress_percent, $5),
		     heartbeat_at = GREATEST(heartbeat_at, $7),
		     updated_at = NOW()
		 WHERE id = $1 AND status = $6`,
		id,
		successCount,
		failureCount,
		processedCount,
		progressPercent,
		string(domain.TaskStateProcessing),
		at,
	)
	if err != nil {
		return fmt.Errorf("failed to update import task progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s is not processing", domain.ErrTaskStatusConflict, id)
	}
	return nil
}

func (r *importTaskRepository) RequestCancel(ctx context.Context, id uuid.UUID) (domain.ImportTask, error) {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE import_tasks SET cancel_requested = TRUE, updated_at = NOW()
		 WHERE id = $1 AND status IN ($2, $3)`,
		id,
		string(domain.TaskStateQueued),
		string(domain.TaskStateProcessing),
	)
	if err != nil {
		return domain.ImportTask{}, fmt.Errorf("failed to request import task cancellation: %w", err)
	}
	task, err := loadTask(ctx, r.pool, id)
	if err != nil {
		return domain.ImportTask{}, err
	}
	if tag.RowsAffected() == 0 {
		return task, fmt.Errorf("%w: task %s is already %s", domain.ErrTaskStatusConflict, id, task.State)
	}
	return task, nil
}

func (r *importTaskRepository) SetErrorReport(ctx context.Context, id uuid.UUID, ref string) (domain.ImportTask, error) {
	if _, err := r.pool.Exec(
		ctx,
		`UPDATE import_tasks SET error_report_ref = COALESCE(error_report_ref, $2), updated_at = NOW() WHERE id = $1`,
		id,
		ref,
	); err != nil {
		return domain.ImportTask{}, fmt.Errorf("failed to store error report reference: %w", err)
	}
	return loadTask(ctx, r.pool, id)
}

func (r *importTaskRepository) ListByState(ctx context.Context, state domain.TaskState) ([]domain.ImportTask, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+importTaskColumns+` FROM import_tasks WHERE status = $1 ORDER BY created_at, id`,
		string(state),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list import tasks: %w", err)
	}
	defer rows.Close()

	tasks := []domain.ImportTask{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate import tasks: %w", err)
	}
	return tasks, nil
}

func loadTask(ctx context.Context, q querier, id uuid.UUID) (domain.ImportTask, error) {
	task, err := scanTask(q.QueryRow(ctx, `SELECT `+importTaskColumns+` FROM import_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ImportTask{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if err != nil {
		return domain.ImportTask{}, err
	}

	rows, err := q.Query(
		ctx,
		`SELECT status, transitioned_at FROM import_task_transitions WHERE task_id = $1 ORDER BY id`,
		id,
	)
	if err != nil {
		return domain.ImportTask{}, fmt.Errorf("failed to load import task transitions: %w", err)
	}
	defer rows.Close()

	task.Transitions = []domain.TaskTransition{}
	for rows.Next() {
		var (
			state string
			at    time.Time
		)
		if err := rows.Scan(&state, &at); err != nil {
			return domain.ImportTask{}, fmt.Errorf("failed to scan import task transition: %w", err)
		}
		task.Transitions = append(task.Transitions, domain.TaskTransition{State: domain.TaskState(state), At: at})
	}
	if err := rows.Err(); err != nil {
		return domain.ImportTask{}, fmt.Errorf("failed to iterate import task transitions: %w", err)
	}
	return task, nil
}

func scanTask(row pgx.Row) (domain.ImportTask, error) {
	var (
		task         domain.ImportTask
		headers      []byte
		mapping      []byte
		state        string
		reportRef    pgtype.Text
		errorMessage pgtype.Text
		startedAt    pgtype.Timestamptz
		completedAt  pgtype.Timestamptz
		claimedBy    pgtype.Text
		heartbeatAt  pgtype.Timestamptz
	)
	if err := row.Scan(
		&task.ID,
		&task.EntityKind,
		&task.StagedFileID,
		&task.FileName,
		&headers,
		&mapping,
		&state,
		&task.TotalRecords,
		&task.SuccessCount,
		&task.FailureCount,
		&task.ProcessedCount,
		&task.ProgressPercent,
		&task.CancelRequested,
		&reportRef,
		&errorMessage,
		&task.CreatedBy,
		&task.CreatedAt,
		&startedAt,
		&completedAt,
		&claimedBy,
		&heartbeatAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ImportTask{}, err
		}
		return domain.ImportTask{}, fmt.Errorf("failed to scan import task: %w", err)
	}

	task.State = domain.TaskState(state)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &task.SourceHeaders); err != nil {
			return domain.ImportTask{}, fmt.Errorf("failed to decode import task headers: %w", err)
		}
	}
	if len(mapping) > 0 {
		if err := json.Unmarshal(mapping, &task.Mapping); err != nil {
			return domain.ImportTask{}, fmt.Errorf("failed to decode import task mapping: %w", err)
		}
	}
	if reportRef.Valid {
		value := reportRef.String
		task.ErrorReportRef = &value
	}
	if errorMessage.Valid {
		value := errorMessage.String
		task.ErrorMessage = &value
	}
	if startedAt.Valid {
		value := startedAt.Time
		task.StartedAt = &value
	}
	if completedAt.Valid {
		value := completedAt.Time
		task.CompletedAt = &value
	}
	if claimedBy.Valid {
		value := claimedBy.String
		task.ClaimedBy = &value
	}
	if heartbeatAt.Valid {
		value := heartbeatAt.Time
		task.HeartbeatAt = &value
	}
	return task, nil
}

func insertTransition(ctx context.Context, q querier, id uuid.UUID, state domain.TaskState, at time.Time) error {
	if _, err := q.Exec(
		ctx,
		`INSERT INTO import_task_transitions (task_id, status, transitioned_at) VALUES ($1, $2, $3)`,
		id,
		string(state),
		at,
	); err != nil {
		return fmt.Errorf("failed to record import task transition: %w", err)
	}
	return nil
}
