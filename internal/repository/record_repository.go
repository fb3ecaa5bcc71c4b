package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rpattn/recordimport/internal/db"
	"github.com/rpattn/recordimport/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RowRejectedError is a write failure confined to one row.
type RowRejectedError struct {
	Code    string
	Message string
}

func (e *RowRejectedError) Error() string {
	return e.Message
}

type recordRepository struct {
	pool *pgxpool.Pool
}

// NewRecordRepository wires the business record store backed by pgxpool.
func NewRecordRepository(pool *pgxpool.Pool) RecordStore {
	return &recordRepository{pool: pool}
}

func (r *recordRepository) LookupKeys(ctx context.Context, entityKind string, keys []string) (map[string]uuid.UUID, error) {
	found := make(map[string]uuid.UUID, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT business_key, id FROM business_records WHERE entity_kind = $1 AND business_key = ANY($2)`,
		entityKind,
		keys,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to look up business keys: %v", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			id  uuid.UUID
		)
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("failed to scan business key: %w", err)
		}
		found[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate business keys: %v", domain.ErrStoreUnavailable, err)
	}
	return found, nil
}

func (r *recordRepository) WithBatch(ctx context.Context, fn func(RecordWriter) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&batchWriter{tx: tx})
	})
	if err == nil || errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}

type batchWriter struct {
	tx pgx.Tx
}

// Insert writes one record under a savepoint so a rejected row leaves the
// rest of the batch intact.
func (w *batchWriter) Insert(ctx context.Context, record domain.Record) error {
	properties, err := json.Marshal(record.Properties)
	if err != nil {
		return &RowRejectedError{Code: "encode", Message: fmt.Sprintf("failed to encode record: %v", err)}
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	savepoint, err := w.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to open savepoint: %v", domain.ErrStoreUnavailable, err)
	}

	_, execErr := savepoint.Exec(
		ctx,
		`INSERT INTO business_records (id, entity_kind, business_key, reference_id, properties, import_task_id, source_row, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID,
		record.EntityKind,
		record.BusinessKey,
		record.ReferenceID,
		properties,
		record.TaskID,
		record.RowIndex,
		record.CreatedBy,
	)
	if execErr != nil {
		if rbErr := savepoint.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w: failed to roll back savepoint: %v", domain.ErrStoreUnavailable, rbErr)
		}
		return classifyWriteError(execErr)
	}

	if err := savepoint.Commit(ctx); err != nil {
		return fmt.Errorf("%w: failed to release savepoint: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// classifyWriteError treats data exceptions (SQLSTATE class 22) and
// integrity violations (class 23) as row-level; anything else means the
// connection or transaction can no longer be trusted.
func classifyWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	switch {
	case pgErr.Code == "23505":
		return &RowRejectedError{Code: pgErr.Code, Message: "a record with the same business key already exists"}
	case pgErr.Code == "23503":
		return &RowRejectedError{Code: pgErr.Code, Message: "referenced record no longer exists"}
	case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
		return &RowRejectedError{Code: pgErr.Code, Message: pgErr.Message}
	default:
		return fmt.Errorf("%w: %s (%s)", domain.ErrStoreUnavailable, pgErr.Message, pgErr.Code)
	}
}
