package imports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/recordimport/internal/auth"
	"github.com/rpattn/recordimport/internal/domain"
	"github.com/rpattn/recordimport/internal/ingestion"
	"github.com/rpattn/recordimport/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeTaskRepo struct {
	mu            sync.Mutex
	tasks         map[uuid.UUID]domain.ImportTask
	progressCalls int
	transitionErr error
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{tasks: map[uuid.UUID]domain.ImportTask{}}
}

func cloneTask(task domain.ImportTask) domain.ImportTask {
	task.Transitions = append([]domain.TaskTransition(nil), task.Transitions...)
	task.Mapping = append(domain.ColumnMapping(nil), task.Mapping...)
	return task
}

func (r *fakeTaskRepo) Create(_ context.Context, task domain.ImportTask) (domain.ImportTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = cloneTask(task)
	return cloneTask(task), nil
}

func (r *fakeTaskRepo) GetByID(_ context.Context, id uuid.UUID) (domain.ImportTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return domain.ImportTask{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return cloneTask(task), nil
}

func (r *fakeTaskRepo) ClaimNext(_ context.Context, worker string, at time.Time) (*domain.ImportTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queued := make([]domain.ImportTask, 0)
	for _, task := range r.tasks {
		if task.State == domain.TaskStateQueued {
			queued = append(queued, task)
		}
	}
	if len(queued) == 0 {
		return nil, nil
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })
	task := queued[0]
	if err := task.Claim(worker, at); err != nil {
		return nil, err
	}
	r.tasks[task.ID] = task
	claimed := cloneTask(task)
	return &claimed, nil
}

func (r *fakeTaskRepo) Transition(_ context.Context, id uuid.UUID, from, to domain.TaskState, at time.Time, errorMessage *string) (domain.ImportTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transitionErr != nil {
		return domain.ImportTask{}, r.transitionErr
	}
	task, ok := r.tasks[id]
	if !ok {
		return domain.ImportTask{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if task.State != from {
		return domain.ImportTask{}, fmt.Errorf("%w: task %s is %s", domain.ErrTaskStatusConflict, id, task.State)
	}
	if err := task.Transition(to, at); err != nil {
		return domain.ImportTask{}, err
	}
	if errorMessage != nil {
		task.ErrorMessage = errorMessage
	}
	r.tasks[id] = task
	return cloneTask(task), nil
}

func (r *fakeTaskRepo) UpdateProgress(_ context.Context, id uuid.UUID, successCount, failureCount, processedCount int, progressPercent float64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || task.State != domain.TaskStateProcessing {
		return fmt.Errorf("%w: task %s is not processing", domain.ErrTaskStatusConflict, id)
	}
	r.progressCalls++
	task.SuccessCount = max(task.SuccessCount, successCount)
	task.FailureCount = max(task.FailureCount, failureCount)
	task.ProcessedCount = max(task.ProcessedCount, processedCount)
	task.ProgressPercent = max(task.ProgressPercent, progressPercent)
	if task.HeartbeatAt == nil || at.After(*task.HeartbeatAt) {
		task.HeartbeatAt = &at
	}
	r.tasks[id] = task
	return nil
}

func (r *fakeTaskRepo) RequestCancel(_ context.Context, id uuid.UUID) (domain.ImportTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return domain.ImportTask{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if task.State.Terminal() {
		return cloneTask(task), fmt.Errorf("%w: task %s is already %s", domain.ErrTaskStatusConflict, id, task.State)
	}
	task.CancelRequested = true
	r.tasks[id] = task
	return cloneTask(task), nil
}

func (r *fakeTaskRepo) SetErrorReport(_ context.Context, id uuid.UUID, ref string) (domain.ImportTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return domain.ImportTask{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if task.ErrorReportRef == nil {
		task.ErrorReportRef = &ref
	}
	r.tasks[id] = task
	return cloneTask(task), nil
}

func (r *fakeTaskRepo) ListByState(_ context.Context, state domain.TaskState) ([]domain.ImportTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := []domain.ImportTask{}
	for _, task := range r.tasks {
		if task.State == state {
			tasks = append(tasks, cloneTask(task))
		}
	}
	return tasks, nil
}

type fakeFailureRepo struct {
	mu       sync.Mutex
	failures map[uuid.UUID][]domain.RowFailure
}

func newFakeFailureRepo() *fakeFailureRepo {
	return &fakeFailureRepo{failures: map[uuid.UUID][]domain.RowFailure{}}
}

func (r *fakeFailureRepo) RecordBatch(_ context.Context, failures []domain.RowFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, failure := range failures {
		r.failures[failure.TaskID] = append(r.failures[failure.TaskID], failure)
	}
	return nil
}

func (r *fakeFailureRepo) ListByTask(_ context.Context, taskID uuid.UUID) ([]domain.RowFailure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RowFailure(nil), r.failures[taskID]...), nil
}

type fakeHistoryRepo struct {
	mu      sync.Mutex
	entries []domain.ImportHistoryEntry
}

func (r *fakeHistoryRepo) Record(_ context.Context, entry domain.ImportHistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries {
		if existing.TaskID == entry.TaskID {
			return nil
		}
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *fakeHistoryRepo) List(_ context.Context, offset, limit int) ([]domain.ImportHistoryEntry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := append([]domain.ImportHistoryEntry(nil), r.entries...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CompletedAt.After(entries[j].CompletedAt) })
	if limit <= 0 {
		limit = 50
	}
	if offset >= len(entries) {
		return []domain.ImportHistoryEntry{}, len(r.entries), nil
	}
	end := min(offset+limit, len(entries))
	return entries[offset:end], len(r.entries), nil
}

// fakeRecordStore enforces unique business keys per kind like the
// business_records index and rolls a batch back when fn fails.
type fakeRecordStore struct {
	mu          sync.Mutex
	keys        map[string]map[string]uuid.UUID
	inserted    []domain.Record
	lookupCalls int
	// rejectRow rejects the record built from a row index.
	rejectRow map[int]string
	// failOnBatch makes the n-th WithBatch call (1-based) fail.
	failOnBatch  int
	panicOnBatch bool
	batches      int
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{keys: map[string]map[string]uuid.UUID{}, rejectRow: map[int]string{}}
}

func (s *fakeRecordStore) seed(kind, key string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[kind] == nil {
		s.keys[kind] = map[string]uuid.UUID{}
	}
	id := uuid.New()
	s.keys[kind][key] = id
	return id
}

func (s *fakeRecordStore) LookupKeys(_ context.Context, kind string, keys []string) (map[string]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookupCalls++
	found := map[string]uuid.UUID{}
	for _, key := range keys {
		if id, ok := s.keys[kind][key]; ok {
			found[key] = id
		}
	}
	return found, nil
}

func (s *fakeRecordStore) WithBatch(ctx context.Context, fn func(repository.RecordWriter) error) error {
	s.mu.Lock()
	s.batches++
	fail := s.failOnBatch > 0 && s.batches == s.failOnBatch
	panicking := s.panicOnBatch
	s.mu.Unlock()
	if panicking {
		panic("record store exploded")
	}
	if fail {
		return fmt.Errorf("%w: connection reset", domain.ErrStoreUnavailable)
	}

	writer := &fakeBatchWriter{store: s, pending: map[string]map[string]uuid.UUID{}}
	if err := fn(writer); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, keys := range writer.pending {
		if s.keys[kind] == nil {
			s.keys[kind] = map[string]uuid.UUID{}
		}
		for key, id := range keys {
			s.keys[kind][key] = id
		}
	}
	s.inserted = append(s.inserted, writer.records...)
	return nil
}

func (s *fakeRecordStore) insertedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

type fakeBatchWriter struct {
	store   *fakeRecordStore
	pending map[string]map[string]uuid.UUID
	records []domain.Record
}

func (w *fakeBatchWriter) Insert(_ context.Context, record domain.Record) error {
	w.store.mu.Lock()
	reason, reject := w.store.rejectRow[record.RowIndex]
	_, exists := w.store.keys[record.EntityKind][derefKey(record.BusinessKey)]
	w.store.mu.Unlock()

	if reject {
		return &repository.RowRejectedError{Code: "23514", Message: reason}
	}
	if record.BusinessKey != nil {
		_, pending := w.pending[record.EntityKind][*record.BusinessKey]
		if exists || pending {
			return &repository.RowRejectedError{Code: "23505", Message: fmt.Sprintf("duplicate business key %q", *record.BusinessKey)}
		}
		if w.pending[record.EntityKind] == nil {
			w.pending[record.EntityKind] = map[string]uuid.UUID{}
		}
		w.pending[record.EntityKind][*record.BusinessKey] = record.ID
	}
	w.records = append(w.records, record)
	return nil
}

func derefKey(key *string) string {
	if key == nil {
		return "\x00"
	}
	return *key
}

type memoryReportStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	saves   int
}

func newMemoryReportStorage() *memoryReportStorage {
	return &memoryReportStorage{objects: map[string][]byte{}}
}

func (s *memoryReportStorage) Save(_ context.Context, name string, write func(io.Writer) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[name]; ok {
		return name, nil
	}
	buf := &bytesBuffer{}
	if err := write(buf); err != nil {
		return "", err
	}
	s.objects[name] = buf.data
	s.saves++
	return name, nil
}

func (s *memoryReportStorage) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[ref]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(&bytesReader{data: data}), nil
}

type bytesBuffer struct{ data []byte }

func (b *bytesBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

type bytesReader struct {
	data []byte
	off  int
}

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

type pipeline struct {
	service  *Service
	executor *Executor
	pool     *Pool
	tasks    *fakeTaskRepo
	failures *fakeFailureRepo
	history  *fakeHistoryRepo
	records  *fakeRecordStore
	storage  *memoryReportStorage
	staging  *ingestion.StagedStore
}

func newPipeline(t *testing.T, batchSize int) *pipeline {
	t.Helper()
	catalog, err := domain.ParseCatalog(domain.DefaultCatalogDocument())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	staging, err := ingestion.NewStagedStore(t.TempDir(), time.Hour, logger)
	require.NoError(t, err)

	p := &pipeline{
		tasks:    newFakeTaskRepo(),
		failures: newFakeFailureRepo(),
		history:  &fakeHistoryRepo{},
		records:  newFakeRecordStore(),
		storage:  newMemoryReportStorage(),
		staging:  staging,
	}
	reports := NewReportGenerator(p.failures, p.tasks, p.storage)
	p.executor = NewExecutor(catalog, staging, p.tasks, p.failures, p.history, p.records, reports,
		WithBatchSize(batchSize),
		WithExecutorLogger(logger),
	)
	p.pool = NewPool(p.tasks, p.executor, WithWorkers(2), WithPoolLogger(logger))
	validator := ingestion.NewValidator(catalog, p.records, 100)
	p.service = NewService(catalog, ingestion.NewParser(ingestion.Limits{}), staging, validator, p.tasks, p.history, reports, p.storage,
		WithNotifier(p.pool.Notify),
		WithLogger(logger),
		WithDownloadSigning("test-secret", time.Minute),
	)
	return p
}

func fullAccess() context.Context {
	return auth.ContextWithIdentity(context.Background(), auth.Identity{UserID: "importer", Scope: auth.ScopeFull})
}

func (p *pipeline) stage(t *testing.T, headers []string, rows [][]string) domain.StagedFile {
	t.Helper()
	staged, err := p.staging.Stage(context.Background(), "upload.csv", ingestion.Table{Headers: headers, Rows: rows})
	require.NoError(t, err)
	return staged
}

// drain runs queued tasks synchronously until the queue is empty.
func (p *pipeline) drain(t *testing.T) {
	t.Helper()
	for {
		claimed, err := p.pool.RunOnce(context.Background())
		require.NoError(t, err)
		if !claimed {
			return
		}
	}
}
