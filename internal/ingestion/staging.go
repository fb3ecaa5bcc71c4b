package ingestion

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rpattn/recordimport/internal/domain"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const stagedFileExt = ".msgpack"

// StagedStore keeps parsed uploads on disk under generated ids. Only metadata
// stays resident; rows are decoded on demand.
type StagedStore struct {
	dir    string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*stagedEntry
}

type stagedEntry struct {
	meta   domain.StagedFile
	leases int
	// dropOnRelease defers an explicit Expire until the last lease ends.
	dropOnRelease bool
}

// StagedStoreOption customises a StagedStore.
type StagedStoreOption func(*StagedStore)

// WithStagingClock overrides the time source.
func WithStagingClock(now func() time.Time) StagedStoreOption {
	return func(s *StagedStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStagedStore opens the staging directory and indexes files left by a
// previous process.
func NewStagedStore(dir string, ttl time.Duration, logger *slog.Logger, opts ...StagedStoreOption) (*StagedStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("staging directory is required")
	}
	if ttl <= 0 {
		return nil, errors.New("staging ttl must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	store := &StagedStore{
		dir:     dir,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*stagedEntry),
	}
	for _, opt := range opts {
		opt(store)
	}
	store.scanExisting()
	return store, nil
}

// Stage persists table under a new id.
func (s *StagedStore) Stage(ctx context.Context, fileName string, table Table) (domain.StagedFile, error) {
	if err := ctx.Err(); err != nil {
		return domain.StagedFile{}, err
	}

	now := s.now().UTC()
	staged := domain.StagedFile{
		ID:        uuid.NewString(),
		FileName:  fileName,
		Headers:   table.Headers,
		Rows:      table.Rows,
		RowCount:  len(table.Rows),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.write(staged); err != nil {
		return domain.StagedFile{}, err
	}

	meta := staged
	meta.Rows = nil
	s.mu.Lock()
	s.entries[staged.ID] = &stagedEntry{meta: meta}
	s.mu.Unlock()

	return staged, nil
}

// Get returns the staged file with its rows. Expired entries are reported
// as not found unless a task holds a lease on them.
func (s *StagedStore) Get(ctx context.Context, id string) (domain.StagedFile, error) {
	if err := ctx.Err(); err != nil {
		return domain.StagedFile{}, err
	}

	s.mu.RLock()
	entry, ok := s.entries[id]
	live := ok && s.liveLocked(entry)
	s.mu.RUnlock()
	if !live {
		return domain.StagedFile{}, fmt.Errorf("%w: %s", domain.ErrStagedFileNotFound, id)
	}

	staged, err := s.read(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.StagedFile{}, fmt.Errorf("%w: %s", domain.ErrStagedFileNotFound, id)
		}
		return domain.StagedFile{}, err
	}
	return staged, nil
}

// Expire removes an entry. A leased entry is removed once its last lease is
// released.
func (s *StagedStore) Expire(ctx context.Context, id string) error {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if entry.leases > 0 {
		entry.dropOnRelease = true
		s.mu.Unlock()
		return nil
	}
	delete(s.entries, id)
	s.mu.Unlock()

	return s.remove(id)
}

// Retain pins a live entry so it outlives its expiry window.
func (s *StagedStore) Retain(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok || !s.liveLocked(entry) {
		return fmt.Errorf("%w: %s", domain.ErrStagedFileNotFound, id)
	}
	entry.leases++
	return nil
}

// Restore pins an entry found on disk regardless of its expiry window. It is
// used at start-up to re-attach files to tasks that were still queued.
func (s *StagedStore) Restore(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrStagedFileNotFound, id)
	}
	entry.leases++
	return nil
}

// Release drops one lease taken by Retain or Restore.
func (s *StagedStore) Release(id string) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if !ok || entry.leases == 0 {
		s.mu.Unlock()
		return
	}
	entry.leases--
	drop := entry.leases == 0 && entry.dropOnRelease
	if drop {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if drop {
		if err := s.remove(id); err != nil {
			s.logger.Warn("failed to remove released staged file", slog.String("staged_file_id", id), slog.Any("error", err))
		}
	}
}

// Sweep deletes every expired, unleased entry and returns how many went.
func (s *StagedStore) Sweep() int {
	now := s.now()
	var expired []string

	s.mu.Lock()
	for id, entry := range s.entries {
		if entry.leases == 0 && entry.meta.Expired(now) {
			expired = append(expired, id)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		if err := s.remove(id); err != nil {
			s.logger.Warn("failed to remove expired staged file", slog.String("staged_file_id", id), slog.Any("error", err))
		}
	}
	return len(expired)
}

// Run sweeps on every tick until ctx is done.
func (s *StagedStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("swept expired staged files", slog.Int("count", n))
			}
		}
	}
}

func (s *StagedStore) liveLocked(entry *stagedEntry) bool {
	return entry.leases > 0 || !entry.meta.Expired(s.now())
}

func (s *StagedStore) path(id string) string {
	return filepath.Join(s.dir, id+stagedFileExt)
}

func (s *StagedStore) write(staged domain.StagedFile) error {
	tmp, err := os.CreateTemp(s.dir, "staging-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	writer := bufio.NewWriter(tmp)
	if err := msgpack.NewEncoder(writer).Encode(&staged); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to encode staged file: %w", err)
	}
	if err := writer.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush staged file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close staged file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(staged.ID)); err != nil {
		return fmt.Errorf("failed to finalize staged file: %w", err)
	}
	return nil
}

func (s *StagedStore) read(id string) (domain.StagedFile, error) {
	file, err := os.Open(s.path(id))
	if err != nil {
		return domain.StagedFile{}, err
	}
	defer file.Close()

	var staged domain.StagedFile
	if err := msgpack.NewDecoder(bufio.NewReader(file)).Decode(&staged); err != nil {
		return domain.StagedFile{}, fmt.Errorf("failed to decode staged file %s: %w", id, err)
	}
	return staged, nil
}

func (s *StagedStore) remove(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove staged file %s: %w", id, err)
	}
	return nil
}

func (s *StagedStore) scanExisting() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("failed to scan staging directory", slog.String("dir", s.dir), slog.Any("error", err))
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != stagedFileExt {
			continue
		}
		id := strings.TrimSuffix(name, stagedFileExt)
		staged, err := s.read(id)
		if err != nil {
			s.logger.Warn("skipping unreadable staged file", slog.String("file", name), slog.Any("error", err))
			continue
		}
		staged.Rows = nil
		s.entries[id] = &stagedEntry{meta: staged}
	}
	s.logger.Info("indexed staged files", slog.Int("count", len(s.entries)))
}
