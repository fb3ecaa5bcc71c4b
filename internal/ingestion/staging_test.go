package ingestion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rpattn/recordimport/internal/domain"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, dir string, clock *fakeClock) *StagedStore {
	t.Helper()
	store, err := NewStagedStore(dir, time.Hour, discardLogger(), WithStagingClock(clock.Now))
	if err != nil {
		t.Fatalf("new staged store: %v", err)
	}
	return store
}

func sampleTable() Table {
	return Table{
		Headers: []string{"客户名称", "客户类型"},
		Rows:    [][]string{{"华为", "企业"}, {"小米", "企业"}},
	}
}

func TestStagedStoreRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	store := newTestStore(t, t.TempDir(), clock)
	ctx := context.Background()

	staged, err := store.Stage(ctx, "customers.csv", sampleTable())
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if staged.RowCount != 2 || staged.ID == "" {
		t.Fatalf("unexpected staged file: %+v", staged)
	}

	got, err := store.Get(ctx, staged.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FileName != "customers.csv" || len(got.Rows) != 2 || got.Rows[1][0] != "小米" {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

func TestStagedStoreHidesExpiredEntries(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := newTestStore(t, t.TempDir(), clock)
	ctx := context.Background()

	staged, err := store.Stage(ctx, "a.csv", sampleTable())
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	clock.Advance(time.Hour)

	if _, err := store.Get(ctx, staged.ID); !errors.Is(err, domain.ErrStagedFileNotFound) {
		t.Fatalf("expected expired entry to be hidden before sweep, got %v", err)
	}
	if err := store.Retain(staged.ID); !errors.Is(err, domain.ErrStagedFileNotFound) {
		t.Fatalf("expected retain of expired entry to fail, got %v", err)
	}
	if n := store.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept entry, got %d", n)
	}
}

func TestStagedStoreLeasesOutliveExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	dir := t.TempDir()
	store := newTestStore(t, dir, clock)
	ctx := context.Background()

	staged, err := store.Stage(ctx, "a.csv", sampleTable())
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := store.Retain(staged.ID); err != nil {
		t.Fatalf("retain: %v", err)
	}
	clock.Advance(3 * time.Hour)

	if n := store.Sweep(); n != 0 {
		t.Fatalf("leased entry must survive sweep, swept %d", n)
	}
	if _, err := store.Get(ctx, staged.ID); err != nil {
		t.Fatalf("leased entry must stay readable: %v", err)
	}

	if err := store.Expire(ctx, staged.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if _, err := store.Get(ctx, staged.ID); err != nil {
		t.Fatalf("expire must wait for the lease to end: %v", err)
	}

	store.Release(staged.ID)
	if _, err := store.Get(ctx, staged.ID); !errors.Is(err, domain.ErrStagedFileNotFound) {
		t.Fatalf("expected entry gone after release, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, staged.ID+stagedFileExt)); !os.IsNotExist(err) {
		t.Fatalf("expected spill file removed, stat err = %v", err)
	}
}

func TestStagedStoreRescansDirectory(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	dir := t.TempDir()
	first := newTestStore(t, dir, clock)

	staged, err := first.Stage(context.Background(), "a.csv", sampleTable())
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	clock.Advance(2 * time.Hour)
	second := newTestStore(t, dir, clock)
	if _, err := second.Get(context.Background(), staged.ID); !errors.Is(err, domain.ErrStagedFileNotFound) {
		t.Fatalf("expected rescanned expired entry to be hidden, got %v", err)
	}
	if err := second.Restore(staged.ID); err != nil {
		t.Fatalf("restore after restart: %v", err)
	}
	if got, err := second.Get(context.Background(), staged.ID); err != nil || got.RowCount != 2 {
		t.Fatalf("expected restored entry readable, got %+v, %v", got, err)
	}
}
