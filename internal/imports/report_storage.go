package imports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// ReportStorage persists rendered error reports. Save is idempotent per name:
// a second save of the same name keeps the first object and returns its
// reference.
type ReportStorage interface {
	Save(ctx context.Context, name string, write func(io.Writer) error) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// LocalReportStorage keeps reports in a directory.
type LocalReportStorage struct {
	dir string
}

// NewLocalReportStorage creates dir when missing.
func NewLocalReportStorage(dir string) (*LocalReportStorage, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("report directory is not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure report directory: %w", err)
	}
	return &LocalReportStorage{dir: filepath.Clean(dir)}, nil
}

func (s *LocalReportStorage) Save(ctx context.Context, name string, write func(io.Writer) error) (string, error) {
	name = filepath.Base(name)
	finalPath := filepath.Join(s.dir, name)
	if _, err := os.Stat(finalPath); err == nil {
		return name, nil
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create report file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := write(tmp); err != nil {
		cleanup()
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("sync report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close report: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("finalize report: %w", err)
	}
	return name, nil
}

func (s *LocalReportStorage) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(s.dir, filepath.Base(ref)))
	if err != nil {
		return nil, fmt.Errorf("open report %s: %w", ref, err)
	}
	return file, nil
}

// GCSReportStorage keeps reports in a Cloud Storage bucket under prefix.
type GCSReportStorage struct {
	bucket     *storage.BucketHandle
	bucketName string
	prefix     string
}

// NewGCSReportStorage wraps a bucket of client.
func NewGCSReportStorage(client *storage.Client, bucketName, prefix string) *GCSReportStorage {
	return &GCSReportStorage{
		bucket:     client.Bucket(bucketName),
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
	}
}

// Save writes the object only if it does not exist yet. The report is
// rendered before the upload starts so a failed render never leaves a
// partial object behind.
func (s *GCSReportStorage) Save(ctx context.Context, name string, write func(io.Writer) error) (string, error) {
	objectName := path.Join(s.prefix, path.Base(name))
	ref := fmt.Sprintf("gs://%s/%s", s.bucketName, objectName)

	var rendered bytes.Buffer
	if err := write(&rendered); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}

	// Cancelling the writer context aborts the upload; Close would commit it.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	writer := s.bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(wctx)
	writer.ContentType = reportContentType

	if _, err := io.Copy(writer, &rendered); err != nil {
		cancel()
		if objectExists(err) {
			return ref, nil
		}
		return "", fmt.Errorf("upload report to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		if objectExists(err) {
			return ref, nil
		}
		return "", fmt.Errorf("finalize GCS report: %w", err)
	}
	return ref, nil
}

func (s *GCSReportStorage) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	objectName, ok := strings.CutPrefix(ref, fmt.Sprintf("gs://%s/", s.bucketName))
	if !ok {
		return nil, fmt.Errorf("report %s is not stored in bucket %s", ref, s.bucketName)
	}
	reader, err := s.bucket.Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open GCS report %s: %w", ref, err)
	}
	return reader, nil
}

func objectExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
