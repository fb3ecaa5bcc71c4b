package imports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"cloud.google.com/go/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

func TestLocalReportStorageSaveIsIdempotent(t *testing.T) {
	storage, err := NewLocalReportStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := storage.Save(ctx, "report.xlsx", func(w io.Writer) error {
		_, err := io.WriteString(w, "first")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "report.xlsx", ref)

	again, err := storage.Save(ctx, "report.xlsx", func(w io.Writer) error {
		_, err := io.WriteString(w, "second")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	reader, err := storage.Open(ctx, ref)
	require.NoError(t, err)
	defer reader.Close()
	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "first", string(content))
}

func TestLocalReportStorageDiscardsFailedWrites(t *testing.T) {
	storage, err := NewLocalReportStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = storage.Save(ctx, "broken.xlsx", func(w io.Writer) error {
		return errors.New("render failed")
	})
	require.Error(t, err)

	_, err = storage.Open(ctx, "broken.xlsx")
	assert.Error(t, err)
}

func TestObjectExists(t *testing.T) {
	assert.True(t, objectExists(fmt.Errorf("close: %w", &googleapi.Error{Code: http.StatusPreconditionFailed})))
	assert.False(t, objectExists(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, objectExists(errors.New("network")))
}

func TestGCSReportStorageFailedRenderUploadsNothing(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx := context.Background()
	client, err := storage.NewClient(ctx,
		option.WithEndpoint(server.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(server.Client()),
	)
	require.NoError(t, err)
	defer client.Close()

	reports := NewGCSReportStorage(client, "import-reports", "errors")
	_, err = reports.Save(ctx, "customers-errors.xlsx", func(w io.Writer) error {
		if _, err := io.WriteString(w, "partial workbook"); err != nil {
			return err
		}
		return errors.New("render failed")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render failed")
	assert.Zero(t, requests.Load())
}
