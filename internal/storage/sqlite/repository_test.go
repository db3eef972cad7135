package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/mirror_downloader/internal/storage"
)

func newTestRepository(t *testing.T) *InstrumentedDownloadRepository {
	t.Helper()

	db, err := InitDB(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewInstrumentedDownloadRepository(db, nil)
}

func TestDownloadRepository_TrackAndGetBatch(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{
		BatchID:    "b1",
		Repository: "base",
		URL:        "http://a.example.org/base/foo.rpm",
		Mirror:     "http://a.example.org/base/foo.rpm",
		FilePath:   "/cache/base/foo.rpm",
		Status:     "succeeded",
		Attempts:   1,
		Bytes:      2048,
		InstanceID: "host-1-abcd",
	}))
	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{
		BatchID:    "b1",
		Repository: "base",
		FilePath:   "/cache/base/bar.rpm",
		Status:     "failed",
		Attempts:   2,
		Kind:       "connect_timeout",
		Error:      "connect timeout",
	}))
	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{
		BatchID:    "b2",
		Repository: "updates",
		FilePath:   "/cache/updates/k.rpm",
		Status:     "succeeded",
		Skipped:    true,
	}))

	records, err := repo.GetBatch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "/cache/base/foo.rpm", records[0].FilePath)
	assert.Equal(t, "http://a.example.org/base/foo.rpm", records[0].Mirror)
	assert.Equal(t, "http://a.example.org/base/foo.rpm", records[0].URL)
	assert.Equal(t, int64(2048), records[0].Bytes)
	assert.Equal(t, "host-1-abcd", records[0].InstanceID)
	assert.False(t, records[0].DownloadedAt.IsZero())

	assert.Equal(t, "failed", records[1].Status)
	assert.Equal(t, "connect_timeout", records[1].Kind)
	assert.Empty(t, records[1].Mirror)

	all, err := repo.GetDownloads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b2", all[0].BatchID, "newest first")
	assert.True(t, all[0].Skipped)

	_, err = repo.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrBatchNotFound)
}

func TestDownloadRepository_PruneBefore(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	now := time.Now().UTC()

	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{
		BatchID: "old", Repository: "base", FilePath: "/a", Status: "succeeded",
		DownloadedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, repo.TrackDownload(ctx, storage.DownloadRecord{
		BatchID: "new", Repository: "base", FilePath: "/b", Status: "succeeded",
		DownloadedAt: now,
	}))

	n, err := repo.PruneBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetBatch(ctx, "old")
	require.ErrorIs(t, err, storage.ErrBatchNotFound)

	records, err := repo.GetBatch(ctx, "new")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
