package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/mirror_downloader/internal/storage"
)

const selectDownloads = `SELECT
		id,
		batch_id,
		repository,
		url,
		mirror,
		file_path,
		status,
		skipped,
		attempts,
		bytes,
		kind,
		error,
		downloaded_at,
		instance_id
	FROM downloads`

type DownloadReadRepository struct {
	db *sql.DB
}

func NewDownloadReadRepository(dbConn *sql.DB) *DownloadReadRepository {
	return &DownloadReadRepository{db: dbConn}
}

// GetDownloads returns the most recent records, newest first, up to limit.
func (r *DownloadReadRepository) GetDownloads(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectDownloads+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetBatch returns the records of one batch in the order they were settled.
func (r *DownloadReadRepository) GetBatch(ctx context.Context, batchID string) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectDownloads+` WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, storage.ErrBatchNotFound
	}

	return records, nil
}

func scanRecords(rows *sql.Rows) ([]storage.DownloadRecord, error) {
	var downloads []storage.DownloadRecord

	for rows.Next() {
		var (
			record                   storage.DownloadRecord
			rawURL, mirror, kind, errMsg, id sql.NullString
			downloadedAt             string
		)

		if err := rows.Scan(
			&record.ID,
			&record.BatchID,
			&record.Repository,
			&rawURL,
			&mirror,
			&record.FilePath,
			&record.Status,
			&record.Skipped,
			&record.Attempts,
			&record.Bytes,
			&kind,
			&errMsg,
			&downloadedAt,
			&id,
		); err != nil {
			return nil, err
		}

		record.URL = rawURL.String
		record.Mirror = mirror.String
		record.Kind = kind.String
		record.Error = errMsg.String
		record.InstanceID = id.String

		if t, err := time.Parse(timeLayout, downloadedAt); err == nil {
			record.DownloadedAt = t
		}

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}
