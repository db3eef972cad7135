package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/mirror_downloader/internal/storage"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DownloadWriteRepository implements storage.DownloadWriteRepository
// and stores download records in SQLite.
type DownloadWriteRepository struct {
	db *sql.DB
}

func NewDownloadWriteRepository(db *sql.DB) *DownloadWriteRepository {
	return &DownloadWriteRepository{db: db}
}

func (r *DownloadWriteRepository) TrackDownload(ctx context.Context, rec storage.DownloadRecord) error {
	if rec.DownloadedAt.IsZero() {
		rec.DownloadedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (
			batch_id, repository, url, mirror, file_path, status, skipped,
			attempts, bytes, kind, error, downloaded_at, instance_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.BatchID, rec.Repository, nullable(rec.URL), nullable(rec.Mirror), rec.FilePath, rec.Status, rec.Skipped,
		rec.Attempts, rec.Bytes, nullable(rec.Kind), nullable(rec.Error),
		rec.DownloadedAt.UTC().Format(timeLayout), nullable(rec.InstanceID),
	)

	return err
}

// PruneBefore deletes records settled before t and returns how many were removed.
func (r *DownloadWriteRepository) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM downloads WHERE downloaded_at < ?`, t.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
