package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/mirror_downloader/internal/storage"
	"github.com/italolelis/mirror_downloader/internal/telemetry"
)

// DownloadRepository combines the read and write sides of the history store.
type DownloadRepository struct {
	*DownloadReadRepository
	*DownloadWriteRepository
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{
		DownloadReadRepository:  NewDownloadReadRepository(dbConn),
		DownloadWriteRepository: NewDownloadWriteRepository(dbConn),
	}
}

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// GetDownloads retrieves recent downloads with telemetry.
func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownloads(ctx, limit)

		return err
	})

	return result, err
}

// GetBatch retrieves the records of one batch with telemetry.
func (r *InstrumentedDownloadRepository) GetBatch(ctx context.Context, batchID string) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_batch", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetBatch(ctx, batchID)

		return err
	})

	return result, err
}

// TrackDownload stores a record with telemetry.
func (r *InstrumentedDownloadRepository) TrackDownload(ctx context.Context, rec storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "track_download", func(ctx context.Context) error {
		return r.repo.TrackDownload(ctx, rec)
	})
}

// PruneBefore removes old records with telemetry.
func (r *InstrumentedDownloadRepository) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	var n int64

	err := r.telemetry.InstrumentDBOperation(ctx, "prune_downloads", func(ctx context.Context) error {
		var err error
		n, err = r.repo.PruneBefore(ctx, t)

		return err
	})

	return n, err
}
