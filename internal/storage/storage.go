package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/italolelis/mirror_downloader/internal/fetch"
	"github.com/italolelis/mirror_downloader/internal/scheduler"
)

// ErrBatchNotFound is returned when no record belongs to the requested batch.
var ErrBatchNotFound = errors.New("batch not found")

// DownloadRecord is the history entry of one settled request.
type DownloadRecord struct {
	ID           int64     `json:"id"`
	BatchID      string    `json:"batch_id"`
	Repository   string    `json:"repository"`
	URL          string    `json:"url"`
	Mirror       string    `json:"mirror,omitempty"`
	FilePath     string    `json:"file_path"`
	Status       string    `json:"status"`
	Skipped      bool      `json:"skipped"`
	Attempts     int       `json:"attempts"`
	Bytes        int64     `json:"bytes"`
	Kind         string    `json:"kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at"`
	InstanceID   string    `json:"instance_id"`
}

// DownloadReadRepository reads download history.
type DownloadReadRepository interface {
	GetDownloads(ctx context.Context, limit int) ([]DownloadRecord, error)
	GetBatch(ctx context.Context, batchID string) ([]DownloadRecord, error)
}

// DownloadWriteRepository writes download history.
type DownloadWriteRepository interface {
	TrackDownload(ctx context.Context, rec DownloadRecord) error
	PruneBefore(ctx context.Context, t time.Time) (int64, error)
}

// DownloadRepository is the full history store.
type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}

// NewRecord converts a scheduler outcome into a history record.
func NewRecord(batchID, instanceID string, o scheduler.Outcome) DownloadRecord {
	rec := DownloadRecord{
		BatchID:      batchID,
		Repository:   o.Request.Repository,
		URL:          preferredURL(o.Request),
		Mirror:       o.Mirror,
		FilePath:     o.Request.Destination,
		Status:       o.Status.String(),
		Skipped:      o.Skipped,
		Attempts:     o.Attempts,
		Bytes:        o.Bytes,
		DownloadedAt: time.Now().UTC(),
		InstanceID:   instanceID,
	}

	if o.Path != "" {
		rec.FilePath = o.Path
	}

	if o.Err != nil {
		rec.Kind = o.Kind().String()
		rec.Error = o.Err.Error()
	}

	return rec
}

// preferredURL is the first candidate of a request, credentials stripped.
func preferredURL(req scheduler.Request) string {
	if len(req.Mirrors) == 0 {
		return ""
	}

	return fetch.StripCredentials(req.Mirrors[0])
}

// GenerateInstanceID returns a unique string for this process (hostname+pid+random).
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	pid := os.Getpid()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(pid) + "-" + hex.EncodeToString(rnd)
}
