package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/mirror_downloader/internal/config"
	"github.com/italolelis/mirror_downloader/internal/fetch"
	"github.com/italolelis/mirror_downloader/internal/notifier"
	"github.com/italolelis/mirror_downloader/internal/scheduler"
	"github.com/italolelis/mirror_downloader/internal/storage"
)

type memHistory struct {
	mu      sync.Mutex
	records []storage.DownloadRecord
}

func (m *memHistory) TrackDownload(_ context.Context, rec storage.DownloadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, rec)

	return nil
}

func (m *memHistory) PruneBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type recordingNotifier struct {
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, content string) error {
	n.messages = append(n.messages, content)

	return nil
}

var _ notifier.Notifier = (*recordingNotifier)(nil)

func TestRunBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.rpm" {
			http.NotFound(w, r)

			return
		}

		_, _ = w.Write([]byte("package"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	list := filepath.Join(dir, "urls.txt")
	require.NoError(t, os.WriteFile(list, []byte(srv.URL+"/foo.rpm\n"+srv.URL+"/missing.rpm\n"), 0o644))

	fs := afero.NewOsFs()
	cfg := &config.Config{TargetDir: filepath.Join(dir, "out"), ServersPerRepo: 2}

	history := &memHistory{}
	router := fetch.NewRouter(fetch.NewDestination(fs), fetch.RouterOptions{UserAgent: "test"})

	sched, err := scheduler.New(scheduler.DefaultLimits(), router,
		scheduler.WithOutcomeHook(trackOutcome(history, "test-instance")))
	require.NoError(t, err)

	notif := &recordingNotifier{}

	err = runBatch(context.Background(), sched, notif, fs, cfg, list)
	assert.ErrorContains(t, err, "1 of 2 downloads failed")

	data, err := os.ReadFile(filepath.Join(cfg.TargetDir, "foo.rpm"))
	require.NoError(t, err)
	assert.Equal(t, "package", string(data))

	require.Len(t, history.records, 2)

	for _, rec := range history.records {
		assert.Equal(t, "test-instance", rec.InstanceID)
		assert.NotEmpty(t, rec.BatchID)
	}

	require.Len(t, notif.messages, 1)
	assert.Contains(t, notif.messages[0], "missing.rpm")
}
