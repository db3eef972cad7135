package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/mirror_downloader/internal/fetch"
	"github.com/italolelis/mirror_downloader/internal/scheduler"
)

// maxListedFailures bounds the message under Discord's content limit.
const maxListedFailures = 10

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return errors.New("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// NotifyBatch sends a summary of b when any of its requests failed.
func NotifyBatch(ctx context.Context, n Notifier, b *scheduler.Batch) error {
	s := b.Summary()
	if s.Failed == 0 {
		return nil
	}

	var failed []scheduler.Outcome

	for _, o := range b.Results() {
		if !o.Succeeded() {
			failed = append(failed, o)
		}
	}

	return n.Notify(ctx, FormatSummary(b.ID, s, failed))
}

// FormatSummary renders a batch summary followed by the first failures.
func FormatSummary(batchID string, s scheduler.Summary, failed []scheduler.Outcome) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Batch %s finished in %.1fs: %d/%d succeeded, %d skipped, %d failed, %s transferred",
		batchID, s.Elapsed.Seconds(), s.Succeeded, s.Total, s.Skipped, s.Failed, humanize.Bytes(uint64(s.Bytes)))

	for i, o := range failed {
		if i == maxListedFailures {
			fmt.Fprintf(&sb, "\n... and %d more", len(failed)-i)

			break
		}

		fmt.Fprintf(&sb, "\n- %s (%s): %s", o.Request.Destination, o.Request.Repository, o.Kind())

		if o.Mirror != "" {
			fmt.Fprintf(&sb, " via %s", fetch.StripCredentials(o.Mirror))
		}
	}

	return sb.String()
}
