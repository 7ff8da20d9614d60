// Package notifier sends best-effort external notifications for
// terminal Event Bus events. Adapted from the teacher's Discord
// webhook notifier, which posted plain-text messages for torrent
// download completion/failure; the webhook client itself (Notifier
// interface, DiscordNotifier, JSON payload, status-code check) is
// unchanged, but Watch replaces the teacher's two
// downloader.OnFileDownloadError/OnTorrentDownloadFinished channels
// with a single Event Bus subscription filtered on
// eventbus.KindCompleted/KindFailed.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/neonbrowser/neondl/internal/eventbus"
	"github.com/neonbrowser/neondl/internal/logctx"
)

// Notifier delivers a plain-text message to an external channel.
type Notifier interface {
	Notify(content string) error
}

// DiscordNotifier posts messages to a Discord incoming webhook.
type DiscordNotifier struct {
	WebhookURL string
}

func (d *DiscordNotifier) Notify(content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := http.Post(d.WebhookURL, "application/json", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// pollInterval is how often Watch drains the bus for new events.
const pollInterval = 500 * time.Millisecond

// Watch subscribes to bus and forwards every terminal Completed/Failed
// event to notif until ctx is cancelled, at which point it
// unsubscribes and returns. A failed notification is logged, not
// retried: notification is best-effort and must never stall or fail
// the Transfer Engine it observes.
func Watch(ctx context.Context, bus *eventbus.Bus, notif Notifier) {
	logger := logctx.LoggerFromContext(ctx)
	subscriber := bus.Subscribe()

	ticker := time.NewTicker(pollInterval)

	go func() {
		defer ticker.Stop()
		defer bus.Unsubscribe(subscriber)

		for {
			select {
			case <-ctx.Done():
				logger.Info("notifier goroutine shutting down")

				return
			case <-ticker.C:
				for _, event := range bus.Drain(subscriber) {
					notify(logger, notif, event)
				}
			}
		}
	}()
}

func notify(logger *slog.Logger, notif Notifier, event eventbus.Event) {
	var message string

	switch event.Kind {
	case eventbus.KindCompleted:
		message = "✅ download finished: " + event.ID + " (" + event.SavePath + ")"
	case eventbus.KindFailed:
		message = "❌ download failed: " + event.ID + " (" + event.ErrorKind + ": " + event.Message + ")"
	default:
		return
	}

	if err := notif.Notify(message); err != nil {
		logger.Error("failed to send notification", "download_id", event.ID, "err", err)
	}
}
