package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/content_delivery/internal/events"
	"github.com/italolelis/content_delivery/internal/logctx"
)

// Message renders the notification for ev. ok is false for events that are
// not worth a notification.
func Message(ev events.Event) (msg string, ok bool) {
	switch e := ev.(type) {
	case events.DownloadCompleted:
		return fmt.Sprintf("✅ Download finished for %s (%s)", e.Key, e.Elapsed.Round(time.Millisecond)), true
	case events.DownloadFailed:
		return fmt.Sprintf("❌ Download failed for %s: %s", e.Key, e.Message), true
	case events.DownloadCancelled:
		if e.Key == "" {
			return "⏹️ All downloads cancelled", true
		}

		return "", false
	default:
		return "", false
	}
}

// Relay forwards download outcomes from bus to n until ctx is done or the
// bus closes.
func Relay(ctx context.Context, bus *events.Bus, n Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	ch, unsubscribe := bus.Subscribe(0)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}

			msg, ok := Message(ev)
			if !ok {
				continue
			}

			if err := n.Notify(ctx, msg); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "event", ev.Name(), "err", err)
			}
		}
	}
}
