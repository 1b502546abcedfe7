package events

import (
	"encoding/json"
	"time"

	"github.com/italolelis/content_delivery/internal/content"
)

// Event is anything published on the Bus.
type Event interface {
	Name() string
}

// DownloadStarted is sent when a job is admitted and begins transferring.
type DownloadStarted struct {
	Key           content.Key
	Priority      string
	ShowIndicator bool
}

// LoadStarted is sent when the handle loader starts a typed load.
type LoadStarted struct {
	Key  content.Key
	Kind content.Kind
}

// DownloadCompleted signals that a key is now resident.
type DownloadCompleted struct {
	Key     content.Key
	Elapsed time.Duration
}

// DownloadFailed signals a terminal failure. Message is human readable.
type DownloadFailed struct {
	Key     content.Key
	Message string
	Err     error
}

// DownloadCancelled is sent when a job observes cancellation. Key is empty
// for a cancel-all.
type DownloadCancelled struct {
	Key content.Key
}

func (DownloadStarted) Name() string   { return "download_started" }
func (LoadStarted) Name() string       { return "load_started" }
func (DownloadCompleted) Name() string { return "download_completed" }
func (DownloadFailed) Name() string    { return "download_failed" }
func (DownloadCancelled) Name() string { return "download_cancelled" }

func (m DownloadFailed) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key     content.Key `json:"key"`
		Message string      `json:"message"`
	}{Key: m.Key, Message: m.Message})
}
