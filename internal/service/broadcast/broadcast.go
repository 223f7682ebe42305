package broadcast

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/theasmitwalia17/PreviewFlow/internal/domain"
)

// Publisher is the topic fan-out surface the broadcaster needs. The
// websocket hub satisfies it.
type Publisher interface {
	Broadcast(topic string, payload []byte)
}

// Broadcaster publishes build progress and preview state changes. It is
// injected into the services that produce events; nothing reaches the
// hub except through an instance handed in at construction.
type Broadcaster struct {
	pub Publisher
	log *slog.Logger
}

// New constructs a Broadcaster over the given publisher.
func New(pub Publisher, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{pub: pub, log: logger}
}

// PreviewTopic names the per-preview event stream.
func PreviewTopic(previewID string) string {
	return "preview:" + previewID
}

// AccountTopic names the per-account status stream.
func AccountTopic(userID string) string {
	return "account:" + userID
}

// Event is the wire envelope for all stream payloads.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type logChunk struct {
	Chunk string `json:"chunk"`
}

type logFinish struct {
	URL string `json:"url"`
}

type logError struct {
	Message string `json:"message"`
}

// StatusUpdate mirrors the preview record fields a dashboard needs to
// render state without a refetch.
type StatusUpdate struct {
	PreviewID        string     `json:"previewId"`
	ProjectID        string     `json:"projectId"`
	PRNumber         int        `json:"prNumber"`
	Status           string     `json:"status"`
	URL              string     `json:"url,omitempty"`
	ContainerName    string     `json:"containerName,omitempty"`
	BuildStartedAt   *time.Time `json:"buildStartedAt,omitempty"`
	BuildCompletedAt *time.Time `json:"buildCompletedAt,omitempty"`
}

// Log streams one chunk of build or container output to the preview's
// subscribers.
func (b *Broadcaster) Log(previewID, chunk string) {
	b.publish(PreviewTopic(previewID), Event{Type: "log", Data: logChunk{Chunk: chunk}})
}

// Finished signals a successful build along with the final URL.
func (b *Broadcaster) Finished(previewID, url string) {
	b.publish(PreviewTopic(previewID), Event{Type: "log-finish", Data: logFinish{URL: url}})
}

// BuildError signals a failed build with a terminal message.
func (b *Broadcaster) BuildError(previewID, message string) {
	b.publish(PreviewTopic(previewID), Event{Type: "log-error", Data: logError{Message: message}})
}

// StatusUpdate publishes a preview state change on the owning account's
// stream.
func (b *Broadcaster) StatusUpdate(userID string, preview *domain.Preview) {
	update := StatusUpdate{
		PreviewID:        preview.ID,
		ProjectID:        preview.ProjectID,
		PRNumber:         preview.PRNumber,
		Status:           preview.Status,
		URL:              preview.URL,
		ContainerName:    preview.ContainerName,
		BuildStartedAt:   preview.BuildStartedAt,
		BuildCompletedAt: preview.BuildCompletedAt,
	}
	b.publish(AccountTopic(userID), Event{Type: "preview-status-update", Data: update})
}

func (b *Broadcaster) publish(topic string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.log.Error("marshal stream event", "topic", topic, "type", event.Type, "error", err)
		return
	}
	b.pub.Broadcast(topic, payload)
}
