// Package publisher fans job status transitions out to a scrape.Publisher.
package publisher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagecache/internal/scrape"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "scrape.status"

// Notifier publishes a StatusEvent per transition. Failures are logged and
// never returned: notifications are advisory.
type Notifier struct {
	pub    scrape.Publisher
	topic  string
	logger *zap.Logger
}

// NewNotifier wraps pub. A nil pub yields a Notifier that does nothing.
func NewNotifier(pub scrape.Publisher, topic string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Notifier{pub: pub, topic: topic, logger: logger.Named("notifier")}
}

// Notify publishes the transition of job into status at the given time.
func (n *Notifier) Notify(ctx context.Context, job scrape.Job, status scrape.Status, at time.Time) {
	if n == nil || n.pub == nil {
		return
	}
	event := scrape.StatusEvent{
		JobID:   job.ID,
		URLHash: job.URLHash,
		Status:  status,
		At:      at,
	}
	if _, err := n.pub.Publish(ctx, n.topic, event); err != nil {
		n.logger.Warn("publish status event failed",
			zap.String("job_id", job.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
