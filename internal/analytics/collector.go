package analytics

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Collector drains a RingCollector and forwards batches to a sender.
type Collector struct {
	collector     *RingCollector
	sender        AnalyticSender
	flushInterval time.Duration
}

func NewCollector(collector *RingCollector, sender AnalyticSender, flushInterval time.Duration) *Collector {
	return &Collector{
		collector:     collector,
		sender:        sender,
		flushInterval: flushInterval,
	}
}

// Run flushes on every notification and on each tick until ctx is
// canceled. Pending events are flushed once more on the way out.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flush(context.Background())
			return
		case <-c.collector.Notify():
		case <-ticker.C:
		}
		c.flush(ctx)
	}
}

func (c *Collector) flush(ctx context.Context) {
	events := c.collector.PopAll()
	if len(events) == 0 {
		return
	}
	if err := c.sender.SendBatch(ctx, events); err != nil {
		logrus.WithError(err).Warn("analytics: failed to send batch")
		return
	}
	sentEventsMetric.Add(float64(len(events)))
}
