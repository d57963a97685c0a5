package outbox

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/observability"
)

const defaultBatchSize = 100

// Stats summarizes one drain pass.
type Stats struct {
	Published int
	Failed    int
	// Exhausted counts failed entries that will never be selected again.
	Exhausted int
}

// Processor drains the outbox to a Publisher.
type Processor struct {
	store     Store
	publisher contracts.Publisher
	batchSize int
	logger    logrus.FieldLogger
	metrics   *observability.Metrics
}

func NewProcessor(store Store, publisher contracts.Publisher, batchSize int, logger logrus.FieldLogger, metrics *observability.Metrics) *Processor {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Processor{
		store:     store,
		publisher: publisher,
		batchSize: batchSize,
		logger:    logger,
		metrics:   metrics,
	}
}

// RunOnce publishes one batch. Publish failures are absorbed into the
// entries' retry budget; only storage errors are returned.
func (p *Processor) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	err := p.store.Process(ctx, p.batchSize, func(ctx context.Context, entries []Entry) []Result {
		stats = Stats{}
		results := make([]Result, 0, len(entries))
		for _, entry := range entries {
			headers := map[string]string{HeaderOutboxID: entry.ID}
			if err := p.publisher.Publish(ctx, entry.Queue, entry.Payload, headers); err != nil {
				stats.Failed++
				fields := logrus.Fields{
					"outbox_id":    entry.ID,
					"queue":        entry.Queue,
					"retries_left": entry.RetriesLeft - 1,
				}
				if entry.RetriesLeft == 0 {
					stats.Exhausted++
					p.logger.WithFields(fields).WithError(err).Debug("outbox entry exhausted its retries")
				} else {
					p.logger.WithFields(fields).WithError(err).Warn("outbox publish failed")
				}
				results = append(results, Result{ID: entry.ID})
				continue
			}
			stats.Published++
			results = append(results, Result{ID: entry.ID, Delivered: true})
		}
		return results
	})
	if err != nil {
		return Stats{}, err
	}

	p.metrics.RecordOutbox(stats.Published, stats.Failed, stats.Exhausted)
	return stats, nil
}
