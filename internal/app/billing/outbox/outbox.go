// Package outbox stages events inside storage transactions and drains them
// to the broker.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
)

// DefaultRetries is the retries_left value of a new entry: one initial
// attempt plus three retries.
const DefaultRetries = 3

// HeaderOutboxID carries the entry ID so consumers can drop redeliveries.
const HeaderOutboxID = "outbox-id"

// Entry is a staged message.
type Entry struct {
	ID          string
	Queue       string
	Payload     []byte
	RetriesLeft int
	CreatedAt   time.Time
}

// Result reports whether an entry was delivered.
type Result struct {
	ID        string
	Delivered bool
}

// Store is the storage side of the drain. Process claims up to limit entries
// with retries_left >= 0 in creation order, invisible to concurrent
// Process calls, hands them to fn, then deletes delivered entries and
// decrements retries_left on the others.
type Store interface {
	Process(ctx context.Context, limit int, fn func(ctx context.Context, entries []Entry) []Result) error
}

// Put marshals event and stages it on the event's queue.
func Put(ctx context.Context, w contracts.OutboxWriter, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s: %w", event.Queue(), err)
	}
	return w.Put(ctx, event.Queue(), payload)
}
