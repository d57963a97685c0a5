package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/repo/memstore"
)

// MockPublisher is a mock implementation of Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, queue string, payload []byte, headers map[string]string) error {
	args := m.Called(ctx, queue, payload, headers)
	return args.Error(0)
}

// countingPublisher records every delivery and is safe for concurrent use.
type countingPublisher struct {
	mu        sync.Mutex
	delivered map[string]int
}

func (p *countingPublisher) Publish(_ context.Context, _ string, _ []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered[headers[outbox.HeaderOutboxID]]++
	time.Sleep(time.Millisecond)
	return nil
}

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func stage(t *testing.T, store *memstore.Store, events ...domain.Event) {
	t.Helper()
	require.NoError(t, store.Do(context.Background(), func(ctx context.Context, tx contracts.Tx) error {
		for _, e := range events {
			if err := outbox.Put(ctx, tx.Outbox(), e); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestProcessor_PublishesAndDeletes(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore(domain.FixedClock{FixedTime: now})
	stage(t, store,
		&domain.SubscriptionCanceledEvent{SubscriptionID: "sub-1", CanceledAt: now},
		&domain.SubscriptionRenewalFailedEvent{SubscriptionID: "sub-2", FailedAt: now},
	)

	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, domain.QueueCanceled, mock.Anything, mock.Anything).Return(nil).Once()
	publisher.On("Publish", mock.Anything, domain.QueueRenewalFailed, mock.Anything, mock.Anything).Return(nil).Once()

	stats, err := outbox.NewProcessor(store, publisher, 10, newLogger(), nil).RunOnce(ctx)

	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Published: 2}, stats)
	assert.Empty(t, store.OutboxEntries())
	publisher.AssertExpectations(t)
}

func TestProcessor_PayloadIsEventJSON(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore(domain.FixedClock{FixedTime: now})
	stage(t, store, &domain.SubscriptionCanceledEvent{SubscriptionID: "sub-1", TenantID: "t", AccountID: "a", CanceledAt: now})

	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, domain.QueueCanceled,
		mock.MatchedBy(func(payload []byte) bool {
			return assert.JSONEq(t, `{"subscription_id":"sub-1","tenant_id":"t","account_id":"a","canceled_at":"2024-05-01T12:00:00Z"}`, string(payload))
		}),
		mock.MatchedBy(func(headers map[string]string) bool { return headers[outbox.HeaderOutboxID] != "" }),
	).Return(nil)

	_, err := outbox.NewProcessor(store, publisher, 10, newLogger(), nil).RunOnce(ctx)
	require.NoError(t, err)
	publisher.AssertExpectations(t)
}

func TestProcessor_RetryBudget(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore(domain.FixedClock{FixedTime: now})
	stage(t, store, &domain.SubscriptionCanceledEvent{SubscriptionID: "sub-1"})

	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))
	processor := outbox.NewProcessor(store, publisher, 10, newLogger(), nil)

	// One initial attempt plus DefaultRetries retries.
	for attempt := 0; attempt <= outbox.DefaultRetries; attempt++ {
		stats, err := processor.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed, "attempt %d", attempt)
		assert.Equal(t, attempt == outbox.DefaultRetries, stats.Exhausted == 1)
	}

	stats, err := processor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{}, stats)
	publisher.AssertNumberOfCalls(t, "Publish", outbox.DefaultRetries+1)

	entries := store.OutboxEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, -1, entries[0].RetriesLeft)
}

func TestProcessor_FailureKeepsEntryForNextPass(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore(domain.FixedClock{FixedTime: now})
	stage(t, store, &domain.SubscriptionCanceledEvent{SubscriptionID: "sub-1"})

	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("timeout")).Once()
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	processor := outbox.NewProcessor(store, publisher, 10, newLogger(), nil)

	stats, err := processor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Len(t, store.OutboxEntries(), 1)

	stats, err = processor.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Published)
	assert.Empty(t, store.OutboxEntries())
}

func TestProcessor_ConcurrentDrainersNeverDoublePublish(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewStore(domain.FixedClock{FixedTime: now})
	for i := 0; i < 50; i++ {
		stage(t, store, &domain.SubscriptionCanceledEvent{SubscriptionID: "sub"})
	}

	publisher := &countingPublisher{delivered: make(map[string]int)}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := outbox.NewProcessor(store, publisher, 5, newLogger(), nil)
			for {
				stats, err := processor.RunOnce(ctx)
				if err != nil || stats.Published == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, store.OutboxEntries())
	assert.Len(t, publisher.delivered, 50)
	for id, n := range publisher.delivered {
		assert.Equal(t, 1, n, "entry %s", id)
	}
}
