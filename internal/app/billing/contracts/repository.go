package contracts

import (
	"context"
	"time"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
)

// PlanRepository stores plans. Reads are tenant scoped.
type PlanRepository interface {
	Add(ctx context.Context, plan *domain.Plan) error
	Get(ctx context.Context, tenantID, planID string) (*domain.Plan, error)
	List(ctx context.Context, tenantID string) ([]*domain.Plan, error)
	// Delete is a no-op when the plan does not exist for the tenant.
	Delete(ctx context.Context, tenantID, planID string) error
}

// SubscriptionRepository stores subscriptions with optimistic versioning.
type SubscriptionRepository interface {
	Add(ctx context.Context, sub *domain.Subscription) error
	Get(ctx context.Context, tenantID, accountID, subscriptionID string) (*domain.Subscription, error)
	GetByID(ctx context.Context, subscriptionID string) (*domain.Subscription, error)
	ListByAccount(ctx context.Context, tenantID, accountID string) ([]*domain.Subscription, error)
	// ListDueForRenewal returns active subscriptions whose renewal date is at or before now.
	ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]*domain.Subscription, error)
	// Update fails with domain.ErrConcurrentModification when the stored
	// version differs from sub.Version(). On success the version is bumped.
	Update(ctx context.Context, sub *domain.Subscription) error
}

type CustomerRepository interface {
	Add(ctx context.Context, customer *domain.Customer) error
	GetByAccount(ctx context.Context, tenantID, accountID string) (*domain.Customer, error)
}

// PaymentRepository is the append-only ledger. Add ignores a payment whose
// ID already exists.
type PaymentRepository interface {
	Add(ctx context.Context, payment *domain.Payment) error
	ListByAccount(ctx context.Context, tenantID, accountID string) ([]*domain.Payment, error)
}

// OutboxWriter stages a message in the current transaction.
type OutboxWriter interface {
	Put(ctx context.Context, queue string, payload []byte) error
}

// Tx exposes repositories bound to one transaction.
type Tx interface {
	Plans() PlanRepository
	Subscriptions() SubscriptionRepository
	Customers() CustomerRepository
	Payments() PaymentRepository
	Outbox() OutboxWriter
}

// UnitOfWork runs fn in a transaction. fn may be invoked more than once if
// the storage engine retries the transaction, so it must not call external
// services.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
