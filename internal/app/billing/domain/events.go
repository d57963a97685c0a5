package domain

import "time"

// Queue names the outbox publishes events to.
const (
	QueueSubscribed         = "subscriptions.subscribed"
	QueueCanceled           = "subscriptions.canceled"
	QueueUpgraded           = "subscriptions.upgraded"
	QueueDowngradeScheduled = "subscriptions.downgrade_scheduled"
	QueueRenewed            = "subscriptions.renewed"
	QueueRenewalFailed      = "subscriptions.renewal_failed"
	QueuePaymentRecorded    = "payments.recorded"
)

// Event is a domain event routed to a broker queue.
type Event interface {
	Queue() string
}

// SubscriptionCreatedEvent is emitted when a subscription is created
type SubscriptionCreatedEvent struct {
	SubscriptionID string    `json:"subscription_id"`
	TenantID       string    `json:"tenant_id"`
	AccountID      string    `json:"account_id"`
	PlanID         string    `json:"plan_id"`
	Term           Term      `json:"term"`
	Charged        Money     `json:"charged"`
	SubscribedAt   time.Time `json:"subscribed_at"`
	NextRenewalAt  time.Time `json:"next_renewal_at"`
}

// SubscriptionCanceledEvent is emitted when a subscription is canceled
type SubscriptionCanceledEvent struct {
	SubscriptionID string    `json:"subscription_id"`
	TenantID       string    `json:"tenant_id"`
	AccountID      string    `json:"account_id"`
	CanceledAt     time.Time `json:"canceled_at"`
}

type SubscriptionUpgradedEvent struct {
	SubscriptionID string    `json:"subscription_id"`
	TenantID       string    `json:"tenant_id"`
	AccountID      string    `json:"account_id"`
	OldPlanID      string    `json:"old_plan_id"`
	NewPlanID      string    `json:"new_plan_id"`
	Charged        Money     `json:"charged"`
	UpgradedAt     time.Time `json:"upgraded_at"`
	NextRenewalAt  time.Time `json:"next_renewal_at"`
}

type SubscriptionDowngradeScheduledEvent struct {
	SubscriptionID string    `json:"subscription_id"`
	TenantID       string    `json:"tenant_id"`
	AccountID      string    `json:"account_id"`
	CurrentPlanID  string    `json:"current_plan_id"`
	NewPlanID      string    `json:"new_plan_id"`
	EffectiveAt    time.Time `json:"effective_at"`
	ScheduledAt    time.Time `json:"scheduled_at"`
}

type SubscriptionRenewedEvent struct {
	SubscriptionID string    `json:"subscription_id"`
	TenantID       string    `json:"tenant_id"`
	AccountID      string    `json:"account_id"`
	PreviousPlanID string    `json:"previous_plan_id"`
	PlanID         string    `json:"plan_id"`
	Charged        Money     `json:"charged"`
	RenewedAt      time.Time `json:"renewed_at"`
	NextRenewalAt  time.Time `json:"next_renewal_at"`
}

type SubscriptionRenewalFailedEvent struct {
	SubscriptionID string    `json:"subscription_id"`
	TenantID       string    `json:"tenant_id"`
	AccountID      string    `json:"account_id"`
	PlanID         string    `json:"plan_id"`
	FailedAt       time.Time `json:"failed_at"`
}

type PaymentRecordedEvent struct {
	PaymentID          string        `json:"payment_id"`
	TenantID           string        `json:"tenant_id"`
	AccountID          string        `json:"account_id"`
	Amount             Money         `json:"amount"`
	Status             PaymentStatus `json:"status"`
	ProviderPaymentRef string        `json:"provider_payment_ref"`
	RecordedAt         time.Time     `json:"recorded_at"`
}

func (*SubscriptionCreatedEvent) Queue() string            { return QueueSubscribed }
func (*SubscriptionCanceledEvent) Queue() string           { return QueueCanceled }
func (*SubscriptionUpgradedEvent) Queue() string           { return QueueUpgraded }
func (*SubscriptionDowngradeScheduledEvent) Queue() string { return QueueDowngradeScheduled }
func (*SubscriptionRenewedEvent) Queue() string            { return QueueRenewed }
func (*SubscriptionRenewalFailedEvent) Queue() string      { return QueueRenewalFailed }
func (*PaymentRecordedEvent) Queue() string                { return QueuePaymentRecorded }
