package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the terminal provider response recorded in the ledger.
type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "success"
	PaymentFailure PaymentStatus = "failure"
)

var paymentNamespace = uuid.MustParse("6f1c1f5e-4a2d-4f53-9d0e-2b8f0d6c9a41")

// PaymentID derives a stable ledger ID from a charge idempotency key, so a
// retried charge maps to the same row.
func PaymentID(idempotencyKey string) string {
	return uuid.NewSHA1(paymentNamespace, []byte(idempotencyKey)).String()
}

// Payment is an append-only ledger row for one charge attempt.
type Payment struct {
	id                 string
	tenantID           string
	accountID          string
	amount             Money
	status             PaymentStatus
	providerPaymentRef string
	createdAt          time.Time
}

func NewPayment(id, tenantID, accountID string, amount Money, status PaymentStatus, providerPaymentRef string, createdAt time.Time) *Payment {
	return &Payment{
		id:                 id,
		tenantID:           tenantID,
		accountID:          accountID,
		amount:             amount,
		status:             status,
		providerPaymentRef: providerPaymentRef,
		createdAt:          createdAt,
	}
}

func (p *Payment) ID() string                 { return p.id }
func (p *Payment) TenantID() string           { return p.tenantID }
func (p *Payment) AccountID() string          { return p.accountID }
func (p *Payment) Amount() Money              { return p.amount }
func (p *Payment) Status() PaymentStatus      { return p.status }
func (p *Payment) ProviderPaymentRef() string { return p.providerPaymentRef }
func (p *Payment) CreatedAt() time.Time       { return p.createdAt }

// RecordedEvent announces the ledger row.
func (p *Payment) RecordedEvent() *PaymentRecordedEvent {
	return &PaymentRecordedEvent{
		PaymentID:          p.id,
		TenantID:           p.tenantID,
		AccountID:          p.accountID,
		Amount:             p.amount,
		Status:             p.status,
		ProviderPaymentRef: p.providerPaymentRef,
		RecordedAt:         p.createdAt,
	}
}
