package domain

import (
	"strconv"
	"time"
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusInactive SubscriptionStatus = "inactive"
)

// PendingChange is a downgrade deferred to the next successful renewal.
type PendingChange struct {
	NewPlanID string `json:"new_plan_id"`
}

// Subscription is the aggregate root of the billing lifecycle.
//
// Invariants: canceledAt is set iff status is canceled, pendingChange is only
// set while active, nextRenewalAt is set while active and nil once canceled.
type Subscription struct {
	id              string
	tenantID        string
	accountID       string
	planID          string
	status          SubscriptionStatus
	term            Term
	subscribedAt    time.Time
	nextRenewalAt   *time.Time
	canceledAt      *time.Time
	pendingChange   *PendingChange
	requestedAddOns []RequestedAddOn
	version         int64
}

// SubscriptionRecord is the flat persisted form of a Subscription.
type SubscriptionRecord struct {
	ID              string
	TenantID        string
	AccountID       string
	PlanID          string
	Status          SubscriptionStatus
	Term            Term
	SubscribedAt    time.Time
	NextRenewalAt   *time.Time
	CanceledAt      *time.Time
	PendingChange   *PendingChange
	RequestedAddOns []RequestedAddOn
	Version         int64
}

// NewSubscription creates an active subscription starting now. Callers
// persist it only after the first charge succeeded.
func NewSubscription(id, tenantID, accountID, planID string, term Term, addOns []RequestedAddOn, clock Clock) (*Subscription, *SubscriptionCreatedEvent, error) {
	if tenantID == "" {
		return nil, nil, ErrInvalidTenantID
	}
	if accountID == "" {
		return nil, nil, ErrInvalidAccountID
	}
	if planID == "" {
		return nil, nil, ErrInvalidPlanID
	}
	if err := term.Validate(); err != nil {
		return nil, nil, err
	}

	now := clock.Now()
	next := term.NextRenewal(now)
	sub := &Subscription{
		id:              id,
		tenantID:        tenantID,
		accountID:       accountID,
		planID:          planID,
		status:          StatusActive,
		term:            term,
		subscribedAt:    now,
		nextRenewalAt:   &next,
		requestedAddOns: append([]RequestedAddOn(nil), addOns...),
	}

	event := &SubscriptionCreatedEvent{
		SubscriptionID: id,
		TenantID:       tenantID,
		AccountID:      accountID,
		PlanID:         planID,
		Term:           term,
		SubscribedAt:   now,
		NextRenewalAt:  next,
	}

	return sub, event, nil
}

// ReconstructFromPersistence rebuilds a subscription from storage.
func ReconstructFromPersistence(rec SubscriptionRecord) *Subscription {
	return &Subscription{
		id:              rec.ID,
		tenantID:        rec.TenantID,
		accountID:       rec.AccountID,
		planID:          rec.PlanID,
		status:          rec.Status,
		term:            rec.Term,
		subscribedAt:    rec.SubscribedAt,
		nextRenewalAt:   copyTime(rec.NextRenewalAt),
		canceledAt:      copyTime(rec.CanceledAt),
		pendingChange:   copyPending(rec.PendingChange),
		requestedAddOns: append([]RequestedAddOn(nil), rec.RequestedAddOns...),
		version:         rec.Version,
	}
}

// Record returns a detached snapshot for persistence.
func (s *Subscription) Record() SubscriptionRecord {
	return SubscriptionRecord{
		ID:              s.id,
		TenantID:        s.tenantID,
		AccountID:       s.accountID,
		PlanID:          s.planID,
		Status:          s.status,
		Term:            s.term,
		SubscribedAt:    s.subscribedAt,
		NextRenewalAt:   copyTime(s.nextRenewalAt),
		CanceledAt:      copyTime(s.canceledAt),
		PendingChange:   copyPending(s.pendingChange),
		RequestedAddOns: append([]RequestedAddOn(nil), s.requestedAddOns...),
		Version:         s.version,
	}
}

func (s *Subscription) ID() string                        { return s.id }
func (s *Subscription) TenantID() string                  { return s.tenantID }
func (s *Subscription) AccountID() string                 { return s.accountID }
func (s *Subscription) PlanID() string                    { return s.planID }
func (s *Subscription) Status() SubscriptionStatus        { return s.status }
func (s *Subscription) Term() Term                        { return s.term }
func (s *Subscription) SubscribedAt() time.Time           { return s.subscribedAt }
func (s *Subscription) NextRenewalAt() *time.Time         { return copyTime(s.nextRenewalAt) }
func (s *Subscription) CanceledAt() *time.Time            { return copyTime(s.canceledAt) }
func (s *Subscription) PendingChange() *PendingChange     { return copyPending(s.pendingChange) }
func (s *Subscription) RequestedAddOns() []RequestedAddOn { return append([]RequestedAddOn(nil), s.requestedAddOns...) }
func (s *Subscription) Version() int64                    { return s.version }

// BumpVersion is called by repositories after a successful versioned write.
func (s *Subscription) BumpVersion() { s.version++ }

// Cancel moves the subscription to canceled. It returns a nil event when the
// subscription is already canceled.
func (s *Subscription) Cancel(clock Clock) *SubscriptionCanceledEvent {
	if s.status == StatusCanceled {
		return nil
	}

	now := clock.Now()
	s.status = StatusCanceled
	s.canceledAt = &now
	s.nextRenewalAt = nil
	s.pendingChange = nil

	return &SubscriptionCanceledEvent{
		SubscriptionID: s.id,
		TenantID:       s.tenantID,
		AccountID:      s.accountID,
		CanceledAt:     now,
	}
}

// CheckPlanChange validates a plan change request before any pricing happens.
func (s *Subscription) CheckPlanChange(newPlanID string) error {
	if s.status != StatusActive {
		return ErrSubscriptionNotActive
	}
	if newPlanID == "" {
		return ErrInvalidPlanID
	}
	if newPlanID == s.planID {
		return ErrSameNewPlanRequested
	}
	return nil
}

// Upgrade switches plans immediately and restarts the billing cycle.
// A scheduled downgrade is dropped.
func (s *Subscription) Upgrade(newPlanID string, charged Money, clock Clock) (*SubscriptionUpgradedEvent, error) {
	if err := s.CheckPlanChange(newPlanID); err != nil {
		return nil, err
	}

	now := clock.Now()
	next := s.term.NextRenewal(now)
	oldPlanID := s.planID
	s.planID = newPlanID
	s.subscribedAt = now
	s.nextRenewalAt = &next
	s.pendingChange = nil

	return &SubscriptionUpgradedEvent{
		SubscriptionID: s.id,
		TenantID:       s.tenantID,
		AccountID:      s.accountID,
		OldPlanID:      oldPlanID,
		NewPlanID:      newPlanID,
		Charged:        charged,
		UpgradedAt:     now,
		NextRenewalAt:  next,
	}, nil
}

// Downgrade records newPlanID to take effect at the next renewal.
func (s *Subscription) Downgrade(newPlanID string, clock Clock) (*SubscriptionDowngradeScheduledEvent, error) {
	if err := s.CheckPlanChange(newPlanID); err != nil {
		return nil, err
	}

	s.pendingChange = &PendingChange{NewPlanID: newPlanID}

	return &SubscriptionDowngradeScheduledEvent{
		SubscriptionID: s.id,
		TenantID:       s.tenantID,
		AccountID:      s.accountID,
		CurrentPlanID:  s.planID,
		NewPlanID:      newPlanID,
		EffectiveAt:    derefTime(s.nextRenewalAt),
		ScheduledAt:    clock.Now(),
	}, nil
}

// EffectivePlanID is the plan charged for the coming cycle.
func (s *Subscription) EffectivePlanID() string {
	if s.pendingChange != nil {
		return s.pendingChange.NewPlanID
	}
	return s.planID
}

// IsDueForRenewal reports whether an active subscription's renewal date has passed.
func (s *Subscription) IsDueForRenewal(now time.Time) bool {
	return s.status == StatusActive && s.nextRenewalAt != nil && !s.nextRenewalAt.After(now)
}

// RenewalSucceeded applies the effective plan and advances the renewal date
// by one term from now.
func (s *Subscription) RenewalSucceeded(charged Money, clock Clock) (*SubscriptionRenewedEvent, error) {
	if s.status != StatusActive {
		return nil, ErrSubscriptionNotActive
	}

	now := clock.Now()
	next := s.term.NextRenewal(now)
	previousPlanID := s.planID
	s.planID = s.EffectivePlanID()
	s.pendingChange = nil
	s.nextRenewalAt = &next

	return &SubscriptionRenewedEvent{
		SubscriptionID: s.id,
		TenantID:       s.tenantID,
		AccountID:      s.accountID,
		PreviousPlanID: previousPlanID,
		PlanID:         s.planID,
		Charged:        charged,
		RenewedAt:      now,
		NextRenewalAt:  next,
	}, nil
}

// RenewalFailed deactivates the subscription. nextRenewalAt keeps its
// stale value.
func (s *Subscription) RenewalFailed(clock Clock) (*SubscriptionRenewalFailedEvent, error) {
	if s.status != StatusActive {
		return nil, ErrSubscriptionNotActive
	}

	s.status = StatusInactive
	s.pendingChange = nil

	return &SubscriptionRenewalFailedEvent{
		SubscriptionID: s.id,
		TenantID:       s.tenantID,
		AccountID:      s.accountID,
		PlanID:         s.planID,
		FailedAt:       clock.Now(),
	}, nil
}

// SubscribeIdempotencyKey identifies the first charge of a subscription.
func (s *Subscription) SubscribeIdempotencyKey() string {
	return "subscribe:" + s.id
}

// UpgradeIdempotencyKey identifies the upgrade charge for the current version.
func (s *Subscription) UpgradeIdempotencyKey(newPlanID string) string {
	return "upgrade:" + s.id + ":" + newPlanID + ":" + strconv.FormatInt(s.version, 10)
}

// RenewalIdempotencyKey identifies the charge for the current billing period.
func (s *Subscription) RenewalIdempotencyKey() string {
	return "renewal:" + s.id + ":" + derefTime(s.nextRenewalAt).UTC().Format("2006-01-02")
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func copyPending(p *PendingChange) *PendingChange {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
