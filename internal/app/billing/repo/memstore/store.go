// Package memstore is an in-process storage engine. A single mutex
// serializes transactions; writes are staged and applied on commit.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
)

var (
	_ contracts.UnitOfWork = (*Store)(nil)
	_ outbox.Store         = (*Store)(nil)
)

type outboxRow struct {
	entry outbox.Entry
	seq   int64
}

// Store holds all aggregates in memory.
type Store struct {
	mu    sync.Mutex
	clock domain.Clock

	plans         map[string]*domain.Plan
	subscriptions map[string]domain.SubscriptionRecord
	customers     map[string]*domain.Customer
	payments      map[string]*domain.Payment
	paymentOrder  []string
	outbox        map[string]*outboxRow
	inFlight      map[string]bool
	seq           int64
}

func NewStore(clock domain.Clock) *Store {
	return &Store{
		clock:         clock,
		plans:         make(map[string]*domain.Plan),
		subscriptions: make(map[string]domain.SubscriptionRecord),
		customers:     make(map[string]*domain.Customer),
		payments:      make(map[string]*domain.Payment),
		outbox:        make(map[string]*outboxRow),
		inFlight:      make(map[string]bool),
	}
}

// Do runs fn with the store locked and applies its writes if fn succeeds.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx contracts.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{store: s, planNames: make(map[string]bool), customers: make(map[string]bool)}
	if err := fn(ctx, t); err != nil {
		return err
	}
	for _, op := range t.ops {
		op()
	}
	return nil
}

// Process claims a batch, releases the lock while fn runs, then settles it.
func (s *Store) Process(ctx context.Context, limit int, fn func(ctx context.Context, entries []outbox.Entry) []outbox.Result) error {
	s.mu.Lock()
	rows := make([]*outboxRow, 0, len(s.outbox))
	for id, row := range s.outbox {
		if row.entry.RetriesLeft >= 0 && !s.inFlight[id] {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	batch := make([]outbox.Entry, len(rows))
	for i, row := range rows {
		s.inFlight[row.entry.ID] = true
		batch[i] = copyEntry(row.entry)
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	results := fn(ctx, batch)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range batch {
		delete(s.inFlight, e.ID)
	}
	for _, r := range results {
		row, ok := s.outbox[r.ID]
		if !ok {
			continue
		}
		if r.Delivered {
			delete(s.outbox, r.ID)
		} else {
			row.entry.RetriesLeft--
		}
	}
	return nil
}

// OutboxEntries returns all stored entries, including exhausted ones, in
// creation order.
func (s *Store) OutboxEntries() []outbox.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]*outboxRow, 0, len(s.outbox))
	for _, row := range s.outbox {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	entries := make([]outbox.Entry, len(rows))
	for i, row := range rows {
		entries[i] = copyEntry(row.entry)
	}
	return entries
}

func copyEntry(e outbox.Entry) outbox.Entry {
	e.Payload = append([]byte(nil), e.Payload...)
	return e
}

type tx struct {
	store *Store
	ops   []func()

	// uniqueness keys staged by this transaction but not yet applied
	planNames map[string]bool
	customers map[string]bool
}

func (t *tx) stage(op func()) { t.ops = append(t.ops, op) }

func (t *tx) Plans() contracts.PlanRepository                 { return planRepo{t} }
func (t *tx) Subscriptions() contracts.SubscriptionRepository { return subscriptionRepo{t} }
func (t *tx) Customers() contracts.CustomerRepository         { return customerRepo{t} }
func (t *tx) Payments() contracts.PaymentRepository           { return paymentRepo{t} }
func (t *tx) Outbox() contracts.OutboxWriter                  { return outboxWriter{t} }

type planRepo struct{ t *tx }

func (r planRepo) Add(_ context.Context, plan *domain.Plan) error {
	key := plan.TenantID() + "/" + plan.Name()
	if r.t.planNames[key] {
		return domain.ErrPlanNameTaken
	}
	for _, p := range r.t.store.plans {
		if p.TenantID() == plan.TenantID() && p.Name() == plan.Name() {
			return domain.ErrPlanNameTaken
		}
	}
	r.t.planNames[key] = true
	r.t.stage(func() { r.t.store.plans[plan.ID()] = plan })
	return nil
}

func (r planRepo) Get(_ context.Context, tenantID, planID string) (*domain.Plan, error) {
	p, ok := r.t.store.plans[planID]
	if !ok || p.TenantID() != tenantID {
		return nil, domain.ErrPlanNotFound
	}
	return p, nil
}

func (r planRepo) List(_ context.Context, tenantID string) ([]*domain.Plan, error) {
	var plans []*domain.Plan
	for _, p := range r.t.store.plans {
		if p.TenantID() == tenantID {
			plans = append(plans, p)
		}
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Name() < plans[j].Name() })
	return plans, nil
}

func (r planRepo) Delete(_ context.Context, tenantID, planID string) error {
	p, ok := r.t.store.plans[planID]
	if !ok || p.TenantID() != tenantID {
		return nil
	}
	r.t.stage(func() { delete(r.t.store.plans, planID) })
	return nil
}

type subscriptionRepo struct{ t *tx }

func (r subscriptionRepo) Add(_ context.Context, sub *domain.Subscription) error {
	rec := sub.Record()
	r.t.stage(func() { r.t.store.subscriptions[rec.ID] = rec })
	return nil
}

func (r subscriptionRepo) Get(ctx context.Context, tenantID, accountID, subscriptionID string) (*domain.Subscription, error) {
	rec, ok := r.t.store.subscriptions[subscriptionID]
	if !ok || rec.TenantID != tenantID || rec.AccountID != accountID {
		return nil, domain.ErrSubscriptionNotFound
	}
	return domain.ReconstructFromPersistence(rec), nil
}

func (r subscriptionRepo) GetByID(_ context.Context, subscriptionID string) (*domain.Subscription, error) {
	rec, ok := r.t.store.subscriptions[subscriptionID]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	return domain.ReconstructFromPersistence(rec), nil
}

func (r subscriptionRepo) ListByAccount(_ context.Context, tenantID, accountID string) ([]*domain.Subscription, error) {
	var subs []*domain.Subscription
	for _, rec := range r.t.store.subscriptions {
		if rec.TenantID == tenantID && rec.AccountID == accountID {
			subs = append(subs, domain.ReconstructFromPersistence(rec))
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].SubscribedAt().Before(subs[j].SubscribedAt()) })
	return subs, nil
}

func (r subscriptionRepo) ListDueForRenewal(_ context.Context, now time.Time, limit int) ([]*domain.Subscription, error) {
	var subs []*domain.Subscription
	for _, rec := range r.t.store.subscriptions {
		sub := domain.ReconstructFromPersistence(rec)
		if sub.IsDueForRenewal(now) {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].NextRenewalAt().Before(*subs[j].NextRenewalAt()) })
	if limit > 0 && len(subs) > limit {
		subs = subs[:limit]
	}
	return subs, nil
}

func (r subscriptionRepo) Update(_ context.Context, sub *domain.Subscription) error {
	stored, ok := r.t.store.subscriptions[sub.ID()]
	if !ok {
		return domain.ErrSubscriptionNotFound
	}
	if stored.Version != sub.Version() {
		return domain.ErrConcurrentModification
	}
	sub.BumpVersion()
	rec := sub.Record()
	r.t.stage(func() { r.t.store.subscriptions[rec.ID] = rec })
	return nil
}

type customerRepo struct{ t *tx }

func (r customerRepo) Add(_ context.Context, customer *domain.Customer) error {
	if _, ok := r.t.store.customers[customer.AccountID()]; ok || r.t.customers[customer.AccountID()] {
		return domain.ErrCustomerAlreadyExists
	}
	r.t.customers[customer.AccountID()] = true
	r.t.stage(func() { r.t.store.customers[customer.AccountID()] = customer })
	return nil
}

func (r customerRepo) GetByAccount(_ context.Context, tenantID, accountID string) (*domain.Customer, error) {
	c, ok := r.t.store.customers[accountID]
	if !ok || c.TenantID() != tenantID {
		return nil, domain.ErrCustomerNotFound
	}
	return c, nil
}

type paymentRepo struct{ t *tx }

func (r paymentRepo) Add(_ context.Context, payment *domain.Payment) error {
	r.t.stage(func() {
		if _, ok := r.t.store.payments[payment.ID()]; ok {
			return
		}
		r.t.store.payments[payment.ID()] = payment
		r.t.store.paymentOrder = append(r.t.store.paymentOrder, payment.ID())
	})
	return nil
}

func (r paymentRepo) ListByAccount(_ context.Context, tenantID, accountID string) ([]*domain.Payment, error) {
	var payments []*domain.Payment
	for _, id := range r.t.store.paymentOrder {
		p := r.t.store.payments[id]
		if p.TenantID() == tenantID && p.AccountID() == accountID {
			payments = append(payments, p)
		}
	}
	return payments, nil
}

type outboxWriter struct{ t *tx }

func (w outboxWriter) Put(_ context.Context, queue string, payload []byte) error {
	entry := outbox.Entry{
		ID:          uuid.NewString(),
		Queue:       queue,
		Payload:     append([]byte(nil), payload...),
		RetriesLeft: outbox.DefaultRetries,
		CreatedAt:   w.t.store.clock.Now(),
	}
	w.t.stage(func() {
		w.t.store.seq++
		w.t.store.outbox[entry.ID] = &outboxRow{entry: entry, seq: w.t.store.seq}
	})
	return nil
}
