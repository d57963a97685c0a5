package spannerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
)

var planColumns = []string{"id", "tenant_id", "name", "base_price_amount", "base_price_currency", "description", "add_ons"}

type planRepo struct {
	tx *tx
}

func (r *planRepo) Add(ctx context.Context, plan *domain.Plan) error {
	key := plan.TenantID() + "/" + plan.Name()
	if r.tx.planNames[key] {
		return domain.ErrPlanNameTaken
	}
	// plans_by_tenant_name also enforces this at commit.
	taken, err := exists(ctx, r.tx.txn, spanner.Statement{
		SQL:    `SELECT id FROM plans@{FORCE_INDEX=plans_by_tenant_name} WHERE tenant_id = @tenant AND name = @name LIMIT 1`,
		Params: map[string]interface{}{"tenant": plan.TenantID(), "name": plan.Name()},
	})
	if err != nil {
		return err
	}
	if taken {
		return domain.ErrPlanNameTaken
	}

	addOns, err := domain.MarshalAddOns(plan.AddOns())
	if err != nil {
		return fmt.Errorf("marshal add-ons: %w", err)
	}

	r.tx.planNames[key] = true
	return r.tx.txn.BufferWrite([]*spanner.Mutation{spanner.Insert("plans", planColumns, []interface{}{
		plan.ID(),
		plan.TenantID(),
		plan.Name(),
		plan.BasePrice().Amount().String(),
		plan.BasePrice().Currency(),
		plan.Description(),
		string(addOns),
	})})
}

func (r *planRepo) Get(ctx context.Context, tenantID, planID string) (*domain.Plan, error) {
	row, err := r.tx.txn.ReadRow(ctx, "plans", spanner.Key{planID}, planColumns)
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, domain.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}

	plan, err := scanPlan(row)
	if err != nil {
		return nil, err
	}
	if plan.TenantID() != tenantID {
		return nil, domain.ErrPlanNotFound
	}
	return plan, nil
}

func (r *planRepo) List(ctx context.Context, tenantID string) ([]*domain.Plan, error) {
	iter := r.tx.txn.Query(ctx, spanner.Statement{
		SQL: `
			SELECT id, tenant_id, name, base_price_amount, base_price_currency, description, add_ons
			FROM plans
			WHERE tenant_id = @tenant
			ORDER BY name
		`,
		Params: map[string]interface{}{"tenant": tenantID},
	})

	var plans []*domain.Plan
	err := iter.Do(func(row *spanner.Row) error {
		plan, err := scanPlan(row)
		if err != nil {
			return err
		}
		plans = append(plans, plan)
		return nil
	})
	return plans, err
}

func (r *planRepo) Delete(ctx context.Context, tenantID, planID string) error {
	_, err := r.Get(ctx, tenantID, planID)
	if errors.Is(err, domain.ErrPlanNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.tx.txn.BufferWrite([]*spanner.Mutation{spanner.Delete("plans", spanner.Key{planID})})
}

func scanPlan(row *spanner.Row) (*domain.Plan, error) {
	var (
		id, tenantID, name string
		amount, currency   string
		description        spanner.NullString
		addOns             string
	)
	if err := row.Columns(&id, &tenantID, &name, &amount, &currency, &description, &addOns); err != nil {
		return nil, err
	}

	basePrice, err := domain.ParseMoney(amount, currency)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", id, err)
	}
	decoded, err := domain.UnmarshalAddOns([]byte(addOns))
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", id, err)
	}
	return domain.ReconstructPlan(id, tenantID, name, basePrice, description.StringVal, decoded), nil
}

var subscriptionColumns = []string{
	"id", "tenant_id", "account_id", "plan_id", "status", "term", "subscribed_at",
	"next_renewal_at", "canceled_at", "pending_plan_id", "requested_add_ons", "version",
}

const subscriptionSelect = `
	SELECT id, tenant_id, account_id, plan_id, status, term, subscribed_at,
		next_renewal_at, canceled_at, pending_plan_id, requested_add_ons, version
	FROM subscriptions`

type subscriptionRepo struct {
	txn *spanner.ReadWriteTransaction
}

func (r *subscriptionRepo) Add(ctx context.Context, sub *domain.Subscription) error {
	m, err := subscriptionMutation(spanner.Insert, sub.Record())
	if err != nil {
		return err
	}
	return r.txn.BufferWrite([]*spanner.Mutation{m})
}

func (r *subscriptionRepo) Get(ctx context.Context, tenantID, accountID, subscriptionID string) (*domain.Subscription, error) {
	sub, err := r.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.TenantID() != tenantID || sub.AccountID() != accountID {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (r *subscriptionRepo) GetByID(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	row, err := r.txn.ReadRow(ctx, "subscriptions", spanner.Key{subscriptionID}, subscriptionColumns)
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return scanSubscription(row)
}

func (r *subscriptionRepo) ListByAccount(ctx context.Context, tenantID, accountID string) ([]*domain.Subscription, error) {
	return r.list(ctx, spanner.Statement{
		SQL:    subscriptionSelect + ` WHERE tenant_id = @tenant AND account_id = @account ORDER BY subscribed_at`,
		Params: map[string]interface{}{"tenant": tenantID, "account": accountID},
	})
}

func (r *subscriptionRepo) ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]*domain.Subscription, error) {
	sql := subscriptionSelect + ` WHERE status = @status AND next_renewal_at <= @now ORDER BY next_renewal_at`
	params := map[string]interface{}{"status": string(domain.StatusActive), "now": now}
	if limit > 0 {
		sql += ` LIMIT @limit`
		params["limit"] = int64(limit)
	}
	return r.list(ctx, spanner.Statement{SQL: sql, Params: params})
}

func (r *subscriptionRepo) list(ctx context.Context, stmt spanner.Statement) ([]*domain.Subscription, error) {
	iter := r.txn.Query(ctx, stmt)

	var subs []*domain.Subscription
	err := iter.Do(func(row *spanner.Row) error {
		sub, err := scanSubscription(row)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		return nil
	})
	return subs, err
}

// Update reads the stored version inside the transaction, which takes a
// lock on the row until commit.
func (r *subscriptionRepo) Update(ctx context.Context, sub *domain.Subscription) error {
	row, err := r.txn.ReadRow(ctx, "subscriptions", spanner.Key{sub.ID()}, []string{"version"})
	if spanner.ErrCode(err) == codes.NotFound {
		return domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return err
	}

	var stored int64
	if err := row.Columns(&stored); err != nil {
		return err
	}
	if stored != sub.Version() {
		return domain.ErrConcurrentModification
	}

	sub.BumpVersion()
	m, err := subscriptionMutation(spanner.Update, sub.Record())
	if err != nil {
		return err
	}
	return r.txn.BufferWrite([]*spanner.Mutation{m})
}

func subscriptionMutation(op func(string, []string, []interface{}) *spanner.Mutation, rec domain.SubscriptionRecord) (*spanner.Mutation, error) {
	addOns, err := json.Marshal(rec.RequestedAddOns)
	if err != nil {
		return nil, fmt.Errorf("marshal requested add-ons: %w", err)
	}

	var pending spanner.NullString
	if rec.PendingChange != nil {
		pending = spanner.NullString{StringVal: rec.PendingChange.NewPlanID, Valid: true}
	}

	return op("subscriptions", subscriptionColumns, []interface{}{
		rec.ID,
		rec.TenantID,
		rec.AccountID,
		rec.PlanID,
		string(rec.Status),
		string(rec.Term),
		rec.SubscribedAt,
		nullTime(rec.NextRenewalAt),
		nullTime(rec.CanceledAt),
		pending,
		string(addOns),
		rec.Version,
	}), nil
}

func scanSubscription(row *spanner.Row) (*domain.Subscription, error) {
	var (
		rec                   domain.SubscriptionRecord
		status, term          string
		nextRenewal, canceled spanner.NullTime
		pendingPlanID         spanner.NullString
		addOns                string
	)
	err := row.Columns(
		&rec.ID, &rec.TenantID, &rec.AccountID, &rec.PlanID, &status, &term, &rec.SubscribedAt,
		&nextRenewal, &canceled, &pendingPlanID, &addOns, &rec.Version,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = domain.SubscriptionStatus(status)
	rec.Term = domain.Term(term)
	rec.SubscribedAt = rec.SubscribedAt.UTC()
	rec.NextRenewalAt = timePtr(nextRenewal)
	rec.CanceledAt = timePtr(canceled)
	if pendingPlanID.Valid {
		rec.PendingChange = &domain.PendingChange{NewPlanID: pendingPlanID.StringVal}
	}
	if err := json.Unmarshal([]byte(addOns), &rec.RequestedAddOns); err != nil {
		return nil, fmt.Errorf("subscription %s: decode add-ons: %w", rec.ID, err)
	}
	return domain.ReconstructFromPersistence(rec), nil
}

func nullTime(t *time.Time) spanner.NullTime {
	if t == nil {
		return spanner.NullTime{}
	}
	return spanner.NullTime{Time: *t, Valid: true}
}

func timePtr(t spanner.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

type customerRepo struct {
	tx *tx
}

func (r *customerRepo) Add(ctx context.Context, customer *domain.Customer) error {
	if r.tx.customers[customer.AccountID()] {
		return domain.ErrCustomerAlreadyExists
	}
	_, err := r.tx.txn.ReadRow(ctx, "customers", spanner.Key{customer.AccountID()}, []string{"account_id"})
	if err == nil {
		return domain.ErrCustomerAlreadyExists
	}
	if spanner.ErrCode(err) != codes.NotFound {
		return err
	}

	r.tx.customers[customer.AccountID()] = true
	return r.tx.txn.BufferWrite([]*spanner.Mutation{spanner.Insert("customers",
		[]string{"account_id", "tenant_id", "provider_customer_id", "provider_setup_ref"},
		[]interface{}{customer.AccountID(), customer.TenantID(), customer.ProviderCustomerID(), customer.ProviderSetupRef()},
	)})
}

func (r *customerRepo) GetByAccount(ctx context.Context, tenantID, accountID string) (*domain.Customer, error) {
	row, err := r.tx.txn.ReadRow(ctx, "customers", spanner.Key{accountID},
		[]string{"tenant_id", "provider_customer_id", "provider_setup_ref"})
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, domain.ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}

	var (
		storedTenant, providerCustomerID string
		providerSetupRef                 spanner.NullString
	)
	if err := row.Columns(&storedTenant, &providerCustomerID, &providerSetupRef); err != nil {
		return nil, err
	}
	if storedTenant != tenantID {
		return nil, domain.ErrCustomerNotFound
	}
	return domain.NewCustomer(accountID, tenantID, providerCustomerID, providerSetupRef.StringVal)
}

type paymentRepo struct {
	tx *tx
}

// Add inserts the payment unless a row with the same ID exists.
func (r *paymentRepo) Add(ctx context.Context, payment *domain.Payment) error {
	if r.tx.payments[payment.ID()] {
		return nil
	}
	_, err := r.tx.txn.ReadRow(ctx, "payments", spanner.Key{payment.ID()}, []string{"id"})
	if err == nil {
		return nil
	}
	if spanner.ErrCode(err) != codes.NotFound {
		return err
	}

	r.tx.payments[payment.ID()] = true
	return r.tx.txn.BufferWrite([]*spanner.Mutation{spanner.Insert("payments",
		[]string{"id", "tenant_id", "account_id", "amount", "currency", "status", "provider_payment_ref", "created_at"},
		[]interface{}{
			payment.ID(),
			payment.TenantID(),
			payment.AccountID(),
			payment.Amount().Amount().String(),
			payment.Amount().Currency(),
			string(payment.Status()),
			payment.ProviderPaymentRef(),
			payment.CreatedAt(),
		},
	)})
}

func (r *paymentRepo) ListByAccount(ctx context.Context, tenantID, accountID string) ([]*domain.Payment, error) {
	iter := r.tx.txn.Query(ctx, spanner.Statement{
		SQL: `
			SELECT id, amount, currency, status, provider_payment_ref, created_at
			FROM payments
			WHERE tenant_id = @tenant AND account_id = @account
			ORDER BY created_at, id
		`,
		Params: map[string]interface{}{"tenant": tenantID, "account": accountID},
	})

	var payments []*domain.Payment
	err := iter.Do(func(row *spanner.Row) error {
		var (
			id, amount, currency, status string
			ref                          spanner.NullString
			createdAt                    time.Time
		)
		if err := row.Columns(&id, &amount, &currency, &status, &ref, &createdAt); err != nil {
			return err
		}
		money, err := domain.ParseMoney(amount, currency)
		if err != nil {
			return fmt.Errorf("payment %s: %w", id, err)
		}
		payments = append(payments, domain.NewPayment(id, tenantID, accountID, money, domain.PaymentStatus(status), ref.StringVal, createdAt.UTC()))
		return nil
	})
	return payments, err
}

type outboxWriter struct {
	txn *spanner.ReadWriteTransaction
}

func (w *outboxWriter) Put(ctx context.Context, queue string, payload []byte) error {
	return w.txn.BufferWrite([]*spanner.Mutation{spanner.Insert("outbox_entries",
		[]string{"id", "queue", "payload", "retries_left", "created_at"},
		[]interface{}{uuid.NewString(), queue, payload, int64(outbox.DefaultRetries), spanner.CommitTimestamp},
	)})
}

func exists(ctx context.Context, txn *spanner.ReadWriteTransaction, stmt spanner.Statement) (bool, error) {
	iter := txn.Query(ctx, stmt)
	defer iter.Stop()

	_, err := iter.Next()
	if err == iterator.Done {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
