package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
)

type planRepo struct{ tx pgx.Tx }

func (r *planRepo) Add(ctx context.Context, plan *domain.Plan) error {
	addOns, err := domain.MarshalAddOns(plan.AddOns())
	if err != nil {
		return fmt.Errorf("marshal add-ons: %w", err)
	}

	_, err = r.tx.Exec(ctx, `
		INSERT INTO plans (id, tenant_id, name, base_price_amount, base_price_currency, description, add_ons)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		plan.ID(),
		plan.TenantID(),
		plan.Name(),
		plan.BasePrice().Amount().String(),
		plan.BasePrice().Currency(),
		plan.Description(),
		string(addOns),
	)
	if isDuplicateError(err) {
		return domain.ErrPlanNameTaken
	}
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

const planColumns = `id, tenant_id, name, base_price_amount, base_price_currency, description, add_ons`

func (r *planRepo) Get(ctx context.Context, tenantID, planID string) (*domain.Plan, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1 AND tenant_id = $2`, planID, tenantID)
	plan, err := scanPlan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrPlanNotFound
	}
	return plan, err
}

func (r *planRepo) List(ctx context.Context, tenantID string) ([]*domain.Plan, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+planColumns+` FROM plans WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*domain.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

func (r *planRepo) Delete(ctx context.Context, tenantID, planID string) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM plans WHERE id = $1 AND tenant_id = $2`, planID, tenantID); err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	return nil
}

func scanPlan(row pgx.Row) (*domain.Plan, error) {
	var (
		id, tenantID, name  string
		amount, currency    string
		description, addOns string
	)
	if err := row.Scan(&id, &tenantID, &name, &amount, &currency, &description, &addOns); err != nil {
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
	return domain.ReconstructPlan(id, tenantID, name, basePrice, description, decoded), nil
}

type subscriptionRepo struct{ tx pgx.Tx }

const subscriptionColumns = `id, tenant_id, account_id, plan_id, status, term, subscribed_at,
	next_renewal_at, canceled_at, pending_plan_id, requested_add_ons, version`

func (r *subscriptionRepo) Add(ctx context.Context, sub *domain.Subscription) error {
	rec := sub.Record()
	addOns, err := json.Marshal(rec.RequestedAddOns)
	if err != nil {
		return fmt.Errorf("marshal requested add-ons: %w", err)
	}

	_, err = r.tx.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.TenantID, rec.AccountID, rec.PlanID, string(rec.Status), string(rec.Term),
		rec.SubscribedAt, rec.NextRenewalAt, rec.CanceledAt, pendingPlanID(rec.PendingChange),
		string(addOns), rec.Version,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// Get locks the row for the rest of the transaction.
func (r *subscriptionRepo) Get(ctx context.Context, tenantID, accountID, subscriptionID string) (*domain.Subscription, error) {
	row := r.tx.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE id = $1 AND tenant_id = $2 AND account_id = $3
		FOR UPDATE`, subscriptionID, tenantID, accountID)
	return r.one(row)
}

func (r *subscriptionRepo) GetByID(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, subscriptionID)
	return r.one(row)
}

func (r *subscriptionRepo) one(row pgx.Row) (*domain.Subscription, error) {
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub, err
}

func (r *subscriptionRepo) ListByAccount(ctx context.Context, tenantID, accountID string) ([]*domain.Subscription, error) {
	return r.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE tenant_id = $1 AND account_id = $2
		ORDER BY subscribed_at`, tenantID, accountID)
}

func (r *subscriptionRepo) ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]*domain.Subscription, error) {
	if limit <= 0 {
		return r.list(ctx, `
			SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE status = 'active' AND next_renewal_at <= $1
			ORDER BY next_renewal_at`, now)
	}
	return r.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'active' AND next_renewal_at <= $1
		ORDER BY next_renewal_at
		LIMIT $2`, now, limit)
}

func (r *subscriptionRepo) list(ctx context.Context, sql string, args ...any) ([]*domain.Subscription, error) {
	rows, err := r.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (r *subscriptionRepo) Update(ctx context.Context, sub *domain.Subscription) error {
	rec := sub.Record()
	addOns, err := json.Marshal(rec.RequestedAddOns)
	if err != nil {
		return fmt.Errorf("marshal requested add-ons: %w", err)
	}

	tag, err := r.tx.Exec(ctx, `
		UPDATE subscriptions
		SET plan_id = $3,
			status = $4,
			next_renewal_at = $5,
			canceled_at = $6,
			pending_plan_id = $7,
			requested_add_ons = $8,
			subscribed_at = $9,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		rec.ID, rec.Version, rec.PlanID, string(rec.Status), rec.NextRenewalAt, rec.CanceledAt,
		pendingPlanID(rec.PendingChange), string(addOns), rec.SubscribedAt,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check subscription: %w", err)
		}
		if !exists {
			return domain.ErrSubscriptionNotFound
		}
		return domain.ErrConcurrentModification
	}

	sub.BumpVersion()
	return nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		rec           domain.SubscriptionRecord
		status, term  string
		pendingPlanID *string
		addOns        string
	)
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.AccountID, &rec.PlanID, &status, &term, &rec.SubscribedAt,
		&rec.NextRenewalAt, &rec.CanceledAt, &pendingPlanID, &addOns, &rec.Version,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = domain.SubscriptionStatus(status)
	rec.Term = domain.Term(term)
	rec.SubscribedAt = rec.SubscribedAt.UTC()
	rec.NextRenewalAt = utc(rec.NextRenewalAt)
	rec.CanceledAt = utc(rec.CanceledAt)
	if pendingPlanID != nil {
		rec.PendingChange = &domain.PendingChange{NewPlanID: *pendingPlanID}
	}
	if err := json.Unmarshal([]byte(addOns), &rec.RequestedAddOns); err != nil {
		return nil, fmt.Errorf("subscription %s: decode add-ons: %w", rec.ID, err)
	}
	return domain.ReconstructFromPersistence(rec), nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func pendingPlanID(p *domain.PendingChange) *string {
	if p == nil {
		return nil
	}
	id := p.NewPlanID
	return &id
}

type customerRepo struct{ tx pgx.Tx }

func (r *customerRepo) Add(ctx context.Context, customer *domain.Customer) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO customers (account_id, tenant_id, provider_customer_id, provider_setup_ref)
		VALUES ($1, $2, $3, $4)`,
		customer.AccountID(), customer.TenantID(), customer.ProviderCustomerID(), customer.ProviderSetupRef(),
	)
	if isDuplicateError(err) {
		return domain.ErrCustomerAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

func (r *customerRepo) GetByAccount(ctx context.Context, tenantID, accountID string) (*domain.Customer, error) {
	var providerCustomerID, providerSetupRef string
	err := r.tx.QueryRow(ctx, `
		SELECT provider_customer_id, provider_setup_ref FROM customers
		WHERE account_id = $1 AND tenant_id = $2`, accountID, tenantID,
	).Scan(&providerCustomerID, &providerSetupRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return domain.NewCustomer(accountID, tenantID, providerCustomerID, providerSetupRef)
}

type paymentRepo struct{ tx pgx.Tx }

func (r *paymentRepo) Add(ctx context.Context, payment *domain.Payment) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO payments (id, tenant_id, account_id, amount, currency, status, provider_payment_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		payment.ID(),
		payment.TenantID(),
		payment.AccountID(),
		payment.Amount().Amount().String(),
		payment.Amount().Currency(),
		string(payment.Status()),
		payment.ProviderPaymentRef(),
		payment.CreatedAt(),
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *paymentRepo) ListByAccount(ctx context.Context, tenantID, accountID string) ([]*domain.Payment, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT id, amount, currency, status, provider_payment_ref, created_at
		FROM payments
		WHERE tenant_id = $1 AND account_id = $2
		ORDER BY created_at, id`, tenantID, accountID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		var (
			id, amount, currency, status, ref string
			createdAt                         time.Time
		)
		if err := rows.Scan(&id, &amount, &currency, &status, &ref, &createdAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		money, err := domain.ParseMoney(amount, currency)
		if err != nil {
			return nil, fmt.Errorf("payment %s: %w", id, err)
		}
		payments = append(payments, domain.NewPayment(id, tenantID, accountID, money, domain.PaymentStatus(status), ref, createdAt.UTC()))
	}
	return payments, rows.Err()
}

type outboxWriter struct {
	tx    pgx.Tx
	clock domain.Clock
}

func (w *outboxWriter) Put(ctx context.Context, queue string, payload []byte) error {
	_, err := w.tx.Exec(ctx, `
		INSERT INTO outbox_entries (id, queue, payload, retries_left, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), queue, payload, outbox.DefaultRetries, w.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}
