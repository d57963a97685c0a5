package workflows

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
)

// RenewalService is implemented by the renew_subscriptions interactor.
type RenewalService interface {
	DueSubscriptionIDs(ctx context.Context) ([]string, error)
	ChargeForRenewal(ctx context.Context, subscriptionID string) (bool, error)
	MarkRenewalSuccess(ctx context.Context, subscriptionID string) error
	MarkRenewalFailure(ctx context.Context, subscriptionID string) error
}

// Activities adapts a RenewalService to workflow activities.
type Activities struct {
	renewals RenewalService
}

func NewActivities(renewals RenewalService) *Activities {
	return &Activities{renewals: renewals}
}

func (a *Activities) ChargeForRenewal() Activity {
	return Activity{
		Name: "charge_for_renewal",
		Run: func(ctx context.Context, in Input) (Output, error) {
			charged, err := a.renewals.ChargeForRenewal(ctx, in.SubscriptionID)
			if err != nil {
				return Output{}, classify(err)
			}
			return Output{Charged: charged}, nil
		},
	}
}

func (a *Activities) MarkRenewalSuccess() Activity {
	return Activity{
		Name: "mark_renewal_success",
		Run: func(ctx context.Context, in Input) (Output, error) {
			return Output{}, classify(a.renewals.MarkRenewalSuccess(ctx, in.SubscriptionID))
		},
	}
}

func (a *Activities) MarkRenewalFailure() Activity {
	return Activity{
		Name: "mark_renewal_failure",
		Run: func(ctx context.Context, in Input) (Output, error) {
			return Output{}, classify(a.renewals.MarkRenewalFailure(ctx, in.SubscriptionID))
		},
	}
}

// classify marks domain errors that no retry can fix.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, permanent := range []error{
		domain.ErrNoPaymentMethods,
		domain.ErrSubscriptionNotFound,
		domain.ErrSubscriptionNotActive,
		domain.ErrRenewalNotDue,
		domain.ErrPlanNotFound,
		domain.ErrCustomerNotFound,
	} {
		if errors.Is(err, permanent) {
			return NonRetryable(err)
		}
	}
	var tierErr *domain.InvalidTierRequestedError
	var addOnErr *domain.AddOnNotFoundError
	var currencyErr *domain.CurrencyMismatchError
	if errors.As(err, &tierErr) || errors.As(err, &addOnErr) || errors.As(err, &currencyErr) {
		return NonRetryable(err)
	}
	return err
}

// Report summarizes a RunDue pass.
type Report struct {
	Renewed int
	Failed  int
	Errored int
}

// RenewalWorkflow renews subscriptions one saga at a time.
type RenewalWorkflow struct {
	engine      Engine
	activities  *Activities
	renewals    RenewalService
	timeout     time.Duration
	concurrency int
	logger      logrus.FieldLogger
}

func NewRenewalWorkflow(engine Engine, renewals RenewalService, timeout time.Duration, concurrency int, logger logrus.FieldLogger) *RenewalWorkflow {
	if concurrency < 1 {
		concurrency = 1
	}
	return &RenewalWorkflow{
		engine:      engine,
		activities:  NewActivities(renewals),
		renewals:    renewals,
		timeout:     timeout,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run charges one subscription and records the outcome. It returns whether
// the renewal was paid.
func (w *RenewalWorkflow) Run(ctx context.Context, subscriptionID string) (bool, error) {
	in := Input{SubscriptionID: subscriptionID}

	out, err := w.engine.ExecuteActivity(ctx, w.activities.ChargeForRenewal(), in, w.timeout)
	if err != nil {
		return false, err
	}

	next := w.activities.MarkRenewalFailure()
	if out.Charged {
		next = w.activities.MarkRenewalSuccess()
	}
	if _, err := w.engine.ExecuteActivity(ctx, next, in, w.timeout); err != nil {
		return false, err
	}
	return out.Charged, nil
}

// RunDue runs the workflow for every due subscription. A failing saga is
// logged and does not stop the others.
func (w *RenewalWorkflow) RunDue(ctx context.Context) (Report, error) {
	ids, err := w.renewals.DueSubscriptionIDs(ctx)
	if err != nil {
		return Report{}, err
	}

	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			charged, err := w.Run(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Errored++
				w.logger.WithField("subscription_id", id).WithError(err).Error("renewal workflow failed")
			case charged:
				report.Renewed++
			default:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	return report, ctx.Err()
}
