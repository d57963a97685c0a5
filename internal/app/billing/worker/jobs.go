// Package worker schedules the renewal scan and the outbox drain.
package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/usecases/renew_subscriptions"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/workflows"
)

// RenewalSummary is the outcome of one renewal pass.
type RenewalSummary struct {
	Renewed int
	Failed  int
	Skipped int
}

// RenewalRunner renews every due subscription once.
type RenewalRunner interface {
	RenewDue(ctx context.Context) (RenewalSummary, error)
}

// OutboxDrainer publishes one batch of outbox entries.
type OutboxDrainer interface {
	RunOnce(ctx context.Context) (outbox.Stats, error)
}

type batchRenewals struct{ interactor *renew_subscriptions.Interactor }

// BatchRenewals runs renewals as one batch pass with a single commit.
func BatchRenewals(interactor *renew_subscriptions.Interactor) RenewalRunner {
	return batchRenewals{interactor: interactor}
}

func (b batchRenewals) RenewDue(ctx context.Context) (RenewalSummary, error) {
	report, err := b.interactor.Execute(ctx)
	return RenewalSummary{Renewed: report.Renewed, Failed: report.Failed, Skipped: report.Skipped}, err
}

type workflowRenewals struct{ workflow *workflows.RenewalWorkflow }

// WorkflowRenewals runs one renewal saga per due subscription.
func WorkflowRenewals(workflow *workflows.RenewalWorkflow) RenewalRunner {
	return workflowRenewals{workflow: workflow}
}

func (w workflowRenewals) RenewDue(ctx context.Context) (RenewalSummary, error) {
	report, err := w.workflow.RunDue(ctx)
	return RenewalSummary{Renewed: report.Renewed, Failed: report.Failed, Skipped: report.Errored}, err
}

// Jobs holds the worker's scheduled tasks.
type Jobs struct {
	renewals RenewalRunner
	outbox   OutboxDrainer
	logger   logrus.FieldLogger
	timeout  time.Duration
}

// NewJobs creates the job set. Each run is bounded by timeout.
func NewJobs(renewals RenewalRunner, drainer OutboxDrainer, logger logrus.FieldLogger, timeout time.Duration) *Jobs {
	return &Jobs{
		renewals: renewals,
		outbox:   drainer,
		logger:   logger,
		timeout:  timeout,
	}
}

// RenewDueSubscriptions charges every subscription whose renewal date has passed.
func (j *Jobs) RenewDueSubscriptions() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	summary, err := j.renewals.RenewDue(ctx)
	log := j.logger.WithFields(logrus.Fields{
		"renewed": summary.Renewed,
		"failed":  summary.Failed,
		"skipped": summary.Skipped,
	})
	if err != nil {
		log.WithError(err).Error("renewal pass failed")
		return
	}
	if summary.Renewed+summary.Failed+summary.Skipped > 0 {
		log.Info("renewal pass finished")
	}
}

// DrainOutbox publishes pending outbox entries, one batch per call.
func (j *Jobs) DrainOutbox() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	stats, err := j.outbox.RunOnce(ctx)
	if err != nil {
		j.logger.WithError(err).Error("outbox drain failed")
		return
	}
	if stats.Published+stats.Failed > 0 {
		j.logger.WithFields(logrus.Fields{
			"published": stats.Published,
			"failed":    stats.Failed,
			"exhausted": stats.Exhausted,
		}).Debug("outbox drained")
	}
}
