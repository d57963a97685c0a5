package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger logrus.FieldLogger

	renewalSchedule string
	outboxSchedule  string
}

// NewScheduler creates a scheduler. A job that is still running when its
// next tick fires is skipped for that tick.
func NewScheduler(jobs *Jobs, logger logrus.FieldLogger, renewalSchedule, outboxSchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:            c,
		jobs:            jobs,
		logger:          logger,
		renewalSchedule: renewalSchedule,
		outboxSchedule:  outboxSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.renewalSchedule, s.jobs.RenewDueSubscriptions); err != nil {
		return fmt.Errorf("schedule renewal job: %w", err)
	}
	s.logger.WithField("schedule", s.renewalSchedule).Info("scheduled renewal job")

	if _, err := s.cron.AddFunc(s.outboxSchedule, s.jobs.DrainOutbox); err != nil {
		return fmt.Errorf("schedule outbox job: %w", err)
	}
	s.logger.WithField("schedule", s.outboxSchedule).Info("scheduled outbox job")

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler. The returned context is done
// once running jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
