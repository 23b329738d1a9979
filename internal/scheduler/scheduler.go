// Package scheduler runs the poll and digest cycles on cron schedules so the
// service is self-driving. The trigger endpoints remain available for manual
// or externally-scheduled runs; disabling the scheduler turns the service
// into a purely trigger-driven one.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler wraps a cron runner around the poll and digest jobs.
type Scheduler struct {
	c      *cron.Cron
	logger *zap.Logger
}

// New creates a scheduler with the given cron specs (standard five-field
// syntax plus descriptors like "@every 1m"). pollJob and digestJob receive a
// background context; they are expected to bound their own runtime.
func New(pollSpec, digestSpec string, pollJob, digestJob func(context.Context), logger *zap.Logger) (*Scheduler, error) {
	c := cron.New()

	if _, err := c.AddFunc(pollSpec, func() {
		pollJob(context.Background())
	}); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc(digestSpec, func() {
		digestJob(context.Background())
	}); err != nil {
		return nil, err
	}

	logger.Info("scheduler configured",
		zap.String("poll_spec", pollSpec),
		zap.String("digest_spec", digestSpec),
	)
	return &Scheduler{c: c, logger: logger}, nil
}

// Start launches the cron runner and blocks until ctx is cancelled, then
// waits for any in-flight job to finish.
func (s *Scheduler) Start(ctx context.Context) {
	s.c.Start()
	s.logger.Info("scheduler started")

	<-ctx.Done()
	stopCtx := s.c.Stop()
	<-stopCtx.Done()
	s.logger.Info("scheduler stopped")
}
