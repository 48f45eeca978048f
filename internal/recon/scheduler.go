package recon

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ridgeline-contracting/billing-backend/internal/billing/domain"
)

// Syncer runs one reconciliation pass for a project.
type Syncer interface {
	SyncPaymentStatus(ctx context.Context, projectID string) (*domain.SyncResult, error)
}

// ProjectLister yields the projects that still have money in flight.
type ProjectLister interface {
	ListIDsWithOutstandingInvoices(ctx context.Context) ([]string, error)
}

// Scheduler drives the periodic reconciliation job. Each pass walks every
// project with outstanding invoices and reconciles it against the gateway.
// A failing project is logged and skipped; one bad project never starves
// the rest of the pass.
type Scheduler struct {
	syncer   Syncer
	projects ProjectLister
	schedule string
	timeout  time.Duration
	logger   *zap.Logger

	cron *cron.Cron
}

func NewScheduler(syncer Syncer, projects ProjectLister, schedule string, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		syncer:   syncer,
		projects: projects,
		schedule: schedule,
		timeout:  10 * time.Minute,
		logger:   logger,
	}
}

// Start registers the cron entry and begins scheduling. The schedule
// expression includes a seconds field, e.g. "0 */15 * * * *" for every
// 15 minutes.
func (s *Scheduler) Start() error {
	c := cron.New(cron.WithSeconds())

	if _, err := c.AddFunc(s.schedule, s.runPass); err != nil {
		return err
	}

	s.cron = c
	c.Start()
	s.logger.Info("reconciliation scheduler started", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts scheduling and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runPass() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	ids, err := s.projects.ListIDsWithOutstandingInvoices(ctx)
	if err != nil {
		s.logger.Error("reconciliation pass aborted: project listing failed", zap.Error(err))
		return
	}

	start := time.Now()
	var applied, reopened, drifts int
	for _, projectID := range ids {
		result, err := s.syncer.SyncPaymentStatus(ctx, projectID)
		if err != nil {
			s.logger.Error("project reconciliation failed",
				zap.String("project_id", projectID),
				zap.Error(err),
			)
			continue
		}
		applied += result.Applied
		reopened += result.Reopened
		drifts += len(result.Drifts)
	}

	s.logger.Info("reconciliation pass finished",
		zap.Int("projects", len(ids)),
		zap.Int("applied", applied),
		zap.Int("reopened", reopened),
		zap.Int("drifts", drifts),
		zap.Duration("took", time.Since(start)),
	)
}
