// Package scheduler drives the periodic billing sweeps: overdue flagging,
// late charges, delinquency, cycle materialization, reminders and orphaned
// webhook retries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tatamipay/billing/internal/clock"
	invoicedomain "github.com/tatamipay/billing/internal/invoice/domain"
	"github.com/tatamipay/billing/internal/locks"
	"github.com/tatamipay/billing/internal/notify"
	obsmetrics "github.com/tatamipay/billing/internal/observability/metrics"
	policydomain "github.com/tatamipay/billing/internal/policy/domain"
	reconcilerdomain "github.com/tatamipay/billing/internal/reconciler/domain"
	subscriptiondomain "github.com/tatamipay/billing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const lockKey = "billing:scheduler:run"

var ErrInvalidConfig = errors.New("scheduler requires db, log, clock and services")

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Clock           clock.Clock
	InvoiceSvc      invoicedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	PolicySvc       policydomain.Service
	ReconcilerSvc   reconcilerdomain.Service
	Notifier        notify.Sender       `optional:"true"`
	Locker          *locks.Locker       `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
	Config          Config              `optional:"true"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	invoiceSvc      invoicedomain.Service
	subscriptionSvc subscriptiondomain.Service
	policySvc       policydomain.Service
	reconcilerSvc   reconcilerdomain.Service
	notifier        notify.Sender
	locker          *locks.Locker
	obsMetrics      *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil ||
		p.InvoiceSvc == nil || p.SubscriptionSvc == nil ||
		p.PolicySvc == nil || p.ReconcilerSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		clock:           p.Clock,
		invoiceSvc:      p.InvoiceSvc,
		subscriptionSvc: p.SubscriptionSvc,
		policySvc:       p.PolicySvc,
		reconcilerSvc:   p.ReconcilerSvc,
		notifier:        p.Notifier,
		locker:          p.Locker,
		obsMetrics:      p.ObsMetrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	if s.obsMetrics != nil {
		s.obsMetrics.IncJobRun(name)
	}

	err := fn(ctx)
	if s.obsMetrics != nil {
		s.obsMetrics.ObserveJobDuration(name, time.Since(start))
	}
	if err == nil {
		return nil
	}

	if s.obsMetrics != nil {
		s.obsMetrics.IncJobError(name)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled job in order. Job failures are joined, not
// short-circuited: one broken sweep never blocks the others. When a locker
// is configured, only the instance holding the lock runs.
func (s *Scheduler) RunOnce(parent context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(parent, lockKey, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("scheduler lock: %w", err)
		}
		if !ok {
			s.log.Debug("another instance holds the scheduler lock")
			return nil
		}
		defer func() {
			if err := s.locker.Release(parent, lockKey, token); err != nil {
				s.log.Warn("failed to release scheduler lock", zap.Error(err))
			}
		}()
	}

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"mark_overdue", s.MarkOverdueJob},
		{"late_charges", s.LateChargesJob},
		{"delinquency", s.DelinquencyJob},
		{"materialize", s.MaterializeJob},
		{"reminders", s.RemindersJob},
		{"retry_orphans", s.RetryOrphansJob},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		name, run := job.Name, job.Run
		err = errors.Join(err, s.runJob(parent, name, 30*time.Second, run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty EnabledJobs list enables everything.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
