package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/habitloop/habitloop/internal/clock"
	coupondomain "github.com/habitloop/habitloop/internal/coupon/domain"
	eventdomain "github.com/habitloop/habitloop/internal/event/domain"
	obsmetrics "github.com/habitloop/habitloop/internal/observability/metrics"
	"github.com/habitloop/habitloop/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

// sweepLockKey is the distributed lock held by the instance running sweeps.
const sweepLockKey = "sweep:leader"

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	EventSvc  eventdomain.Service
	CouponSvc coupondomain.Service
	Locker    *ratelimit.Locker `optional:"true"`
	Metrics   *obsmetrics.Metrics `optional:"true"`
	Config    Config              `optional:"true"`
}

// Scheduler runs the recurring maintenance sweeps: requeueing events
// stranded in validating, expiring overdue coupons and draining any
// pending backlog left by crashed submitters.
type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	eventSvc  eventdomain.Service
	couponSvc coupondomain.Service
	locker    *ratelimit.Locker
	metrics   *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.EventSvc == nil || p.CouponSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:        p.DB,
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		eventSvc:  p.EventSvc,
		couponSvc: p.CouponSvc,
		locker:    p.Locker,
		metrics:   p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) (int64, error)) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	run := &jobRun{
		job:       name,
		runID:     s.genID.Generate().String(),
		batchSize: s.cfg.BatchSize,
		startedAt: time.Now(),
	}
	s.logJobStart(run)

	sweepMetrics := obsmetrics.Sweep()
	sweepMetrics.IncJobRun(name)

	processed, err := fn(ctx)
	run.AddProcessed(int(processed))
	sweepMetrics.ObserveJobDuration(name, time.Since(start))
	sweepMetrics.AddProcessed(name, int(processed))
	if err != nil {
		run.IncError()
		sweepMetrics.IncJobError(name, err)
	}
	s.logJobFinish(run)

	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("sweep job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	if release, ok := s.acquireLeadership(parent); ok {
		defer release()
	} else {
		return nil
	}

	var err error
	jobs := []struct {
		Name string
		Run  func(context.Context) (int64, error)
	}{
		{obsmetrics.SweepJobRequeueStuck, s.RequeueStuckJob},
		{obsmetrics.SweepJobValidatePending, s.ValidatePendingJob},
		{obsmetrics.SweepJobExpireCoupons, s.ExpireCouponsJob},
	}
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, 30*time.Second, job.Run))
	}
	return err
}

// acquireLeadership takes the sweep lock when redis is configured so only
// one instance performs maintenance. Without redis the instance is assumed
// to be alone.
func (s *Scheduler) acquireLeadership(ctx context.Context) (func(), bool) {
	if s.locker == nil {
		return func() {}, true
	}
	token, ok, err := s.locker.TryLock(ctx, sweepLockKey, s.cfg.RunInterval)
	if err != nil {
		s.log.Warn("sweep lock acquisition failed", zap.Error(err))
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
			s.log.Warn("sweep lock release failed", zap.Error(err))
		}
	}, true
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	sweepMetrics := obsmetrics.Sweep()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			sweepMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
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

// RequeueStuckJob returns events stranded in validating past the recovery
// threshold to pending so they get re-validated.
func (s *Scheduler) RequeueStuckJob(ctx context.Context) (int64, error) {
	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		requeued, err := s.eventSvc.RequeueStuck(ctx, s.cfg.RecoveryThreshold, s.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		total += requeued
		if requeued < int64(s.cfg.BatchSize) {
			break
		}
	}
	if total > 0 && s.metrics != nil {
		s.metrics.RecordSweepRequeued(ctx, total)
	}
	return total, nil
}

// ValidatePendingJob drains pending events whose submitter crashed before
// the synchronous validation pass finished.
func (s *Scheduler) ValidatePendingJob(ctx context.Context) (int64, error) {
	result, err := s.eventSvc.ValidateBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(result.Failed) > 0 {
		s.log.Warn("pending validation sweep had failures", zap.Int("failed", len(result.Failed)))
	}
	return int64(len(result.Outcomes)), nil
}

// ExpireCouponsJob flips issued coupons whose expiry passed to expired.
func (s *Scheduler) ExpireCouponsJob(ctx context.Context) (int64, error) {
	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		expired, err := s.couponSvc.ExpireDue(ctx, s.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		total += expired
		if expired < int64(s.cfg.BatchSize) {
			break
		}
	}
	if total > 0 && s.metrics != nil {
		s.metrics.RecordCouponsExpired(ctx, total)
	}
	return total, nil
}
