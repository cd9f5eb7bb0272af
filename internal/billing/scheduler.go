package billing

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
)

const (
	SweepJobName    = "billing-sweep"
	DefaultSchedule = "@every 1m"
)

type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (*SweepReport, error)
}

type SchedulerParams struct {
	Sweeper  Sweeper
	Schedule string
	Metrics  *telemetry.Metrics
	Now      func() time.Time
}

// Scheduler runs the billing sweep on a cron schedule. Overlapping runs on
// one node are skipped; across nodes the subscription locks apply.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  Sweeper
	schedule string
	metrics  *telemetry.Metrics
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewScheduler(p SchedulerParams) (*Scheduler, error) {
	if p.Sweeper == nil {
		return nil, errors.New("sweeper is required")
	}
	if p.Schedule == "" {
		p.Schedule = DefaultSchedule
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:     cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		sweeper:  p.Sweeper,
		schedule: p.Schedule,
		metrics:  p.Metrics,
		now:      p.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	if _, err := s.cron.AddFunc(p.Schedule, func() { _, _ = s.RunOnce(s.ctx) }); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	telemetry.Logger.Info("Billing scheduler started", zap.String("schedule", s.schedule))
}

// Stop cancels a running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	telemetry.Logger.Info("Billing scheduler stopped")
}

// RunOnce sweeps immediately, recording the run as a job.
func (s *Scheduler) RunOnce(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	report, err := s.sweeper.Sweep(ctx, s.now())
	duration := time.Since(start)
	s.metrics.ObserveJob(SweepJobName, duration, err)

	if err != nil {
		telemetry.Logger.Error("Job failed",
			zap.String("job", SweepJobName),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.Error(err),
		)
		return report, err
	}
	telemetry.Logger.Info("Job completed",
		zap.String("job", SweepJobName),
		zap.Int64("duration_ms", duration.Milliseconds()),
	)
	return report, nil
}

// cronLogger routes cron's own messages to the service logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	telemetry.Logger.Sugar().Debugw(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	telemetry.Logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
