package closure

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"mlm-backoffice/pkg/config"
	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/task"
	"mlm-backoffice/services/period"
)

// Scheduler enqueues the closure task on the last day of the open period.
type Scheduler struct {
	cron     *cron.Cron
	spec     string
	runner   *uow.Runner
	periods  *period.Resolver
	enqueuer task.Enqueuer
}

type SchedulerParams struct {
	fx.In

	Config   *config.Config
	Runner   *uow.Runner
	Periods  *period.Resolver
	Enqueuer task.Enqueuer
}

func NewScheduler(p SchedulerParams) (*Scheduler, error) {
	spec := p.Config.Compensation.ClosureSchedule
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, err
	}
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		spec:     spec,
		runner:   p.Runner,
		periods:  p.Periods,
		enqueuer: p.Enqueuer,
	}, nil
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := s.cron.AddFunc(s.spec, func() {
				if err := s.Tick(context.Background()); err != nil {
					zap.L().Error("[Scheduler] period close enqueue failed", zap.Error(err))
				}
			}); err != nil {
				return err
			}
			s.cron.Start()
			zap.L().Info("[Scheduler] period closure scheduler started", zap.String("schedule", s.spec))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-s.cron.Stop().Done():
			case <-ctx.Done():
			}
			zap.L().Warn("[Scheduler] stopped")
			return nil
		},
	})
}

// Tick enqueues the closure task when today is the last day of the open
// period.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.periods.Now()
	p, err := uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) (*period.Period, error) {
		return s.periods.At(ctx, u, now)
	})
	if err != nil {
		return err
	}
	if p.Closed() || !sameDay(now, p.LastDay()) {
		zap.L().Debug("[Scheduler] nothing to close", zap.String("period_id", p.ID))
		return nil
	}

	t, err := NewCloseTask(ClosePayload{PeriodID: p.ID, At: now})
	if err != nil {
		return err
	}
	if _, err := s.enqueuer.Enqueue(ctx, t); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			zap.L().Info("[Scheduler] period close already enqueued", zap.String("period_id", p.ID))
			return nil
		}
		return err
	}

	zap.L().Info("[Scheduler] period close enqueued", zap.String("period_id", p.ID), zap.Time("at", now))
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
