package closure

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/errutil"
	applog "mlm-backoffice/pkg/logger"
	"mlm-backoffice/services/commission"
	"mlm-backoffice/services/genealogy"
	"mlm-backoffice/services/order"
	"mlm-backoffice/services/period"
)

var (
	closureRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "period_closure_runs_total",
		Help: "Period closure runs, by outcome.",
	}, []string{"result"})
	closureSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "period_closure_skipped_members_total",
		Help: "Members skipped by a closure run because of a genealogy integrity error.",
	})
)

func init() {
	prometheus.MustRegister(closureRuns, closureSkipped)
}

var Module = fx.Module("closure",
	fx.Provide(NewJob),
)

// Worker registers the closure task handler and the cron scheduler.
var Worker = fx.Module("closure.worker",
	fx.Provide(NewScheduler),
	fx.Invoke(RegisterHandlers, StartScheduler),
)

type Job struct {
	runner      *uow.Runner
	periods     *period.Resolver
	orders      *order.Service
	commissions *commission.Engine
}

type Params struct {
	fx.In

	Runner      *uow.Runner
	Periods     *period.Resolver
	Orders      *order.Service
	Commissions *commission.Engine
}

func NewJob(p Params) *Job {
	return &Job{
		runner:      p.Runner,
		periods:     p.Periods,
		orders:      p.Orders,
		commissions: p.Commissions,
	}
}

type Report struct {
	PeriodID      string
	AlreadyClosed bool
	Ambassadors   int
	Commissions   int
	Skipped       []string
}

// ClosePeriod closes the period containing the current time.
func (j *Job) ClosePeriod(ctx context.Context) (bool, error) {
	if _, err := j.Run(ctx, j.periods.Now()); err != nil {
		return false, err
	}
	return true, nil
}

// Run closes the period containing at: it seals the window, runs Matching
// for every ambassador who bought in the period, then stamps closed_at. Each
// ambassador is its own transaction. A closed period is left untouched. The stamp is only written
// once every ambassador has been processed, so a failed run can be retried
// in full.
func (j *Job) Run(ctx context.Context, at time.Time) (Report, error) {
	ctx, span := otel.Tracer("closure").Start(ctx, "closure.Run")
	defer span.End()

	log := applog.FromContext(ctx, zap.Time("at", at))
	var report Report

	p, err := uow.Result(ctx, j.runner, func(ctx context.Context, u *uow.UnitOfWork) (*period.Period, error) {
		p, err := j.periods.At(ctx, u, at)
		if err != nil || p.Closed() {
			return p, err
		}
		return p, j.periods.Seal(ctx, u, p.ID, at)
	})
	if err != nil {
		closureRuns.WithLabelValues("failed").Inc()
		log.Error("period closure could not start", zap.Error(err))
		return report, err
	}

	report.PeriodID = p.ID
	log = log.With(zap.String("period_id", p.ID))
	if p.Closed() {
		report.AlreadyClosed = true
		closureRuns.WithLabelValues("noop").Inc()
		log.Info("period already closed", zap.Time("closed_at", *p.ClosedAt))
		return report, nil
	}

	// Sealed: payments still holding the window have committed, later ones
	// roll into the next window.
	ambassadors, err := uow.Result(ctx, j.runner, func(ctx context.Context, u *uow.UnitOfWork) ([]string, error) {
		volumes, err := j.orders.VolumeByBuyer(ctx, u, p.ID)
		if err != nil {
			return nil, err
		}
		var ids []string
		for _, v := range volumes {
			ok, err := j.commissions.IsAmbassador(ctx, u, v.BuyerID)
			if err != nil {
				return nil, err
			}
			if ok {
				ids = append(ids, v.BuyerID)
			}
		}
		return ids, nil
	})
	if err != nil {
		closureRuns.WithLabelValues("failed").Inc()
		log.Error("failed to collect closure candidates, period left open", zap.Error(err))
		return report, errutil.Internal("period closure failed", err)
	}

	for _, id := range ambassadors {
		rows, err := uow.Result(ctx, j.runner, func(ctx context.Context, u *uow.UnitOfWork) ([]*commission.Commission, error) {
			return j.commissions.CalculateMatchingFor(ctx, u, p.ID, id)
		})
		if errors.Is(err, genealogy.ErrIntegrity) {
			closureSkipped.Inc()
			log.Error("skipping member with broken genealogy", zap.String("member_id", id), zap.Error(err))
			report.Skipped = append(report.Skipped, id)
			continue
		}
		if err != nil {
			closureRuns.WithLabelValues("failed").Inc()
			log.Error("matching failed, period left open", zap.String("member_id", id), zap.Error(err))
			return report, errutil.Internal("period closure failed", err)
		}
		report.Ambassadors++
		report.Commissions += len(rows)
	}

	closed, err := uow.Result(ctx, j.runner, func(ctx context.Context, u *uow.UnitOfWork) (bool, error) {
		return j.periods.MarkClosed(ctx, u, p.ID, at)
	})
	if err != nil {
		closureRuns.WithLabelValues("failed").Inc()
		log.Error("failed to stamp period closed", zap.Error(err))
		return report, errutil.Internal("period closure failed", err)
	}
	if !closed {
		report.AlreadyClosed = true
		closureRuns.WithLabelValues("noop").Inc()
		log.Info("period closed by a concurrent run")
		return report, nil
	}

	closureRuns.WithLabelValues("closed").Inc()
	log.Info("period closed",
		zap.Int("ambassadors", report.Ambassadors),
		zap.Int("commissions", report.Commissions),
		zap.Int("skipped", len(report.Skipped)),
	)
	return report, nil
}
