package main

import (
	"context"
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mlm-backoffice/pkg/config"
	"mlm-backoffice/pkg/db"
	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/exchange"
	"mlm-backoffice/pkg/gen"
	"mlm-backoffice/pkg/health"
	"mlm-backoffice/pkg/logger"
	"mlm-backoffice/pkg/otelcol"
	"mlm-backoffice/pkg/profiling"
	"mlm-backoffice/pkg/redis"
	"mlm-backoffice/pkg/sequence"
	"mlm-backoffice/pkg/server"
	"mlm-backoffice/pkg/task"
	"mlm-backoffice/services/backoffice"
	"mlm-backoffice/services/closure"
	"mlm-backoffice/services/commission"
	"mlm-backoffice/services/genealogy"
	"mlm-backoffice/services/member"
	"mlm-backoffice/services/order"
	"mlm-backoffice/services/payment"
	"mlm-backoffice/services/period"
	"mlm-backoffice/services/volume"
	"mlm-backoffice/services/wallet"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		uow.Module,
		redis.Module,
		sequence.Module,
		exchange.Module,
		task.Client,
		task.Server,
		gen.Module,
		member.Module,
		period.Module,
		genealogy.Module,
		volume.Module,
		wallet.Module,
		order.Module,
		commission.Module,
		payment.Module,
		closure.Module,
		closure.Worker,
		backoffice.Module,
		health.Module,
		server.ProvideOpsServer,
		fx.Invoke(migrate),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})

type migrateParams struct {
	fx.In
	Config *config.Config
	DB     *gorm.DB
	Runner *uow.Runner
	Volume *volume.Engine
}

// migrate brings the schema up to date and seeds the default rank ladder
// into an empty ranks table.
func migrate(p migrateParams) error {
	if p.Config.Database.AutoMigrate {
		if err := db.Migrate(p.DB,
			&member.Member{},
			&genealogy.TreePath{},
			&period.Period{},
			&volume.Rank{},
			&volume.RankHistory{},
			&order.Order{},
			&commission.Commission{},
			&wallet.Wallet{},
			&wallet.Transaction{},
		); err != nil {
			return err
		}
	}

	return p.Runner.Do(context.Background(), func(ctx context.Context, u *uow.UnitOfWork) error {
		return p.Volume.Catalog().Seed(ctx, u, volume.DefaultRanks())
	})
}
