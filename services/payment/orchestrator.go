package payment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"mlm-backoffice/pkg/config"
	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/errutil"
	"mlm-backoffice/pkg/exchange"
	applog "mlm-backoffice/pkg/logger"
	"mlm-backoffice/pkg/sequence"
	"mlm-backoffice/services/commission"
	"mlm-backoffice/services/order"
	"mlm-backoffice/services/period"
	"mlm-backoffice/services/volume"
	"mlm-backoffice/services/wallet"
)

var (
	ErrNotOwner          = errors.New("order does not belong to member")
	ErrNotPayable        = errors.New("order is not pending payment")
	ErrPaymentIncomplete = errors.New("payment could not be completed")
)

var paymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "wallet_payments_total",
	Help: "Wallet payment attempts, by outcome.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(paymentsTotal)
}

var Module = fx.Module("payment",
	fx.Provide(NewOrchestrator),
)

type Result struct {
	Success   bool
	Message   string
	Reference string
}

type Orchestrator struct {
	runner      *uow.Runner
	orders      *order.Service
	ledger      *wallet.Ledger
	volume      *volume.Engine
	commissions *commission.Engine
	periods     *period.Resolver
	references  sequence.Generator
	converter   exchange.Converter
	timeout     time.Duration
}

type Params struct {
	fx.In

	Runner      *uow.Runner
	Orders      *order.Service
	Ledger      *wallet.Ledger
	Volume      *volume.Engine
	Commissions *commission.Engine
	Periods     *period.Resolver
	References  sequence.Generator
	Converter   exchange.Converter
	Config      *config.Config
}

func NewOrchestrator(p Params) *Orchestrator {
	return &Orchestrator{
		runner:      p.Runner,
		orders:      p.Orders,
		ledger:      p.Ledger,
		volume:      p.Volume,
		commissions: p.Commissions,
		periods:     p.Periods,
		references:  p.References,
		converter:   p.Converter,
		timeout:     p.Config.Compensation.ExchangeTimeout,
	}
}

// ProcessWalletPayment pays a PendingPayment order from the buyer's wallet
// and applies its volume, rank and commission effects in one transaction.
//
// Validation failures are returned as they are. A failure once the wallet
// has been debited rolls everything back and is returned as a retryable
// Internal error wrapping the cause.
func (o *Orchestrator) ProcessWalletPayment(ctx context.Context, orderID, memberID string) (res Result, err error) {
	ctx, span := otel.Tracer("payment").Start(ctx, "payment.ProcessWalletPayment")
	span.SetAttributes(attribute.String("order_id", orderID), attribute.String("member_id", memberID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, res.Message)
		}
		span.End()
	}()

	log := applog.FromContext(ctx, zap.String("order_id", orderID), zap.String("member_id", memberID))

	var debited bool
	ref, err := uow.Result(ctx, o.runner, func(ctx context.Context, u *uow.UnitOfWork) (string, error) {
		ord, err := o.orders.Lock(ctx, u, orderID)
		if err != nil {
			return "", err
		}
		if ord.BuyerID != memberID {
			return "", errutil.Forbidden("order does not belong to member", ErrNotOwner)
		}
		if ord.PaymentReference != nil {
			return "", errutil.Conflict("order payment already processed", order.ErrAlreadyProcessed)
		}
		if ord.Status != order.StatusPendingPayment {
			return "", errutil.UnprocessableEntity("order is not pending payment", ErrNotPayable)
		}

		ref, err := o.references.NextPaymentReference(ctx)
		if err != nil {
			return "", err
		}
		if err := o.orders.ReservePaymentReference(ctx, u, ord, ref); err != nil {
			return "", err
		}

		w, err := o.ledger.Lock(ctx, u, memberID)
		if err != nil {
			return "", err
		}
		amount := ord.TotalAmount
		if !strings.EqualFold(ord.Currency, w.Currency) {
			cctx, cancel := exchange.WithTimeout(ctx, o.timeout)
			amount, err = o.converter.Convert(cctx, ord.TotalAmount, ord.Currency, w.Currency)
			cancel()
			if err != nil {
				return "", err
			}
		}

		if _, err := o.ledger.Debit(ctx, u, wallet.Entry{
			MemberID:    memberID,
			Amount:      amount,
			Currency:    w.Currency,
			Reference:   ref,
			Description: "order payment",
			Metadata: map[string]any{
				"order_id":       ord.ID,
				"order_amount":   ord.TotalAmount.String(),
				"order_currency": ord.Currency,
			},
		}); err != nil {
			return "", err
		}
		debited = true

		per, err := o.periods.Accruing(ctx, u)
		if err != nil {
			return "", err
		}
		if err := o.orders.ConfirmPayment(ctx, u, ord, per.ID, o.periods.Now()); err != nil {
			return "", err
		}

		if err := o.volume.RecordOrderVolume(ctx, u, memberID, ord.TotalPV); err != nil {
			return "", err
		}
		if _, err := o.volume.EvaluateRankAdvancement(ctx, u, memberID); err != nil {
			return "", err
		}

		rows, err := o.commissions.CalculateInstantBonuses(ctx, u, ord.ID)
		if err != nil {
			return "", err
		}

		u.AfterCommit(func() {
			paymentsTotal.WithLabelValues("success").Inc()
			log.Info("wallet payment confirmed",
				zap.String("reference", ref),
				zap.String("period_id", per.ID),
				zap.Int("commissions", len(rows)),
			)
		})
		return ref, nil
	})
	if err == nil {
		return Result{Success: true, Message: "payment confirmed", Reference: ref}, nil
	}

	if !debited && errutil.StatusOf(err).Validation() {
		paymentsTotal.WithLabelValues("rejected").Inc()
		log.Warn("wallet payment rejected", zap.Error(err))
		return Result{Message: message(err)}, err
	}

	paymentsTotal.WithLabelValues("failed").Inc()
	log.Error("wallet payment rolled back", zap.Bool("debited", debited), zap.Error(err))
	return Result{Message: ErrPaymentIncomplete.Error()}, errutil.Internal(ErrPaymentIncomplete.Error(), errors.Join(ErrPaymentIncomplete, err))
}

func message(err error) string {
	var be errutil.BaseError
	if errors.As(err, &be) {
		return be.Message
	}
	return err.Error()
}
