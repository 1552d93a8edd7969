package commission

import (
	"context"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"mlm-backoffice/pkg/config"
	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/errutil"
	"mlm-backoffice/pkg/exchange"
	"mlm-backoffice/services/period"
	"mlm-backoffice/services/wallet"
)

// Payout settles the Pending commissions of a closed period into wallets.
type Payout struct {
	runner    *uow.Runner
	engine    *Engine
	periods   *period.Resolver
	ledger    *wallet.Ledger
	converter exchange.Converter
	timeout   time.Duration
}

type PayoutParams struct {
	fx.In

	Runner    *uow.Runner
	Engine    *Engine
	Periods   *period.Resolver
	Ledger    *wallet.Ledger
	Converter exchange.Converter
	Config    *config.Config
}

func NewPayout(p PayoutParams) *Payout {
	return &Payout{
		runner:    p.Runner,
		engine:    p.Engine,
		periods:   p.Periods,
		ledger:    p.Ledger,
		converter: p.Converter,
		timeout:   p.Config.Compensation.ExchangeTimeout,
	}
}

type PayoutResult struct {
	Paid          int
	Beneficiaries int
	Failed        []string
}

// PayPeriod credits every Pending commission of a closed period, one unit of
// work per beneficiary. A failed beneficiary keeps its commissions Pending
// and does not stop the others.
func (p *Payout) PayPeriod(ctx context.Context, periodID string) (PayoutResult, error) {
	log := zap.L().With(zap.String("period_id", periodID))
	var result PayoutResult

	beneficiaries, err := uow.Result(ctx, p.runner, func(ctx context.Context, u *uow.UnitOfWork) ([]string, error) {
		per, err := p.periods.Get(ctx, u, periodID)
		if err != nil {
			return nil, err
		}
		if !per.Closed() {
			return nil, errutil.UnprocessableEntity("period is not closed", ErrPeriodNotClosed)
		}

		var ids []string
		err = u.Tx().WithContext(ctx).Model(&Commission{}).
			Where("period_id = ? AND status = ?", periodID, StatusPending).
			Distinct("beneficiary_id").
			Order("beneficiary_id").
			Pluck("beneficiary_id", &ids).Error
		return ids, err
	})
	if err != nil {
		return result, err
	}

	for _, id := range beneficiaries {
		n, err := uow.Result(ctx, p.runner, func(ctx context.Context, u *uow.UnitOfWork) (int, error) {
			return p.payBeneficiary(ctx, u, periodID, id)
		})
		if err != nil {
			log.Error("commission payout failed", zap.String("member_id", id), zap.Error(err))
			result.Failed = append(result.Failed, id)
			continue
		}
		result.Paid += n
		result.Beneficiaries++
	}

	log.Info("commission payout finished",
		zap.Int("paid", result.Paid),
		zap.Int("beneficiaries", result.Beneficiaries),
		zap.Int("failed", len(result.Failed)),
	)
	if len(result.Failed) > 0 {
		return result, errutil.Internal("some beneficiaries were not paid", nil)
	}
	return result, nil
}

func (p *Payout) payBeneficiary(ctx context.Context, u *uow.UnitOfWork, periodID, memberID string) (int, error) {
	w, err := p.ledger.Lock(ctx, u, memberID)
	if err != nil {
		return 0, err
	}

	pending, err := p.engine.List(ctx, u, ListParams{BeneficiaryID: memberID, PeriodID: periodID, Status: StatusPending})
	if err != nil {
		return 0, err
	}

	now := p.engine.now()
	for _, c := range pending {
		amount := c.Amount
		if !strings.EqualFold(c.Currency, w.Currency) {
			cctx, cancel := exchange.WithTimeout(ctx, p.timeout)
			amount, err = p.converter.Convert(cctx, c.Amount, c.Currency, w.Currency)
			cancel()
			if err != nil {
				return 0, err
			}
		}

		if _, err := p.ledger.Credit(ctx, u, wallet.Entry{
			MemberID:    memberID,
			Amount:      amount,
			Currency:    w.Currency,
			Reference:   "COMM-" + c.ID,
			Description: "commission " + string(c.BonusKind),
			Metadata: map[string]any{
				"commission_id": c.ID,
				"period_id":     periodID,
				"level":         c.LevelDepth,
			},
		}); err != nil {
			return 0, err
		}
		if err := p.engine.MarkPaid(ctx, u, c.ID, now); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}
