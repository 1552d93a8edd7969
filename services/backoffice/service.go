package backoffice

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"mlm-backoffice/pkg/config"
	"mlm-backoffice/pkg/db/pagination"
	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/errutil"
	applog "mlm-backoffice/pkg/logger"
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

var Module = fx.Module("backoffice",
	fx.Provide(NewService),
)

// Service is the entry point the back office UI talks to. Every call is one
// unit of work.
type Service struct {
	runner      *uow.Runner
	members     *member.Store
	genealogy   *genealogy.Store
	volume      *volume.Engine
	ledger      *wallet.Ledger
	orders      *order.Service
	periods     *period.Resolver
	commissions *commission.Engine
	payout      *commission.Payout
	payments    *payment.Orchestrator
	closure     *closure.Job
	currency    string
}

type Params struct {
	fx.In

	Config      *config.Config
	Runner      *uow.Runner
	Members     *member.Store
	Genealogy   *genealogy.Store
	Volume      *volume.Engine
	Ledger      *wallet.Ledger
	Orders      *order.Service
	Periods     *period.Resolver
	Commissions *commission.Engine
	Payout      *commission.Payout
	Payments    *payment.Orchestrator
	Closure     *closure.Job
}

func NewService(p Params) *Service {
	return &Service{
		runner:      p.Runner,
		members:     p.Members,
		genealogy:   p.Genealogy,
		volume:      p.Volume,
		ledger:      p.Ledger,
		orders:      p.Orders,
		periods:     p.Periods,
		commissions: p.Commissions,
		payout:      p.Payout,
		payments:    p.Payments,
		closure:     p.Closure,
		currency:    p.Config.Compensation.BaseCurrency,
	}
}

type CreateMemberParams struct {
	ID        string
	SponsorID *string
}

// CreateMember registers a member under its sponsor, opens its wallet in the
// base currency and assigns the entry rank.
func (s *Service) CreateMember(ctx context.Context, p CreateMemberParams) (*member.Member, error) {
	if p.ID == "" {
		return nil, errutil.ValidationFailed("invalid member", nil,
			errutil.WithDetails(errutil.Field("id", "is required")))
	}

	m, err := uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) (*member.Member, error) {
		if p.SponsorID != nil {
			if _, err := s.members.Get(ctx, u, *p.SponsorID); err != nil {
				return nil, err
			}
		}
		if err := s.members.Create(ctx, u, &member.Member{ID: p.ID, SponsorID: p.SponsorID}); err != nil {
			return nil, err
		}
		if err := s.genealogy.InsertMember(ctx, u, p.ID, p.SponsorID); err != nil {
			return nil, err
		}
		if _, err := s.ledger.Open(ctx, u, p.ID, s.currency); err != nil {
			return nil, err
		}
		if _, err := s.volume.EvaluateRankAdvancement(ctx, u, p.ID); err != nil {
			return nil, err
		}
		return s.members.Get(ctx, u, p.ID)
	})
	if err != nil {
		applog.FromContext(ctx, zap.String("member_id", p.ID)).Warn("member registration failed", zap.Error(err))
		return nil, err
	}

	applog.FromContext(ctx, zap.String("member_id", m.ID)).Info("member registered", zap.Int("rank", m.RankOrdinal))
	return m, nil
}

func (s *Service) ProcessWalletPayment(ctx context.Context, orderID, memberID string) (payment.Result, error) {
	return s.payments.ProcessWalletPayment(ctx, orderID, memberID)
}

func (s *Service) ClosePeriod(ctx context.Context) (bool, error) {
	return s.closure.ClosePeriod(ctx)
}

func (s *Service) CurrentRank(ctx context.Context, memberID string) (*volume.Rank, error) {
	return uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) (*volume.Rank, error) {
		return s.volume.CurrentRank(ctx, u, memberID)
	})
}

func (s *Service) HighestRank(ctx context.Context, memberID string) (*volume.Rank, error) {
	return uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) (*volume.Rank, error) {
		return s.volume.HighestRank(ctx, u, memberID)
	})
}

// PeriodRank is the best rank the member held during the given period.
func (s *Service) PeriodRank(ctx context.Context, memberID, periodID string) (*volume.Rank, error) {
	return uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) (*volume.Rank, error) {
		return s.volume.PeriodRank(ctx, u, memberID, periodID)
	})
}

func (s *Service) RankHistory(ctx context.Context, memberID string) ([]*volume.RankHistory, error) {
	return uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) ([]*volume.RankHistory, error) {
		if _, err := s.members.Get(ctx, u, memberID); err != nil {
			return nil, err
		}
		return s.volume.RankHistory(ctx, u, memberID)
	})
}

type Balance struct {
	Amount   decimal.Decimal
	Currency string
}

func (s *Service) WalletBalance(ctx context.Context, memberID string) (Balance, error) {
	w, err := uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) (*wallet.Wallet, error) {
		return s.ledger.Balance(ctx, u, memberID)
	})
	if err != nil {
		return Balance{}, err
	}
	return Balance{Amount: w.Balance, Currency: w.Currency}, nil
}

// NetworkDescendants lists the whole downline of a member, shallowest first.
func (s *Service) NetworkDescendants(ctx context.Context, memberID string) ([]*genealogy.TreePath, error) {
	return uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) ([]*genealogy.TreePath, error) {
		if err := s.genealogy.RequireSelfRow(ctx, u, memberID); err != nil {
			return nil, err
		}
		return s.genealogy.Descendants(ctx, u, memberID)
	})
}

func (s *Service) TopUpWallet(ctx context.Context, memberID string, amount decimal.Decimal, reference string) (*wallet.Transaction, error) {
	return uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) (*wallet.Transaction, error) {
		w, err := s.ledger.Lock(ctx, u, memberID)
		if err != nil {
			return nil, err
		}
		return s.ledger.Credit(ctx, u, wallet.Entry{
			MemberID:    memberID,
			Amount:      amount,
			Currency:    w.Currency,
			Reference:   reference,
			Description: "wallet top-up",
		})
	})
}

func (s *Service) VerifyWallet(ctx context.Context, memberID string) (bool, error) {
	return uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) (bool, error) {
		return s.ledger.VerifyChain(ctx, u, memberID)
	})
}

// WalletStatement pages through a member's wallet transactions, oldest first.
func (s *Service) WalletStatement(ctx context.Context, memberID string, page pagination.Pagination) ([]*wallet.Transaction, *pagination.PageInfo, error) {
	cursor, err := pagination.DecodeCursor(page.Cursor)
	if err != nil {
		return nil, nil, errutil.BadRequest("invalid cursor", err)
	}

	limit := page.Size()
	txs, err := uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) ([]*wallet.Transaction, error) {
		return s.ledger.Statement(ctx, u, memberID, cursor.Sequence, limit+1)
	})
	if err != nil {
		return nil, nil, err
	}

	return pagination.BuildCursorPage(txs, limit, func(tx *wallet.Transaction) pagination.Cursor {
		return pagination.Cursor{Sequence: tx.Sequence}
	})
}

func (s *Service) PayCommissions(ctx context.Context, periodID string) (commission.PayoutResult, error) {
	return s.payout.PayPeriod(ctx, periodID)
}

func (s *Service) ListCommissions(ctx context.Context, memberID, periodID string) ([]*commission.Commission, error) {
	return uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) ([]*commission.Commission, error) {
		return s.commissions.List(ctx, u, commission.ListParams{BeneficiaryID: memberID, PeriodID: periodID})
	})
}

// CurrentPeriod returns the open settlement window, opening it if needed.
func (s *Service) CurrentPeriod(ctx context.Context) (*period.Period, error) {
	return uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) (*period.Period, error) {
		return s.periods.Current(ctx, u)
	})
}

func (s *Service) CreateOrder(ctx context.Context, p order.CreateParams) (*order.Order, error) {
	return uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) (*order.Order, error) {
		if _, err := s.members.Get(ctx, u, p.BuyerID); err != nil {
			return nil, err
		}
		return s.orders.Create(ctx, u, p)
	})
}

func (s *Service) SubmitOrder(ctx context.Context, orderID string) (*order.Order, error) {
	return uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) (*order.Order, error) {
		return s.orders.Submit(ctx, u, orderID)
	})
}

func (s *Service) CancelOrder(ctx context.Context, orderID string) (*order.Order, error) {
	return uow.Result(ctx, s.runner, func(ctx context.Context, u *uow.UnitOfWork) (*order.Order, error) {
		return s.orders.Cancel(ctx, u, orderID)
	})
}
