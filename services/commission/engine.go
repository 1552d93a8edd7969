package commission

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mlm-backoffice/pkg/config"
	"mlm-backoffice/pkg/db/option"
	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/errutil"
	"mlm-backoffice/pkg/repository"
	"mlm-backoffice/services/genealogy"
	"mlm-backoffice/services/member"
	"mlm-backoffice/services/order"
	"mlm-backoffice/services/volume"
)

var (
	commissionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "commissions_created_total",
		Help: "Commission rows written, by bonus type.",
	}, []string{"bonus_type"})
	commissionsAmount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "commissions_amount_total",
		Help: "Sum of commission amounts written, by bonus type.",
	}, []string{"bonus_type"})
)

func init() {
	prometheus.MustRegister(commissionsCreated, commissionsAmount)
}

var Module = fx.Module("commission",
	fx.Provide(NewEngine, NewPayout),
)

// Plan holds the payout tables. Percentages are indexed by level-1.
type Plan struct {
	Currency        string
	Uninivel        []decimal.Decimal
	Direct          decimal.Decimal
	FastStart       []decimal.Decimal
	FastStartWindow time.Duration
}

func PlanFromConfig(c config.Compensation) Plan {
	return Plan{
		Currency:        c.BaseCurrency,
		Uninivel:        c.Uninivel(),
		Direct:          c.Direct(),
		FastStart:       c.FastStart(),
		FastStartWindow: c.FastStartWindow,
	}
}

type Engine struct {
	commissions repository.Repository[Commission]
	members     *member.Store
	orders      *order.Service
	genealogy   *genealogy.Store
	volume      *volume.Engine
	node        *snowflake.Node
	plan        Plan
	now         func() time.Time
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
	Members   *member.Store
	Orders    *order.Service
	Genealogy *genealogy.Store
	Volume    *volume.Engine
}

func NewEngine(p Params) *Engine {
	return &Engine{
		commissions: repository.ProvideStore[Commission](p.DB),
		members:     p.Members,
		orders:      p.Orders,
		genealogy:   p.Genealogy,
		volume:      p.Volume,
		node:        p.Node,
		plan:        PlanFromConfig(p.Config.Compensation),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) Plan() Plan {
	return e.plan
}

// CalculateUninivel pays levels 1..9 of the buyer's upline for one paid
// order.
func (e *Engine) CalculateUninivel(ctx context.Context, u *uow.UnitOfWork, orderID string) ([]*Commission, error) {
	o, buyer, err := e.paidOrder(ctx, u, orderID)
	if err != nil {
		return nil, err
	}
	var out []*Commission
	for level := 1; level <= len(e.plan.Uninivel); level++ {
		rows, err := e.orderBonus(ctx, u, o, buyer, Uninivel{Depth: level})
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// CalculateInstantBonuses runs every order-time bonus for a paid order:
// Uninivel, Direct and Fast-Start.
func (e *Engine) CalculateInstantBonuses(ctx context.Context, u *uow.UnitOfWork, orderID string) ([]*Commission, error) {
	o, buyer, err := e.paidOrder(ctx, u, orderID)
	if err != nil {
		return nil, err
	}

	bonuses := make([]BonusType, 0, len(e.plan.Uninivel)+len(e.plan.FastStart)+1)
	for level := 1; level <= len(e.plan.Uninivel); level++ {
		bonuses = append(bonuses, Uninivel{Depth: level})
	}
	bonuses = append(bonuses, Direct{})
	for level := 1; level <= len(e.plan.FastStart); level++ {
		bonuses = append(bonuses, FastStart{Depth: level})
	}

	var out []*Commission
	for _, b := range bonuses {
		rows, err := e.orderBonus(ctx, u, o, buyer, b)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (e *Engine) paidOrder(ctx context.Context, u *uow.UnitOfWork, orderID string) (*order.Order, *member.Member, error) {
	o, err := e.orders.Get(ctx, u, orderID)
	if err != nil {
		return nil, nil, err
	}
	if !slices.Contains(order.Paid, o.Status) || o.PeriodID == nil || o.ConfirmedAt == nil {
		return nil, nil, errutil.UnprocessableEntity("order is not payment confirmed", ErrOrderNotPaid)
	}
	if err := e.genealogy.RequireSelfRow(ctx, u, o.BuyerID); err != nil {
		return nil, nil, err
	}
	buyer, err := e.members.Get(ctx, u, o.BuyerID)
	if err != nil {
		return nil, nil, err
	}
	return o, buyer, nil
}

// orderBonus computes one order-time variant across the ancestors it pays.
func (e *Engine) orderBonus(ctx context.Context, u *uow.UnitOfWork, o *order.Order, buyer *member.Member, b BonusType) ([]*Commission, error) {
	var pct decimal.Decimal
	switch b := b.(type) {
	case Uninivel:
		if b.Depth < 1 || b.Depth > len(e.plan.Uninivel) {
			return nil, nil
		}
		pct = e.plan.Uninivel[b.Depth-1]
	case Direct:
		pct = e.plan.Direct
	case FastStart:
		if b.Depth < 1 || b.Depth > len(e.plan.FastStart) {
			return nil, nil
		}
		if o.ConfirmedAt.Sub(buyer.CreatedAt) > e.plan.FastStartWindow {
			return nil, nil
		}
		pct = e.plan.FastStart[b.Depth-1]
	case Matching:
		return nil, fmt.Errorf("bonus %s is paid per period, not per order", b.Kind())
	default:
		return nil, fmt.Errorf("unhandled bonus type %T", b)
	}
	if !pct.IsPositive() || !o.TotalVN.IsPositive() {
		return nil, nil
	}

	beneficiaries, err := e.genealogy.AncestorsAt(ctx, u, buyer.ID, b.Level())
	if err != nil {
		return nil, err
	}

	var out []*Commission
	for _, id := range beneficiaries {
		ok, err := e.earns(ctx, u, id, b.Level())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		c, err := e.write(ctx, u, &Commission{
			BeneficiaryID:  id,
			BonusKind:      b.Kind(),
			PeriodID:       *o.PeriodID,
			SourceMemberID: buyer.ID,
			SourceOrderID:  o.ID,
			LevelDepth:     b.Level(),
			Base:           o.TotalVN,
			Percentage:     pct,
			Amount:         percentOf(o.TotalVN, pct),
		})
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// earns applies the qualification gate and the rank depth gate.
func (e *Engine) earns(ctx context.Context, u *uow.UnitOfWork, memberID string, level int) (bool, error) {
	m, err := e.members.Get(ctx, u, memberID)
	if err != nil {
		return false, err
	}
	if !m.Eligible(e.volume.PVMin()) {
		return false, nil
	}
	rank, err := e.volume.Catalog().ByOrdinal(ctx, m.RankOrdinal)
	if err != nil || rank == nil {
		return false, err
	}
	return rank.PaysLevel(level), nil
}

// write inserts c unless the same payout already exists. It returns nil for
// a duplicate.
func (e *Engine) write(ctx context.Context, u *uow.UnitOfWork, c *Commission) (*Commission, error) {
	if !c.Amount.IsPositive() {
		return nil, nil
	}
	c.ID = e.node.Generate().String()
	c.Currency = e.plan.Currency
	c.Status = StatusPending
	c.CreatedAt = e.now()

	created, err := e.commissions.WithTrx(u.Tx()).CreateIgnoreConflict(ctx, c)
	if err != nil {
		zap.L().Error("failed to write commission",
			zap.String("beneficiary_id", c.BeneficiaryID),
			zap.String("bonus_type", string(c.BonusKind)),
			zap.Error(err))
		return nil, err
	}
	if !created {
		zap.L().Debug("commission already recorded",
			zap.String("beneficiary_id", c.BeneficiaryID),
			zap.String("bonus_type", string(c.BonusKind)),
			zap.Int("level", c.LevelDepth))
		return nil, nil
	}

	kind, amount := string(c.BonusKind), c.Amount.InexactFloat64()
	u.AfterCommit(func() {
		commissionsCreated.WithLabelValues(kind).Inc()
		commissionsAmount.WithLabelValues(kind).Add(amount)
	})
	return c, nil
}

// IsAmbassador reports whether the member's current rank pays Matching.
func (e *Engine) IsAmbassador(ctx context.Context, u *uow.UnitOfWork, memberID string) (bool, error) {
	rank, err := e.volume.CurrentRank(ctx, u, memberID)
	if err != nil || rank == nil {
		return false, err
	}
	return rank.Ambassador(), nil
}

// CalculateMatchingFor pays one ambassador a share of the Uninivel earned in
// periodID by each lineage member at the configured levels below it.
func (e *Engine) CalculateMatchingFor(ctx context.Context, u *uow.UnitOfWork, periodID, ambassadorID string) ([]*Commission, error) {
	log := zap.L().With(zap.String("member_id", ambassadorID), zap.String("period_id", periodID))

	a, err := e.members.Get(ctx, u, ambassadorID)
	if err != nil {
		return nil, err
	}
	rank, err := e.volume.Catalog().ByOrdinal(ctx, a.RankOrdinal)
	if err != nil {
		return nil, err
	}
	if rank == nil || !rank.Ambassador() || !a.Eligible(e.volume.PVMin()) {
		return nil, nil
	}

	var out []*Commission
	for level := 1; level <= len(rank.MatchingPercentages); level++ {
		rows, err := e.periodBonus(ctx, u, periodID, a, rank, Matching{Depth: level})
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}

	log.Info("matching calculated", zap.Int("rows", len(out)))
	return out, nil
}

func (e *Engine) periodBonus(ctx context.Context, u *uow.UnitOfWork, periodID string, a *member.Member, rank *volume.Rank, b BonusType) ([]*Commission, error) {
	m, ok := b.(Matching)
	if !ok {
		return nil, fmt.Errorf("bonus %s is paid per order, not per period", b.Kind())
	}
	pct := rank.MatchingPercentage(m.Depth)
	if !pct.IsPositive() {
		return nil, nil
	}

	candidates, err := e.genealogy.DescendantsAt(ctx, u, a.ID, m.Depth)
	if err != nil {
		return nil, err
	}

	var out []*Commission
	for _, candidate := range candidates {
		inLineage, err := e.genealogy.IsInLineage(ctx, u, a.ID, candidate)
		if err != nil {
			return nil, err
		}
		if !inLineage {
			continue
		}

		earned, err := e.earned(ctx, u, candidate, periodID, KindUninivel)
		if err != nil {
			return nil, err
		}

		c, err := e.write(ctx, u, &Commission{
			BeneficiaryID:  a.ID,
			BonusKind:      m.Kind(),
			PeriodID:       periodID,
			SourceMemberID: candidate,
			LevelDepth:     m.Depth,
			Base:           earned,
			Percentage:     pct,
			Amount:         percentOf(earned, pct),
		})
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// earned sums the member's commissions of one kind in a period.
func (e *Engine) earned(ctx context.Context, u *uow.UnitOfWork, memberID, periodID string, kind Kind) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := u.Tx().WithContext(ctx).Model(&Commission{}).
		Select("SUM(amount)").
		Where("beneficiary_id = ? AND period_id = ? AND bonus_type = ?", memberID, periodID, kind).
		Row().Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

// CalculateMatching runs Matching for every ambassador in one unit of work.
func (e *Engine) CalculateMatching(ctx context.Context, u *uow.UnitOfWork, periodID string) ([]*Commission, error) {
	ranks, err := e.volume.Catalog().Ranks(ctx)
	if err != nil {
		return nil, err
	}
	var ordinals []int
	for _, r := range ranks {
		if r.Ambassador() {
			ordinals = append(ordinals, r.Ordinal)
		}
	}
	if len(ordinals) == 0 {
		return nil, nil
	}

	var ids []string
	if err := u.Tx().WithContext(ctx).Model(&member.Member{}).
		Where("rank_ordinal IN ?", ordinals).
		Order("id").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}

	var out []*Commission
	for _, id := range ids {
		rows, err := e.CalculateMatchingFor(ctx, u, periodID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

type ListParams struct {
	BeneficiaryID string
	PeriodID      string
	Status        Status
}

func (e *Engine) List(ctx context.Context, u *uow.UnitOfWork, p ListParams) ([]*Commission, error) {
	return e.commissions.WithTrx(u.Tx()).Find(ctx, &Commission{
		BeneficiaryID: p.BeneficiaryID,
		PeriodID:      p.PeriodID,
		Status:        p.Status,
	},
		option.WithSortBy(option.QuerySortBy{OrderBy: "asc"}),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}),
	)
}

// MarkPaid flips a Pending commission to Paid.
func (e *Engine) MarkPaid(ctx context.Context, u *uow.UnitOfWork, id string, at time.Time) error {
	res := u.Tx().WithContext(ctx).Model(&Commission{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{"status": StatusPaid, "paid_at": at.UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("commission is not pending", ErrNotPending)
	}
	return nil
}
