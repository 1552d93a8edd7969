package volume

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
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
	"mlm-backoffice/services/period"
)

var Module = fx.Module("volume",
	fx.Provide(NewEngine),
)

type Engine struct {
	members   *member.Store
	history   repository.Repository[RankHistory]
	catalog   *RankCatalog
	genealogy *genealogy.Store
	periods   *period.Resolver
	node      *snowflake.Node
	pvMin     decimal.Decimal
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
	Members   *member.Store
	Genealogy *genealogy.Store
	Periods   *period.Resolver
}

func NewEngine(p Params) *Engine {
	return &Engine{
		members:   p.Members,
		history:   repository.ProvideStore[RankHistory](p.DB),
		catalog:   NewRankCatalog(repository.ProvideStore[Rank](p.DB)),
		genealogy: p.Genealogy,
		periods:   p.Periods,
		node:      p.Node,
		pvMin:     p.Config.Compensation.PVMin(),
	}
}

func (e *Engine) Catalog() *RankCatalog {
	return e.catalog
}

func (e *Engine) PVMin() decimal.Decimal {
	return e.pvMin
}

// RecordOrderVolume adds pv to the buyer's personal volume and to the group
// volume of every strict ancestor.
func (e *Engine) RecordOrderVolume(ctx context.Context, u *uow.UnitOfWork, memberID string, pv decimal.Decimal) error {
	log := zap.L().With(zap.String("member_id", memberID), zap.String("pv", pv.String()))

	if pv.IsNegative() {
		return errutil.BadRequest("order volume must not be negative", nil)
	}
	if pv.IsZero() {
		return nil
	}

	ancestors, err := e.genealogy.Ancestors(ctx, u, memberID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(ancestors))
	for _, a := range ancestors {
		ids = append(ids, a.AncestorID)
	}

	// Buyer and ancestors are locked together in id order. Payments in one
	// lineage contend on overlapping rows.
	locked, err := e.members.LockAll(ctx, u, append([]string{memberID}, ids...))
	if err != nil {
		return err
	}
	var m *member.Member
	for _, row := range locked {
		if row.ID == memberID {
			m = row
		}
	}
	if m == nil {
		return errutil.NotFound("member not found", member.ErrNotFound)
	}
	if len(locked) != len(ids)+1 {
		log.Error("ancestor rows missing", zap.Int("expected", len(ids)), zap.Int("locked", len(locked)-1))
		return fmt.Errorf("%w: %d of %d ancestors of %s exist", genealogy.ErrIntegrity, len(locked)-1, len(ids), memberID)
	}

	newPV := m.PersonalVolume.Add(pv)
	updates := map[string]any{"personal_volume": newPV}
	if m.Status == member.StatusNotQualified && newPV.GreaterThanOrEqual(e.pvMin) {
		updates["status"] = member.StatusQualified
		log.Info("member qualified")
	}
	if err := e.members.Update(ctx, u, memberID, updates); err != nil {
		log.Error("failed to update personal volume", zap.Error(err))
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	res := u.Tx().WithContext(ctx).Model(&member.Member{}).
		Where("id IN ?", ids).
		UpdateColumn("group_volume", gorm.Expr("group_volume + ?", pv))
	if res.Error != nil {
		log.Error("failed to propagate group volume", zap.Error(res.Error))
		return res.Error
	}
	if res.RowsAffected != int64(len(ids)) {
		log.Error("ancestor rows missing", zap.Int("expected", len(ids)), zap.Int64("updated", res.RowsAffected))
		return fmt.Errorf("%w: %d of %d ancestors of %s exist", genealogy.ErrIntegrity, res.RowsAffected, len(ids), memberID)
	}
	return nil
}

// EvaluateRankAdvancement moves the member to the highest rank whose
// thresholds it meets, if that rank is above the one it holds. It returns the
// new rank, or nil when nothing changed.
func (e *Engine) EvaluateRankAdvancement(ctx context.Context, u *uow.UnitOfWork, memberID string) (*Rank, error) {
	m, err := e.members.Lock(ctx, u, memberID)
	if err != nil {
		return nil, err
	}

	ranks, err := e.catalog.Ranks(ctx)
	if err != nil {
		return nil, err
	}

	var target *Rank
	for _, r := range ranks {
		if !r.Qualifies(m.PersonalVolume, m.GroupVolume) {
			break
		}
		target = r
	}
	if target == nil || target.Ordinal <= m.RankOrdinal {
		return nil, nil
	}

	p, err := e.periods.Accruing(ctx, u)
	if err != nil {
		return nil, err
	}

	if err := e.members.Update(ctx, u, memberID, map[string]any{"rank_ordinal": target.Ordinal}); err != nil {
		return nil, err
	}

	if _, err := e.history.WithTrx(u.Tx()).CreateIgnoreConflict(ctx, &RankHistory{
		ID:          e.node.Generate().String(),
		MemberID:    memberID,
		RankOrdinal: target.Ordinal,
		PeriodID:    p.ID,
		AchievedAt:  e.periods.Now(),
	}); err != nil {
		return nil, err
	}

	zap.L().Info("rank advanced",
		zap.String("member_id", memberID),
		zap.Int("from", m.RankOrdinal),
		zap.Int("to", target.Ordinal),
		zap.String("period_id", p.ID),
	)
	return target, nil
}

// QualificationStatus reports whether the member's personal volume reaches
// the qualification minimum.
func (e *Engine) QualificationStatus(ctx context.Context, u *uow.UnitOfWork, memberID string) (bool, error) {
	m, err := e.members.Get(ctx, u, memberID)
	if err != nil {
		return false, err
	}
	return m.PersonalVolume.GreaterThanOrEqual(e.pvMin), nil
}

// CurrentRank returns the rank the member holds now, or nil when unranked.
func (e *Engine) CurrentRank(ctx context.Context, u *uow.UnitOfWork, memberID string) (*Rank, error) {
	m, err := e.members.Get(ctx, u, memberID)
	if err != nil {
		return nil, err
	}
	return e.catalog.ByOrdinal(ctx, m.RankOrdinal)
}

// HighestRank answers from history alone: the best rank ever recorded.
func (e *Engine) HighestRank(ctx context.Context, u *uow.UnitOfWork, memberID string) (*Rank, error) {
	return e.bestRecorded(ctx, u, &RankHistory{MemberID: memberID})
}

// PeriodRank returns the best rank recorded for the member in periodID.
func (e *Engine) PeriodRank(ctx context.Context, u *uow.UnitOfWork, memberID, periodID string) (*Rank, error) {
	return e.bestRecorded(ctx, u, &RankHistory{MemberID: memberID, PeriodID: periodID})
}

func (e *Engine) bestRecorded(ctx context.Context, u *uow.UnitOfWork, query *RankHistory) (*Rank, error) {
	if _, err := e.members.Get(ctx, u, query.MemberID); err != nil {
		return nil, err
	}
	best, err := e.history.WithTrx(u.Tx()).FindOne(ctx, query,
		option.WithSortBy(option.QuerySortBy{SortBy: "rank_ordinal", OrderBy: "desc"}))
	if err != nil || best == nil {
		return nil, err
	}
	return e.catalog.ByOrdinal(ctx, best.RankOrdinal)
}

// RankHistory lists the member's achievements, oldest first.
func (e *Engine) RankHistory(ctx context.Context, u *uow.UnitOfWork, memberID string) ([]*RankHistory, error) {
	if _, err := e.members.Get(ctx, u, memberID); err != nil {
		return nil, err
	}
	return e.history.WithTrx(u.Tx()).Find(ctx, &RankHistory{MemberID: memberID},
		option.WithSortBy(option.QuerySortBy{SortBy: "achieved_at", OrderBy: "asc"}),
		option.WithSortBy(option.QuerySortBy{SortBy: "rank_ordinal", OrderBy: "asc"}))
}
