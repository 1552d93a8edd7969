package commission

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mlm-backoffice/pkg/config"
	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/errutil"
	"mlm-backoffice/services/genealogy"
	"mlm-backoffice/services/member"
	"mlm-backoffice/services/order"
	"mlm-backoffice/services/period"
	dbtest "mlm-backoffice/services/testutil"
	"mlm-backoffice/services/volume"
	"mlm-backoffice/services/wallet"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var now = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	cfg     *config.Config
	runner  *uow.Runner
	members *member.Store
	tree    *genealogy.Store
	periods *period.Resolver
	volume  *volume.Engine
	orders  *order.Service
	ledger  *wallet.Ledger
	engine  *Engine
}

func newFixture(t *testing.T, tune func(c *config.Compensation)) *fixture {
	t.Helper()

	db := dbtest.NewTestDB(t,
		&member.Member{}, &genealogy.TreePath{}, &period.Period{},
		&volume.Rank{}, &volume.RankHistory{}, &order.Order{},
		&Commission{}, &wallet.Wallet{}, &wallet.Transaction{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Compensation.BaseCurrency = "USD"
	cfg.Compensation.PVMinQualification = 100
	cfg.Compensation.UninivelPercentages = config.DefaultUninivelPercentages
	cfg.Compensation.FastStartWindow = 30 * 24 * time.Hour
	if tune != nil {
		tune(&cfg.Compensation)
	}

	f := &fixture{db: db, node: node, cfg: cfg, runner: uow.NewRunner(db)}
	f.members = member.NewStore(db)
	f.tree = genealogy.NewStore(db)
	f.periods = period.NewResolver(period.Params{DB: db, Node: node}).WithClock(func() time.Time { return now })
	f.volume = volume.NewEngine(volume.Params{
		DB: db, Node: node, Config: cfg,
		Members: f.members, Genealogy: f.tree, Periods: f.periods,
	})
	f.orders = order.NewService(order.Params{DB: db, Node: node})
	f.ledger = wallet.NewLedger(wallet.Params{DB: db, Node: node})
	f.engine = NewEngine(Params{
		DB: db, Node: node, Config: cfg,
		Members: f.members, Orders: f.orders, Genealogy: f.tree, Volume: f.volume,
	})
	f.engine.now = func() time.Time { return now }

	f.do(t, func(ctx context.Context, u *uow.UnitOfWork) error {
		return f.volume.Catalog().Seed(ctx, u, volume.DefaultRanks())
	})
	return f
}

func (f *fixture) do(t *testing.T, fn func(ctx context.Context, u *uow.UnitOfWork) error) {
	t.Helper()
	require.NoError(t, f.runner.Do(context.Background(), fn))
}

func ptr(s string) *string { return &s }

// add registers a member; qualified members get PV 100 and the given rank.
func (f *fixture) add(t *testing.T, id string, sponsor *string, qualified bool, rank int) {
	t.Helper()
	f.do(t, func(ctx context.Context, u *uow.UnitOfWork) error {
		m := &member.Member{ID: id, SponsorID: sponsor, CreatedAt: now.Add(-90 * 24 * time.Hour), RankOrdinal: rank}
		if qualified {
			m.Status = member.StatusQualified
			m.PersonalVolume = decimal.NewFromInt(100)
		}
		if err := f.members.Create(ctx, u, m); err != nil {
			return err
		}
		return f.tree.InsertMember(ctx, u, id, sponsor)
	})
}

// paidOrder creates and confirms an order in the current period.
func (f *fixture) paidOrder(t *testing.T, buyer string, vn, pv int64) *order.Order {
	t.Helper()
	o, err := uow.Result(context.Background(), f.runner, func(ctx context.Context, u *uow.UnitOfWork) (*order.Order, error) {
		o, err := f.orders.Create(ctx, u, order.CreateParams{
			BuyerID: buyer, TotalPV: decimal.NewFromInt(pv), TotalVN: decimal.NewFromInt(vn),
			TotalAmount: decimal.NewFromInt(vn), Currency: "USD",
		})
		if err != nil {
			return nil, err
		}
		if err := f.orders.Transition(ctx, u, o, order.StatusPendingPayment, nil); err != nil {
			return nil, err
		}
		p, err := f.periods.Current(ctx, u)
		if err != nil {
			return nil, err
		}
		return o, f.orders.ConfirmPayment(ctx, u, o, p.ID, now)
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) instant(t *testing.T, orderID string) []*Commission {
	t.Helper()
	rows, err := uow.Result(context.Background(), f.runner, func(ctx context.Context, u *uow.UnitOfWork) ([]*Commission, error) {
		return f.engine.CalculateInstantBonuses(ctx, u, orderID)
	})
	require.NoError(t, err)
	return rows
}

func (f *fixture) count(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&Commission{}).Count(&n).Error)
	return n
}

func byBeneficiary(rows []*Commission) map[string]*Commission {
	out := make(map[string]*Commission, len(rows))
	for _, r := range rows {
		out[r.BeneficiaryID] = r
	}
	return out
}

func TestBonusDecode(t *testing.T) {
	b, err := Decode(KindUninivel, 3)
	require.NoError(t, err)
	require.Equal(t, Uninivel{Depth: 3}, b)

	b, err = Decode(KindDirect, 1)
	require.NoError(t, err)
	require.Equal(t, Direct{}, b)

	_, err = Decode(KindDirect, 2)
	require.Error(t, err)
	_, err = Decode(KindMatching, 0)
	require.Error(t, err)
	_, err = Decode(Kind("leadership"), 1)
	require.Error(t, err)

	c := &Commission{BonusKind: KindFastStart, LevelDepth: 2}
	b, err = c.Bonus()
	require.NoError(t, err)
	require.Equal(t, 2, b.Level())
	require.Equal(t, KindFastStart, b.Kind())
}

// Root -> G -> S -> M; M buys VN 1000.
func TestPlanFromConfig(t *testing.T) {
	c := config.Compensation{
		BaseCurrency:         "USD",
		UninivelPercentages:  config.DefaultUninivelPercentages,
		DirectPercentage:     3,
		FastStartPercentages: []float64{10, 2},
		FastStartWindow:      72 * time.Hour,
	}

	plan := PlanFromConfig(c)
	require.Equal(t, "USD", plan.Currency)
	require.Len(t, plan.Uninivel, 9)
	require.True(t, plan.Uninivel[1].Equal(decimal.NewFromInt(8)))
	require.True(t, plan.Direct.Equal(decimal.NewFromInt(3)))
	require.Len(t, plan.FastStart, 2)
	require.Equal(t, 72*time.Hour, plan.FastStartWindow)
}

func TestUninivel_Scenario(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "root", nil, false, 1)
	f.add(t, "g", ptr("root"), true, 1)
	f.add(t, "s", ptr("g"), true, 1)
	f.add(t, "m", ptr("s"), false, 0)

	before := testutil.ToFloat64(commissionsCreated.WithLabelValues(string(KindUninivel)))

	o := f.paidOrder(t, "m", 1000, 150)
	rows := f.instant(t, o.ID)
	require.Len(t, rows, 2)

	got := byBeneficiary(rows)
	require.True(t, got["s"].Amount.Equal(decimal.NewFromInt(50)))
	require.Equal(t, 1, got["s"].LevelDepth)
	require.Equal(t, KindUninivel, got["s"].BonusKind)
	require.Equal(t, o.ID, got["s"].SourceOrderID)
	require.Equal(t, "m", got["s"].SourceMemberID)
	require.Equal(t, StatusPending, got["s"].Status)
	require.Equal(t, "USD", got["s"].Currency)

	require.True(t, got["g"].Amount.Equal(decimal.NewFromInt(80)))
	require.Equal(t, 2, got["g"].LevelDepth)
	require.NotContains(t, got, "root")

	require.Equal(t, before+2, testutil.ToFloat64(commissionsCreated.WithLabelValues(string(KindUninivel))))
}

func TestUninivel_RankDepthGate(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "top", nil, true, 1)
	f.add(t, "root", ptr("top"), true, 1)
	f.add(t, "g", ptr("root"), false, 0)
	f.add(t, "s", ptr("g"), false, 0)
	f.add(t, "m", ptr("s"), false, 0)

	o := f.paidOrder(t, "m", 1000, 150)
	rows := f.instant(t, o.ID)
	require.Len(t, rows, 1)
	require.Equal(t, "root", rows[0].BeneficiaryID)
	require.True(t, rows[0].Amount.Equal(decimal.NewFromInt(100)))

	require.NoError(t, f.db.Model(&member.Member{}).Where("id = ?", "top").Update("rank_ordinal", 4).Error)
	o2 := f.paidOrder(t, "m", 1000, 150)
	rows = f.instant(t, o2.ID)
	got := byBeneficiary(rows)
	require.Len(t, rows, 2)
	require.Equal(t, 4, got["top"].LevelDepth)
	require.True(t, got["top"].Amount.Equal(decimal.NewFromInt(100)))
}

func TestUninivel_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "s", nil, true, 1)
	f.add(t, "m", ptr("s"), false, 0)

	o := f.paidOrder(t, "m", 1000, 150)
	require.Len(t, f.instant(t, o.ID), 1)

	rows, err := uow.Result(context.Background(), f.runner, func(ctx context.Context, u *uow.UnitOfWork) ([]*Commission, error) {
		return f.engine.CalculateUninivel(ctx, u, o.ID)
	})
	require.NoError(t, err)
	require.Empty(t, rows)
	require.Equal(t, int64(1), f.count(t))
}

func TestUninivel_RequiresPaidOrder(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "m", nil, false, 0)

	o, err := uow.Result(context.Background(), f.runner, func(ctx context.Context, u *uow.UnitOfWork) (*order.Order, error) {
		return f.orders.Create(ctx, u, order.CreateParams{
			BuyerID: "m", TotalPV: decimal.NewFromInt(1), TotalVN: decimal.NewFromInt(1),
			TotalAmount: decimal.NewFromInt(1), Currency: "USD",
		})
	})
	require.NoError(t, err)

	err = f.runner.Do(context.Background(), func(ctx context.Context, u *uow.UnitOfWork) error {
		_, err := f.engine.CalculateUninivel(ctx, u, o.ID)
		return err
	})
	require.ErrorIs(t, err, ErrOrderNotPaid)
	require.Equal(t, errutil.StatusUnprocessableEntity, errutil.StatusOf(err))
}

func TestInstant_DirectAndFastStart(t *testing.T) {
	f := newFixture(t, func(c *config.Compensation) {
		c.DirectPercentage = 3
		c.FastStartPercentages = []float64{10, 2}
	})
	f.add(t, "g", nil, true, 1)
	f.add(t, "s", ptr("g"), true, 1)
	f.do(t, func(ctx context.Context, u *uow.UnitOfWork) error {
		if err := f.members.Create(ctx, u, &member.Member{ID: "new", SponsorID: ptr("s"), CreatedAt: now.Add(-24 * time.Hour)}); err != nil {
			return err
		}
		return f.tree.InsertMember(ctx, u, "new", ptr("s"))
	})

	o := f.paidOrder(t, "new", 1000, 150)
	rows := f.instant(t, o.ID)

	amounts := map[string]decimal.Decimal{}
	for _, r := range rows {
		amounts[r.BeneficiaryID+"/"+string(r.BonusKind)] = r.Amount
	}
	require.Len(t, amounts, 5)
	require.True(t, amounts["s/uninivel"].Equal(decimal.NewFromInt(50)))
	require.True(t, amounts["g/uninivel"].Equal(decimal.NewFromInt(80)))
	require.True(t, amounts["s/direct"].Equal(decimal.NewFromInt(30)))
	require.True(t, amounts["s/fast_start"].Equal(decimal.NewFromInt(100)))
	require.True(t, amounts["g/fast_start"].Equal(decimal.NewFromInt(20)))
}

func TestInstant_FastStartWindowExpired(t *testing.T) {
	f := newFixture(t, func(c *config.Compensation) {
		c.FastStartPercentages = []float64{10}
	})
	f.add(t, "s", nil, true, 1)
	f.add(t, "m", ptr("s"), false, 0)

	o := f.paidOrder(t, "m", 1000, 150)
	for _, r := range f.instant(t, o.ID) {
		require.NotEqual(t, KindFastStart, r.BonusKind)
	}
}

// a (ambassador) -> b -> c; c buys, b earns Uninivel, a earns Matching on b.
func TestMatching(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "a", nil, true, 5)
	f.add(t, "b", ptr("a"), true, 1)
	f.add(t, "c", ptr("b"), false, 0)

	o := f.paidOrder(t, "c", 1000, 150)
	f.instant(t, o.ID)

	var periodID string
	f.do(t, func(ctx context.Context, u *uow.UnitOfWork) error {
		p, err := f.periods.Current(ctx, u)
		periodID = p.ID
		return err
	})

	matching := func() []*Commission {
		rows, err := uow.Result(context.Background(), f.runner, func(ctx context.Context, u *uow.UnitOfWork) ([]*Commission, error) {
			return f.engine.CalculateMatching(ctx, u, periodID)
		})
		require.NoError(t, err)
		return rows
	}

	rows := matching()
	require.Len(t, rows, 1)
	require.Equal(t, "a", rows[0].BeneficiaryID)
	require.Equal(t, "b", rows[0].SourceMemberID)
	require.Equal(t, KindMatching, rows[0].BonusKind)
	require.Equal(t, 1, rows[0].LevelDepth)
	require.Empty(t, rows[0].SourceOrderID)
	require.True(t, rows[0].Base.Equal(decimal.NewFromInt(50)))
	require.True(t, rows[0].Amount.Equal(decimal.NewFromInt(5)))

	total := f.count(t)
	require.Empty(t, matching())
	require.Equal(t, total, f.count(t))
}

func TestMatching_SkipsCrossPlacedCandidates(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "a", nil, true, 5)
	f.add(t, "other", nil, false, 0)
	f.add(t, "b", ptr("a"), true, 1)
	f.add(t, "c", ptr("b"), false, 0)

	o := f.paidOrder(t, "c", 1000, 150)
	f.instant(t, o.ID)
	require.NoError(t, f.db.Model(&member.Member{}).Where("id = ?", "b").Update("sponsor_id", "other").Error)

	rows, err := uow.Result(context.Background(), f.runner, func(ctx context.Context, u *uow.UnitOfWork) ([]*Commission, error) {
		p, err := f.periods.Current(ctx, u)
		if err != nil {
			return nil, err
		}
		return f.engine.CalculateMatchingFor(ctx, u, p.ID, "a")
	})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestMatching_NonAmbassador(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "a", nil, true, 4)

	f.do(t, func(ctx context.Context, u *uow.UnitOfWork) error {
		ok, err := f.engine.IsAmbassador(ctx, u, "a")
		require.False(t, ok)
		rows, err2 := f.engine.CalculateMatchingFor(ctx, u, "any", "a")
		require.Empty(t, rows)
		require.NoError(t, err2)
		return err
	})
}

func TestMarkPaid(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "s", nil, true, 1)
	f.add(t, "m", ptr("s"), false, 0)
	o := f.paidOrder(t, "m", 1000, 150)
	rows := f.instant(t, o.ID)
	require.Len(t, rows, 1)

	f.do(t, func(ctx context.Context, u *uow.UnitOfWork) error {
		return f.engine.MarkPaid(ctx, u, rows[0].ID, now)
	})
	err := f.runner.Do(context.Background(), func(ctx context.Context, u *uow.UnitOfWork) error {
		return f.engine.MarkPaid(ctx, u, rows[0].ID, now)
	})
	require.ErrorIs(t, err, ErrNotPending)

	listed, err := uow.Result(context.Background(), f.runner, func(ctx context.Context, u *uow.UnitOfWork) ([]*Commission, error) {
		return f.engine.List(ctx, u, ListParams{BeneficiaryID: "s", Status: StatusPaid})
	})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.NotNil(t, listed[0].PaidAt)
}
