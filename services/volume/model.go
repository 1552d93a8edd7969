package volume

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

var ErrRankNotFound = errors.New("rank not found")

// Rank is one step of the ladder. Thresholds never decrease with the
// ordinal. A rank with matching percentages is Ambassador tier.
type Rank struct {
	Ordinal             int                                 `gorm:"column:ordinal;primaryKey;autoIncrement:false"`
	Name                string                              `gorm:"column:name;size:64;not null;uniqueIndex"`
	PVRequired          decimal.Decimal                     `gorm:"column:pv_required;type:decimal(20,4);not null"`
	PVGRequired         decimal.Decimal                     `gorm:"column:pvg_required;type:decimal(20,4);not null"`
	MaxPayableLevel     int                                 `gorm:"column:max_payable_level;not null"`
	MatchingPercentages datatypes.JSONSlice[decimal.Decimal] `gorm:"column:matching_percentages"`
}

func (Rank) TableName() string {
	return "ranks"
}

// PaysLevel reports whether a holder of r earns at tree distance level.
func (r *Rank) PaysLevel(level int) bool {
	return level >= 1 && level <= r.MaxPayableLevel
}

func (r *Rank) Ambassador() bool {
	return len(r.MatchingPercentages) > 0
}

// MatchingPercentage returns the percentage for level, or zero past the
// configured depth.
func (r *Rank) MatchingPercentage(level int) decimal.Decimal {
	if level < 1 || level > len(r.MatchingPercentages) {
		return decimal.Zero
	}
	return r.MatchingPercentages[level-1]
}

func (r *Rank) Qualifies(pv, pvg decimal.Decimal) bool {
	return pv.GreaterThanOrEqual(r.PVRequired) && pvg.GreaterThanOrEqual(r.PVGRequired)
}

// RankHistory is append-only: one row per achieved (member, rank, period).
type RankHistory struct {
	ID          string    `gorm:"column:id;primaryKey;size:64"`
	MemberID    string    `gorm:"column:member_id;size:64;not null;uniqueIndex:idx_rank_histories_achievement,priority:1"`
	RankOrdinal int       `gorm:"column:rank_ordinal;not null;uniqueIndex:idx_rank_histories_achievement,priority:2"`
	PeriodID    string    `gorm:"column:period_id;size:64;not null;uniqueIndex:idx_rank_histories_achievement,priority:3"`
	AchievedAt  time.Time `gorm:"column:achieved_at;not null"`
}

func (RankHistory) TableName() string {
	return "rank_histories"
}

// ValidateLadder checks that ranks are sorted by ordinal with non-decreasing
// thresholds.
func ValidateLadder(ranks []*Rank) error {
	for i := 1; i < len(ranks); i++ {
		prev, cur := ranks[i-1], ranks[i]
		if cur.Ordinal <= prev.Ordinal {
			return fmt.Errorf("rank %q: ordinal %d not above %d", cur.Name, cur.Ordinal, prev.Ordinal)
		}
		if cur.PVRequired.LessThan(prev.PVRequired) || cur.PVGRequired.LessThan(prev.PVGRequired) {
			return fmt.Errorf("rank %q: thresholds below %q", cur.Name, prev.Name)
		}
	}
	for _, r := range ranks {
		if r.Ordinal < 1 {
			return fmt.Errorf("rank %q: ordinal must be positive", r.Name)
		}
	}
	return nil
}

func pct(values ...int64) datatypes.JSONSlice[decimal.Decimal] {
	out := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		out = append(out, decimal.NewFromInt(v))
	}
	return datatypes.NewJSONSlice(out)
}

// DefaultRanks is the ladder seeded into an empty catalog.
func DefaultRanks() []*Rank {
	d := decimal.NewFromInt
	return []*Rank{
		{Ordinal: 1, Name: "Distributor", PVRequired: d(0), PVGRequired: d(0), MaxPayableLevel: 3},
		{Ordinal: 2, Name: "Supervisor", PVRequired: d(100), PVGRequired: d(500), MaxPayableLevel: 5},
		{Ordinal: 3, Name: "Manager", PVRequired: d(100), PVGRequired: d(2000), MaxPayableLevel: 7},
		{Ordinal: 4, Name: "Director", PVRequired: d(100), PVGRequired: d(5000), MaxPayableLevel: 9},
		{Ordinal: 5, Name: "Ambassador", PVRequired: d(100), PVGRequired: d(10000), MaxPayableLevel: 9, MatchingPercentages: pct(10, 5)},
		{Ordinal: 6, Name: "Crown Ambassador", PVRequired: d(100), PVGRequired: d(25000), MaxPayableLevel: 9, MatchingPercentages: pct(15, 10, 5)},
	}
}
