package commission

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound        = errors.New("commission not found")
	ErrOrderNotPaid    = errors.New("order is not payment confirmed")
	ErrPeriodNotClosed = errors.New("period is not closed")
	ErrNotPending      = errors.New("commission is not pending")
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
)

// Commission is one payout line. The unique index makes every
// (beneficiary, bonus, period, source member, source order, level) pay once;
// period bonuses carry an empty source order.
type Commission struct {
	ID             string          `gorm:"column:id;primaryKey;size:64"`
	BeneficiaryID  string          `gorm:"column:beneficiary_id;size:64;not null;uniqueIndex:idx_commissions_payout,priority:1;index"`
	BonusKind      Kind            `gorm:"column:bonus_type;size:32;not null;uniqueIndex:idx_commissions_payout,priority:2"`
	PeriodID       string          `gorm:"column:period_id;size:64;not null;uniqueIndex:idx_commissions_payout,priority:3;index"`
	SourceMemberID string          `gorm:"column:source_member_id;size:64;not null;uniqueIndex:idx_commissions_payout,priority:4"`
	SourceOrderID  string          `gorm:"column:source_order_id;size:64;not null;default:'';uniqueIndex:idx_commissions_payout,priority:5"`
	LevelDepth     int             `gorm:"column:level_depth;not null;uniqueIndex:idx_commissions_payout,priority:6"`
	Base           decimal.Decimal `gorm:"column:base;type:decimal(20,4);not null"`
	Percentage     decimal.Decimal `gorm:"column:percentage;type:decimal(9,4);not null"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(20,4);not null"`
	Currency       string          `gorm:"column:currency;size:3;not null"`
	Status         Status          `gorm:"column:status;size:16;not null;index"`
	PaidAt         *time.Time      `gorm:"column:paid_at"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
}

func (Commission) TableName() string {
	return "commissions"
}

func (c *Commission) Bonus() (BonusType, error) {
	return Decode(c.BonusKind, c.LevelDepth)
}

var hundred = decimal.NewFromInt(100)

// percentOf returns base * pct / 100 rounded to the ledger precision.
func percentOf(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred).Round(4)
}
