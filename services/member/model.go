package member

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("member not found")

type Status string

const (
	StatusNotQualified Status = "not_qualified"
	StatusQualified    Status = "qualified"
	StatusSuspended    Status = "suspended"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNotQualified, StatusQualified, StatusSuspended:
		return true
	}
	return false
}

// Member is owned by registration; the volume engine is the only writer of
// the volume caches and the rank reference.
type Member struct {
	ID             string          `gorm:"column:id;primaryKey;size:64"`
	SponsorID      *string         `gorm:"column:sponsor_id;size:64;index"`
	Status         Status          `gorm:"column:status;size:32;not null"`
	PersonalVolume decimal.Decimal `gorm:"column:personal_volume;type:decimal(20,4);not null"`
	GroupVolume    decimal.Decimal `gorm:"column:group_volume;type:decimal(20,4);not null"`
	RankOrdinal    int             `gorm:"column:rank_ordinal;not null"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (Member) TableName() string {
	return "members"
}

// Eligible reports whether the member may earn commissions at all.
func (m *Member) Eligible(pvMin decimal.Decimal) bool {
	return m.Status == StatusQualified && m.PersonalVolume.GreaterThanOrEqual(pvMin)
}
