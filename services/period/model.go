package period

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("period not found")
	ErrNoOpenPeriod = errors.New("no open period")
)

// Period is the settlement window [StartsOn, EndsOn). SealedAt marks the
// start of a closure run; from then on no order is attributed to the window.
// ClosedAt marks a completed closure run.
type Period struct {
	ID        string     `gorm:"column:id;primaryKey;size:64"`
	StartsOn  time.Time  `gorm:"column:starts_on;not null;uniqueIndex"`
	EndsOn    time.Time  `gorm:"column:ends_on;not null;index"`
	SealedAt  *time.Time `gorm:"column:sealed_at"`
	ClosedAt  *time.Time `gorm:"column:closed_at"`
	CreatedAt time.Time  `gorm:"column:created_at"`
}

func (Period) TableName() string {
	return "periods"
}

func (p *Period) Contains(t time.Time) bool {
	return !t.Before(p.StartsOn) && t.Before(p.EndsOn)
}

func (p *Period) Closed() bool {
	return p.ClosedAt != nil
}

// Accepting reports whether orders may still be attributed to the window.
func (p *Period) Accepting() bool {
	return p.SealedAt == nil && p.ClosedAt == nil
}

// LastDay is the calendar day the window ends on.
func (p *Period) LastDay() time.Time {
	return p.EndsOn.Add(-24 * time.Hour)
}

// MonthWindow returns the calendar-month window containing t, in UTC.
func MonthWindow(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
