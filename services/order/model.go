package order

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrAlreadyProcessed  = errors.New("order payment already processed")
)

type Status string

const (
	StatusDraft            Status = "draft"
	StatusPendingPayment   Status = "pending_payment"
	StatusPaymentConfirmed Status = "payment_confirmed"
	StatusProcessing       Status = "processing"
	StatusShipped          Status = "shipped"
	StatusDelivered        Status = "delivered"
	StatusCancelled        Status = "cancelled"
	StatusRefunded         Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusDraft:            {StatusPendingPayment},
	StatusPendingPayment:   {StatusPaymentConfirmed},
	StatusPaymentConfirmed: {StatusProcessing},
	StatusProcessing:       {StatusShipped},
	StatusShipped:          {StatusDelivered},
}

// CanTransition reports whether an order may move from one status to
// another. Cancelled and Refunded are reachable from every status before
// Delivered.
func CanTransition(from, to Status) bool {
	next, open := transitions[from]
	if !open {
		return false
	}
	if to == StatusCancelled || to == StatusRefunded {
		return true
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Paid lists the statuses whose volume counts for the order's period.
var Paid = []Status{StatusPaymentConfirmed, StatusProcessing, StatusShipped, StatusDelivered}

type Order struct {
	ID               string          `gorm:"column:id;primaryKey;size:64"`
	BuyerID          string          `gorm:"column:buyer_id;size:64;not null;index"`
	Status           Status          `gorm:"column:status;size:32;not null;index"`
	TotalPV          decimal.Decimal `gorm:"column:total_pv;type:decimal(20,4);not null"`
	TotalVN          decimal.Decimal `gorm:"column:total_vn;type:decimal(20,4);not null"`
	TotalAmount      decimal.Decimal `gorm:"column:total_amount;type:decimal(20,4);not null"`
	Currency         string          `gorm:"column:currency;size:3;not null"`
	PeriodID         *string         `gorm:"column:period_id;size:64;index"`
	PaymentReference *string         `gorm:"column:payment_reference;size:64;uniqueIndex"`
	ConfirmedAt      *time.Time      `gorm:"column:confirmed_at"`
	CancelledAt      *time.Time      `gorm:"column:cancelled_at"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// BuyerVolume is one buyer's confirmed PV within a period.
type BuyerVolume struct {
	BuyerID string          `gorm:"column:buyer_id"`
	TotalPV decimal.Decimal `gorm:"column:total_pv"`
}
