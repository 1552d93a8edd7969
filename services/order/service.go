package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mlm-backoffice/pkg/db/option"
	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/errutil"
	"mlm-backoffice/pkg/repository"
)

var Module = fx.Module("order",
	fx.Provide(NewService),
)

type Service struct {
	orders repository.Repository[Order]
	node   *snowflake.Node
}

type Params struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p Params) *Service {
	return &Service{
		orders: repository.ProvideStore[Order](p.DB),
		node:   p.Node,
	}
}

type CreateParams struct {
	BuyerID     string
	TotalPV     decimal.Decimal
	TotalVN     decimal.Decimal
	TotalAmount decimal.Decimal
	Currency    string
}

func (p CreateParams) validate() error {
	var details []errutil.Detail
	if p.BuyerID == "" {
		details = append(details, errutil.Field("buyer_id", "is required"))
	}
	if p.TotalPV.IsNegative() {
		details = append(details, errutil.Field("total_pv", "must not be negative"))
	}
	if p.TotalVN.IsNegative() {
		details = append(details, errutil.Field("total_vn", "must not be negative"))
	}
	if !p.TotalAmount.IsPositive() {
		details = append(details, errutil.Field("total_amount", "must be > 0"))
	}
	if len(p.Currency) != 3 {
		details = append(details, errutil.Field("currency", "must be a 3-letter code"))
	}
	if len(details) > 0 {
		return errutil.ValidationFailed("invalid order", nil, errutil.WithDetails(details...))
	}
	return nil
}

// Create stores a new Draft order.
func (s *Service) Create(ctx context.Context, u *uow.UnitOfWork, p CreateParams) (*Order, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	o := &Order{
		ID:          s.node.Generate().String(),
		BuyerID:     p.BuyerID,
		Status:      StatusDraft,
		TotalPV:     p.TotalPV,
		TotalVN:     p.TotalVN,
		TotalAmount: p.TotalAmount,
		Currency:    strings.ToUpper(p.Currency),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.orders.WithTrx(u.Tx()).Create(ctx, o); err != nil {
		zap.L().Error("failed to create order", zap.String("buyer_id", p.BuyerID), zap.Error(err))
		return nil, err
	}
	return o, nil
}

func (s *Service) Get(ctx context.Context, u *uow.UnitOfWork, id string) (*Order, error) {
	return s.find(ctx, u, id)
}

// Lock reads the order row with an exclusive lock held until u ends.
func (s *Service) Lock(ctx context.Context, u *uow.UnitOfWork, id string) (*Order, error) {
	return s.find(ctx, u, id, option.WithLockingUpdate())
}

func (s *Service) find(ctx context.Context, u *uow.UnitOfWork, id string, opts ...option.QueryOption) (*Order, error) {
	o, err := s.orders.WithTrx(u.Tx()).FindOne(ctx, &Order{ID: id}, opts...)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, errutil.NotFound("order not found", ErrNotFound)
	}
	return o, nil
}

// Transition moves o to the given status. The write is guarded on the status
// o was read with.
func (s *Service) Transition(ctx context.Context, u *uow.UnitOfWork, o *Order, to Status, extra map[string]any) error {
	if !CanTransition(o.Status, to) {
		return errutil.UnprocessableEntity(
			fmt.Sprintf("order cannot move from %s to %s", o.Status, to), ErrInvalidTransition)
	}

	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}

	res := u.Tx().WithContext(ctx).Model(&Order{}).
		Where("id = ? AND status = ?", o.ID, o.Status).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("order changed concurrently", ErrInvalidTransition)
	}

	zap.L().Info("order transitioned",
		zap.String("order_id", o.ID),
		zap.String("from", string(o.Status)),
		zap.String("to", string(to)),
	)
	o.Status = to
	return nil
}

// Submit moves a Draft order to PendingPayment.
func (s *Service) Submit(ctx context.Context, u *uow.UnitOfWork, id string) (*Order, error) {
	o, err := s.Lock(ctx, u, id)
	if err != nil {
		return nil, err
	}
	if err := s.Transition(ctx, u, o, StatusPendingPayment, nil); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) Cancel(ctx context.Context, u *uow.UnitOfWork, id string) (*Order, error) {
	o, err := s.Lock(ctx, u, id)
	if err != nil {
		return nil, err
	}
	at := time.Now().UTC()
	if err := s.Transition(ctx, u, o, StatusCancelled, map[string]any{"cancelled_at": at}); err != nil {
		return nil, err
	}
	o.CancelledAt = &at
	return o, nil
}

// ReservePaymentReference writes ref on an order that has none.
func (s *Service) ReservePaymentReference(ctx context.Context, u *uow.UnitOfWork, o *Order, ref string) error {
	res := u.Tx().WithContext(ctx).Model(&Order{}).
		Where("id = ? AND payment_reference IS NULL", o.ID).
		Update("payment_reference", ref)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("order payment already processed", ErrAlreadyProcessed)
	}
	o.PaymentReference = &ref
	return nil
}

// ConfirmPayment moves a PendingPayment order to PaymentConfirmed and stamps
// the confirmation time and settlement period.
func (s *Service) ConfirmPayment(ctx context.Context, u *uow.UnitOfWork, o *Order, periodID string, at time.Time) error {
	at = at.UTC()
	if err := s.Transition(ctx, u, o, StatusPaymentConfirmed, map[string]any{
		"period_id":    periodID,
		"confirmed_at": at,
	}); err != nil {
		return err
	}
	o.PeriodID = &periodID
	o.ConfirmedAt = &at
	return nil
}

// VolumeByBuyer sums the PV of paid orders in periodID per buyer, keeping
// buyers with a positive total.
func (s *Service) VolumeByBuyer(ctx context.Context, u *uow.UnitOfWork, periodID string) ([]BuyerVolume, error) {
	var out []BuyerVolume
	err := u.Tx().WithContext(ctx).Model(&Order{}).
		Select("buyer_id, SUM(total_pv) AS total_pv").
		Where("period_id = ? AND status IN ?", periodID, Paid).
		Group("buyer_id").
		Having("SUM(total_pv) > 0").
		Order("buyer_id").
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ListByBuyer(ctx context.Context, u *uow.UnitOfWork, buyerID string) ([]*Order, error) {
	return s.orders.WithTrx(u.Tx()).Find(ctx, &Order{BuyerID: buyerID},
		option.WithSortBy(option.QuerySortBy{OrderBy: "asc"}))
}
