package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/errutil"
	"mlm-backoffice/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newService(t *testing.T) (*Service, *uow.Runner) {
	t.Helper()
	db := testutil.NewTestDB(t, &Order{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(Params{DB: db, Node: node}), uow.NewRunner(db)
}

func validParams(buyer string, pv int64) CreateParams {
	return CreateParams{
		BuyerID:     buyer,
		TotalPV:     decimal.NewFromInt(pv),
		TotalVN:     decimal.NewFromInt(pv * 5),
		TotalAmount: decimal.NewFromInt(pv*7 + 10),
		Currency:    "usd",
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusPendingPayment, true},
		{StatusDraft, StatusPaymentConfirmed, false},
		{StatusPendingPayment, StatusPaymentConfirmed, true},
		{StatusPaymentConfirmed, StatusProcessing, true},
		{StatusProcessing, StatusShipped, true},
		{StatusShipped, StatusDelivered, true},
		{StatusShipped, StatusRefunded, true},
		{StatusPendingPayment, StatusCancelled, true},
		{StatusDelivered, StatusCancelled, false},
		{StatusDelivered, StatusRefunded, false},
		{StatusCancelled, StatusPendingPayment, false},
		{StatusRefunded, StatusCancelled, false},
		{StatusPaymentConfirmed, StatusPendingPayment, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, runner := newService(t)

	err := runner.Do(context.Background(), func(ctx context.Context, u *uow.UnitOfWork) error {
		_, err := svc.Create(ctx, u, CreateParams{TotalPV: decimal.NewFromInt(-1), Currency: "us"})
		return err
	})
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	var be errutil.BaseError
	require.True(t, errors.As(err, &be))
	require.Len(t, be.Details, 4)
}

func TestLifecycle(t *testing.T) {
	svc, runner := newService(t)
	ctx := context.Background()

	o, err := uow.Result(ctx, runner, func(ctx context.Context, u *uow.UnitOfWork) (*Order, error) {
		return svc.Create(ctx, u, validParams("buyer", 150))
	})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, o.Status)
	require.Equal(t, "USD", o.Currency)

	submitted, err := uow.Result(ctx, runner, func(ctx context.Context, u *uow.UnitOfWork) (*Order, error) {
		return svc.Submit(ctx, u, o.ID)
	})
	require.NoError(t, err)
	require.Equal(t, StatusPendingPayment, submitted.Status)

	_, err = uow.Result(ctx, runner, func(ctx context.Context, u *uow.UnitOfWork) (*Order, error) {
		return svc.Submit(ctx, u, o.ID)
	})
	require.ErrorIs(t, err, ErrInvalidTransition)

	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	err = runner.Do(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		locked, err := svc.Lock(ctx, u, o.ID)
		if err != nil {
			return err
		}
		if err := svc.ReservePaymentReference(ctx, u, locked, "PAY-1"); err != nil {
			return err
		}
		return svc.ConfirmPayment(ctx, u, locked, "period-1", at)
	})
	require.NoError(t, err)

	confirmed, err := uow.Result(ctx, runner, func(ctx context.Context, u *uow.UnitOfWork) (*Order, error) {
		return svc.Get(ctx, u, o.ID)
	})
	require.NoError(t, err)
	require.Equal(t, StatusPaymentConfirmed, confirmed.Status)
	require.Equal(t, "period-1", *confirmed.PeriodID)
	require.Equal(t, "PAY-1", *confirmed.PaymentReference)
	require.True(t, confirmed.ConfirmedAt.Equal(at))

	cancelled, err := uow.Result(ctx, runner, func(ctx context.Context, u *uow.UnitOfWork) (*Order, error) {
		return svc.Cancel(ctx, u, o.ID)
	})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
}

func TestReservePaymentReference_OnlyOnce(t *testing.T) {
	svc, runner := newService(t)
	ctx := context.Background()

	o, err := uow.Result(ctx, runner, func(ctx context.Context, u *uow.UnitOfWork) (*Order, error) {
		return svc.Create(ctx, u, validParams("buyer", 10))
	})
	require.NoError(t, err)

	reserve := func(ref string) error {
		return runner.Do(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
			fresh, err := svc.Lock(ctx, u, o.ID)
			if err != nil {
				return err
			}
			return svc.ReservePaymentReference(ctx, u, fresh, ref)
		})
	}

	require.NoError(t, reserve("PAY-1"))
	err = reserve("PAY-2")
	require.ErrorIs(t, err, ErrAlreadyProcessed)
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))
}

func TestGetMissing(t *testing.T) {
	svc, runner := newService(t)

	err := runner.Do(context.Background(), func(ctx context.Context, u *uow.UnitOfWork) error {
		_, err := svc.Get(ctx, u, "nope")
		return err
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestVolumeByBuyer(t *testing.T) {
	svc, runner := newService(t)
	ctx := context.Background()
	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	confirm := func(buyer string, pv int64, periodID string) {
		err := runner.Do(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
			o, err := svc.Create(ctx, u, validParams(buyer, pv))
			if err != nil {
				return err
			}
			if err := svc.Transition(ctx, u, o, StatusPendingPayment, nil); err != nil {
				return err
			}
			return svc.ConfirmPayment(ctx, u, o, periodID, at)
		})
		require.NoError(t, err)
	}

	confirm("a", 100, "p1")
	confirm("a", 50, "p1")
	confirm("b", 0, "p1")
	confirm("c", 70, "p2")

	err := runner.Do(ctx, func(ctx context.Context, u *uow.UnitOfWork) error {
		_, err := svc.Create(ctx, u, validParams("d", 500))
		return err
	})
	require.NoError(t, err)

	got, err := uow.Result(ctx, runner, func(ctx context.Context, u *uow.UnitOfWork) ([]BuyerVolume, error) {
		return svc.VolumeByBuyer(ctx, u, "p1")
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].BuyerID)
	require.True(t, got[0].TotalPV.Equal(decimal.NewFromInt(150)))
}
