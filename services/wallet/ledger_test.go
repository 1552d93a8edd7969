package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/errutil"
	"mlm-backoffice/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newLedger(t *testing.T) (*Ledger, *uow.Runner, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &Wallet{}, &Transaction{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewLedger(Params{DB: db, Node: node}), uow.NewRunner(db), db
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func post(t *testing.T, runner *uow.Runner, fn func(ctx context.Context, u *uow.UnitOfWork) (*Transaction, error)) (*Transaction, error) {
	t.Helper()
	return uow.Result(context.Background(), runner, fn)
}

func openFunded(t *testing.T, l *Ledger, runner *uow.Runner, memberID, amount string) {
	t.Helper()
	err := runner.Do(context.Background(), func(ctx context.Context, u *uow.UnitOfWork) error {
		if _, err := l.Open(ctx, u, memberID, "usd"); err != nil {
			return err
		}
		_, err := l.Credit(ctx, u, Entry{MemberID: memberID, Amount: dec(amount), Currency: "USD", Reference: "topup-1"})
		return err
	})
	require.NoError(t, err)
}

func balance(t *testing.T, l *Ledger, runner *uow.Runner, memberID string) decimal.Decimal {
	t.Helper()
	w, err := uow.Result(context.Background(), runner, func(ctx context.Context, u *uow.UnitOfWork) (*Wallet, error) {
		return l.Balance(ctx, u, memberID)
	})
	require.NoError(t, err)
	return w.Balance
}

func TestOpen(t *testing.T) {
	l, runner, _ := newLedger(t)

	w, err := uow.Result(context.Background(), runner, func(ctx context.Context, u *uow.UnitOfWork) (*Wallet, error) {
		return l.Open(ctx, u, "m1", "mxn")
	})
	require.NoError(t, err)
	require.Equal(t, "MXN", w.Currency)
	require.True(t, w.Balance.IsZero())

	err = runner.Do(context.Background(), func(ctx context.Context, u *uow.UnitOfWork) error {
		_, err := l.Open(ctx, u, "m1", "MXN")
		return err
	})
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))

	err = runner.Do(context.Background(), func(ctx context.Context, u *uow.UnitOfWork) error {
		_, err := l.Open(ctx, u, "m2", "pesos")
		return err
	})
	require.Equal(t, errutil.StatusBadRequest, errutil.StatusOf(err))
}

func TestDebit_Conservation(t *testing.T) {
	l, runner, _ := newLedger(t)
	openFunded(t, l, runner, "m1", "1000")

	before := balance(t, l, runner, "m1")
	tx, err := post(t, runner, func(ctx context.Context, u *uow.UnitOfWork) (*Transaction, error) {
		return l.Debit(ctx, u, Entry{MemberID: "m1", Amount: dec("150.5"), Currency: "USD", Reference: "PAY-1",
			Metadata: map[string]any{"order_id": "o1"}})
	})
	require.NoError(t, err)

	after := balance(t, l, runner, "m1")
	require.True(t, after.Equal(before.Sub(dec("150.5"))))
	require.True(t, tx.BalanceAfter.Sub(tx.BalanceBefore).Equal(dec("-150.5")))
	require.Equal(t, int64(2), tx.Sequence)
	require.JSONEq(t, `{"order_id":"o1"}`, string(tx.Metadata))
}

func TestDebit_Rejections(t *testing.T) {
	l, runner, _ := newLedger(t)
	openFunded(t, l, runner, "m1", "100")

	tests := []struct {
		name   string
		entry  Entry
		status errutil.CoreStatus
		target error
	}{
		{"insufficient", Entry{MemberID: "m1", Amount: dec("100.01"), Currency: "USD", Reference: "a"}, errutil.StatusUnprocessableEntity, ErrInsufficientBalance},
		{"currency", Entry{MemberID: "m1", Amount: dec("1"), Currency: "MXN", Reference: "b"}, errutil.StatusUnprocessableEntity, ErrCurrencyMismatch},
		{"no wallet", Entry{MemberID: "m2", Amount: dec("1"), Currency: "USD", Reference: "c"}, errutil.StatusNotFound, ErrNotFound},
		{"zero", Entry{MemberID: "m1", Amount: decimal.Zero, Currency: "USD", Reference: "d"}, errutil.StatusBadRequest, nil},
		{"no reference", Entry{MemberID: "m1", Amount: dec("1"), Currency: "USD"}, errutil.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := post(t, runner, func(ctx context.Context, u *uow.UnitOfWork) (*Transaction, error) {
				return l.Debit(ctx, u, tt.entry)
			})
			require.Equal(t, tt.status, errutil.StatusOf(err))
			if tt.target != nil {
				require.True(t, errors.Is(err, tt.target))
			}
		})
	}

	require.True(t, balance(t, l, runner, "m1").Equal(dec("100")))
}

func TestCredit_DuplicateReference(t *testing.T) {
	l, runner, _ := newLedger(t)
	openFunded(t, l, runner, "m1", "10")

	_, err := post(t, runner, func(ctx context.Context, u *uow.UnitOfWork) (*Transaction, error) {
		return l.Credit(ctx, u, Entry{MemberID: "m1", Amount: dec("10"), Currency: "USD", Reference: "topup-1"})
	})
	require.ErrorIs(t, err, ErrDuplicateReference)

	_, err = post(t, runner, func(ctx context.Context, u *uow.UnitOfWork) (*Transaction, error) {
		return l.Debit(ctx, u, Entry{MemberID: "m1", Amount: dec("5"), Currency: "USD", Reference: "topup-1"})
	})
	require.NoError(t, err)
	require.True(t, balance(t, l, runner, "m1").Equal(dec("5")))
}

func TestPost_RollsBackWithCaller(t *testing.T) {
	l, runner, _ := newLedger(t)
	openFunded(t, l, runner, "m1", "100")

	boom := errors.New("later step failed")
	err := runner.Do(context.Background(), func(ctx context.Context, u *uow.UnitOfWork) error {
		if _, err := l.Debit(ctx, u, Entry{MemberID: "m1", Amount: dec("60"), Currency: "USD", Reference: "PAY-1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.True(t, balance(t, l, runner, "m1").Equal(dec("100")))

	txs, err := uow.Result(context.Background(), runner, func(ctx context.Context, u *uow.UnitOfWork) ([]*Transaction, error) {
		return l.Transactions(ctx, u, "m1")
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

func TestVerifyChain(t *testing.T) {
	l, runner, db := newLedger(t)
	openFunded(t, l, runner, "m1", "500")

	for _, ref := range []string{"p1", "p2", "p3"} {
		_, err := post(t, runner, func(ctx context.Context, u *uow.UnitOfWork) (*Transaction, error) {
			return l.Debit(ctx, u, Entry{MemberID: "m1", Amount: dec("25.25"), Currency: "USD", Reference: ref})
		})
		require.NoError(t, err)
	}

	verify := func() bool {
		ok, err := uow.Result(context.Background(), runner, func(ctx context.Context, u *uow.UnitOfWork) (bool, error) {
			return l.VerifyChain(ctx, u, "m1")
		})
		require.NoError(t, err)
		return ok
	}

	require.True(t, verify())

	require.NoError(t, db.Model(&Transaction{}).Where("reference = ?", "p2").Update("amount", dec("1")).Error)
	require.False(t, verify())
}

func TestVerifyChain_BalanceDrift(t *testing.T) {
	l, runner, db := newLedger(t)
	openFunded(t, l, runner, "m1", "500")

	require.NoError(t, db.Model(&Wallet{}).Where("member_id = ?", "m1").Update("balance", dec("900")).Error)

	ok, err := uow.Result(context.Background(), runner, func(ctx context.Context, u *uow.UnitOfWork) (bool, error) {
		return l.VerifyChain(ctx, u, "m1")
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGenerateHash_Deterministic(t *testing.T) {
	tx := &Transaction{ID: "1", WalletID: "w", Sequence: 1, Type: TxCredit, Amount: dec("10"), PreviousHash: GenesisHash}
	require.Equal(t, tx.GenerateHash(), tx.GenerateHash())

	other := *tx
	other.Amount = dec("10.01")
	require.NotEqual(t, tx.GenerateHash(), other.GenerateHash())
}

func TestPost_HashSurvivesStoredPrecision(t *testing.T) {
	l, runner, db := newLedger(t)
	openFunded(t, l, runner, "m1", "500")

	posted, err := post(t, runner, func(ctx context.Context, u *uow.UnitOfWork) (*Transaction, error) {
		return l.Debit(ctx, u, Entry{MemberID: "m1", Amount: dec("12.3456"), Currency: "USD", Reference: "p1"})
	})
	require.NoError(t, err)
	require.Zero(t, posted.CreatedAt.Nanosecond()%int(time.Millisecond))

	var stored Transaction
	require.NoError(t, db.Where("id = ?", posted.ID).Take(&stored).Error)
	require.Equal(t, posted.Hash, stored.Hash)
	require.Equal(t, stored.Hash, stored.GenerateHash())

	// datetime(3) keeps milliseconds only.
	stored.CreatedAt = stored.CreatedAt.Round(time.Millisecond)
	require.Equal(t, posted.Hash, stored.GenerateHash())
}

func TestGenerateHash_MillisecondCreatedAt(t *testing.T) {
	at := time.Date(2026, 10, 19, 10, 0, 0, 123_000_000, time.UTC)
	tx := &Transaction{ID: "1", WalletID: "w", Sequence: 1, Type: TxCredit, Amount: dec("10"), PreviousHash: GenesisHash, CreatedAt: at}

	finer := *tx
	finer.CreatedAt = at.Add(456 * time.Microsecond)
	require.Equal(t, tx.GenerateHash(), finer.GenerateHash())

	later := *tx
	later.CreatedAt = at.Add(time.Millisecond)
	require.NotEqual(t, tx.GenerateHash(), later.GenerateHash())
}
