package wallet

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"mlm-backoffice/pkg/db/option"
	"mlm-backoffice/pkg/db/uow"
	"mlm-backoffice/pkg/errutil"
	"mlm-backoffice/pkg/repository"
)

var Module = fx.Module("wallet",
	fx.Provide(NewLedger),
)

// Ledger is the only writer of wallet balances. It never opens or commits a
// transaction; every call runs inside the caller's unit of work.
type Ledger struct {
	wallets repository.Repository[Wallet]
	txs     repository.Repository[Transaction]
	node    *snowflake.Node
}

type Params struct {
	fx.In

	DB   *gorm.DB
	Node *snowflake.Node
}

func NewLedger(p Params) *Ledger {
	return &Ledger{
		wallets: repository.ProvideStore[Wallet](p.DB),
		txs:     repository.ProvideStore[Transaction](p.DB),
		node:    p.Node,
	}
}

// Open creates the member's wallet with a zero balance.
func (l *Ledger) Open(ctx context.Context, u *uow.UnitOfWork, memberID, currency string) (*Wallet, error) {
	if len(currency) != 3 {
		return nil, errutil.BadRequest("currency must be a 3-letter code", nil)
	}

	repo := l.wallets.WithTrx(u.Tx())
	exist, err := repo.FindOne(ctx, &Wallet{MemberID: memberID})
	if err != nil {
		return nil, err
	}
	if exist != nil {
		return nil, errutil.Conflict("wallet already exists", nil)
	}

	w := &Wallet{
		ID:        l.node.Generate().String(),
		MemberID:  memberID,
		Balance:   decimal.Zero,
		Currency:  strings.ToUpper(currency),
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.Create(ctx, w); err != nil {
		zap.L().Error("failed to open wallet", zap.String("member_id", memberID), zap.Error(err))
		return nil, err
	}
	return w, nil
}

// Lock reads the member's wallet with an exclusive row lock held until u
// ends.
func (l *Ledger) Lock(ctx context.Context, u *uow.UnitOfWork, memberID string) (*Wallet, error) {
	return l.find(ctx, u, memberID, option.WithLockingUpdate())
}

func (l *Ledger) Balance(ctx context.Context, u *uow.UnitOfWork, memberID string) (*Wallet, error) {
	return l.find(ctx, u, memberID)
}

func (l *Ledger) find(ctx context.Context, u *uow.UnitOfWork, memberID string, opts ...option.QueryOption) (*Wallet, error) {
	w, err := l.wallets.WithTrx(u.Tx()).FindOne(ctx, &Wallet{MemberID: memberID}, opts...)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errutil.NotFound("wallet not found", ErrNotFound)
	}
	return w, nil
}

func (l *Ledger) Debit(ctx context.Context, u *uow.UnitOfWork, e Entry) (*Transaction, error) {
	return l.post(ctx, u, TxDebit, e)
}

func (l *Ledger) Credit(ctx context.Context, u *uow.UnitOfWork, e Entry) (*Transaction, error) {
	return l.post(ctx, u, TxCredit, e)
}

func (l *Ledger) post(ctx context.Context, u *uow.UnitOfWork, typ TxType, e Entry) (*Transaction, error) {
	log := zap.L().With(
		zap.String("member_id", e.MemberID),
		zap.String("type", string(typ)),
		zap.String("reference", e.Reference),
	)

	amount := e.Amount.Round(4)
	if !amount.IsPositive() {
		return nil, errutil.BadRequest("amount must be > 0", nil)
	}
	if e.Reference == "" {
		return nil, errutil.BadRequest("reference is required", nil)
	}

	w, err := l.Lock(ctx, u, e.MemberID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(w.Currency, e.Currency) {
		return nil, errutil.UnprocessableEntity("currency does not match wallet", ErrCurrencyMismatch)
	}

	txRepo := l.txs.WithTrx(u.Tx())
	dup, err := txRepo.FindOne(ctx, &Transaction{WalletID: w.ID, Type: typ, Reference: e.Reference})
	if err != nil {
		return nil, err
	}
	if dup != nil {
		log.Warn("reference already posted")
		return nil, errutil.Conflict("reference already posted", ErrDuplicateReference)
	}

	after := w.Balance.Add(amount)
	if typ == TxDebit {
		if w.Balance.LessThan(amount) {
			return nil, errutil.UnprocessableEntity("insufficient balance", ErrInsufficientBalance)
		}
		after = w.Balance.Sub(amount)
	}

	last, err := txRepo.FindOne(ctx, &Transaction{WalletID: w.ID},
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "desc"}))
	if err != nil {
		return nil, err
	}
	previousHash, sequence := GenesisHash, int64(1)
	if last != nil {
		previousHash, sequence = last.Hash, last.Sequence+1
	}

	var meta datatypes.JSON
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, errutil.BadRequest("metadata is not serializable", err)
		}
		meta = datatypes.JSON(raw)
	}

	tx := &Transaction{
		ID:            l.node.Generate().String(),
		WalletID:      w.ID,
		MemberID:      w.MemberID,
		Sequence:      sequence,
		Type:          typ,
		Status:        TxCompleted,
		Amount:        amount,
		Currency:      w.Currency,
		BalanceBefore: w.Balance,
		BalanceAfter:  after,
		Reference:     e.Reference,
		Description:   e.Description,
		Metadata:      meta,
		PreviousHash:  previousHash,
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	tx.Hash = tx.GenerateHash()

	if err := txRepo.Create(ctx, tx); err != nil {
		log.Error("failed to write wallet transaction", zap.Error(err))
		return nil, err
	}

	if err := l.wallets.WithTrx(u.Tx()).Update(ctx, w.ID, map[string]any{"balance": after}); err != nil {
		log.Error("failed to update wallet balance", zap.Error(err))
		return nil, err
	}

	log.Debug("wallet posted", zap.String("before", w.Balance.String()), zap.String("after", after.String()))
	return tx, nil
}

// Transactions lists the wallet's ledger lines in posting order.
func (l *Ledger) Transactions(ctx context.Context, u *uow.UnitOfWork, memberID string) ([]*Transaction, error) {
	w, err := l.Balance(ctx, u, memberID)
	if err != nil {
		return nil, err
	}
	return l.txs.WithTrx(u.Tx()).Find(ctx, &Transaction{WalletID: w.ID},
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "asc"}))
}

// Statement returns up to limit transactions of the wallet with a sequence
// greater than after, oldest first.
func (l *Ledger) Statement(ctx context.Context, u *uow.UnitOfWork, memberID string, after int64, limit int) ([]*Transaction, error) {
	w, err := l.Balance(ctx, u, memberID)
	if err != nil {
		return nil, err
	}
	return l.txs.WithTrx(u.Tx()).Find(ctx, &Transaction{WalletID: w.ID},
		option.ApplyOperator(option.Condition{Field: "sequence", Operator: option.GT, Value: after}),
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "asc"}),
		option.WithLimit(limit),
	)
}

// VerifyChain recomputes every hash of the wallet's ledger and checks that
// balances chain and end at the cached balance.
func (l *Ledger) VerifyChain(ctx context.Context, u *uow.UnitOfWork, memberID string) (bool, error) {
	w, err := l.Balance(ctx, u, memberID)
	if err != nil {
		return false, err
	}
	txs, err := l.Transactions(ctx, u, memberID)
	if err != nil {
		return false, err
	}

	lastHash, balance := GenesisHash, decimal.Zero
	for i, tx := range txs {
		if tx.Sequence != int64(i+1) || tx.PreviousHash != lastHash || tx.Hash != tx.GenerateHash() {
			zap.L().Warn("wallet chain broken", zap.String("member_id", memberID), zap.String("tx_id", tx.ID))
			return false, nil
		}
		if !tx.BalanceBefore.Equal(balance) {
			return false, nil
		}
		lastHash, balance = tx.Hash, tx.BalanceAfter
	}
	return balance.Equal(w.Balance), nil
}
