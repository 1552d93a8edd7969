package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

var (
	ErrNotFound            = errors.New("wallet not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrDuplicateReference  = errors.New("duplicate wallet reference")
)

const GenesisHash = "GENESIS"

type Wallet struct {
	ID        string          `gorm:"column:id;primaryKey;size:64"`
	MemberID  string          `gorm:"column:member_id;size:64;not null;uniqueIndex"`
	Balance   decimal.Decimal `gorm:"column:balance;type:decimal(20,4);not null"`
	Currency  string          `gorm:"column:currency;size:3;not null"`
	CreatedAt time.Time       `gorm:"column:created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at"`
}

func (Wallet) TableName() string {
	return "wallets"
}

type TxType string

const (
	TxCredit TxType = "credit"
	TxDebit  TxType = "debit"
)

type TxStatus string

const (
	TxCompleted TxStatus = "completed"
)

// Transaction is an insert-only ledger line. Each line hashes its content
// together with the previous line's hash.
type Transaction struct {
	ID            string          `gorm:"column:id;primaryKey;size:64"`
	WalletID      string          `gorm:"column:wallet_id;size:64;not null;uniqueIndex:idx_wallet_tx_sequence,priority:1;uniqueIndex:idx_wallet_tx_reference,priority:1"`
	MemberID      string          `gorm:"column:member_id;size:64;not null;index"`
	Sequence      int64           `gorm:"column:sequence;not null;uniqueIndex:idx_wallet_tx_sequence,priority:2"`
	Type          TxType          `gorm:"column:type;size:16;not null;uniqueIndex:idx_wallet_tx_reference,priority:2"`
	Status        TxStatus        `gorm:"column:status;size:16;not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(20,4);not null"`
	Currency      string          `gorm:"column:currency;size:3;not null"`
	BalanceBefore decimal.Decimal `gorm:"column:balance_before;type:decimal(20,4);not null"`
	BalanceAfter  decimal.Decimal `gorm:"column:balance_after;type:decimal(20,4);not null"`
	Reference     string          `gorm:"column:reference;size:128;not null;uniqueIndex:idx_wallet_tx_reference,priority:3"`
	Description   string          `gorm:"column:description"`
	Metadata      datatypes.JSON  `gorm:"column:metadata"`
	PreviousHash  string          `gorm:"column:previous_hash;size:64;not null"`
	Hash          string          `gorm:"column:hash;size:64;not null"`
	CreatedAt     time.Time       `gorm:"column:created_at;precision:3"`
}

func (Transaction) TableName() string {
	return "wallet_transactions"
}

// hashTimeLayout fixes created_at to millisecond precision, the finest
// precision every supported dialect stores.
const hashTimeLayout = "2006-01-02T15:04:05.000Z07:00"

func (t *Transaction) HashFields() map[string]string {
	return map[string]string{
		"id":             t.ID,
		"wallet_id":      t.WalletID,
		"member_id":      t.MemberID,
		"sequence":       fmt.Sprintf("%d", t.Sequence),
		"type":           string(t.Type),
		"amount":         t.Amount.String(),
		"currency":       t.Currency,
		"balance_before": t.BalanceBefore.String(),
		"balance_after":  t.BalanceAfter.String(),
		"reference":      t.Reference,
		"created_at":     t.CreatedAt.UTC().Format(hashTimeLayout),
		"previous_hash":  t.PreviousHash,
	}
}

func (t *Transaction) GenerateHash() string {
	fields := t.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// Entry describes one posting against a member's wallet.
type Entry struct {
	MemberID    string
	Amount      decimal.Decimal
	Currency    string
	Reference   string
	Description string
	Metadata    map[string]any
}
