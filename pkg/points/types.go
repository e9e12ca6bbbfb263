package points

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Points is an integer point amount. Transaction amounts are signed;
// wallet balances never go below zero.
type Points int64

// Int64 returns the raw point amount.
func (points Points) Int64() int64 {
	return int64(points)
}

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// ReferenceID correlates a transaction with an external event
// (purchase id, referral claim id). Together with the transaction kind
// it is the idempotency key.
type ReferenceID struct {
	value string
}

// ServiceID identifies a purchasable marketplace service.
type ServiceID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewReferenceID validates and normalizes a reference id.
func NewReferenceID(raw string) (ReferenceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReferenceID{}, fmt.Errorf("%w: empty value", ErrInvalidReferenceID)
	}
	return ReferenceID{value: trimmed}, nil
}

// String returns the normalized reference.
func (id ReferenceID) String() string {
	return id.value
}

// NewServiceID validates and normalizes a service id.
func NewServiceID(raw string) (ServiceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ServiceID{}, fmt.Errorf("%w: empty value", ErrInvalidServiceID)
	}
	return ServiceID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ServiceID) String() string {
	return id.value
}

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	KindEarn            TransactionKind = "earn"
	KindSpendOnPurchase TransactionKind = "spend_on_purchase"
	KindRedeemToWallet  TransactionKind = "redeem_to_wallet"
	KindServicePurchase TransactionKind = "service_purchase"
)

// ParseTransactionKind validates a raw transaction kind.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch TransactionKind(raw) {
	case KindEarn, KindSpendOnPurchase, KindRedeemToWallet, KindServicePurchase:
		return TransactionKind(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
	}
}

// String returns the kind label.
func (kind TransactionKind) String() string {
	return string(kind)
}

// Wallet is the per-user balance record.
type Wallet struct {
	UserID  string
	Balance Points
}

// Transaction is a single immutable line in the points ledger.
type Transaction struct {
	TransactionID    string
	UserID           string
	Kind             TransactionKind
	Amount           Points
	ResultingBalance Points
	ReferenceID      string
	MetadataJSON     string
	CreatedUnixUTC   int64
}

// Quote is the outcome of applying points against a purchase price.
type Quote struct {
	FinalPrice       decimal.Decimal
	PointsUsed       Points
	RemainingBalance Points
	Replayed         bool
}

// Receipt is the outcome of a committed credit or debit.
type Receipt struct {
	TransactionID    string
	Amount           Points
	RemainingBalance Points
	Replayed         bool
}

// Redemption is the outcome of converting points to cash-wallet value.
type Redemption struct {
	PointsRedeemed   Points
	CashValue        decimal.Decimal
	RemainingBalance Points
	Replayed         bool
}

// ServiceReceipt is the outcome of buying a marketplace service with points.
type ServiceReceipt struct {
	ServiceID        string
	PointsSpent      Points
	RemainingBalance Points
	Replayed         bool
}

// Store is the persistence contract used by Service. Mutations run inside
// WithTx; UpdateWalletBalance is guarded by the previously read balance so
// concurrent writers to the same wallet serialize.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetWallet(ctx context.Context, userID UserID) (Wallet, bool, error)
	EnsureWallet(ctx context.Context, userID UserID) (Wallet, error)
	UpdateWalletBalance(ctx context.Context, userID UserID, fromBalance Points, toBalance Points) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	FindTransaction(ctx context.Context, userID UserID, kind TransactionKind, referenceID ReferenceID) (Transaction, bool, error)
	ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error)
}

func marshalMetadata(metadata map[string]any) string {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
