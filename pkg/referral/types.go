package referral

import (
	"context"
	"fmt"
	"strings"

	"github.com/motorhub/pointsledger/pkg/points"
)

// Code is an uppercase alphanumeric token a referrer shares.
type Code struct {
	value string
}

// NewCode validates and normalizes a referral code. Lowercase input is
// accepted and upcased; anything outside A-Z0-9 is rejected.
func NewCode(raw string) (Code, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if length := len(normalized); length < minCodeLength || length > maxCodeLength {
		return Code{}, fmt.Errorf("%w: length must be between %d and %d", ErrInvalidCode, minCodeLength, maxCodeLength)
	}
	for _, char := range normalized {
		if (char < 'A' || char > 'Z') && (char < '0' || char > '9') {
			return Code{}, fmt.Errorf("%w: %q is not uppercase alphanumeric", ErrInvalidCode, normalized)
		}
	}
	return Code{value: normalized}, nil
}

// String returns the normalized code.
func (code Code) String() string {
	return code.value
}

// ReferralCode is the stored code record. A referrer holds at most one;
// ClaimedByUserID transitions from nil to a value exactly once.
type ReferralCode struct {
	Code             string
	ReferrerID       string
	ClaimedByUserID  *string
	ClaimedAtUnixUTC int64
	CreatedUnixUTC   int64
}

// Link is the referred-user to referrer relation created at claim time.
type Link struct {
	ReferredUserID string
	ReferrerID     string
	CreatedUnixUTC int64
}

// PendingBonus is a bonus disbursement that failed inline and awaits the
// reconciliation sweep.
type PendingBonus struct {
	ReferredUserID string
	ReferenceID    string
	CreatedUnixUTC int64
}

// Store is the persistence contract for codes, links, first-transaction
// flags, and the pending-bonus queue. MarkCodeClaimed is guarded on the
// code being unclaimed so concurrent claimants serialize.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetCode(ctx context.Context, code Code) (ReferralCode, bool, error)
	GetCodeByReferrer(ctx context.Context, referrerID points.UserID) (ReferralCode, bool, error)
	InsertCode(ctx context.Context, record ReferralCode) error
	MarkCodeClaimed(ctx context.Context, code Code, referredUserID points.UserID, claimedAtUnixUTC int64) error
	GetLink(ctx context.Context, referredUserID points.UserID) (Link, bool, error)
	InsertLink(ctx context.Context, link Link) error
	HasCompletedFirstTransaction(ctx context.Context, userID points.UserID) (bool, error)
	SetFirstTransactionFlag(ctx context.Context, userID points.UserID, completedAtUnixUTC int64) error
	EnqueuePendingBonus(ctx context.Context, event PendingBonus) error
	ListPendingBonuses(ctx context.Context, limit int) ([]PendingBonus, error)
	DeletePendingBonus(ctx context.Context, referredUserID points.UserID) error
}
