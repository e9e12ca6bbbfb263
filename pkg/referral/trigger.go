package referral

import (
	"context"
	"fmt"

	"github.com/motorhub/pointsledger/pkg/points"
)

// Crediter is the slice of the balance engine the trigger needs.
type Crediter interface {
	Credit(ctx context.Context, userID points.UserID, amount points.Points, kind points.TransactionKind, referenceID points.ReferenceID) (points.Receipt, error)
}

// Trigger disburses referral bonuses when a referred user completes their
// first transaction. Invocations are idempotent: the per-user flag
// short-circuits repeats, and the credits carry reference ids derived from
// the referred user so neither a retry after partial failure nor a racing
// duplicate event can double-pay.
type Trigger struct {
	store    Store
	crediter Crediter
	nowFn    func() int64
}

// NewTrigger wires a Trigger.
func NewTrigger(store Store, crediter Crediter, now func() int64) (*Trigger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if crediter == nil {
		return nil, fmt.Errorf("%w: crediter dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Trigger{store: store, crediter: crediter, nowFn: now}, nil
}

// ProcessFirstTransaction runs the one-time bonus logic for a referred user.
// A user without a referrer completes normally: the flag is set and no
// bonus is owed.
func (trigger *Trigger) ProcessFirstTransaction(ctx context.Context, referredUserID points.UserID, referenceID points.ReferenceID) error {
	completed, err := trigger.store.HasCompletedFirstTransaction(ctx, referredUserID)
	if err != nil {
		return err
	}
	if completed {
		return nil
	}
	link, found, err := trigger.store.GetLink(ctx, referredUserID)
	if err != nil {
		return err
	}
	if !found {
		return trigger.store.SetFirstTransactionFlag(ctx, referredUserID, trigger.nowFn())
	}
	referrerID, err := points.NewUserID(link.ReferrerID)
	if err != nil {
		return err
	}
	referrerReference, err := bonusReferenceID(referredUserID, referenceSuffixReferrer)
	if err != nil {
		return err
	}
	if _, err := trigger.crediter.Credit(ctx, referrerID, referrerBonusPoints, points.KindEarn, referrerReference); err != nil {
		return err
	}
	referredReference, err := bonusReferenceID(referredUserID, referenceSuffixReferred)
	if err != nil {
		return err
	}
	if _, err := trigger.crediter.Credit(ctx, referredUserID, referredBonusPoints, points.KindEarn, referredReference); err != nil {
		return err
	}
	return trigger.store.SetFirstTransactionFlag(ctx, referredUserID, trigger.nowFn())
}

// EnqueueRetry records a failed disbursement for the reconciliation sweep.
func (trigger *Trigger) EnqueueRetry(ctx context.Context, referredUserID points.UserID, referenceID points.ReferenceID) error {
	return trigger.store.EnqueuePendingBonus(ctx, PendingBonus{
		ReferredUserID: referredUserID.String(),
		ReferenceID:    referenceID.String(),
		CreatedUnixUTC: trigger.nowFn(),
	})
}

// bonusReferenceID keys a bonus credit by the referred user rather than the
// triggering event. Two first-transaction events racing past the flag read
// with distinct reference ids collapse onto the same ledger rows.
func bonusReferenceID(referredUserID points.UserID, suffix string) (points.ReferenceID, error) {
	return points.NewReferenceID(bonusReferencePrefix + referenceKeyDelimiter + referredUserID.String() + referenceKeyDelimiter + suffix)
}
