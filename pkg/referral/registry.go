package referral

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/motorhub/pointsledger/pkg/points"
)

// Registry issues, validates, and claims referral codes.
type Registry struct {
	store Store
	nowFn func() int64
}

// NewRegistry wires a Registry.
func NewRegistry(store Store, now func() int64) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Registry{store: store, nowFn: now}, nil
}

// GenerateCode returns the referrer's active code, minting one on first use.
// Regeneration while a code is outstanding returns the same code.
func (registry *Registry) GenerateCode(ctx context.Context, referrerID points.UserID) (Code, error) {
	existing, found, err := registry.store.GetCodeByReferrer(ctx, referrerID)
	if err != nil {
		return Code{}, err
	}
	if found {
		return NewCode(existing.Code)
	}
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		candidate, err := mintCode()
		if err != nil {
			return Code{}, err
		}
		_, taken, err := registry.store.GetCode(ctx, candidate)
		if err != nil {
			return Code{}, err
		}
		if taken {
			continue
		}
		record := ReferralCode{
			Code:           candidate.String(),
			ReferrerID:     referrerID.String(),
			CreatedUnixUTC: registry.nowFn(),
		}
		if err := registry.store.InsertCode(ctx, record); err != nil {
			// A concurrent request may have minted for this referrer first.
			winner, found, lookupErr := registry.store.GetCodeByReferrer(ctx, referrerID)
			if lookupErr == nil && found {
				return NewCode(winner.Code)
			}
			return Code{}, err
		}
		return candidate, nil
	}
	return Code{}, ErrCodeSpaceExhausted
}

// ClaimCode marks a code claimed by the referred user and records the
// referral link. The claim is a one-way transition: a claimed code stays
// claimed, and a user links to at most one referrer.
func (registry *Registry) ClaimCode(ctx context.Context, code Code, referredUserID points.UserID) error {
	return registry.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		record, found, err := transactionStore.GetCode(ctx, code)
		if err != nil {
			return err
		}
		if !found {
			return ErrCodeNotFound
		}
		if record.ReferrerID == referredUserID.String() {
			return ErrSelfReferral
		}
		if record.ClaimedByUserID != nil {
			return ErrAlreadyClaimed
		}
		if _, linked, err := transactionStore.GetLink(ctx, referredUserID); err != nil {
			return err
		} else if linked {
			return ErrAlreadyClaimed
		}
		claimedAt := registry.nowFn()
		if err := transactionStore.MarkCodeClaimed(ctx, code, referredUserID, claimedAt); err != nil {
			return err
		}
		return transactionStore.InsertLink(ctx, Link{
			ReferredUserID: referredUserID.String(),
			ReferrerID:     record.ReferrerID,
			CreatedUnixUTC: claimedAt,
		})
	})
}

// Link reports who referred the user, if anyone did.
func (registry *Registry) Link(ctx context.Context, referredUserID points.UserID) (Link, bool, error) {
	return registry.store.GetLink(ctx, referredUserID)
}

// HasCompletedFirstTransaction reports whether the user's first-transaction
// bonus logic already ran.
func (registry *Registry) HasCompletedFirstTransaction(ctx context.Context, userID points.UserID) (bool, error) {
	return registry.store.HasCompletedFirstTransaction(ctx, userID)
}

func mintCode() (Code, error) {
	letters := make([]byte, 0, mintedCodeLength)
	buffer := make([]byte, mintedCodeLength)
	for len(letters) < mintedCodeLength {
		if _, err := rand.Read(buffer); err != nil {
			return Code{}, fmt.Errorf("mint referral code: %w", err)
		}
		letters = appendUnbiased(letters, buffer)
	}
	return NewCode(string(letters))
}

// appendUnbiased maps random bytes onto the charset up to the capacity of
// letters, rejecting draws at or above unbiasedByteLimit.
func appendUnbiased(letters []byte, draws []byte) []byte {
	for _, draw := range draws {
		if len(letters) == cap(letters) {
			return letters
		}
		if int(draw) >= unbiasedByteLimit {
			continue
		}
		letters = append(letters, codeCharset[int(draw)%len(codeCharset)])
	}
	return letters
}
