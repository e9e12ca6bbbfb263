package referral

import "errors"

// Domain-level error values returned by the referral registry and trigger.
var (
	ErrCodeNotFound         = errors.New("referral code not found")
	ErrSelfReferral         = errors.New("cannot claim own referral code")
	ErrAlreadyClaimed       = errors.New("referral code already claimed")
	ErrClaimConflict        = errors.New("concurrent claim lost")
	ErrInvalidCode          = errors.New("invalid referral code")
	ErrDuplicateCode        = errors.New("referral code already exists")
	ErrCodeSpaceExhausted   = errors.New("could not mint a unique referral code")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)
