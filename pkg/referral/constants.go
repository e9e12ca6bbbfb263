package referral

import "github.com/motorhub/pointsledger/pkg/points"

const (
	mintedCodeLength = 8
	minCodeLength    = 4
	maxCodeLength    = 16
	maxMintAttempts  = 5

	codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// Largest multiple of the charset size that fits in a byte. Draws at
	// or above this limit are discarded so every character is equally
	// likely.
	unbiasedByteLimit = 256 - 256%len(codeCharset)

	referenceKeyDelimiter   = ":"
	bonusReferencePrefix    = "first-tx"
	referenceSuffixReferrer = "referrer"
	referenceSuffixReferred = "referred"

	// Bonus sizes disbursed when a referred user completes their first
	// transaction.
	referrerBonusPoints points.Points = 100
	referredBonusPoints points.Points = 50
)

// ReferrerBonus reports the points credited to the referrer.
func ReferrerBonus() points.Points {
	return referrerBonusPoints
}

// ReferredBonus reports the points credited to the referred user.
func ReferredBonus() points.Points {
	return referredBonusPoints
}
