package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/motorhub/pointsledger/pkg/points"
	"github.com/motorhub/pointsledger/pkg/referral"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorSubjectCode  = "referral_code"
	errorSubjectLink  = "referral_link"
	errorSubjectFlag  = "first_transaction_flag"
	errorSubjectQueue = "pending_bonus"
	errorCodeClaim    = "claim"
	errorCodeSet      = "set"
	errorCodeEnqueue  = "enqueue"
	errorCodeDelete   = "delete"
)

// ReferralStore implements referral.Store using GORM.
type ReferralStore struct {
	db *gorm.DB
}

// NewReferral returns a ReferralStore backed by gorm.DB.
func NewReferral(db *gorm.DB) *ReferralStore {
	return &ReferralStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *ReferralStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore referral.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &ReferralStore{db: transaction})
	})
}

func (store *ReferralStore) GetCode(ctx context.Context, code referral.Code) (referral.ReferralCode, bool, error) {
	var model ReferralCode
	err := store.db.WithContext(ctx).
		Where("code = ?", code.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return referral.ReferralCode{}, false, nil
	}
	if err != nil {
		return referral.ReferralCode{}, false, wrapStoreError(errorSubjectCode, errorCodeGet, err)
	}
	return mapReferralCode(model), true, nil
}

func (store *ReferralStore) GetCodeByReferrer(ctx context.Context, referrerID points.UserID) (referral.ReferralCode, bool, error) {
	var model ReferralCode
	err := store.db.WithContext(ctx).
		Where("referrer_id = ?", referrerID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return referral.ReferralCode{}, false, nil
	}
	if err != nil {
		return referral.ReferralCode{}, false, wrapStoreError(errorSubjectCode, errorCodeGet, err)
	}
	return mapReferralCode(model), true, nil
}

func (store *ReferralStore) InsertCode(ctx context.Context, record referral.ReferralCode) error {
	model := ReferralCode{
		Code:       record.Code,
		ReferrerID: record.ReferrerID,
		CreatedAt:  time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectCode, errorCodeDuplicate, referral.ErrDuplicateCode)
	}
	if err != nil {
		return wrapStoreError(errorSubjectCode, errorCodeInsert, err)
	}
	return nil
}

// MarkCodeClaimed is guarded on the code being unclaimed; losing the race
// surfaces as a claim conflict rather than a silent second claim.
func (store *ReferralStore) MarkCodeClaimed(ctx context.Context, code referral.Code, referredUserID points.UserID, claimedAtUnixUTC int64) error {
	claimedBy := referredUserID.String()
	claimedAt := time.Unix(claimedAtUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&ReferralCode{}).
		Where("code = ? AND claimed_by_user_id IS NULL", code.String()).
		Updates(map[string]interface{}{
			"claimed_by_user_id": claimedBy,
			"claimed_at":         claimedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectCode, errorCodeClaim, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectCode, errorCodeClaim, referral.ErrClaimConflict)
	}
	return nil
}

func (store *ReferralStore) GetLink(ctx context.Context, referredUserID points.UserID) (referral.Link, bool, error) {
	var model ReferralLink
	err := store.db.WithContext(ctx).
		Where("referred_user_id = ?", referredUserID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return referral.Link{}, false, nil
	}
	if err != nil {
		return referral.Link{}, false, wrapStoreError(errorSubjectLink, errorCodeGet, err)
	}
	return referral.Link{
		ReferredUserID: model.ReferredUserID,
		ReferrerID:     model.ReferrerID,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, true, nil
}

func (store *ReferralStore) InsertLink(ctx context.Context, link referral.Link) error {
	model := ReferralLink{
		ReferredUserID: link.ReferredUserID,
		ReferrerID:     link.ReferrerID,
		CreatedAt:      time.Unix(link.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectLink, errorCodeDuplicate, referral.ErrAlreadyClaimed)
	}
	if err != nil {
		return wrapStoreError(errorSubjectLink, errorCodeInsert, err)
	}
	return nil
}

func (store *ReferralStore) HasCompletedFirstTransaction(ctx context.Context, userID points.UserID) (bool, error) {
	var model FirstTransactionFlag
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrapStoreError(errorSubjectFlag, errorCodeGet, err)
	}
	return true, nil
}

func (store *ReferralStore) SetFirstTransactionFlag(ctx context.Context, userID points.UserID, completedAtUnixUTC int64) error {
	model := FirstTransactionFlag{
		UserID:      userID.String(),
		CompletedAt: time.Unix(completedAtUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
	if err != nil && !isUniqueViolation(err) {
		return wrapStoreError(errorSubjectFlag, errorCodeSet, err)
	}
	return nil
}

func (store *ReferralStore) EnqueuePendingBonus(ctx context.Context, event referral.PendingBonus) error {
	model := PendingBonusEvent{
		ReferredUserID: event.ReferredUserID,
		ReferenceID:    event.ReferenceID,
		CreatedAt:      time.Unix(event.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
	if err != nil && !isUniqueViolation(err) {
		return wrapStoreError(errorSubjectQueue, errorCodeEnqueue, err)
	}
	return nil
}

func (store *ReferralStore) ListPendingBonuses(ctx context.Context, limit int) ([]referral.PendingBonus, error) {
	var rows []PendingBonusEvent
	err := store.db.WithContext(ctx).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectQueue, errorCodeList, err)
	}
	events := make([]referral.PendingBonus, 0, len(rows))
	for _, row := range rows {
		events = append(events, referral.PendingBonus{
			ReferredUserID: row.ReferredUserID,
			ReferenceID:    row.ReferenceID,
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return events, nil
}

func (store *ReferralStore) DeletePendingBonus(ctx context.Context, referredUserID points.UserID) error {
	err := store.db.WithContext(ctx).
		Where("referred_user_id = ?", referredUserID.String()).
		Delete(&PendingBonusEvent{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectQueue, errorCodeDelete, err)
	}
	return nil
}

func mapReferralCode(model ReferralCode) referral.ReferralCode {
	record := referral.ReferralCode{
		Code:           model.Code,
		ReferrerID:     model.ReferrerID,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}
	if model.ClaimedByUserID != nil {
		claimedBy := *model.ClaimedByUserID
		record.ClaimedByUserID = &claimedBy
	}
	if model.ClaimedAt != nil {
		record.ClaimedAtUnixUTC = model.ClaimedAt.Unix()
	}
	return record
}
