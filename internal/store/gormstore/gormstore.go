package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/motorhub/pointsledger/pkg/points"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore      = "store"
	errorSubjectWallet       = "wallet"
	errorSubjectTransaction  = "transaction"
	errorCodeGet             = "get"
	errorCodeEnsure          = "ensure"
	errorCodeUpdateBalance   = "update_balance"
	errorCodeInsert          = "insert"
	errorCodeDuplicate       = "duplicate"
	errorCodeFind            = "find"
	errorCodeList            = "list"
	errorCodeInvalid         = "invalid"
	errorCodeBalanceConflict = "balance_conflict"
)

// Store implements points.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetWallet(ctx context.Context, userID points.UserID) (points.Wallet, bool, error) {
	var model Wallet
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.Wallet{}, false, nil
	}
	if err != nil {
		return points.Wallet{}, false, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return points.Wallet{UserID: model.UserID, Balance: points.Points(model.Balance)}, true, nil
}

func (store *Store) EnsureWallet(ctx context.Context, userID points.UserID) (points.Wallet, error) {
	var model Wallet
	err := store.db.WithContext(ctx).
		Where(Wallet{UserID: userID.String()}).
		FirstOrCreate(&model).Error
	if err != nil {
		return points.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeEnsure, err)
	}
	return points.Wallet{UserID: model.UserID, Balance: points.Points(model.Balance)}, nil
}

// UpdateWalletBalance applies a compare-and-swap on the stored balance.
// Zero rows affected means another writer got there first.
func (store *Store) UpdateWalletBalance(ctx context.Context, userID points.UserID, fromBalance points.Points, toBalance points.Points) error {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("user_id = ? AND balance = ?", userID.String(), fromBalance.Int64()).
		Update("balance", toBalance.Int64())
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdateBalance, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeBalanceConflict, points.ErrBalanceConflict)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction points.Transaction) error {
	model := PointsTransaction{
		TransactionID:    transaction.TransactionID,
		UserID:           transaction.UserID,
		Kind:             transaction.Kind.String(),
		Amount:           transaction.Amount.Int64(),
		ResultingBalance: transaction.ResultingBalance.Int64(),
		ReferenceID:      transaction.ReferenceID,
		Metadata:         datatypesJSON(transaction.MetadataJSON),
		CreatedAt:        time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, points.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindTransaction(ctx context.Context, userID points.UserID, kind points.TransactionKind, referenceID points.ReferenceID) (points.Transaction, bool, error) {
	var model PointsTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND kind = ? AND reference_id = ?", userID.String(), kind.String(), referenceID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return points.Transaction{}, false, nil
	}
	if err != nil {
		return points.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeFind, err)
	}
	transaction, err := mapTransaction(model)
	if err != nil {
		return points.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID points.UserID, beforeUnixUTC int64, limit int) ([]points.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []PointsTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]points.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapTransaction(row PointsTransaction) (points.Transaction, error) {
	kind, err := points.ParseTransactionKind(row.Kind)
	if err != nil {
		return points.Transaction{}, err
	}
	return points.Transaction{
		TransactionID:    row.TransactionID,
		UserID:           row.UserID,
		Kind:             kind,
		Amount:           points.Points(row.Amount),
		ResultingBalance: points.Points(row.ResultingBalance),
		ReferenceID:      row.ReferenceID,
		MetadataJSON:     string(row.Metadata),
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
