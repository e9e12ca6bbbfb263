package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/motorhub/pointsledger/pkg/points"
)

const (
	constraintTransactionReference = "uniq_points_tx_reference"
	pgUniqueViolationCode          = "23505"

	errorOperationStore      = "store"
	errorSubjectWallet       = "wallet"
	errorSubjectTransaction  = "transaction"
	errorSubjectTx           = "tx"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
	errorCodeGet             = "get"
	errorCodeEnsure          = "ensure"
	errorCodeUpdateBalance   = "update_balance"
	errorCodeBalanceConflict = "balance_conflict"
	errorCodeInsert          = "insert"
	errorCodeDuplicate       = "duplicate"
	errorCodeFind            = "find"
	errorCodeList            = "list"
	errorCodeInvalid         = "invalid"

	sqlGetWallet = `
		select user_id, balance from wallets where user_id = $1
	`

	sqlEnsureWallet = `
		insert into wallets(user_id, balance, created_at, updated_at)
		values ($1, 0, now(), now())
		on conflict (user_id) do update set updated_at = wallets.updated_at
		returning user_id, balance
	`

	sqlUpdateWalletBalance = `
		update wallets set balance = $3, updated_at = now()
		where user_id = $1 and balance = $2
	`

	sqlInsertTransaction = `
		insert into points_transactions(
			transaction_id, user_id, kind, amount, resulting_balance, reference_id, metadata, created_at
		)
		values (
			$1, $2, $3, $4, $5, $6,
			coalesce(nullif($7,''),'{}')::jsonb,
			to_timestamp($8)
		)
	`

	sqlFindTransaction = `
		select
			transaction_id::text, user_id, kind, amount, resulting_balance, reference_id,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from points_transactions
		where user_id = $1 and kind = $2 and reference_id = $3
	`

	sqlListTransactions = `
		select
			transaction_id::text, user_id, kind, amount, resulting_balance, reference_id,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from points_transactions
		where user_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements points.Store against PostgreSQL via pgx.
type Store struct {
	pool *pgxpool.Pool
	conn querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, conn: pool}
}

// WithTx executes fn within a database transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, conn: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetWallet(ctx context.Context, userID points.UserID) (points.Wallet, bool, error) {
	var wallet points.Wallet
	var balance int64
	err := store.conn.QueryRow(ctx, sqlGetWallet, userID.String()).Scan(&wallet.UserID, &balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return points.Wallet{}, false, nil
	}
	if err != nil {
		return points.Wallet{}, false, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	wallet.Balance = points.Points(balance)
	return wallet, true, nil
}

func (store *Store) EnsureWallet(ctx context.Context, userID points.UserID) (points.Wallet, error) {
	var wallet points.Wallet
	var balance int64
	err := store.conn.QueryRow(ctx, sqlEnsureWallet, userID.String()).Scan(&wallet.UserID, &balance)
	if err != nil {
		return points.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeEnsure, err)
	}
	wallet.Balance = points.Points(balance)
	return wallet, nil
}

func (store *Store) UpdateWalletBalance(ctx context.Context, userID points.UserID, fromBalance points.Points, toBalance points.Points) error {
	commandTag, err := store.conn.Exec(ctx, sqlUpdateWalletBalance, userID.String(), fromBalance.Int64(), toBalance.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdateBalance, err)
	}
	if commandTag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeBalanceConflict, points.ErrBalanceConflict)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction points.Transaction) error {
	_, err := store.conn.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.UserID,
		transaction.Kind.String(),
		transaction.Amount.Int64(),
		transaction.ResultingBalance.Int64(),
		transaction.ReferenceID,
		transaction.MetadataJSON,
		transaction.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintTransactionReference) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, points.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindTransaction(ctx context.Context, userID points.UserID, kind points.TransactionKind, referenceID points.ReferenceID) (points.Transaction, bool, error) {
	row := store.conn.QueryRow(ctx, sqlFindTransaction, userID.String(), kind.String(), referenceID.String())
	transaction, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return points.Transaction{}, false, nil
	}
	if err != nil {
		return points.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeFind, err)
	}
	return transaction, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID points.UserID, beforeUnixUTC int64, limit int) ([]points.Transaction, error) {
	rows, err := store.conn.Query(ctx, sqlListTransactions, userID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()

	transactions := make([]points.Transaction, 0, limit)
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func scanTransaction(row pgx.Row) (points.Transaction, error) {
	var transaction points.Transaction
	var kind string
	var amount int64
	var resultingBalance int64
	err := row.Scan(
		&transaction.TransactionID,
		&transaction.UserID,
		&kind,
		&amount,
		&resultingBalance,
		&transaction.ReferenceID,
		&transaction.MetadataJSON,
		&transaction.CreatedUnixUTC,
	)
	if err != nil {
		return points.Transaction{}, err
	}
	parsedKind, err := points.ParseTransactionKind(kind)
	if err != nil {
		return points.Transaction{}, err
	}
	transaction.Kind = parsedKind
	transaction.Amount = points.Points(amount)
	transaction.ResultingBalance = points.Points(resultingBalance)
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return points.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != pgUniqueViolationCode {
		return false
	}
	return constraintName == "" || pgErr.ConstraintName == constraintName
}
