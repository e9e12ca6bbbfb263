package points

import (
	"context"
	"testing"
)

type stubStore struct {
	wallets      map[string]Points
	transactions []Transaction

	getWalletError         error
	ensureWalletError      error
	updateBalanceError     error
	insertTransactionError error
	findTransactionError   error
	listError              error
}

func newStubStore(test *testing.T, initialBalances map[string]Points) *stubStore {
	test.Helper()
	wallets := make(map[string]Points, len(initialBalances))
	for userID, balance := range initialBalances {
		wallets[userID] = balance
	}
	return &stubStore{wallets: wallets}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetWallet(ctx context.Context, userID UserID) (Wallet, bool, error) {
	if store.getWalletError != nil {
		return Wallet{}, false, store.getWalletError
	}
	balance, found := store.wallets[userID.String()]
	if !found {
		return Wallet{}, false, nil
	}
	return Wallet{UserID: userID.String(), Balance: balance}, true, nil
}

func (store *stubStore) EnsureWallet(ctx context.Context, userID UserID) (Wallet, error) {
	if store.ensureWalletError != nil {
		return Wallet{}, store.ensureWalletError
	}
	balance, found := store.wallets[userID.String()]
	if !found {
		store.wallets[userID.String()] = 0
		balance = 0
	}
	return Wallet{UserID: userID.String(), Balance: balance}, nil
}

func (store *stubStore) UpdateWalletBalance(ctx context.Context, userID UserID, fromBalance Points, toBalance Points) error {
	if store.updateBalanceError != nil {
		return store.updateBalanceError
	}
	current, found := store.wallets[userID.String()]
	if !found || current != fromBalance {
		return ErrBalanceConflict
	}
	store.wallets[userID.String()] = toBalance
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	if store.insertTransactionError != nil {
		return store.insertTransactionError
	}
	for _, existing := range store.transactions {
		if existing.UserID == transaction.UserID &&
			existing.Kind == transaction.Kind &&
			existing.ReferenceID == transaction.ReferenceID {
			return ErrDuplicateReference
		}
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) FindTransaction(ctx context.Context, userID UserID, kind TransactionKind, referenceID ReferenceID) (Transaction, bool, error) {
	if store.findTransactionError != nil {
		return Transaction{}, false, store.findTransactionError
	}
	for _, transaction := range store.transactions {
		if transaction.UserID == userID.String() &&
			transaction.Kind == kind &&
			transaction.ReferenceID == referenceID.String() {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	matched := make([]Transaction, 0, limit)
	for index := len(store.transactions) - 1; index >= 0 && len(matched) < limit; index-- {
		transaction := store.transactions[index]
		if transaction.UserID == userID.String() && transaction.CreatedUnixUTC < beforeUnixUTC {
			matched = append(matched, transaction)
		}
	}
	return matched, nil
}

func (store *stubStore) balanceOf(test *testing.T, rawUserID string) Points {
	test.Helper()
	balance, found := store.wallets[rawUserID]
	if !found {
		test.Fatalf("wallet %s not found", rawUserID)
	}
	return balance
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustReferenceID(test *testing.T, raw string) ReferenceID {
	test.Helper()
	value, err := NewReferenceID(raw)
	if err != nil {
		test.Fatalf("reference id: %v", err)
	}
	return value
}

func mustServiceID(test *testing.T, raw string) ServiceID {
	test.Helper()
	value, err := NewServiceID(raw)
	if err != nil {
		test.Fatalf("service id: %v", err)
	}
	return value
}

func pointsPtr(value Points) *Points {
	return &value
}
