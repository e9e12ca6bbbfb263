package points

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RedeemToWallet debits points and pays out their cash-wallet equivalent.
// Replays on the same reference id return the original redemption without a
// second debit.
func (service *Service) RedeemToWallet(ctx context.Context, userID UserID, pointsToRedeem Points, referenceID ReferenceID) (Redemption, error) {
	if pointsToRedeem <= 0 {
		return Redemption{}, fmt.Errorf("%w: points to redeem must be positive", ErrInvalidAmount)
	}
	var redemption Redemption
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, found, err := transactionStore.FindTransaction(ctx, userID, KindRedeemToWallet, referenceID)
		if err != nil {
			return err
		}
		if found {
			redemption = Redemption{
				PointsRedeemed:   -existing.Amount,
				CashValue:        cashValue(-existing.Amount),
				RemainingBalance: existing.ResultingBalance,
				Replayed:         true,
			}
			return nil
		}
		balance, err := currentBalance(ctx, transactionStore, userID)
		if err != nil {
			return err
		}
		if pointsToRedeem > balance {
			return ErrInsufficientBalance
		}
		newBalance := balance - pointsToRedeem
		if err := transactionStore.UpdateWalletBalance(ctx, userID, balance, newBalance); err != nil {
			return err
		}
		redemption = Redemption{
			PointsRedeemed:   pointsToRedeem,
			CashValue:        cashValue(pointsToRedeem),
			RemainingBalance: newBalance,
		}
		transaction := Transaction{
			TransactionID:    uuid.NewString(),
			UserID:           userID.String(),
			Kind:             KindRedeemToWallet,
			Amount:           -pointsToRedeem,
			ResultingBalance: newBalance,
			ReferenceID:      referenceID.String(),
			MetadataJSON: marshalMetadata(map[string]any{
				"cash_value": redemption.CashValue.String(),
			}),
			CreatedUnixUTC: service.nowFn(),
		}
		return transactionStore.InsertTransaction(ctx, transaction)
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationRedeemToWallet,
		UserID:      userID,
		Amount:      -pointsToRedeem,
		ReferenceID: referenceID,
		Status:      replayStatus(redemption.Replayed),
		Error:       operationError,
	})
	if operationError != nil {
		return Redemption{}, operationError
	}
	return redemption, nil
}

// PurchaseService debits the fixed catalog cost of a marketplace service.
func (service *Service) PurchaseService(ctx context.Context, userID UserID, serviceID ServiceID, referenceID ReferenceID) (ServiceReceipt, error) {
	cost, found := ServiceCost(serviceID)
	if !found {
		return ServiceReceipt{}, fmt.Errorf("%w: %q", ErrUnknownService, serviceID.String())
	}
	var receipt ServiceReceipt
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, replayed, err := transactionStore.FindTransaction(ctx, userID, KindServicePurchase, referenceID)
		if err != nil {
			return err
		}
		if replayed {
			receipt = ServiceReceipt{
				ServiceID:        serviceID.String(),
				PointsSpent:      -existing.Amount,
				RemainingBalance: existing.ResultingBalance,
				Replayed:         true,
			}
			return nil
		}
		balance, err := currentBalance(ctx, transactionStore, userID)
		if err != nil {
			return err
		}
		if cost > balance {
			return ErrInsufficientBalance
		}
		newBalance := balance - cost
		if err := transactionStore.UpdateWalletBalance(ctx, userID, balance, newBalance); err != nil {
			return err
		}
		receipt = ServiceReceipt{
			ServiceID:        serviceID.String(),
			PointsSpent:      cost,
			RemainingBalance: newBalance,
		}
		transaction := Transaction{
			TransactionID:    uuid.NewString(),
			UserID:           userID.String(),
			Kind:             KindServicePurchase,
			Amount:           -cost,
			ResultingBalance: newBalance,
			ReferenceID:      referenceID.String(),
			MetadataJSON: marshalMetadata(map[string]any{
				"service_id": serviceID.String(),
			}),
			CreatedUnixUTC: service.nowFn(),
		}
		return transactionStore.InsertTransaction(ctx, transaction)
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationPurchaseService,
		UserID:      userID,
		Amount:      -cost,
		ReferenceID: referenceID,
		Status:      replayStatus(receipt.Replayed),
		Error:       operationError,
	})
	if operationError != nil {
		return ServiceReceipt{}, operationError
	}
	return receipt, nil
}

// Credit appends a positive entry to the ledger. It is the entry point the
// bonus trigger uses; idempotent on (user, kind, reference).
func (service *Service) Credit(ctx context.Context, userID UserID, amount Points, kind TransactionKind, referenceID ReferenceID) (Receipt, error) {
	if amount <= 0 {
		return Receipt{}, fmt.Errorf("%w: credit amount must be positive", ErrInvalidAmount)
	}
	if _, err := ParseTransactionKind(kind.String()); err != nil {
		return Receipt{}, err
	}
	var receipt Receipt
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, replayed, err := transactionStore.FindTransaction(ctx, userID, kind, referenceID)
		if err != nil {
			return err
		}
		if replayed {
			receipt = Receipt{
				TransactionID:    existing.TransactionID,
				Amount:           existing.Amount,
				RemainingBalance: existing.ResultingBalance,
				Replayed:         true,
			}
			return nil
		}
		wallet, err := transactionStore.EnsureWallet(ctx, userID)
		if err != nil {
			return err
		}
		newBalance := wallet.Balance + amount
		if err := transactionStore.UpdateWalletBalance(ctx, userID, wallet.Balance, newBalance); err != nil {
			return err
		}
		transaction := Transaction{
			TransactionID:    uuid.NewString(),
			UserID:           userID.String(),
			Kind:             kind,
			Amount:           amount,
			ResultingBalance: newBalance,
			ReferenceID:      referenceID.String(),
			MetadataJSON:     "{}",
			CreatedUnixUTC:   service.nowFn(),
		}
		if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		receipt = Receipt{
			TransactionID:    transaction.TransactionID,
			Amount:           amount,
			RemainingBalance: newBalance,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationCredit,
		UserID:      userID,
		Amount:      amount,
		ReferenceID: referenceID,
		Status:      replayStatus(receipt.Replayed),
		Error:       operationError,
	})
	if operationError != nil {
		return Receipt{}, operationError
	}
	return receipt, nil
}

// ListTransactions lists ledger transactions for a user before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, userID, beforeUnixUTC, limit)
}

func currentBalance(ctx context.Context, store Store, userID UserID) (Points, error) {
	wallet, found, err := store.GetWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return wallet.Balance, nil
}

func cashValue(pointsRedeemed Points) decimal.Decimal {
	return decimal.NewFromInt(pointsRedeemed.Int64()).Mul(redeemCashRate())
}
