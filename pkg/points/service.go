package points

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service contains the balance-engine domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the wallet balance, zero for an unknown user. The lookup
// never creates a wallet as a side effect.
func (service *Service) Balance(ctx context.Context, userID UserID) (Points, error) {
	wallet, found, err := service.store.GetWallet(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return wallet.Balance, nil
}

// Wallet returns the stored wallet record when one exists.
func (service *Service) Wallet(ctx context.Context, userID UserID) (Wallet, bool, error) {
	return service.store.GetWallet(ctx, userID)
}

// QuotePurchase computes how many points a purchase can absorb and the
// discounted price. It commits nothing; CommitPurchase records the spend
// once the caller confirms.
func (service *Service) QuotePurchase(ctx context.Context, userID UserID, price decimal.Decimal, maxPointsToUse *Points) (Quote, error) {
	if err := validatePurchaseInput(price, maxPointsToUse); err != nil {
		return Quote{}, err
	}
	balance, err := service.Balance(ctx, userID)
	if err != nil {
		return Quote{}, err
	}
	pointsUsed := discountPoints(balance, price, maxPointsToUse)
	return buildQuote(price, pointsUsed, balance-pointsUsed), nil
}

// CommitPurchase recomputes the quote under the wallet transaction, debits
// the points used, and records a spend_on_purchase transaction keyed by the
// purchase id. Replaying the same purchase id returns the originally
// committed quote without a second debit.
func (service *Service) CommitPurchase(ctx context.Context, userID UserID, price decimal.Decimal, maxPointsToUse *Points, purchaseID ReferenceID) (Quote, error) {
	if err := validatePurchaseInput(price, maxPointsToUse); err != nil {
		return Quote{}, err
	}
	var quote Quote
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, found, err := transactionStore.FindTransaction(ctx, userID, KindSpendOnPurchase, purchaseID)
		if err != nil {
			return err
		}
		if found {
			replayed, replayErr := replayedQuote(existing)
			if replayErr != nil {
				return replayErr
			}
			quote = replayed
			return nil
		}
		wallet, err := transactionStore.EnsureWallet(ctx, userID)
		if err != nil {
			return err
		}
		pointsUsed := discountPoints(wallet.Balance, price, maxPointsToUse)
		newBalance := wallet.Balance - pointsUsed
		if pointsUsed > 0 {
			if err := transactionStore.UpdateWalletBalance(ctx, userID, wallet.Balance, newBalance); err != nil {
				return err
			}
		}
		quote = buildQuote(price, pointsUsed, newBalance)
		transaction := Transaction{
			TransactionID:    uuid.NewString(),
			UserID:           userID.String(),
			Kind:             KindSpendOnPurchase,
			Amount:           -pointsUsed,
			ResultingBalance: newBalance,
			ReferenceID:      purchaseID.String(),
			MetadataJSON: marshalMetadata(map[string]any{
				"price":       price.String(),
				"final_price": quote.FinalPrice.String(),
			}),
			CreatedUnixUTC: service.nowFn(),
		}
		return transactionStore.InsertTransaction(ctx, transaction)
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationCommitPurchase,
		UserID:      userID,
		Amount:      -quote.PointsUsed,
		ReferenceID: purchaseID,
		Status:      replayStatus(quote.Replayed),
		Error:       operationError,
	})
	if operationError != nil {
		return Quote{}, operationError
	}
	return quote, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validatePurchaseInput(price decimal.Decimal, maxPointsToUse *Points) error {
	if price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidAmount)
	}
	if maxPointsToUse != nil && *maxPointsToUse < 0 {
		return fmt.Errorf("%w: max points to use must not be negative", ErrInvalidAmount)
	}
	return nil
}

// discountPoints caps the spend at the caller's limit, the wallet balance,
// and the number of whole points the price can absorb.
func discountPoints(balance Points, price decimal.Decimal, maxPointsToUse *Points) Points {
	pointsUsed := balance
	if maxPointsToUse != nil && *maxPointsToUse < pointsUsed {
		pointsUsed = *maxPointsToUse
	}
	priceCap := Points(price.Div(purchaseRate()).Floor().IntPart())
	if priceCap < pointsUsed {
		pointsUsed = priceCap
	}
	if pointsUsed < 0 {
		pointsUsed = 0
	}
	return pointsUsed
}

func buildQuote(price decimal.Decimal, pointsUsed Points, remainingBalance Points) Quote {
	finalPrice := price.Sub(purchaseRate().Mul(decimal.NewFromInt(pointsUsed.Int64())))
	if finalPrice.IsNegative() {
		finalPrice = decimal.Zero
	}
	return Quote{
		FinalPrice:       finalPrice,
		PointsUsed:       pointsUsed,
		RemainingBalance: remainingBalance,
	}
}

// replayedQuote rebuilds the quote from the stored transaction so a replay
// reports the price that was actually charged, not the caller's current
// payload.
func replayedQuote(transaction Transaction) (Quote, error) {
	var metadata struct {
		FinalPrice string `json:"final_price"`
	}
	if err := json.Unmarshal([]byte(transaction.MetadataJSON), &metadata); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	finalPrice, err := decimal.NewFromString(metadata.FinalPrice)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: final_price: %v", ErrInvalidMetadataJSON, err)
	}
	return Quote{
		FinalPrice:       finalPrice,
		PointsUsed:       -transaction.Amount,
		RemainingBalance: transaction.ResultingBalance,
		Replayed:         true,
	}, nil
}

func replayStatus(replayed bool) string {
	if replayed {
		return operationStatusReplayed
	}
	return ""
}
