package gormstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/motorhub/pointsledger/internal/store/gormstore"
	"github.com/motorhub/pointsledger/pkg/points"
	"github.com/motorhub/pointsledger/pkg/referral"
	"gorm.io/gorm"
)

func openTestDatabase(test *testing.T) *gorm.DB {
	test.Helper()
	database, err := gorm.Open(sqlite.Open(test.TempDir()+"/points.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	if err := database.AutoMigrate(gormstore.Models()...); err != nil {
		test.Fatalf("automigrate failed: %v", err)
	}
	return database
}

func mustUserID(test *testing.T, raw string) points.UserID {
	test.Helper()
	userID, err := points.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustReferenceID(test *testing.T, raw string) points.ReferenceID {
	test.Helper()
	referenceID, err := points.NewReferenceID(raw)
	if err != nil {
		test.Fatalf("reference id: %v", err)
	}
	return referenceID
}

func TestEnsureWalletCreatesOnce(test *testing.T) {
	test.Parallel()
	store := gormstore.New(openTestDatabase(test))
	userID := mustUserID(test, "wallet-user")

	first, err := store.EnsureWallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("first ensure: %v", err)
	}
	if first.Balance != 0 {
		test.Fatalf("expected fresh wallet at zero, got %d", first.Balance)
	}
	if err := store.UpdateWalletBalance(context.Background(), userID, 0, 75); err != nil {
		test.Fatalf("update: %v", err)
	}
	second, err := store.EnsureWallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("second ensure: %v", err)
	}
	if second.Balance != 75 {
		test.Fatalf("expected existing wallet with 75, got %d", second.Balance)
	}
}

func TestGetWalletMissingUser(test *testing.T) {
	test.Parallel()
	store := gormstore.New(openTestDatabase(test))

	_, found, err := store.GetWallet(context.Background(), mustUserID(test, "nobody"))
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if found {
		test.Fatal("expected missing wallet")
	}
}

func TestUpdateWalletBalanceDetectsStaleRead(test *testing.T) {
	test.Parallel()
	store := gormstore.New(openTestDatabase(test))
	userID := mustUserID(test, "racy-user")

	if _, err := store.EnsureWallet(context.Background(), userID); err != nil {
		test.Fatalf("ensure: %v", err)
	}
	if err := store.UpdateWalletBalance(context.Background(), userID, 0, 50); err != nil {
		test.Fatalf("first update: %v", err)
	}
	err := store.UpdateWalletBalance(context.Background(), userID, 0, 80)
	if !errors.Is(err, points.ErrBalanceConflict) {
		test.Fatalf("expected ErrBalanceConflict for stale balance, got %v", err)
	}
	wallet, _, err := store.GetWallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if wallet.Balance != 50 {
		test.Fatalf("expected balance 50 after rejected update, got %d", wallet.Balance)
	}
}

func TestInsertTransactionRejectsDuplicateReference(test *testing.T) {
	test.Parallel()
	store := gormstore.New(openTestDatabase(test))

	transaction := points.Transaction{
		UserID:         "dup-user",
		Kind:           points.KindEarn,
		Amount:         10,
		ReferenceID:    "ref-1",
		MetadataJSON:   "{}",
		CreatedUnixUTC: 100,
	}
	if err := store.InsertTransaction(context.Background(), transaction); err != nil {
		test.Fatalf("first insert: %v", err)
	}
	transaction.TransactionID = ""
	err := store.InsertTransaction(context.Background(), transaction)
	if !errors.Is(err, points.ErrDuplicateReference) {
		test.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
}

func TestFindAndListTransactions(test *testing.T) {
	test.Parallel()
	store := gormstore.New(openTestDatabase(test))
	userID := mustUserID(test, "history-user")

	for index, reference := range []string{"ref-a", "ref-b", "ref-c"} {
		transaction := points.Transaction{
			UserID:         userID.String(),
			Kind:           points.KindEarn,
			Amount:         10,
			ReferenceID:    reference,
			MetadataJSON:   "{}",
			CreatedUnixUTC: int64(100 + index),
		}
		if err := store.InsertTransaction(context.Background(), transaction); err != nil {
			test.Fatalf("insert %s: %v", reference, err)
		}
	}

	found, ok, err := store.FindTransaction(context.Background(), userID, points.KindEarn, mustReferenceID(test, "ref-b"))
	if err != nil {
		test.Fatalf("find: %v", err)
	}
	if !ok {
		test.Fatal("expected ref-b to be found")
	}
	if found.CreatedUnixUTC != 101 {
		test.Fatalf("expected ref-b created at 101, got %d", found.CreatedUnixUTC)
	}

	listed, err := store.ListTransactions(context.Background(), userID, 102, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(listed) != 2 {
		test.Fatalf("expected 2 transactions before cutoff, got %d", len(listed))
	}
	if listed[0].ReferenceID != "ref-b" || listed[1].ReferenceID != "ref-a" {
		test.Fatalf("expected newest first, got %s then %s", listed[0].ReferenceID, listed[1].ReferenceID)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := gormstore.New(openTestDatabase(test))
	userID := mustUserID(test, "tx-user")
	rollbackErr := errors.New("abort")

	err := store.WithTx(context.Background(), func(ctx context.Context, txStore points.Store) error {
		if _, ensureErr := txStore.EnsureWallet(ctx, userID); ensureErr != nil {
			return ensureErr
		}
		return rollbackErr
	})
	if !errors.Is(err, rollbackErr) {
		test.Fatalf("expected rollback error, got %v", err)
	}
	_, found, err := store.GetWallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if found {
		test.Fatal("expected wallet creation to roll back")
	}
}

func TestMarkCodeClaimedIsGuarded(test *testing.T) {
	test.Parallel()
	database := openTestDatabase(test)
	store := gormstore.NewReferral(database)
	code := mustNewCode(test, "GUARD123")

	record := referral.ReferralCode{Code: code.String(), ReferrerID: "referrer-1", CreatedUnixUTC: 100}
	if err := store.InsertCode(context.Background(), record); err != nil {
		test.Fatalf("insert code: %v", err)
	}
	if err := store.MarkCodeClaimed(context.Background(), code, mustUserID(test, "winner"), 101); err != nil {
		test.Fatalf("first claim: %v", err)
	}
	err := store.MarkCodeClaimed(context.Background(), code, mustUserID(test, "loser"), 102)
	if !errors.Is(err, referral.ErrClaimConflict) {
		test.Fatalf("expected ErrClaimConflict, got %v", err)
	}
	stored, found, err := store.GetCode(context.Background(), code)
	if err != nil {
		test.Fatalf("get code: %v", err)
	}
	if !found || stored.ClaimedByUserID == nil || *stored.ClaimedByUserID != "winner" {
		test.Fatalf("expected winner to keep the claim, got %+v", stored)
	}
}

func TestInsertCodeRejectsSecondCodePerReferrer(test *testing.T) {
	test.Parallel()
	store := gormstore.NewReferral(openTestDatabase(test))

	first := referral.ReferralCode{Code: "FIRST111", ReferrerID: "referrer-1", CreatedUnixUTC: 100}
	if err := store.InsertCode(context.Background(), first); err != nil {
		test.Fatalf("insert first: %v", err)
	}
	second := referral.ReferralCode{Code: "SECOND22", ReferrerID: "referrer-1", CreatedUnixUTC: 101}
	err := store.InsertCode(context.Background(), second)
	if !errors.Is(err, referral.ErrDuplicateCode) {
		test.Fatalf("expected ErrDuplicateCode, got %v", err)
	}
}

func TestInsertLinkCapsUserAtOneReferrer(test *testing.T) {
	test.Parallel()
	store := gormstore.NewReferral(openTestDatabase(test))

	link := referral.Link{ReferredUserID: "referred-1", ReferrerID: "referrer-1", CreatedUnixUTC: 100}
	if err := store.InsertLink(context.Background(), link); err != nil {
		test.Fatalf("insert link: %v", err)
	}
	link.ReferrerID = "referrer-2"
	err := store.InsertLink(context.Background(), link)
	if !errors.Is(err, referral.ErrAlreadyClaimed) {
		test.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestFirstTransactionFlagIsIdempotent(test *testing.T) {
	test.Parallel()
	store := gormstore.NewReferral(openTestDatabase(test))
	userID := mustUserID(test, "flagged-user")

	if err := store.SetFirstTransactionFlag(context.Background(), userID, 100); err != nil {
		test.Fatalf("first set: %v", err)
	}
	if err := store.SetFirstTransactionFlag(context.Background(), userID, 200); err != nil {
		test.Fatalf("second set: %v", err)
	}
	completed, err := store.HasCompletedFirstTransaction(context.Background(), userID)
	if err != nil {
		test.Fatalf("lookup: %v", err)
	}
	if !completed {
		test.Fatal("expected flag to be set")
	}
}

func TestPendingBonusQueueRoundtrip(test *testing.T) {
	test.Parallel()
	store := gormstore.NewReferral(openTestDatabase(test))
	userID := mustUserID(test, "queued-user")

	event := referral.PendingBonus{ReferredUserID: userID.String(), ReferenceID: "purchase-1", CreatedUnixUTC: 100}
	if err := store.EnqueuePendingBonus(context.Background(), event); err != nil {
		test.Fatalf("enqueue: %v", err)
	}
	if err := store.EnqueuePendingBonus(context.Background(), event); err != nil {
		test.Fatalf("second enqueue: %v", err)
	}
	pending, err := store.ListPendingBonuses(context.Background(), 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		test.Fatalf("expected one queued event, got %d", len(pending))
	}
	if err := store.DeletePendingBonus(context.Background(), userID); err != nil {
		test.Fatalf("delete: %v", err)
	}
	pending, err = store.ListPendingBonuses(context.Background(), 10)
	if err != nil {
		test.Fatalf("list after delete: %v", err)
	}
	if len(pending) != 0 {
		test.Fatalf("expected empty queue, got %d", len(pending))
	}
}

func mustNewCode(test *testing.T, raw string) referral.Code {
	test.Helper()
	code, err := referral.NewCode(raw)
	if err != nil {
		test.Fatalf("code: %v", err)
	}
	return code
}
