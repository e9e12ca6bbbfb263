package referral

import (
	"context"
	"testing"

	"github.com/motorhub/pointsledger/pkg/points"
)

type stubStore struct {
	codes   map[string]ReferralCode
	links   map[string]Link
	flags   map[string]int64
	pending map[string]PendingBonus

	getCodeError    error
	insertCodeError error
	markClaimError  error
	getLinkError    error
	insertLinkError error
	flagError       error

	// Number of leading GetCodeByReferrer calls that report no code,
	// regardless of stored state. Models a lookup racing an insert.
	missReferrerLookups int

	// Number of leading HasCompletedFirstTransaction calls that report the
	// flag unset, regardless of stored state. Models events racing past
	// the flag read.
	missFlagLookups int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		codes:   make(map[string]ReferralCode),
		links:   make(map[string]Link),
		flags:   make(map[string]int64),
		pending: make(map[string]PendingBonus),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetCode(ctx context.Context, code Code) (ReferralCode, bool, error) {
	if store.getCodeError != nil {
		return ReferralCode{}, false, store.getCodeError
	}
	record, found := store.codes[code.String()]
	return record, found, nil
}

func (store *stubStore) GetCodeByReferrer(ctx context.Context, referrerID points.UserID) (ReferralCode, bool, error) {
	if store.missReferrerLookups > 0 {
		store.missReferrerLookups--
		return ReferralCode{}, false, nil
	}
	for _, record := range store.codes {
		if record.ReferrerID == referrerID.String() {
			return record, true, nil
		}
	}
	return ReferralCode{}, false, nil
}

func (store *stubStore) InsertCode(ctx context.Context, record ReferralCode) error {
	if store.insertCodeError != nil {
		return store.insertCodeError
	}
	if _, exists := store.codes[record.Code]; exists {
		return ErrDuplicateCode
	}
	for _, existing := range store.codes {
		if existing.ReferrerID == record.ReferrerID {
			return ErrDuplicateCode
		}
	}
	store.codes[record.Code] = record
	return nil
}

func (store *stubStore) MarkCodeClaimed(ctx context.Context, code Code, referredUserID points.UserID, claimedAtUnixUTC int64) error {
	if store.markClaimError != nil {
		return store.markClaimError
	}
	record, found := store.codes[code.String()]
	if !found || record.ClaimedByUserID != nil {
		return ErrClaimConflict
	}
	claimedBy := referredUserID.String()
	record.ClaimedByUserID = &claimedBy
	record.ClaimedAtUnixUTC = claimedAtUnixUTC
	store.codes[code.String()] = record
	return nil
}

func (store *stubStore) GetLink(ctx context.Context, referredUserID points.UserID) (Link, bool, error) {
	if store.getLinkError != nil {
		return Link{}, false, store.getLinkError
	}
	link, found := store.links[referredUserID.String()]
	return link, found, nil
}

func (store *stubStore) InsertLink(ctx context.Context, link Link) error {
	if store.insertLinkError != nil {
		return store.insertLinkError
	}
	if _, exists := store.links[link.ReferredUserID]; exists {
		return ErrAlreadyClaimed
	}
	store.links[link.ReferredUserID] = link
	return nil
}

func (store *stubStore) HasCompletedFirstTransaction(ctx context.Context, userID points.UserID) (bool, error) {
	if store.flagError != nil {
		return false, store.flagError
	}
	if store.missFlagLookups > 0 {
		store.missFlagLookups--
		return false, nil
	}
	_, found := store.flags[userID.String()]
	return found, nil
}

func (store *stubStore) SetFirstTransactionFlag(ctx context.Context, userID points.UserID, completedAtUnixUTC int64) error {
	if store.flagError != nil {
		return store.flagError
	}
	store.flags[userID.String()] = completedAtUnixUTC
	return nil
}

func (store *stubStore) EnqueuePendingBonus(ctx context.Context, event PendingBonus) error {
	store.pending[event.ReferredUserID] = event
	return nil
}

func (store *stubStore) ListPendingBonuses(ctx context.Context, limit int) ([]PendingBonus, error) {
	events := make([]PendingBonus, 0, len(store.pending))
	for _, event := range store.pending {
		if len(events) == limit {
			break
		}
		events = append(events, event)
	}
	return events, nil
}

func (store *stubStore) DeletePendingBonus(ctx context.Context, referredUserID points.UserID) error {
	delete(store.pending, referredUserID.String())
	return nil
}

// stubCrediter records credits and replays repeats of the same key the way
// the balance engine does.
type stubCrediter struct {
	credits     map[string]points.Points
	order       []string
	failOnCall  int
	callCount   int
	creditError error
}

func newStubCrediter(test *testing.T) *stubCrediter {
	test.Helper()
	return &stubCrediter{credits: make(map[string]points.Points)}
}

func (crediter *stubCrediter) Credit(ctx context.Context, userID points.UserID, amount points.Points, kind points.TransactionKind, referenceID points.ReferenceID) (points.Receipt, error) {
	crediter.callCount++
	if crediter.creditError != nil && (crediter.failOnCall == 0 || crediter.failOnCall == crediter.callCount) {
		return points.Receipt{}, crediter.creditError
	}
	key := userID.String() + "|" + kind.String() + "|" + referenceID.String()
	if existing, replayed := crediter.credits[key]; replayed {
		return points.Receipt{Amount: existing, Replayed: true}, nil
	}
	crediter.credits[key] = amount
	crediter.order = append(crediter.order, key)
	return points.Receipt{Amount: amount}, nil
}

func (crediter *stubCrediter) totalFor(rawUserID string) points.Points {
	var total points.Points
	for key, amount := range crediter.credits {
		if len(key) >= len(rawUserID) && key[:len(rawUserID)] == rawUserID && key[len(rawUserID)] == '|' {
			total += amount
		}
	}
	return total
}

func mustNewRegistry(test *testing.T, store Store) *Registry {
	test.Helper()
	registry, err := NewRegistry(store, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("new registry: %v", err)
	}
	return registry
}

func mustNewTrigger(test *testing.T, store Store, crediter Crediter) *Trigger {
	test.Helper()
	trigger, err := NewTrigger(store, crediter, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("new trigger: %v", err)
	}
	return trigger
}

func mustCode(test *testing.T, raw string) Code {
	test.Helper()
	code, err := NewCode(raw)
	if err != nil {
		test.Fatalf("code: %v", err)
	}
	return code
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
