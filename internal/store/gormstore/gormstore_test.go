package gormstore

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ArclightLabs/paymaster/pkg/credits"
)

const storeTestNow = int64(1_700_000_000)

func mustOpenStore(test *testing.T) *Store {
	test.Helper()
	path := filepath.Join(test.TempDir(), "credits.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func mustOrgID(test *testing.T, raw string) credits.OrgID {
	test.Helper()
	orgID, err := credits.NewOrgID(raw)
	if err != nil {
		test.Fatalf("org id: %v", err)
	}
	return orgID
}

func mustApprovalID(test *testing.T, raw string) credits.ApprovalID {
	test.Helper()
	approvalID, err := credits.NewApprovalID(raw)
	if err != nil {
		test.Fatalf("approval id: %v", err)
	}
	return approvalID
}

func mustAmount(test *testing.T, raw int64) credits.PositiveAmountCents {
	test.Helper()
	amount, err := credits.NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return amount
}

func TestGetOrCreateAccountIsIdempotent(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	orgID := mustOrgID(test, "org-acct")

	created, err := store.GetOrCreateAccount(context.Background(), orgID)
	if err != nil {
		test.Fatalf("create account: %v", err)
	}
	if created.BalanceCents != 0 || created.Currency != "USD" {
		test.Fatalf("unexpected new account %+v", created)
	}
	if _, err := store.AddToBalance(context.Background(), orgID, 500, storeTestNow); err != nil {
		test.Fatalf("add balance: %v", err)
	}
	again, err := store.GetOrCreateAccount(context.Background(), orgID)
	if err != nil {
		test.Fatalf("re-read account: %v", err)
	}
	if again.BalanceCents != 500 {
		test.Fatalf("expected existing row, got balance %d", again.BalanceCents)
	}
}

func TestGetAccountMissing(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)

	_, err := store.GetAccount(context.Background(), mustOrgID(test, "org-missing"))
	if !errors.Is(err, credits.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAddToBalanceRejectsOverdraft(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	orgID := mustOrgID(test, "org-overdraft")
	if _, err := store.GetOrCreateAccount(context.Background(), orgID); err != nil {
		test.Fatalf("create account: %v", err)
	}

	_, err := store.AddToBalance(context.Background(), orgID, -100, storeTestNow)
	if !errors.Is(err, credits.ErrInvalidBalance) {
		test.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
	_, err = store.AddToBalance(context.Background(), mustOrgID(test, "org-nobody"), 100, storeTestNow)
	if !errors.Is(err, credits.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestInsertTransactionAssignsIDAndFindsByProviderRef(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	orgID := mustOrgID(test, "org-txn")

	inserted, err := store.InsertTransaction(context.Background(), credits.Transaction{
		OrgID:          orgID.String(),
		Type:           credits.TransactionIssue,
		AmountCents:    1_000,
		Provider:       "stripe",
		ProviderRef:    "evt_42",
		Reason:         "topup",
		MetadataJSON:   `{"invoice":"inv-42"}`,
		CreatedUnixUTC: storeTestNow,
	})
	if err != nil {
		test.Fatalf("insert transaction: %v", err)
	}
	if inserted.TransactionID == "" {
		test.Fatal("expected a generated transaction id")
	}

	found, ok, err := store.FindTransactionByProviderRef(context.Background(), orgID, "stripe", "evt_42")
	if err != nil {
		test.Fatalf("find by provider ref: %v", err)
	}
	if !ok || found.TransactionID != inserted.TransactionID {
		test.Fatalf("expected the inserted transaction, got ok=%v %+v", ok, found)
	}
	if _, ok, err := store.FindTransactionByProviderRef(context.Background(), orgID, "stripe", "evt_other"); err != nil || ok {
		test.Fatalf("expected no match (ok=%v err=%v)", ok, err)
	}

	_, err = store.InsertTransaction(context.Background(), credits.Transaction{
		OrgID:          orgID.String(),
		Type:           credits.TransactionIssue,
		AmountCents:    1_000,
		Provider:       "stripe",
		ProviderRef:    "evt_42",
		Reason:         "topup",
		CreatedUnixUTC: storeTestNow + 1,
	})
	if err == nil {
		test.Fatal("expected unique violation for a repeated provider ref")
	}
}

func TestListTransactionsOrdersNewestFirst(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	orgID := mustOrgID(test, "org-list")
	for offset := int64(0); offset < 3; offset++ {
		if _, err := store.InsertTransaction(context.Background(), credits.Transaction{
			OrgID:          orgID.String(),
			Type:           credits.TransactionIssue,
			AmountCents:    credits.AmountCents(100 + offset),
			Reason:         "topup",
			CreatedUnixUTC: storeTestNow + offset,
		}); err != nil {
			test.Fatalf("insert transaction: %v", err)
		}
	}

	transactions, err := store.ListTransactions(context.Background(), orgID, 0, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(transactions) != 2 {
		test.Fatalf("expected 2 transactions, got %d", len(transactions))
	}
	if transactions[0].AmountCents != 102 || transactions[1].AmountCents != 101 {
		test.Fatalf("unexpected order: %d then %d", transactions[0].AmountCents, transactions[1].AmountCents)
	}

	older, err := store.ListTransactions(context.Background(), orgID, storeTestNow+1, 10)
	if err != nil {
		test.Fatalf("list before cutoff: %v", err)
	}
	if len(older) != 1 || older[0].AmountCents != 100 {
		test.Fatalf("expected only the oldest transaction, got %+v", older)
	}
}

func TestHoldLifecycle(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	approvalID := mustApprovalID(test, "appr-db")
	hold := credits.Hold{
		ApprovalID:       approvalID.String(),
		OrgID:            "org-hold",
		AmountCents:      mustAmount(test, 500),
		Status:           credits.HoldStatusActive,
		ExpiresAtUnixUTC: storeTestNow + 300,
	}

	if err := store.CreateHold(context.Background(), hold); err != nil {
		test.Fatalf("create hold: %v", err)
	}
	if err := store.CreateHold(context.Background(), hold); !errors.Is(err, credits.ErrDuplicateApproval) {
		test.Fatalf("expected ErrDuplicateApproval, got %v", err)
	}

	stored, err := store.GetHold(context.Background(), approvalID)
	if err != nil {
		test.Fatalf("get hold: %v", err)
	}
	if stored.Status != credits.HoldStatusActive || stored.ExpiresAtUnixUTC != storeTestNow+300 {
		test.Fatalf("unexpected hold %+v", stored)
	}

	if err := store.UpdateHoldStatus(context.Background(), approvalID, credits.HoldStatusActive, credits.HoldStatusCaptured); err != nil {
		test.Fatalf("capture hold: %v", err)
	}
	err = store.UpdateHoldStatus(context.Background(), approvalID, credits.HoldStatusActive, credits.HoldStatusReleased)
	if !errors.Is(err, credits.ErrHoldInvalid) {
		test.Fatalf("losing the status swap must fail, got %v", err)
	}

	if _, err := store.GetHold(context.Background(), mustApprovalID(test, "appr-none")); !errors.Is(err, credits.ErrHoldNotFound) {
		test.Fatalf("expected ErrHoldNotFound, got %v", err)
	}
}

func TestListExpiredHolds(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	holds := []credits.Hold{
		{ApprovalID: "appr-past", OrgID: "org-exp", AmountCents: mustAmount(test, 100), Status: credits.HoldStatusActive, ExpiresAtUnixUTC: storeTestNow - 10},
		{ApprovalID: "appr-future", OrgID: "org-exp", AmountCents: mustAmount(test, 100), Status: credits.HoldStatusActive, ExpiresAtUnixUTC: storeTestNow + 600},
		{ApprovalID: "appr-forever", OrgID: "org-exp", AmountCents: mustAmount(test, 100), Status: credits.HoldStatusActive},
		{ApprovalID: "appr-done", OrgID: "org-exp", AmountCents: mustAmount(test, 100), Status: credits.HoldStatusCaptured, ExpiresAtUnixUTC: storeTestNow - 10},
	}
	for _, hold := range holds {
		if err := store.CreateHold(context.Background(), hold); err != nil {
			test.Fatalf("create hold %s: %v", hold.ApprovalID, err)
		}
	}

	expired, err := store.ListExpiredHolds(context.Background(), storeTestNow, 10)
	if err != nil {
		test.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ApprovalID != "appr-past" {
		test.Fatalf("expected only appr-past, got %+v", expired)
	}
}

func TestIdempotencyRecordLifecycle(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	key, err := credits.NewIdempotencyKey("key-db")
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	record := credits.IdempotencyRecord{
		Key:              key.String(),
		Method:           "credits.topup",
		OrgID:            "org-idem",
		ExpiresAtUnixUTC: storeTestNow + 60,
		CreatedUnixUTC:   storeTestNow,
	}

	if err := store.InsertIdempotencyRecord(context.Background(), record); err != nil {
		test.Fatalf("insert record: %v", err)
	}
	if err := store.InsertIdempotencyRecord(context.Background(), record); !errors.Is(err, credits.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}

	record.StatusCode = 200
	record.ResponseJSON = []byte(`{"ok":true}`)
	if err := store.UpdateIdempotencyRecord(context.Background(), record); err != nil {
		test.Fatalf("update record: %v", err)
	}
	stored, found, err := store.GetIdempotencyRecord(context.Background(), key, "credits.topup")
	if err != nil || !found {
		test.Fatalf("get record (found=%v): %v", found, err)
	}
	if stored.StatusCode != 200 || string(stored.ResponseJSON) != `{"ok":true}` {
		test.Fatalf("unexpected stored record %+v", stored)
	}
	if _, found, err := store.GetIdempotencyRecord(context.Background(), key, "credits.settle"); err != nil || found {
		test.Fatalf("method must scope the key (found=%v err=%v)", found, err)
	}

	purged, err := store.PurgeIdempotencyRecords(context.Background(), storeTestNow+120)
	if err != nil {
		test.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		test.Fatalf("expected 1 purged record, got %d", purged)
	}
	if err := store.DeleteIdempotencyRecord(context.Background(), key, "credits.topup"); err != nil {
		test.Fatalf("delete after purge must be a no-op: %v", err)
	}
}

func TestWithTxRollsBackFailedPreauth(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	service, err := credits.NewService(store, func() int64 { return storeTestNow })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	orgID := mustOrgID(test, "org-rollback")
	approvalID := mustApprovalID(test, "appr-rollback")

	_, err = service.Preauth(context.Background(), orgID, approvalID, mustAmount(test, 500), 0)
	if !errors.Is(err, credits.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	// The hold insert preceded the balance check inside the transaction; the
	// rollback must remove it so a funded retry can reuse the approval id.
	if _, err := store.GetHold(context.Background(), approvalID); !errors.Is(err, credits.ErrHoldNotFound) {
		test.Fatalf("expected rolled-back hold, got %v", err)
	}

	if _, err := service.TopUp(context.Background(), orgID, mustAmount(test, 1_000), "", "", credits.MetadataJSON{}); err != nil {
		test.Fatalf("topup: %v", err)
	}
	if _, err := service.Preauth(context.Background(), orgID, approvalID, mustAmount(test, 500), 0); err != nil {
		test.Fatalf("funded retry: %v", err)
	}
}

func TestServiceScenarioOnDatabase(test *testing.T) {
	test.Parallel()
	store := mustOpenStore(test)
	service, err := credits.NewService(store, func() int64 { return storeTestNow })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	orgID := mustOrgID(test, "org-scenario")
	approvalID := mustApprovalID(test, "appr-scenario")

	if _, err := service.TopUp(context.Background(), orgID, mustAmount(test, 10_000), "stripe", "evt_s1", credits.MetadataJSON{}); err != nil {
		test.Fatalf("topup: %v", err)
	}
	if _, err := service.Preauth(context.Background(), orgID, approvalID, mustAmount(test, 5_000), storeTestNow+600); err != nil {
		test.Fatalf("preauth: %v", err)
	}
	result, err := service.Settle(context.Background(), approvalID, "0xscenario", 21_000, big.NewInt(20_000_000_000), 180_000)
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	if result.DebitedCents != 75 || result.NewBalanceCents != 9_925 {
		test.Fatalf("unexpected settle result %+v", result)
	}

	account, err := service.Balance(context.Background(), orgID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if account.BalanceCents != 9_925 {
		test.Fatalf("expected balance 9925, got %d", account.BalanceCents)
	}

	transactions, err := service.History(context.Background(), orgID, 0, 50)
	if err != nil {
		test.Fatalf("history: %v", err)
	}
	var sum int64
	for _, transaction := range transactions {
		sum += transaction.AmountCents.Int64()
	}
	if sum != account.BalanceCents.Int64() {
		test.Fatalf("ledger sum %d does not reconcile with balance %d", sum, account.BalanceCents)
	}
}
