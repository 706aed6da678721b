package credits

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// stubStore is an in-memory Store. WithTx serializes whole transaction bodies
// with txMu, which stands in for the account row lock; there is no rollback, so
// tests that depend on rollback semantics live in the database-backed suites.
type stubStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	accounts     map[string]Account
	transactions []Transaction
	holds        map[string]Hold
	idempotency  map[string]IdempotencyRecord
	txSeq        int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:    make(map[string]Account),
		holds:       make(map[string]Hold),
		idempotency: make(map[string]IdempotencyRecord),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMu.Lock()
	defer store.txMu.Unlock()
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, orgID OrgID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[orgID.String()]
	if !ok {
		account = Account{OrgID: orgID.String(), Currency: "USD"}
		store.accounts[orgID.String()] = account
	}
	return account, nil
}

func (store *stubStore) GetAccount(ctx context.Context, orgID OrgID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[orgID.String()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) AddToBalance(ctx context.Context, orgID OrgID, delta AmountCents, atUnixUTC int64) (AmountCents, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[orgID.String()]
	if !ok {
		return 0, ErrAccountNotFound
	}
	updated := account.BalanceCents + delta
	if updated < 0 {
		return 0, ErrInvalidBalance
	}
	account.BalanceCents = updated
	account.UpdatedUnixUTC = atUnixUTC
	store.accounts[orgID.String()] = account
	return updated, nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.txSeq++
	transaction.TransactionID = fmt.Sprintf("txn-%d", store.txSeq)
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) FindTransactionByProviderRef(ctx context.Context, orgID OrgID, provider string, providerRef string) (Transaction, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, transaction := range store.transactions {
		if transaction.OrgID == orgID.String() && transaction.Provider == provider && transaction.ProviderRef == providerRef {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, orgID OrgID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var matched []Transaction
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if transaction.OrgID != orgID.String() {
			continue
		}
		if beforeUnixUTC > 0 && transaction.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		matched = append(matched, transaction)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (store *stubStore) CreateHold(ctx context.Context, hold Hold) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.holds[hold.ApprovalID]; exists {
		return ErrDuplicateApproval
	}
	store.holds[hold.ApprovalID] = hold
	return nil
}

func (store *stubStore) GetHold(ctx context.Context, approvalID ApprovalID) (Hold, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	hold, ok := store.holds[approvalID.String()]
	if !ok {
		return Hold{}, ErrHoldNotFound
	}
	return hold, nil
}

func (store *stubStore) UpdateHoldStatus(ctx context.Context, approvalID ApprovalID, from HoldStatus, to HoldStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	hold, ok := store.holds[approvalID.String()]
	if !ok || hold.Status != from {
		return ErrHoldInvalid
	}
	hold.Status = to
	store.holds[approvalID.String()] = hold
	return nil
}

func (store *stubStore) ListExpiredHolds(ctx context.Context, nowUnixUTC int64, limit int) ([]Hold, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var expired []Hold
	for _, hold := range store.holds {
		if hold.Status != HoldStatusActive || !hold.Expired(nowUnixUTC) {
			continue
		}
		expired = append(expired, hold)
		if limit > 0 && len(expired) == limit {
			break
		}
	}
	return expired, nil
}

func (store *stubStore) GetIdempotencyRecord(ctx context.Context, key IdempotencyKey, method string) (IdempotencyRecord, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.idempotency[idempotencyMapKey(key.String(), method)]
	return record, ok, nil
}

func (store *stubStore) InsertIdempotencyRecord(ctx context.Context, record IdempotencyRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	mapKey := idempotencyMapKey(record.Key, record.Method)
	if _, exists := store.idempotency[mapKey]; exists {
		return ErrDuplicateIdempotencyKey
	}
	store.idempotency[mapKey] = record
	return nil
}

func (store *stubStore) UpdateIdempotencyRecord(ctx context.Context, record IdempotencyRecord) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.idempotency[idempotencyMapKey(record.Key, record.Method)] = record
	return nil
}

func (store *stubStore) DeleteIdempotencyRecord(ctx context.Context, key IdempotencyKey, method string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.idempotency, idempotencyMapKey(key.String(), method))
	return nil
}

func (store *stubStore) PurgeIdempotencyRecords(ctx context.Context, nowUnixUTC int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var purged int64
	for mapKey, record := range store.idempotency {
		if record.Expired(nowUnixUTC) {
			delete(store.idempotency, mapKey)
			purged++
		}
	}
	return purged, nil
}

func idempotencyMapKey(key string, method string) string {
	return key + "\x00" + method
}

func (store *stubStore) mustHold(test *testing.T, approvalID string) Hold {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	hold, ok := store.holds[approvalID]
	if !ok {
		test.Fatalf("hold %s not found", approvalID)
	}
	return hold
}

func (store *stubStore) balanceOf(test *testing.T, orgID string) int64 {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.accounts[orgID].BalanceCents.Int64()
}

func (store *stubStore) transactionSum(test *testing.T, orgID string) int64 {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	var sum int64
	for _, transaction := range store.transactions {
		if transaction.OrgID == orgID {
			sum += transaction.AmountCents.Int64()
		}
	}
	return sum
}

func mustNewService(test *testing.T, store Store, nowUnixUTC int64) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return nowUnixUTC })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustOrgID(test *testing.T, raw string) OrgID {
	test.Helper()
	value, err := NewOrgID(raw)
	if err != nil {
		test.Fatalf("org id: %v", err)
	}
	return value
}

func mustApprovalID(test *testing.T, raw string) ApprovalID {
	test.Helper()
	value, err := NewApprovalID(raw)
	if err != nil {
		test.Fatalf("approval id: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountCents {
	test.Helper()
	value, err := NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}
