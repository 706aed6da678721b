package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/ArclightLabs/paymaster/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintHoldPrimary        = "credit_holds_pkey"
	constraintIdempotencyPrimary = "idempotency_keys_pkey"
	constraintProviderRef        = "uniq_credit_transactions_provider_ref"
	defaultMetadataJSON          = "{}"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	dialectPostgres              = "postgres"
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectTransaction      = "transaction"
	errorSubjectHold             = "hold"
	errorSubjectIdempotency      = "idempotency"
	errorCodeCreate              = "create"
	errorCodeDelete              = "delete"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLookup              = "lookup"
	errorCodePurge               = "purge"
	errorCodeUpdate              = "update"
	errorCodeUpdateStatus        = "update_status"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateAccount returns the account row locked for update, creating a
// zero-balance row on first use. The row lock is the per-organization
// serialization point; sqlite serializes writers at the database level instead.
func (store *Store) GetOrCreateAccount(ctx context.Context, orgID credits.OrgID) (credits.Account, error) {
	var model CreditAccount
	err := store.db.WithContext(ctx).
		Clauses(store.rowLock()...).
		Where("org_id = ?", orgID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		created := CreditAccount{OrgID: orgID.String(), BalanceCents: 0, Currency: "USD"}
		if createErr := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&created).Error; createErr != nil {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, createErr)
		}
		err = store.db.WithContext(ctx).
			Clauses(store.rowLock()...).
			Where("org_id = ?", orgID.String()).
			Take(&model).Error
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(model), nil
}

// GetAccount returns the account row without creating or locking it.
func (store *Store) GetAccount(ctx context.Context, orgID credits.OrgID) (credits.Account, error) {
	var model CreditAccount
	err := store.db.WithContext(ctx).
		Where("org_id = ?", orgID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model), nil
}

// AddToBalance applies a signed delta to the account balance and returns the
// new balance. Callers hold the account row lock via GetOrCreateAccount.
func (store *Store) AddToBalance(ctx context.Context, orgID credits.OrgID, delta credits.AmountCents, atUnixUTC int64) (credits.AmountCents, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("org_id = ?", orgID.String()).
		Updates(map[string]interface{}{
			"balance_cents": gorm.Expr("balance_cents + ?", delta.Int64()),
			"updated_at":    time.Unix(atUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrAccountNotFound)
	}
	var model CreditAccount
	if err := store.db.WithContext(ctx).Where("org_id = ?", orgID.String()).Take(&model).Error; err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	if model.BalanceCents < 0 {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeInvalid, credits.ErrInvalidBalance)
	}
	return credits.AmountCents(model.BalanceCents), nil
}

// InsertTransaction appends one immutable ledger line.
func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) (credits.Transaction, error) {
	model := CreditTransaction{
		TransactionID: transaction.TransactionID,
		OrgID:         transaction.OrgID,
		Type:          transaction.Type.String(),
		AmountCents:   transaction.AmountCents.Int64(),
		Provider:      optionalString(transaction.Provider),
		ProviderRef:   optionalString(transaction.ProviderRef),
		Reason:        transaction.Reason,
		RefID:         transaction.RefID,
		Metadata:      datatypesJSON(transaction.MetadataJSON),
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintProviderRef) {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, err)
	}
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	mapped, err := mapTransaction(model)
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return mapped, nil
}

// FindTransactionByProviderRef looks up an issue transaction by its external
// payment-rail reference for webhook-redelivery dedupe.
func (store *Store) FindTransactionByProviderRef(ctx context.Context, orgID credits.OrgID, provider string, providerRef string) (credits.Transaction, bool, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("org_id = ? AND provider = ? AND provider_ref = ?", orgID.String(), provider, providerRef).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Transaction{}, false, nil
	}
	if err != nil {
		return credits.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	mapped, err := mapTransaction(model)
	if err != nil {
		return credits.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return mapped, true, nil
}

// ListTransactions lists ledger lines for an organization before a cutoff,
// newest first.
func (store *Store) ListTransactions(ctx context.Context, orgID credits.OrgID, beforeUnixUTC int64, limit int) ([]credits.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("org_id = ? AND created_at < ?", orgID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// CreateHold inserts an active hold; the primary key rejects a replayed
// approval id.
func (store *Store) CreateHold(ctx context.Context, hold credits.Hold) error {
	model := CreditHold{
		ApprovalID:  hold.ApprovalID,
		OrgID:       hold.OrgID,
		AmountCents: hold.AmountCents.Int64(),
		Status:      hold.Status.String(),
		ExpiresAt:   unixToTime(hold.ExpiresAtUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintHoldPrimary) {
		return wrapStoreError(errorSubjectHold, errorCodeDuplicate, credits.ErrDuplicateApproval)
	}
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	return nil
}

// GetHold returns the hold row locked for update.
func (store *Store) GetHold(ctx context.Context, approvalID credits.ApprovalID) (credits.Hold, error) {
	var model CreditHold
	err := store.db.WithContext(ctx).
		Clauses(store.rowLock()...).
		Where("approval_id = ?", approvalID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, credits.ErrHoldNotFound)
	}
	if err != nil {
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	mapped, err := mapHold(model)
	if err != nil {
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	return mapped, nil
}

// UpdateHoldStatus moves a hold between states with a compare-and-swap on the
// current status; losing the swap means another call finalized the hold first.
func (store *Store) UpdateHoldStatus(ctx context.Context, approvalID credits.ApprovalID, from credits.HoldStatus, to credits.HoldStatus) error {
	result := store.db.WithContext(ctx).
		Model(&CreditHold{}).
		Where("approval_id = ? AND status = ?", approvalID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, credits.ErrHoldInvalid)
	}
	return nil
}

// ListExpiredHolds returns active holds whose expiry has passed.
func (store *Store) ListExpiredHolds(ctx context.Context, nowUnixUTC int64, limit int) ([]credits.Hold, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	var rows []CreditHold
	err := store.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", credits.HoldStatusActive.String(), now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	holds := make([]credits.Hold, 0, len(rows))
	for _, row := range rows {
		hold, err := mapHold(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
		}
		holds = append(holds, hold)
	}
	return holds, nil
}

// GetIdempotencyRecord looks up a stored response by key and method.
func (store *Store) GetIdempotencyRecord(ctx context.Context, key credits.IdempotencyKey, method string) (credits.IdempotencyRecord, bool, error) {
	var model IdempotencyKey
	err := store.db.WithContext(ctx).
		Where("key = ? AND method = ?", key.String(), method).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return credits.IdempotencyRecord{}, false, wrapStoreError(errorSubjectIdempotency, errorCodeGet, err)
	}
	return mapIdempotencyRecord(model), true, nil
}

// InsertIdempotencyRecord claims a key; the composite primary key arbitrates
// concurrent duplicates.
func (store *Store) InsertIdempotencyRecord(ctx context.Context, record credits.IdempotencyRecord) error {
	model := IdempotencyKey{
		Key:          record.Key,
		Method:       record.Method,
		OrgID:        record.OrgID,
		ResponseJSON: datatypes.JSON(record.ResponseJSON),
		StatusCode:   record.StatusCode,
		ExpiresAt:    time.Unix(record.ExpiresAtUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintIdempotencyPrimary) {
		return wrapStoreError(errorSubjectIdempotency, errorCodeDuplicate, credits.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeInsert, err)
	}
	return nil
}

// UpdateIdempotencyRecord stores the computed response on an existing claim.
func (store *Store) UpdateIdempotencyRecord(ctx context.Context, record credits.IdempotencyRecord) error {
	result := store.db.WithContext(ctx).
		Model(&IdempotencyKey{}).
		Where("key = ? AND method = ?", record.Key, record.Method).
		Updates(map[string]interface{}{
			"response_json": datatypes.JSON(record.ResponseJSON),
			"status_code":   record.StatusCode,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectIdempotency, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

// DeleteIdempotencyRecord frees a claim after a transient failure.
func (store *Store) DeleteIdempotencyRecord(ctx context.Context, key credits.IdempotencyKey, method string) error {
	err := store.db.WithContext(ctx).
		Where("key = ? AND method = ?", key.String(), method).
		Delete(&IdempotencyKey{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeDelete, err)
	}
	return nil
}

// PurgeIdempotencyRecords removes records past their TTL.
func (store *Store) PurgeIdempotencyRecords(ctx context.Context, nowUnixUTC int64) (int64, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&IdempotencyKey{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectIdempotency, errorCodePurge, result.Error)
	}
	return result.RowsAffected, nil
}

// rowLock returns a SELECT ... FOR UPDATE clause on Postgres. sqlite has no
// row locks; its single-writer model serializes transactions instead.
func (store *Store) rowLock() []clause.Expression {
	if store.db.Dialector.Name() == dialectPostgres {
		return []clause.Expression{clause.Locking{Strength: "UPDATE"}}
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model CreditAccount) credits.Account {
	return credits.Account{
		OrgID:          model.OrgID,
		BalanceCents:   credits.AmountCents(model.BalanceCents),
		Currency:       model.Currency,
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}
}

func mapTransaction(model CreditTransaction) (credits.Transaction, error) {
	transactionType, err := credits.ParseTransactionType(model.Type)
	if err != nil {
		return credits.Transaction{}, err
	}
	return credits.Transaction{
		TransactionID:  model.TransactionID,
		OrgID:          model.OrgID,
		Type:           transactionType,
		AmountCents:    credits.AmountCents(model.AmountCents),
		Provider:       stringOrEmpty(model.Provider),
		ProviderRef:    stringOrEmpty(model.ProviderRef),
		Reason:         model.Reason,
		RefID:          model.RefID,
		MetadataJSON:   string(model.Metadata),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapHold(model CreditHold) (credits.Hold, error) {
	status, err := credits.ParseHoldStatus(model.Status)
	if err != nil {
		return credits.Hold{}, err
	}
	amount, err := credits.NewPositiveAmountCents(model.AmountCents)
	if err != nil {
		return credits.Hold{}, err
	}
	return credits.Hold{
		ApprovalID:       model.ApprovalID,
		OrgID:            model.OrgID,
		AmountCents:      amount,
		Status:           status,
		ExpiresAtUnixUTC: timeOrZero(model.ExpiresAt),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}, nil
}

func mapIdempotencyRecord(model IdempotencyKey) credits.IdempotencyRecord {
	return credits.IdempotencyRecord{
		Key:              model.Key,
		Method:           model.Method,
		OrgID:            model.OrgID,
		ResponseJSON:     []byte(model.ResponseJSON),
		StatusCode:       model.StatusCode,
		ExpiresAtUnixUTC: model.ExpiresAt.Unix(),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func unixToTime(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	at := time.Unix(value, 0).UTC()
	return &at
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
