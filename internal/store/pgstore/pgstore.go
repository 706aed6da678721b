// Package pgstore implements credits.Store directly on a pgx connection pool
// for deployments that prefer hand-written SQL over the GORM store.
package pgstore

import (
	"context"
	"errors"

	"github.com/ArclightLabs/paymaster/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintHoldPrimary        = "credit_holds_pkey"
	constraintIdempotencyPrimary = "idempotency_keys_pkey"
	constraintProviderRef        = "uniq_credit_transactions_provider_ref"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectAccount          = "account"
	errorSubjectTransaction      = "transaction"
	errorSubjectHold             = "hold"
	errorSubjectIdempotency      = "idempotency"
	errorSubjectUnit             = "unit"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
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

	sqlInsertAccountIfMissing = `
		insert into credit_accounts(org_id, balance_cents, currency, created_at, updated_at)
		values ($1, 0, 'USD', now(), now())
		on conflict (org_id) do nothing
	`

	sqlSelectAccountForUpdate = `
		select org_id, balance_cents, currency, extract(epoch from updated_at)::bigint
		from credit_accounts
		where org_id = $1
		for update
	`

	sqlSelectAccount = `
		select org_id, balance_cents, currency, extract(epoch from updated_at)::bigint
		from credit_accounts
		where org_id = $1
	`

	sqlAddToBalance = `
		update credit_accounts
		set balance_cents = balance_cents + $2, updated_at = to_timestamp($3)
		where org_id = $1
		returning balance_cents
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, org_id, type, amount_cents, provider, provider_ref, reason, ref_id, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3,
			nullif($4,''), nullif($5,''),
			$6, $7,
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
		returning transaction_id::text
	`

	sqlSelectTransactionByProviderRef = `
		select transaction_id::text, org_id, type, amount_cents,
			coalesce(provider,''), coalesce(provider_ref,''),
			coalesce(reason,''), coalesce(ref_id,''),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from credit_transactions
		where org_id = $1 and provider = $2 and provider_ref = $3
	`

	sqlListTransactionsBefore = `
		select transaction_id::text, org_id, type, amount_cents,
			coalesce(provider,''), coalesce(provider_ref,''),
			coalesce(reason,''), coalesce(ref_id,''),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from credit_transactions
		where org_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlInsertHold = `
		insert into credit_holds(approval_id, org_id, amount_cents, status, expires_at, created_at, updated_at)
		values ($1, $2, $3, $4, to_timestamp(nullif($5,0)), now(), now())
	`

	sqlSelectHoldForUpdate = `
		select approval_id, org_id, amount_cents, status,
			coalesce(extract(epoch from expires_at)::bigint,0),
			extract(epoch from created_at)::bigint
		from credit_holds
		where approval_id = $1
		for update
	`

	sqlUpdateHoldStatus = `
		update credit_holds
		set status = $3, updated_at = now()
		where approval_id = $1 and status = $2
	`

	sqlListExpiredHolds = `
		select approval_id, org_id, amount_cents, status,
			coalesce(extract(epoch from expires_at)::bigint,0),
			extract(epoch from created_at)::bigint
		from credit_holds
		where status = 'active' and expires_at is not null and expires_at <= to_timestamp($1)
		order by expires_at asc
		limit $2
	`

	sqlSelectIdempotencyRecord = `
		select key, method, org_id, coalesce(response_json::text,''), status_code,
			extract(epoch from expires_at)::bigint,
			extract(epoch from created_at)::bigint
		from idempotency_keys
		where key = $1 and method = $2
	`

	sqlInsertIdempotencyRecord = `
		insert into idempotency_keys(key, method, org_id, response_json, status_code, expires_at, created_at)
		values ($1, $2, $3, nullif($4,'')::jsonb, $5, to_timestamp($6), now())
	`

	sqlUpdateIdempotencyRecord = `
		update idempotency_keys
		set response_json = nullif($3,'')::jsonb, status_code = $4
		where key = $1 and method = $2
	`

	sqlDeleteIdempotencyRecord = `
		delete from idempotency_keys where key = $1 and method = $2
	`

	sqlPurgeIdempotencyRecords = `
		delete from idempotency_keys where expires_at <= to_timestamp($1)
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx pool; inside WithTx all calls run
// on the open transaction.
type Store struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) conn() querier {
	if store.tx != nil {
		return store.tx
	}
	return store.pool
}

// WithTx executes fn within a transaction; nested calls join the open one.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.tx != nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectUnit, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectUnit, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, orgID credits.OrgID) (credits.Account, error) {
	if _, err := store.conn().Exec(ctx, sqlInsertAccountIfMissing, orgID.String()); err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	account, err := scanAccount(store.conn().QueryRow(ctx, sqlSelectAccountForUpdate, orgID.String()))
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func (store *Store) GetAccount(ctx context.Context, orgID credits.OrgID) (credits.Account, error) {
	account, err := scanAccount(store.conn().QueryRow(ctx, sqlSelectAccount, orgID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
	}
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) AddToBalance(ctx context.Context, orgID credits.OrgID, delta credits.AmountCents, atUnixUTC int64) (credits.AmountCents, error) {
	var balance int64
	err := store.conn().QueryRow(ctx, sqlAddToBalance, orgID.String(), delta.Int64(), atUnixUTC).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrAccountNotFound)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if balance < 0 {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeInvalid, credits.ErrInvalidBalance)
	}
	return credits.AmountCents(balance), nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) (credits.Transaction, error) {
	var transactionID string
	err := store.conn().QueryRow(ctx, sqlInsertTransaction,
		transaction.OrgID,
		transaction.Type.String(),
		transaction.AmountCents.Int64(),
		transaction.Provider,
		transaction.ProviderRef,
		transaction.Reason,
		transaction.RefID,
		transaction.MetadataJSON,
		transaction.CreatedUnixUTC,
	).Scan(&transactionID)
	if isUniqueViolation(err, constraintProviderRef) {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, err)
	}
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction.TransactionID = transactionID
	return transaction, nil
}

func (store *Store) FindTransactionByProviderRef(ctx context.Context, orgID credits.OrgID, provider string, providerRef string) (credits.Transaction, bool, error) {
	transaction, err := scanTransaction(store.conn().QueryRow(ctx, sqlSelectTransactionByProviderRef, orgID.String(), provider, providerRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Transaction{}, false, nil
	}
	if err != nil {
		return credits.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transaction, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, orgID credits.OrgID, beforeUnixUTC int64, limit int) ([]credits.Transaction, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = int64(1 << 40)
	}
	rows, err := store.conn().Query(ctx, sqlListTransactionsBefore, orgID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions := make([]credits.Transaction, 0)
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

func (store *Store) CreateHold(ctx context.Context, hold credits.Hold) error {
	_, err := store.conn().Exec(ctx, sqlInsertHold,
		hold.ApprovalID,
		hold.OrgID,
		hold.AmountCents.Int64(),
		hold.Status.String(),
		hold.ExpiresAtUnixUTC,
	)
	if isUniqueViolation(err, constraintHoldPrimary) {
		return wrapStoreError(errorSubjectHold, errorCodeDuplicate, credits.ErrDuplicateApproval)
	}
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetHold(ctx context.Context, approvalID credits.ApprovalID) (credits.Hold, error) {
	hold, err := scanHold(store.conn().QueryRow(ctx, sqlSelectHoldForUpdate, approvalID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, credits.ErrHoldNotFound)
	}
	if err != nil {
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	return hold, nil
}

func (store *Store) UpdateHoldStatus(ctx context.Context, approvalID credits.ApprovalID, from credits.HoldStatus, to credits.HoldStatus) error {
	tag, err := store.conn().Exec(ctx, sqlUpdateHoldStatus, approvalID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, credits.ErrHoldInvalid)
	}
	return nil
}

func (store *Store) ListExpiredHolds(ctx context.Context, nowUnixUTC int64, limit int) ([]credits.Hold, error) {
	rows, err := store.conn().Query(ctx, sqlListExpiredHolds, nowUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	defer rows.Close()
	holds := make([]credits.Hold, 0)
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
		}
		holds = append(holds, hold)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	return holds, nil
}

func (store *Store) GetIdempotencyRecord(ctx context.Context, key credits.IdempotencyKey, method string) (credits.IdempotencyRecord, bool, error) {
	var record credits.IdempotencyRecord
	var responseJSON string
	err := store.conn().QueryRow(ctx, sqlSelectIdempotencyRecord, key.String(), method).Scan(
		&record.Key,
		&record.Method,
		&record.OrgID,
		&responseJSON,
		&record.StatusCode,
		&record.ExpiresAtUnixUTC,
		&record.CreatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return credits.IdempotencyRecord{}, false, wrapStoreError(errorSubjectIdempotency, errorCodeGet, err)
	}
	record.ResponseJSON = []byte(responseJSON)
	return record, true, nil
}

func (store *Store) InsertIdempotencyRecord(ctx context.Context, record credits.IdempotencyRecord) error {
	_, err := store.conn().Exec(ctx, sqlInsertIdempotencyRecord,
		record.Key,
		record.Method,
		record.OrgID,
		string(record.ResponseJSON),
		record.StatusCode,
		record.ExpiresAtUnixUTC,
	)
	if isUniqueViolation(err, constraintIdempotencyPrimary) {
		return wrapStoreError(errorSubjectIdempotency, errorCodeDuplicate, credits.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateIdempotencyRecord(ctx context.Context, record credits.IdempotencyRecord) error {
	tag, err := store.conn().Exec(ctx, sqlUpdateIdempotencyRecord,
		record.Key,
		record.Method,
		string(record.ResponseJSON),
		record.StatusCode,
	)
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectIdempotency, errorCodeUpdate, pgx.ErrNoRows)
	}
	return nil
}

func (store *Store) DeleteIdempotencyRecord(ctx context.Context, key credits.IdempotencyKey, method string) error {
	if _, err := store.conn().Exec(ctx, sqlDeleteIdempotencyRecord, key.String(), method); err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeDelete, err)
	}
	return nil
}

func (store *Store) PurgeIdempotencyRecords(ctx context.Context, nowUnixUTC int64) (int64, error) {
	tag, err := store.conn().Exec(ctx, sqlPurgeIdempotencyRecords, nowUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectIdempotency, errorCodePurge, err)
	}
	return tag.RowsAffected(), nil
}

func scanAccount(row pgx.Row) (credits.Account, error) {
	var account credits.Account
	var balance int64
	if err := row.Scan(&account.OrgID, &balance, &account.Currency, &account.UpdatedUnixUTC); err != nil {
		return credits.Account{}, err
	}
	account.BalanceCents = credits.AmountCents(balance)
	return account, nil
}

func scanTransaction(row pgx.Row) (credits.Transaction, error) {
	var transaction credits.Transaction
	var transactionType string
	var amount int64
	err := row.Scan(
		&transaction.TransactionID,
		&transaction.OrgID,
		&transactionType,
		&amount,
		&transaction.Provider,
		&transaction.ProviderRef,
		&transaction.Reason,
		&transaction.RefID,
		&transaction.MetadataJSON,
		&transaction.CreatedUnixUTC,
	)
	if err != nil {
		return credits.Transaction{}, err
	}
	parsedType, err := credits.ParseTransactionType(transactionType)
	if err != nil {
		return credits.Transaction{}, err
	}
	transaction.Type = parsedType
	transaction.AmountCents = credits.AmountCents(amount)
	return transaction, nil
}

func scanHold(row pgx.Row) (credits.Hold, error) {
	var hold credits.Hold
	var status string
	var amount int64
	err := row.Scan(
		&hold.ApprovalID,
		&hold.OrgID,
		&amount,
		&status,
		&hold.ExpiresAtUnixUTC,
		&hold.CreatedUnixUTC,
	)
	if err != nil {
		return credits.Hold{}, err
	}
	parsedStatus, err := credits.ParseHoldStatus(status)
	if err != nil {
		return credits.Hold{}, err
	}
	parsedAmount, err := credits.NewPositiveAmountCents(amount)
	if err != nil {
		return credits.Hold{}, err
	}
	hold.Status = parsedStatus
	hold.AmountCents = parsedAmount
	return hold, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
