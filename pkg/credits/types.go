package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AmountCents is a signed integer currency amount in cents.
type AmountCents int64

// Int64 returns the raw cent value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// PositiveAmountCents is an amount validated to be strictly positive.
type PositiveAmountCents struct {
	value int64
}

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return PositiveAmountCents{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmountCents{value: raw}, nil
}

// Int64 returns the raw cent value.
func (amount PositiveAmountCents) Int64() int64 {
	return amount.value
}

// ToAmountCents converts to the signed amount type.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount.value)
}

// Negated returns the amount as a negative ledger delta.
func (amount PositiveAmountCents) Negated() AmountCents {
	return AmountCents(-amount.value)
}

// OrgID identifies the organization that owns a credit account.
type OrgID struct {
	value string
}

// NewOrgID validates and normalizes an organization id.
func NewOrgID(raw string) (OrgID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrgID{}, fmt.Errorf("%w: empty value", ErrInvalidOrgID)
	}
	return OrgID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OrgID) String() string {
	return id.value
}

// ApprovalID identifies a hold; it is supplied by the caller exactly once.
type ApprovalID struct {
	value string
}

// NewApprovalID validates and normalizes an approval id.
func NewApprovalID(raw string) (ApprovalID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ApprovalID{}, fmt.Errorf("%w: empty value", ErrInvalidApprovalID)
	}
	return ApprovalID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ApprovalID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection for retried requests.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionIssue TransactionType = "issue"
	TransactionHold  TransactionType = "hold"
	TransactionDebit TransactionType = "debit"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionIssue, TransactionHold, TransactionDebit:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// HoldStatus defines the hold lifecycle. Terminal states are final.
type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "active"
	HoldStatusCaptured HoldStatus = "captured"
	HoldStatusReleased HoldStatus = "released"
	HoldStatusExpired  HoldStatus = "expired"
)

// ParseHoldStatus validates a stored hold status.
func ParseHoldStatus(raw string) (HoldStatus, error) {
	switch HoldStatus(raw) {
	case HoldStatusActive, HoldStatusCaptured, HoldStatusReleased, HoldStatusExpired:
		return HoldStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidHoldStatus, raw)
}

// String returns the stored representation.
func (status HoldStatus) String() string {
	return string(status)
}

// Account is the per-organization balance row. BalanceCents is the available
// balance; amounts reserved by active holds are already subtracted.
type Account struct {
	OrgID          string
	BalanceCents   AmountCents
	Currency       string
	UpdatedUnixUTC int64
}

// Transaction is a single immutable line in the append-only ledger.
type Transaction struct {
	TransactionID  string
	OrgID          string
	Type           TransactionType
	AmountCents    AmountCents
	Provider       string
	ProviderRef    string
	Reason         string
	RefID          string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Hold is a reservation of credits against a future settlement.
type Hold struct {
	ApprovalID       string
	OrgID            string
	AmountCents      PositiveAmountCents
	Status           HoldStatus
	ExpiresAtUnixUTC int64
	CreatedUnixUTC   int64
}

// Expired reports whether the hold carries an expiry that has passed.
func (hold Hold) Expired(nowUnixUTC int64) bool {
	return hold.ExpiresAtUnixUTC != 0 && hold.ExpiresAtUnixUTC <= nowUnixUTC
}

// IdempotencyRecord stores the response of the first execution of a keyed request.
type IdempotencyRecord struct {
	Key              string
	Method           string
	OrgID            string
	ResponseJSON     []byte
	StatusCode       int
	ExpiresAtUnixUTC int64
	CreatedUnixUTC   int64
}

// Expired reports whether the record is past its TTL.
func (record IdempotencyRecord) Expired(nowUnixUTC int64) bool {
	return record.ExpiresAtUnixUTC != 0 && record.ExpiresAtUnixUTC <= nowUnixUTC
}

// Store is the persistence contract used by Service. Implementations must make
// WithTx a serializable atomic unit and GetOrCreateAccount a row-locked read so
// that concurrent operations against one organization serialize on its account.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, orgID OrgID) (Account, error)
	GetAccount(ctx context.Context, orgID OrgID) (Account, error)
	AddToBalance(ctx context.Context, orgID OrgID, delta AmountCents, atUnixUTC int64) (AmountCents, error)
	InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	FindTransactionByProviderRef(ctx context.Context, orgID OrgID, provider string, providerRef string) (Transaction, bool, error)
	ListTransactions(ctx context.Context, orgID OrgID, beforeUnixUTC int64, limit int) ([]Transaction, error)
	CreateHold(ctx context.Context, hold Hold) error
	GetHold(ctx context.Context, approvalID ApprovalID) (Hold, error)
	UpdateHoldStatus(ctx context.Context, approvalID ApprovalID, from HoldStatus, to HoldStatus) error
	ListExpiredHolds(ctx context.Context, nowUnixUTC int64, limit int) ([]Hold, error)
	GetIdempotencyRecord(ctx context.Context, key IdempotencyKey, method string) (IdempotencyRecord, bool, error)
	InsertIdempotencyRecord(ctx context.Context, record IdempotencyRecord) error
	UpdateIdempotencyRecord(ctx context.Context, record IdempotencyRecord) error
	DeleteIdempotencyRecord(ctx context.Context, key IdempotencyKey, method string) error
	PurgeIdempotencyRecords(ctx context.Context, nowUnixUTC int64) (int64, error)
}
