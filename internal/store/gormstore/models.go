package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount represents the credit_accounts table. BalanceCents is the
// available balance; active holds are already subtracted.
type CreditAccount struct {
	OrgID        string    `gorm:"primaryKey"`
	BalanceCents int64     `gorm:"not null"`
	Currency     string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	OrgID         string         `gorm:"not null;index:idx_credit_transactions_org_created,priority:1"`
	Type          string         `gorm:"not null"`
	AmountCents   int64          `gorm:"not null"`
	Provider      *string        `gorm:"index:uniq_credit_transactions_provider_ref,unique,priority:1"`
	ProviderRef   *string        `gorm:"index:uniq_credit_transactions_provider_ref,unique,priority:2"`
	Reason        string         `gorm:""`
	RefID         string         `gorm:"index:idx_credit_transactions_ref"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_credit_transactions_org_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// CreditHold mirrors the credit_holds table.
type CreditHold struct {
	ApprovalID  string     `gorm:"primaryKey"`
	OrgID       string     `gorm:"not null;index:idx_credit_holds_org"`
	AmountCents int64      `gorm:"not null"`
	Status      string     `gorm:"not null;index:idx_credit_holds_status_expires,priority:1"`
	ExpiresAt   *time.Time `gorm:"index:idx_credit_holds_status_expires,priority:2"`
	CreatedAt   time.Time  `gorm:"not null"`
	UpdatedAt   time.Time  `gorm:"not null"`
}

func (CreditHold) TableName() string { return "credit_holds" }

// IdempotencyKey mirrors the idempotency_keys table. StatusCode 0 marks an
// in-flight claim that has not stored its response yet.
type IdempotencyKey struct {
	Key          string         `gorm:"primaryKey"`
	Method       string         `gorm:"primaryKey"`
	OrgID        string         `gorm:"not null"`
	ResponseJSON datatypes.JSON `gorm:""`
	StatusCode   int            `gorm:"not null"`
	ExpiresAt    time.Time      `gorm:"not null;index:idx_idempotency_keys_expires"`
	CreatedAt    time.Time      `gorm:"not null"`
}

func (IdempotencyKey) TableName() string { return "idempotency_keys" }

// Migrate creates or updates the four ledger tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&CreditAccount{}, &CreditTransaction{}, &CreditHold{}, &IdempotencyKey{})
}
