package credit

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TxType defines supported credit transaction types.
type TxType string

const (
	TxTypePurchase        TxType = "purchase"
	TxTypeRedemption      TxType = "redemption"
	TxTypeSubscription    TxType = "subscription"
	TxTypeAdminAdjustment TxType = "admin_adjustment"
	TxTypeDebt            TxType = "debt"
	TxTypeDebtForgiveness TxType = "debt_forgiveness"
	TxTypeRefund          TxType = "refund"

	// Usage types.
	TxTypeDefaultUsage    TxType = "default_usage"
	TxTypeChatUsage       TxType = "chat_usage"
	TxTypeImageGeneration TxType = "image_generation"
	TxTypeFileProcessing  TxType = "file_processing"
)

var usageTypes = map[TxType]bool{
	TxTypeDefaultUsage:    true,
	TxTypeChatUsage:       true,
	TxTypeImageGeneration: true,
	TxTypeFileProcessing:  true,
}

var creditTypes = map[TxType]bool{
	TxTypePurchase:        true,
	TxTypeRedemption:      true,
	TxTypeSubscription:    true,
	TxTypeAdminAdjustment: true,
	TxTypeDebt:            true,
	TxTypeDebtForgiveness: true,
	TxTypeRefund:          true,
}

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	return usageTypes[t] || creditTypes[t]
}

// IsUsage reports whether t may be passed to Deduct.
func (t TxType) IsUsage() bool {
	return usageTypes[t]
}

// UsageTypes lists the operation types accepted by Deduct.
func UsageTypes() []TxType {
	return []TxType{TxTypeDefaultUsage, TxTypeChatUsage, TxTypeImageGeneration, TxTypeFileProcessing}
}

// GrantSource is how a grant was acquired.
type GrantSource string

const (
	SourcePurchase     GrantSource = "purchase"
	SourceRedemption   GrantSource = "redemption"
	SourceSubscription GrantSource = "subscription"
	SourceAdmin        GrantSource = "admin"
)

// TxType maps a grant source to the transaction type recorded on issuance.
func (s GrantSource) TxType() (TxType, bool) {
	switch s {
	case SourcePurchase:
		return TxTypePurchase, true
	case SourceRedemption:
		return TxTypeRedemption, true
	case SourceSubscription:
		return TxTypeSubscription, true
	case SourceAdmin:
		return TxTypeAdminAdjustment, true
	}
	return "", false
}

// Metadata is a free-form JSON object stored in JSONB columns.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("credit: unsupported metadata type")
	}
	if len(data) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// GrantTemplate is a reusable definition of a credit grant.
type GrantTemplate struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Name         string     `db:"name" json:"name"`
	Description  string     `db:"description" json:"description"`
	Credits      int64      `db:"credits" json:"credits"`
	ValidityDays int        `db:"validity_days" json:"validity_days"`
	Price        *int64     `db:"price" json:"price,omitempty"`
	Currency     *string    `db:"currency" json:"currency,omitempty"`
	PackageType  string     `db:"package_type" json:"package_type"`
	IsActive     bool       `db:"is_active" json:"is_active"`
	Metadata     Metadata   `db:"metadata" json:"metadata"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt    *time.Time `db:"deleted_at" json:"-"`
}

// Grant is a time-boxed, depletable allotment of credits owned by one user.
type Grant struct {
	ID               uuid.UUID   `db:"id" json:"id"`
	UserID           uuid.UUID   `db:"user_id" json:"user_id"`
	TemplateID       uuid.UUID   `db:"template_id" json:"template_id"`
	TemplateName     string      `db:"template_name" json:"template_name"`
	CreditsTotal     int64       `db:"credits_total" json:"credits_total"`
	CreditsRemaining int64       `db:"credits_remaining" json:"credits_remaining"`
	GrantedAt        time.Time   `db:"granted_at" json:"granted_at"`
	ExpiresAt        time.Time   `db:"expires_at" json:"expires_at"`
	Source           GrantSource `db:"source" json:"source"`
	SourceID         *string     `db:"source_id" json:"source_id,omitempty"`
	IsActive         bool        `db:"is_active" json:"is_active"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
}

// Consumable reports whether the grant can still be drawn from at now.
func (g *Grant) Consumable(now time.Time) bool {
	return g.IsActive && g.ExpiresAt.After(now) && g.CreditsRemaining > 0
}

// Transaction is an append-only ledger row.
type Transaction struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	UserID        uuid.UUID  `db:"user_id" json:"user_id"`
	GrantID       *uuid.UUID `db:"grant_id" json:"grant_id,omitempty"`
	Type          TxType     `db:"type" json:"type"`
	Amount        int64      `db:"amount" json:"amount"`
	BalanceBefore int64      `db:"balance_before" json:"balance_before"`
	BalanceAfter  int64      `db:"balance_after" json:"balance_after"`
	Description   string     `db:"description" json:"description"`
	Metadata      Metadata   `db:"metadata" json:"metadata"`
	RelatedID     *string    `db:"related_id" json:"related_id,omitempty"`
	OperationID   *string    `db:"operation_id" json:"operation_id,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Debt records an unpaid shortfall from a usage operation.
type Debt struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	UserID               uuid.UUID  `db:"user_id" json:"user_id"`
	Amount               int64      `db:"amount" json:"amount"`
	OperationType        TxType     `db:"operation_type" json:"operation_type"`
	Metadata             Metadata   `db:"metadata" json:"metadata"`
	RelatedID            *string    `db:"related_id" json:"related_id,omitempty"`
	IsSettled            bool       `db:"is_settled" json:"is_settled"`
	SettledAt            *time.Time `db:"settled_at" json:"settled_at,omitempty"`
	SettledTransactionID *uuid.UUID `db:"settled_transaction_id" json:"settled_transaction_id,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// RedemptionCode is a shareable token that issues a grant from a template.
type RedemptionCode struct {
	ID            string     `db:"id" json:"id"`
	TemplateID    uuid.UUID  `db:"template_id" json:"template_id"`
	MaxUses       int        `db:"max_uses" json:"max_uses"`
	CurrentUses   int        `db:"current_uses" json:"current_uses"`
	CodeExpiresAt time.Time  `db:"code_expires_at" json:"code_expires_at"`
	IsActive      bool       `db:"is_active" json:"is_active"`
	CreatedBy     *uuid.UUID `db:"created_by" json:"created_by,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt     *time.Time `db:"deleted_at" json:"-"`
}

// CodeStatus is the derived admin-facing state of a redemption code.
type CodeStatus string

const (
	CodeStatusActive   CodeStatus = "active"
	CodeStatusUsed     CodeStatus = "used"
	CodeStatusExpired  CodeStatus = "expired"
	CodeStatusDisabled CodeStatus = "disabled"
)

// Status derives the code state at now. Disabled wins over expired, expired over used.
func (c *RedemptionCode) Status(now time.Time) CodeStatus {
	switch {
	case !c.IsActive:
		return CodeStatusDisabled
	case !c.CodeExpiresAt.After(now):
		return CodeStatusExpired
	case c.CurrentUses >= c.MaxUses:
		return CodeStatusUsed
	}
	return CodeStatusActive
}

// Redemption is one successful use of a code by a user.
type Redemption struct {
	ID             uuid.UUID `db:"id" json:"id"`
	CodeID         string    `db:"code_id" json:"code_id"`
	UserID         uuid.UUID `db:"user_id" json:"user_id"`
	TemplateID     uuid.UUID `db:"template_id" json:"template_id"`
	GrantID        uuid.UUID `db:"grant_id" json:"grant_id"`
	CreditsGranted int64     `db:"credits_granted" json:"credits_granted"`
	ExpiresAt      time.Time `db:"expires_at" json:"expires_at"`
	RedeemedAt     time.Time `db:"redeemed_at" json:"redeemed_at"`
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Normalize clamps the limit to [1, 100] with a default of 20.
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	return &id
}
