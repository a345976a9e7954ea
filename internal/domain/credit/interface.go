package credit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence boundary of the ledger engine.
type Store interface {
	// WithinTx runs fn in one atomic unit of work. Returning an error rolls it back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// ActiveGrants returns consumable grants ordered by expires_at ascending.
	ActiveGrants(ctx context.Context, userID uuid.UUID, now time.Time) ([]Grant, error)

	// ExpireGrants flips is_active on grants whose expiry passed and returns how many.
	ExpireGrants(ctx context.Context, now time.Time) (int64, error)
}

// Tx is the set of row-level operations available inside a unit of work.
// Lock* methods hold the returned rows until the unit of work ends.
type Tx interface {
	// LockOperation serializes concurrent calls carrying the same operation id.
	LockOperation(ctx context.Context, operationID string) error
	// OperationApplied reports whether the user already has a transaction
	// carrying operationID.
	OperationApplied(ctx context.Context, userID uuid.UUID, operationID string) (bool, error)

	LockActiveGrants(ctx context.Context, userID uuid.UUID, now time.Time) ([]Grant, error)
	UpdateGrantRemaining(ctx context.Context, grantID uuid.UUID, remaining int64, now time.Time) error
	InsertGrant(ctx context.Context, g *Grant) error

	InsertTransaction(ctx context.Context, t *Transaction) error

	InsertDebt(ctx context.Context, d *Debt) error
	LockUnsettledDebts(ctx context.Context, userID uuid.UUID) ([]Debt, error)
	LockDebt(ctx context.Context, debtID uuid.UUID) (*Debt, error)
	ReduceDebt(ctx context.Context, debtID uuid.UUID, amount int64, now time.Time) error
	SettleDebt(ctx context.Context, debtID uuid.UUID, transactionID *uuid.UUID, now time.Time) error

	GetTemplate(ctx context.Context, templateID uuid.UUID) (*GrantTemplate, error)

	LockRedemptionCode(ctx context.Context, codeID string) (*RedemptionCode, error)
	HasRedeemed(ctx context.Context, codeID string, userID uuid.UUID) (bool, error)
	IncrementCodeUses(ctx context.Context, codeID string, now time.Time) error
	InsertRedemption(ctx context.Context, r *Redemption) error
}

// Notifier receives ledger events after commit. Failures never affect the ledger.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// EventType names a ledger event pushed to clients.
type EventType string

const (
	EventBalanceChanged EventType = "credits:balance_changed"
	EventLowBalance     EventType = "credits:low_balance"
	EventDebtCreated    EventType = "credits:debt_created"
	EventDebtSettled    EventType = "credits:debt_settled"
	EventGrantIssued    EventType = "credits:grant_issued"
)

// Event is a non-critical notification about a user's ledger.
type Event struct {
	Type        EventType `json:"type"`
	UserID      uuid.UUID `json:"user_id"`
	Balance     int64     `json:"balance"`
	Amount      int64     `json:"amount,omitempty"`
	ReferenceID string    `json:"reference_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }
