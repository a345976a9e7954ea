package credit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/mwork/credit-ledger/internal/pkg/clock"
)

// TransactionFilter selects ledger rows for history views.
type TransactionFilter struct {
	UserID *uuid.UUID
	Type   *TxType
	From   *time.Time
	To     *time.Time
	Pagination
}

// DebtFilter selects debts for history views.
type DebtFilter struct {
	UserID  *uuid.UUID
	Settled *bool
	Pagination
}

// TypeSpending is total consumption for one transaction type.
type TypeSpending struct {
	Type  TxType `db:"type" json:"type"`
	Total int64  `db:"total" json:"total"`
	Count int64  `db:"count" json:"count"`
}

// ExpiringGrant is an active grant that expires inside the warning window.
type ExpiringGrant struct {
	ID               uuid.UUID `json:"id"`
	TemplateName     string    `json:"package_name"`
	CreditsRemaining int64     `json:"credits_remaining"`
	ExpiresAt        time.Time `json:"expires_at"`
	DaysUntilExpiry  int       `json:"days_until_expiry"`
}

// UserStats is the user-facing credit summary.
type UserStats struct {
	Balance        int64           `json:"balance"`
	TotalSpent     int64           `json:"total_spent"`
	TotalEarned    int64           `json:"total_earned"`
	SpendingByType []TypeSpending  `json:"spending_by_type"`
	ExpiringGrants []ExpiringGrant `json:"expiring_packages"`
	TotalExpired   int64           `json:"total_expired"`
	TotalDebt      int64           `json:"total_debt"`
	DebtCount      int64           `json:"debt_count"`
}

// MonthlySpending is consumption within one calendar month (YYYY-MM).
type MonthlySpending struct {
	Month string `db:"month" json:"month"`
	Total int64  `db:"total" json:"total"`
}

// AdminOverview aggregates ledger-wide figures for the admin dashboard.
type AdminOverview struct {
	RevenueTotal        int64 `db:"revenue_total" json:"revenue_total"`
	RevenueWeek         int64 `db:"revenue_week" json:"revenue_week"`
	CreditsGranted      int64 `db:"credits_granted" json:"credits_granted"`
	CreditsRemaining    int64 `db:"credits_remaining" json:"credits_remaining"`
	CreditsConsumed     int64 `db:"-" json:"credits_consumed"`
	CreditsGrantedWeek  int64 `db:"credits_granted_week" json:"credits_granted_week"`
	ActiveUsers         int64 `db:"active_users" json:"active_users"`
	Templates           int64 `db:"templates" json:"templates"`
	Codes               int64 `db:"codes" json:"codes"`
	Redemptions         int64 `db:"redemptions" json:"redemptions"`
	UnsettledDebts      int64 `db:"unsettled_debts" json:"unsettled_debts"`
	UnsettledDebtAmount int64 `db:"unsettled_debt_amount" json:"unsettled_debt_amount"`
}

// ReportStore is the read-only query side of the ledger.
type ReportStore interface {
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error)
	ListDebts(ctx context.Context, filter DebtFilter) ([]Debt, int, error)
	InactiveGrants(ctx context.Context, userID uuid.UUID, now time.Time, limit int) ([]Grant, error)
	TotalDebt(ctx context.Context, userID uuid.UUID) (int64, int64, error)
	SpendingTotals(ctx context.Context, userID uuid.UUID) (spent int64, earned int64, err error)
	SpendingByType(ctx context.Context, userID uuid.UUID) ([]TypeSpending, error)
	ExpiringGrants(ctx context.Context, userID uuid.UUID, now, until time.Time) ([]Grant, error)
	ExpiredRemaining(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error)
	MonthlySpending(ctx context.Context, userID uuid.UUID, since time.Time) ([]MonthlySpending, error)
	Overview(ctx context.Context, weekStart time.Time) (*AdminOverview, error)
}

// Reports serves read-only views over the ledger.
type Reports struct {
	store             ReportStore
	ledger            *Service
	clock             clock.Clock
	expiryWarningDays int
}

func NewReports(store ReportStore, ledger *Service, c clock.Clock, expiryWarningDays int) *Reports {
	if c == nil {
		c = clock.Real()
	}
	if expiryWarningDays <= 0 {
		expiryWarningDays = 7
	}
	return &Reports{store: store, ledger: ledger, clock: c, expiryWarningDays: expiryWarningDays}
}

func (r *Reports) Transactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error) {
	filter.Pagination = filter.Pagination.Normalize()
	if filter.Type != nil && !filter.Type.Valid() {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidOperationType, *filter.Type)
	}
	return r.store.ListTransactions(ctx, filter)
}

func (r *Reports) Debts(ctx context.Context, filter DebtFilter) ([]Debt, int, error) {
	filter.Pagination = filter.Pagination.Normalize()
	return r.store.ListDebts(ctx, filter)
}

// Grants lists a user's consumable grants. With includeInactive, expired,
// empty and disabled grants follow, newest expiry first, up to limit.
func (r *Reports) Grants(ctx context.Context, userID uuid.UUID, includeInactive bool, limit int) ([]Grant, error) {
	active, err := r.ledger.ActiveGrants(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !includeInactive {
		return active, nil
	}

	limit = Pagination{Limit: limit}.Normalize().Limit
	inactive, err := r.store.InactiveGrants(ctx, userID, r.clock.Now(), limit)
	if err != nil {
		return nil, err
	}
	return append(active, inactive...), nil
}

// TotalDebt returns the outstanding debt amount and count for a user.
func (r *Reports) TotalDebt(ctx context.Context, userID uuid.UUID) (int64, int64, error) {
	return r.store.TotalDebt(ctx, userID)
}

// UserStats builds the user's credit summary. Spending excludes settlement
// adjustments so that a usage later settled from debt is counted once.
func (r *Reports) UserStats(ctx context.Context, userID uuid.UUID) (*UserStats, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidUserID
	}
	now := r.clock.Now()

	balance, err := r.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	spent, earned, err := r.store.SpendingTotals(ctx, userID)
	if err != nil {
		return nil, err
	}
	byType, err := r.store.SpendingByType(ctx, userID)
	if err != nil {
		return nil, err
	}
	expiring, err := r.store.ExpiringGrants(ctx, userID, now, now.AddDate(0, 0, r.expiryWarningDays))
	if err != nil {
		return nil, err
	}
	expired, err := r.store.ExpiredRemaining(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	debt, debtCount, err := r.store.TotalDebt(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &UserStats{
		Balance:        balance,
		TotalSpent:     spent,
		TotalEarned:    earned,
		SpendingByType: byType,
		ExpiringGrants: make([]ExpiringGrant, 0, len(expiring)),
		TotalExpired:   expired,
		TotalDebt:      debt,
		DebtCount:      debtCount,
	}
	for _, g := range expiring {
		stats.ExpiringGrants = append(stats.ExpiringGrants, ExpiringGrant{
			ID:               g.ID,
			TemplateName:     g.TemplateName,
			CreditsRemaining: g.CreditsRemaining,
			ExpiresAt:        g.ExpiresAt,
			DaysUntilExpiry:  int(math.Ceil(g.ExpiresAt.Sub(now).Hours() / 24)),
		})
	}
	return stats, nil
}

// MonthlySpending returns consumption for the last months calendar months,
// oldest first, with zero-filled gaps.
func (r *Reports) MonthlySpending(ctx context.Context, userID uuid.UUID, months int) ([]MonthlySpending, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidUserID
	}
	if months <= 0 {
		months = 6
	}
	if months > 24 {
		months = 24
	}

	now := r.clock.Now().UTC()
	firstMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(months - 1), 0)

	rows, err := r.store.MonthlySpending(ctx, userID, firstMonth)
	if err != nil {
		return nil, err
	}
	return fillMonths(rows, firstMonth, months), nil
}

func fillMonths(rows []MonthlySpending, firstMonth time.Time, months int) []MonthlySpending {
	byMonth := make(map[string]int64, len(rows))
	for _, row := range rows {
		byMonth[row.Month] = row.Total
	}

	filled := make([]MonthlySpending, 0, months)
	for i := 0; i < months; i++ {
		key := firstMonth.AddDate(0, i, 0).Format("2006-01")
		filled = append(filled, MonthlySpending{Month: key, Total: byMonth[key]})
	}
	return filled
}

// Overview returns ledger-wide admin figures. The week starts on Monday, UTC.
func (r *Reports) Overview(ctx context.Context) (*AdminOverview, error) {
	o, err := r.store.Overview(ctx, weekStart(r.clock.Now()))
	if err != nil {
		return nil, err
	}
	o.CreditsConsumed = o.CreditsGranted - o.CreditsRemaining
	return o, nil
}

func weekStart(now time.Time) time.Time {
	now = now.UTC()
	offset := (int(now.Weekday()) + 6) % 7
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}
