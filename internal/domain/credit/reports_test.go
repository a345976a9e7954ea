package credit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserStats(t *testing.T) {
	svc, store, clk := newTestService(t)
	reports := NewReports(store, svc, clk, 7)
	ctx := context.Background()
	userID := uuid.New()

	tmpl := store.addTemplate("Pack", 30, 5)
	_, err := svc.Grant(ctx, GrantRequest{UserID: userID, TemplateID: tmpl.ID, Source: SourcePurchase})
	require.NoError(t, err)

	expired := store.addGrant(userID, 12, testNow.AddDate(0, 0, -20), testNow.Add(-time.Hour))
	store.grants[expired.ID].CreditsRemaining = 4

	_, err = svc.Deduct(ctx, usage(userID, 10))
	require.NoError(t, err)
	_, err = svc.Deduct(ctx, DeductRequest{UserID: userID, Amount: 25, OperationType: TxTypeImageGeneration})
	require.NoError(t, err)

	// 30 granted, 35 used: 5 of debt, then settled by a new grant.
	_, err = svc.Grant(ctx, GrantRequest{UserID: userID, TemplateID: tmpl.ID, Source: SourceAdmin})
	require.NoError(t, err)

	stats, err := reports.UserStats(ctx, userID)
	require.NoError(t, err)

	assert.Equal(t, int64(25), stats.Balance)
	assert.Equal(t, int64(35), stats.TotalSpent)
	assert.Equal(t, int64(60), stats.TotalEarned)
	assert.Equal(t, int64(4), stats.TotalExpired)
	assert.Equal(t, int64(0), stats.TotalDebt)
	assert.Equal(t, int64(0), stats.DebtCount)

	require.Len(t, stats.SpendingByType, 3)
	byType := map[TxType]int64{}
	for _, row := range stats.SpendingByType {
		byType[row.Type] = row.Total
	}
	assert.Equal(t, int64(10), byType[TxTypeChatUsage])
	assert.Equal(t, int64(20), byType[TxTypeImageGeneration])
	assert.Equal(t, int64(5), byType[TxTypeDebt])

	require.Len(t, stats.ExpiringGrants, 1)
	assert.Equal(t, 5, stats.ExpiringGrants[0].DaysUntilExpiry)
	assert.Equal(t, int64(25), stats.ExpiringGrants[0].CreditsRemaining)
}

func TestUserStatsExcludesForgiveness(t *testing.T) {
	svc, store, clk := newTestService(t)
	reports := NewReports(store, svc, clk, 7)
	ctx := context.Background()
	userID := uuid.New()

	res, err := svc.Deduct(ctx, usage(userID, 8))
	require.NoError(t, err)
	_, err = svc.ForgiveDebt(ctx, *res.DebtID, uuid.New(), "")
	require.NoError(t, err)

	stats, err := reports.UserStats(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), stats.TotalSpent)
	assert.Equal(t, int64(0), stats.TotalEarned)
	assert.Equal(t, int64(0), stats.TotalDebt)

	_, err = reports.UserStats(ctx, uuid.Nil)
	assert.ErrorIs(t, err, ErrInvalidUserID)
}

func TestMonthlySpendingUsesUTCMonths(t *testing.T) {
	svc, store, clk := newTestService(t)
	reports := NewReports(store, svc, clk, 7)
	ctx := context.Background()
	userID := uuid.New()

	// 1 Feb 02:00 at UTC+5 is still 31 Jan in UTC.
	clk.Set(time.Date(2026, 2, 1, 2, 0, 0, 0, time.FixedZone("UTC+5", 5*60*60)))
	_, err := svc.Deduct(ctx, usage(userID, 4))
	require.NoError(t, err)

	rows, err := reports.MonthlySpending(ctx, userID, 2)
	require.NoError(t, err)
	assert.Equal(t, []MonthlySpending{
		{Month: "2025-12", Total: 0},
		{Month: "2026-01", Total: 4},
	}, rows)
}

func TestMonthlySpendingFillsGaps(t *testing.T) {
	svc, store, clk := newTestService(t)
	reports := NewReports(store, svc, clk, 7)
	ctx := context.Background()
	userID := uuid.New()

	clk.Set(time.Date(2025, 11, 20, 12, 0, 0, 0, time.UTC))
	_, err := svc.Deduct(ctx, usage(userID, 7))
	require.NoError(t, err)

	clk.Set(testNow)
	_, err = svc.Deduct(ctx, usage(userID, 3))
	require.NoError(t, err)

	rows, err := reports.MonthlySpending(ctx, userID, 4)
	require.NoError(t, err)
	assert.Equal(t, []MonthlySpending{
		{Month: "2025-10", Total: 0},
		{Month: "2025-11", Total: 7},
		{Month: "2025-12", Total: 0},
		{Month: "2026-01", Total: 3},
	}, rows)

	rows, err = reports.MonthlySpending(ctx, userID, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 6)

	rows, err = reports.MonthlySpending(ctx, userID, 100)
	require.NoError(t, err)
	assert.Len(t, rows, 24)
}

func TestReportsGrantsIncludesInactive(t *testing.T) {
	svc, store, clk := newTestService(t)
	reports := NewReports(store, svc, clk, 7)
	ctx := context.Background()
	userID := uuid.New()

	live := store.addGrant(userID, 10, testNow, testNow.AddDate(0, 0, 3))
	spent := store.addGrant(userID, 10, testNow, testNow.AddDate(0, 0, 4))
	store.grants[spent.ID].CreditsRemaining = 0
	old := store.addGrant(userID, 10, testNow.AddDate(0, -2, 0), testNow.AddDate(0, -1, 0))

	active, err := reports.Grants(ctx, userID, false, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, live.ID, active[0].ID)

	all, err := reports.Grants(ctx, userID, true, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, live.ID, all[0].ID)
	assert.Equal(t, spent.ID, all[1].ID)
	assert.Equal(t, old.ID, all[2].ID)
}

func TestReportsTransactionsFilter(t *testing.T) {
	svc, store, clk := newTestService(t)
	reports := NewReports(store, svc, clk, 7)
	ctx := context.Background()
	userID := uuid.New()
	store.addGrant(userID, 100, testNow, testNow.AddDate(0, 0, 3))

	for i := 0; i < 25; i++ {
		_, err := svc.Deduct(ctx, usage(userID, 1))
		require.NoError(t, err)
	}

	rows, total, err := reports.Transactions(ctx, TransactionFilter{UserID: &userID})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	assert.Len(t, rows, defaultPageSize)

	bad := TxType("bogus")
	_, _, err = reports.Transactions(ctx, TransactionFilter{UserID: &userID, Type: &bad})
	assert.ErrorIs(t, err, ErrInvalidOperationType)
}

func TestOverview(t *testing.T) {
	svc, store, clk := newTestService(t)
	reports := NewReports(store, svc, clk, 7)
	ctx := context.Background()

	price := int64(1000)
	tmpl := store.addTemplate("Paid", 50, 30)
	store.templates[tmpl.ID].Price = &price
	code := store.addCode(tmpl.ID, 5, testNow.AddDate(0, 0, 1))

	_, err := svc.Redeem(ctx, uuid.New(), code.ID)
	require.NoError(t, err)
	other := uuid.New()
	_, err = svc.Redeem(ctx, other, code.ID)
	require.NoError(t, err)
	_, err = svc.Deduct(ctx, usage(other, 60))
	require.NoError(t, err)

	o, err := reports.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), o.RevenueTotal)
	assert.Equal(t, int64(2000), o.RevenueWeek)
	assert.Equal(t, int64(100), o.CreditsGranted)
	assert.Equal(t, int64(50), o.CreditsRemaining)
	assert.Equal(t, int64(50), o.CreditsConsumed)
	assert.Equal(t, int64(2), o.ActiveUsers)
	assert.Equal(t, int64(2), o.Redemptions)
	assert.Equal(t, int64(1), o.UnsettledDebts)
	assert.Equal(t, int64(10), o.UnsettledDebtAmount)
}

func TestWeekStartIsMonday(t *testing.T) {
	// 2026-01-15 is a Thursday.
	assert.Equal(t, time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC), weekStart(testNow))

	sunday := time.Date(2026, 1, 18, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC), weekStart(sunday))
}
