package credit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func (r *Repository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	where := " WHERE 1=1"
	args := make([]interface{}, 0, 6)
	idx := 1

	if filter.UserID != nil {
		where += fmt.Sprintf(" AND user_id = $%d", idx)
		args = append(args, *filter.UserID)
		idx++
	}
	if filter.Type != nil && *filter.Type != "" {
		where += fmt.Sprintf(" AND type = $%d", idx)
		args = append(args, string(*filter.Type))
		idx++
	}
	if filter.From != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *filter.From)
		idx++
	}
	if filter.To != nil {
		where += fmt.Sprintf(" AND created_at <= $%d", idx)
		args = append(args, *filter.To)
		idx++
	}

	var total int
	if err := r.db.GetContext(ctx2, &total, `SELECT COUNT(*) FROM credit_transactions`+where, args...); err != nil {
		return nil, 0, storageErr("count transactions", err)
	}

	page := filter.Pagination.Normalize()
	query := `SELECT ` + transactionColumns + ` FROM credit_transactions` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, page.Limit, page.Offset)

	transactions := make([]Transaction, 0)
	if err := r.db.SelectContext(ctx2, &transactions, strings.TrimSpace(query), args...); err != nil {
		return nil, 0, storageErr("list transactions", err)
	}

	return transactions, total, nil
}

func (r *Repository) ListDebts(ctx context.Context, filter DebtFilter) ([]Debt, int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	where := " WHERE 1=1"
	args := make([]interface{}, 0, 4)
	idx := 1

	if filter.UserID != nil {
		where += fmt.Sprintf(" AND user_id = $%d", idx)
		args = append(args, *filter.UserID)
		idx++
	}
	if filter.Settled != nil {
		where += fmt.Sprintf(" AND is_settled = $%d", idx)
		args = append(args, *filter.Settled)
		idx++
	}

	var total int
	if err := r.db.GetContext(ctx2, &total, `SELECT COUNT(*) FROM credit_debts`+where, args...); err != nil {
		return nil, 0, storageErr("count debts", err)
	}

	page := filter.Pagination.Normalize()
	query := `SELECT ` + debtColumns + ` FROM credit_debts` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, page.Limit, page.Offset)

	debts := make([]Debt, 0)
	if err := r.db.SelectContext(ctx2, &debts, query, args...); err != nil {
		return nil, 0, storageErr("list debts", err)
	}

	return debts, total, nil
}

// InactiveGrants returns grants that can no longer be consumed, newest expiry first.
func (r *Repository) InactiveGrants(ctx context.Context, userID uuid.UUID, now time.Time, limit int) ([]Grant, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	grants := make([]Grant, 0)
	err := r.db.SelectContext(ctx2, &grants, `
		SELECT `+grantColumns+`
		FROM credit_grants
		WHERE user_id = $1 AND (is_active = FALSE OR expires_at <= $2 OR credits_remaining = 0)
		ORDER BY expires_at DESC, id DESC
		LIMIT $3
	`, userID, now, limit)
	if err != nil {
		return nil, storageErr("list inactive grants", err)
	}
	return grants, nil
}

func (r *Repository) TotalDebt(ctx context.Context, userID uuid.UUID) (int64, int64, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var row struct {
		Total int64 `db:"total"`
		Count int64 `db:"count"`
	}
	err := r.db.GetContext(ctx2, &row, `
		SELECT COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count
		FROM credit_debts
		WHERE user_id = $1 AND is_settled = FALSE
	`, userID)
	if err != nil {
		return 0, 0, storageErr("total debt", err)
	}
	return row.Total, row.Count, nil
}

// SpendingTotals sums consumption and credit earned. Settlement adjustments
// are not spending and forgiveness is not earning.
func (r *Repository) SpendingTotals(ctx context.Context, userID uuid.UUID) (int64, int64, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var row struct {
		Spent  int64 `db:"spent"`
		Earned int64 `db:"earned"`
	}
	err := r.db.GetContext(ctx2, &row, `
		SELECT
			COALESCE(SUM(ABS(amount)) FILTER (WHERE amount < 0 AND type <> $2), 0) AS spent,
			COALESCE(SUM(amount) FILTER (WHERE amount > 0 AND type <> $3), 0) AS earned
		FROM credit_transactions
		WHERE user_id = $1
	`, userID, string(TxTypeAdminAdjustment), string(TxTypeDebtForgiveness))
	if err != nil {
		return 0, 0, storageErr("spending totals", err)
	}
	return row.Spent, row.Earned, nil
}

func (r *Repository) SpendingByType(ctx context.Context, userID uuid.UUID) ([]TypeSpending, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows := make([]TypeSpending, 0)
	err := r.db.SelectContext(ctx2, &rows, `
		SELECT type, COALESCE(SUM(ABS(amount)), 0) AS total, COUNT(*) AS count
		FROM credit_transactions
		WHERE user_id = $1 AND amount < 0 AND type <> $2
		GROUP BY type
		ORDER BY total DESC
	`, userID, string(TxTypeAdminAdjustment))
	if err != nil {
		return nil, storageErr("spending by type", err)
	}
	return rows, nil
}

func (r *Repository) ExpiringGrants(ctx context.Context, userID uuid.UUID, now, until time.Time) ([]Grant, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	grants := make([]Grant, 0)
	err := r.db.SelectContext(ctx2, &grants, `
		SELECT `+grantColumns+`
		FROM credit_grants
		WHERE user_id = $1 AND is_active = TRUE AND credits_remaining > 0
			AND expires_at > $2 AND expires_at <= $3
		ORDER BY expires_at ASC
	`, userID, now, until)
	if err != nil {
		return nil, storageErr("list expiring grants", err)
	}
	return grants, nil
}

// ExpiredRemaining sums credits left behind on grants that expired unused.
func (r *Repository) ExpiredRemaining(ctx context.Context, userID uuid.UUID, now time.Time) (int64, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var total int64
	err := r.db.GetContext(ctx2, &total, `
		SELECT COALESCE(SUM(credits_remaining), 0)
		FROM credit_grants
		WHERE user_id = $1 AND credits_remaining > 0 AND expires_at <= $2
	`, userID, now)
	if err != nil {
		return 0, storageErr("expired remaining", err)
	}
	return total, nil
}

func (r *Repository) MonthlySpending(ctx context.Context, userID uuid.UUID, since time.Time) ([]MonthlySpending, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows := make([]MonthlySpending, 0)
	err := r.db.SelectContext(ctx2, &rows, `
		SELECT TO_CHAR(created_at AT TIME ZONE 'UTC', 'YYYY-MM') AS month,
			COALESCE(SUM(ABS(amount)), 0) AS total
		FROM credit_transactions
		WHERE user_id = $1 AND amount < 0 AND type <> $2 AND created_at >= $3
		GROUP BY month
		ORDER BY month
	`, userID, string(TxTypeAdminAdjustment), since)
	if err != nil {
		return nil, storageErr("monthly spending", err)
	}
	return rows, nil
}

func (r *Repository) Overview(ctx context.Context, weekStart time.Time) (*AdminOverview, error) {
	ctx2, cancel := context.WithTimeout(ctx, 2*queryTimeout)
	defer cancel()

	var o AdminOverview
	err := r.db.GetContext(ctx2, &o, `
		SELECT
			(SELECT COALESCE(SUM(t.price), 0) FROM credit_redemptions rd
				JOIN credit_templates t ON t.id = rd.template_id) AS revenue_total,
			(SELECT COALESCE(SUM(t.price), 0) FROM credit_redemptions rd
				JOIN credit_templates t ON t.id = rd.template_id
				WHERE rd.redeemed_at >= $1) AS revenue_week,
			(SELECT COALESCE(SUM(credits_total), 0) FROM credit_grants) AS credits_granted,
			(SELECT COALESCE(SUM(credits_remaining), 0) FROM credit_grants) AS credits_remaining,
			(SELECT COALESCE(SUM(credits_total), 0) FROM credit_grants WHERE granted_at >= $1) AS credits_granted_week,
			(SELECT COUNT(DISTINCT user_id) FROM credit_grants) AS active_users,
			(SELECT COUNT(*) FROM credit_templates WHERE deleted_at IS NULL) AS templates,
			(SELECT COUNT(*) FROM credit_redemption_codes WHERE deleted_at IS NULL) AS codes,
			(SELECT COUNT(*) FROM credit_redemptions) AS redemptions,
			(SELECT COUNT(*) FROM credit_debts WHERE is_settled = FALSE) AS unsettled_debts,
			(SELECT COALESCE(SUM(amount), 0) FROM credit_debts WHERE is_settled = FALSE) AS unsettled_debt_amount
	`, weekStart)
	if err != nil {
		return nil, storageErr("admin overview", err)
	}
	return &o, nil
}
