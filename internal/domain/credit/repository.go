package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

const grantColumns = `id, user_id, template_id, template_name, credits_total, credits_remaining,
	granted_at, expires_at, source, source_id, is_active, created_at, updated_at`

const debtColumns = `id, user_id, amount, operation_type, metadata, related_id, is_settled,
	settled_at, settled_transaction_id, created_at, updated_at`

const transactionColumns = `id, user_id, grant_id, type, amount, balance_before, balance_after,
	description, metadata, related_id, operation_id, created_at`

const templateColumns = `id, name, description, credits, validity_days, price, currency,
	package_type, is_active, metadata, created_at, updated_at, deleted_at`

const codeColumns = `id, template_id, max_uses, current_uses, code_expires_at, is_active,
	created_by, created_at, updated_at, deleted_at`

// Repository is the PostgreSQL ledger store.
type Repository struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// NewRepository creates a ledger store. lockTimeout bounds every row lock wait
// inside a unit of work; zero waits forever.
func NewRepository(db *sqlx.DB, lockTimeout time.Duration) *Repository {
	return &Repository{db: db, lockTimeout: lockTimeout}
}

// WithinTx runs fn in a READ COMMITTED transaction. Row locks taken by fn are
// released on commit or rollback.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer sqlTx.Rollback()

	if r.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return storageErr("set lock timeout", err)
		}
	}

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return storageErr("commit tx", err)
	}
	return nil
}

func (r *Repository) ActiveGrants(ctx context.Context, userID uuid.UUID, now time.Time) ([]Grant, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	grants := make([]Grant, 0)
	err := r.db.SelectContext(ctx2, &grants, `
		SELECT `+grantColumns+`
		FROM credit_grants
		WHERE user_id = $1 AND is_active = TRUE AND expires_at > $2 AND credits_remaining > 0
		ORDER BY expires_at ASC, id ASC
	`, userID, now)
	if err != nil {
		return nil, storageErr("list active grants", err)
	}
	return grants, nil
}

// ExpireGrants deactivates expired grants. Rows locked by an in-flight unit of
// work are skipped and picked up by the next sweep.
func (r *Repository) ExpireGrants(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE credit_grants
		SET is_active = FALSE, updated_at = $1
		WHERE id IN (
			SELECT id FROM credit_grants
			WHERE is_active = TRUE AND expires_at <= $1
			FOR UPDATE SKIP LOCKED
		)
	`, now)
	if err != nil {
		return 0, storageErr("expire grants", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr("rows affected", err)
	}
	return rows, nil
}

// pgTx implements Tx on a live transaction.
type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockOperation(ctx context.Context, operationID string) error {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, operationID); err != nil {
		return storageErr("lock operation", err)
	}
	return nil
}

func (t *pgTx) OperationApplied(ctx context.Context, userID uuid.UUID, operationID string) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM credit_transactions WHERE user_id = $1 AND operation_id = $2
		)
	`, userID, operationID)
	if err != nil {
		return false, storageErr("check operation", err)
	}
	return exists, nil
}

func (t *pgTx) LockActiveGrants(ctx context.Context, userID uuid.UUID, now time.Time) ([]Grant, error) {
	grants := make([]Grant, 0)
	err := t.tx.SelectContext(ctx, &grants, `
		SELECT `+grantColumns+`
		FROM credit_grants
		WHERE user_id = $1 AND is_active = TRUE AND expires_at > $2 AND credits_remaining > 0
		ORDER BY expires_at ASC, id ASC
		FOR UPDATE
	`, userID, now)
	if err != nil {
		return nil, storageErr("lock active grants", err)
	}
	return grants, nil
}

func (t *pgTx) UpdateGrantRemaining(ctx context.Context, grantID uuid.UUID, remaining int64, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE credit_grants SET credits_remaining = $2, updated_at = $3 WHERE id = $1
	`, grantID, remaining, now)
	if err != nil {
		return storageErr("update grant balance", err)
	}
	return nil
}

func (t *pgTx) InsertGrant(ctx context.Context, g *Grant) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO credit_grants (`+grantColumns+`)
		VALUES (:id, :user_id, :template_id, :template_name, :credits_total, :credits_remaining,
			:granted_at, :expires_at, :source, :source_id, :is_active, :created_at, :updated_at)
	`, g)
	if err != nil {
		return storageErr("insert grant", err)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, row *Transaction) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO credit_transactions (`+transactionColumns+`)
		VALUES (:id, :user_id, :grant_id, :type, :amount, :balance_before, :balance_after,
			:description, :metadata, :related_id, :operation_id, :created_at)
	`, row)
	if err != nil {
		return storageErr("insert transaction", err)
	}
	return nil
}

func (t *pgTx) InsertDebt(ctx context.Context, d *Debt) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO credit_debts (`+debtColumns+`)
		VALUES (:id, :user_id, :amount, :operation_type, :metadata, :related_id, :is_settled,
			:settled_at, :settled_transaction_id, :created_at, :updated_at)
	`, d)
	if err != nil {
		return storageErr("insert debt", err)
	}
	return nil
}

func (t *pgTx) LockUnsettledDebts(ctx context.Context, userID uuid.UUID) ([]Debt, error) {
	debts := make([]Debt, 0)
	err := t.tx.SelectContext(ctx, &debts, `
		SELECT `+debtColumns+`
		FROM credit_debts
		WHERE user_id = $1 AND is_settled = FALSE
		ORDER BY created_at ASC, id ASC
		FOR UPDATE
	`, userID)
	if err != nil {
		return nil, storageErr("lock unsettled debts", err)
	}
	return debts, nil
}

func (t *pgTx) LockDebt(ctx context.Context, debtID uuid.UUID) (*Debt, error) {
	var d Debt
	err := t.tx.GetContext(ctx, &d, `SELECT `+debtColumns+` FROM credit_debts WHERE id = $1 FOR UPDATE`, debtID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDebtNotFound
		}
		return nil, storageErr("lock debt", err)
	}
	return &d, nil
}

func (t *pgTx) ReduceDebt(ctx context.Context, debtID uuid.UUID, amount int64, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE credit_debts SET amount = $2, updated_at = $3 WHERE id = $1
	`, debtID, amount, now)
	if err != nil {
		return storageErr("reduce debt", err)
	}
	return nil
}

func (t *pgTx) SettleDebt(ctx context.Context, debtID uuid.UUID, transactionID *uuid.UUID, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE credit_debts
		SET is_settled = TRUE, settled_at = $3, settled_transaction_id = $2, updated_at = $3
		WHERE id = $1
	`, debtID, transactionID, now)
	if err != nil {
		return storageErr("settle debt", err)
	}
	return nil
}

func (t *pgTx) GetTemplate(ctx context.Context, templateID uuid.UUID) (*GrantTemplate, error) {
	var tmpl GrantTemplate
	err := t.tx.GetContext(ctx, &tmpl, `
		SELECT `+templateColumns+` FROM credit_templates WHERE id = $1 AND deleted_at IS NULL
	`, templateID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, storageErr("get template", err)
	}
	return &tmpl, nil
}

func (t *pgTx) LockRedemptionCode(ctx context.Context, codeID string) (*RedemptionCode, error) {
	var code RedemptionCode
	err := t.tx.GetContext(ctx, &code, `
		SELECT `+codeColumns+` FROM credit_redemption_codes
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE
	`, codeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, storageErr("lock redemption code", err)
	}
	return &code, nil
}

func (t *pgTx) HasRedeemed(ctx context.Context, codeID string, userID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM credit_redemptions WHERE code_id = $1 AND user_id = $2)
	`, codeID, userID)
	if err != nil {
		return false, storageErr("check redemption", err)
	}
	return exists, nil
}

func (t *pgTx) IncrementCodeUses(ctx context.Context, codeID string, now time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE credit_redemption_codes
		SET current_uses = current_uses + 1, updated_at = $2
		WHERE id = $1 AND current_uses < max_uses
	`, codeID, now)
	if err != nil {
		return storageErr("increment code uses", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if rows == 0 {
		return ErrCodeExhausted
	}
	return nil
}

func (t *pgTx) InsertRedemption(ctx context.Context, rd *Redemption) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO credit_redemptions (id, code_id, user_id, template_id, grant_id, credits_granted, expires_at, redeemed_at)
		VALUES (:id, :code_id, :user_id, :template_id, :grant_id, :credits_granted, :expires_at, :redeemed_at)
	`, rd)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCodeAlreadyRedeemed
		}
		return storageErr("insert redemption", err)
	}
	return nil
}
