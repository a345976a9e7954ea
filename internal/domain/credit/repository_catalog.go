package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func (r *Repository) ListTemplates(ctx context.Context, includeInactive bool) ([]GrantTemplate, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `SELECT ` + templateColumns + ` FROM credit_templates WHERE deleted_at IS NULL`
	if !includeInactive {
		query += ` AND is_active = TRUE`
	}
	query += ` ORDER BY credits ASC, name ASC`

	templates := make([]GrantTemplate, 0)
	if err := r.db.SelectContext(ctx2, &templates, query); err != nil {
		return nil, storageErr("list templates", err)
	}
	return templates, nil
}

func (r *Repository) GetTemplateByID(ctx context.Context, id uuid.UUID) (*GrantTemplate, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var t GrantTemplate
	err := r.db.GetContext(ctx2, &t, `
		SELECT `+templateColumns+` FROM credit_templates WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, storageErr("get template", err)
	}
	return &t, nil
}

func (r *Repository) CreateTemplate(ctx context.Context, t *GrantTemplate) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.NamedExecContext(ctx2, `
		INSERT INTO credit_templates (`+templateColumns+`)
		VALUES (:id, :name, :description, :credits, :validity_days, :price, :currency,
			:package_type, :is_active, :metadata, :created_at, :updated_at, :deleted_at)
	`, t)
	if err != nil {
		return storageErr("create template", err)
	}
	return nil
}

func (r *Repository) UpdateTemplate(ctx context.Context, t *GrantTemplate) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.NamedExecContext(ctx2, `
		UPDATE credit_templates
		SET name = :name, description = :description, credits = :credits,
			validity_days = :validity_days, price = :price, currency = :currency,
			package_type = :package_type, is_active = :is_active, metadata = :metadata,
			updated_at = :updated_at
		WHERE id = :id AND deleted_at IS NULL
	`, t)
	if err != nil {
		return storageErr("update template", err)
	}
	return requireAffected(result, ErrTemplateNotFound)
}

func (r *Repository) SoftDeleteTemplate(ctx context.Context, id uuid.UUID, now time.Time) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE credit_templates SET deleted_at = $2, is_active = FALSE, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`, id, now)
	if err != nil {
		return storageErr("delete template", err)
	}
	return requireAffected(result, ErrTemplateNotFound)
}

// CreateCodes inserts the whole batch in one statement.
func (r *Repository) CreateCodes(ctx context.Context, codes []RedemptionCode) error {
	if len(codes) == 0 {
		return nil
	}

	ctx2, cancel := context.WithTimeout(ctx, 2*queryTimeout)
	defer cancel()

	_, err := r.db.NamedExecContext(ctx2, `
		INSERT INTO credit_redemption_codes (`+codeColumns+`)
		VALUES (:id, :template_id, :max_uses, :current_uses, :code_expires_at, :is_active,
			:created_by, :created_at, :updated_at, :deleted_at)
	`, codes)
	if err != nil {
		return storageErr("create codes", err)
	}
	return nil
}

func (r *Repository) ListCodes(ctx context.Context, filter CodeFilter, now time.Time) ([]CodeView, int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	conds := []string{"c.deleted_at IS NULL"}
	args := make([]interface{}, 0, 4)
	idx := 1

	if filter.Status != nil {
		switch *filter.Status {
		case CodeStatusActive:
			conds = append(conds, fmt.Sprintf("c.is_active = TRUE AND c.code_expires_at > $%d AND c.current_uses < c.max_uses", idx))
			args = append(args, now)
			idx++
		case CodeStatusUsed:
			conds = append(conds, fmt.Sprintf("c.is_active = TRUE AND c.code_expires_at > $%d AND c.current_uses >= c.max_uses", idx))
			args = append(args, now)
			idx++
		case CodeStatusExpired:
			conds = append(conds, fmt.Sprintf("c.is_active = TRUE AND c.code_expires_at <= $%d", idx))
			args = append(args, now)
			idx++
		case CodeStatusDisabled:
			conds = append(conds, "c.is_active = FALSE")
		}
	}
	if filter.TemplateID != nil {
		conds = append(conds, fmt.Sprintf("c.template_id = $%d", idx))
		args = append(args, *filter.TemplateID)
		idx++
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int
	if err := r.db.GetContext(ctx2, &total, `SELECT COUNT(*) FROM credit_redemption_codes c`+where, args...); err != nil {
		return nil, 0, storageErr("count codes", err)
	}

	page := filter.Pagination.Normalize()
	query := `
		SELECT c.id, c.template_id, c.max_uses, c.current_uses, c.code_expires_at, c.is_active,
			c.created_by, c.created_at, c.updated_at, c.deleted_at,
			COALESCE(t.name, '') AS template_name,
			COALESCE(t.credits, 0) AS credits,
			COALESCE(t.validity_days, 0) AS validity_days
		FROM credit_redemption_codes c
		LEFT JOIN credit_templates t ON t.id = c.template_id` + where +
		fmt.Sprintf(" ORDER BY c.created_at DESC, c.id LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, page.Limit, page.Offset)

	codes := make([]CodeView, 0)
	if err := r.db.SelectContext(ctx2, &codes, query, args...); err != nil {
		return nil, 0, storageErr("list codes", err)
	}
	return codes, total, nil
}

func (r *Repository) SetCodeActive(ctx context.Context, id string, active bool, now time.Time) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE credit_redemption_codes SET is_active = $2, updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL
	`, id, active, now)
	if err != nil {
		return storageErr("update code", err)
	}
	return requireAffected(result, ErrCodeNotFoundAdmin)
}

func (r *Repository) SoftDeleteCode(ctx context.Context, id string, now time.Time) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE credit_redemption_codes SET deleted_at = $2, is_active = FALSE, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`, id, now)
	if err != nil {
		return storageErr("delete code", err)
	}
	return requireAffected(result, ErrCodeNotFoundAdmin)
}

func (r *Repository) ListRedemptions(ctx context.Context, filter RedemptionFilter) ([]Redemption, int, error) {
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
	if filter.CodeID != nil && *filter.CodeID != "" {
		where += fmt.Sprintf(" AND code_id = $%d", idx)
		args = append(args, *filter.CodeID)
		idx++
	}

	var total int
	if err := r.db.GetContext(ctx2, &total, `SELECT COUNT(*) FROM credit_redemptions`+where, args...); err != nil {
		return nil, 0, storageErr("count redemptions", err)
	}

	page := filter.Pagination.Normalize()
	query := `
		SELECT id, code_id, user_id, template_id, grant_id, credits_granted, expires_at, redeemed_at
		FROM credit_redemptions` + where +
		fmt.Sprintf(" ORDER BY redeemed_at DESC, id DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, page.Limit, page.Offset)

	redemptions := make([]Redemption, 0)
	if err := r.db.SelectContext(ctx2, &redemptions, query, args...); err != nil {
		return nil, 0, storageErr("list redemptions", err)
	}
	return redemptions, total, nil
}

func requireAffected(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
