package credit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mwork/credit-ledger/internal/pkg/clock"
)

const maxCodesPerBatch = 1000

// TemplateInput carries the editable fields of a grant template.
type TemplateInput struct {
	Name         string
	Description  string
	Credits      int64
	ValidityDays int
	Price        *int64
	Currency     *string
	PackageType  string
	IsActive     *bool
	Metadata     Metadata
}

func (in TemplateInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTemplate)
	}
	if in.Credits <= 0 {
		return fmt.Errorf("%w: credits must be greater than 0", ErrInvalidTemplate)
	}
	if in.ValidityDays <= 0 {
		return fmt.Errorf("%w: validity days must be greater than 0", ErrInvalidTemplate)
	}
	if in.Price != nil && *in.Price < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrInvalidTemplate)
	}
	return nil
}

// CodeFilter selects redemption codes for the admin listing.
type CodeFilter struct {
	Status     *CodeStatus
	TemplateID *uuid.UUID
	Pagination
}

// CodeView is a redemption code joined with its template.
type CodeView struct {
	RedemptionCode
	TemplateName string     `db:"template_name" json:"package_name"`
	Credits      int64      `db:"credits" json:"credits"`
	ValidityDays int        `db:"validity_days" json:"validity_days"`
	Status       CodeStatus `db:"-" json:"status"`
}

// RedemptionFilter selects redemption history rows.
type RedemptionFilter struct {
	UserID *uuid.UUID
	CodeID *string
	Pagination
}

// GenerateCodesRequest asks for a batch of codes for one template.
type GenerateCodesRequest struct {
	TemplateID    uuid.UUID
	Count         int
	MaxUses       int
	ExpiresInDays int
	CreatedBy     *uuid.UUID
}

// CatalogStore persists templates and redemption codes.
type CatalogStore interface {
	ListTemplates(ctx context.Context, includeInactive bool) ([]GrantTemplate, error)
	GetTemplateByID(ctx context.Context, id uuid.UUID) (*GrantTemplate, error)
	CreateTemplate(ctx context.Context, t *GrantTemplate) error
	UpdateTemplate(ctx context.Context, t *GrantTemplate) error
	SoftDeleteTemplate(ctx context.Context, id uuid.UUID, now time.Time) error

	CreateCodes(ctx context.Context, codes []RedemptionCode) error
	ListCodes(ctx context.Context, filter CodeFilter, now time.Time) ([]CodeView, int, error)
	SetCodeActive(ctx context.Context, id string, active bool, now time.Time) error
	SoftDeleteCode(ctx context.Context, id string, now time.Time) error
	ListRedemptions(ctx context.Context, filter RedemptionFilter) ([]Redemption, int, error)
}

// Catalog manages grant templates and redemption codes.
type Catalog struct {
	store              CatalogStore
	clock              clock.Clock
	codeExpirationDays int
}

func NewCatalog(store CatalogStore, c clock.Clock, codeExpirationDays int) *Catalog {
	if c == nil {
		c = clock.Real()
	}
	if codeExpirationDays <= 0 {
		codeExpirationDays = 30
	}
	return &Catalog{store: store, clock: c, codeExpirationDays: codeExpirationDays}
}

func (c *Catalog) ListTemplates(ctx context.Context, includeInactive bool) ([]GrantTemplate, error) {
	return c.store.ListTemplates(ctx, includeInactive)
}

func (c *Catalog) GetTemplate(ctx context.Context, id uuid.UUID) (*GrantTemplate, error) {
	return c.store.GetTemplateByID(ctx, id)
}

func (c *Catalog) CreateTemplate(ctx context.Context, in TemplateInput) (*GrantTemplate, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := c.clock.Now()
	t := &GrantTemplate{
		ID:           uuid.New(),
		Name:         strings.TrimSpace(in.Name),
		Description:  in.Description,
		Credits:      in.Credits,
		ValidityDays: in.ValidityDays,
		Price:        in.Price,
		Currency:     in.Currency,
		PackageType:  in.PackageType,
		IsActive:     true,
		Metadata:     in.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.PackageType == "" {
		t.PackageType = "standard"
	}
	if in.IsActive != nil {
		t.IsActive = *in.IsActive
	}
	if t.Metadata == nil {
		t.Metadata = Metadata{}
	}

	if err := c.store.CreateTemplate(ctx, t); err != nil {
		return nil, err
	}

	log.Info().Str("template_id", t.ID.String()).Int64("credits", t.Credits).Msg("credit template created")
	return t, nil
}

// UpdateTemplate replaces a template's fields. Grants already issued keep
// their snapshot.
func (c *Catalog) UpdateTemplate(ctx context.Context, id uuid.UUID, in TemplateInput) (*GrantTemplate, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	t, err := c.store.GetTemplateByID(ctx, id)
	if err != nil {
		return nil, err
	}

	t.Name = strings.TrimSpace(in.Name)
	t.Description = in.Description
	t.Credits = in.Credits
	t.ValidityDays = in.ValidityDays
	t.Price = in.Price
	t.Currency = in.Currency
	if in.PackageType != "" {
		t.PackageType = in.PackageType
	}
	if in.IsActive != nil {
		t.IsActive = *in.IsActive
	}
	if in.Metadata != nil {
		t.Metadata = in.Metadata
	}
	t.UpdatedAt = c.clock.Now()

	if err := c.store.UpdateTemplate(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Catalog) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	return c.store.SoftDeleteTemplate(ctx, id, c.clock.Now())
}

// GenerateCodes creates count codes for an active template in a single insert.
func (c *Catalog) GenerateCodes(ctx context.Context, req GenerateCodesRequest) ([]RedemptionCode, error) {
	if req.Count <= 0 || req.Count > maxCodesPerBatch {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidCodeRequest, maxCodesPerBatch)
	}
	if req.MaxUses <= 0 {
		req.MaxUses = 1
	}
	if req.ExpiresInDays <= 0 {
		req.ExpiresInDays = c.codeExpirationDays
	}

	t, err := c.store.GetTemplateByID(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if !t.IsActive {
		return nil, ErrTemplateInactive
	}

	now := c.clock.Now()
	expiresAt := now.AddDate(0, 0, req.ExpiresInDays)
	codes := make([]RedemptionCode, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		codes = append(codes, RedemptionCode{
			ID:            uuid.NewString(),
			TemplateID:    t.ID,
			MaxUses:       req.MaxUses,
			CodeExpiresAt: expiresAt,
			IsActive:      true,
			CreatedBy:     req.CreatedBy,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := c.store.CreateCodes(ctx, codes); err != nil {
		return nil, err
	}

	log.Info().
		Str("template_id", t.ID.String()).
		Int("count", len(codes)).
		Int("max_uses", req.MaxUses).
		Msg("redemption codes generated")
	return codes, nil
}

func (c *Catalog) ListCodes(ctx context.Context, filter CodeFilter) ([]CodeView, int, error) {
	if filter.Status != nil {
		switch *filter.Status {
		case CodeStatusActive, CodeStatusUsed, CodeStatusExpired, CodeStatusDisabled:
		default:
			return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidCodeRequest, *filter.Status)
		}
	}
	filter.Pagination = filter.Pagination.Normalize()

	now := c.clock.Now()
	codes, total, err := c.store.ListCodes(ctx, filter, now)
	if err != nil {
		return nil, 0, err
	}
	for i := range codes {
		codes[i].Status = codes[i].RedemptionCode.Status(now)
	}
	return codes, total, nil
}

func (c *Catalog) DisableCode(ctx context.Context, id string) error {
	return c.store.SetCodeActive(ctx, id, false, c.clock.Now())
}

func (c *Catalog) EnableCode(ctx context.Context, id string) error {
	return c.store.SetCodeActive(ctx, id, true, c.clock.Now())
}

func (c *Catalog) DeleteCode(ctx context.Context, id string) error {
	return c.store.SoftDeleteCode(ctx, id, c.clock.Now())
}

func (c *Catalog) ListRedemptions(ctx context.Context, filter RedemptionFilter) ([]Redemption, int, error) {
	filter.Pagination = filter.Pagination.Normalize()
	return c.store.ListRedemptions(ctx, filter)
}
