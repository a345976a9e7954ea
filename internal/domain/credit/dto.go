package credit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mwork/credit-ledger/internal/pkg/validator"
)

func init() {
	usage := make([]string, 0, len(usageTypes))
	for _, t := range UsageTypes() {
		usage = append(usage, string(t))
	}
	validator.MustRegisterEnum("usage_type", usage...)
	validator.MustRegisterEnum("grant_source",
		string(SourcePurchase), string(SourceRedemption), string(SourceSubscription), string(SourceAdmin))
	validator.MustRegisterEnum("code_status",
		string(CodeStatusActive), string(CodeStatusUsed), string(CodeStatusExpired), string(CodeStatusDisabled))

	all := append([]string(nil), usage...)
	for t := range creditTypes {
		all = append(all, string(t))
	}
	validator.MustRegisterEnum("tx_type", all...)
}

// RedeemRequest redeems a code for the calling user
type RedeemRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

// UsageRequest charges the caller for a metered operation. The amount comes
// from the pricing table.
type UsageRequest struct {
	OperationType string   `json:"operation_type" validate:"required,usage_type"`
	Units         int64    `json:"units" validate:"required,gt=0"`
	Description   string   `json:"description" validate:"max=500"`
	Metadata      Metadata `json:"metadata"`
	OperationID   string   `json:"operation_id" validate:"max=128"`
	RelatedID     string   `json:"related_id" validate:"max=128"`
}

// UsageResponse is a deduction result with the priced amount
type UsageResponse struct {
	Cost int64 `json:"cost"`
	*DeductResult
}

// BalanceResponse is the caller's balance and outstanding debt
type BalanceResponse struct {
	Balance   int64 `json:"balance"`
	TotalDebt int64 `json:"total_debt"`
	DebtCount int64 `json:"debt_count"`
}

// PriceResponse describes one billable operation
type PriceResponse struct {
	OperationType string `json:"operation_type"`
	CostAmount    int64  `json:"cost_amount"`
	CostPer       int64  `json:"cost_per"`
}

// IssueGrantRequest issues a grant to a user from a template
type IssueGrantRequest struct {
	TemplateID  string   `json:"template_id" validate:"required,uuid"`
	Source      string   `json:"source" validate:"required,grant_source"`
	SourceID    string   `json:"source_id" validate:"max=255"`
	Description string   `json:"description" validate:"max=500"`
	Metadata    Metadata `json:"metadata"`
}

// TemplateRequest creates or replaces a grant template
type TemplateRequest struct {
	Name         string   `json:"name" validate:"required,max=255"`
	Description  string   `json:"description" validate:"max=2000"`
	Credits      int64    `json:"credits" validate:"required,gt=0"`
	ValidityDays int      `json:"validity_days" validate:"required,gt=0,lte=3650"`
	Price        *int64   `json:"price" validate:"omitempty,gte=0"`
	Currency     *string  `json:"currency" validate:"omitempty,len=3"`
	PackageType  string   `json:"package_type" validate:"max=50"`
	IsActive     *bool    `json:"is_active"`
	Metadata     Metadata `json:"metadata"`
}

func (r TemplateRequest) toInput() TemplateInput {
	return TemplateInput{
		Name:         r.Name,
		Description:  r.Description,
		Credits:      r.Credits,
		ValidityDays: r.ValidityDays,
		Price:        r.Price,
		Currency:     r.Currency,
		PackageType:  r.PackageType,
		IsActive:     r.IsActive,
		Metadata:     r.Metadata,
	}
}

// GenerateCodesBody requests a batch of redemption codes
type GenerateCodesBody struct {
	TemplateID    string `json:"template_id" validate:"required,uuid"`
	Count         int    `json:"count" validate:"required,gt=0,lte=1000"`
	MaxUses       int    `json:"max_uses" validate:"omitempty,gt=0"`
	ExpiresInDays int    `json:"expires_in_days" validate:"omitempty,gt=0,lte=3650"`
}

// GenerateCodesResponse lists the created code ids
type GenerateCodesResponse struct {
	Codes     []string  `json:"codes"`
	Count     int       `json:"count"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ForgiveDebtRequest forgives a debt with an audit reason
type ForgiveDebtRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// ExportRequest selects the transactions to export
type ExportRequest struct {
	UserID string     `json:"user_id" validate:"omitempty,uuid"`
	Type   string     `json:"type" validate:"omitempty,tx_type"`
	From   *time.Time `json:"from"`
	To     *time.Time `json:"to"`
}

func (r ExportRequest) toFilter() TransactionFilter {
	var f TransactionFilter
	if r.UserID != "" {
		id := uuid.MustParse(r.UserID)
		f.UserID = &id
	}
	if r.Type != "" {
		t := TxType(r.Type)
		f.Type = &t
	}
	f.From = r.From
	f.To = r.To
	return f
}

// Query helpers

func parsePagination(r *http.Request) (Pagination, error) {
	var p Pagination
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("invalid limit: %s", v)
		}
		p.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, fmt.Errorf("invalid offset: %s", v)
		}
		p.Offset = n
	}
	return p.Normalize(), nil
}

func parseBoolQuery(r *http.Request, key string) (*bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %s", key, v)
	}
	return &b, nil
}

func parseTimeQuery(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 timestamp", key)
	}
	return &t, nil
}

func parseUUIDQuery(r *http.Request, key string) (*uuid.UUID, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s", key)
	}
	return &id, nil
}

// parseTransactionFilter reads type, from, to and pagination from the query.
func parseTransactionFilter(r *http.Request) (TransactionFilter, error) {
	var f TransactionFilter
	var err error

	if v := r.URL.Query().Get("type"); v != "" {
		t := TxType(v)
		if !t.Valid() {
			return f, fmt.Errorf("invalid type: %s", v)
		}
		f.Type = &t
	}
	if f.From, err = parseTimeQuery(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = parseTimeQuery(r, "to"); err != nil {
		return f, err
	}
	if f.Pagination, err = parsePagination(r); err != nil {
		return f, err
	}
	return f, nil
}
