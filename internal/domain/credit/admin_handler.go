package credit

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mwork/credit-ledger/internal/middleware"
	"github.com/mwork/credit-ledger/internal/pkg/errorhandler"
	"github.com/mwork/credit-ledger/internal/pkg/response"
	"github.com/mwork/credit-ledger/internal/pkg/validator"
)

// AdminHandler serves the administrative credit endpoints
type AdminHandler struct {
	ledger   *Service
	catalog  *Catalog
	reports  *Reports
	exporter *Exporter
}

// NewAdminHandler creates the admin handler. exporter may be nil when no
// export storage is configured.
func NewAdminHandler(ledger *Service, catalog *Catalog, reports *Reports, exporter *Exporter) *AdminHandler {
	return &AdminHandler{ledger: ledger, catalog: catalog, reports: reports, exporter: exporter}
}

func pathUUID(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	if err != nil {
		response.BadRequest(w, "invalid "+key)
		return uuid.Nil, false
	}
	return id, true
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := response.DecodeJSON(r.Body, dst); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return false
	}
	if errs := validator.Validate(dst); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return false
	}
	return true
}

// --- Templates ---

// ListTemplates handles GET /templates
func (h *AdminHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	includeInactive, err := parseBoolQuery(r, "include_inactive")
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	templates, err := h.catalog.ListTemplates(r.Context(), includeInactive != nil && *includeInactive)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, templates)
}

// GetTemplate handles GET /templates/{id}
func (h *AdminHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	t, err := h.catalog.GetTemplate(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, t)
}

// CreateTemplate handles POST /templates
func (h *AdminHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	t, err := h.catalog.CreateTemplate(r.Context(), req.toInput())
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, t)
}

// UpdateTemplate handles PUT /templates/{id}
func (h *AdminHandler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req TemplateRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	t, err := h.catalog.UpdateTemplate(r.Context(), id, req.toInput())
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, t)
}

// DeleteTemplate handles DELETE /templates/{id}
func (h *AdminHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.catalog.DeleteTemplate(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// --- Redemption codes ---

// GenerateCodes handles POST /codes/generate
func (h *AdminHandler) GenerateCodes(w http.ResponseWriter, r *http.Request) {
	var req GenerateCodesBody
	if !decodeAndValidate(w, r, &req) {
		return
	}

	var createdBy *uuid.UUID
	if adminID := middleware.GetUserID(r.Context()); adminID != uuid.Nil {
		createdBy = &adminID
	}

	codes, err := h.catalog.GenerateCodes(r.Context(), GenerateCodesRequest{
		TemplateID:    uuid.MustParse(req.TemplateID),
		Count:         req.Count,
		MaxUses:       req.MaxUses,
		ExpiresInDays: req.ExpiresInDays,
		CreatedBy:     createdBy,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := GenerateCodesResponse{Codes: make([]string, 0, len(codes)), Count: len(codes)}
	for _, c := range codes {
		resp.Codes = append(resp.Codes, c.ID)
	}
	if len(codes) > 0 {
		resp.ExpiresAt = codes[0].CodeExpiresAt
	}
	response.Created(w, resp)
}

// ListCodes handles GET /codes
func (h *AdminHandler) ListCodes(w http.ResponseWriter, r *http.Request) {
	var filter CodeFilter
	var err error

	if v := r.URL.Query().Get("status"); v != "" {
		if verr := validator.ValidateVar(v, "code_status"); verr != nil {
			response.BadRequest(w, "invalid status")
			return
		}
		status := CodeStatus(v)
		filter.Status = &status
	}
	if filter.TemplateID, err = parseUUIDQuery(r, "template_id"); err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	if filter.Pagination, err = parsePagination(r); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	codes, total, err := h.catalog.ListCodes(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.WithMeta(w, codes, response.NewMeta(total, filter.Limit, filter.Offset))
}

// DisableCode handles POST /codes/{id}/disable
func (h *AdminHandler) DisableCode(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DisableCode(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// EnableCode handles POST /codes/{id}/enable
func (h *AdminHandler) EnableCode(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.EnableCode(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// DeleteCode handles DELETE /codes/{id}
func (h *AdminHandler) DeleteCode(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteCode(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// ListRedemptions handles GET /redemptions
func (h *AdminHandler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	var filter RedemptionFilter
	var err error

	if filter.UserID, err = parseUUIDQuery(r, "user_id"); err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	if v := r.URL.Query().Get("code_id"); v != "" {
		filter.CodeID = &v
	}
	if filter.Pagination, err = parsePagination(r); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	items, total, err := h.catalog.ListRedemptions(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.WithMeta(w, items, response.NewMeta(total, filter.Limit, filter.Offset))
}

// --- Users ---

// IssueGrant handles POST /users/{id}/grants
func (h *AdminHandler) IssueGrant(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req IssueGrantRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	meta := Metadata{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["issued_by"] = middleware.GetUserID(r.Context()).String()

	res, err := h.ledger.Grant(r.Context(), GrantRequest{
		UserID:      userID,
		TemplateID:  uuid.MustParse(req.TemplateID),
		Source:      GrantSource(req.Source),
		SourceID:    req.SourceID,
		Description: req.Description,
		Metadata:    meta,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, res)
}

// SettleUser handles POST /users/{id}/settle
func (h *AdminHandler) SettleUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	res, err := h.ledger.SettleDebts(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, res)
}

// UserStats handles GET /users/{id}/stats
func (h *AdminHandler) UserStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	stats, err := h.reports.UserStats(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, stats)
}

// --- Ledger ---

// ListTransactions handles GET /transactions
func (h *AdminHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTransactionFilter(r)
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	if filter.UserID, err = parseUUIDQuery(r, "user_id"); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	items, total, err := h.reports.Transactions(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.WithMeta(w, items, response.NewMeta(total, filter.Limit, filter.Offset))
}

// ListDebts handles GET /debts
func (h *AdminHandler) ListDebts(w http.ResponseWriter, r *http.Request) {
	var filter DebtFilter
	var err error

	if filter.UserID, err = parseUUIDQuery(r, "user_id"); err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	if filter.Settled, err = parseBoolQuery(r, "settled"); err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	if filter.Pagination, err = parsePagination(r); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	items, total, err := h.reports.Debts(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.WithMeta(w, items, response.NewMeta(total, filter.Limit, filter.Offset))
}

// ForgiveDebt handles POST /debts/{id}/forgive
func (h *AdminHandler) ForgiveDebt(w http.ResponseWriter, r *http.Request) {
	debtID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req ForgiveDebtRequest
	if r.ContentLength != 0 && !decodeAndValidate(w, r, &req) {
		return
	}

	debt, err := h.ledger.ForgiveDebt(r.Context(), debtID, middleware.GetUserID(r.Context()), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, debt)
}

// Overview handles GET /overview
func (h *AdminHandler) Overview(w http.ResponseWriter, r *http.Request) {
	o, err := h.reports.Overview(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, o)
}

// ExportTransactions handles POST /exports/transactions
func (h *AdminHandler) ExportTransactions(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		response.ServiceUnavailable(w, "Exports are not configured")
		return
	}
	var req ExportRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.exporter.ExportTransactions(r.Context(), req.toFilter())
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, res)
}
