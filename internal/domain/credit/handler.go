package credit

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mwork/credit-ledger/internal/middleware"
	"github.com/mwork/credit-ledger/internal/pkg/errorhandler"
	"github.com/mwork/credit-ledger/internal/pkg/pricing"
	"github.com/mwork/credit-ledger/internal/pkg/response"
	"github.com/mwork/credit-ledger/internal/pkg/validator"
)

// Handler serves the user-facing credit endpoints
type Handler struct {
	ledger  *Service
	reports *Reports
	prices  *pricing.Table
}

func NewHandler(ledger *Service, reports *Reports, prices *pricing.Table) *Handler {
	if prices == nil {
		prices = pricing.Default()
	}
	return &Handler{ledger: ledger, reports: reports, prices: prices}
}

// Balance handles GET /credits/balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	debt, count, err := h.reports.TotalDebt(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	response.OK(w, BalanceResponse{Balance: balance, TotalDebt: debt, DebtCount: count})
}

// Grants handles GET /credits/grants
func (h *Handler) Grants(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	includeInactive, err := parseBoolQuery(r, "include_inactive")
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	page, err := parsePagination(r)
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	grants, err := h.reports.Grants(r.Context(), userID, includeInactive != nil && *includeInactive, page.Limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, grants)
}

// Transactions handles GET /credits/transactions
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	filter, err := parseTransactionFilter(r)
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	filter.UserID = &userID

	items, total, err := h.reports.Transactions(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.WithMeta(w, items, response.NewMeta(total, filter.Limit, filter.Offset))
}

// Debts handles GET /credits/debts
func (h *Handler) Debts(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	settled, err := parseBoolQuery(r, "settled")
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	page, err := parsePagination(r)
	if err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	items, total, err := h.reports.Debts(r.Context(), DebtFilter{UserID: &userID, Settled: settled, Pagination: page})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.WithMeta(w, items, response.NewMeta(total, page.Limit, page.Offset))
}

// Stats handles GET /credits/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	stats, err := h.reports.UserStats(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, stats)
}

// MonthlyStats handles GET /credits/stats/monthly
func (h *Handler) MonthlyStats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	months := 0
	if v := r.URL.Query().Get("months"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			response.BadRequest(w, "invalid months")
			return
		}
		months = n
	}

	rows, err := h.reports.MonthlySpending(r.Context(), userID, months)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, rows)
}

// Prices handles GET /credits/pricing
func (h *Handler) Prices(w http.ResponseWriter, r *http.Request) {
	ops := h.prices.Operations()
	items := make([]PriceResponse, 0, len(ops))
	for _, op := range ops {
		c, _ := h.prices.Lookup(op)
		items = append(items, PriceResponse{OperationType: op, CostAmount: c.CostAmount, CostPer: c.CostPer})
	}
	response.OK(w, items)
}

// Redeem handles POST /credits/redeem
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req RedeemRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(req); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return
	}

	res, err := h.ledger.Redeem(r.Context(), userID, req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, res)
}

// Usage handles POST /credits/usage. The Idempotency-Key header stands in
// for operation_id when the body omits it.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req UsageRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if req.OperationID == "" {
		req.OperationID = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	if errs := validator.Validate(req); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return
	}

	cost, err := h.prices.Cost(req.OperationType, req.Units)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.ledger.Deduct(r.Context(), DeductRequest{
		UserID:        userID,
		Amount:        cost,
		OperationType: TxType(req.OperationType),
		Description:   req.Description,
		Metadata:      req.Metadata,
		OperationID:   req.OperationID,
		RelatedID:     req.RelatedID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, UsageResponse{Cost: cost, DeductResult: res})
}

// writeError maps ledger errors onto the response envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if re, ok := IsRedemptionError(err); ok {
		response.Error(w, http.StatusBadRequest, "INVALID_REDEMPTION_CODE", re.Message)
		return
	}

	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidOperationType),
		errors.Is(err, ErrInvalidSource),
		errors.Is(err, ErrInvalidUserID),
		errors.Is(err, ErrInvalidTemplate),
		errors.Is(err, ErrInvalidCodeRequest),
		errors.Is(err, ErrExportTooLarge),
		errors.Is(err, pricing.ErrUnknownOperation),
		errors.Is(err, pricing.ErrInactiveOperation),
		errors.Is(err, pricing.ErrInvalidUnits):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrTemplateNotFound):
		response.NotFound(w, "Template not found")
	case errors.Is(err, ErrDebtNotFound):
		response.NotFound(w, "Debt not found")
	case errors.Is(err, ErrCodeNotFoundAdmin):
		response.NotFound(w, "Redemption code not found")
	case errors.Is(err, ErrTemplateInactive):
		response.Conflict(w, "Template is not active")
	case errors.Is(err, ErrDebtAlreadySettled):
		response.Conflict(w, "Debt is already settled")
	case errors.Is(err, ErrDeductFailed):
		errorhandler.HandleError(r.Context(), w, http.StatusServiceUnavailable, "DEDUCTION_FAILED",
			"Credit deduction failed, please retry later", err)
	default:
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", err)
	}
}
