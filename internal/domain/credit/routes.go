package credit

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes mounts the user endpoints. ws, when set, is served at /ws behind
// wsAuth so browsers can authenticate with a query token.
func (h *Handler) Routes(auth, wsAuth func(http.Handler) http.Handler, ws http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Get("/balance", h.Balance)
		r.Get("/grants", h.Grants)
		r.Get("/transactions", h.Transactions)
		r.Get("/debts", h.Debts)
		r.Get("/stats", h.Stats)
		r.Get("/stats/monthly", h.MonthlyStats)
		r.Get("/pricing", h.Prices)
		r.Post("/redeem", h.Redeem)
		r.Post("/usage", h.Usage)
	})

	if ws != nil {
		r.With(wsAuth).Get("/ws", ws.ServeHTTP)
	}

	return r
}

// Routes mounts the admin endpoints behind auth and requireAdmin.
func (h *AdminHandler) Routes(auth, requireAdmin func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(auth)
	r.Use(requireAdmin)

	r.Route("/templates", func(r chi.Router) {
		r.Get("/", h.ListTemplates)
		r.Post("/", h.CreateTemplate)
		r.Get("/{id}", h.GetTemplate)
		r.Put("/{id}", h.UpdateTemplate)
		r.Delete("/{id}", h.DeleteTemplate)
	})

	r.Route("/codes", func(r chi.Router) {
		r.Get("/", h.ListCodes)
		r.Post("/generate", h.GenerateCodes)
		r.Post("/{id}/disable", h.DisableCode)
		r.Post("/{id}/enable", h.EnableCode)
		r.Delete("/{id}", h.DeleteCode)
	})

	r.Get("/redemptions", h.ListRedemptions)

	r.Route("/users/{id}", func(r chi.Router) {
		r.Post("/grants", h.IssueGrant)
		r.Post("/settle", h.SettleUser)
		r.Get("/stats", h.UserStats)
	})

	r.Get("/transactions", h.ListTransactions)
	r.Get("/debts", h.ListDebts)
	r.Post("/debts/{id}/forgive", h.ForgiveDebt)
	r.Get("/overview", h.Overview)
	r.Post("/exports/transactions", h.ExportTransactions)

	return r
}
