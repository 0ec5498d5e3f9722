/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for back-office frontends

ROUTE GROUPS:
  /api/products, /api/gl-accounts   Catalog (read-only)
  /api/loans/*                      Loans, transactions, charges
  /api/journal-entries              Journal lookup by correlation id
  /api/jobs/*                       Batch jobs
  /api/scenarios                    Demo data (scenarios.go)
  /metrics                          Prometheus scrape endpoint
  /health                           Liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind the gateway that performs it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter. A nil Metrics handler leaves
// /metrics unmounted.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/products", h.ListProducts)
		r.Get("/gl-accounts", h.ListGLAccounts)

		r.Route("/loans", func(r chi.Router) {
			r.Post("/", h.CreateLoan)
			r.Route("/{loanID}", h.loanRoutes)
			r.Route("/external-id/{loanExternalID}", h.loanRoutes)
		})

		r.Get("/journal-entries", h.GetJournalEntries)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/accruals", h.RunAccruals)
		})

		r.Get("/scenarios", h.ListScenarios)
		r.Post("/scenarios/load", h.LoadScenario)
	})

	return r
}

// loanRoutes is mounted once per way of addressing a loan.
func (h *Handler) loanRoutes(r chi.Router) {
	r.Get("/", h.GetLoan)
	r.Post("/", h.LoanCommand)
	r.Get("/schedule", h.GetSchedule)

	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", h.ListTransactions)
		r.Post("/", h.SubmitTransaction)
		r.Get("/{txID}", h.GetTransaction)
		r.Post("/{txID}/reverse", h.ReverseTransaction)
		r.Get("/external-id/{txExternalID}", h.GetTransaction)
		r.Post("/external-id/{txExternalID}/reverse", h.ReverseTransaction)
	})

	r.Route("/charges", func(r chi.Router) {
		r.Post("/", h.AddCharge)
		r.Get("/{chargeID}", h.GetCharge)
		r.Get("/external-id/{chargeExternalID}", h.GetCharge)
	})
}
