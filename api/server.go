/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/employees/*      Employee-facing advance operations
  /api/employers/*      Employer onboarding and dashboards
  /api/advances/*       Advance details, approval, repayment
  /api/mpesa/*          Provider callbacks (public webhook surface)

SECURITY NOTE:
  No authentication middleware; an auth gateway in front of this
  service owns sessions. The callback endpoints are intentionally
  unauthenticated (the provider does not sign requests), which is why
  they only ever reconcile against previously stored conversation ids.

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tune the middleware stack.
type RouterOptions struct {
	// AllowedOrigins for CORS. Empty means same-origin only.
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
	}

	r.Route("/api", func(r chi.Router) {
		// Employee routes
		r.Route("/employees", func(r chi.Router) {
			r.Post("/{id}/advances", h.RequestAdvance)
			r.Get("/{id}/advances", h.ListEmployeeAdvances)
			r.Get("/{id}/dashboard", h.EmployeeDashboard)
		})

		// Employer routes
		r.Route("/employers", func(r chi.Router) {
			r.Post("/", h.CreateEmployer)
			r.Post("/{id}/employees", h.CreateEmployee)
			r.Get("/{id}/dashboard", h.EmployerDashboard)
			r.Get("/{id}/advances", h.ListEmployerAdvances)
		})

		// Advance routes
		r.Route("/advances", func(r chi.Router) {
			r.Get("/{id}", h.GetAdvance)
			r.Get("/{id}/history", h.GetAdvanceHistory)
			r.Patch("/{id}", h.UpdateAdvanceStatus)
			r.Post("/{id}/repay", h.RepayAdvance)
		})

		// Provider callback routes
		r.Route("/mpesa", func(r chi.Router) {
			r.Post("/result", h.MpesaResult)
			r.Post("/timeout", h.MpesaTimeout)
			r.Post("/query-result", h.MpesaQueryCallback)
			r.Post("/query-timeout", h.MpesaQueryCallback)
			r.Get("/health", h.MpesaHealth)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
