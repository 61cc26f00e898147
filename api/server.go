/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/weeks/*          Settlement week calendar and payouts
  /api/couriers/*       Courier roster, aliases, payment info
  /api/imports/*        Vendor batch ingestion
  /api/rides/*          Ride listing and inspection
  /api/pendings/*       Assignment and review queues
  /api/ledger/*         EXTRA/VALE manual adjustments
  /api/loans/*          Loan plans and installments

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Week calendar routes
		r.Route("/weeks", func(r chi.Router) {
			r.Get("/", h.ListWeeks)
			r.Post("/", h.CreateWeek)
			r.Get("/{id}", h.GetWeek)
			r.Put("/{id}/dates", h.UpdateWeekDates)
			r.Post("/{id}/compute", h.ComputeWeek)
			r.Post("/{id}/close", h.CloseWeek)
			r.Post("/{id}/pay", h.PayWeek)
			r.Get("/{id}/payouts", h.ListWeekPayouts)
			r.Get("/{id}/ledger", h.ListWeekLedger)
		})

		// Courier routes
		r.Route("/couriers", func(r chi.Router) {
			r.Get("/", h.ListCouriers)
			r.Post("/", h.CreateCourier)
			r.Get("/{id}", h.GetCourier)
			r.Put("/{id}", h.UpdateCourier)
			r.Get("/{id}/aliases", h.ListAliases)
			r.Post("/{id}/aliases", h.AddAlias)
			r.Put("/{id}/payment", h.SetPaymentInfo)
			r.Get("/{id}/loans", h.ListCourierLoans)
		})

		// Import routes
		r.Route("/imports", func(r chi.Router) {
			r.Post("/", h.Ingest)
			r.Get("/{id}", h.GetImport)
		})

		// Ride routes
		r.Route("/rides", func(r chi.Router) {
			r.Get("/", h.ListRides)
			r.Get("/{id}", h.GetRide)
		})

		// Pending queue routes
		r.Route("/pendings", func(r chi.Router) {
			r.Get("/assignment", h.ListAssignmentQueue)
			r.Post("/assignment/{rideID}", h.AssignRide)
			r.Get("/review", h.ListReviewQueue)
			r.Get("/review/{groupID}", h.GetReviewGroup)
			r.Post("/review/{groupID}/resolve", h.ResolveReviewGroup)
		})

		// Ledger routes
		r.Route("/ledger", func(r chi.Router) {
			r.Post("/", h.AddLedgerEntry)
			r.Get("/", h.ListLedgerEntries)
		})

		// Loan routes
		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoanPlans)
			r.Post("/", h.CreateLoanPlan)
			r.Get("/{id}", h.GetLoanPlan)
			r.Get("/{id}/installments", h.ListInstallments)
			r.Post("/{id}/pause", h.PauseLoanPlan)
			r.Post("/{id}/resume", h.ResumeLoanPlan)
			r.Post("/{id}/cancel", h.CancelLoanPlan)
			r.Post("/installments/{id}/pause", h.PauseInstallment)
			r.Post("/installments/{id}/resume", h.ResumeInstallment)
		})
	})

	return r
}
