package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/crypto-control-plane/app"
	"github.com/upb/crypto-control-plane/handlers"
	"github.com/upb/crypto-control-plane/internal/auth"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Handlers
	healthHandler := handlers.NewHealthHandler(deps.DB.DB, deps.Ledger, deps.Logger)
	runHandler := handlers.NewRunHandler(deps.Orchestrator, deps.Logger)
	policyHandler := handlers.NewPolicySetHandler(deps.Policies, deps.Logger)
	inventoryHandler := handlers.NewInventoryHandler(deps.Repos.Inventory, deps.Projector, deps.Logger)
	reportHandler := handlers.NewReportHandler(deps.Repos.Reports, deps.Logger)
	auditHandler := handlers.NewAuditHandler(deps.Ledger, deps.Repos.AuditLedger, deps.Logger)

	// Health and metrics endpoints
	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/health/ready", healthHandler.HandleReadiness)
	if deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)

		// Lifecycle runs
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runHandler.HandleListRuns)
			r.Get("/{id}", runHandler.HandleGetRun)
			r.Group(func(r chi.Router) {
				r.Use(deps.AuthMiddleware.RequireRole(auth.RoleOperator))
				r.Post("/", runHandler.HandleSubmitRun)
				r.Post("/{id}/cancel", runHandler.HandleCancelRun)
			})
		})

		// Policy sets
		r.Route("/policies", func(r chi.Router) {
			r.Get("/", policyHandler.HandleListVersions)
			r.Get("/current", policyHandler.HandleGetCurrent)
			r.Get("/{version}", policyHandler.HandleGetVersion)
			r.Group(func(r chi.Router) {
				r.Use(deps.AuthMiddleware.RequireRole(auth.RoleOperator))
				r.Post("/", policyHandler.HandleActivate)
			})
		})

		// Inventory records
		r.Route("/inventory", func(r chi.Router) {
			r.Get("/", inventoryHandler.HandleListRecords)
			r.Get("/{id}", inventoryHandler.HandleGetRecord)
			r.Group(func(r chi.Router) {
				r.Use(deps.AuthMiddleware.RequireRole(auth.RoleOperator))
				r.Post("/{id}/revoke", inventoryHandler.HandleRevokeRecord)
				r.Post("/{id}/compromise", inventoryHandler.HandleCompromiseRecord)
			})
		})

		// Compliance reports
		r.Route("/reports", func(r chi.Router) {
			r.Get("/", reportHandler.HandleListReports)
			r.Get("/{runID}", reportHandler.HandleGetReport)
		})

		// Audit ledger
		r.Route("/audit", func(r chi.Router) {
			r.Get("/verify", auditHandler.HandleVerify)
			r.Get("/head", auditHandler.HandleHead)
			r.Get("/entries", auditHandler.HandleListEntries)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}
