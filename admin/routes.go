package admin

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/cfg"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers) {
	r := chi.NewRouter()
	r.Use(authMiddleware)

	r.Get("/stats", handlers.handleStats)
	r.Get("/destinations", handlers.handleDestinations)
	r.Get("/rules", handlers.handleRules)
	r.Get("/deliveries", handlers.handleDeliveryStatus)

	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", handlers.handleTransactions)
		r.Post("/{txnID}/abort", func(w http.ResponseWriter, req *http.Request) {
			handlers.handleAbortTransaction(w, req, chi.URLParam(req, "txnID"))
		})
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// authMiddleware validates the shared admin secret when one is configured.
func authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := cfg.Config.Admin.Secret
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get("X-Sluice-Secret")
		if provided == "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			provided = parts[1]
		}

		if provided != secret {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}
