package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"ai_routing/internal/aliases"
	"ai_routing/internal/auth"
	"ai_routing/internal/catalog"
	"ai_routing/internal/config"
	"ai_routing/internal/dispatch"
	"ai_routing/internal/ledger"
	"ai_routing/internal/logging"
	"ai_routing/internal/middleware"
	"ai_routing/internal/utils"
	"ai_routing/internal/vault"
)

// HealthCheck is one dependency probed by /health
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Auth       config.AuthConfig
	Catalog    *catalog.Service
	Vault      *vault.Vault
	Aliases    *aliases.Registry
	Ledger     *ledger.Ledger
	Dispatcher *dispatch.Dispatcher

	// Metrics serves /metrics when set
	Metrics http.Handler
	Health  []HealthCheck

	logger  *utils.Logger
	closers []func(ctx context.Context) error
}

// NewRouter creates the HTTP router. Everything except /health and
// /metrics requires a tenant token.
func NewRouter(d *Dependencies) *chi.Mux {
	if d.logger == nil {
		d.logger = utils.NewLogger("httpapi")
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(logging.AccessLog(utils.NewLogger("access")))
	r.Use(chimw.Recoverer)

	r.Get("/health", d.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.TenantJWT(d.Auth))

		r.Route("/ai-keys", func(r chi.Router) {
			r.Get("/", d.listKeys)
			r.Post("/", d.createKey)
			r.Get("/{id}", d.keyAction(d.getKey))
			r.Post("/{id}/verify", d.keyAction(d.verifyKey))
			r.Post("/{id}/disable", d.keyAction(d.disableKey))
		})

		r.Route("/ai-aliases", func(r chi.Router) {
			r.Get("/", d.listAliases)
			r.Post("/", d.createAlias)
			r.Get("/{id}", d.getAlias)
			r.Post("/{id}/deactivate", d.deactivateAlias)
		})

		r.Get("/ai-usage", d.usage)
		r.Post("/ai-dispatch", d.dispatch)

		r.Get("/ai-providers", d.listProviders)
		r.With(middleware.RequireRole(auth.RoleAdmin)).Post("/ai-providers/seed", d.seedProviders)
	})

	return r
}

func (d *Dependencies) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failing := map[string]string{}
	for _, h := range d.Health {
		if err := h.Check(ctx); err != nil {
			failing[h.Name] = err.Error()
		}
	}
	if len(failing) > 0 {
		d.logger.Warn("Health check failed", "failing", failing)
		utils.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "failing": failing})
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
