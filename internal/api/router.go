package api

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/teller-assist/internal/auth"
	"github.com/example/teller-assist/internal/charges"
	"github.com/example/teller-assist/internal/pricing"
	"github.com/example/teller-assist/internal/promotion"
	"github.com/example/teller-assist/internal/security"
	"github.com/example/teller-assist/pkg/audit"
)

type Auditor interface {
	Append(e audit.Event) *audit.LogEntry
}

type Dependencies struct {
	Logger       *slog.Logger
	OAuth        *auth.OAuthServer
	JWTValidator *auth.JWTValidator

	Engine *charges.Engine
	// Pricing is where matrix edits are written. The engine is reloaded
	// from it after every edit.
	Pricing   pricing.Store
	Promotion *promotion.Service

	Auditor      Auditor
	RateLimiter  *security.RedisTokenBucket
	IPAllowlist  []*net.IPNet
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	quoteV, err := security.NewJSONSchemaValidator("quote", quoteSchema)
	if err != nil {
		return nil, err
	}
	inferV, err := security.NewJSONSchemaValidator("infer", inferSchema)
	if err != nil {
		return nil, err
	}
	pricingV, err := security.NewJSONSchemaValidator("pricing", pricingUpsertSchema)
	if err != nil {
		return nil, err
	}
	draftV, err := security.NewJSONSchemaValidator("change-request", changeRequestSchema)
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}
	scoped := func(scopes ...string) func(http.Handler) http.Handler {
		return auth.RequireScopes(onAuthError, scopes...)
	}

	h := &handlers{deps: deps, log: deps.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, rateLimitKey))
	}
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if deps.OAuth != nil {
		r.Post("/oauth/token", deps.OAuth.TokenHandler)
		r.Get("/oauth/jwks.json", deps.OAuth.JWKSHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))
		r.Use(recordAuditActor)

		r.With(scoped(auth.ScopeChargesRead), quoteV.Middleware).Post("/charges/quote", h.quote)
		r.With(scoped(auth.ScopeChargesRead), inferV.Middleware).Post("/segments/infer", h.inferSegment)

		r.Route("/pricing", func(r chi.Router) {
			r.With(scoped(auth.ScopePricingRead)).Get("/matrix", h.getMatrix)
			r.With(scoped(auth.ScopePricingRead)).Get("/segments", h.listSegments)
			r.With(scoped(auth.ScopePricingWrite), pricingV.Middleware).Put("/services/{serviceID}", h.upsertService)
		})

		r.Route("/change-requests", func(r chi.Router) {
			read := r.With(scoped(auth.ScopeChangesRead))
			read.Get("/", h.listChangeRequests)
			read.Get("", h.listChangeRequests)
			read.Get("/{id}", h.getChangeRequest)
			read.Get("/{id}/history", h.changeRequestHistory)
			read.Get("/{id}/actions", h.changeRequestActions)

			create := r.With(scoped(auth.ScopeChangesWrite), draftV.Middleware)
			create.Post("/", h.createChangeRequest)
			create.Post("", h.createChangeRequest)

			r.With(scoped(auth.ScopeChangesWrite)).Post("/{id}/{action}", h.performAction)
		})

		r.Route("/versions", func(r chi.Router) {
			r.With(scoped(auth.ScopeChangesRead)).Get("/", h.listVersions)
			r.With(scoped(auth.ScopeChangesRead)).Get("", h.listVersions)
			r.With(scoped(auth.ScopeChangesWrite)).Post("/{id}/rollback", h.rollbackVersion)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}

// rateLimitKey buckets by client certificate when the branch presents one,
// otherwise by peer address.
func rateLimitKey(r *http.Request) string {
	if cn := security.ClientCertSubject(r); cn != "" {
		return "cn:" + cn
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}
