package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
	"github.com/layer-3/obgate/service"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Deps are the services the router exposes
type Deps struct {
	Registry *service.RegistryService
	Consents *service.ConsentService
	Authz    *service.AuthorizationService
	Enforcer *service.Enforcer
	Payments *service.PaymentService
	Ledger   ports.Ledger
	Sessions ports.SessionVerifier

	Issuer         string
	ServiceName    string
	CallbackSecret string
	Logger         *zap.Logger
}

// NewRouter wires gin routes and middleware
func NewRouter(d Deps) *gin.Engine {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	if d.ServiceName != "" {
		r.Use(otelgin.Middleware(d.ServiceName))
	}

	oauthHandlers := NewOAuthHandlers(d.Authz, d.Issuer, logger)
	appHandlers := NewAppHandlers(d.Registry, logger)
	consentHandlers := NewConsentHandlers(d.Consents, logger)
	accountHandlers := NewAccountHandlers(d.Ledger, logger)
	paymentHandlers := NewPaymentHandlers(d.Payments, logger)

	session := SessionAuth(d.Sessions, logger)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/.well-known/oauth-authorization-server", oauthHandlers.Metadata)

	oauth := r.Group("/oauth")
	{
		oauth.GET("/authorize", oauthHandlers.Authorize)
		oauth.POST("/authorize/decision", session, oauthHandlers.Decide)
		oauth.POST("/token", oauthHandlers.Token)
		oauth.POST("/revoke", oauthHandlers.Revoke)
		oauth.POST("/introspect", oauthHandlers.Introspect)
	}

	developer := r.Group("/developer/v1", session)
	{
		developer.POST("/apps", appHandlers.Register)
		developer.GET("/apps", appHandlers.List)
		developer.GET("/apps/:id", appHandlers.Get)
		developer.PATCH("/apps/:id", appHandlers.Update)
		developer.DELETE("/apps/:id", appHandlers.Delete)
		developer.POST("/apps/:id/credentials", appHandlers.RotateSecret)
	}

	admin := r.Group("/admin/v1", session, RequireAdmin(logger))
	{
		admin.PUT("/apps/:id/status", appHandlers.SetStatus)
		admin.POST("/consents/:id/revoke", consentHandlers.AdminRevoke)
	}

	consents := r.Group("/consent/v1", session)
	{
		consents.GET("/consents", consentHandlers.List)
		consents.GET("/consents/:id", consentHandlers.Get)
		consents.POST("/consents/:id/revoke", consentHandlers.Revoke)
	}

	bearer := func(scope core.Scope) gin.HandlerFunc {
		return BearerAuth(d.Enforcer, scope, logger)
	}
	ob := r.Group("/open-banking/v1")
	{
		ob.GET("/accounts", bearer(core.ScopeAccounts), accountHandlers.List)
		ob.GET("/accounts/:id", bearer(core.ScopeAccounts), accountHandlers.Get)
		ob.GET("/accounts/:id/balances", bearer(core.ScopeBalances), accountHandlers.Balances)
		ob.GET("/accounts/:id/transactions", bearer(core.ScopeTransactions), accountHandlers.Transactions)

		payments := ob.Group("/payments", bearer(core.ScopePayments))
		payments.POST("", paymentHandlers.Initiate)
		payments.GET("/:id", paymentHandlers.Get)
		payments.POST("/:id/authorize", paymentHandlers.Authorize)
		payments.POST("/:id/cancel", paymentHandlers.Cancel)
		payments.POST("/:id/resubmit", paymentHandlers.Resubmit)
	}

	r.POST("/ledger/v1/payments/:id/settlement", CallbackAuth(d.CallbackSecret, logger), paymentHandlers.Settle)

	return r
}

// WithCORS wraps the engine with CORS handling for the allowed origins. An
// empty list disables it.
func WithCORS(engine http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		return engine
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-RateLimit-Day-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           600,
	}).Handler(engine)
}
