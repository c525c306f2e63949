package http

import (
	"crypto/subtle"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
	"github.com/layer-3/obgate/service"
	"go.uber.org/zap"
)

const (
	accessKey   = "access"
	identityKey = "identity"
)

// RequestLogger writes one line per request
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if access, ok := accessFrom(c); ok {
			fields = append(fields, zap.String("app_id", access.App.ID))
		}
		logger.Info("request", fields...)
	}
}

// BearerAuth runs the access enforcer for the required scope and publishes
// the quota state on the response.
func BearerAuth(enforcer *service.Enforcer, required core.Scope, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithError(c, logger, core.NewError(core.KindInvalidToken, "bearer token required"))
			return
		}

		access, err := enforcer.Authorize(c.Request.Context(), token, required)
		if access != nil {
			setRateHeaders(c, access.Rate)
		}
		if err != nil {
			abortWithError(c, logger, err)
			return
		}

		c.Set(accessKey, access)
		c.Next()
	}
}

// SessionAuth authenticates the end user from the bank session token
func SessionAuth(sessions ports.SessionVerifier, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithError(c, logger, core.NewError(core.KindInvalidToken, "session token required"))
			return
		}
		identity, err := sessions.Verify(token)
		if err != nil {
			abortWithError(c, logger, err)
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

// RequireAdmin only lets admin sessions through. It runs after SessionAuth.
func RequireAdmin(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := identityFrom(c)
		if !ok || !identity.IsAdmin() {
			abortWithError(c, logger, core.NewError(core.KindAccessDenied, "administrator role required"))
			return
		}
		c.Next()
	}
}

// CallbackAuth checks the shared secret the Ledger Service presents
func CallbackAuth(secret string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			abortWithError(c, logger, core.NewError(core.KindInvalidClient, "ledger callback authentication failed"))
			return
		}
		c.Next()
	}
}

func setRateHeaders(c *gin.Context, d core.RateDecision) {
	h := c.Writer.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	h.Set("X-RateLimit-Day-Remaining", strconv.Itoa(d.DayRemaining))
	if !d.Allowed {
		wait := d.RetryAfter(time.Now())
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func accessFrom(c *gin.Context) (*service.Access, bool) {
	value, ok := c.Get(accessKey)
	if !ok {
		return nil, false
	}
	access, ok := value.(*service.Access)
	return access, ok
}

func identityFrom(c *gin.Context) (*core.Identity, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	identity, ok := value.(*core.Identity)
	return identity, ok
}

func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
}
