package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/obgate/core"
	"go.uber.org/zap"
)

var kindStatus = map[core.Kind]int{
	core.KindInvalidRequest:          http.StatusBadRequest,
	core.KindInvalidGrant:            http.StatusBadRequest,
	core.KindInvalidScope:            http.StatusBadRequest,
	core.KindUnauthorizedClient:      http.StatusBadRequest,
	core.KindUnsupportedGrantType:    http.StatusBadRequest,
	core.KindUnsupportedResponseType: http.StatusBadRequest,
	core.KindInvalidClient:           http.StatusUnauthorized,
	core.KindInvalidToken:            http.StatusUnauthorized,
	core.KindAccessDenied:            http.StatusForbidden,
	core.KindConsentRevoked:          http.StatusForbidden,
	core.KindConsentExpired:          http.StatusForbidden,
	core.KindInsufficientScope:       http.StatusForbidden,
	core.KindSCAFailed:               http.StatusForbidden,
	core.KindNotFound:                http.StatusNotFound,
	core.KindPaymentNotCancellable:   http.StatusConflict,
	core.KindInvalidTransition:       http.StatusConflict,
	core.KindSCARequired:             http.StatusPreconditionRequired,
	core.KindRateLimited:             http.StatusTooManyRequests,
	core.KindTemporarilyUnavailable:  http.StatusServiceUnavailable,
}

// statusOf maps an error kind to its HTTP status
func statusOf(kind core.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// abortWithError renders err as {"error", "error_description"}. Unclassified
// errors are logged and reported without detail.
func abortWithError(c *gin.Context, logger *zap.Logger, err error) {
	abortWithErrorBody(c, logger, err, nil)
}

// abortWithErrorBody is abortWithError with extra fields merged into the body
func abortWithErrorBody(c *gin.Context, logger *zap.Logger, err error, extra gin.H) {
	kind := core.KindOf(err)
	status := statusOf(kind)
	body := gin.H{"error": kind}
	for k, v := range extra {
		body[k] = v
	}

	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	} else if desc := core.DescriptionOf(err); desc != "" {
		body["error_description"] = desc
	}

	switch kind {
	case core.KindInvalidToken:
		c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
	case core.KindInsufficientScope:
		c.Header("WWW-Authenticate", `Bearer error="insufficient_scope"`)
	case core.KindInvalidClient:
		c.Header("WWW-Authenticate", `Basic realm="obgate"`)
	}

	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, description string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":             core.KindInvalidRequest,
		"error_description": description,
	})
}
