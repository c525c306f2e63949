package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/service"
	"go.uber.org/zap"
)

// AppHandlers serve the developer portal and app administration
type AppHandlers struct {
	registry *service.RegistryService
	logger   *zap.Logger
}

// NewAppHandlers creates new app handlers
func NewAppHandlers(registry *service.RegistryService, logger *zap.Logger) *AppHandlers {
	return &AppHandlers{registry: registry, logger: logger}
}

// Register creates an app owned by the signed-in developer. The client
// secret appears in this response only.
func (h *AppHandlers) Register(c *gin.Context) {
	var req struct {
		Name         string   `json:"name" binding:"required"`
		Description  string   `json:"description"`
		RedirectURIs []string `json:"redirect_uris" binding:"required"`
		Scope        string   `json:"scope" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "name, redirect_uris and scope are required")
		return
	}

	identity, _ := identityFrom(c)
	app, secret, err := h.registry.Register(c.Request.Context(), service.AppRegistration{
		DeveloperID:  identity.UserID,
		Name:         req.Name,
		Description:  req.Description,
		RedirectURIs: req.RedirectURIs,
		Scope:        req.Scope,
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	noStore(c)
	c.JSON(http.StatusCreated, gin.H{
		"app":           newAppView(app),
		"client_secret": secret.Reveal(),
	})
}

// List returns the developer's apps
func (h *AppHandlers) List(c *gin.Context) {
	identity, _ := identityFrom(c)
	apps, err := h.registry.List(c.Request.Context(), identity.UserID)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	views := make([]appView, 0, len(apps))
	for _, a := range apps {
		views = append(views, newAppView(a))
	}
	c.JSON(http.StatusOK, gin.H{"apps": views})
}

// Get returns one of the developer's apps
func (h *AppHandlers) Get(c *gin.Context) {
	identity, _ := identityFrom(c)
	app, err := h.registry.Get(c.Request.Context(), identity.UserID, c.Param("id"))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newAppView(app))
}

// Update changes an app's name, description or redirect targets
func (h *AppHandlers) Update(c *gin.Context) {
	var req struct {
		Name         *string  `json:"name"`
		Description  *string  `json:"description"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed app update")
		return
	}

	identity, _ := identityFrom(c)
	app, err := h.registry.Update(c.Request.Context(), identity.UserID, c.Param("id"), service.AppUpdate{
		Name:         req.Name,
		Description:  req.Description,
		RedirectURIs: req.RedirectURIs,
	})
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newAppView(app))
}

// Delete retires an app
func (h *AppHandlers) Delete(c *gin.Context) {
	identity, _ := identityFrom(c)
	if err := h.registry.Delete(c.Request.Context(), identity.UserID, c.Param("id")); err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RotateSecret replaces the app's client secret
func (h *AppHandlers) RotateSecret(c *gin.Context) {
	identity, _ := identityFrom(c)
	app, secret, err := h.registry.Rotate(c.Request.Context(), identity.UserID, c.Param("id"))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	noStore(c)
	c.JSON(http.StatusOK, gin.H{
		"client_id":     app.ID,
		"client_secret": secret.Reveal(),
	})
}

// SetStatus applies an administrative status change
func (h *AppHandlers) SetStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "status is required")
		return
	}

	app, err := h.registry.SetStatus(c.Request.Context(), c.Param("id"), core.AppStatus(strings.ToLower(req.Status)))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newAppView(app))
}

// ConsentHandlers serve the user's consent dashboard and admin revocation
type ConsentHandlers struct {
	consents *service.ConsentService
	logger   *zap.Logger
}

// NewConsentHandlers creates new consent handlers
func NewConsentHandlers(consents *service.ConsentService, logger *zap.Logger) *ConsentHandlers {
	return &ConsentHandlers{consents: consents, logger: logger}
}

// List returns the signed-in user's consents
func (h *ConsentHandlers) List(c *gin.Context) {
	identity, _ := identityFrom(c)
	consents, err := h.consents.ListForUser(c.Request.Context(), identity.UserID)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	views := make([]consentView, 0, len(consents))
	for _, cn := range consents {
		views = append(views, newConsentView(cn))
	}
	c.JSON(http.StatusOK, gin.H{"consents": views})
}

// Get returns one of the user's consents
func (h *ConsentHandlers) Get(c *gin.Context) {
	identity, _ := identityFrom(c)
	consent, err := h.consents.GetForUser(c.Request.Context(), identity.UserID, c.Param("id"))
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newConsentView(consent))
}

// Revoke ends one of the user's consents
func (h *ConsentHandlers) Revoke(c *gin.Context) {
	h.revoke(c, core.RevokedByUser)
}

// AdminRevoke ends any consent
func (h *ConsentHandlers) AdminRevoke(c *gin.Context) {
	h.revoke(c, core.RevokedByAdmin)
}

func (h *ConsentHandlers) revoke(c *gin.Context, by core.RevocationInitiator) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "malformed revocation")
			return
		}
	}

	identity, _ := identityFrom(c)
	consent, err := h.consents.Revoke(c.Request.Context(), c.Param("id"), by, identity.UserID, req.Reason)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newConsentView(consent))
}
