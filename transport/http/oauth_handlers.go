package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/service"
	"go.uber.org/zap"
)

// OAuthHandlers contains HTTP handlers for the authorization server
type OAuthHandlers struct {
	authz  *service.AuthorizationService
	issuer string
	logger *zap.Logger
}

// NewOAuthHandlers creates new OAuth handlers
func NewOAuthHandlers(authz *service.AuthorizationService, issuer string, logger *zap.Logger) *OAuthHandlers {
	return &OAuthHandlers{
		authz:  authz,
		issuer: strings.TrimSuffix(issuer, "/"),
		logger: logger,
	}
}

// Metadata serves the authorization server metadata document
func (h *OAuthHandlers) Metadata(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"issuer":                                h.issuer,
		"authorization_endpoint":                h.issuer + "/oauth/authorize",
		"token_endpoint":                        h.issuer + "/oauth/token",
		"revocation_endpoint":                   h.issuer + "/oauth/revoke",
		"introspection_endpoint":                h.issuer + "/oauth/introspect",
		"scopes_supported":                      core.AllScopes,
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{core.PKCEMethodS256},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post", "client_secret_basic"},
	})
}

// Authorize validates an authorization request and returns the handle the
// consent screen presents to the user.
func (h *OAuthHandlers) Authorize(c *gin.Context) {
	params := service.AuthorizeParams{
		ResponseType:        c.Query("response_type"),
		ClientID:            c.Query("client_id"),
		RedirectURI:         c.Query("redirect_uri"),
		Scope:               c.Query("scope"),
		State:               c.Query("state"),
		CodeChallenge:       c.Query("code_challenge"),
		CodeChallengeMethod: c.Query("code_challenge_method"),
		ConsentType:         core.ConsentKind(c.Query("consent_type")),
	}
	if raw := c.Query("consent_expires_at"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "consent_expires_at must be an RFC 3339 timestamp")
			return
		}
		params.ValidUntil = until
	}

	handle, err := h.authz.Authorize(c.Request.Context(), params)
	if err != nil {
		var redirect *service.RedirectError
		if errors.As(err, &redirect) {
			c.Redirect(http.StatusFound, redirect.Location())
			return
		}
		// An unknown client is shown to the user, not challenged
		if core.KindOf(err) == core.KindInvalidClient {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":             core.KindInvalidClient,
				"error_description": core.DescriptionOf(err),
			})
			return
		}
		abortWithError(c, h.logger, err)
		return
	}

	noStore(c)
	c.JSON(http.StatusOK, gin.H{
		"consent_handle": handle.Token,
		"consent_id":     handle.ConsentID,
		"app":            gin.H{"id": handle.App.ID, "name": handle.App.Name, "description": handle.App.Description},
		"scopes":         handle.Scopes,
		"consent_type":   handle.Kind,
		"expires_at":     handle.ExpiresAt,
	})
}

// Decide records the signed-in user's decision on a consent handle
func (h *OAuthHandlers) Decide(c *gin.Context) {
	var req struct {
		ConsentHandle string   `json:"consent_handle" binding:"required"`
		Decision      string   `json:"decision" binding:"required"`
		AccountIDs    []string `json:"account_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "consent_handle and decision are required")
		return
	}

	var approve bool
	switch req.Decision {
	case "approve":
		approve = true
	case "reject":
	default:
		badRequest(c, "decision must be approve or reject")
		return
	}

	identity, _ := identityFrom(c)
	location, err := h.authz.Decide(c.Request.Context(), req.ConsentHandle, approve, *identity, req.AccountIDs)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	noStore(c)
	c.JSON(http.StatusOK, gin.H{"redirect_uri": location})
}

// Token serves the authorization_code and refresh_token grants
func (h *OAuthHandlers) Token(c *gin.Context) {
	clientID, clientSecret := clientCredentials(c)
	ctx := c.Request.Context()

	var (
		pair *service.TokenPair
		err  error
	)
	switch grant := c.PostForm("grant_type"); grant {
	case "authorization_code":
		pair, err = h.authz.Exchange(ctx, service.ExchangeParams{
			Code:         c.PostForm("code"),
			RedirectURI:  c.PostForm("redirect_uri"),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			CodeVerifier: c.PostForm("code_verifier"),
		})
	case "refresh_token":
		pair, err = h.authz.Refresh(ctx, c.PostForm("refresh_token"), clientID, clientSecret)
	case "":
		err = core.NewError(core.KindInvalidRequest, "grant_type is required")
	default:
		err = core.Errorf(core.KindUnsupportedGrantType, "grant_type %q is not supported", grant)
	}
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	noStore(c)
	body := gin.H{
		"access_token": pair.AccessToken.Reveal(),
		"token_type":   "Bearer",
		"expires_in":   int(pair.ExpiresIn / time.Second),
		"scope":        pair.Scopes.String(),
		"consent_id":   pair.ConsentID,
	}
	if !pair.RefreshToken.Empty() {
		body["refresh_token"] = pair.RefreshToken.Reveal()
	}
	c.JSON(http.StatusOK, body)
}

// Revoke revokes a token owned by the authenticated client
func (h *OAuthHandlers) Revoke(c *gin.Context) {
	clientID, clientSecret := clientCredentials(c)
	token := c.PostForm("token")
	if token == "" {
		badRequest(c, "token is required")
		return
	}

	if err := h.authz.Revoke(c.Request.Context(), token, clientID, clientSecret); err != nil {
		abortWithError(c, h.logger, err)
		return
	}
	c.Status(http.StatusOK)
}

// Introspect reports on a token owned by the authenticated client
func (h *OAuthHandlers) Introspect(c *gin.Context) {
	clientID, clientSecret := clientCredentials(c)
	token := c.PostForm("token")
	if token == "" {
		badRequest(c, "token is required")
		return
	}

	info, err := h.authz.Introspect(c.Request.Context(), token, clientID, clientSecret)
	if err != nil {
		abortWithError(c, h.logger, err)
		return
	}

	noStore(c)
	if !info.Active {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":     true,
		"scope":      info.Scopes.String(),
		"client_id":  info.ClientID,
		"sub":        info.Subject,
		"consent_id": info.ConsentID,
		"token_type": info.TokenType,
		"exp":        info.ExpiresAt.Unix(),
		"iat":        info.IssuedAt.Unix(),
	})
}

// clientCredentials reads HTTP Basic client authentication, falling back to
// the form body.
func clientCredentials(c *gin.Context) (string, string) {
	if id, secret, ok := c.Request.BasicAuth(); ok {
		return id, secret
	}
	return c.PostForm("client_id"), c.PostForm("client_secret")
}
