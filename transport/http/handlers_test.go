package http

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/obgate/adapters/events"
	"github.com/layer-3/obgate/adapters/hasher"
	"github.com/layer-3/obgate/adapters/ledger"
	"github.com/layer-3/obgate/adapters/ratelimit"
	"github.com/layer-3/obgate/adapters/store"
	"github.com/layer-3/obgate/adapters/tokenizer"
	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const (
	testRedirect       = "https://tpp.example.com/callback"
	testVerifier       = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk-obgate"
	testCallbackSecret = "ledger-callback-secret"
)

type testServer struct {
	t        *testing.T
	router   *gin.Engine
	sessions *tokenizer.HMACSessions
	ledger   *ledger.SandboxLedger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	settings := service.DefaultSettings()
	st := store.NewMemoryStore()
	pub := events.NopPublisher{}
	sandbox := ledger.NewSandboxLedger(logger)
	sessions := tokenizer.NewHMACSessions("session-secret")

	// One fixed window keeps the quota assertions independent of the wall clock
	windowStart := time.Now()
	limiter := ratelimit.NewMemoryLimiter(func() time.Time { return windowStart })

	registry := service.NewRegistryService(st, hasher.NewBcryptHasher(bcrypt.MinCost), settings, logger)
	tokens := service.NewTokenService(st, settings, logger)
	consents := service.NewConsentService(st, pub, logger)
	enforcer := service.NewEnforcer(tokens, consents, st, limiter, logger)
	authz := service.NewAuthorizationService(registry, consents, tokens, enforcer, st, tokenizer.NewJWTTokenizer(key), pub, settings, logger)
	payments := service.NewPaymentService(st, sandbox, pub, settings, logger)

	router := NewRouter(Deps{
		Registry:       registry,
		Consents:       consents,
		Authz:          authz,
		Enforcer:       enforcer,
		Payments:       payments,
		Ledger:         sandbox,
		Sessions:       sessions,
		Issuer:         "https://bank.example.com/",
		CallbackSecret: testCallbackSecret,
		Logger:         logger,
	})
	return &testServer{t: t, router: router, sessions: sessions, ledger: sandbox}
}

func (s *testServer) session(userID string, role core.Role) string {
	s.t.Helper()
	token, err := s.sessions.Sign(core.Identity{UserID: userID, Role: role}, time.Now(), time.Hour)
	require.NoError(s.t, err)
	return token
}

func (s *testServer) do(method, target, bearer string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) form(target string, values url.Values) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

type client struct {
	id     string
	secret string
}

func (s *testServer) registerApp(scope string) client {
	s.t.Helper()
	w := s.do(http.MethodPost, "/developer/v1/apps", s.session("dev-1", core.RoleCustomer), gin.H{
		"name":          "Budget Buddy",
		"redirect_uris": []string{testRedirect},
		"scope":         scope,
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(s.t, w)
	app := body["app"].(map[string]any)
	return client{id: app["client_id"].(string), secret: body["client_secret"].(string)}
}

func (s *testServer) authorizeURL(c client, scope string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.id)
	q.Set("redirect_uri", testRedirect)
	q.Set("scope", scope)
	q.Set("state", "xyz")
	q.Set("code_challenge", core.PKCEChallenge(testVerifier))
	q.Set("code_challenge_method", core.PKCEMethodS256)
	return "/oauth/authorize?" + q.Encode()
}

// handshake runs authorize, an approving decision and the code exchange
func (s *testServer) handshake(c client, scope, user string, accounts ...string) map[string]any {
	s.t.Helper()
	w := s.do(http.MethodGet, s.authorizeURL(c, scope), "", nil)
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	handle := decode(s.t, w)["consent_handle"].(string)

	w = s.do(http.MethodPost, "/oauth/authorize/decision", s.session(user, core.RoleCustomer), gin.H{
		"consent_handle": handle,
		"decision":       "approve",
		"account_ids":    accounts,
	})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	location, err := url.Parse(decode(s.t, w)["redirect_uri"].(string))
	require.NoError(s.t, err)
	require.Equal(s.t, "xyz", location.Query().Get("state"))

	w = s.form("/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {location.Query().Get("code")},
		"redirect_uri":  {testRedirect},
		"client_id":     {c.id},
		"client_secret": {c.secret},
		"code_verifier": {testVerifier},
	})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(s.t, "no-store", w.Header().Get("Cache-Control"))
	return decode(s.t, w)
}

func TestMetadata(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodGet, "/.well-known/oauth-authorization-server", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "https://bank.example.com", body["issuer"])
	assert.Equal(t, "https://bank.example.com/oauth/token", body["token_endpoint"])
	assert.Equal(t, []any{"S256"}, body["code_challenge_methods_supported"])
}

func TestAuthorizeErrorRendering(t *testing.T) {
	s := newTestServer(t)
	c := s.registerApp("accounts")

	unknown := client{id: "unknown", secret: "x"}
	w := s.do(http.MethodGet, s.authorizeURL(unknown, "accounts"), "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_client", decode(t, w)["error"])

	// Failures after the redirect target is trusted travel back to the client
	w = s.do(http.MethodGet, s.authorizeURL(c, "payments"), "", nil)
	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "tpp.example.com", location.Host)
	assert.Equal(t, "invalid_scope", location.Query().Get("error"))
	assert.Equal(t, "xyz", location.Query().Get("state"))

	w = s.do(http.MethodGet, s.authorizeURL(c, "accounts")+"&consent_expires_at=tomorrow", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecisionRequiresSession(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/oauth/authorize/decision", "", gin.H{"consent_handle": "x", "decision": "approve"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_token", decode(t, w)["error"])

	w = s.do(http.MethodPost, "/oauth/authorize/decision", s.session("user-1", core.RoleCustomer), gin.H{"consent_handle": "x", "decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRejectRedirectsWithAccessDenied(t *testing.T) {
	s := newTestServer(t)
	c := s.registerApp("accounts")

	w := s.do(http.MethodGet, s.authorizeURL(c, "accounts"), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	handle := decode(t, w)["consent_handle"].(string)

	w = s.do(http.MethodPost, "/oauth/authorize/decision", s.session("user-1", core.RoleCustomer), gin.H{
		"consent_handle": handle,
		"decision":       "reject",
	})
	require.Equal(t, http.StatusOK, w.Code)
	location, err := url.Parse(decode(t, w)["redirect_uri"].(string))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", location.Query().Get("error"))
	assert.Empty(t, location.Query().Get("code"))
}

func TestTokenEndpointErrors(t *testing.T) {
	s := newTestServer(t)
	c := s.registerApp("accounts")

	w := s.form("/oauth/token", url.Values{"grant_type": {"client_credentials"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "unsupported_grant_type", decode(t, w)["error"])

	w = s.form("/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"bogus"},
		"redirect_uri":  {testRedirect},
		"client_id":     {c.id},
		"client_secret": {"wrong"},
		"code_verifier": {testVerifier},
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_client", decode(t, w)["error"])

	w = s.form("/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"bogus"},
		"redirect_uri":  {testRedirect},
		"client_id":     {c.id},
		"client_secret": {c.secret},
		"code_verifier": {testVerifier},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_grant", decode(t, w)["error"])
}

func TestAccountAccessOverHTTP(t *testing.T) {
	s := newTestServer(t)
	c := s.registerApp("accounts balances")
	tokens := s.handshake(c, "accounts", "user-1", "user-1-current")
	access := tokens["access_token"].(string)
	assert.Equal(t, "accounts", tokens["scope"])
	assert.Equal(t, float64(3600), tokens["expires_in"])
	assert.NotEmpty(t, tokens["refresh_token"])

	w := s.do(http.MethodGet, "/open-banking/v1/accounts", access, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	accounts := decode(t, w)["accounts"].([]any)
	require.Len(t, accounts, 1)
	assert.Equal(t, "user-1-current", accounts[0].(map[string]any)["id"])
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "9999", w.Header().Get("X-RateLimit-Day-Remaining"))

	w = s.do(http.MethodGet, "/open-banking/v1/accounts/user-1-savings", access, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "insufficient_scope", decode(t, w)["error"])

	w = s.do(http.MethodGet, "/open-banking/v1/accounts/user-1-current/balances", access, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "insufficient_scope")

	w = s.do(http.MethodGet, "/open-banking/v1/accounts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "invalid_token")
}

func TestTransactionsPaging(t *testing.T) {
	s := newTestServer(t)
	c := s.registerApp("transactions")
	access := s.handshake(c, "transactions", "user-1")["access_token"].(string)

	w := s.do(http.MethodGet, "/open-banking/v1/accounts/user-1-current/transactions?limit=5&offset=2", access, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Len(t, body["transactions"], 5)
	assert.Equal(t, float64(2), body["offset"])

	w = s.do(http.MethodGet, "/open-banking/v1/accounts/user-1-current/transactions?limit=many", access, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimitOverHTTP(t *testing.T) {
	s := newTestServer(t)
	c := s.registerApp("accounts")
	access := s.handshake(c, "accounts", "user-1")["access_token"].(string)

	for i := 0; i < core.DefaultRateLimitPerMinute; i++ {
		w := s.do(http.MethodGet, "/open-banking/v1/accounts", access, nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := s.do(http.MethodGet, "/open-banking/v1/accounts", access, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decode(t, w)["error"])
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRefreshRevokeIntrospect(t *testing.T) {
	s := newTestServer(t)
	c := s.registerApp("accounts")
	tokens := s.handshake(c, "accounts", "user-1")

	w := s.form("/oauth/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens["refresh_token"].(string)},
		"client_id":     {c.id},
		"client_secret": {c.secret},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	refreshed := decode(t, w)
	access := refreshed["access_token"].(string)

	w = s.form("/oauth/introspect", url.Values{"token": {access}, "client_id": {c.id}, "client_secret": {c.secret}})
	require.Equal(t, http.StatusOK, w.Code)
	info := decode(t, w)
	assert.Equal(t, true, info["active"])
	assert.Equal(t, "user-1", info["sub"])
	assert.Equal(t, "accounts", info["scope"])

	// Basic authentication works as well as form credentials
	req := httptest.NewRequest(http.MethodPost, "/oauth/revoke", strings.NewReader(url.Values{"token": {access}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.id, c.secret)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	w = s.form("/oauth/introspect", url.Values{"token": {access}, "client_id": {c.id}, "client_secret": {c.secret}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"active": false}, decode(t, w))

	w = s.do(http.MethodGet, "/open-banking/v1/accounts", access, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.form("/oauth/revoke", url.Values{"token": {"unknown"}, "client_id": {c.id}, "client_secret": {c.secret}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConsentDashboard(t *testing.T) {
	s := newTestServer(t)
	c := s.registerApp("accounts")
	tokens := s.handshake(c, "accounts", "user-1")
	access := tokens["access_token"].(string)
	consentID := tokens["consent_id"].(string)
	user := s.session("user-1", core.RoleCustomer)

	w := s.do(http.MethodGet, "/consent/v1/consents", user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["consents"], 1)

	w = s.do(http.MethodGet, "/consent/v1/consents/"+consentID, s.session("user-2", core.RoleCustomer), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/consent/v1/consents/"+consentID+"/revoke", user, gin.H{"reason": "no longer used"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "revoked", body["status"])
	assert.Equal(t, "user", body["revoked_by"])

	w = s.do(http.MethodGet, "/open-banking/v1/accounts", access, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "consent_revoked", decode(t, w)["error"])
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	c := s.registerApp("accounts")
	tokens := s.handshake(c, "accounts", "user-1")

	w := s.do(http.MethodPut, "/admin/v1/apps/"+c.id+"/status", s.session("user-1", core.RoleCustomer), gin.H{"status": "suspended"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "access_denied", decode(t, w)["error"])

	admin := s.session("ops-1", core.RoleAdmin)
	w = s.do(http.MethodPut, "/admin/v1/apps/"+c.id+"/status", admin, gin.H{"status": "suspended"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "suspended", decode(t, w)["status"])

	w = s.do(http.MethodPost, "/admin/v1/consents/"+tokens["consent_id"].(string)+"/revoke", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "admin", decode(t, w)["revoked_by"])
}

func TestDeveloperAppManagement(t *testing.T) {
	s := newTestServer(t)
	c := s.registerApp("accounts")
	dev := s.session("dev-1", core.RoleCustomer)

	w := s.do(http.MethodGet, "/developer/v1/apps", dev, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["apps"], 1)

	w = s.do(http.MethodGet, "/developer/v1/apps/"+c.id, s.session("dev-2", core.RoleCustomer), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPatch, "/developer/v1/apps/"+c.id, dev, gin.H{"name": "Budget Buddy Pro"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Budget Buddy Pro", decode(t, w)["name"])

	w = s.do(http.MethodPost, "/developer/v1/apps/"+c.id+"/credentials", dev, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rotated := decode(t, w)["client_secret"].(string)
	assert.NotEqual(t, c.secret, rotated)

	w = s.do(http.MethodDelete, "/developer/v1/apps/"+c.id, dev, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(http.MethodGet, s.authorizeURL(c, "accounts"), "", nil)
	assert.Equal(t, http.StatusFound, w.Code)
}

func TestPaymentOverHTTP(t *testing.T) {
	s := newTestServer(t)
	c := s.registerApp("accounts payments")
	access := s.handshake(c, "payments", "user-1")["access_token"].(string)

	w := s.do(http.MethodPost, "/open-banking/v1/payments", access, gin.H{
		"debtor_account":   "user-1-current",
		"creditor_account": "DE89370400440532013000",
		"creditor_name":    "Landlord",
		"amount":           "25.5",
		"currency":         "EUR",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	payment := decode(t, w)
	id := payment["id"].(string)
	assert.Equal(t, "pending", payment["status"])
	assert.Equal(t, "25.50", payment["amount"])
	challenge := payment["sca"].(map[string]any)["challenge_id"].(string)

	w = s.do(http.MethodPost, "/open-banking/v1/payments/"+id+"/authorize", access, gin.H{"challenge_id": "wrong", "outcome": "passed"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "sca_failed", decode(t, w)["error"])

	w = s.do(http.MethodPost, "/open-banking/v1/payments/"+id+"/authorize", access, gin.H{"challenge_id": challenge, "outcome": "passed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "processing", decode(t, w)["status"])
	_, submitted := s.ledger.Submitted(id)
	assert.True(t, submitted)

	w = s.do(http.MethodPost, "/open-banking/v1/payments/"+id+"/cancel", access, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "payment_not_cancellable", decode(t, w)["error"])

	settlement := "/ledger/v1/payments/" + id + "/settlement"
	w = s.do(http.MethodPost, settlement, "guess", gin.H{"status": "completed"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, settlement, testCallbackSecret, gin.H{"status": "completed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", decode(t, w)["status"])

	w = s.do(http.MethodGet, "/open-banking/v1/payments/"+id, access, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "completed", body["status"])
	assert.NotContains(t, body["sca"], "challenge_id")
}

func TestPaymentRequiresPaymentScope(t *testing.T) {
	s := newTestServer(t)
	c := s.registerApp("accounts payments")
	access := s.handshake(c, "accounts", "user-1")["access_token"].(string)

	w := s.do(http.MethodGet, "/open-banking/v1/payments/any", access, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "insufficient_scope", decode(t, w)["error"])
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		token, ok := bearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.token, token, tt.header)
	}
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusPreconditionRequired, statusOf(core.KindSCARequired))
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(core.KindTemporarilyUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusOf(core.KindServerError))
	assert.Equal(t, http.StatusInternalServerError, statusOf(core.Kind("unheard_of")))
}
