package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/obgate/adapters/hasher"
	"github.com/layer-3/obgate/adapters/ledger"
	"github.com/layer-3/obgate/adapters/ratelimit"
	"github.com/layer-3/obgate/adapters/store"
	"github.com/layer-3/obgate/adapters/tokenizer"
	"github.com/layer-3/obgate/core"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk-obgate"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordedEvents struct {
	mu       sync.Mutex
	consent  []core.ConsentEvent
	payment  []core.PaymentEvent
	security []core.SecurityEvent
}

func (r *recordedEvents) PublishConsent(_ context.Context, e core.ConsentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consent = append(r.consent, e)
	return nil
}

func (r *recordedEvents) PublishPayment(_ context.Context, e core.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payment = append(r.payment, e)
	return nil
}

func (r *recordedEvents) PublishSecurity(_ context.Context, e core.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.security = append(r.security, e)
	return nil
}

func (r *recordedEvents) securityEvents() []core.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.SecurityEvent(nil), r.security...)
}

type harness struct {
	ctx    context.Context
	clock  *fakeClock
	store  *store.MemoryStore
	ledger *ledger.SandboxLedger
	events *recordedEvents

	registry *RegistryService
	tokens   *TokenService
	consents *ConsentService
	enforcer *Enforcer
	authz    *AuthorizationService
	payments *PaymentService
	sweeper  *Sweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	// Consent handles are JWTs checked against the wall clock
	clock := &fakeClock{now: time.Now().UTC().Truncate(time.Minute)}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	settings := DefaultSettings()
	st := store.NewMemoryStore()
	events := &recordedEvents{}
	sandbox := ledger.NewSandboxLedger(logger)

	h := &harness{
		ctx:    context.Background(),
		clock:  clock,
		store:  st,
		ledger: sandbox,
		events: events,
	}
	h.registry = NewRegistryService(st, hasher.NewBcryptHasher(bcrypt.MinCost), settings, logger)
	h.tokens = NewTokenService(st, settings, logger)
	h.consents = NewConsentService(st, events, logger)
	h.enforcer = NewEnforcer(h.tokens, h.consents, st, ratelimit.NewMemoryLimiter(clock.Now), logger)
	h.authz = NewAuthorizationService(h.registry, h.consents, h.tokens, h.enforcer, st, tokenizer.NewJWTTokenizer(key), events, settings, logger)
	h.payments = NewPaymentService(st, sandbox, events, settings, logger)
	h.sweeper = NewSweeper(h.consents, h.tokens, st, time.Minute, logger)

	h.registry.now = clock.Now
	h.tokens.now = clock.Now
	h.consents.now = clock.Now
	h.enforcer.now = clock.Now
	h.authz.now = clock.Now
	h.payments.now = clock.Now
	h.sweeper.now = clock.Now
	return h
}

type testApp struct {
	app    *core.ThirdPartyApp
	secret string
}

const testRedirect = "https://tpp.example.com/callback"

func (h *harness) registerApp(t *testing.T, scope string) testApp {
	t.Helper()
	app, secret, err := h.registry.Register(h.ctx, AppRegistration{
		DeveloperID:  "dev-1",
		Name:         "Budget Buddy",
		RedirectURIs: []string{testRedirect, "https://tpp.example.com/other"},
		Scope:        scope,
	})
	require.NoError(t, err)
	return testApp{app: app, secret: secret.Reveal()}
}

func (h *harness) authorizeParams(a testApp, scope string) AuthorizeParams {
	return AuthorizeParams{
		ResponseType:        "code",
		ClientID:            a.app.ID,
		RedirectURI:         testRedirect,
		Scope:               scope,
		State:               "xyz",
		CodeChallenge:       core.PKCEChallenge(testVerifier),
		CodeChallengeMethod: core.PKCEMethodS256,
	}
}

// approve runs authorize and an approving decision, returning the code
func (h *harness) approve(t *testing.T, p AuthorizeParams, user string, accounts ...string) (string, *ConsentHandle) {
	t.Helper()
	handle, err := h.authz.Authorize(h.ctx, p)
	require.NoError(t, err)

	location, err := h.authz.Decide(h.ctx, handle.Token, true, core.Identity{UserID: user, Role: core.RoleCustomer}, accounts)
	require.NoError(t, err)

	u, err := url.Parse(location)
	require.NoError(t, err)
	require.Equal(t, p.State, u.Query().Get("state"))
	code := u.Query().Get("code")
	require.NotEmpty(t, code)
	return code, handle
}

func (h *harness) exchangeParams(a testApp, code string) ExchangeParams {
	return ExchangeParams{
		Code:         code,
		RedirectURI:  testRedirect,
		ClientID:     a.app.ID,
		ClientSecret: a.secret,
		CodeVerifier: testVerifier,
	}
}

// tokensFor runs the whole handshake for user and returns the issued pair
func (h *harness) tokensFor(t *testing.T, a testApp, scope, user string, accounts ...string) *TokenPair {
	t.Helper()
	code, _ := h.approve(t, h.authorizeParams(a, scope), user, accounts...)
	pair, err := h.authz.Exchange(h.ctx, h.exchangeParams(a, code))
	require.NoError(t, err)
	return pair
}
