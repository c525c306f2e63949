package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
	"go.uber.org/zap"
)

// AuthorizeParams are the parameters of an authorization request
type AuthorizeParams struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	ConsentType         core.ConsentKind

	// ValidUntil is the consent expiry the client asks for; zero picks the default
	ValidUntil time.Time
}

// ConsentHandle is what the consent screen needs to present a decision
type ConsentHandle struct {
	Token     string
	ConsentID string
	App       *core.ThirdPartyApp
	Scopes    core.Scopes
	Kind      core.ConsentKind
	ExpiresAt time.Time
}

// ExchangeParams are the parameters of an authorization_code grant
type ExchangeParams struct {
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
}

// TokenPair is the result of a successful grant. The values are plaintext
// and exist only in this response.
type TokenPair struct {
	AccessToken  core.Secret
	RefreshToken core.Secret
	ExpiresIn    time.Duration
	Scopes       core.Scopes
	ConsentID    string
}

// Introspection describes a token to the client that owns it
type Introspection struct {
	Active    bool
	Scopes    core.Scopes
	ClientID  string
	Subject   string
	ConsentID string
	TokenType core.CredentialType
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// RedirectError is a failure reported to the client through its redirect
// target. It is only produced once the target is known to be registered.
type RedirectError struct {
	RedirectURI string
	State       string
	Err         error
}

func (e *RedirectError) Error() string { return e.Err.Error() }

func (e *RedirectError) Unwrap() error { return e.Err }

// Location renders the redirect carrying the error and state
func (e *RedirectError) Location() string {
	params := url.Values{}
	params.Set("error", string(core.KindOf(e.Err)))
	if desc := core.DescriptionOf(e.Err); desc != "" {
		params.Set("error_description", desc)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return withQuery(e.RedirectURI, params)
}

// AuthorizationService runs the authorization-code handshake. A request moves
// requested → consented → code_issued → exchanged.
type AuthorizationService struct {
	registry *RegistryService
	consents *ConsentService
	tokens   *TokenService
	enforcer *Enforcer
	requests ports.AuthRequestStore
	tickets  ports.Tokenizer
	eventPub ports.EventPublisher

	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

// NewAuthorizationService creates a new authorization server
func NewAuthorizationService(
	registry *RegistryService,
	consents *ConsentService,
	tokens *TokenService,
	enforcer *Enforcer,
	requests ports.AuthRequestStore,
	tickets ports.Tokenizer,
	eventPub ports.EventPublisher,
	settings Settings,
	logger *zap.Logger,
) *AuthorizationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthorizationService{
		registry: registry,
		consents: consents,
		tokens:   tokens,
		enforcer: enforcer,
		requests: requests,
		tickets:  tickets,
		eventPub: eventPub,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// Authorize validates an authorization request and creates the pending
// consent behind it. Nothing is created when validation fails. Failures
// before the redirect target is trusted are returned as plain errors; later
// ones as *RedirectError.
func (s *AuthorizationService) Authorize(ctx context.Context, p AuthorizeParams) (*ConsentHandle, error) {
	if p.ClientID == "" {
		return nil, core.NewError(core.KindInvalidRequest, "client_id is required")
	}
	app, err := s.registry.Lookup(ctx, p.ClientID)
	if err != nil {
		return nil, err
	}
	if p.RedirectURI == "" || !app.HasRedirectURI(p.RedirectURI) {
		return nil, core.NewError(core.KindInvalidRequest, "redirect_uri is not registered for this client")
	}

	fail := func(err error) (*ConsentHandle, error) {
		return nil, &RedirectError{RedirectURI: p.RedirectURI, State: p.State, Err: err}
	}

	if p.ResponseType != "code" {
		return fail(core.NewError(core.KindUnsupportedResponseType, "response_type must be code"))
	}
	if !app.Status.CanAuthorize() {
		return fail(core.Errorf(core.KindUnauthorizedClient, "client is %s", app.Status))
	}
	scopes, err := core.ParseScopes(p.Scope)
	if err != nil {
		return fail(err)
	}
	if !scopes.SubsetOf(app.AllowedScopes) {
		return fail(core.NewError(core.KindInvalidScope, "requested scope exceeds the client's allowed scope"))
	}
	if err := checkChallenge(p.CodeChallenge, p.CodeChallengeMethod); err != nil {
		return fail(err)
	}
	kind, err := core.DeriveConsentKind(p.ConsentType, scopes)
	if err != nil {
		return fail(err)
	}

	now := s.now()
	validUntil := p.ValidUntil
	if validUntil.IsZero() {
		validUntil = now.Add(s.settings.ConsentValidity)
	}
	consent, err := core.NewConsent(uuid.New().String(), app.ID, kind, core.PermissionsFromScopes(scopes), now, validUntil)
	if err != nil {
		return fail(err)
	}

	req := &core.AuthorizationRequest{
		ID:                  uuid.New().String(),
		AppID:               app.ID,
		ConsentID:           consent.ID,
		RedirectURI:         p.RedirectURI,
		State:               p.State,
		RequestedScopes:     scopes,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		Stage:               core.StageRequested,
		ExpiresAt:           now.Add(s.settings.RequestTTL),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	token, err := s.tickets.TicketToToken(&core.ConsentTicket{
		RequestID: req.ID,
		ConsentID: consent.ID,
		AppID:     app.ID,
		IssuedAt:  now,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consent handle: %w", err)
	}

	if err := s.consents.Create(ctx, consent); err != nil {
		return nil, err
	}
	if err := s.requests.CreateAuthRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to store authorization request: %w", err)
	}

	s.logger.Info("authorization requested",
		zap.String("app_id", app.ID),
		zap.String("consent_id", consent.ID),
		zap.String("scopes", scopes.String()))

	return &ConsentHandle{
		Token:     token,
		ConsentID: consent.ID,
		App:       app,
		Scopes:    scopes,
		Kind:      kind,
		ExpiresAt: req.ExpiresAt,
	}, nil
}

// Decide applies the user's answer on the consent screen and returns the
// location to send the user back to.
func (s *AuthorizationService) Decide(ctx context.Context, handle string, approve bool, user core.Identity, accountIDs []string) (string, error) {
	ticket, err := s.tickets.TokenToTicket(handle)
	if err != nil {
		return "", core.WrapError(core.KindInvalidRequest, "consent handle is invalid", err)
	}
	req, err := s.requests.GetAuthRequest(ctx, ticket.RequestID)
	if errors.Is(err, core.ErrRecordNotFound) {
		return "", core.NewError(core.KindInvalidRequest, "authorization request not found")
	}
	if err != nil {
		return "", fmt.Errorf("failed to load authorization request: %w", err)
	}
	if req.ConsentID != ticket.ConsentID || req.AppID != ticket.AppID {
		return "", core.NewError(core.KindInvalidRequest, "consent handle does not match the request")
	}
	if !s.now().Before(req.ExpiresAt) {
		return "", core.NewError(core.KindInvalidRequest, "authorization request has expired")
	}

	if !approve {
		if err := s.advance(ctx, req, core.StageDenied); err != nil {
			return "", err
		}
		if _, err := s.consents.Reject(ctx, req.ConsentID, user.UserID); err != nil {
			return "", err
		}
		s.logger.Info("consent rejected", zap.String("consent_id", req.ConsentID), zap.String("app_id", req.AppID))
		denied := &RedirectError{
			RedirectURI: req.RedirectURI,
			State:       req.State,
			Err:         core.NewError(core.KindAccessDenied, "the user denied the request"),
		}
		return denied.Location(), nil
	}

	if err := s.advance(ctx, req, core.StageConsented); err != nil {
		return "", err
	}
	consent, err := s.consents.Authorize(ctx, req.ConsentID, user.UserID, accountIDs)
	if err != nil {
		s.abandon(ctx, req, user.UserID, err)
		return "", err
	}

	code, err := s.tokens.Mint(core.CredentialAuthorizationCode, consent, consent.Scopes(), "", req.ID)
	if err != nil {
		return "", err
	}
	code.Credential.RedirectURI = req.RedirectURI
	code.Credential.CodeChallenge = req.CodeChallenge
	code.Credential.CodeChallengeMethod = req.CodeChallengeMethod
	if err := s.tokens.Persist(ctx, &code); err != nil {
		return "", err
	}
	if err := s.advance(ctx, req, core.StageCodeIssued); err != nil {
		return "", err
	}

	s.logger.Info("authorization code issued",
		zap.String("consent_id", consent.ID),
		zap.String("app_id", consent.AppID),
		zap.String("code_id", code.Credential.ID))

	params := url.Values{}
	params.Set("code", code.Value.Reveal())
	if req.State != "" {
		params.Set("state", req.State)
	}
	return withQuery(req.RedirectURI, params), nil
}

// Exchange trades an authorization code for an access and refresh token. Any
// failure is invalid_grant and issues nothing. A code presented after it was
// consumed revokes everything issued from it.
func (s *AuthorizationService) Exchange(ctx context.Context, p ExchangeParams) (*TokenPair, error) {
	app, err := s.registry.Authenticate(ctx, p.ClientID, p.ClientSecret)
	if err != nil {
		return nil, err
	}

	code, err := s.tokens.Lookup(ctx, p.Code)
	if errors.Is(err, core.ErrInvalidToken) {
		return nil, core.NewError(core.KindInvalidGrant, "authorization code is invalid")
	}
	if err != nil {
		return nil, err
	}
	if code.Type != core.CredentialAuthorizationCode || code.AppID != app.ID {
		return nil, core.NewError(core.KindInvalidGrant, "authorization code is invalid")
	}
	if code.Consumed {
		return nil, s.codeReused(ctx, code)
	}

	now := s.now()
	switch {
	case code.Revoked:
		return nil, core.NewError(core.KindInvalidGrant, "authorization code has been revoked")
	case code.Expired(now):
		return nil, core.NewError(core.KindInvalidGrant, "authorization code has expired")
	case p.RedirectURI != code.RedirectURI || !app.HasRedirectURI(p.RedirectURI):
		return nil, core.NewError(core.KindInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if code.CodeChallenge != "" {
		if !core.VerifyPKCE(p.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod) {
			return nil, core.NewError(core.KindInvalidGrant, "code_verifier does not match the code challenge")
		}
	} else if p.CodeVerifier != "" {
		return nil, core.NewError(core.KindInvalidGrant, "code_verifier supplied without a code challenge")
	}

	consent, err := s.consents.Get(ctx, code.ConsentID)
	if err != nil {
		return nil, grantErr(err)
	}
	if err := consent.CheckUsable(now); err != nil {
		return nil, core.WrapError(core.KindInvalidGrant, "consent is no longer authorized", err)
	}

	if err := s.tokens.Consume(ctx, code.ID); err != nil {
		if errors.Is(err, core.ErrAlreadyConsumed) {
			return nil, s.codeReused(ctx, code)
		}
		return nil, err
	}

	scopes := code.Scopes
	refresh, err := s.tokens.Mint(core.CredentialRefreshToken, consent, scopes, code.ID, code.ID)
	if err != nil {
		return nil, err
	}
	access, err := s.tokens.Mint(core.CredentialAccessToken, consent, scopes, code.ID, refresh.Credential.ID)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Persist(ctx, &refresh, &access); err != nil {
		return nil, err
	}

	// A concurrent reuse may have revoked the code before the tokens above
	// were stored, in which case its cascade missed them.
	current, err := s.tokens.Get(ctx, code.ID)
	if err != nil {
		return nil, err
	}
	if current.Revoked {
		n, err := s.tokens.RevokeGrant(ctx, code.ID)
		if err != nil {
			return nil, err
		}
		s.logger.Warn("tokens issued from a reused code revoked",
			zap.String("code_id", code.ID), zap.Int("revoked", n))
	}

	s.finishRequest(ctx, code.ParentID)
	s.logger.Info("authorization code exchanged",
		zap.String("app_id", app.ID),
		zap.String("consent_id", consent.ID),
		zap.String("code_id", code.ID))

	return &TokenPair{
		AccessToken:  access.Value,
		RefreshToken: refresh.Value,
		ExpiresIn:    access.Credential.ExpiresAt.Sub(access.Credential.CreatedAt),
		Scopes:       scopes,
		ConsentID:    consent.ID,
	}, nil
}

// Refresh issues a new access token with the same scope as the refresh token,
// rotating the refresh token when rotation is enabled.
func (s *AuthorizationService) Refresh(ctx context.Context, refreshToken, clientID, clientSecret string) (*TokenPair, error) {
	app, err := s.registry.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	old, err := s.tokens.Lookup(ctx, refreshToken)
	if errors.Is(err, core.ErrInvalidToken) {
		return nil, core.NewError(core.KindInvalidGrant, "refresh token is invalid")
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	switch {
	case old.Type != core.CredentialRefreshToken || old.AppID != app.ID:
		return nil, core.NewError(core.KindInvalidGrant, "refresh token is invalid")
	case old.Revoked:
		return nil, core.NewError(core.KindInvalidGrant, "refresh token has been revoked")
	case old.Expired(now):
		return nil, core.NewError(core.KindInvalidGrant, "refresh token has expired")
	}

	consent, err := s.consents.Get(ctx, old.ConsentID)
	if err != nil {
		return nil, grantErr(err)
	}
	if err := consent.CheckUsable(now); err != nil {
		return nil, core.WrapError(core.KindInvalidGrant, "consent is no longer authorized", err)
	}

	// Never wider than the refresh token, nor than what the consent grants now
	scopes := intersect(old.Scopes, consent.Scopes())

	var issued []*core.IssuedCredential
	parentID := old.ID
	pair := &TokenPair{RefreshToken: core.NewSecret(refreshToken), Scopes: scopes, ConsentID: consent.ID}

	if s.settings.RotateRefreshTokens {
		if err := s.tokens.Retire(ctx, old.ID); err != nil {
			if errors.Is(err, core.ErrConflict) {
				return nil, core.NewError(core.KindInvalidGrant, "refresh token has been revoked")
			}
			return nil, err
		}
		rotated, err := s.tokens.Mint(core.CredentialRefreshToken, consent, scopes, old.GrantID, old.ID)
		if err != nil {
			return nil, err
		}
		issued = append(issued, &rotated)
		parentID = rotated.Credential.ID
		pair.RefreshToken = rotated.Value
	}

	access, err := s.tokens.Mint(core.CredentialAccessToken, consent, scopes, old.GrantID, parentID)
	if err != nil {
		return nil, err
	}
	issued = append(issued, &access)
	if err := s.tokens.Persist(ctx, issued...); err != nil {
		return nil, err
	}

	pair.AccessToken = access.Value
	pair.ExpiresIn = access.Credential.ExpiresAt.Sub(access.Credential.CreatedAt)

	s.logger.Info("tokens refreshed",
		zap.String("app_id", app.ID),
		zap.String("consent_id", consent.ID),
		zap.Bool("rotated", s.settings.RotateRefreshTokens))
	return pair, nil
}

// Revoke revokes a token owned by the authenticated client. Unknown tokens
// and tokens of other clients succeed silently.
func (s *AuthorizationService) Revoke(ctx context.Context, token, clientID, clientSecret string) error {
	app, err := s.registry.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}

	cred, err := s.tokens.Lookup(ctx, token)
	if errors.Is(err, core.ErrInvalidToken) {
		return nil
	}
	if err != nil {
		return err
	}
	if cred.AppID != app.ID {
		return nil
	}

	n, err := s.tokens.Revoke(ctx, cred)
	if err != nil {
		return err
	}
	s.logger.Info("token revoked",
		zap.String("app_id", app.ID),
		zap.String("credential_id", cred.ID),
		zap.String("type", string(cred.Type)),
		zap.Int("revoked", n))
	return nil
}

// Introspect reports whether a token is currently usable. Anything not usable,
// or owned by another client, is reported inactive.
func (s *AuthorizationService) Introspect(ctx context.Context, token, clientID, clientSecret string) (*Introspection, error) {
	app, err := s.registry.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	cred, consent, err := s.enforcer.Validate(ctx, token)
	if err != nil {
		if core.KindOf(err) == core.KindServerError {
			return nil, err
		}
		return &Introspection{}, nil
	}
	if cred.AppID != app.ID {
		return &Introspection{}, nil
	}

	return &Introspection{
		Active:    true,
		Scopes:    cred.Scopes,
		ClientID:  cred.AppID,
		Subject:   consent.UserID,
		ConsentID: consent.ID,
		TokenType: cred.Type,
		ExpiresAt: cred.ExpiresAt,
		IssuedAt:  cred.CreatedAt,
	}, nil
}

// codeReused handles a consumed code presented again: the code and every
// credential issued from it are revoked and a security event is raised.
func (s *AuthorizationService) codeReused(ctx context.Context, code *core.Credential) error {
	if err := s.tokens.Retire(ctx, code.ID); err != nil && !errors.Is(err, core.ErrConflict) {
		return err
	}
	n, err := s.tokens.RevokeGrant(ctx, code.ID)
	if err != nil {
		return err
	}

	s.logger.Warn("authorization code reused",
		zap.String("app_id", code.AppID),
		zap.String("consent_id", code.ConsentID),
		zap.String("code_id", code.ID),
		zap.Int("revoked", n))

	event := core.SecurityEvent{
		Type:       core.SecurityEventCodeReuse,
		AppID:      code.AppID,
		ConsentID:  code.ConsentID,
		GrantID:    code.ID,
		RevokedIDs: n,
		At:         s.now(),
	}
	if err := s.eventPub.PublishSecurity(ctx, event); err != nil {
		s.logger.Warn("failed to publish security event", zap.String("code_id", code.ID), zap.Error(err))
	}

	return core.NewError(core.KindInvalidGrant, "authorization code has already been used")
}

// abandon closes a request whose approval could not be recorded, so the
// consent does not stay pending behind a request nobody can decide again.
func (s *AuthorizationService) abandon(ctx context.Context, req *core.AuthorizationRequest, userID string, cause error) {
	s.logger.Warn("consent approval failed",
		zap.String("consent_id", req.ConsentID),
		zap.String("request_id", req.ID),
		zap.Error(cause))

	if err := s.advance(ctx, req, core.StageDenied); err != nil {
		s.logger.Warn("failed to close authorization request", zap.String("request_id", req.ID), zap.Error(err))
	}
	consent, err := s.consents.Get(ctx, req.ConsentID)
	if err != nil || consent.Status != core.ConsentStatusPending {
		return
	}
	if _, err := s.consents.Reject(ctx, req.ConsentID, userID); err != nil {
		s.logger.Warn("failed to reject consent", zap.String("consent_id", req.ConsentID), zap.Error(err))
	}
}

// advance moves a request to the next stage, failing if another caller
// already moved it.
func (s *AuthorizationService) advance(ctx context.Context, req *core.AuthorizationRequest, next core.AuthRequestStage) error {
	if !req.Stage.CanTransitionTo(next) {
		return core.Errorf(core.KindInvalidRequest, "authorization request is already %s", req.Stage)
	}
	expected := req.Stage
	req.Stage = next
	req.UpdatedAt = s.now()

	err := s.requests.UpdateAuthRequest(ctx, req, expected)
	if errors.Is(err, core.ErrConflict) {
		return core.NewError(core.KindInvalidRequest, "authorization request was already decided")
	}
	if err != nil {
		return fmt.Errorf("failed to update authorization request: %w", err)
	}
	return nil
}

func (s *AuthorizationService) finishRequest(ctx context.Context, requestID string) {
	req, err := s.requests.GetAuthRequest(ctx, requestID)
	if err != nil {
		// Requests are swept once they expire; the code outlives nothing here
		s.logger.Debug("authorization request not found on exchange", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	if err := s.advance(ctx, req, core.StageExchanged); err != nil {
		s.logger.Warn("failed to close authorization request", zap.String("request_id", requestID), zap.Error(err))
	}
}

func checkChallenge(challenge, method string) error {
	switch {
	case challenge == "" && method == "":
		return nil
	case challenge == "":
		return core.NewError(core.KindInvalidRequest, "code_challenge_method without code_challenge")
	case method != core.PKCEMethodS256:
		return core.NewError(core.KindInvalidRequest, "code_challenge_method must be S256")
	case len(challenge) != 43:
		return core.NewError(core.KindInvalidRequest, "code_challenge is malformed")
	}
	return nil
}

func grantErr(err error) error {
	if errors.Is(err, core.ErrNotFound) {
		return core.NewError(core.KindInvalidGrant, "consent no longer exists")
	}
	return err
}

func intersect(a, b core.Scopes) core.Scopes {
	var out core.Scopes
	for _, s := range a {
		if b.Contains(s) {
			out = append(out, s)
		}
	}
	return out.Normalize()
}

func withQuery(target string, params url.Values) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
