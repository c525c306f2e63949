package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
)

// MemoryStore is an in-memory implementation of ports.Store. Records are
// copied on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	apps         map[string]core.ThirdPartyApp
	consents     map[string]core.Consent
	authRequests map[string]core.AuthorizationRequest
	credentials  map[string]core.Credential
	byHash       map[string]string
	payments     map[string]core.Payment
}

var _ ports.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apps:         make(map[string]core.ThirdPartyApp),
		consents:     make(map[string]core.Consent),
		authRequests: make(map[string]core.AuthorizationRequest),
		credentials:  make(map[string]core.Credential),
		byHash:       make(map[string]string),
		payments:     make(map[string]core.Payment),
	}
}

// Apps

func (s *MemoryStore) CreateApp(_ context.Context, app *core.ThirdPartyApp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.apps[app.ID]; exists {
		return core.ErrDuplicate
	}
	s.apps[app.ID] = cloneApp(*app)
	return nil
}

func (s *MemoryStore) GetApp(_ context.Context, id string) (*core.ThirdPartyApp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[id]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	out := cloneApp(app)
	return &out, nil
}

func (s *MemoryStore) ListAppsByDeveloper(_ context.Context, developerID string) ([]*core.ThirdPartyApp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.ThirdPartyApp
	for _, app := range s.apps {
		if app.DeveloperID == developerID {
			c := cloneApp(app)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateApp(_ context.Context, app *core.ThirdPartyApp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[app.ID]; !ok {
		return core.ErrRecordNotFound
	}
	s.apps[app.ID] = cloneApp(*app)
	return nil
}

// Consents

func (s *MemoryStore) CreateConsent(_ context.Context, c *core.Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.consents[c.ID]; exists {
		return core.ErrDuplicate
	}
	s.consents[c.ID] = cloneConsent(*c)
	return nil
}

func (s *MemoryStore) GetConsent(_ context.Context, id string) (*core.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.consents[id]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	out := cloneConsent(c)
	return &out, nil
}

func (s *MemoryStore) ListConsentsByUser(_ context.Context, userID string) ([]*core.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Consent
	for _, c := range s.consents {
		if c.UserID == userID {
			cc := cloneConsent(c)
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateConsent(_ context.Context, c *core.Consent, expected core.ConsentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.consents[c.ID]
	if !ok {
		return core.ErrRecordNotFound
	}
	if stored.Status != expected {
		return core.ErrConflict
	}
	s.consents[c.ID] = cloneConsent(*c)
	return nil
}

func (s *MemoryStore) ListLapsedConsents(_ context.Context, now time.Time, limit int) ([]*core.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Consent
	for _, c := range s.consents {
		if c.Status == core.ConsentStatusAuthorized && !c.ValidUntil.After(now) {
			cc := cloneConsent(c)
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidUntil.Before(out[j].ValidUntil) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Authorization requests

func (s *MemoryStore) CreateAuthRequest(_ context.Context, r *core.AuthorizationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.authRequests[r.ID]; exists {
		return core.ErrDuplicate
	}
	s.authRequests[r.ID] = cloneAuthRequest(*r)
	return nil
}

func (s *MemoryStore) GetAuthRequest(_ context.Context, id string) (*core.AuthorizationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.authRequests[id]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	out := cloneAuthRequest(r)
	return &out, nil
}

func (s *MemoryStore) UpdateAuthRequest(_ context.Context, r *core.AuthorizationRequest, expected core.AuthRequestStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.authRequests[r.ID]
	if !ok {
		return core.ErrRecordNotFound
	}
	if stored.Stage != expected {
		return core.ErrConflict
	}
	s.authRequests[r.ID] = cloneAuthRequest(*r)
	return nil
}

func (s *MemoryStore) DeleteExpiredAuthRequests(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.authRequests {
		if r.ExpiresAt.Before(before) {
			delete(s.authRequests, id)
			n++
		}
	}
	return n, nil
}

// Credentials

func (s *MemoryStore) InsertCredentials(_ context.Context, creds ...*core.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(creds))
	for _, c := range creds {
		if _, exists := s.credentials[c.ID]; exists {
			return core.ErrDuplicate
		}
		if _, exists := s.byHash[c.Hash]; exists {
			return core.ErrDuplicate
		}
		if _, dup := seen[c.Hash]; dup {
			return core.ErrDuplicate
		}
		seen[c.Hash] = struct{}{}
	}
	for _, c := range creds {
		s.credentials[c.ID] = cloneCredential(*c)
		s.byHash[c.Hash] = c.ID
	}
	return nil
}

func (s *MemoryStore) GetCredential(_ context.Context, id string) (*core.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[id]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	out := cloneCredential(c)
	return &out, nil
}

func (s *MemoryStore) GetCredentialByHash(_ context.Context, hash string) (*core.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	out := cloneCredential(s.credentials[id])
	return &out, nil
}

func (s *MemoryStore) ConsumeCode(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[id]
	if !ok || c.Type != core.CredentialAuthorizationCode {
		return core.ErrRecordNotFound
	}
	if c.Consumed {
		return core.ErrAlreadyConsumed
	}
	c.Consumed = true
	c.ConsumedAt = &at
	s.credentials[id] = c
	return nil
}

func (s *MemoryStore) RevokeCredential(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[id]
	if !ok {
		return core.ErrRecordNotFound
	}
	if c.Revoked {
		return core.ErrConflict
	}
	c.Revoked = true
	c.RevokedAt = &at
	s.credentials[id] = c
	return nil
}

func (s *MemoryStore) RevokeByParent(_ context.Context, parentID string, at time.Time) (int, error) {
	if parentID == "" {
		return 0, nil
	}
	return s.revokeWhere(func(c core.Credential) bool { return c.ParentID == parentID }, at), nil
}

func (s *MemoryStore) RevokeByGrant(_ context.Context, grantID string, at time.Time) (int, error) {
	if grantID == "" {
		return 0, nil
	}
	return s.revokeWhere(func(c core.Credential) bool { return c.GrantID == grantID }, at), nil
}

func (s *MemoryStore) revokeWhere(match func(core.Credential) bool, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, c := range s.credentials {
		if c.Revoked || !match(c) {
			continue
		}
		c.Revoked = true
		c.RevokedAt = &at
		s.credentials[id] = c
		n++
	}
	return n
}

func (s *MemoryStore) DeleteExpiredCredentials(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, c := range s.credentials {
		if c.Type != core.CredentialAuthorizationCode && c.ExpiresAt.Before(before) {
			delete(s.credentials, id)
			delete(s.byHash, c.Hash)
			n++
		}
	}

	// A code stays while anything issued from it remains, so a late reuse
	// can still revoke the grant.
	live := make(map[string]struct{})
	for _, c := range s.credentials {
		if c.Type != core.CredentialAuthorizationCode && c.GrantID != "" {
			live[c.GrantID] = struct{}{}
		}
	}
	for id, c := range s.credentials {
		if c.Type != core.CredentialAuthorizationCode || !c.ExpiresAt.Before(before) {
			continue
		}
		if _, ok := live[id]; ok {
			continue
		}
		delete(s.credentials, id)
		delete(s.byHash, c.Hash)
		n++
	}
	return n, nil
}

// Payments

func (s *MemoryStore) CreatePayment(_ context.Context, p *core.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[p.ID]; exists {
		return core.ErrDuplicate
	}
	s.payments[p.ID] = clonePayment(*p)
	return nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id string) (*core.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, core.ErrRecordNotFound
	}
	out := clonePayment(p)
	return &out, nil
}

func (s *MemoryStore) UpdatePayment(_ context.Context, p *core.Payment, expected core.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.payments[p.ID]
	if !ok {
		return core.ErrRecordNotFound
	}
	if stored.Status != expected {
		return core.ErrConflict
	}
	s.payments[p.ID] = clonePayment(*p)
	return nil
}

func cloneApp(a core.ThirdPartyApp) core.ThirdPartyApp {
	a.RedirectURIs = append([]string(nil), a.RedirectURIs...)
	a.AllowedScopes = append(core.Scopes(nil), a.AllowedScopes...)
	return a
}

func cloneConsent(c core.Consent) core.Consent {
	c.AccountIDs = append([]string(nil), c.AccountIDs...)
	c.AuthorizedAt = cloneTime(c.AuthorizedAt)
	c.RevokedAt = cloneTime(c.RevokedAt)
	return c
}

func cloneAuthRequest(r core.AuthorizationRequest) core.AuthorizationRequest {
	r.RequestedScopes = append(core.Scopes(nil), r.RequestedScopes...)
	return r
}

func cloneCredential(c core.Credential) core.Credential {
	c.Scopes = append(core.Scopes(nil), c.Scopes...)
	c.ConsumedAt = cloneTime(c.ConsumedAt)
	c.RevokedAt = cloneTime(c.RevokedAt)
	return c
}

func clonePayment(p core.Payment) core.Payment {
	p.SCACompletedAt = cloneTime(p.SCACompletedAt)
	p.SettledAt = cloneTime(p.SettledAt)
	return p
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
