package store

import (
	"strings"
	"time"

	"github.com/layer-3/obgate/core"
	"github.com/shopspring/decimal"
)

type appModel struct {
	ID                 string `gorm:"primaryKey;size:64"`
	DeveloperID        string `gorm:"index;size:128;not null"`
	Name               string `gorm:"size:256;not null"`
	Description        string
	SecretHash         string   `gorm:"not null"`
	RedirectURIs       []string `gorm:"serializer:json;type:text"`
	AllowedScopes      string
	Status             string `gorm:"size:16;not null"`
	RateLimitPerMinute int
	RateLimitPerDay    int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (appModel) TableName() string { return "third_party_apps" }

func appToModel(a *core.ThirdPartyApp) *appModel {
	return &appModel{
		ID:                 a.ID,
		DeveloperID:        a.DeveloperID,
		Name:               a.Name,
		Description:        a.Description,
		SecretHash:         a.SecretHash,
		RedirectURIs:       a.RedirectURIs,
		AllowedScopes:      a.AllowedScopes.String(),
		Status:             string(a.Status),
		RateLimitPerMinute: a.RateLimitPerMinute,
		RateLimitPerDay:    a.RateLimitPerDay,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func (m *appModel) toCore() *core.ThirdPartyApp {
	return &core.ThirdPartyApp{
		ID:                 m.ID,
		DeveloperID:        m.DeveloperID,
		Name:               m.Name,
		Description:        m.Description,
		SecretHash:         m.SecretHash,
		RedirectURIs:       m.RedirectURIs,
		AllowedScopes:      splitScopes(m.AllowedScopes),
		Status:             core.AppStatus(m.Status),
		RateLimitPerMinute: m.RateLimitPerMinute,
		RateLimitPerDay:    m.RateLimitPerDay,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

type consentModel struct {
	ID               string `gorm:"primaryKey;size:64"`
	UserID           string `gorm:"index;size:128"`
	AppID            string `gorm:"index;size:64;not null"`
	Kind             string `gorm:"size:16;not null"`
	ReadAccounts     bool
	ReadBalances     bool
	ReadTransactions bool
	InitiatePayments bool
	AccountIDs       []string `gorm:"serializer:json;type:text"`
	Status           string   `gorm:"index;size:16;not null"`
	ValidFrom        time.Time
	ValidUntil       time.Time `gorm:"index"`
	AuthorizedAt     *time.Time
	RevokedAt        *time.Time
	RevokedBy        string `gorm:"size:16"`
	RevocationReason string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (consentModel) TableName() string { return "consents" }

func consentToModel(c *core.Consent) *consentModel {
	return &consentModel{
		ID:               c.ID,
		UserID:           c.UserID,
		AppID:            c.AppID,
		Kind:             string(c.Kind),
		ReadAccounts:     c.Permissions.ReadAccounts,
		ReadBalances:     c.Permissions.ReadBalances,
		ReadTransactions: c.Permissions.ReadTransactions,
		InitiatePayments: c.Permissions.InitiatePayments,
		AccountIDs:       c.AccountIDs,
		Status:           string(c.Status),
		ValidFrom:        c.ValidFrom,
		ValidUntil:       c.ValidUntil,
		AuthorizedAt:     c.AuthorizedAt,
		RevokedAt:        c.RevokedAt,
		RevokedBy:        string(c.RevokedBy),
		RevocationReason: c.RevocationReason,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func (m *consentModel) toCore() *core.Consent {
	return &core.Consent{
		ID:     m.ID,
		UserID: m.UserID,
		AppID:  m.AppID,
		Kind:   core.ConsentKind(m.Kind),
		Permissions: core.Permissions{
			ReadAccounts:     m.ReadAccounts,
			ReadBalances:     m.ReadBalances,
			ReadTransactions: m.ReadTransactions,
			InitiatePayments: m.InitiatePayments,
		},
		AccountIDs:       m.AccountIDs,
		Status:           core.ConsentStatus(m.Status),
		ValidFrom:        m.ValidFrom,
		ValidUntil:       m.ValidUntil,
		AuthorizedAt:     m.AuthorizedAt,
		RevokedAt:        m.RevokedAt,
		RevokedBy:        core.RevocationInitiator(m.RevokedBy),
		RevocationReason: m.RevocationReason,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

type authRequestModel struct {
	ID                  string `gorm:"primaryKey;size:64"`
	AppID               string `gorm:"size:64;not null"`
	ConsentID           string `gorm:"size:64;not null"`
	RedirectURI         string
	State               string
	RequestedScopes     string
	CodeChallenge       string
	CodeChallengeMethod string `gorm:"size:8"`
	Stage               string `gorm:"size:16;not null"`
	ExpiresAt           time.Time `gorm:"index"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (authRequestModel) TableName() string { return "authorization_requests" }

func authRequestToModel(r *core.AuthorizationRequest) *authRequestModel {
	return &authRequestModel{
		ID:                  r.ID,
		AppID:               r.AppID,
		ConsentID:           r.ConsentID,
		RedirectURI:         r.RedirectURI,
		State:               r.State,
		RequestedScopes:     r.RequestedScopes.String(),
		CodeChallenge:       r.CodeChallenge,
		CodeChallengeMethod: r.CodeChallengeMethod,
		Stage:               string(r.Stage),
		ExpiresAt:           r.ExpiresAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func (m *authRequestModel) toCore() *core.AuthorizationRequest {
	return &core.AuthorizationRequest{
		ID:                  m.ID,
		AppID:               m.AppID,
		ConsentID:           m.ConsentID,
		RedirectURI:         m.RedirectURI,
		State:               m.State,
		RequestedScopes:     splitScopes(m.RequestedScopes),
		CodeChallenge:       m.CodeChallenge,
		CodeChallengeMethod: m.CodeChallengeMethod,
		Stage:               core.AuthRequestStage(m.Stage),
		ExpiresAt:           m.ExpiresAt,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

type credentialModel struct {
	ID                  string `gorm:"primaryKey;size:64"`
	Type                string `gorm:"size:24;not null"`
	Hash                string `gorm:"uniqueIndex;size:64;not null"`
	UserID              string `gorm:"size:128"`
	AppID               string `gorm:"index;size:64;not null"`
	ConsentID           string `gorm:"index;size:64;not null"`
	Scopes              string
	GrantID             string `gorm:"index;size:64"`
	ParentID            string `gorm:"index;size:64"`
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string `gorm:"size:8"`
	Consumed            bool
	ConsumedAt          *time.Time
	Revoked             bool
	RevokedAt           *time.Time
	ExpiresAt           time.Time `gorm:"index"`
	CreatedAt           time.Time
}

func (credentialModel) TableName() string { return "credentials" }

func credentialToModel(c *core.Credential) *credentialModel {
	return &credentialModel{
		ID:                  c.ID,
		Type:                string(c.Type),
		Hash:                c.Hash,
		UserID:              c.UserID,
		AppID:               c.AppID,
		ConsentID:           c.ConsentID,
		Scopes:              c.Scopes.String(),
		GrantID:             c.GrantID,
		ParentID:            c.ParentID,
		RedirectURI:         c.RedirectURI,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		Consumed:            c.Consumed,
		ConsumedAt:          c.ConsumedAt,
		Revoked:             c.Revoked,
		RevokedAt:           c.RevokedAt,
		ExpiresAt:           c.ExpiresAt,
		CreatedAt:           c.CreatedAt,
	}
}

func (m *credentialModel) toCore() *core.Credential {
	return &core.Credential{
		ID:                  m.ID,
		Type:                core.CredentialType(m.Type),
		Hash:                m.Hash,
		UserID:              m.UserID,
		AppID:               m.AppID,
		ConsentID:           m.ConsentID,
		Scopes:              splitScopes(m.Scopes),
		GrantID:             m.GrantID,
		ParentID:            m.ParentID,
		RedirectURI:         m.RedirectURI,
		CodeChallenge:       m.CodeChallenge,
		CodeChallengeMethod: m.CodeChallengeMethod,
		Consumed:            m.Consumed,
		ConsumedAt:          m.ConsumedAt,
		Revoked:             m.Revoked,
		RevokedAt:           m.RevokedAt,
		ExpiresAt:           m.ExpiresAt,
		CreatedAt:           m.CreatedAt,
	}
}

type paymentModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	ConsentID       string `gorm:"index;size:64;not null"`
	AppID           string `gorm:"index;size:64;not null"`
	UserID          string `gorm:"size:128"`
	DebtorAccount   string
	CreditorAccount string
	CreditorName    string
	Amount          decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	Currency        string          `gorm:"size:3;not null"`
	Reference       string
	Status          string `gorm:"index;size:16;not null"`
	SCAChallengeID  string `gorm:"size:64"`
	SCAExpiresAt    time.Time
	SCACompletedAt  *time.Time
	SettledAt       *time.Time
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (paymentModel) TableName() string { return "payments" }

func paymentToModel(p *core.Payment) *paymentModel {
	return &paymentModel{
		ID:              p.ID,
		ConsentID:       p.ConsentID,
		AppID:           p.AppID,
		UserID:          p.UserID,
		DebtorAccount:   p.DebtorAccount,
		CreditorAccount: p.CreditorAccount,
		CreditorName:    p.CreditorName,
		Amount:          p.Amount,
		Currency:        p.Currency,
		Reference:       p.Reference,
		Status:          string(p.Status),
		SCAChallengeID:  p.SCAChallengeID,
		SCAExpiresAt:    p.SCAExpiresAt,
		SCACompletedAt:  p.SCACompletedAt,
		SettledAt:       p.SettledAt,
		FailureReason:   p.FailureReason,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func (m *paymentModel) toCore() *core.Payment {
	return &core.Payment{
		ID:              m.ID,
		ConsentID:       m.ConsentID,
		AppID:           m.AppID,
		UserID:          m.UserID,
		DebtorAccount:   m.DebtorAccount,
		CreditorAccount: m.CreditorAccount,
		CreditorName:    m.CreditorName,
		Amount:          m.Amount,
		Currency:        m.Currency,
		Reference:       m.Reference,
		Status:          core.PaymentStatus(m.Status),
		SCAChallengeID:  m.SCAChallengeID,
		SCAExpiresAt:    m.SCAExpiresAt,
		SCACompletedAt:  m.SCACompletedAt,
		SettledAt:       m.SettledAt,
		FailureReason:   m.FailureReason,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// splitScopes reads back a stored space separated scope set
func splitScopes(raw string) core.Scopes {
	fields := strings.Fields(raw)
	out := make(core.Scopes, 0, len(fields))
	for _, f := range fields {
		out = append(out, core.Scope(f))
	}
	return out
}
