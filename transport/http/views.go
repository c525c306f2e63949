package http

import (
	"time"

	"github.com/layer-3/obgate/core"
)

type appView struct {
	ID                 string         `json:"client_id"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	RedirectURIs       []string       `json:"redirect_uris"`
	Scopes             core.Scopes    `json:"scopes"`
	Status             core.AppStatus `json:"status"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute"`
	RateLimitPerDay    int            `json:"rate_limit_per_day"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func newAppView(a *core.ThirdPartyApp) appView {
	return appView{
		ID:                 a.ID,
		Name:               a.Name,
		Description:        a.Description,
		RedirectURIs:       a.RedirectURIs,
		Scopes:             a.AllowedScopes,
		Status:             a.Status,
		RateLimitPerMinute: a.RateLimitPerMinute,
		RateLimitPerDay:    a.RateLimitPerDay,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

type consentView struct {
	ID               string                   `json:"id"`
	AppID            string                   `json:"client_id"`
	Kind             core.ConsentKind         `json:"consent_type"`
	Scopes           core.Scopes              `json:"scopes"`
	AccountIDs       []string                 `json:"account_ids"`
	Status           core.ConsentStatus       `json:"status"`
	ValidFrom        time.Time                `json:"valid_from"`
	ValidUntil       time.Time                `json:"valid_until"`
	AuthorizedAt     *time.Time               `json:"authorized_at,omitempty"`
	RevokedAt        *time.Time               `json:"revoked_at,omitempty"`
	RevokedBy        core.RevocationInitiator `json:"revoked_by,omitempty"`
	RevocationReason string                   `json:"revocation_reason,omitempty"`
}

func newConsentView(c *core.Consent) consentView {
	accounts := c.AccountIDs
	if accounts == nil {
		accounts = []string{}
	}
	return consentView{
		ID:               c.ID,
		AppID:            c.AppID,
		Kind:             c.Kind,
		Scopes:           c.Scopes(),
		AccountIDs:       accounts,
		Status:           c.Status,
		ValidFrom:        c.ValidFrom,
		ValidUntil:       c.ValidUntil,
		AuthorizedAt:     c.AuthorizedAt,
		RevokedAt:        c.RevokedAt,
		RevokedBy:        c.RevokedBy,
		RevocationReason: c.RevocationReason,
	}
}

type scaView struct {
	ChallengeID string     `json:"challenge_id,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type paymentView struct {
	ID              string             `json:"id"`
	ConsentID       string             `json:"consent_id"`
	DebtorAccount   string             `json:"debtor_account"`
	CreditorAccount string             `json:"creditor_account"`
	CreditorName    string             `json:"creditor_name"`
	Amount          string             `json:"amount"`
	Currency        string             `json:"currency"`
	Reference       string             `json:"reference,omitempty"`
	Status          core.PaymentStatus `json:"status"`
	SCA             scaView            `json:"sca"`
	SettledAt       *time.Time         `json:"settled_at,omitempty"`
	FailureReason   string             `json:"failure_reason,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func newPaymentView(p *core.Payment) paymentView {
	v := paymentView{
		ID:              p.ID,
		ConsentID:       p.ConsentID,
		DebtorAccount:   p.DebtorAccount,
		CreditorAccount: p.CreditorAccount,
		CreditorName:    p.CreditorName,
		Amount:          p.Amount.StringFixed(2),
		Currency:        p.Currency,
		Reference:       p.Reference,
		Status:          p.Status,
		SCA:             scaView{CompletedAt: p.SCACompletedAt},
		SettledAt:       p.SettledAt,
		FailureReason:   p.FailureReason,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
	// The challenge is only meaningful while the payment awaits SCA
	if p.Status == core.PaymentStatusPending {
		expires := p.SCAExpiresAt
		v.SCA.ChallengeID = p.SCAChallengeID
		v.SCA.ExpiresAt = &expires
	}
	return v
}
