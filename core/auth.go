package core

import "time"

// AuthRequestStage tracks an in-flight authorization handshake
type AuthRequestStage string

const (
	StageRequested  AuthRequestStage = "requested"
	StageConsented  AuthRequestStage = "consented"
	StageCodeIssued AuthRequestStage = "code_issued"
	StageExchanged  AuthRequestStage = "exchanged"
	StageDenied     AuthRequestStage = "denied"
)

var stageTransitions = map[AuthRequestStage][]AuthRequestStage{
	StageRequested:  {StageConsented, StageDenied},
	StageConsented:  {StageCodeIssued, StageDenied},
	StageCodeIssued: {StageExchanged},
}

// CanTransitionTo reports whether s may advance to next
func (s AuthRequestStage) CanTransitionTo(next AuthRequestStage) bool {
	for _, allowed := range stageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AuthorizationRequest is the server-side state of one handshake, keyed by a
// server-generated id.
type AuthorizationRequest struct {
	ID                  string
	AppID               string
	ConsentID           string
	RedirectURI         string
	State               string
	RequestedScopes     Scopes
	CodeChallenge       string
	CodeChallengeMethod string
	Stage               AuthRequestStage
	ExpiresAt           time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ConsentTicket is the handle given to the consent screen. It is signed by
// the tokenizer and carries only identifiers.
type ConsentTicket struct {
	RequestID string
	ConsentID string
	AppID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Role of an authenticated bank user
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Identity is an end user authenticated by the bank's own session system
type Identity struct {
	UserID    string
	Role      Role
	ExpiresAt time.Time
}

// IsAdmin reports whether the identity may perform administrative actions
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
