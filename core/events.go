package core

import "time"

// ConsentEvent is published on every consent status change
type ConsentEvent struct {
	ConsentID string        `json:"consent_id"`
	AppID     string        `json:"app_id"`
	UserID    string        `json:"user_id,omitempty"`
	Status    ConsentStatus `json:"status"`
	Initiator string        `json:"initiator,omitempty"`
	At        time.Time     `json:"at"`
}

// PaymentEvent is published on every payment status change
type PaymentEvent struct {
	PaymentID string        `json:"payment_id"`
	ConsentID string        `json:"consent_id"`
	AppID     string        `json:"app_id"`
	Status    PaymentStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	At        time.Time     `json:"at"`
}

// SecurityEvent reports a suspected credential compromise
type SecurityEvent struct {
	Type       string    `json:"type"`
	AppID      string    `json:"app_id"`
	ConsentID  string    `json:"consent_id,omitempty"`
	GrantID    string    `json:"grant_id,omitempty"`
	RevokedIDs int       `json:"revoked_credentials"`
	At         time.Time `json:"at"`
}

// SecurityEventCodeReuse is raised when a consumed authorization code is presented again
const SecurityEventCodeReuse = "authorization_code_reuse"
