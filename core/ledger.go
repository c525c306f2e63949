package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is the Ledger Service's view of a customer account
type Account struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Type     string `json:"account_type"`
	Number   string `json:"number"`
	IBAN     string `json:"iban,omitempty"`
	Currency string `json:"currency"`
}

// Balance of one account
type Balance struct {
	AccountID string          `json:"account_id"`
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	AsOf      time.Time       `json:"as_of"`
}

// Transaction posted on an account
type Transaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Description  string          `json:"description"`
	Counterparty string          `json:"counterparty,omitempty"`
	Status       string          `json:"status"`
	BookedAt     time.Time       `json:"booked_at"`
}

// Page bounds a listing
type Page struct {
	Limit  int
	Offset int
}

// NormalizePage clamps a page to sane bounds
func NormalizePage(p Page) Page {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
