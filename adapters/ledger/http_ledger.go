package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
	"github.com/shopspring/decimal"
)

// HTTPLedger talks JSON to the Ledger Service
type HTTPLedger struct {
	baseURL string
	client  *http.Client
}

var _ ports.Ledger = (*HTTPLedger)(nil)

// NewHTTPLedger creates a client for the ledger at baseURL
func NewHTTPLedger(baseURL string, timeout time.Duration) *HTTPLedger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLedger{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type paymentOrder struct {
	PaymentID       string          `json:"payment_id"`
	UserID          string          `json:"user_id"`
	DebtorAccount   string          `json:"debtor_account"`
	CreditorAccount string          `json:"creditor_account"`
	CreditorName    string          `json:"creditor_name,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Reference       string          `json:"reference,omitempty"`
}

func (l *HTTPLedger) ListAccounts(ctx context.Context, userID string) ([]core.Account, error) {
	var out struct {
		Accounts []core.Account `json:"accounts"`
	}
	if err := l.get(ctx, "/users/"+url.PathEscape(userID)+"/accounts", nil, &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

func (l *HTTPLedger) GetAccount(ctx context.Context, userID, accountID string) (*core.Account, error) {
	var out core.Account
	if err := l.get(ctx, accountPath(userID, accountID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *HTTPLedger) GetBalances(ctx context.Context, userID, accountID string) ([]core.Balance, error) {
	var out struct {
		Balances []core.Balance `json:"balances"`
	}
	if err := l.get(ctx, accountPath(userID, accountID)+"/balances", nil, &out); err != nil {
		return nil, err
	}
	return out.Balances, nil
}

func (l *HTTPLedger) ListTransactions(ctx context.Context, userID, accountID string, page core.Page) ([]core.Transaction, error) {
	page = core.NormalizePage(page)
	q := url.Values{}
	q.Set("limit", strconv.Itoa(page.Limit))
	q.Set("offset", strconv.Itoa(page.Offset))

	var out struct {
		Transactions []core.Transaction `json:"transactions"`
	}
	if err := l.get(ctx, accountPath(userID, accountID)+"/transactions", q, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// SubmitPayment posts the order keyed by payment id. A conflict means the
// ledger already holds it.
func (l *HTTPLedger) SubmitPayment(ctx context.Context, p *core.Payment) error {
	body, err := json.Marshal(paymentOrder{
		PaymentID:       p.ID,
		UserID:          p.UserID,
		DebtorAccount:   p.DebtorAccount,
		CreditorAccount: p.CreditorAccount,
		CreditorName:    p.CreditorName,
		Amount:          p.Amount,
		Currency:        p.Currency,
		Reference:       p.Reference,
	})
	if err != nil {
		return fmt.Errorf("failed to encode payment order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.ID)

	resp, err := l.client.Do(req)
	if err != nil {
		return core.WrapError(core.KindTemporarilyUnavailable, "ledger unreachable", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	}
	return statusError(resp.StatusCode)
}

func (l *HTTPLedger) get(ctx context.Context, path string, query url.Values, out any) error {
	target := l.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to build ledger request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return core.WrapError(core.KindTemporarilyUnavailable, "ledger unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return statusError(resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.WrapError(core.KindTemporarilyUnavailable, "malformed ledger response", err)
	}
	return nil
}

func statusError(code int) error {
	switch {
	case code == http.StatusNotFound:
		return core.NewError(core.KindNotFound, "not found at ledger")
	case code >= 500 || code == http.StatusTooManyRequests:
		return core.Errorf(core.KindTemporarilyUnavailable, "ledger returned %d", code)
	}
	return core.Errorf(core.KindServerError, "ledger rejected request with %d", code)
}

func accountPath(userID, accountID string) string {
	return "/users/" + url.PathEscape(userID) + "/accounts/" + url.PathEscape(accountID)
}
