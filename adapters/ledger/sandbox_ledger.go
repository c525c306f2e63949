package ledger

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/layer-3/obgate/core"
	"github.com/layer-3/obgate/ports"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Settler receives the verdict for a submitted payment
type Settler func(ctx context.Context, paymentID string, s core.Settlement) error

// SandboxLedger serves deterministic fixture accounts for every user and
// records submitted payments. With a settler attached it settles each
// submission asynchronously after a delay.
type SandboxLedger struct {
	mu        sync.Mutex
	submitted map[string]core.Payment

	settler Settler
	delay   time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

var _ ports.Ledger = (*SandboxLedger)(nil)

// NewSandboxLedger creates a sandbox ledger
func NewSandboxLedger(logger *zap.Logger) *SandboxLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SandboxLedger{
		submitted: make(map[string]core.Payment),
		logger:    logger,
		now:       time.Now,
	}
}

// AutoSettle makes every submission succeed after delay through settler
func (l *SandboxLedger) AutoSettle(settler Settler, delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settler = settler
	l.delay = delay
}

func (l *SandboxLedger) accounts(userID string) []core.Account {
	return []core.Account{
		{
			ID:       userID + "-current",
			Label:    "Current Account",
			Type:     "current",
			Number:   accountNumber(userID, 1),
			Currency: "EUR",
		},
		{
			ID:       userID + "-savings",
			Label:    "Savings Account",
			Type:     "savings",
			Number:   accountNumber(userID, 2),
			Currency: "EUR",
		},
	}
}

func (l *SandboxLedger) ListAccounts(_ context.Context, userID string) ([]core.Account, error) {
	return l.accounts(userID), nil
}

func (l *SandboxLedger) GetAccount(_ context.Context, userID, accountID string) (*core.Account, error) {
	for _, a := range l.accounts(userID) {
		if a.ID == accountID {
			acc := a
			return &acc, nil
		}
	}
	return nil, core.Errorf(core.KindNotFound, "account %s not found", accountID)
}

func (l *SandboxLedger) GetBalances(ctx context.Context, userID, accountID string) ([]core.Balance, error) {
	acc, err := l.GetAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	seed := seedOf(accountID)
	return []core.Balance{{
		AccountID: acc.ID,
		Type:      "available",
		Amount:    decimal.New(int64(seed%5_000_000), -2),
		Currency:  acc.Currency,
		AsOf:      l.now().UTC().Truncate(time.Second),
	}}, nil
}

func (l *SandboxLedger) ListTransactions(ctx context.Context, userID, accountID string, page core.Page) ([]core.Transaction, error) {
	acc, err := l.GetAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	const total = 50
	page = core.NormalizePage(page)

	seed := seedOf(accountID)
	anchor := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	var out []core.Transaction
	for i := page.Offset; i < total && len(out) < page.Limit; i++ {
		cents := int64((seed>>uint(i%24))%20_000) + 100
		amount := decimal.New(cents, -2)
		description := "Card payment"
		if i%7 == 0 {
			description = "Salary"
		} else {
			amount = amount.Neg()
		}
		out = append(out, core.Transaction{
			ID:          fmt.Sprintf("%s-tx-%03d", accountID, i),
			AccountID:   acc.ID,
			Amount:      amount,
			Currency:    acc.Currency,
			Description: description,
			Status:      "booked",
			BookedAt:    anchor.Add(-time.Duration(i) * 13 * time.Hour),
		})
	}
	return out, nil
}

// SubmitPayment records the payment. Submitting the same payment twice is a no-op.
func (l *SandboxLedger) SubmitPayment(_ context.Context, p *core.Payment) error {
	l.mu.Lock()
	_, seen := l.submitted[p.ID]
	l.submitted[p.ID] = *p
	settler, delay := l.settler, l.delay
	l.mu.Unlock()

	l.logger.Info("sandbox payment submitted",
		zap.String("payment_id", p.ID),
		zap.String("amount", p.Amount.StringFixed(2)),
		zap.String("currency", p.Currency))

	if seen || settler == nil {
		return nil
	}
	go func(id string) {
		time.Sleep(delay)
		if err := settler(context.Background(), id, core.Settlement{Succeeded: true}); err != nil {
			l.logger.Warn("sandbox settlement failed", zap.String("payment_id", id), zap.Error(err))
		}
	}(p.ID)
	return nil
}

// Submitted returns a recorded submission
func (l *SandboxLedger) Submitted(paymentID string) (core.Payment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.submitted[paymentID]
	return p, ok
}

func seedOf(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func accountNumber(userID string, n int) string {
	return fmt.Sprintf("%08d", (seedOf(userID)+uint64(n))%100_000_000)
}
