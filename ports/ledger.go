package ports

import (
	"context"

	"github.com/layer-3/obgate/core"
)

// Ledger is the external service holding accounts and executing payments.
// Lookups that miss return core.ErrNotFound; transport failures are
// reported as core.ErrTemporarilyUnavailable.
type Ledger interface {
	ListAccounts(ctx context.Context, userID string) ([]core.Account, error)
	GetAccount(ctx context.Context, userID, accountID string) (*core.Account, error)
	GetBalances(ctx context.Context, userID, accountID string) ([]core.Balance, error)
	ListTransactions(ctx context.Context, userID, accountID string, page core.Page) ([]core.Transaction, error)

	// SubmitPayment hands a processing payment to the ledger. The verdict
	// arrives later through the settlement callback.
	SubmitPayment(ctx context.Context, payment *core.Payment) error
}
