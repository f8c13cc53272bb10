package ledger_repo

import (
	"context"
	"slices"

	"github.com/shopspring/decimal"

	"exchange/internal/domain"
)

// Tx is the set of ledger primitives available inside one unit of work.
// Adjust* methods never leave a negative result behind: they fail with
// domain.ErrInsufficientFunds or domain.ErrInsufficientHoldings instead.
type Tx interface {
	GetAccount(ctx context.Context, username string) (*domain.Account, error)
	CreateAccount(ctx context.Context, account *domain.Account) error
	AdjustBalance(ctx context.Context, username string, delta decimal.Decimal) (decimal.Decimal, error)
	GetHolding(ctx context.Context, username, code string) (decimal.Decimal, error)
	AdjustHolding(ctx context.Context, username, code string, delta decimal.Decimal) (decimal.Decimal, error)
	ListHoldings(ctx context.Context, username string) ([]domain.Holding, error)
	AppendTransaction(ctx context.Context, record *domain.Transaction) error
	ListTransactions(ctx context.Context, username string) ([]domain.Transaction, error)
	EnqueueOutbox(ctx context.Context, msg *domain.OutboxMessage) error
}

// TxFunc is executed atomically: all of its effects are committed when it
// returns nil and none of them are when it returns an error or panics.
type TxFunc func(ctx context.Context, tx Tx) error

type Store interface {
	// WithinTx runs fn holding exclusive locks on every username in lockKeys.
	// Keys are acquired in sorted order.
	WithinTx(ctx context.Context, lockKeys []string, fn TxFunc) error
	// View runs fn against a consistent snapshot of one account.
	View(ctx context.Context, username string, fn TxFunc) error
}

// RelayFunc delivers one outbox message. A nil return marks it sent.
type RelayFunc func(ctx context.Context, msg domain.OutboxMessage) error

type OutboxStore interface {
	RelayPending(ctx context.Context, limit int, relay RelayFunc) (int, error)
}

// SortedKeys returns the distinct keys in ascending order.
func SortedKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
