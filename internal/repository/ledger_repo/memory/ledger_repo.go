package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exchange/internal/domain"
	"exchange/internal/repository/ledger_repo"
)

var errNotLocked = errors.New("account is not locked by this unit of work")
var errReadOnly = errors.New("read-only unit of work")

type accountRecord struct {
	account      domain.Account
	holdings     map[string]decimal.Decimal
	transactions []domain.Transaction
}

// LedgerRepository keeps the ledger in process memory. Each username has its
// own mutex; the accounts map itself is guarded by mu.
type LedgerRepository struct {
	mu       sync.RWMutex
	accounts map[string]*accountRecord

	locksMu sync.Mutex
	locks   map[string]*keyLock

	// outboxMu guards outbox only and is never held while relaying.
	// relayMu keeps two relays from handing out the same message.
	outboxMu sync.Mutex
	outbox   []domain.OutboxMessage
	relayMu  sync.Mutex
}

// keyLock is dropped from the locks map once no unit of work references it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{
		accounts: make(map[string]*accountRecord),
		locks:    make(map[string]*keyLock),
	}
}

func (r *LedgerRepository) ref(username string) *keyLock {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[username]
	if !ok {
		l = &keyLock{}
		r.locks[username] = l
	}
	l.refs++
	return l
}

func (r *LedgerRepository) unref(username string, l *keyLock) {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, username)
	}
}

func (r *LedgerRepository) acquire(keys []string) func() {
	keys = ledger_repo.SortedKeys(keys)
	held := make([]*keyLock, 0, len(keys))
	for _, k := range keys {
		l := r.ref(k)
		l.mu.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			r.unref(keys[i], held[i])
		}
	}
}

func (r *LedgerRepository) WithinTx(ctx context.Context, lockKeys []string, fn ledger_repo.TxFunc) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	release := r.acquire(lockKeys)
	defer release()

	tx := newMemTx(r, lockKeys, false)
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

func (r *LedgerRepository) View(ctx context.Context, username string, fn ledger_repo.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	release := r.acquire([]string{username})
	defer release()
	return fn(ctx, newMemTx(r, []string{username}, true))
}

// RelayPending hands pending messages to relay in creation order and marks
// the delivered ones as sent. Commits keep appending to the outbox while a
// relay is in flight.
func (r *LedgerRepository) RelayPending(ctx context.Context, limit int, relay ledger_repo.RelayFunc) (int, error) {
	r.relayMu.Lock()
	defer r.relayMu.Unlock()

	idx, batch := r.pendingBatch(limit)
	sent := 0
	for i, msg := range batch {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := relay(ctx, msg); err != nil {
			return sent, fmt.Errorf("failed to relay outbox message %s: %w", msg.ID, err)
		}
		r.markSent(idx[i])
		sent++
	}
	return sent, nil
}

// pendingBatch copies up to limit pending messages along with their
// positions. The outbox only grows, so positions stay valid after unlock.
func (r *LedgerRepository) pendingBatch(limit int) ([]int, []domain.OutboxMessage) {
	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()

	var idx []int
	var batch []domain.OutboxMessage
	for i := range r.outbox {
		if len(batch) >= limit {
			break
		}
		if r.outbox[i].Status != domain.OutboxStatusPending {
			continue
		}
		idx = append(idx, i)
		batch = append(batch, r.outbox[i])
	}
	return idx, batch
}

func (r *LedgerRepository) markSent(i int) {
	now := time.Now().UTC()
	r.outboxMu.Lock()
	r.outbox[i].Status = domain.OutboxStatusSent
	r.outbox[i].SentAt = &now
	r.outboxMu.Unlock()
}

// Outbox returns a copy of every outbox message, pending or sent.
func (r *LedgerRepository) Outbox() []domain.OutboxMessage {
	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()
	return slices.Clone(r.outbox)
}

type memTx struct {
	repo     *LedgerRepository
	locked   map[string]struct{}
	readOnly bool
	undo     []func()
	outbox   []domain.OutboxMessage
}

func newMemTx(repo *LedgerRepository, keys []string, readOnly bool) *memTx {
	locked := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		locked[k] = struct{}{}
	}
	return &memTx{repo: repo, locked: locked, readOnly: readOnly}
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.outbox = nil
}

func (t *memTx) commit() {
	if len(t.outbox) == 0 {
		return
	}
	t.repo.outboxMu.Lock()
	t.repo.outbox = append(t.repo.outbox, t.outbox...)
	t.repo.outboxMu.Unlock()
}

func (t *memTx) record(username string) (*accountRecord, error) {
	if _, ok := t.locked[username]; !ok {
		return nil, fmt.Errorf("%s: %w", username, errNotLocked)
	}
	t.repo.mu.RLock()
	rec, ok := t.repo.accounts[username]
	t.repo.mu.RUnlock()
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return rec, nil
}

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *memTx) GetAccount(_ context.Context, username string) (*domain.Account, error) {
	rec, err := t.record(username)
	if err != nil {
		return nil, err
	}
	acc := rec.account
	return &acc, nil
}

func (t *memTx) CreateAccount(_ context.Context, account *domain.Account) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.locked[account.Username]; !ok {
		return fmt.Errorf("%s: %w", account.Username, errNotLocked)
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if _, exists := t.repo.accounts[account.Username]; exists {
		return domain.ErrAccountAlreadyExists
	}
	t.repo.accounts[account.Username] = &accountRecord{
		account:  *account,
		holdings: make(map[string]decimal.Decimal),
	}
	username := account.Username
	t.undo = append(t.undo, func() {
		t.repo.mu.Lock()
		delete(t.repo.accounts, username)
		t.repo.mu.Unlock()
	})
	return nil
}

func (t *memTx) AdjustBalance(_ context.Context, username string, delta decimal.Decimal) (decimal.Decimal, error) {
	if err := t.writable(); err != nil {
		return decimal.Zero, err
	}
	rec, err := t.record(username)
	if err != nil {
		return decimal.Zero, err
	}
	next := rec.account.Balance.Add(delta)
	if next.IsNegative() {
		return rec.account.Balance, domain.ErrInsufficientFunds
	}
	prevBalance, prevUpdated := rec.account.Balance, rec.account.UpdatedAt
	rec.account.Balance = next
	rec.account.UpdatedAt = time.Now().UTC()
	t.undo = append(t.undo, func() {
		rec.account.Balance = prevBalance
		rec.account.UpdatedAt = prevUpdated
	})
	return next, nil
}

func (t *memTx) GetHolding(_ context.Context, username, code string) (decimal.Decimal, error) {
	rec, err := t.record(username)
	if err != nil {
		return decimal.Zero, err
	}
	return rec.holdings[code], nil
}

func (t *memTx) AdjustHolding(_ context.Context, username, code string, delta decimal.Decimal) (decimal.Decimal, error) {
	if err := t.writable(); err != nil {
		return decimal.Zero, err
	}
	rec, err := t.record(username)
	if err != nil {
		return decimal.Zero, err
	}
	prev, existed := rec.holdings[code]
	next := prev.Add(delta)
	if next.IsNegative() {
		return prev, domain.ErrInsufficientHoldings
	}
	rec.holdings[code] = next
	t.undo = append(t.undo, func() {
		if existed {
			rec.holdings[code] = prev
		} else {
			delete(rec.holdings, code)
		}
	})
	return next, nil
}

func (t *memTx) ListHoldings(_ context.Context, username string) ([]domain.Holding, error) {
	rec, err := t.record(username)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Holding, 0, len(rec.holdings))
	for code, amount := range rec.holdings {
		if !amount.IsPositive() {
			continue
		}
		out = append(out, domain.Holding{Username: username, CurrencyCode: code, Amount: amount})
	}
	slices.SortFunc(out, func(a, b domain.Holding) int {
		if a.CurrencyCode < b.CurrencyCode {
			return -1
		}
		if a.CurrencyCode > b.CurrencyCode {
			return 1
		}
		return 0
	})
	return out, nil
}

func (t *memTx) AppendTransaction(_ context.Context, record *domain.Transaction) error {
	if err := t.writable(); err != nil {
		return err
	}
	rec, err := t.record(record.Username)
	if err != nil {
		return err
	}
	n := len(rec.transactions)
	rec.transactions = append(rec.transactions, *record)
	t.undo = append(t.undo, func() {
		rec.transactions = rec.transactions[:n]
	})
	return nil
}

func (t *memTx) ListTransactions(_ context.Context, username string) ([]domain.Transaction, error) {
	rec, err := t.record(username)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Transaction, len(rec.transactions))
	for i, tr := range rec.transactions {
		out[len(out)-1-i] = tr
	}
	return out, nil
}

func (t *memTx) EnqueueOutbox(_ context.Context, msg *domain.OutboxMessage) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.outbox = append(t.outbox, *msg)
	return nil
}
