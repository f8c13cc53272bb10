package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"exchange/internal/domain"
	"exchange/internal/repository/ledger_repo"
)

const uniqueViolation = "23505"

type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) WithinTx(ctx context.Context, lockKeys []string, fn ledger_repo.TxFunc) error {
	return r.run(ctx, nil, lockKeys, fn)
}

func (r *LedgerRepository) View(ctx context.Context, _ string, fn ledger_repo.TxFunc) error {
	return r.run(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, nil, fn)
}

func (r *LedgerRepository) run(ctx context.Context, opts *sql.TxOptions, lockKeys []string, fn ledger_repo.TxFunc) error {
	tx, err := r.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if len(lockKeys) > 0 {
		if err := lockAccounts(ctx, tx, ledger_repo.SortedKeys(lockKeys)); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, after: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lockAccounts takes row locks on existing accounts in username order so two
// units of work over the same pair of accounts cannot deadlock.
func lockAccounts(ctx context.Context, q domain.Querier, usernames []string) error {
	rows, err := q.QueryContext(ctx, `
		SELECT username
		FROM accounts
		WHERE username = ANY($1)
		ORDER BY username
		FOR UPDATE
	`, pq.Array(usernames))
	if err != nil {
		return fmt.Errorf("failed to lock accounts %v: %w", usernames, err)
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

func (r *LedgerRepository) RelayPending(ctx context.Context, limit int, relay ledger_repo.RelayFunc) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, aggregate_id, message_type, key_value, payload, status, created_at
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, domain.OutboxStatusPending, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending outbox messages: %w", err)
	}

	var messages []domain.OutboxMessage
	for rows.Next() {
		msg := domain.OutboxMessage{}
		if err := rows.Scan(&msg.ID, &msg.AggregateID, &msg.MessageType, &msg.Key, &msg.Payload, &msg.Status, &msg.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		messages = append(messages, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating outbox messages: %w", err)
	}

	sent := 0
	var relayErr error
	for _, msg := range messages {
		if err := relay(ctx, msg); err != nil {
			relayErr = fmt.Errorf("failed to relay outbox message %s: %w", msg.ID, err)
			break
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_messages SET status = $1, sent_at = $2 WHERE id = $3`,
			domain.OutboxStatusSent, time.Now().UTC(), msg.ID); err != nil {
			relayErr = fmt.Errorf("failed to mark outbox message %s as sent: %w", msg.ID, err)
			break
		}
		sent++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit outbox relay: %w", err)
	}
	return sent, relayErr
}

type pgTx struct {
	q domain.Querier
}

func (t *pgTx) GetAccount(ctx context.Context, username string) (*domain.Account, error) {
	account := &domain.Account{}
	err := t.q.QueryRowContext(ctx, `
		SELECT username, password_hash, balance, created_at, updated_at
		FROM accounts
		WHERE username = $1
	`, username).Scan(
		&account.Username,
		&account.PasswordHash,
		&account.Balance,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account %s: %w", username, err)
	}
	return account, nil
}

func (t *pgTx) CreateAccount(ctx context.Context, account *domain.Account) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO accounts (username, password_hash, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, account.Username, account.PasswordHash, account.Balance, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrAccountAlreadyExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, username string, delta decimal.Decimal) (decimal.Decimal, error) {
	var next decimal.Decimal
	err := t.q.QueryRowContext(ctx, `
		UPDATE accounts
		SET balance = balance + $1, updated_at = $2
		WHERE username = $3 AND balance + $1 >= 0
		RETURNING balance
	`, delta, time.Now().UTC(), username).Scan(&next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("failed to update balance for %s: %w", username, err)
	}
	acc, getErr := t.GetAccount(ctx, username)
	if getErr != nil {
		return decimal.Zero, getErr
	}
	return acc.Balance, domain.ErrInsufficientFunds
}

func (t *pgTx) GetHolding(ctx context.Context, username, code string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := t.q.QueryRowContext(ctx, `
		SELECT amount FROM holdings WHERE username = $1 AND currency_code = $2
	`, username, code).Scan(&amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to get %s holding for %s: %w", code, username, err)
	}
	return amount, nil
}

func (t *pgTx) AdjustHolding(ctx context.Context, username, code string, delta decimal.Decimal) (decimal.Decimal, error) {
	var next decimal.Decimal
	if !delta.IsNegative() {
		err := t.q.QueryRowContext(ctx, `
			INSERT INTO holdings (username, currency_code, amount)
			VALUES ($1, $2, $3)
			ON CONFLICT (username, currency_code)
			DO UPDATE SET amount = holdings.amount + EXCLUDED.amount
			RETURNING amount
		`, username, code, delta).Scan(&next)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to credit %s holding for %s: %w", code, username, err)
		}
		return next, nil
	}

	err := t.q.QueryRowContext(ctx, `
		UPDATE holdings
		SET amount = amount + $3
		WHERE username = $1 AND currency_code = $2 AND amount + $3 >= 0
		RETURNING amount
	`, username, code, delta).Scan(&next)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			current, getErr := t.GetHolding(ctx, username, code)
			if getErr != nil {
				return decimal.Zero, getErr
			}
			return current, domain.ErrInsufficientHoldings
		}
		return decimal.Zero, fmt.Errorf("failed to debit %s holding for %s: %w", code, username, err)
	}
	return next, nil
}

func (t *pgTx) ListHoldings(ctx context.Context, username string) ([]domain.Holding, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT username, currency_code, amount
		FROM holdings
		WHERE username = $1 AND amount > 0
		ORDER BY currency_code
	`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings for %s: %w", username, err)
	}
	defer rows.Close()

	var holdings []domain.Holding
	for rows.Next() {
		var h domain.Holding
		if err := rows.Scan(&h.Username, &h.CurrencyCode, &h.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func (t *pgTx) AppendTransaction(ctx context.Context, record *domain.Transaction) error {
	code := sql.NullString{String: record.CurrencyCode, Valid: record.CurrencyCode != ""}
	rate := decimal.NullDecimal{Decimal: record.Rate, Valid: !record.Rate.IsZero()}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO transactions (id, username, type, currency_code, amount, rate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, record.ID, record.Username, string(record.Type), code, record.Amount, rate, record.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append %s transaction for %s: %w", record.Type, record.Username, err)
	}
	return nil
}

func (t *pgTx) ListTransactions(ctx context.Context, username string) ([]domain.Transaction, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, username, type, currency_code, amount, rate, created_at
		FROM transactions
		WHERE username = $1
		ORDER BY created_at DESC, seq DESC
	`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions for %s: %w", username, err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			tr   domain.Transaction
			typ  string
			code sql.NullString
			rate decimal.NullDecimal
		)
		if err := rows.Scan(&tr.ID, &tr.Username, &typ, &code, &tr.Amount, &rate, &tr.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tr.Type = domain.TransactionType(typ)
		tr.CurrencyCode = code.String
		if rate.Valid {
			tr.Rate = rate.Decimal
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *pgTx) EnqueueOutbox(ctx context.Context, msg *domain.OutboxMessage) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, aggregate_id, message_type, key_value, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.ID, msg.AggregateID, msg.MessageType, msg.Key, msg.Payload, msg.Status, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create outbox message: %w", err)
	}
	return nil
}
