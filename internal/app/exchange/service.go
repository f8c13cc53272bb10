package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exchange/internal/domain"
	"exchange/internal/rates"
	"exchange/internal/repository/ledger_repo"
	"exchange/internal/util"
)

type ExchangeService interface {
	CreateAccount(ctx context.Context, username, password string) error
	Login(ctx context.Context, username, password string) error
	TopUp(ctx context.Context, username string, amount decimal.Decimal) error
	GetBalance(ctx context.Context, username string) (decimal.Decimal, error)
	Buy(ctx context.Context, username, code string, amount decimal.Decimal) (*domain.Transaction, error)
	Sell(ctx context.Context, username, code string, amount decimal.Decimal) (*domain.Transaction, error)
	Pay(ctx context.Context, from, to string, amount decimal.Decimal) error
	GetHoldings(ctx context.Context, username string) (map[string]decimal.Decimal, error)
	GetHistory(ctx context.Context, username string) ([]domain.Transaction, error)
	GetRate(ctx context.Context, code string) (decimal.Decimal, error)
	GetHistoricalRate(ctx context.Context, code string, date time.Time) (decimal.Decimal, error)
	Greeting(name string) string
}

type exchangeService struct {
	store  ledger_repo.Store
	rates  rates.Provider
	hasher PasswordHasher
	logger *zap.Logger
	now    func() time.Time
}

func NewExchangeService(
	store ledger_repo.Store,
	rateProvider rates.Provider,
	hasher PasswordHasher,
	logger *zap.Logger,
) ExchangeService {
	return &exchangeService{
		store:  store,
		rates:  rateProvider,
		hasher: hasher,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// IsBusinessError reports whether err is an expected outcome of a request
// rather than an infrastructure fault.
func IsBusinessError(err error) bool {
	for _, target := range []error{
		domain.ErrAccountNotFound,
		domain.ErrAccountAlreadyExists,
		domain.ErrInsufficientFunds,
		domain.ErrInsufficientHoldings,
		domain.ErrInvalidAmount,
		domain.ErrInvalidCurrency,
		domain.ErrRateUnavailable,
		domain.ErrInvalidCredentials,
		domain.ErrSelfTransfer,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *exchangeService) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if IsBusinessError(err) {
		s.logger.Warn(msg, fields...)
		return
	}
	s.logger.Error(msg, fields...)
}

func (s *exchangeService) CreateAccount(ctx context.Context, username, password string) error {
	if username == "" {
		return fmt.Errorf("empty username: %w", domain.ErrInvalidCredentials)
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Error("Failed to hash password", zap.String("username", username), zap.Error(err))
		return fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	err = s.store.WithinTx(ctx, []string{username}, func(ctx context.Context, tx ledger_repo.Tx) error {
		return tx.CreateAccount(ctx, &domain.Account{
			Username:     username,
			PasswordHash: hash,
			Balance:      decimal.Zero,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	})
	if err != nil {
		s.logFailure("Failed to create account", err, zap.String("username", username))
		return fmt.Errorf("failed to create account %s: %w", username, err)
	}

	s.logger.Info("Account created", zap.String("username", username))
	return nil
}

func (s *exchangeService) Login(ctx context.Context, username, password string) error {
	var hash string
	err := s.store.View(ctx, username, func(ctx context.Context, tx ledger_repo.Tx) error {
		acc, err := tx.GetAccount(ctx, username)
		if err != nil {
			return err
		}
		hash = acc.PasswordHash
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			s.logger.Info("Login for unknown account", zap.String("username", username))
			return domain.ErrInvalidCredentials
		}
		s.logger.Error("Failed to load account for login", zap.String("username", username), zap.Error(err))
		return fmt.Errorf("failed to load account %s: %w", username, err)
	}
	if !s.hasher.Compare(hash, password) {
		s.logger.Info("Login rejected", zap.String("username", username))
		return domain.ErrInvalidCredentials
	}
	s.logger.Info("Login succeeded", zap.String("username", username))
	return nil
}

func (s *exchangeService) TopUp(ctx context.Context, username string, amount decimal.Decimal) error {
	if err := domain.CheckAmount(amount); err != nil {
		return err
	}

	record := &domain.Transaction{
		ID:        util.GenerateUUID(),
		Username:  username,
		Type:      domain.TransactionTypeTopUp,
		Amount:    amount,
		Timestamp: s.now(),
	}
	err := s.store.WithinTx(ctx, []string{username}, func(ctx context.Context, tx ledger_repo.Tx) error {
		if _, err := tx.AdjustBalance(ctx, username, amount); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, record); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, domain.MessageTypeBalanceToppedUp, domain.TradeEvent{
			Username: username,
			Amount:   amount,
		})
	})
	if err != nil {
		s.logFailure("Failed to top up balance", err, zap.String("username", username), zap.Stringer("amount", amount))
		return fmt.Errorf("failed to top up %s: %w", username, err)
	}

	s.logger.Info("Balance topped up", zap.String("username", username), zap.Stringer("amount", amount))
	return nil
}

func (s *exchangeService) GetBalance(ctx context.Context, username string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.store.View(ctx, username, func(ctx context.Context, tx ledger_repo.Tx) error {
		acc, err := tx.GetAccount(ctx, username)
		if err != nil {
			return err
		}
		balance = acc.Balance
		return nil
	})
	if err != nil {
		s.logFailure("Failed to get balance", err, zap.String("username", username))
		return decimal.Zero, fmt.Errorf("failed to get balance for %s: %w", username, err)
	}
	return balance, nil
}

func (s *exchangeService) Buy(ctx context.Context, username, code string, amount decimal.Decimal) (*domain.Transaction, error) {
	return s.trade(ctx, domain.TransactionTypeBuy, username, code, amount)
}

func (s *exchangeService) Sell(ctx context.Context, username, code string, amount decimal.Decimal) (*domain.Transaction, error) {
	return s.trade(ctx, domain.TransactionTypeSell, username, code, amount)
}

// trade executes a Buy or Sell. The rate is fetched before any lock is taken
// so a slow rate source never holds an account.
func (s *exchangeService) trade(ctx context.Context, side domain.TransactionType, username, code string, amount decimal.Decimal) (*domain.Transaction, error) {
	code, ok := domain.NormalizeCurrency(code)
	if !ok {
		return nil, fmt.Errorf("%q: %w", code, domain.ErrInvalidCurrency)
	}
	if err := domain.CheckAmount(amount); err != nil {
		return nil, err
	}

	rate, err := s.GetRate(ctx, code)
	if err != nil {
		return nil, err
	}
	value := rate.Mul(amount)

	balanceDelta, holdingDelta := value.Neg(), amount
	if side == domain.TransactionTypeSell {
		balanceDelta, holdingDelta = value, amount.Neg()
	}

	record := &domain.Transaction{
		ID:           util.GenerateUUID(),
		Username:     username,
		Type:         side,
		CurrencyCode: code,
		Amount:       amount,
		Rate:         rate,
		Timestamp:    s.now(),
	}
	err = s.store.WithinTx(ctx, []string{username}, func(ctx context.Context, tx ledger_repo.Tx) error {
		if _, err := tx.GetAccount(ctx, username); err != nil {
			return err
		}
		// Debit first so a failed check never leaves a credited side behind.
		if side == domain.TransactionTypeBuy {
			if _, err := tx.AdjustBalance(ctx, username, balanceDelta); err != nil {
				return err
			}
			if _, err := tx.AdjustHolding(ctx, username, code, holdingDelta); err != nil {
				return err
			}
		} else {
			if _, err := tx.AdjustHolding(ctx, username, code, holdingDelta); err != nil {
				return err
			}
			if _, err := tx.AdjustBalance(ctx, username, balanceDelta); err != nil {
				return err
			}
		}
		if err := tx.AppendTransaction(ctx, record); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, domain.MessageTypeTradeExecuted, domain.TradeEvent{
			Username: username,
			Side:     side,
			Currency: code,
			Amount:   amount,
			Rate:     rate,
		})
	})
	if err != nil {
		s.logFailure("Trade failed", err,
			zap.String("side", string(side)),
			zap.String("username", username),
			zap.String("currency", code),
			zap.Stringer("amount", amount))
		return nil, fmt.Errorf("%s %s for %s failed: %w", side, code, username, err)
	}

	s.logger.Info("Trade executed",
		zap.String("transaction_id", record.ID),
		zap.String("side", string(side)),
		zap.String("username", username),
		zap.String("currency", code),
		zap.Stringer("amount", amount),
		zap.Stringer("rate", rate),
		zap.Stringer("value", value))
	return record, nil
}

// Pay moves balance between two accounts. It writes no history record for
// either side; the payment is still published as an outbox event.
func (s *exchangeService) Pay(ctx context.Context, from, to string, amount decimal.Decimal) error {
	if err := domain.CheckAmount(amount); err != nil {
		return err
	}
	if from == to {
		return domain.ErrSelfTransfer
	}

	err := s.store.WithinTx(ctx, []string{from, to}, func(ctx context.Context, tx ledger_repo.Tx) error {
		if _, err := tx.GetAccount(ctx, to); err != nil {
			return fmt.Errorf("receiver %s: %w", to, err)
		}
		if _, err := tx.AdjustBalance(ctx, from, amount.Neg()); err != nil {
			return fmt.Errorf("sender %s: %w", from, err)
		}
		if _, err := tx.AdjustBalance(ctx, to, amount); err != nil {
			return fmt.Errorf("receiver %s: %w", to, err)
		}
		return s.enqueue(ctx, tx, domain.MessageTypePaymentCompleted, domain.TradeEvent{
			Username:     from,
			Counterparty: to,
			Side:         domain.TransactionTypePay,
			Amount:       amount,
		})
	})
	if err != nil {
		s.logFailure("Payment failed", err,
			zap.String("from", from),
			zap.String("to", to),
			zap.Stringer("amount", amount))
		return fmt.Errorf("payment from %s to %s failed: %w", from, to, err)
	}

	s.logger.Info("Payment completed",
		zap.String("from", from),
		zap.String("to", to),
		zap.Stringer("amount", amount))
	return nil
}

func (s *exchangeService) GetHoldings(ctx context.Context, username string) (map[string]decimal.Decimal, error) {
	holdings := make(map[string]decimal.Decimal)
	err := s.store.View(ctx, username, func(ctx context.Context, tx ledger_repo.Tx) error {
		if _, err := tx.GetAccount(ctx, username); err != nil {
			return err
		}
		list, err := tx.ListHoldings(ctx, username)
		if err != nil {
			return err
		}
		for _, h := range list {
			holdings[h.CurrencyCode] = h.Amount
		}
		return nil
	})
	if err != nil {
		s.logFailure("Failed to list holdings", err, zap.String("username", username))
		return nil, fmt.Errorf("failed to list holdings for %s: %w", username, err)
	}
	return holdings, nil
}

func (s *exchangeService) GetHistory(ctx context.Context, username string) ([]domain.Transaction, error) {
	var history []domain.Transaction
	err := s.store.View(ctx, username, func(ctx context.Context, tx ledger_repo.Tx) error {
		if _, err := tx.GetAccount(ctx, username); err != nil {
			return err
		}
		var err error
		history, err = tx.ListTransactions(ctx, username)
		return err
	})
	if err != nil {
		s.logFailure("Failed to list history", err, zap.String("username", username))
		return nil, fmt.Errorf("failed to list history for %s: %w", username, err)
	}
	return history, nil
}

func (s *exchangeService) GetRate(ctx context.Context, code string) (decimal.Decimal, error) {
	code, ok := domain.NormalizeCurrency(code)
	if !ok {
		return decimal.Zero, fmt.Errorf("%q: %w", code, domain.ErrInvalidCurrency)
	}
	rate, err := s.rates.GetRate(ctx, code)
	return s.checkRate(code, "", rate, err)
}

func (s *exchangeService) GetHistoricalRate(ctx context.Context, code string, date time.Time) (decimal.Decimal, error) {
	code, ok := domain.NormalizeCurrency(code)
	if !ok {
		return decimal.Zero, fmt.Errorf("%q: %w", code, domain.ErrInvalidCurrency)
	}
	rate, err := s.rates.GetHistoricalRate(ctx, code, date)
	return s.checkRate(code, date.Format(rates.DateLayout), rate, err)
}

func (s *exchangeService) checkRate(code, date string, rate decimal.Decimal, err error) (decimal.Decimal, error) {
	if err != nil {
		s.logger.Warn("Rate lookup failed", zap.String("code", code), zap.String("date", date), zap.Error(err))
		return decimal.Zero, fmt.Errorf("%w: %w", domain.ErrRateUnavailable, err)
	}
	if !rate.IsPositive() {
		s.logger.Warn("Rate source returned non-positive rate", zap.String("code", code), zap.Stringer("rate", rate))
		return decimal.Zero, fmt.Errorf("%s rate %s: %w", code, rate, domain.ErrRateUnavailable)
	}
	return rate, nil
}

func (s *exchangeService) Greeting(name string) string {
	return fmt.Sprintf("Hello, %s! Welcome to the Currency Exchange Service.", name)
}

func (s *exchangeService) enqueue(ctx context.Context, tx ledger_repo.Tx, messageType string, event domain.TradeEvent) error {
	now := s.now()
	event.EventID = util.GenerateUUID()
	event.Type = messageType
	event.Timestamp = now

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", messageType, err)
	}
	return tx.EnqueueOutbox(ctx, &domain.OutboxMessage{
		ID:          event.EventID,
		AggregateID: event.Username,
		MessageType: messageType,
		Key:         event.Username,
		Payload:     payload,
		Status:      domain.OutboxStatusPending,
		CreatedAt:   now,
	})
}
