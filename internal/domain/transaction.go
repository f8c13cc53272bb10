package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeBuy   TransactionType = "Buy"
	TransactionTypeSell  TransactionType = "Sell"
	TransactionTypeTopUp TransactionType = "TopUp"
	TransactionTypePay   TransactionType = "Pay"
)

// Transaction is an immutable audit record. CurrencyCode is empty and Rate is
// zero for TopUp and Pay.
type Transaction struct {
	ID           string
	Username     string
	Type         TransactionType
	CurrencyCode string
	Amount       decimal.Decimal
	Rate         decimal.Decimal
	Timestamp    time.Time
}

// NormalizeCurrency upper-cases a code and reports whether it is three ASCII letters.
func NormalizeCurrency(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return code, false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return code, false
		}
	}
	return code, true
}

const (
	// MaxAmountScale is the number of fractional digits an amount may carry.
	MaxAmountScale = 8
	// MaxAmountIntegerDigits bounds the integer part of an amount.
	MaxAmountIntegerDigits = 18
)

// ParseAmount parses a plain decimal literal such as "12.50". Exponent
// notation and literals outside MaxAmountIntegerDigits / MaxAmountScale are
// rejected before any arbitrary-precision work is done.
func ParseAmount(s string) (decimal.Decimal, error) {
	digits := strings.TrimLeft(s, "+-")
	if len(s)-len(digits) > 1 {
		return decimal.Zero, fmt.Errorf("%q: %w", s, ErrInvalidAmount)
	}
	intPart, fracPart, hasPoint := strings.Cut(digits, ".")
	if intPart == "" && fracPart == "" {
		return decimal.Zero, fmt.Errorf("%q: %w", s, ErrInvalidAmount)
	}
	if hasPoint && fracPart == "" {
		return decimal.Zero, fmt.Errorf("%q: %w", s, ErrInvalidAmount)
	}
	if len(intPart) > MaxAmountIntegerDigits || len(fracPart) > MaxAmountScale {
		return decimal.Zero, fmt.Errorf("%q out of range: %w", s, ErrInvalidAmount)
	}
	for _, part := range []string{intPart, fracPart} {
		for i := 0; i < len(part); i++ {
			if part[i] < '0' || part[i] > '9' {
				return decimal.Zero, fmt.Errorf("%q: %w", s, ErrInvalidAmount)
			}
		}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%q: %w", s, ErrInvalidAmount)
	}
	return d, nil
}

// CheckAmount reports ErrInvalidAmount unless d is positive and within the
// precision ParseAmount accepts.
func CheckAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return ErrInvalidAmount
	}
	exp := int64(d.Exponent())
	if exp < -MaxAmountScale || int64(d.NumDigits())+exp > MaxAmountIntegerDigits {
		return fmt.Errorf("amount with exponent %d out of range: %w", exp, ErrInvalidAmount)
	}
	return nil
}
