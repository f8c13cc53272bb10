// Package rates defines the exchange rate source consumed by the exchange
// service and the broadcaster. All rates are quoted in PLN per unit.
package rates

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrRateNotFound = errors.New("rate not found")

// DateLayout is the calendar date format accepted for historical lookups.
const DateLayout = "2006-01-02"

type Provider interface {
	GetRate(ctx context.Context, code string) (decimal.Decimal, error)
	GetHistoricalRate(ctx context.Context, code string, date time.Time) (decimal.Decimal, error)
}

// ParseDate parses a yyyy-mm-dd calendar date in UTC.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}
