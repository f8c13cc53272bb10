package static

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exchange/internal/rates"
)

// Provider serves rates from a fixed table. Historical lookups return the
// current value.
type Provider struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
	err   error
}

func NewProvider(table map[string]decimal.Decimal) *Provider {
	p := &Provider{rates: make(map[string]decimal.Decimal, len(table))}
	for code, rate := range table {
		p.rates[strings.ToUpper(code)] = rate
	}
	return p
}

// Set replaces the rate for code.
func (p *Provider) Set(code string, rate decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[strings.ToUpper(code)] = rate
}

// Fail makes every lookup return err until it is called again with nil.
func (p *Provider) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *Provider) GetRate(_ context.Context, code string) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return decimal.Zero, p.err
	}
	rate, ok := p.rates[strings.ToUpper(code)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", code, rates.ErrRateNotFound)
	}
	return rate, nil
}

func (p *Provider) GetHistoricalRate(ctx context.Context, code string, _ time.Time) (decimal.Decimal, error) {
	return p.GetRate(ctx, code)
}

// Defaults is the table used when the service runs offline.
func Defaults() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USD": decimal.RequireFromString("4.0"),
		"EUR": decimal.RequireFromString("4.3"),
		"GBP": decimal.RequireFromString("5.0"),
		"CHF": decimal.RequireFromString("4.5"),
	}
}
