package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"exchange/internal/rates"
)

type entry struct {
	rate    decimal.Decimal
	fetched time.Time
}

// Provider memoises another rates.Provider. Current rates expire after ttl;
// historical rates never change and are kept until the process exits.
// Concurrent misses for the same key share one upstream call.
type Provider struct {
	next rates.Provider
	ttl  time.Duration
	now  func() time.Time

	mu         sync.RWMutex
	current    map[string]entry
	historical map[string]decimal.Decimal

	group singleflight.Group
}

func NewProvider(next rates.Provider, ttl time.Duration) *Provider {
	return &Provider{
		next:       next,
		ttl:        ttl,
		now:        time.Now,
		current:    make(map[string]entry),
		historical: make(map[string]decimal.Decimal),
	}
}

func (p *Provider) GetRate(ctx context.Context, code string) (decimal.Decimal, error) {
	code = strings.ToUpper(code)
	p.mu.RLock()
	e, ok := p.current[code]
	p.mu.RUnlock()
	if ok && p.now().Sub(e.fetched) < p.ttl {
		return e.rate, nil
	}

	v, err, _ := p.group.Do("current:"+code, func() (any, error) {
		rate, err := p.next.GetRate(ctx, code)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.current[code] = entry{rate: rate, fetched: p.now()}
		p.mu.Unlock()
		return rate, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

func (p *Provider) GetHistoricalRate(ctx context.Context, code string, date time.Time) (decimal.Decimal, error) {
	key := strings.ToUpper(code) + "@" + date.Format(rates.DateLayout)
	p.mu.RLock()
	rate, ok := p.historical[key]
	p.mu.RUnlock()
	if ok {
		return rate, nil
	}

	v, err, _ := p.group.Do("historical:"+key, func() (any, error) {
		rate, err := p.next.GetHistoricalRate(ctx, code, date)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.historical[key] = rate
		p.mu.Unlock()
		return rate, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}
