package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"exchange/internal/rates"
)

type countingProvider struct {
	calls atomic.Int32
	rate  decimal.Decimal
	err   error
}

func (c *countingProvider) GetRate(context.Context, string) (decimal.Decimal, error) {
	c.calls.Add(1)
	return c.rate, c.err
}

func (c *countingProvider) GetHistoricalRate(context.Context, string, time.Time) (decimal.Decimal, error) {
	c.calls.Add(1)
	return c.rate, c.err
}

func TestCurrentRateExpires(t *testing.T) {
	upstream := &countingProvider{rate: decimal.NewFromInt(4)}
	p := NewProvider(upstream, time.Minute)
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if _, err := p.GetRate(context.Background(), "usd"); err != nil {
			t.Fatal(err)
		}
	}
	if n := upstream.calls.Load(); n != 1 {
		t.Fatalf("upstream calls=%d want=1", n)
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := p.GetRate(context.Background(), "USD"); err != nil {
		t.Fatal(err)
	}
	if n := upstream.calls.Load(); n != 2 {
		t.Fatalf("upstream calls=%d want=2", n)
	}
}

func TestHistoricalRateIsKept(t *testing.T) {
	upstream := &countingProvider{rate: decimal.NewFromInt(4)}
	p := NewProvider(upstream, time.Nanosecond)
	date, _ := rates.ParseDate("2023-12-01")

	for i := 0; i < 3; i++ {
		if _, err := p.GetHistoricalRate(context.Background(), "USD", date); err != nil {
			t.Fatal(err)
		}
	}
	if n := upstream.calls.Load(); n != 1 {
		t.Fatalf("upstream calls=%d want=1", n)
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	upstream := &countingProvider{err: rates.ErrRateNotFound}
	p := NewProvider(upstream, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := p.GetRate(context.Background(), "XYZ"); !errors.Is(err, rates.ErrRateNotFound) {
			t.Fatalf("want ErrRateNotFound, got %v", err)
		}
	}
	if n := upstream.calls.Load(); n != 2 {
		t.Fatalf("upstream calls=%d want=2", n)
	}
}
