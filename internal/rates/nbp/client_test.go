package nbp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exchange/internal/domain"
	"exchange/internal/rates"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/exchangerates/rates/A/USD/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") != "json" {
			t.Errorf("format query missing: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"table":"A","currency":"dolar amerykański","code":"USD","rates":[{"no":"200/A/NBP/2024","effectiveDate":"2024-10-14","mid":3.9321}]}`))
	})
	mux.HandleFunc("/exchangerates/rates/A/EUR/2023-12-01/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"table":"A","currency":"euro","code":"EUR","rates":[{"no":"233/A/NBP/2023","effectiveDate":"2023-12-01","mid":4.3374}]}`))
	})
	mux.HandleFunc("/exchangerates/rates/A/GBP/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL+"/", 2*time.Second, zap.NewNop())

	t.Run("current", func(t *testing.T) {
		rate, err := c.GetRate(context.Background(), "usd")
		if err != nil {
			t.Fatal(err)
		}
		if !rate.Equal(decimal.RequireFromString("3.9321")) {
			t.Fatalf("rate=%s", rate)
		}
	})

	t.Run("historical", func(t *testing.T) {
		date, _ := rates.ParseDate("2023-12-01")
		rate, err := c.GetHistoricalRate(context.Background(), "EUR", date)
		if err != nil {
			t.Fatal(err)
		}
		if !rate.Equal(decimal.RequireFromString("4.3374")) {
			t.Fatalf("rate=%s", rate)
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := c.GetRate(context.Background(), "XYZ")
		if !errors.Is(err, rates.ErrRateNotFound) {
			t.Fatalf("want ErrRateNotFound, got %v", err)
		}
	})

	t.Run("malformed code never reaches the server", func(t *testing.T) {
		for _, code := range []string{"../../cenyzlota", "US/", "U?D", "USDX"} {
			_, err := c.GetRate(context.Background(), code)
			if !errors.Is(err, domain.ErrInvalidCurrency) {
				t.Errorf("GetRate(%q): want ErrInvalidCurrency, got %v", code, err)
			}
		}
	})

	t.Run("server error", func(t *testing.T) {
		_, err := c.GetRate(context.Background(), "GBP")
		if err == nil || errors.Is(err, rates.ErrRateNotFound) {
			t.Fatalf("want infrastructure error, got %v", err)
		}
	})
}
