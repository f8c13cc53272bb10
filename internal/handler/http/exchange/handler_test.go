package exchange_http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"exchange/internal/app/exchange"
	"exchange/internal/rates/static"
	"exchange/internal/repository/ledger_repo/memory"
)

type fixedSessions int

func (f fixedSessions) Len() int { return int(f) }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	provider := static.NewProvider(map[string]decimal.Decimal{"USD": decimal.RequireFromString("4.0")})
	svc := exchange.NewExchangeService(memory.NewLedgerRepository(), provider, exchange.NewBcryptHasher(bcrypt.MinCost), zap.NewNop())

	ctx := context.Background()
	if err := svc.CreateAccount(ctx, "avaz", "pw"); err != nil {
		t.Fatal(err)
	}
	if err := svc.TopUp(ctx, "avaz", decimal.NewFromInt(1000)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Buy(ctx, "avaz", "USD", decimal.NewFromInt(50)); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(NewRouter(svc, fixedSessions(3), []string{"http://localhost:5173"}, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, srv *httptest.Server, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	status, body := get(t, srv, "/health")
	if status != http.StatusOK || string(body) != "Exchange service is healthy!" {
		t.Fatalf("status=%d body=%q", status, body)
	}
}

func TestGetBalance(t *testing.T) {
	srv := newTestServer(t)

	status, body := get(t, srv, "/accounts/avaz")
	if status != http.StatusOK {
		t.Fatalf("status=%d body=%s", status, body)
	}
	var resp BalanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Username != "avaz" || !resp.Balance.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("resp=%+v", resp)
	}

	if status, _ := get(t, srv, "/accounts/bob"); status != http.StatusNotFound {
		t.Fatalf("unknown account status=%d", status)
	}
}

func TestGetHoldingsAndHistory(t *testing.T) {
	srv := newTestServer(t)

	status, body := get(t, srv, "/accounts/avaz/holdings")
	if status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	var holdings HoldingsResponse
	if err := json.Unmarshal(body, &holdings); err != nil {
		t.Fatal(err)
	}
	if !holdings.Holdings["USD"].Equal(decimal.NewFromInt(50)) {
		t.Fatalf("holdings=%v", holdings.Holdings)
	}

	status, body = get(t, srv, "/accounts/avaz/history")
	if status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	var history HistoryResponse
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatal(err)
	}
	if len(history.Transactions) != 2 {
		t.Fatalf("transactions=%+v", history.Transactions)
	}
	buy := history.Transactions[0]
	if buy.Type != "Buy" || buy.CurrencyCode != "USD" || buy.Rate == nil || *buy.Rate != "4" {
		t.Fatalf("newest transaction=%+v", buy)
	}
	if history.Transactions[1].Rate != nil {
		t.Fatalf("top up should carry no rate: %+v", history.Transactions[1])
	}

	if status, _ := get(t, srv, "/accounts/bob/history"); status != http.StatusNotFound {
		t.Fatalf("unknown account status=%d", status)
	}
}

func TestGetRate(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		path   string
		status int
		want   string
	}{
		{"/rates/usd", http.StatusOK, `"code":"USD"`},
		{"/rates/USD?date=2023-12-01", http.StatusOK, `"date":"2023-12-01"`},
		{"/rates/USD?date=01.12.2023", http.StatusBadRequest, "Invalid date"},
		{"/rates/XYZ", http.StatusNotFound, "Rate not found"},
		{"/rates/US1", http.StatusBadRequest, "Invalid currency code"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			status, body := get(t, srv, tc.path)
			if status != tc.status || !strings.Contains(string(body), tc.want) {
				t.Fatalf("status=%d body=%s", status, body)
			}
		})
	}
}

func TestGetSessions(t *testing.T) {
	srv := newTestServer(t)
	status, body := get(t, srv, "/sessions")
	if status != http.StatusOK || strings.TrimSpace(string(body)) != `{"live":3}` {
		t.Fatalf("status=%d body=%s", status, body)
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/sessions", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
}
