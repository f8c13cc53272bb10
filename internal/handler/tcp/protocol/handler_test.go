package protocol

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"exchange/internal/app/exchange"
	"exchange/internal/domain"
	"exchange/internal/rates/static"
	"exchange/internal/repository/ledger_repo/memory"
)

func newHandler(t *testing.T) (*Handler, *static.Provider) {
	t.Helper()
	provider := static.NewProvider(map[string]decimal.Decimal{"USD": decimal.RequireFromString("4.0")})
	svc := exchange.NewExchangeService(memory.NewLedgerRepository(), provider, exchange.NewBcryptHasher(bcrypt.MinCost), zap.NewNop())
	return NewHandler(svc, zap.NewNop()), provider
}

// TestSession replays a client session; each step depends on the previous ones.
func TestSession(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()

	steps := []struct {
		in   string
		want []string
	}{
		{"", []string{"Empty command."}},
		{"   ", []string{"Empty command."}},
		{"FLY me", []string{"Unknown command. Type HELP for options."}},
		{"createaccount avaz pw", []string{"Account created for avaz"}},
		{"CREATEACCOUNT avaz pw", []string{"Account already exists for avaz"}},
		{"CREATEACCOUNT avaz", []string{"Invalid CREATEACCOUNT format. Use: CREATEACCOUNT <Username> <Password>"}},
		{"CREATEACCOUNT av@z pw", []string{"Invalid username in CREATEACCOUNT command."}},
		{"LOGIN avaz pw", []string{"Login successful for avaz"}},
		{"LOGIN avaz nope", []string{"Login failed for avaz"}},
		{"BALANCE avaz", []string{"Balance for avaz: 0"}},
		{"BALANCE bob", []string{"User 'bob' not found."}},
		{"TOPUP avaz 1000", []string{"Topped up 1000 for avaz"}},
		{"TOPUP avaz -1", []string{"Invalid amount in TOPUP command."}},
		{"TOPUP bob 10", []string{"Top up failed for bob"}},
		{"RATE usd", []string{"1 USD = 4 PLN"}},
		{"RATE USD 2023-12-01", []string{"1 USD = 4 PLN on 2023-12-01"}},
		{"RATE USD 01.12.2023", []string{"Invalid date '01.12.2023'. Use yyyy-mm-dd."}},
		{"RATE XYZ", []string{"Rate for 'XYZ' not found."}},
		{"RATE", []string{"Invalid RATE format. Use: RATE <CurrencyCode> [yyyy-mm-dd]"}},
		{"RATE ../../cenyzlota", []string{"Invalid currency code in RATE command."}},
		{"RATE US/ 2023-12-01", []string{"Invalid currency code in RATE command."}},
		{"BUY USD 50", []string{"Invalid BUY format. Use: BUY <CurrencyCode> <Amount> <Username>"}},
		{"BUY USD fifty avaz", []string{"Invalid amount in BUY command."}},
		{"BUY USD 0 avaz", []string{"Invalid amount in BUY command."}},
		{"BUY US 5 avaz", []string{"Invalid currency code in BUY command."}},
		{"buy usd 50 avaz", []string{"Bought 50 USD for avaz"}},
		{"BALANCE avaz", []string{"Balance for avaz: 800"}},
		{"BUY USD 1000 avaz", []string{"Buy failed for avaz"}},
		{"SELL USD 20 avaz", []string{"Sold 20 USD for avaz"}},
		{"SELL USD 31 avaz", []string{"Sell failed for avaz"}},
		{"SELL USD x avaz", []string{"Invalid amount in SELL command."}},
		{"BALANCE avaz", []string{"Balance for avaz: 880"}},
		{"MYCURRENCIES avaz", []string{"Holdings for avaz:", "USD: 30"}},
		{"MYCURRENCIES bob", []string{"No currencies held by bob."}},
		{"PAY avaz bob 100", []string{"Payment failed. Check balance or usernames."}},
		{"PAY avaz bob abc", []string{"Invalid amount in PAY command."}},
		{"PAY avaz bob", []string{"Invalid PAY format. Use: PAY <FromUser> <ToUser> <Amount>"}},
		{"CREATEACCOUNT bob pw", []string{"Account created for bob"}},
		{"PAY avaz bob 100", []string{"Payment of 100 from avaz to bob successful."}},
		{"BALANCE bob", []string{"Balance for bob: 100"}},
		{"HISTORY bob", []string{"No transactions for bob."}},
		{"HELLO Avaz", []string{"Hello, Avaz! Welcome to the Currency Exchange Service."}},
	}

	for _, step := range steps {
		got := h.Handle(ctx, step.in)
		if !reflect.DeepEqual(got, step.want) {
			t.Fatalf("Handle(%q) = %q, want %q", step.in, got, step.want)
		}
	}

	history := h.Handle(ctx, "HISTORY avaz")
	if len(history) != 4 || history[0] != "History for avaz:" {
		t.Fatalf("history=%q", history)
	}
	if !strings.Contains(history[1], "| Sell 20 USD @ 4") || !strings.Contains(history[2], "| Buy 50 USD @ 4") || !strings.Contains(history[3], "| TopUp 1000") {
		t.Fatalf("history order=%q", history)
	}
}

func TestRateUnavailableReply(t *testing.T) {
	h, provider := newHandler(t)
	ctx := context.Background()
	h.Handle(ctx, "CREATEACCOUNT avaz pw")
	h.Handle(ctx, "TOPUP avaz 100")

	provider.Set("USD", decimal.Zero)
	if got := h.Handle(ctx, "BUY USD 1 avaz"); got[0] != "Buy failed for avaz" {
		t.Fatalf("got %q", got)
	}
	if got := h.Handle(ctx, "RATE USD"); got[0] != "Rate for 'USD' not found." {
		t.Fatalf("got %q", got)
	}
	if got := h.Handle(ctx, "BALANCE avaz"); got[0] != "Balance for avaz: 100" {
		t.Fatalf("got %q", got)
	}
}

func TestHelp(t *testing.T) {
	h, _ := newHandler(t)
	got := h.Handle(context.Background(), "help")
	if !reflect.DeepEqual(got, HelpText()) {
		t.Fatalf("help=%q", got)
	}
	for _, cmd := range []string{"CREATEACCOUNT", "LOGIN", "RATE", "BALANCE", "BUY", "SELL", "PAY", "MYCURRENCIES", "HISTORY"} {
		if !strings.Contains(strings.Join(got, "\n"), cmd) {
			t.Errorf("help is missing %s", cmd)
		}
	}
}

func TestFormatTransaction(t *testing.T) {
	ts := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	tests := []struct {
		name string
		tr   domain.Transaction
		want string
	}{
		{
			name: "buy",
			tr:   domain.Transaction{Type: domain.TransactionTypeBuy, Amount: decimal.NewFromInt(50), CurrencyCode: "USD", Rate: decimal.RequireFromString("3.9321"), Timestamp: ts},
			want: "2024-03-05 14:07:09 | Buy 50 USD @ 3.9321",
		},
		{
			name: "top up",
			tr:   domain.Transaction{Type: domain.TransactionTypeTopUp, Amount: decimal.RequireFromString("12.5"), Timestamp: ts},
			want: "2024-03-05 14:07:09 | TopUp 12.5",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := FormatTransaction(tc.tr); got != tc.want {
				t.Errorf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestOutOfRangeAmountsAreRejectedQuickly(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()
	h.Handle(ctx, "CREATEACCOUNT avaz pw")
	h.Handle(ctx, "CREATEACCOUNT bob pw")
	h.Handle(ctx, "TOPUP avaz 100")

	amounts := []string{"1e50000000", "1e5000000", "1e-400", "1E3", strings.Repeat("7", 60), "0.000000001"}
	for _, amount := range amounts {
		for _, cmd := range []struct{ line, want string }{
			{"TOPUP avaz " + amount, "Invalid amount in TOPUP command."},
			{"BUY USD " + amount + " avaz", "Invalid amount in BUY command."},
			{"SELL USD " + amount + " avaz", "Invalid amount in SELL command."},
			{"PAY avaz bob " + amount, "Invalid amount in PAY command."},
		} {
			start := time.Now()
			got := h.Handle(ctx, cmd.line)
			if len(got) != 1 || got[0] != cmd.want {
				t.Fatalf("Handle(%.40q) = %.80q, want %q", cmd.line, got, cmd.want)
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Fatalf("Handle(%.40q) took %s", cmd.line, elapsed)
			}
		}
	}

	if got := h.Handle(ctx, "BALANCE avaz"); got[0] != "Balance for avaz: 100" {
		t.Fatalf("balance changed: %q", got)
	}
}

func TestSmallestAmountIsPositive(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()
	h.Handle(ctx, "CREATEACCOUNT avaz pw")
	if got := h.Handle(ctx, "TOPUP avaz 0.00000001"); got[0] != "Topped up 0.00000001 for avaz" {
		t.Fatalf("got %q", got)
	}
}
