package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"exchange/internal/domain"
)

func TestPrintTradeEvent(t *testing.T) {
	ts := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	tests := []struct {
		name string
		ev   domain.TradeEvent
		want string
	}{
		{
			name: "buy",
			ev: domain.TradeEvent{Type: domain.MessageTypeTradeExecuted, Username: "avaz", Side: domain.TransactionTypeBuy,
				Currency: "USD", Amount: decimal.NewFromInt(50), Rate: decimal.RequireFromString("3.93"), Timestamp: ts},
			want: "2024-03-05 14:07:09 trade.executed avaz Buy 50 USD @ 3.93\n",
		},
		{
			name: "pay",
			ev: domain.TradeEvent{Type: domain.MessageTypePaymentCompleted, Username: "avaz", Counterparty: "bob",
				Side: domain.TransactionTypePay, Amount: decimal.NewFromInt(100), Timestamp: ts},
			want: "2024-03-05 14:07:09 payment.completed avaz 100 -> bob\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := json.Marshal(tc.ev)
			if err != nil {
				t.Fatal(err)
			}
			var buf bytes.Buffer
			if err := printTradeEvent(&buf, payload); err != nil {
				t.Fatalf("printTradeEvent: %v", err)
			}
			if buf.String() != tc.want {
				t.Fatalf("got %q want %q", buf.String(), tc.want)
			}
		})
	}

	if err := printTradeEvent(&bytes.Buffer{}, []byte("{")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestPrintRateUpdate(t *testing.T) {
	payload, _ := json.Marshal(domain.RateUpdate{Code: "EUR", Rate: decimal.RequireFromString("4.31"), At: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)})
	var buf bytes.Buffer
	if err := printRateUpdate(&buf, payload); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "09:00:00 Live update: EUR = 4.31 PLN\n" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{{"serve"}, {"migrate", "up"}, {"migrate", "down"}, {"rate"}, {"watch", "trades"}, {"watch", "rates"}} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not registered: %v", path, err)
		}
	}
}
