package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeEvent is the payload published for every committed ledger mutation.
type TradeEvent struct {
	EventID      string          `json:"event_id"`
	Type         string          `json:"type"`
	Username     string          `json:"username"`
	Counterparty string          `json:"counterparty,omitempty"`
	Side         TransactionType `json:"side,omitempty"`
	Currency     string          `json:"currency,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Rate         decimal.Decimal `json:"rate"`
	Timestamp    time.Time       `json:"timestamp"`
}

// RateUpdate is published on the rate fan-out subject each broadcast cycle.
type RateUpdate struct {
	Code string          `json:"code"`
	Rate decimal.Decimal `json:"rate"`
	At   time.Time       `json:"at"`
}
