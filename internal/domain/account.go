package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Account struct {
	Username     string
	PasswordHash string
	Balance      decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Holding struct {
	Username     string
	CurrencyCode string
	Amount       decimal.Decimal
}
