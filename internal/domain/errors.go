package domain

import "errors"

var ErrAccountNotFound = errors.New("account not found")
var ErrAccountAlreadyExists = errors.New("account already exists")
var ErrInsufficientFunds = errors.New("insufficient funds")
var ErrInsufficientHoldings = errors.New("insufficient holdings")
var ErrInvalidAmount = errors.New("amount must be positive")
var ErrInvalidCurrency = errors.New("invalid currency code")
var ErrRateUnavailable = errors.New("exchange rate unavailable")
var ErrInvalidCredentials = errors.New("invalid credentials")
var ErrSelfTransfer = errors.New("cannot pay to the same account")
