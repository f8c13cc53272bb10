package exchange_http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exchange/internal/app/exchange"
	"exchange/internal/domain"
	"exchange/internal/rates"
)

// SessionCounter reports how many clients are connected.
type SessionCounter interface {
	Len() int
}

type ExchangeHandler struct {
	service  exchange.ExchangeService
	sessions SessionCounter
	logger   *zap.Logger
}

func NewExchangeHandler(s exchange.ExchangeService, sessions SessionCounter, l *zap.Logger) *ExchangeHandler {
	return &ExchangeHandler{service: s, sessions: sessions, logger: l}
}

type BalanceResponse struct {
	Username string          `json:"username"`
	Balance  decimal.Decimal `json:"balance"`
}

type HoldingsResponse struct {
	Username string                     `json:"username"`
	Holdings map[string]decimal.Decimal `json:"holdings"`
}

type TransactionResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	CurrencyCode string          `json:"currency_code,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Rate         *string         `json:"rate,omitempty"`
	Timestamp    string          `json:"timestamp"`
}

type HistoryResponse struct {
	Username     string                `json:"username"`
	Transactions []TransactionResponse `json:"transactions"`
}

type RateResponse struct {
	Code string          `json:"code"`
	Rate decimal.Decimal `json:"rate"`
	Date string          `json:"date,omitempty"`
}

type SessionsResponse struct {
	Live int `json:"live"`
}

func (h *ExchangeHandler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	balance, err := h.service.GetBalance(r.Context(), username)
	if err != nil {
		h.writeAccountError(w, username, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceResponse{Username: username, Balance: balance})
}

func (h *ExchangeHandler) GetHoldingsHandler(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	holdings, err := h.service.GetHoldings(r.Context(), username)
	if err != nil {
		h.writeAccountError(w, username, err)
		return
	}
	h.writeJSON(w, http.StatusOK, HoldingsResponse{Username: username, Holdings: holdings})
}

func (h *ExchangeHandler) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	history, err := h.service.GetHistory(r.Context(), username)
	if err != nil {
		h.writeAccountError(w, username, err)
		return
	}

	resp := HistoryResponse{Username: username, Transactions: make([]TransactionResponse, 0, len(history))}
	for _, tr := range history {
		item := TransactionResponse{
			ID:           tr.ID,
			Type:         string(tr.Type),
			CurrencyCode: tr.CurrencyCode,
			Amount:       tr.Amount,
			Timestamp:    tr.Timestamp.UTC().Format(time.RFC3339),
		}
		if !tr.Rate.IsZero() {
			rate := tr.Rate.String()
			item.Rate = &rate
		}
		resp.Transactions = append(resp.Transactions, item)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *ExchangeHandler) GetRateHandler(w http.ResponseWriter, r *http.Request) {
	code, ok := domain.NormalizeCurrency(chi.URLParam(r, "code"))
	if !ok {
		http.Error(w, "Invalid currency code", http.StatusBadRequest)
		return
	}

	var (
		rate decimal.Decimal
		err  error
	)
	resp := RateResponse{Code: code}
	if raw := r.URL.Query().Get("date"); raw != "" {
		date, perr := rates.ParseDate(raw)
		if perr != nil {
			http.Error(w, "Invalid date, use yyyy-mm-dd", http.StatusBadRequest)
			return
		}
		resp.Date = date.Format(rates.DateLayout)
		rate, err = h.service.GetHistoricalRate(r.Context(), code, date)
	} else {
		rate, err = h.service.GetRate(r.Context(), code)
	}
	if err != nil {
		if errors.Is(err, domain.ErrRateUnavailable) {
			http.Error(w, "Rate not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to get rate", zap.String("code", code), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	resp.Rate = rate
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *ExchangeHandler) GetSessionsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, SessionsResponse{Live: h.sessions.Len()})
}

func (h *ExchangeHandler) writeAccountError(w http.ResponseWriter, username string, err error) {
	if errors.Is(err, domain.ErrAccountNotFound) {
		http.Error(w, "Account not found", http.StatusNotFound)
		return
	}
	h.logger.Error("Account lookup failed", zap.String("username", username), zap.Error(err))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (h *ExchangeHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}
