package nbp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exchange/internal/domain"
	"exchange/internal/rates"
)

const DefaultBaseURL = "http://api.nbp.pl/api"

type rateResponse struct {
	Table    string `json:"table"`
	Currency string `json:"currency"`
	Code     string `json:"code"`
	Rates    []struct {
		No            string          `json:"no"`
		EffectiveDate string          `json:"effectiveDate"`
		Mid           decimal.Decimal `json:"mid"`
	} `json:"rates"`
}

// Client reads average rates from table A of the National Bank of Poland API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *Client) GetRate(ctx context.Context, code string) (decimal.Decimal, error) {
	return c.fetch(ctx, code, "")
}

func (c *Client) GetHistoricalRate(ctx context.Context, code string, date time.Time) (decimal.Decimal, error) {
	return c.fetch(ctx, code, date.Format(rates.DateLayout))
}

func (c *Client) fetch(ctx context.Context, code, date string) (decimal.Decimal, error) {
	code, ok := domain.NormalizeCurrency(code)
	if !ok {
		return decimal.Zero, fmt.Errorf("%q: %w", code, domain.ErrInvalidCurrency)
	}
	url := fmt.Sprintf("%s/exchangerates/rates/A/%s/", c.baseURL, code)
	if date != "" {
		url += date + "/"
	}
	url += "?format=json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to build rate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch rate for %s: %w", code, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		io.Copy(io.Discard, resp.Body)
		return decimal.Zero, fmt.Errorf("%s %s: %w", code, date, rates.ErrRateNotFound)
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return decimal.Zero, fmt.Errorf("unexpected status %d fetching rate for %s", resp.StatusCode, code)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode rate response for %s: %w", code, err)
	}
	if len(body.Rates) == 0 {
		return decimal.Zero, fmt.Errorf("%s %s: %w", code, date, rates.ErrRateNotFound)
	}

	mid := body.Rates[0].Mid
	c.logger.Debug("Fetched exchange rate",
		zap.String("code", code),
		zap.String("effective_date", body.Rates[0].EffectiveDate),
		zap.String("mid", mid.String()))
	return mid, nil
}
