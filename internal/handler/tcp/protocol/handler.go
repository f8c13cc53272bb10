package protocol

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exchange/internal/app/exchange"
	"exchange/internal/domain"
	"exchange/internal/rates"
)

// Terminator is written after every reply so clients can delimit
// multi-line blocks.
const Terminator = "END"

const historyTimeLayout = "2006-01-02 15:04:05"

var helpLines = []string{
	"Available commands:",
	"CREATEACCOUNT <Username> <Password>",
	"LOGIN <Username> <Password>",
	"RATE <CurrencyCode> [yyyy-mm-dd]",
	"BALANCE <Username>",
	"TOPUP <Username> <Amount>",
	"BUY <CurrencyCode> <Amount> <Username>",
	"SELL <CurrencyCode> <Amount> <Username>",
	"PAY <FromUser> <ToUser> <Amount>",
	"MYCURRENCIES <Username>",
	"HISTORY <Username>",
	"HELLO <Name>",
	"HELP",
}

// HelpText returns the command listing shown by HELP and the welcome banner.
func HelpText() []string {
	return append([]string(nil), helpLines...)
}

type accountArgs struct {
	Username string `validate:"required,alphanum,max=64"`
	Password string `validate:"required,max=72"`
}

type userArgs struct {
	Username string `validate:"required,alphanum,max=64"`
}

type amountArgs struct {
	Username string          `validate:"required,alphanum,max=64"`
	Amount   decimal.Decimal `validate:"dgt0"`
}

type tradeArgs struct {
	Code     string          `validate:"required,len=3,alpha"`
	Amount   decimal.Decimal `validate:"dgt0"`
	Username string          `validate:"required,alphanum,max=64"`
}

type payArgs struct {
	From   string          `validate:"required,alphanum,max=64"`
	To     string          `validate:"required,alphanum,max=64"`
	Amount decimal.Decimal `validate:"dgt0"`
}

type Handler struct {
	service  exchange.ExchangeService
	validate *validator.Validate
	logger   *zap.Logger
}

func NewHandler(service exchange.ExchangeService, logger *zap.Logger) *Handler {
	v := validator.New()
	// Decimals reach validators as their sign; dgt0 accepts positive values.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.Sign()
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation("dgt0", func(fl validator.FieldLevel) bool {
		return fl.Field().Int() > 0
	})

	return &Handler{service: service, validate: v, logger: logger}
}

// Handle parses one command line and returns the reply lines, without the
// terminator.
func (h *Handler) Handle(ctx context.Context, line string) []string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return []string{"Empty command."}
	}
	cmd, args := strings.ToUpper(fields[0]), fields[1:]
	h.logger.Debug("Handling command", zap.String("command", cmd), zap.Int("args", len(args)))

	switch cmd {
	case "CREATEACCOUNT":
		return h.createAccount(ctx, args)
	case "LOGIN":
		return h.login(ctx, args)
	case "RATE":
		return h.rate(ctx, args)
	case "BALANCE":
		return h.balance(ctx, args)
	case "TOPUP":
		return h.topUp(ctx, args)
	case "BUY":
		return h.trade(ctx, domain.TransactionTypeBuy, args)
	case "SELL":
		return h.trade(ctx, domain.TransactionTypeSell, args)
	case "PAY":
		return h.pay(ctx, args)
	case "MYCURRENCIES":
		return h.holdings(ctx, args)
	case "HISTORY":
		return h.history(ctx, args)
	case "HELLO":
		if len(args) != 1 {
			return []string{"Invalid HELLO format. Use: HELLO <Name>"}
		}
		return []string{h.service.Greeting(args[0])}
	case "HELP":
		return HelpText()
	default:
		return []string{"Unknown command. Type HELP for options."}
	}
}

// invalidField returns the name of the first field that failed validation.
func invalidField(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Field()
	}
	return ""
}

func (h *Handler) createAccount(ctx context.Context, args []string) []string {
	if len(args) != 2 {
		return []string{"Invalid CREATEACCOUNT format. Use: CREATEACCOUNT <Username> <Password>"}
	}
	in := accountArgs{Username: args[0], Password: args[1]}
	if err := h.validate.Struct(in); err != nil {
		return []string{fmt.Sprintf("Invalid %s in CREATEACCOUNT command.", strings.ToLower(invalidField(err)))}
	}
	if err := h.service.CreateAccount(ctx, in.Username, in.Password); err != nil {
		if errors.Is(err, domain.ErrAccountAlreadyExists) {
			return []string{fmt.Sprintf("Account already exists for %s", in.Username)}
		}
		return []string{fmt.Sprintf("Account creation failed for %s", in.Username)}
	}
	return []string{fmt.Sprintf("Account created for %s", in.Username)}
}

func (h *Handler) login(ctx context.Context, args []string) []string {
	if len(args) != 2 {
		return []string{"Invalid LOGIN format. Use: LOGIN <Username> <Password>"}
	}
	if err := h.service.Login(ctx, args[0], args[1]); err != nil {
		return []string{fmt.Sprintf("Login failed for %s", args[0])}
	}
	return []string{fmt.Sprintf("Login successful for %s", args[0])}
}

func (h *Handler) rate(ctx context.Context, args []string) []string {
	if len(args) < 1 || len(args) > 2 {
		return []string{"Invalid RATE format. Use: RATE <CurrencyCode> [yyyy-mm-dd]"}
	}
	code, ok := domain.NormalizeCurrency(args[0])
	if !ok {
		return []string{"Invalid currency code in RATE command."}
	}

	if len(args) == 2 {
		date, err := rates.ParseDate(args[1])
		if err != nil {
			return []string{fmt.Sprintf("Invalid date '%s'. Use yyyy-mm-dd.", args[1])}
		}
		rate, err := h.service.GetHistoricalRate(ctx, code, date)
		if err != nil {
			return []string{fmt.Sprintf("Rate for '%s' not found.", code)}
		}
		return []string{fmt.Sprintf("1 %s = %s PLN on %s", code, rate, args[1])}
	}

	rate, err := h.service.GetRate(ctx, code)
	if err != nil {
		return []string{fmt.Sprintf("Rate for '%s' not found.", code)}
	}
	return []string{fmt.Sprintf("1 %s = %s PLN", code, rate)}
}

func (h *Handler) balance(ctx context.Context, args []string) []string {
	if len(args) != 1 {
		return []string{"Invalid BALANCE format. Use: BALANCE <Username>"}
	}
	balance, err := h.service.GetBalance(ctx, args[0])
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return []string{fmt.Sprintf("User '%s' not found.", args[0])}
		}
		return []string{fmt.Sprintf("Balance lookup failed for %s", args[0])}
	}
	return []string{fmt.Sprintf("Balance for %s: %s", args[0], balance)}
}

func (h *Handler) topUp(ctx context.Context, args []string) []string {
	if len(args) != 2 {
		return []string{"Invalid TOPUP format. Use: TOPUP <Username> <Amount>"}
	}
	amount, err := domain.ParseAmount(args[1])
	if err != nil {
		return []string{"Invalid amount in TOPUP command."}
	}
	in := amountArgs{Username: args[0], Amount: amount}
	if err := h.validate.Struct(in); err != nil {
		return []string{fmt.Sprintf("Invalid %s in TOPUP command.", strings.ToLower(invalidField(err)))}
	}
	if err := h.service.TopUp(ctx, in.Username, in.Amount); err != nil {
		return []string{fmt.Sprintf("Top up failed for %s", in.Username)}
	}
	return []string{fmt.Sprintf("Topped up %s for %s", in.Amount, in.Username)}
}

func (h *Handler) trade(ctx context.Context, side domain.TransactionType, args []string) []string {
	keyword := strings.ToUpper(string(side))
	if len(args) != 3 {
		return []string{fmt.Sprintf("Invalid %s format. Use: %s <CurrencyCode> <Amount> <Username>", keyword, keyword)}
	}
	amount, err := domain.ParseAmount(args[1])
	if err != nil {
		return []string{fmt.Sprintf("Invalid amount in %s command.", keyword)}
	}
	in := tradeArgs{Code: strings.ToUpper(args[0]), Amount: amount, Username: args[2]}
	if err := h.validate.Struct(in); err != nil {
		field := invalidField(err)
		if field == "Code" {
			return []string{fmt.Sprintf("Invalid currency code in %s command.", keyword)}
		}
		return []string{fmt.Sprintf("Invalid %s in %s command.", strings.ToLower(field), keyword)}
	}

	if side == domain.TransactionTypeBuy {
		if _, err := h.service.Buy(ctx, in.Username, in.Code, in.Amount); err != nil {
			return []string{fmt.Sprintf("Buy failed for %s", in.Username)}
		}
		return []string{fmt.Sprintf("Bought %s %s for %s", in.Amount, in.Code, in.Username)}
	}
	if _, err := h.service.Sell(ctx, in.Username, in.Code, in.Amount); err != nil {
		return []string{fmt.Sprintf("Sell failed for %s", in.Username)}
	}
	return []string{fmt.Sprintf("Sold %s %s for %s", in.Amount, in.Code, in.Username)}
}

func (h *Handler) pay(ctx context.Context, args []string) []string {
	if len(args) != 3 {
		return []string{"Invalid PAY format. Use: PAY <FromUser> <ToUser> <Amount>"}
	}
	amount, err := domain.ParseAmount(args[2])
	if err != nil {
		return []string{"Invalid amount in PAY command."}
	}
	in := payArgs{From: args[0], To: args[1], Amount: amount}
	if err := h.validate.Struct(in); err != nil {
		return []string{fmt.Sprintf("Invalid %s in PAY command.", strings.ToLower(invalidField(err)))}
	}
	if err := h.service.Pay(ctx, in.From, in.To, in.Amount); err != nil {
		return []string{"Payment failed. Check balance or usernames."}
	}
	return []string{fmt.Sprintf("Payment of %s from %s to %s successful.", in.Amount, in.From, in.To)}
}

func (h *Handler) holdings(ctx context.Context, args []string) []string {
	if len(args) != 1 {
		return []string{"Invalid MYCURRENCIES format. Use: MYCURRENCIES <Username>"}
	}
	username := args[0]
	holdings, err := h.service.GetHoldings(ctx, username)
	if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		return []string{fmt.Sprintf("Holdings lookup failed for %s", username)}
	}
	if len(holdings) == 0 {
		return []string{fmt.Sprintf("No currencies held by %s.", username)}
	}

	codes := make([]string, 0, len(holdings))
	for code := range holdings {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	out := []string{fmt.Sprintf("Holdings for %s:", username)}
	for _, code := range codes {
		out = append(out, fmt.Sprintf("%s: %s", code, holdings[code]))
	}
	return out
}

func (h *Handler) history(ctx context.Context, args []string) []string {
	if len(args) != 1 {
		return []string{"Invalid HISTORY format. Use: HISTORY <Username>"}
	}
	username := args[0]
	history, err := h.service.GetHistory(ctx, username)
	if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		return []string{fmt.Sprintf("History lookup failed for %s", username)}
	}
	if len(history) == 0 {
		return []string{fmt.Sprintf("No transactions for %s.", username)}
	}

	out := []string{fmt.Sprintf("History for %s:", username)}
	for _, tr := range history {
		out = append(out, FormatTransaction(tr))
	}
	return out
}

// FormatTransaction renders one history line:
// "yyyy-MM-dd HH:mm:ss | Type Amount Code @ Rate". Code and rate are left
// out for records that carry none.
func FormatTransaction(tr domain.Transaction) string {
	line := fmt.Sprintf("%s | %s %s", tr.Timestamp.Format(historyTimeLayout), tr.Type, tr.Amount)
	if tr.CurrencyCode != "" {
		line += " " + tr.CurrencyCode
	}
	if !tr.Rate.IsZero() {
		line += " @ " + tr.Rate.String()
	}
	return line
}
