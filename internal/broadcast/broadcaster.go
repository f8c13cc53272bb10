package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exchange/internal/domain"
	"exchange/internal/handler/tcp/protocol"
	"exchange/internal/rates"
	"exchange/internal/session"
)

const SubjectPrefix = "exchange.rates."

// Publisher forwards rate updates to subscribers outside the TCP sessions.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

type Broadcaster struct {
	rates     rates.Provider
	registry  session.Registry
	publisher Publisher
	codes     []string
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewBroadcaster builds a broadcaster. publisher may be nil.
func NewBroadcaster(
	rateProvider rates.Provider,
	registry session.Registry,
	publisher Publisher,
	codes []string,
	interval time.Duration,
	logger *zap.Logger,
) *Broadcaster {
	normalized := make([]string, 0, len(codes))
	for _, c := range codes {
		normalized = append(normalized, strings.ToUpper(strings.TrimSpace(c)))
	}
	return &Broadcaster{
		rates:     rateProvider,
		registry:  registry,
		publisher: publisher,
		codes:     normalized,
		interval:  interval,
		timeout:   10 * time.Second,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func FormatUpdate(code string, rate decimal.Decimal) string {
	return fmt.Sprintf("Live update: %s = %s PLN", code, rate)
}

// Start runs a cycle every interval until ctx is done. The first cycle runs
// one interval after start.
func (b *Broadcaster) Start(ctx context.Context) {
	b.logger.Info("Starting rate broadcaster",
		zap.Strings("currencies", b.codes),
		zap.Duration("interval", b.interval))
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Rate broadcaster stopped")
			return
		case <-ticker.C:
			b.RunOnce(ctx)
		}
	}
}

// RunOnce fetches every configured rate and pushes each one that resolved.
// It returns the number of currencies broadcast.
func (b *Broadcaster) RunOnce(ctx context.Context) int {
	sent := 0
	for _, code := range b.codes {
		lookupCtx, cancel := context.WithTimeout(ctx, b.timeout)
		rate, err := b.rates.GetRate(lookupCtx, code)
		cancel()
		if err != nil {
			b.logger.Warn("Skipping rate update", zap.String("code", code), zap.Error(err))
			continue
		}
		if !rate.IsPositive() {
			b.logger.Warn("Skipping non-positive rate", zap.String("code", code), zap.Stringer("rate", rate))
			continue
		}

		delivered := b.registry.Broadcast(FormatUpdate(code, rate), protocol.Terminator)
		b.logger.Debug("Rate update broadcast",
			zap.String("code", code),
			zap.Stringer("rate", rate),
			zap.Int("sessions", delivered))
		b.publish(ctx, code, rate)
		sent++
	}
	return sent
}

func (b *Broadcaster) publish(ctx context.Context, code string, rate decimal.Decimal) {
	if b.publisher == nil {
		return
	}
	payload, err := json.Marshal(domain.RateUpdate{Code: code, Rate: rate, At: b.now()})
	if err != nil {
		b.logger.Error("Failed to encode rate update", zap.String("code", code), zap.Error(err))
		return
	}
	if err := b.publisher.Publish(ctx, SubjectPrefix+code, payload); err != nil {
		b.logger.Warn("Failed to publish rate update", zap.String("code", code), zap.Error(err))
	}
}
