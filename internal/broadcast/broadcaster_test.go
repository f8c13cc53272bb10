package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"exchange/internal/domain"
	"exchange/internal/handler/tcp/protocol"
	"exchange/internal/rates"
	"exchange/internal/session"
)

type fakeRegistry struct {
	mu     sync.Mutex
	blocks [][]string
}

func (f *fakeRegistry) Add(*session.Session) {}
func (f *fakeRegistry) Remove(string)        {}
func (f *fakeRegistry) Len() int             { return 0 }
func (f *fakeRegistry) CloseAll()            {}
func (f *fakeRegistry) Broadcast(lines ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, append([]string(nil), lines...))
	return 1
}

// got returns the first line of every broadcast block.
func (f *fakeRegistry) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.blocks))
	for _, b := range f.blocks {
		out = append(out, b[0])
	}
	return out
}

type flakyRates struct {
	rates map[string]decimal.Decimal
}

func (f flakyRates) GetRate(_ context.Context, code string) (decimal.Decimal, error) {
	if code == "EUR" {
		return decimal.Zero, errors.New("timeout")
	}
	r, ok := f.rates[code]
	if !ok {
		return decimal.Zero, rates.ErrRateNotFound
	}
	return r, nil
}

func (f flakyRates) GetHistoricalRate(ctx context.Context, code string, _ time.Time) (decimal.Decimal, error) {
	return f.GetRate(ctx, code)
}

type recordingPublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return p.err
}

func TestRunOnceSkipsFailedLookups(t *testing.T) {
	reg := &fakeRegistry{}
	pub := &recordingPublisher{}
	provider := flakyRates{rates: map[string]decimal.Decimal{
		"USD": decimal.RequireFromString("3.9321"),
		"GBP": decimal.RequireFromString("5.1"),
		"CHF": decimal.Zero,
	}}
	b := NewBroadcaster(provider, reg, pub, []string{"usd", "EUR", "GBP", "CHF"}, time.Minute, zap.NewNop())

	if n := b.RunOnce(context.Background()); n != 2 {
		t.Fatalf("sent=%d want 2", n)
	}
	got := reg.got()
	want := []string{"Live update: USD = 3.9321 PLN", "Live update: GBP = 5.1 PLN"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("lines=%q want %q", got, want)
	}

	for _, block := range reg.blocks {
		if len(block) != 2 || block[1] != protocol.Terminator {
			t.Fatalf("broadcast block %q is not terminated", block)
		}
	}

	if len(pub.subjects) != 2 || pub.subjects[0] != "exchange.rates.USD" {
		t.Fatalf("subjects=%v", pub.subjects)
	}
	var update domain.RateUpdate
	if err := json.Unmarshal(pub.payloads[1], &update); err != nil {
		t.Fatal(err)
	}
	if update.Code != "GBP" || !update.Rate.Equal(decimal.RequireFromString("5.1")) {
		t.Fatalf("update=%+v", update)
	}
}

func TestPublishErrorDoesNotStopCycle(t *testing.T) {
	reg := &fakeRegistry{}
	pub := &recordingPublisher{err: errors.New("nats down")}
	provider := flakyRates{rates: map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(4),
		"GBP": decimal.NewFromInt(5),
	}}
	b := NewBroadcaster(provider, reg, pub, []string{"USD", "GBP"}, time.Minute, zap.NewNop())

	if n := b.RunOnce(context.Background()); n != 2 {
		t.Fatalf("sent=%d want 2", n)
	}
}

func TestStartTicksUntilCancelled(t *testing.T) {
	reg := &fakeRegistry{}
	provider := flakyRates{rates: map[string]decimal.Decimal{"USD": decimal.NewFromInt(4)}}
	b := NewBroadcaster(provider, reg, nil, []string{"USD"}, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(reg.got()) < 2 {
		select {
		case <-deadline:
			t.Fatal("broadcaster did not tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
