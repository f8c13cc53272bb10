package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"exchange/internal/domain"
	"exchange/internal/repository/ledger_repo"
	"exchange/internal/repository/ledger_repo/memory"
)

type produced struct {
	topic, key string
	value      []byte
}

type fakeProducer struct {
	mu     sync.Mutex
	failOn string
	msgs   []produced
}

func (f *fakeProducer) Produce(_ context.Context, topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == f.failOn {
		return errors.New("broker unavailable")
	}
	f.msgs = append(f.msgs, produced{topic: topic, key: key, value: value})
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func (f *fakeProducer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func seed(t *testing.T, repo *memory.LedgerRepository, keys ...string) {
	t.Helper()
	for i, key := range keys {
		err := repo.WithinTx(context.Background(), nil, func(ctx context.Context, tx ledger_repo.Tx) error {
			return tx.EnqueueOutbox(ctx, &domain.OutboxMessage{
				ID:          key + "-" + string(rune('a'+i)),
				AggregateID: key,
				MessageType: domain.MessageTypeTradeExecuted,
				Key:         key,
				Payload:     []byte(`{"username":"` + key + `"}`),
				Status:      domain.OutboxStatusPending,
				CreatedAt:   time.Now(),
			})
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
}

func pending(repo *memory.LedgerRepository) int {
	n := 0
	for _, m := range repo.Outbox() {
		if m.Status == domain.OutboxStatusPending {
			n++
		}
	}
	return n
}

func TestProcessOutboxMessages(t *testing.T) {
	repo := memory.NewLedgerRepository()
	seed(t, repo, "alice", "bob", "carol")
	producer := &fakeProducer{}
	p := NewProcessor(repo, producer, "exchange.trades", time.Hour, time.Second, 2, zap.NewNop())

	if sent := p.processOutboxMessages(context.Background()); sent != 2 {
		t.Fatalf("first batch sent %d, want 2", sent)
	}
	if sent := p.processOutboxMessages(context.Background()); sent != 1 {
		t.Fatalf("second batch sent %d, want 1", sent)
	}
	if pending(repo) != 0 {
		t.Fatalf("pending=%d after relay", pending(repo))
	}
	if producer.msgs[0].key != "alice" || producer.msgs[0].topic != "exchange.trades" {
		t.Fatalf("first message=%+v", producer.msgs[0])
	}
}

func TestProcessOutboxMessagesKeepsFailedPending(t *testing.T) {
	repo := memory.NewLedgerRepository()
	seed(t, repo, "alice", "bob", "carol")
	producer := &fakeProducer{failOn: "bob"}
	p := NewProcessor(repo, producer, "exchange.trades", time.Hour, time.Second, 10, zap.NewNop())

	if sent := p.processOutboxMessages(context.Background()); sent != 1 {
		t.Fatalf("sent %d, want 1", sent)
	}
	if pending(repo) != 2 {
		t.Fatalf("pending=%d, want 2", pending(repo))
	}

	producer.failOn = ""
	p.processOutboxMessages(context.Background())
	if pending(repo) != 0 || producer.count() != 3 {
		t.Fatalf("pending=%d produced=%d", pending(repo), producer.count())
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	repo := memory.NewLedgerRepository()
	seed(t, repo, "alice")
	producer := &fakeProducer{}
	p := NewProcessor(repo, producer, "exchange.trades", 5*time.Millisecond, time.Second, 0, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for producer.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("message was never relayed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
