package domain

import "time"

type OutboxMessageStatus string

const (
	OutboxStatusPending OutboxMessageStatus = "PENDING"
	OutboxStatusSent    OutboxMessageStatus = "SENT"
	OutboxStatusFailed  OutboxMessageStatus = "FAILED"
)

const (
	MessageTypeTradeExecuted    = "trade.executed"
	MessageTypeBalanceToppedUp  = "balance.topped_up"
	MessageTypePaymentCompleted = "payment.completed"
)

// OutboxMessage is an event written in the same unit of work as the ledger
// change it describes and relayed to the broker later.
type OutboxMessage struct {
	ID          string
	AggregateID string
	MessageType string
	Key         string
	Payload     []byte
	Status      OutboxMessageStatus
	CreatedAt   time.Time
	SentAt      *time.Time
}
