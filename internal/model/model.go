// Package model содержит доменные сущности сервиса cashkeeper.
package model

import (
	"time"

	"github.com/google/uuid"
)

// User представляет пользователя, для которого ведётся денежный счёт.
type User struct {
	ID          uuid.UUID
	DisplayName string
	Email       string
	CreatedOn   time.Time
	CashCents   int64
}

// UserBalance содержит текущий баланс пользователя и версию записи.
// Версия монотонно растёт при каждой успешной мутации и служит ключом
// для compare-and-swap.
type UserBalance struct {
	UserID      uuid.UUID
	AmountCents int64
	Version     int64
}

// Adjustment описывает запрос на изменение баланса, доставленный из шины.
// Положительная дельта — зачисление, отрицательная — списание.
type Adjustment struct {
	MessageID     uuid.UUID `json:"message_id"`
	UserID        uuid.UUID `json:"user_id"`
	DeltaCents    int64     `json:"delta"`
	Reason        string    `json:"reason,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// OutcomeStatus описывает итог обработки сообщения.
type OutcomeStatus string

const (
	OutcomeApplied                   OutcomeStatus = "applied"
	OutcomeRejectedUnknownUser       OutcomeStatus = "rejected_unknown_user"
	OutcomeRejectedInsufficientFunds OutcomeStatus = "rejected_insufficient_funds"
	OutcomeRejectedInvalid           OutcomeStatus = "rejected_invalid"
	OutcomeRejectedTransient         OutcomeStatus = "rejected_transient"
)

// Outcome — событие-результат, публикуемое в шину после обработки сообщения.
type Outcome struct {
	MessageID   uuid.UUID     `json:"message_id"`
	UserID      uuid.UUID     `json:"user_id"`
	Status      OutcomeStatus `json:"status"`
	AmountCents int64         `json:"amount,omitempty"`
	Version     int64         `json:"version,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

// MessageStatus описывает состояние записи о сообщении в журнале идемпотентности.
type MessageStatus string

const (
	MessageStatusInProgress MessageStatus = "in_progress"
	MessageStatusApplied    MessageStatus = "applied"
	MessageStatusRejected   MessageStatus = "rejected"
)

// IdempotencyRecord — запись журнала идемпотентности по одному messageID.
// После перехода в applied или rejected запись не меняется; повторная доставка
// того же сообщения воспроизводит сохранённый итог без повторного применения.
type IdempotencyRecord struct {
	MessageID      uuid.UUID
	Status         MessageStatus
	Outcome        OutcomeStatus
	AmountCents    int64
	AppliedVersion int64
	StartedAt      time.Time
	ProcessedAt    *time.Time
}

// DeadLetter — сообщение, попавшее в канал необработанных: бизнес-отказ либо
// исчерпание бюджета ретраев. Хранится для разбора оператором.
type DeadLetter struct {
	ID         int64
	MessageID  uuid.UUID
	UserID     uuid.UUID
	DeltaCents int64
	Reason     string
	Failure    string
	CreatedAt  time.Time
}
