// Package processor реализует применение запросов на изменение баланса.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkarpushin/cashkeeper/internal/bus"
	"github.com/mkarpushin/cashkeeper/internal/model"
	"github.com/mkarpushin/cashkeeper/internal/repository"
	"github.com/mkarpushin/cashkeeper/internal/validation"
)

// ErrContention возвращается после исчерпания попыток CAS под нагрузкой.
// Ошибка временная: сообщение уходит на транспортный ретрай.
var ErrContention = errors.New("balance contention retries exhausted")

// Store описывает контракт доступа к данным, используемый процессором.
// ApplyAdjustment объединяет CAS баланса и фиксацию итога в журнале
// идемпотентности в одну атомарную операцию: мутация баланса без записи
// итога недостижима.
type Store interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (*model.UserBalance, error)
	ApplyAdjustment(ctx context.Context, messageID, userID uuid.UUID, expectedVersion, newAmountCents int64) (int64, error)
	BeginMessage(ctx context.Context, messageID uuid.UUID, ttl time.Duration) (*model.IdempotencyRecord, error)
	CommitMessage(ctx context.Context, messageID uuid.UUID, status model.MessageStatus, outcome model.OutcomeStatus, amountCents, appliedVersion int64) error
	ReleaseMessage(ctx context.Context, messageID uuid.UUID) error
}

// Processor применяет запросы на изменение баланса: проверка идемпотентности,
// валидация, атомарное применение через CAS, фиксация итога и публикация события.
type Processor struct {
	store         Store
	publisher     bus.OutcomePublisher
	logger        *zap.Logger
	casAttempts   int
	inProgressTTL time.Duration
}

// New создаёт процессор с указанными зависимостями.
func New(store Store, publisher bus.OutcomePublisher, logger *zap.Logger, casAttempts int, inProgressTTL time.Duration) *Processor {
	return &Processor{
		store:         store,
		publisher:     publisher,
		logger:        logger,
		casAttempts:   casAttempts,
		inProgressTTL: inProgressTTL,
	}
}

// Process применяет один запрос на изменение баланса и возвращает итог.
//
// Ошибки repository.ErrUserNotFound и validation.ErrInsufficientFunds —
// бизнес-отказы: итог зафиксирован и опубликован, ретрай бессмыслен.
// Остальные ошибки временные: допуск снимается, сообщение можно повторить.
// Повторная доставка уже обработанного сообщения не ошибка — воспроизводится
// сохранённый итог без второй мутации баланса.
func (p *Processor) Process(ctx context.Context, adj model.Adjustment) (*model.Outcome, error) {
	rec, err := p.store.BeginMessage(ctx, adj.MessageID, p.inProgressTTL)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyProcessed) {
			outcome := outcomeFromRecord(adj, rec)
			p.publish(ctx, outcome)
			p.logger.Info("duplicate message, replaying stored outcome",
				zap.String("message_id", adj.MessageID.String()),
				zap.String("status", string(outcome.Status)))
			return &outcome, nil
		}
		return nil, fmt.Errorf("begin message: %w", err)
	}

	outcome, err := p.apply(ctx, adj)
	if err != nil {
		// Допуск снимаем только для временных сбоев; бизнес-отказ уже
		// зафиксирован в журнале идемпотентности.
		if !errors.Is(err, repository.ErrUserNotFound) && !errors.Is(err, validation.ErrInsufficientFunds) && !errors.Is(err, validation.ErrZeroDelta) {
			if relErr := p.store.ReleaseMessage(ctx, adj.MessageID); relErr != nil {
				p.logger.Warn("release message failed",
					zap.String("message_id", adj.MessageID.String()),
					zap.Error(relErr))
			}
		}
		return outcome, err
	}

	return outcome, nil
}

func (p *Processor) apply(ctx context.Context, adj model.Adjustment) (*model.Outcome, error) {
	for attempt := 0; attempt < p.casAttempts; attempt++ {
		balance, err := p.store.GetBalance(ctx, adj.UserID)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				return p.reject(ctx, adj, model.OutcomeRejectedUnknownUser, err)
			}
			return nil, fmt.Errorf("get balance: %w", err)
		}

		if err := validation.CheckAdjustment(balance.AmountCents, adj.DeltaCents); err != nil {
			if errors.Is(err, validation.ErrInsufficientFunds) {
				return p.reject(ctx, adj, model.OutcomeRejectedInsufficientFunds, err)
			}
			return p.reject(ctx, adj, model.OutcomeRejectedInvalid, err)
		}

		newAmount := balance.AmountCents + adj.DeltaCents
		newVersion, err := p.store.ApplyAdjustment(ctx, adj.MessageID, adj.UserID, balance.Version, newAmount)
		if err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				// Конкурентный писатель победил: перечитываем и валидируем заново.
				continue
			}
			if errors.Is(err, repository.ErrUserNotFound) {
				return p.reject(ctx, adj, model.OutcomeRejectedUnknownUser, err)
			}
			return nil, fmt.Errorf("apply adjustment: %w", err)
		}

		outcome := model.Outcome{
			MessageID:   adj.MessageID,
			UserID:      adj.UserID,
			Status:      model.OutcomeApplied,
			AmountCents: newAmount,
			Version:     newVersion,
		}
		p.publish(ctx, outcome)

		p.logger.Info("adjustment applied",
			zap.String("message_id", adj.MessageID.String()),
			zap.String("user_id", adj.UserID.String()),
			zap.Int64("delta", adj.DeltaCents),
			zap.Int64("amount", newAmount),
			zap.Int64("version", newVersion))

		return &outcome, nil
	}

	return nil, fmt.Errorf("%w: user %s", ErrContention, adj.UserID)
}

func (p *Processor) reject(ctx context.Context, adj model.Adjustment, status model.OutcomeStatus, cause error) (*model.Outcome, error) {
	if err := p.store.CommitMessage(ctx, adj.MessageID, model.MessageStatusRejected, status, 0, 0); err != nil {
		return nil, fmt.Errorf("commit rejected: %w", err)
	}

	outcome := model.Outcome{
		MessageID: adj.MessageID,
		UserID:    adj.UserID,
		Status:    status,
		Reason:    cause.Error(),
	}
	p.publish(ctx, outcome)

	p.logger.Info("adjustment rejected",
		zap.String("message_id", adj.MessageID.String()),
		zap.String("user_id", adj.UserID.String()),
		zap.String("status", string(status)))

	return &outcome, cause
}

// publish отправляет событие-результат в шину. Итог уже зафиксирован, поэтому
// сбой публикации не откатывает обработку: повторная доставка воспроизведёт событие.
func (p *Processor) publish(ctx context.Context, o model.Outcome) {
	if err := p.publisher.PublishOutcome(ctx, o); err != nil {
		p.logger.Warn("publish outcome failed",
			zap.String("message_id", o.MessageID.String()),
			zap.Error(err))
	}
}

func outcomeFromRecord(adj model.Adjustment, rec *model.IdempotencyRecord) model.Outcome {
	o := model.Outcome{
		MessageID: adj.MessageID,
		UserID:    adj.UserID,
		Status:    rec.Outcome,
	}
	if rec.Status == model.MessageStatusApplied {
		o.AmountCents = rec.AmountCents
		o.Version = rec.AppliedVersion
	}
	return o
}
