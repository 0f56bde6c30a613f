// Package consumer реализует пул воркеров, обрабатывающих сообщения из шины.
package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mkarpushin/cashkeeper/internal/bus"
	"github.com/mkarpushin/cashkeeper/internal/model"
	"github.com/mkarpushin/cashkeeper/internal/repository"
)

// Handler применяет один запрос на изменение баланса.
type Handler interface {
	Process(ctx context.Context, adj model.Adjustment) (*model.Outcome, error)
}

// Policy выполняет обработчик в рамках бюджета повторов и классифицирует ошибки.
type Policy interface {
	Do(ctx context.Context, op func(ctx context.Context) error) error
	Permanent(err error) bool
}

// DeadLetterStore сохраняет сообщения, не подлежащие дальнейшей обработке.
type DeadLetterStore interface {
	AddDeadLetter(ctx context.Context, dl model.DeadLetter) error
}

// Consumer — пул воркеров над источником сообщений. Каждый воркер берёт по
// одному сообщению; сообщения одного пользователя могут обрабатываться
// конкурентно, их сериализует CAS по версии баланса.
type Consumer struct {
	source      bus.Source
	handler     Handler
	policy      Policy
	publisher   bus.OutcomePublisher
	deadLetters DeadLetterStore
	logger      *zap.Logger
	workers     int
	timeout     time.Duration
}

// New создаёт пул воркеров.
func New(source bus.Source, handler Handler, policy Policy, publisher bus.OutcomePublisher, deadLetters DeadLetterStore, logger *zap.Logger, workers int, timeout time.Duration) *Consumer {
	return &Consumer{
		source:      source,
		handler:     handler,
		policy:      policy,
		publisher:   publisher,
		deadLetters: deadLetters,
		logger:      logger,
		workers:     workers,
		timeout:     timeout,
	}
}

// Run запускает воркеров и блокируется до отмены контекста.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("starting consumer workers", zap.Int("workers", c.workers))

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		workerID := i
		go func() {
			defer wg.Done()
			c.worker(ctx, workerID)
		}()
	}
	wg.Wait()

	c.logger.Info("consumer workers stopped")
}

func (c *Consumer) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-c.source.Deliveries():
			if !ok {
				return
			}
			c.handle(ctx, id, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, workerID int, d bus.Delivery) {
	adj := d.Adjustment

	mctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.policy.Do(mctx, func(ctx context.Context) error {
		_, perr := c.handler.Process(ctx, adj)
		return perr
	})
	if err == nil {
		d.Ack()
		return
	}

	// Истёкший дедлайн или остановка сервиса: бросаем сообщение,
	// транспорт доставит его повторно.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		c.logger.Warn("message processing abandoned",
			zap.Int("worker_id", workerID),
			zap.String("message_id", adj.MessageID.String()),
			zap.Error(err))
		d.Nack()
		return
	}

	// Сообщение обрабатывает другой воркер. Терминальный итог здесь
	// публиковать нельзя: победитель зафиксирует свой, а повторная
	// доставка воспроизведёт его из журнала идемпотентности.
	if errors.Is(err, repository.ErrMessageInProgress) {
		c.logger.Warn("message held by another worker, requeueing",
			zap.Int("worker_id", workerID),
			zap.String("message_id", adj.MessageID.String()))
		d.Nack()
		return
	}

	if c.policy.Permanent(err) {
		// Бизнес-отказ: итог уже зафиксирован и опубликован процессором,
		// сообщение уходит в канал необработанных для наблюдаемости.
		c.deadLetter(ctx, adj, err)
		d.Ack()
		return
	}

	// Бюджет повторов исчерпан на временной ошибке.
	c.logger.Error("retry budget exhausted",
		zap.Int("worker_id", workerID),
		zap.String("message_id", adj.MessageID.String()),
		zap.String("user_id", adj.UserID.String()),
		zap.Error(err))

	outcome := model.Outcome{
		MessageID: adj.MessageID,
		UserID:    adj.UserID,
		Status:    model.OutcomeRejectedTransient,
		Reason:    err.Error(),
	}
	if pubErr := c.publisher.PublishOutcome(ctx, outcome); pubErr != nil {
		c.logger.Warn("publish transient rejection failed",
			zap.String("message_id", adj.MessageID.String()),
			zap.Error(pubErr))
	}

	c.deadLetter(ctx, adj, err)
	d.Ack()
}

func (c *Consumer) deadLetter(ctx context.Context, adj model.Adjustment, cause error) {
	dl := model.DeadLetter{
		MessageID:  adj.MessageID,
		UserID:     adj.UserID,
		DeltaCents: adj.DeltaCents,
		Reason:     adj.Reason,
		Failure:    cause.Error(),
	}
	if err := c.deadLetters.AddDeadLetter(ctx, dl); err != nil {
		c.logger.Error("store dead letter failed",
			zap.String("message_id", adj.MessageID.String()),
			zap.Error(err))
	}
}
