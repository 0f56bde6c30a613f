// Package bus определяет контракты транспорта сообщений и канальную
// реализацию для локального запуска и тестов. Сетевой транспорт — внешний
// коллаборатор; сервис работает с уже десериализованными сообщениями.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mkarpushin/cashkeeper/internal/model"
)

// ErrBusClosed возвращается при обращении к остановленной шине.
var (
	ErrBusClosed = errors.New("bus is closed")
	// ErrQueueFull возвращается, если очередь доставки переполнена.
	ErrQueueFull = errors.New("delivery queue is full")
)

// Delivery — одно получение сообщения из транспорта. Ack подтверждает
// обработку, Nack возвращает сообщение транспорту для повторной доставки.
type Delivery struct {
	Adjustment model.Adjustment
	Ack        func()
	Nack       func()
}

// Source отдаёт входящие доставки воркерам.
type Source interface {
	Deliveries() <-chan Delivery
}

// OutcomePublisher публикует события-результаты для ожидающих их сервисов.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, o model.Outcome) error
}

// InMemoryBus — канальная шина: очередь доставок с повторной постановкой
// по Nack и буфер исходящих событий-результатов.
type InMemoryBus struct {
	deliveries chan Delivery
	outcomes   chan model.Outcome
	done       chan struct{}
	closeOnce  sync.Once
}

// NewInMemoryBus создаёт шину с указанным размером буферов.
func NewInMemoryBus(size int) *InMemoryBus {
	return &InMemoryBus{
		deliveries: make(chan Delivery, size),
		outcomes:   make(chan model.Outcome, size),
		done:       make(chan struct{}),
	}
}

// Enqueue ставит запрос на изменение баланса в очередь доставки.
func (b *InMemoryBus) Enqueue(adj model.Adjustment) error {
	d := Delivery{
		Adjustment: adj,
		Ack:        func() {},
		Nack: func() {
			// Повторная доставка: транспорт возвращает сообщение в очередь,
			// пережидая переполнение. Сообщение теряется только при остановке шины.
			go func() {
				for {
					err := b.Enqueue(adj)
					if err == nil || errors.Is(err, ErrBusClosed) {
						return
					}
					time.Sleep(10 * time.Millisecond)
				}
			}()
		},
	}

	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	select {
	case b.deliveries <- d:
		return nil
	default:
		return ErrQueueFull
	}
}

// Deliveries возвращает канал входящих доставок.
func (b *InMemoryBus) Deliveries() <-chan Delivery {
	return b.deliveries
}

// PublishOutcome публикует событие-результат.
func (b *InMemoryBus) PublishOutcome(ctx context.Context, o model.Outcome) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	select {
	case b.outcomes <- o:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcomes возвращает канал опубликованных событий-результатов.
func (b *InMemoryBus) Outcomes() <-chan model.Outcome {
	return b.outcomes
}

// Close останавливает шину. Каналы доставок и результатов не закрываются,
// чтобы гонящиеся Nack не писали в закрытый канал; читатели завершаются
// по своему контексту.
func (b *InMemoryBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}
