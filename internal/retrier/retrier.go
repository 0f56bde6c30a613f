// Package retrier реализует политику повторов обработки сообщений с
// разделением ошибок на временные и постоянные.
package retrier

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retrier выполняет обработчик сообщения с ограниченным числом попыток и
// фиксированной паузой между ними. Ошибки из списка permanent — бизнес-отказы,
// которые не исправятся повтором: они возвращаются после первой же попытки.
type Retrier struct {
	attempts  int
	delay     time.Duration
	permanent []error
}

// New создаёт Retrier. attempts — общее число попыток (включая первую),
// delay — пауза между ними, permanent — ошибки, исключённые из повторов.
func New(attempts int, delay time.Duration, permanent []error) *Retrier {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrier{
		attempts:  attempts,
		delay:     delay,
		permanent: permanent,
	}
}

// Permanent сообщает, относится ли ошибка к постоянным.
func (r *Retrier) Permanent(err error) bool {
	for _, p := range r.permanent {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}

// Do выполняет op, повторяя его при временных ошибках до исчерпания бюджета
// попыток. Возвращает последнюю ошибку либо nil.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(r.attempts-1), retry.NewConstant(r.delay))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if r.Permanent(err) {
			return err
		}
		return retry.RetryableError(err)
	})
}
