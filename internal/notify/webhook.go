// Package notify отправляет события-результаты на внешний HTTP-эндпоинт.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mkarpushin/cashkeeper/internal/model"
)

// Notifier дублирует события-результаты POST-запросами на настроенный URL.
// Доставка по HTTP — at-least-once: получатель обязан дедуплицировать по message_id.
type Notifier struct {
	url    string
	client *retryablehttp.Client
	logger *zap.Logger
}

// NewNotifier создаёт нотификатор для указанного URL.
func NewNotifier(url string, logger *zap.Logger) *Notifier {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil

	return &Notifier{
		url:    strings.TrimRight(url, "/"),
		client: client,
		logger: logger,
	}
}

// Run читает события из канала и отправляет их до отмены контекста.
func (n *Notifier) Run(ctx context.Context, outcomes <-chan model.Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-outcomes:
			if !ok {
				return
			}
			if err := n.Send(ctx, o); err != nil {
				n.logger.Warn("send outcome webhook failed",
					zap.String("message_id", o.MessageID.String()),
					zap.Error(err))
			}
		}
	}
}

// Send отправляет одно событие-результат.
func (n *Notifier) Send(ctx context.Context, o model.Outcome) error {
	if n.url == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
