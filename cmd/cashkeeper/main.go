// Package main запускает сервис учёта балансов cashkeeper.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mkarpushin/cashkeeper/internal/bus"
	"github.com/mkarpushin/cashkeeper/internal/config"
	"github.com/mkarpushin/cashkeeper/internal/consumer"
	"github.com/mkarpushin/cashkeeper/internal/handler"
	"github.com/mkarpushin/cashkeeper/internal/notify"
	"github.com/mkarpushin/cashkeeper/internal/processor"
	"github.com/mkarpushin/cashkeeper/internal/repository"
	"github.com/mkarpushin/cashkeeper/internal/retrier"
	"github.com/mkarpushin/cashkeeper/internal/validation"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	messageBus := bus.NewInMemoryBus(256)
	defer messageBus.Close()

	proc := processor.New(repo, messageBus, logger, cfg.CASAttempts, cfg.InProgressTTL)

	// Бизнес-отказы исключены из повторов: replay их не исправит.
	policy := retrier.New(cfg.RetryAttempts, cfg.RetryDelay, []error{
		repository.ErrUserNotFound,
		validation.ErrInsufficientFunds,
		validation.ErrZeroDelta,
	})

	pool := consumer.New(messageBus, proc, policy, messageBus, repo, logger,
		cfg.WorkerCount, cfg.ProcessingTimeout)

	h := handler.NewHandler(repo, logger)
	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск пула воркеров обработки сообщений
	g.Go(func() error {
		pool.Run(ctx)
		return nil
	})

	// Дублирование событий-результатов на внешний webhook
	if cfg.OutcomeWebhookURL != "" {
		notifier := notify.NewNotifier(cfg.OutcomeWebhookURL, logger)
		g.Go(func() error {
			notifier.Run(ctx, messageBus.Outcomes())
			return nil
		})
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting cashkeeper server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
