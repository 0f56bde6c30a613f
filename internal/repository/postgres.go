// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mkarpushin/cashkeeper/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если пользователь не найден.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists возвращается при попытке создать пользователя с уже занятым email.
	ErrUserExists = errors.New("user already exists")
	// ErrVersionConflict возвращается, если CAS проиграл гонку конкурентному писателю.
	// Вызывающий обязан перечитать баланс и повторить бизнес-логику целиком.
	ErrVersionConflict = errors.New("balance version conflict")
	// ErrAlreadyProcessed возвращается из BeginMessage для уже завершённого сообщения.
	ErrAlreadyProcessed = errors.New("message already processed")
	// ErrMessageInProgress возвращается, если сообщение прямо сейчас обрабатывает
	// другой воркер и запись ещё не протухла.
	ErrMessageInProgress = errors.New("message is being processed")
)

// PostgresRepository предоставляет доступ к хранилищу балансов, журналу
// идемпотентности и таблице необработанных сообщений в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт пользователя вместе с нулевым балансом.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO users (id, display_name, email) VALUES ($1, $2, $3)`,
		u.ID, u.DisplayName, u.Email,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrUserExists, u.Email)
		}
		return fmt.Errorf("insert user: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO balances (user_id, amount) VALUES ($1, $2)`,
		u.ID, u.CashCents,
	)
	if err != nil {
		return fmt.Errorf("insert balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetUser возвращает пользователя вместе с текущим балансом.
func (r *PostgresRepository) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT u.id, u.display_name, u.email, u.created_on, b.amount
		 FROM users u
		 JOIN balances b ON b.user_id = u.id
		 WHERE u.id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.CreatedOn, &u.CashCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// ListUsers возвращает всех пользователей с балансами.
func (r *PostgresRepository) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.display_name, u.email, u.created_on, b.amount
		 FROM users u
		 JOIN balances b ON b.user_id = u.id
		 ORDER BY u.created_on`,
	)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Email, &u.CreatedOn, &u.CashCents); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return users, nil
}

// GetBalance возвращает баланс пользователя вместе с версией записи.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID uuid.UUID) (*model.UserBalance, error) {
	var b model.UserBalance
	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`SELECT user_id, amount, version FROM balances WHERE user_id = $1`,
			userID,
		).Scan(&b.UserID, &b.AmountCents, &b.Version)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}

	return &b, nil
}

// ApplyAdjustment атомарно записывает новый баланс по compare-and-swap на
// версии записи и в той же транзакции фиксирует итог applied в журнале
// идемпотентности. Баланс не может измениться без записи итога: сбой на любом
// шаге откатывает оба, поэтому повторная доставка не применит дельту дважды.
// Возвращает новую версию; при проигранной гонке — ErrVersionConflict.
func (r *PostgresRepository) ApplyAdjustment(ctx context.Context, messageID, userID uuid.UUID, expectedVersion, newAmountCents int64) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var newVersion int64
	err = tx.QueryRow(ctx,
		`UPDATE balances
		 SET amount = $3, version = version + 1, updated_at = now()
		 WHERE user_id = $1 AND version = $2
		 RETURNING version`,
		userID, expectedVersion, newAmountCents,
	).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Либо версия ушла вперёд, либо пользователя больше нет.
			var exists bool
			checkErr := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM balances WHERE user_id = $1)`,
				userID,
			).Scan(&exists)
			if checkErr != nil {
				return 0, fmt.Errorf("check balance exists: %w", checkErr)
			}
			if !exists {
				return 0, ErrUserNotFound
			}
			return 0, ErrVersionConflict
		}
		return 0, fmt.Errorf("cas balance: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE processed_messages
		 SET status = $2, outcome = $3, amount = $4, applied_version = $5, processed_at = now()
		 WHERE message_id = $1`,
		messageID, string(model.MessageStatusApplied), string(model.OutcomeApplied), newAmountCents, newVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("commit applied: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return newVersion, nil
}

// BeginMessage — единственная точка допуска сообщения к обработке.
// Возвращает nil, если допуск получен. Для завершённого сообщения возвращает
// сохранённую запись и ErrAlreadyProcessed. Запись in_progress старше ttl
// считается брошенной упавшим воркером и перехватывается; свежая даёт
// ErrMessageInProgress.
func (r *PostgresRepository) BeginMessage(ctx context.Context, messageID uuid.UUID, ttl time.Duration) (*model.IdempotencyRecord, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO processed_messages (message_id, status)
		 VALUES ($1, $2)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, string(model.MessageStatusInProgress),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	rec, err := r.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	if rec.Status != model.MessageStatusInProgress {
		return rec, ErrAlreadyProcessed
	}

	// Перехват протухшей in_progress записи одним условным UPDATE:
	// из двух гонящихся воркеров победит ровно один.
	tag, err = r.pool.Exec(ctx,
		`UPDATE processed_messages
		 SET started_at = now()
		 WHERE message_id = $1 AND status = $2 AND started_at < now() - ($3 * interval '1 second')`,
		messageID, string(model.MessageStatusInProgress), ttl.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("take over message: %w", err)
	}

	if tag.RowsAffected() == 1 {
		return nil, nil
	}

	return nil, ErrMessageInProgress
}

func (r *PostgresRepository) getMessage(ctx context.Context, messageID uuid.UUID) (*model.IdempotencyRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT message_id, status, COALESCE(outcome, ''), COALESCE(amount, 0),
		        COALESCE(applied_version, 0), started_at, processed_at
		 FROM processed_messages
		 WHERE message_id = $1`,
		messageID,
	)

	var rec model.IdempotencyRecord
	var status, outcome string
	err := row.Scan(&rec.MessageID, &status, &outcome, &rec.AmountCents,
		&rec.AppliedVersion, &rec.StartedAt, &rec.ProcessedAt)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}

	rec.Status = model.MessageStatus(status)
	rec.Outcome = model.OutcomeStatus(outcome)
	return &rec, nil
}

// CommitMessage финализирует запись журнала идемпотентности. После коммита
// запись не меняется и используется для воспроизведения итога при повторной доставке.
func (r *PostgresRepository) CommitMessage(ctx context.Context, messageID uuid.UUID, status model.MessageStatus, outcome model.OutcomeStatus, amountCents, appliedVersion int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE processed_messages
		 SET status = $2, outcome = $3, amount = $4, applied_version = $5, processed_at = now()
		 WHERE message_id = $1`,
		messageID, string(status), string(outcome), amountCents, appliedVersion,
	)
	if err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// ReleaseMessage снимает допуск с сообщения после временного сбоя, чтобы
// следующая попытка не упиралась в собственную in_progress запись до истечения ttl.
func (r *PostgresRepository) ReleaseMessage(ctx context.Context, messageID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM processed_messages WHERE message_id = $1 AND status = $2`,
		messageID, string(model.MessageStatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return nil
}

// AddDeadLetter сохраняет сообщение в таблицу необработанных для разбора оператором.
func (r *PostgresRepository) AddDeadLetter(ctx context.Context, dl model.DeadLetter) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO dead_letters (message_id, user_id, delta, reason, failure)
		 VALUES ($1, $2, $3, $4, $5)`,
		dl.MessageID, dl.UserID, dl.DeltaCents, dl.Reason, dl.Failure,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters возвращает последние необработанные сообщения.
func (r *PostgresRepository) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, message_id, user_id, delta, reason, failure, created_at
		 FROM dead_letters
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select dead letters: %w", err)
	}
	defer rows.Close()

	var res []model.DeadLetter
	for rows.Next() {
		var dl model.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.MessageID, &dl.UserID, &dl.DeltaCents,
			&dl.Reason, &dl.Failure, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		res = append(res, dl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
