package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkarpushin/cashkeeper/internal/model"
	"github.com/mkarpushin/cashkeeper/internal/repository"
	"github.com/mkarpushin/cashkeeper/internal/validation"
)

// memStore — потокобезопасная реализация Store в памяти с настоящей
// семантикой CAS для конкурентных тестов.
type memStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]*model.UserBalance
	messages map[uuid.UUID]*model.IdempotencyRecord

	balanceErr error
	casErr     error
	commitErr  error
	releases   int
}

func newMemStore() *memStore {
	return &memStore{
		balances: make(map[uuid.UUID]*model.UserBalance),
		messages: make(map[uuid.UUID]*model.IdempotencyRecord),
	}
}

func (s *memStore) addUser(userID uuid.UUID, amountCents int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = &model.UserBalance{UserID: userID, AmountCents: amountCents, Version: 1}
}

func (s *memStore) balance(userID uuid.UUID) model.UserBalance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.balances[userID]
}

func (s *memStore) GetBalance(ctx context.Context, userID uuid.UUID) (*model.UserBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balanceErr != nil {
		return nil, s.balanceErr
	}
	b, ok := s.balances[userID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	copied := *b
	return &copied, nil
}

func (s *memStore) ApplyAdjustment(ctx context.Context, messageID, userID uuid.UUID, expectedVersion, newAmountCents int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.casErr != nil {
		return 0, s.casErr
	}
	// Атомарность как в хранилище: сбой фиксации не оставляет мутацию баланса.
	if s.commitErr != nil {
		return 0, s.commitErr
	}
	b, ok := s.balances[userID]
	if !ok {
		return 0, repository.ErrUserNotFound
	}
	if b.Version != expectedVersion {
		return 0, repository.ErrVersionConflict
	}
	b.AmountCents = newAmountCents
	b.Version++
	now := time.Now()
	s.messages[messageID] = &model.IdempotencyRecord{
		MessageID:      messageID,
		Status:         model.MessageStatusApplied,
		Outcome:        model.OutcomeApplied,
		AmountCents:    b.AmountCents,
		AppliedVersion: b.Version,
		ProcessedAt:    &now,
	}
	return b.Version, nil
}

func (s *memStore) BeginMessage(ctx context.Context, messageID uuid.UUID, ttl time.Duration) (*model.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[messageID]
	if !ok {
		s.messages[messageID] = &model.IdempotencyRecord{
			MessageID: messageID,
			Status:    model.MessageStatusInProgress,
			StartedAt: time.Now(),
		}
		return nil, nil
	}
	if rec.Status != model.MessageStatusInProgress {
		copied := *rec
		return &copied, repository.ErrAlreadyProcessed
	}
	if time.Since(rec.StartedAt) > ttl {
		rec.StartedAt = time.Now()
		return nil, nil
	}
	return nil, repository.ErrMessageInProgress
}

func (s *memStore) CommitMessage(ctx context.Context, messageID uuid.UUID, status model.MessageStatus, outcome model.OutcomeStatus, amountCents, appliedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	now := time.Now()
	s.messages[messageID] = &model.IdempotencyRecord{
		MessageID:      messageID,
		Status:         status,
		Outcome:        outcome,
		AmountCents:    amountCents,
		AppliedVersion: appliedVersion,
		ProcessedAt:    &now,
	}
	return nil
}

func (s *memStore) ReleaseMessage(ctx context.Context, messageID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[messageID]
	if ok && rec.Status == model.MessageStatusInProgress {
		delete(s.messages, messageID)
	}
	s.releases++
	return nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	outcomes []model.Outcome
}

func (p *recordingPublisher) PublishOutcome(ctx context.Context, o model.Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, o)
	return nil
}

func (p *recordingPublisher) all() []model.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Outcome(nil), p.outcomes...)
}

func newTestProcessor(store Store, pub *recordingPublisher) *Processor {
	return New(store, pub, zap.NewNop(), 4, time.Minute)
}

func TestProcess_AppliesCredit(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	userID := uuid.New()
	store.addUser(userID, 0)

	p := newTestProcessor(store, pub)

	outcome, err := p.Process(context.Background(), model.Adjustment{
		MessageID:  uuid.New(),
		UserID:     userID,
		DeltaCents: 2500,
	})
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if outcome.Status != model.OutcomeApplied {
		t.Fatalf("status = %s, want applied", outcome.Status)
	}
	if outcome.AmountCents != 2500 {
		t.Fatalf("amount = %d, want 2500", outcome.AmountCents)
	}

	b := store.balance(userID)
	if b.AmountCents != 2500 || b.Version != 2 {
		t.Fatalf("balance = %d v%d, want 2500 v2", b.AmountCents, b.Version)
	}
}

func TestProcess_DebitFlow(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	userID := uuid.New()
	store.addUser(userID, 100)

	p := newTestProcessor(store, pub)
	ctx := context.Background()

	// Списание 150 при балансе 100 отклоняется, баланс не меняется.
	_, err := p.Process(ctx, model.Adjustment{MessageID: uuid.New(), UserID: userID, DeltaCents: -150})
	if !errors.Is(err, validation.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if b := store.balance(userID); b.AmountCents != 100 {
		t.Fatalf("balance changed after rejection: %d", b.AmountCents)
	}

	// Списание 40 применяется.
	debitID := uuid.New()
	outcome, err := p.Process(ctx, model.Adjustment{MessageID: debitID, UserID: userID, DeltaCents: -40})
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}
	if outcome.AmountCents != 60 {
		t.Fatalf("amount = %d, want 60", outcome.AmountCents)
	}

	b := store.balance(userID)
	if b.AmountCents != 60 || b.Version != 2 {
		t.Fatalf("balance = %d v%d, want 60 v2", b.AmountCents, b.Version)
	}

	// Повторная доставка того же сообщения воспроизводит итог без второй мутации.
	replayed, err := p.Process(ctx, model.Adjustment{MessageID: debitID, UserID: userID, DeltaCents: -40})
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if replayed.Status != model.OutcomeApplied || replayed.AmountCents != 60 {
		t.Fatalf("replayed outcome = %+v, want applied 60", replayed)
	}
	if b := store.balance(userID); b.AmountCents != 60 || b.Version != 2 {
		t.Fatalf("balance mutated on replay: %d v%d", b.AmountCents, b.Version)
	}
}

func TestProcess_UnknownUser(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	p := newTestProcessor(store, pub)

	msgID := uuid.New()
	outcome, err := p.Process(context.Background(), model.Adjustment{
		MessageID:  msgID,
		UserID:     uuid.New(),
		DeltaCents: 100,
	})
	if !errors.Is(err, repository.ErrUserNotFound) {
		t.Fatalf("err = %v, want ErrUserNotFound", err)
	}
	if outcome == nil || outcome.Status != model.OutcomeRejectedUnknownUser {
		t.Fatalf("outcome = %+v, want rejected_unknown_user", outcome)
	}

	// Отказ зафиксирован: повторная доставка воспроизводит его без ошибки допуска.
	replayed, err := p.Process(context.Background(), model.Adjustment{MessageID: msgID, UserID: outcome.UserID, DeltaCents: 100})
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if replayed.Status != model.OutcomeRejectedUnknownUser {
		t.Fatalf("replayed status = %s", replayed.Status)
	}
}

func TestProcess_ConcurrentCredits(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	userID := uuid.New()
	store.addUser(userID, 0)

	// Запаса попыток CAS должно хватить на худшую серию конфликтов.
	p := New(store, pub, zap.NewNop(), 100, time.Minute)

	const n = 20
	const credit = 10

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(context.Background(), model.Adjustment{
				MessageID:  uuid.New(),
				UserID:     userID,
				DeltaCents: credit,
			})
			if err != nil {
				t.Errorf("concurrent credit error: %v", err)
			}
		}()
	}
	wg.Wait()

	if b := store.balance(userID); b.AmountCents != n*credit {
		t.Fatalf("final balance = %d, want %d", b.AmountCents, n*credit)
	}
}

func TestProcess_ConcurrentDebits(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	userID := uuid.New()
	store.addUser(userID, 100)

	p := New(store, pub, zap.NewNop(), 100, time.Minute)

	// Два списания по 60 при балансе 100: ровно одно должно пройти.
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := p.Process(context.Background(), model.Adjustment{
				MessageID:  uuid.New(),
				UserID:     userID,
				DeltaCents: -60,
			})
			results <- err
		}()
	}

	var applied, rejected int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			applied++
		case errors.Is(err, validation.ErrInsufficientFunds):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if applied != 1 || rejected != 1 {
		t.Fatalf("applied = %d, rejected = %d, want 1 and 1", applied, rejected)
	}
	if b := store.balance(userID); b.AmountCents != 40 {
		t.Fatalf("final balance = %d, want 40", b.AmountCents)
	}
}

func TestProcess_ContentionExhausted(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	userID := uuid.New()
	store.addUser(userID, 100)
	store.casErr = repository.ErrVersionConflict

	p := newTestProcessor(store, pub)

	_, err := p.Process(context.Background(), model.Adjustment{
		MessageID:  uuid.New(),
		UserID:     userID,
		DeltaCents: 10,
	})
	if !errors.Is(err, ErrContention) {
		t.Fatalf("err = %v, want ErrContention", err)
	}
	if store.releases != 1 {
		t.Fatalf("releases = %d, want 1", store.releases)
	}
}

func TestProcess_TransientStoreError(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	userID := uuid.New()
	store.addUser(userID, 100)
	store.balanceErr = errors.New("connection refused")

	p := newTestProcessor(store, pub)

	msgID := uuid.New()
	_, err := p.Process(context.Background(), model.Adjustment{MessageID: msgID, UserID: userID, DeltaCents: 10})
	if err == nil {
		t.Fatalf("expected error for unavailable store")
	}
	if len(pub.all()) != 0 {
		t.Fatalf("no outcome must be published on transient failure")
	}

	// Допуск снят: после восстановления хранилища сообщение обрабатывается.
	store.mu.Lock()
	store.balanceErr = nil
	store.mu.Unlock()

	outcome, err := p.Process(context.Background(), model.Adjustment{MessageID: msgID, UserID: userID, DeltaCents: 10})
	if err != nil {
		t.Fatalf("retry after recovery error: %v", err)
	}
	if outcome.Status != model.OutcomeApplied {
		t.Fatalf("status = %s, want applied", outcome.Status)
	}
}

func TestProcess_StoreFailureLeavesBalanceIntact(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	userID := uuid.New()
	store.addUser(userID, 100)
	store.commitErr = errors.New("connection reset")

	p := newTestProcessor(store, pub)

	msgID := uuid.New()
	_, err := p.Process(context.Background(), model.Adjustment{MessageID: msgID, UserID: userID, DeltaCents: -40})
	if err == nil {
		t.Fatalf("expected error when store commit fails")
	}
	// Мутация и журнал фиксируются одной транзакцией: после сбоя баланс не тронут.
	if b := store.balance(userID); b.AmountCents != 100 || b.Version != 1 {
		t.Fatalf("balance = %d v%d after failed commit, want 100 v1", b.AmountCents, b.Version)
	}

	store.mu.Lock()
	store.commitErr = nil
	store.mu.Unlock()

	// Повторная доставка применяет списание ровно один раз.
	outcome, err := p.Process(context.Background(), model.Adjustment{MessageID: msgID, UserID: userID, DeltaCents: -40})
	if err != nil {
		t.Fatalf("redelivery error: %v", err)
	}
	if outcome.Status != model.OutcomeApplied || outcome.AmountCents != 60 {
		t.Fatalf("outcome = %+v, want applied 60", outcome)
	}
	if b := store.balance(userID); b.AmountCents != 60 || b.Version != 2 {
		t.Fatalf("balance = %d v%d, want 60 v2", b.AmountCents, b.Version)
	}
}

func TestProcess_ZeroDeltaRejectedInvalid(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	userID := uuid.New()
	store.addUser(userID, 100)

	p := newTestProcessor(store, pub)

	msgID := uuid.New()
	outcome, err := p.Process(context.Background(), model.Adjustment{MessageID: msgID, UserID: userID, DeltaCents: 0})
	if !errors.Is(err, validation.ErrZeroDelta) {
		t.Fatalf("err = %v, want ErrZeroDelta", err)
	}
	if outcome == nil || outcome.Status != model.OutcomeRejectedInvalid {
		t.Fatalf("outcome = %+v, want rejected_invalid", outcome)
	}
	if b := store.balance(userID); b.AmountCents != 100 || b.Version != 1 {
		t.Fatalf("balance changed on zero delta: %d v%d", b.AmountCents, b.Version)
	}

	// Статус отказа сохраняется и при повторной доставке.
	replayed, err := p.Process(context.Background(), model.Adjustment{MessageID: msgID, UserID: userID, DeltaCents: 0})
	if err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if replayed.Status != model.OutcomeRejectedInvalid {
		t.Fatalf("replayed status = %s, want rejected_invalid", replayed.Status)
	}
}

func TestProcess_InProgressByAnotherWorker(t *testing.T) {
	store := newMemStore()
	pub := &recordingPublisher{}
	userID := uuid.New()
	store.addUser(userID, 100)

	p := newTestProcessor(store, pub)

	msgID := uuid.New()
	// Первый воркер получил допуск и ещё не завершил обработку.
	if _, err := store.BeginMessage(context.Background(), msgID, time.Minute); err != nil {
		t.Fatalf("begin message: %v", err)
	}

	_, err := p.Process(context.Background(), model.Adjustment{MessageID: msgID, UserID: userID, DeltaCents: 10})
	if !errors.Is(err, repository.ErrMessageInProgress) {
		t.Fatalf("err = %v, want ErrMessageInProgress", err)
	}
}
