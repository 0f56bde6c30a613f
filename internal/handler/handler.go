// Package handler содержит HTTP-обработчики read-only API сервиса cashkeeper.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkarpushin/cashkeeper/internal/model"
	"github.com/mkarpushin/cashkeeper/internal/repository"
)

// Store определяет контракт чтения данных, используемый HTTP-обработчиками.
// Мутации балансов идут только через шину сообщений; HTTP-слой их не выполняет.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (*model.UserBalance, error)
	ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error)
}

// Handler реализует HTTP-обработчики read-only API.
type Handler struct {
	store  Store
	logger *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(store Store, logger *zap.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger,
	}
}

type userResponse struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	CreatedOn   time.Time `json:"createdOn"`
	Cash        float64   `json:"cash"`
}

func toUserResponse(u model.User) userResponse {
	return userResponse{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		CreatedOn:   u.CreatedOn,
		Cash:        float64(u.CashCents) / 100,
	}
}

// GetUsers возвращает всех пользователей с балансами.
func (h *Handler) GetUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.logger.Error("list users error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	res := make([]userResponse, 0, len(users))
	for _, u := range users {
		res = append(res, toUserResponse(u))
	}

	writeJSON(w, res)
}

// GetUser возвращает одного пользователя по идентификатору.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	u, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, toUserResponse(*u))
}

type balanceResponse struct {
	Cash    float64 `json:"cash"`
	Version int64   `json:"version"`
}

// GetBalance возвращает баланс пользователя вместе с версией записи.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, err := h.store.GetBalance(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get balance error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, balanceResponse{
		Cash:    float64(b.AmountCents) / 100,
		Version: b.Version,
	})
}

type deadLetterResponse struct {
	ID        int64     `json:"id"`
	MessageID uuid.UUID `json:"messageId"`
	UserID    uuid.UUID `json:"userId"`
	Delta     float64   `json:"delta"`
	Reason    string    `json:"reason,omitempty"`
	Failure   string    `json:"failure"`
	CreatedAt time.Time `json:"createdAt"`
}

// GetDeadLetters возвращает последние необработанные сообщения.
func (h *Handler) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	letters, err := h.store.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("list dead letters error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	res := make([]deadLetterResponse, 0, len(letters))
	for _, dl := range letters {
		res = append(res, deadLetterResponse{
			ID:        dl.ID,
			MessageID: dl.MessageID,
			UserID:    dl.UserID,
			Delta:     float64(dl.DeltaCents) / 100,
			Reason:    dl.Reason,
			Failure:   dl.Failure,
			CreatedAt: dl.CreatedAt,
		})
	}

	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
