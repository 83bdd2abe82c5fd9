package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"refbot/internal/store"
	"refbot/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StatsFunc возвращает реферальную статистику профиля
type StatsFunc func(ctx context.Context, profileID uuid.UUID) (*models.LevelCounts, error)

// Handler служебный HTTP сервер: метрики, здоровье и статистика рефералов
type Handler struct {
	metrics *Metrics
	logger  *zap.Logger
	service string
	stats   StatsFunc
	router  *chi.Mux
}

// NewHandler создает обработчик. stats может быть nil, тогда маршрут статистики не регистрируется.
func NewHandler(metrics *Metrics, service string, stats StatsFunc, logger *zap.Logger) *Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	h := &Handler{
		metrics: metrics,
		logger:  logger,
		service: service,
		stats:   stats,
		router:  r,
	}

	r.Get("/health", h.HealthHandler)
	r.Handle("/metrics", metrics.Handler())
	if stats != nil {
		r.Get("/referrals/{profileID}/stats", h.StatsHandler)
	}

	return h
}

// Router возвращает маршрутизатор
func (h *Handler) Router() http.Handler {
	return h.router
}

// HealthHandler возвращает статус здоровья сервиса
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": h.service})
}

// StatsHandler отдает статистику рефералов по уровням
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	profileID, err := uuid.Parse(chi.URLParam(r, "profileID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "некорректный id профиля"})
		return
	}

	lc, err := h.stats(r.Context(), profileID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "профиль не найден"})
		return
	case err != nil:
		h.logger.Error("ошибка получения статистики", zap.String("profile_id", profileID.String()), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "хранилище недоступно"})
		return
	}

	writeJSON(w, http.StatusOK, lc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run запускает сервер и останавливает его при отмене контекста
func (h *Handler) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Error("ошибка остановки HTTP сервера", zap.Error(err))
		}
	}()

	h.logger.Info("служебный HTTP сервер запущен", zap.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ошибка HTTP сервера: %w", err)
	}
	return nil
}
