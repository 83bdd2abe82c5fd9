package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"refbot/internal/config"
	"refbot/pkg/models"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RESTBackend пересылает операции во внешний сервис, которому принадлежит БД
type RESTBackend struct {
	client *resty.Client
	logger *zap.Logger
}

// NewRESTBackend создает хранилище поверх REST API
func NewRESTBackend(cfg *config.RestAPIConfig, logger *zap.Logger) *RESTBackend {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}

	return newRESTBackend(client, logger)
}

func newRESTBackend(client *resty.Client, logger *zap.Logger) *RESTBackend {
	return &RESTBackend{
		client: client,
		logger: logger,
	}
}

// Name возвращает имя хранилища
func (b *RESTBackend) Name() string {
	return config.BackendREST
}

// do выполняет запрос и переводит статус ответа в ошибки хранилища
func (b *RESTBackend) do(ctx context.Context, op, method, path string, params map[string]string, body any) ([]byte, error) {
	req := b.client.R().SetContext(ctx).SetPathParams(params)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, unavailable(b.Name(), op, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	case code == http.StatusConflict:
		return nil, fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	case resp.IsError():
		b.logger.Warn("ошибка ответа REST API",
			zap.String("op", op),
			zap.Int("status", code),
			zap.String("body", truncate(resp.String(), 512)))
		return nil, unavailable(b.Name(), op, fmt.Errorf("статус ответа %d", code))
	}

	return resp.Body(), nil
}

func (b *RESTBackend) getProfile(ctx context.Context, op, path string, params map[string]string) (*models.Profile, error) {
	body, err := b.do(ctx, op, http.MethodGet, path, params, nil)
	if err != nil {
		return nil, err
	}

	p, err := normalizeProfile(body)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, unavailable(b.Name(), op, err)
	}
	return p, nil
}

// GetProfileByExternalID получает профиль по Telegram ID
func (b *RESTBackend) GetProfileByExternalID(ctx context.Context, telegramID int64) (*models.Profile, error) {
	return b.getProfile(ctx, "получение профиля по telegram_id", "/api/users/{telegram_id}",
		map[string]string{"telegram_id": strconv.FormatInt(telegramID, 10)})
}

// GetProfileByID получает профиль по ID
func (b *RESTBackend) GetProfileByID(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	return b.getProfile(ctx, "получение профиля по id", "/api/profiles/id/{id}",
		map[string]string{"id": id.String()})
}

// GetProfileByReferralCode получает профиль по реферальному коду
func (b *RESTBackend) GetProfileByReferralCode(ctx context.Context, code string) (*models.Profile, error) {
	return b.getProfile(ctx, "получение профиля по коду", "/api/profiles/by-code/{code}",
		map[string]string{"code": code})
}

type registerRequest struct {
	TelegramID   int64      `json:"telegram_id"`
	FirstName    string     `json:"first_name"`
	LastName     *string    `json:"last_name,omitempty"`
	Username     *string    `json:"username,omitempty"`
	AvatarURL    *string    `json:"avatar_url,omitempty"`
	ReferralCode string     `json:"referral_code"`
	ReferredBy   *uuid.UUID `json:"referred_by,omitempty"`
}

// CreateProfile регистрирует пользователя. Зависимые строки создает сервис в своей транзакции.
func (b *RESTBackend) CreateProfile(ctx context.Context, req *models.CreateProfileRequest) (*models.Profile, error) {
	op := "создание профиля"
	body, err := b.do(ctx, op, http.MethodPost, "/api/users/register", nil, registerRequest{
		TelegramID:   req.TelegramID,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Username:     req.TelegramUsername,
		AvatarURL:    req.AvatarURL,
		ReferralCode: req.ReferralCode,
		ReferredBy:   req.ReferredBy,
	})
	if err != nil {
		return nil, err
	}

	p, err := normalizeProfile(body)
	if err != nil {
		return nil, unavailable(b.Name(), op, err)
	}
	return p, nil
}

type edgeRequest struct {
	ReferrerID uuid.UUID `json:"referrer_id"`
	ReferredID uuid.UUID `json:"referred_id"`
	Level      int       `json:"level"`
}

type edgeResponse struct {
	Created bool `json:"created"`
}

// CreateReferralEdge создает связь; сервис отвечает 201 для новой, 200 или 409 для существующей
func (b *RESTBackend) CreateReferralEdge(ctx context.Context, referrerID, referredID uuid.UUID, level int) (bool, error) {
	if level < 1 {
		level = defaultLevel
	}

	op := "создание реферальной связи"
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(edgeRequest{ReferrerID: referrerID, ReferredID: referredID, Level: level}).
		SetResult(&edgeResponse{}).
		Post("/api/referrals")
	if err != nil {
		return false, unavailable(b.Name(), op, err)
	}
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return false, fmt.Errorf("%s: %w", op, ErrNotFound)
	case http.StatusConflict:
		return false, nil
	}
	if resp.IsError() {
		return false, unavailable(b.Name(), op, fmt.Errorf("статус ответа %d", resp.StatusCode()))
	}

	if resp.StatusCode() == http.StatusCreated {
		return true, nil
	}
	if result, ok := resp.Result().(*edgeResponse); ok {
		return result.Created, nil
	}
	return false, nil
}

// IncrementReferralCounters просит сервис атомарно увеличить счетчики
func (b *RESTBackend) IncrementReferralCounters(ctx context.Context, referrerID uuid.UUID) error {
	_, err := b.do(ctx, "обновление реферальной статистики", http.MethodPost,
		"/api/referral-stats/{id}/increment", map[string]string{"id": referrerID.String()}, nil)
	return err
}

// GetReferralStats читает поддерживаемые сервисом счетчики
func (b *RESTBackend) GetReferralStats(ctx context.Context, profileID uuid.UUID) (*models.LevelCounts, error) {
	op := "получение реферальной статистики"
	body, err := b.do(ctx, op, http.MethodGet, "/api/referral-stats/{id}",
		map[string]string{"id": profileID.String()}, nil)
	if errors.Is(err, ErrNotFound) {
		return &models.LevelCounts{Source: models.StatsSourceUnavailable, Degraded: true}, nil
	}
	if err != nil {
		return nil, err
	}

	lc, err := normalizeLevelCounts(body)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &models.LevelCounts{Source: models.StatsSourceUnavailable, Degraded: true}, nil
		}
		return nil, unavailable(b.Name(), op, err)
	}
	return lc, nil
}

// RecordLogin фиксирует вход пользователя
func (b *RESTBackend) RecordLogin(ctx context.Context, profileID uuid.UUID) error {
	_, err := b.do(ctx, "обновление статистики входов", http.MethodPost,
		"/api/users/{id}/login", map[string]string{"id": profileID.String()}, nil)
	return err
}

// Close у HTTP клиента нечего закрывать
func (b *RESTBackend) Close() error {
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
