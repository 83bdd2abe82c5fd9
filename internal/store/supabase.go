package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"refbot/internal/config"
	"refbot/pkg/models"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errCASConflict = errors.New("строка изменена параллельно")

const defaultCASDelay = 50 * time.Millisecond

// SupabaseBackend работает с таблицами через PostgREST API Supabase.
// Рекурсивных запросов нет, статистика читается из referral_stats.
type SupabaseBackend struct {
	client     *resty.Client
	logger     *zap.Logger
	casRetries int
	casDelay   time.Duration
}

// NewSupabaseBackend создает хранилище Supabase
func NewSupabaseBackend(cfg *config.SupabaseConfig, logger *zap.Logger) *SupabaseBackend {
	key := cfg.ServiceKey()
	client := resty.New().
		SetBaseURL(cfg.URL+"/rest/v1").
		SetTimeout(cfg.Timeout).
		SetHeader("apikey", key).
		SetAuthToken(key).
		SetHeader("Content-Type", "application/json").
		SetHeader("Prefer", "return=representation")

	return newSupabaseBackend(client, logger, cfg.CASRetries, defaultCASDelay)
}

func newSupabaseBackend(client *resty.Client, logger *zap.Logger, casRetries int, casDelay time.Duration) *SupabaseBackend {
	if casRetries < 1 {
		casRetries = 1
	}
	return &SupabaseBackend{
		client:     client,
		logger:     logger,
		casRetries: casRetries,
		casDelay:   casDelay,
	}
}

// Name возвращает имя хранилища
func (b *SupabaseBackend) Name() string {
	return config.BackendSupabase
}

func eq(v string) string {
	return "eq." + v
}

func (b *SupabaseBackend) request(ctx context.Context, filters map[string]string) *resty.Request {
	return b.client.R().SetContext(ctx).SetQueryParams(filters)
}

func (b *SupabaseBackend) check(op string, resp *resty.Response, err error) ([]byte, error) {
	if err != nil {
		return nil, unavailable(b.Name(), op, err)
	}
	if resp.StatusCode() == http.StatusConflict {
		return nil, fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	}
	if resp.IsError() {
		b.logger.Warn("ошибка ответа Supabase",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode()),
			zap.String("body", truncate(resp.String(), 512)))
		return nil, unavailable(b.Name(), op, fmt.Errorf("статус ответа %d", resp.StatusCode()))
	}
	return resp.Body(), nil
}

func (b *SupabaseBackend) selectRows(ctx context.Context, op, table string, filters map[string]string) ([]byte, error) {
	resp, err := b.request(ctx, filters).Get("/" + table)
	return b.check(op, resp, err)
}

func (b *SupabaseBackend) insert(ctx context.Context, op, table string, row any) ([]byte, error) {
	resp, err := b.client.R().SetContext(ctx).SetBody(row).Post("/" + table)
	return b.check(op, resp, err)
}

func (b *SupabaseBackend) patch(ctx context.Context, op, table string, filters map[string]string, values any) ([]byte, error) {
	resp, err := b.request(ctx, filters).SetBody(values).Patch("/" + table)
	return b.check(op, resp, err)
}

func (b *SupabaseBackend) remove(ctx context.Context, op, table string, filters map[string]string) error {
	resp, err := b.request(ctx, filters).Delete("/" + table)
	_, err = b.check(op, resp, err)
	return err
}

func (b *SupabaseBackend) getProfile(ctx context.Context, op string, filters map[string]string) (*models.Profile, error) {
	filters["select"] = "*"
	filters["limit"] = "1"

	body, err := b.selectRows(ctx, op, "profiles", filters)
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
func (b *SupabaseBackend) GetProfileByExternalID(ctx context.Context, telegramID int64) (*models.Profile, error) {
	return b.getProfile(ctx, "получение профиля по telegram_id",
		map[string]string{"telegram_id": eq(strconv.FormatInt(telegramID, 10))})
}

// GetProfileByID получает профиль по ID
func (b *SupabaseBackend) GetProfileByID(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	return b.getProfile(ctx, "получение профиля по id",
		map[string]string{"id": eq(id.String())})
}

type idRow struct {
	ID       uuid.UUID `json:"id"`
	IsActive bool      `json:"is_active"`
}

// GetProfileByReferralCode получает профиль по реферальному коду
func (b *SupabaseBackend) GetProfileByReferralCode(ctx context.Context, code string) (*models.Profile, error) {
	p, err := b.getProfile(ctx, "получение профиля по коду",
		map[string]string{"referral_code": eq(code)})
	if err != nil {
		return nil, err
	}

	body, err := b.selectRows(ctx, "подсчет рефералов", "referrals", map[string]string{
		"referrer_id": eq(p.ID.String()),
		"is_active":   "is.true",
		"select":      "id",
	})
	if err != nil {
		b.logger.Warn("ошибка подсчета рефералов", zap.String("profile_id", p.ID.String()), zap.Error(err))
		return p, nil
	}

	var rows []idRow
	if err := json.Unmarshal(body, &rows); err == nil {
		p.ReferralsCount = len(rows)
	}
	return p, nil
}

type profileInsert struct {
	ID               uuid.UUID  `json:"id"`
	TelegramID       int64      `json:"telegram_id"`
	TelegramUsername *string    `json:"telegram_username"`
	FirstName        string     `json:"first_name"`
	LastName         *string    `json:"last_name"`
	AvatarURL        *string    `json:"avatar_url"`
	ReferralCode     string     `json:"referral_code"`
	ReferredBy       *uuid.UUID `json:"referred_by"`
}

// CreateProfile создает профиль и зависимые строки.
// Транзакций нет: при ошибке зависимой строки профиль удаляется, каскад удаляет остальное.
func (b *SupabaseBackend) CreateProfile(ctx context.Context, req *models.CreateProfileRequest) (*models.Profile, error) {
	// id генерируем заранее, чтобы удалить профиль даже без ответа сервера
	id := uuid.New()

	body, err := b.insert(ctx, "создание профиля", "profiles", profileInsert{
		ID:               id,
		TelegramID:       req.TelegramID,
		TelegramUsername: req.TelegramUsername,
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		AvatarURL:        req.AvatarURL,
		ReferralCode:     req.ReferralCode,
		ReferredBy:       req.ReferredBy,
	})
	if err != nil {
		// без ответа нельзя понять, записан ли профиль: удаляем по заранее известному id
		if !errors.Is(err, ErrAlreadyExists) {
			b.rollbackProfile(id)
		}
		return nil, err
	}

	p, err := normalizeProfile(body)
	if err != nil {
		b.rollbackProfile(id)
		return nil, unavailable(b.Name(), "создание профиля", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	dependents := []struct {
		op    string
		table string
		row   map[string]any
	}{
		{"создание баланса", "balances", map[string]any{
			"user_id":          id,
			"internal_balance": decimal.Zero,
			"external_balance": decimal.Zero,
			"total_earned":     decimal.Zero,
			"total_withdrawn":  decimal.Zero,
		}},
		{"создание статистики входов", "user_stats", map[string]any{
			"user_id":       id,
			"total_logins":  1,
			"last_login_at": now,
		}},
		{"создание реферальной статистики", "referral_stats", map[string]any{
			"user_id":         id,
			"total_referrals": 0,
			"total_earnings":  decimal.Zero,
		}},
		{"создание роли", "user_roles", map[string]any{
			"user_id": id,
			"role":    models.RoleUser,
		}},
	}

	for _, d := range dependents {
		if _, err := b.insert(ctx, d.op, d.table, d.row); err != nil {
			b.logger.Error("ошибка создания зависимой строки, удаляем профиль",
				zap.String("table", d.table),
				zap.String("profile_id", id.String()),
				zap.Error(err))
			b.rollbackProfile(id)
			return nil, err
		}
	}

	b.logger.Info("профиль создан",
		zap.String("profile_id", p.ID.String()),
		zap.Int64("telegram_id", p.TelegramID))

	return p, nil
}

// rollbackProfile удаляет профиль без учета отмены исходного контекста
func (b *SupabaseBackend) rollbackProfile(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := b.remove(ctx, "удаление профиля", "profiles", map[string]string{"id": eq(id.String())})
	if err != nil {
		b.logger.Error("не удалось удалить незавершенный профиль",
			zap.String("profile_id", id.String()),
			zap.Error(err))
	}
}

// CreateReferralEdge создает связь или повторно активирует существующую
func (b *SupabaseBackend) CreateReferralEdge(ctx context.Context, referrerID, referredID uuid.UUID, level int) (bool, error) {
	if level < 1 {
		level = defaultLevel
	}

	filters := map[string]string{
		"referrer_id": eq(referrerID.String()),
		"referred_id": eq(referredID.String()),
	}

	activate := func() (bool, error) {
		_, err := b.patch(ctx, "активация реферальной связи", "referrals", filters, map[string]any{"is_active": true})
		return false, err
	}

	body, err := b.selectRows(ctx, "поиск реферальной связи", "referrals", map[string]string{
		"referrer_id": filters["referrer_id"],
		"referred_id": filters["referred_id"],
		"select":      "id,is_active",
	})
	if err != nil {
		return false, err
	}

	var existing []idRow
	if err := json.Unmarshal(body, &existing); err != nil {
		return false, unavailable(b.Name(), "поиск реферальной связи", err)
	}
	if len(existing) > 0 {
		if existing[0].IsActive {
			return false, nil
		}
		return activate()
	}

	_, err = b.insert(ctx, "создание реферальной связи", "referrals", map[string]any{
		"referrer_id": referrerID,
		"referred_id": referredID,
		"level":       level,
		"is_active":   true,
	})
	if errors.Is(err, ErrAlreadyExists) {
		// связь успели создать параллельно
		return activate()
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type counterRow struct {
	ID             uuid.UUID `json:"id"`
	TotalReferrals int       `json:"total_referrals"`
	Level1Count    int       `json:"level_1_count"`
	Level2Count    int       `json:"level_2_count"`
	Level3Count    int       `json:"level_3_count"`
	Level4Count    int       `json:"level_4_count"`
	Level5Count    int       `json:"level_5_count"`
}

func (b *SupabaseBackend) getCounterRow(ctx context.Context, op string, profileID uuid.UUID) (*counterRow, error) {
	body, err := b.selectRows(ctx, op, "referral_stats", map[string]string{
		"user_id": eq(profileID.String()),
		"select":  "id,total_referrals,level_1_count,level_2_count,level_3_count,level_4_count,level_5_count",
		"limit":   "1",
	})
	if err != nil {
		return nil, err
	}

	var rows []counterRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, unavailable(b.Name(), op, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return &rows[0], nil
}

// compareAndSwap повторяет attempt, пока условное обновление не применится
func (b *SupabaseBackend) compareAndSwap(ctx context.Context, op string, attempt func(ctx context.Context) (bool, error)) error {
	backoff := retry.WithMaxRetries(uint64(b.casRetries), retry.NewConstant(b.casDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		swapped, err := attempt(ctx)
		if err != nil {
			return err
		}
		if !swapped {
			return retry.RetryableError(errCASConflict)
		}
		return nil
	})
	if errors.Is(err, errCASConflict) {
		return unavailable(b.Name(), op, err)
	}
	return err
}

// IncrementReferralCounters увеличивает счетчики условным PATCH по старым значениям
func (b *SupabaseBackend) IncrementReferralCounters(ctx context.Context, referrerID uuid.UUID) error {
	op := "обновление реферальной статистики"

	return b.compareAndSwap(ctx, op, func(ctx context.Context) (bool, error) {
		row, err := b.getCounterRow(ctx, op, referrerID)
		if errors.Is(err, ErrNotFound) {
			_, err = b.insert(ctx, "создание реферальной статистики", "referral_stats", map[string]any{
				"user_id":         referrerID,
				"total_referrals": 1,
				"level_1_count":   1,
				"total_earnings":  decimal.Zero,
			})
			return err == nil, err
		}
		if err != nil {
			return false, err
		}

		body, err := b.patch(ctx, op, "referral_stats", map[string]string{
			"id":              eq(row.ID.String()),
			"total_referrals": eq(strconv.Itoa(row.TotalReferrals)),
			"level_1_count":   eq(strconv.Itoa(row.Level1Count)),
		}, map[string]any{
			"total_referrals": row.TotalReferrals + 1,
			"level_1_count":   row.Level1Count + 1,
			"updated_at":      time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return false, err
		}
		return affectedRows(body) > 0, nil
	})
}

// GetReferralStats читает счетчики. Без строки счетчиков статистика помечается как неполная.
func (b *SupabaseBackend) GetReferralStats(ctx context.Context, profileID uuid.UUID) (*models.LevelCounts, error) {
	row, err := b.getCounterRow(ctx, "получение реферальной статистики", profileID)
	if errors.Is(err, ErrNotFound) {
		b.logger.Warn("нет строки referral_stats, статистика недоступна",
			zap.String("profile_id", profileID.String()))
		return &models.LevelCounts{Source: models.StatsSourceUnavailable, Degraded: true}, nil
	}
	if err != nil {
		return nil, err
	}

	return models.LevelCountsFromRow(&models.ReferralStatsRow{
		ID:             row.ID,
		UserID:         profileID,
		TotalReferrals: row.TotalReferrals,
		Level1Count:    row.Level1Count,
		Level2Count:    row.Level2Count,
		Level3Count:    row.Level3Count,
		Level4Count:    row.Level4Count,
		Level5Count:    row.Level5Count,
	}), nil
}

type loginRow struct {
	ID          uuid.UUID `json:"id"`
	TotalLogins int       `json:"total_logins"`
}

// RecordLogin увеличивает счетчик входов условным PATCH
func (b *SupabaseBackend) RecordLogin(ctx context.Context, profileID uuid.UUID) error {
	op := "обновление статистики входов"

	return b.compareAndSwap(ctx, op, func(ctx context.Context) (bool, error) {
		body, err := b.selectRows(ctx, op, "user_stats", map[string]string{
			"user_id": eq(profileID.String()),
			"select":  "id,total_logins",
			"limit":   "1",
		})
		if err != nil {
			return false, err
		}

		var rows []loginRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return false, unavailable(b.Name(), op, err)
		}

		now := time.Now().UTC().Format(time.RFC3339)
		if len(rows) == 0 {
			_, err = b.insert(ctx, "создание статистики входов", "user_stats", map[string]any{
				"user_id":       profileID,
				"total_logins":  1,
				"last_login_at": now,
			})
			return err == nil, err
		}

		body, err = b.patch(ctx, op, "user_stats", map[string]string{
			"id":           eq(rows[0].ID.String()),
			"total_logins": eq(strconv.Itoa(rows[0].TotalLogins)),
		}, map[string]any{
			"total_logins":  rows[0].TotalLogins + 1,
			"last_login_at": now,
			"updated_at":    now,
		})
		if err != nil {
			return false, err
		}
		return affectedRows(body) > 0, nil
	})
}

// affectedRows считает строки в ответе PostgREST с return=representation
func affectedRows(body []byte) int {
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return 0
	}
	return len(rows)
}

// Close у HTTP клиента нечего закрывать
func (b *SupabaseBackend) Close() error {
	return nil
}
