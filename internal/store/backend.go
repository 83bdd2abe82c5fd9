package store

import (
	"context"
	"errors"
	"fmt"

	"refbot/internal/config"
	"refbot/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("запись не найдена")
	// ErrBackendUnavailable хранилище недоступно или вернуло ошибку
	ErrBackendUnavailable = errors.New("хранилище недоступно")
	// ErrAlreadyExists профиль с таким telegram_id или кодом уже существует
	ErrAlreadyExists = errors.New("запись уже существует")
)

// BackendError ошибка конкретного хранилища. errors.Is(err, ErrBackendUnavailable) == true.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

func unavailable(backend, op string, err error) error {
	return &BackendError{Backend: backend, Op: op, Err: err}
}

// Backend единый интерфейс хранилища профилей и реферальных связей
type Backend interface {
	// Name возвращает имя варианта хранилища
	Name() string

	GetProfileByExternalID(ctx context.Context, telegramID int64) (*models.Profile, error)
	GetProfileByID(ctx context.Context, id uuid.UUID) (*models.Profile, error)
	GetProfileByReferralCode(ctx context.Context, code string) (*models.Profile, error)

	// CreateProfile создает профиль вместе с balances, user_stats, referral_stats и user_roles.
	// Для вызывающего либо созданы все строки, либо ни одной.
	CreateProfile(ctx context.Context, req *models.CreateProfileRequest) (*models.Profile, error)

	// CreateReferralEdge создает связь или повторно активирует существующую.
	// Возвращает true, если была создана новая строка.
	CreateReferralEdge(ctx context.Context, referrerID, referredID uuid.UUID, level int) (bool, error)

	// IncrementReferralCounters атомарно увеличивает total_referrals и level_1_count пригласившего
	IncrementReferralCounters(ctx context.Context, referrerID uuid.UUID) error

	GetReferralStats(ctx context.Context, profileID uuid.UUID) (*models.LevelCounts, error)

	// RecordLogin увеличивает счетчик входов и обновляет last_login_at
	RecordLogin(ctx context.Context, profileID uuid.UUID) error

	Close() error
}

// Auditor реализуют SQL-хранилища, умеющие искать рассинхронизацию referred_by и referrals
type Auditor interface {
	FindOrphanReferrals(ctx context.Context, limit int) ([]models.OrphanReferral, error)
}

// Open создает хранилище, выбранное в конфигурации
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Backend, error) {
	logger = logger.With(zap.String("backend", cfg.Storage.Backend))

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		return NewPostgresBackend(ctx, &cfg.Database, logger)
	case config.BackendGorm:
		return NewGormBackend(ctx, &cfg.Database, logger)
	case config.BackendREST:
		return NewRESTBackend(&cfg.RestAPI, logger), nil
	case config.BackendSupabase:
		return NewSupabaseBackend(&cfg.Supabase, logger), nil
	case config.BackendMemory:
		logger.Warn("используется хранилище в памяти, данные не сохраняются между перезапусками")
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("неизвестное хранилище: %s", cfg.Storage.Backend)
	}
}

// defaultLevel уровень связи при регистрации
const defaultLevel = 1
