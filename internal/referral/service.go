package referral

import (
	"context"
	"errors"
	"fmt"

	"refbot/internal/store"
	"refbot/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrSelfReferral пользователь ввел собственный код. Для вызывающего это тот же «не найден».
	ErrSelfReferral = fmt.Errorf("%w: собственный реферальный код", store.ErrNotFound)
	// ErrInvalidCode код слишком короткий
	ErrInvalidCode = fmt.Errorf("%w: некорректный реферальный код", store.ErrNotFound)
	// ErrPartialCommit профиль создан, но связь или счетчики пригласившего не сохранены
	ErrPartialCommit = errors.New("профиль создан частично")
)

// Результаты атрибуции для метрик
const (
	OutcomeUnattributed = "unattributed"
	OutcomeAttributed   = "attributed"
	OutcomePartial      = "partial"
)

// maxCodeAttempts попыток подобрать свободный код при коллизии со старыми кодами
const maxCodeAttempts = 5

// Recorder принимает результаты атрибуции
type Recorder interface {
	ObserveAttribution(outcome string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveAttribution(string) {}

// Applicant данные нового пользователя из мессенджера
type Applicant struct {
	TelegramID int64
	FirstName  string
	LastName   *string
	Username   *string
	AvatarURL  *string
}

// Service реферальная атрибуция поверх выбранного хранилища
type Service struct {
	backend  store.Backend
	logger   *zap.Logger
	recorder Recorder
}

// NewService создает сервис рефералов
func NewService(backend store.Backend, logger *zap.Logger) *Service {
	return &Service{
		backend:  backend,
		logger:   logger,
		recorder: noopRecorder{},
	}
}

// WithRecorder подключает метрики атрибуции
func (s *Service) WithRecorder(r Recorder) *Service {
	if r != nil {
		s.recorder = r
	}
	return s
}

// Profile получает профиль по Telegram ID
func (s *Service) Profile(ctx context.Context, telegramID int64) (*models.Profile, error) {
	return s.backend.GetProfileByExternalID(ctx, telegramID)
}

// RecordLogin фиксирует повторный вход зарегистрированного пользователя
func (s *Service) RecordLogin(ctx context.Context, profileID uuid.UUID) error {
	return s.backend.RecordLogin(ctx, profileID)
}

// ResolveInviter ищет пригласившего по коду.
// Собственный код пользователя отклоняется с ErrSelfReferral, а не превращается в «без пригласившего».
func (s *Service) ResolveInviter(ctx context.Context, code string, requesterTelegramID int64) (*models.Profile, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, fmt.Errorf("пустой реферальный код: %w", store.ErrNotFound)
	}
	if !ValidCode(code) {
		return nil, ErrInvalidCode
	}

	inviter, err := s.backend.GetProfileByReferralCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if inviter.TelegramID == requesterTelegramID {
		s.logger.Info("попытка использовать собственный реферальный код",
			zap.Int64("telegram_id", requesterTelegramID),
			zap.String("code", code))
		return nil, ErrSelfReferral
	}

	return inviter, nil
}

// Attribute регистрирует пользователя и, если есть пригласивший, связывает их.
// Ошибки связи после создания профиля только логируются: профиль остается рабочим.
func (s *Service) Attribute(ctx context.Context, applicant Applicant, inviter *models.Profile) (*models.Profile, error) {
	if inviter != nil && inviter.TelegramID == applicant.TelegramID {
		return nil, ErrSelfReferral
	}

	req := &models.CreateProfileRequest{
		TelegramID:       applicant.TelegramID,
		TelegramUsername: applicant.Username,
		FirstName:        applicant.FirstName,
		LastName:         applicant.LastName,
		AvatarURL:        applicant.AvatarURL,
	}
	if inviter != nil {
		req.ReferredBy = &inviter.ID
	}

	profile, err := s.createWithCode(ctx, req)
	if err != nil {
		return nil, err
	}

	if inviter == nil {
		s.recorder.ObserveAttribution(OutcomeUnattributed)
		s.logger.Info("пользователь зарегистрирован без пригласившего",
			zap.String("profile_id", profile.ID.String()),
			zap.Int64("telegram_id", profile.TelegramID))
		return profile, nil
	}

	created, err := s.backend.CreateReferralEdge(ctx, inviter.ID, profile.ID, 1)
	if err != nil {
		s.partialCommit(profile, inviter, "создание реферальной связи", err)
		return profile, nil
	}

	if created {
		if err := s.backend.IncrementReferralCounters(ctx, inviter.ID); err != nil {
			s.partialCommit(profile, inviter, "обновление счетчиков пригласившего", err)
			return profile, nil
		}
	}

	s.recorder.ObserveAttribution(OutcomeAttributed)
	s.logger.Info("пользователь зарегистрирован по реферальному коду",
		zap.String("profile_id", profile.ID.String()),
		zap.String("referrer_id", inviter.ID.String()),
		zap.Bool("new_edge", created))

	return profile, nil
}

// createWithCode создает профиль с кодом из Telegram ID.
// При коллизии кода пробует следующий seed, при дубле telegram_id возвращает ErrAlreadyExists.
func (s *Service) createWithCode(ctx context.Context, req *models.CreateProfileRequest) (*models.Profile, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		req.ReferralCode = GenerateCode(req.TelegramID + int64(attempt)*int64(codeSpace))

		profile, err := s.backend.CreateProfile(ctx, req)
		if err == nil {
			return profile, nil
		}
		if !errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("ошибка создания профиля: %w", err)
		}

		// отличаем повторную регистрацию от занятого кода
		if _, lookupErr := s.backend.GetProfileByExternalID(ctx, req.TelegramID); lookupErr == nil {
			return nil, fmt.Errorf("пользователь уже зарегистрирован: %w", store.ErrAlreadyExists)
		} else if !errors.Is(lookupErr, store.ErrNotFound) {
			return nil, fmt.Errorf("ошибка проверки профиля: %w", lookupErr)
		}

		s.logger.Warn("реферальный код уже занят, пробуем снова",
			zap.String("code", req.ReferralCode),
			zap.Int("attempt", attempt+1))
	}

	return nil, fmt.Errorf("не удалось подобрать свободный реферальный код после %d попыток: %w",
		maxCodeAttempts, store.ErrAlreadyExists)
}

func (s *Service) partialCommit(profile, inviter *models.Profile, op string, err error) {
	s.recorder.ObserveAttribution(OutcomePartial)
	s.logger.Warn("нарушена целостность реферальных данных",
		zap.String("op", op),
		zap.String("profile_id", profile.ID.String()),
		zap.String("referrer_id", inviter.ID.String()),
		zap.Error(fmt.Errorf("%w: %w", ErrPartialCommit, err)))
}

// Stats возвращает статистику рефералов по уровням
func (s *Service) Stats(ctx context.Context, profileID uuid.UUID) (*models.LevelCounts, error) {
	lc, err := s.backend.GetReferralStats(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения реферальной статистики: %w", err)
	}
	if lc.Degraded {
		s.logger.Warn("реферальная статистика неполная",
			zap.String("profile_id", profileID.String()),
			zap.String("source", string(lc.Source)))
	}
	return lc, nil
}
