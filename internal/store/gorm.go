package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"refbot/internal/config"
	"refbot/internal/migrations"
	"refbot/internal/schema"
	"refbot/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// GormBackend хранилище поверх gorm с той же схемой, что и PostgresBackend
type GormBackend struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormBackend подключается к PostgreSQL через gorm и применяет миграции
func NewGormBackend(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*GormBackend, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDSN()), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к базе данных: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пула подключений: %w", err)
	}
	sqlDB.SetMaxOpenConns(int(cfg.MaxConns))
	sqlDB.SetMaxIdleConns(int(cfg.MinConns))
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ошибка проверки подключения к базе данных: %w", err)
	}

	logger.Info("успешное подключение к базе данных PostgreSQL через gorm")

	if err := migrations.Up(ctx, sqlDB, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if cfg.ReconcileOnStart {
		reconciler := schema.NewReconciler(schema.NewDBExecutor(sqlDB), logger)
		if err := reconciler.Reconcile(ctx, schema.All()); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("ошибка согласования схемы: %w", err)
		}
	}

	return &GormBackend{
		db:     db,
		logger: logger,
	}, nil
}

// Name возвращает имя хранилища
func (b *GormBackend) Name() string {
	return config.BackendGorm
}

func (b *GormBackend) wrap(op string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	default:
		return unavailable(b.Name(), op, err)
	}
}

func (b *GormBackend) findProfile(ctx context.Context, op, where string, arg any) (*models.Profile, error) {
	var p models.Profile
	if err := b.db.WithContext(ctx).Where(where, arg).First(&p).Error; err != nil {
		return nil, b.wrap(op, err)
	}
	return &p, nil
}

// GetProfileByExternalID получает профиль по Telegram ID
func (b *GormBackend) GetProfileByExternalID(ctx context.Context, telegramID int64) (*models.Profile, error) {
	return b.findProfile(ctx, "получение профиля по telegram_id", "telegram_id = ?", telegramID)
}

// GetProfileByID получает профиль по ID
func (b *GormBackend) GetProfileByID(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	return b.findProfile(ctx, "получение профиля по id", "id = ?", id)
}

// GetProfileByReferralCode получает профиль по реферальному коду
func (b *GormBackend) GetProfileByReferralCode(ctx context.Context, code string) (*models.Profile, error) {
	p, err := b.findProfile(ctx, "получение профиля по коду", "referral_code = ?", code)
	if err != nil {
		return nil, err
	}

	var count int64
	err = b.db.WithContext(ctx).Model(&models.ReferralEdge{}).
		Where("referrer_id = ? AND is_active", p.ID).
		Count(&count).Error
	if err != nil {
		b.logger.Warn("ошибка подсчета рефералов", zap.String("profile_id", p.ID.String()), zap.Error(err))
	}
	p.ReferralsCount = int(count)

	return p, nil
}

// CreateProfile создает профиль и зависимые строки в одной транзакции
func (b *GormBackend) CreateProfile(ctx context.Context, req *models.CreateProfileRequest) (*models.Profile, error) {
	now := time.Now()
	p := &models.Profile{
		ID:               uuid.New(),
		TelegramID:       req.TelegramID,
		TelegramUsername: req.TelegramUsername,
		FirstName:        req.FirstName,
		LastName:         req.LastName,
		AvatarURL:        req.AvatarURL,
		ReferralCode:     req.ReferralCode,
		ReferredBy:       req.ReferredBy,
	}

	op := "создание профиля"
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}

		op = "создание баланса"
		if err := tx.Create(&models.Balance{
			ID:              uuid.New(),
			UserID:          p.ID,
			InternalBalance: decimal.Zero,
			ExternalBalance: decimal.Zero,
			TotalEarned:     decimal.Zero,
			TotalWithdrawn:  decimal.Zero,
		}).Error; err != nil {
			return err
		}

		op = "создание статистики входов"
		if err := tx.Create(&models.UserStats{
			ID:          uuid.New(),
			UserID:      p.ID,
			TotalLogins: 1,
			LastLoginAt: &now,
		}).Error; err != nil {
			return err
		}

		op = "создание реферальной статистики"
		if err := tx.Create(&models.ReferralStatsRow{
			ID:            uuid.New(),
			UserID:        p.ID,
			TotalEarnings: decimal.Zero,
		}).Error; err != nil {
			return err
		}

		op = "создание роли"
		return tx.Create(&models.UserRole{
			ID:     uuid.New(),
			UserID: p.ID,
			Role:   models.RoleUser,
		}).Error
	})
	if err != nil {
		return nil, b.wrap(op, err)
	}

	b.logger.Info("профиль создан",
		zap.String("profile_id", p.ID.String()),
		zap.Int64("telegram_id", p.TelegramID))

	return p, nil
}

// CreateReferralEdge создает связь или повторно активирует существующую
func (b *GormBackend) CreateReferralEdge(ctx context.Context, referrerID, referredID uuid.UUID, level int) (bool, error) {
	if level < 1 {
		level = defaultLevel
	}

	edge := &models.ReferralEdge{
		ID:         uuid.New(),
		ReferrerID: referrerID,
		ReferredID: referredID,
		Level:      level,
		IsActive:   true,
	}

	res := b.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "referrer_id"}, {Name: "referred_id"}},
			DoNothing: true,
		}).
		Create(edge)
	if res.Error != nil {
		return false, b.wrap("создание реферальной связи", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	err := b.db.WithContext(ctx).Model(&models.ReferralEdge{}).
		Where("referrer_id = ? AND referred_id = ?", referrerID, referredID).
		Update("is_active", true).Error
	if err != nil {
		return false, b.wrap("активация реферальной связи", err)
	}
	return false, nil
}

// IncrementReferralCounters атомарно увеличивает счетчики пригласившего
func (b *GormBackend) IncrementReferralCounters(ctx context.Context, referrerID uuid.UUID) error {
	if err := b.db.WithContext(ctx).Exec(referralStatsUpsertSQL("?"), referrerID).Error; err != nil {
		return b.wrap("обновление реферальной статистики", err)
	}
	return nil
}

// GetReferralStats считает рефералов по уровням рекурсивным запросом
func (b *GormBackend) GetReferralStats(ctx context.Context, profileID uuid.UUID) (*models.LevelCounts, error) {
	lc := &models.LevelCounts{Source: models.StatsSourceRecursive}

	err := b.db.WithContext(ctx).Raw(referralTreeSQL("?"), profileID).Row().Scan(
		&lc.Level1Count,
		&lc.Level2Count,
		&lc.Level3Count,
		&lc.Level4Count,
		&lc.Level5Count,
		&lc.Total,
	)
	if err != nil {
		return nil, b.wrap("получение реферальной статистики", err)
	}
	return lc, nil
}

// RecordLogin увеличивает счетчик входов
func (b *GormBackend) RecordLogin(ctx context.Context, profileID uuid.UUID) error {
	err := b.db.WithContext(ctx).Model(&models.UserStats{}).
		Where("user_id = ?", profileID).
		Updates(map[string]any{
			"total_logins":  gorm.Expr("total_logins + ?", 1),
			"last_login_at": gorm.Expr("NOW()"),
			"updated_at":    gorm.Expr("NOW()"),
		}).Error
	if err != nil {
		return b.wrap("обновление статистики входов", err)
	}
	return nil
}

// FindOrphanReferrals находит профили с referred_by без реферальной связи
func (b *GormBackend) FindOrphanReferrals(ctx context.Context, limit int) ([]models.OrphanReferral, error) {
	var orphans []models.OrphanReferral
	if err := b.db.WithContext(ctx).Raw(orphanReferralsSQL("?"), limit).Scan(&orphans).Error; err != nil {
		return nil, b.wrap("поиск рассинхронизированных рефералов", err)
	}
	return orphans, nil
}

// Close закрывает подключение к базе данных
func (b *GormBackend) Close() error {
	b.logger.Info("закрытие подключения к базе данных")
	sqlDB, err := b.db.DB()
	if err != nil {
		return fmt.Errorf("ошибка получения пула подключений: %w", err)
	}
	return sqlDB.Close()
}
