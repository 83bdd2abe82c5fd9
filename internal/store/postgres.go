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
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// profileColumns столбцы профиля; старые строки могут содержать NULL в коде и датах
const profileColumns = `id, telegram_id, telegram_username, first_name, last_name, avatar_url,
	COALESCE(referral_code, ''), referred_by, COALESCE(created_at, NOW()), COALESCE(updated_at, NOW())`

// referralTreeSQL считает рефералов по уровням, глубина ограничена 5.
// param плейсхолдер драйвера: $1 для pgx, ? для gorm.
func referralTreeSQL(param string) string {
	return fmt.Sprintf(`
	WITH RECURSIVE tree AS (
		SELECT id, 1 AS level
		FROM profiles
		WHERE referred_by = %s
		UNION ALL
		SELECT p.id, t.level + 1
		FROM profiles p
		JOIN tree t ON p.referred_by = t.id
		WHERE t.level < %d
	)
	SELECT
		COUNT(*) FILTER (WHERE level = 1),
		COUNT(*) FILTER (WHERE level = 2),
		COUNT(*) FILTER (WHERE level = 3),
		COUNT(*) FILTER (WHERE level = 4),
		COUNT(*) FILTER (WHERE level = 5),
		COUNT(*)
	FROM tree`, param, models.MaxReferralDepth)
}

// orphanReferralsSQL находит профили с referred_by без строки в referrals
func orphanReferralsSQL(param string) string {
	return fmt.Sprintf(`
	SELECT p.id AS profile_id, p.referred_by AS referred_by, p.created_at AS created_at
	FROM profiles p
	LEFT JOIN referrals r ON r.referrer_id = p.referred_by AND r.referred_id = p.id
	WHERE p.referred_by IS NOT NULL AND r.id IS NULL
	ORDER BY p.created_at
	LIMIT %s`, param)
}

// referralEdgeInsertSQL вставляет связь, существующая пара остается нетронутой
func referralEdgeInsertSQL(referrer, referred, level string) string {
	return fmt.Sprintf(`
	INSERT INTO referrals (referrer_id, referred_id, level, is_active)
	VALUES (%s, %s, %s, TRUE)
	ON CONFLICT (referrer_id, referred_id) DO NOTHING`, referrer, referred, level)
}

// referralEdgeActivateSQL повторно активирует существующую связь
func referralEdgeActivateSQL(referrer, referred string) string {
	return fmt.Sprintf(`
	UPDATE referrals SET is_active = TRUE
	WHERE referrer_id = %s AND referred_id = %s`, referrer, referred)
}

// referralStatsUpsertSQL увеличивает счетчики первого уровня одной командой.
// Строка создается, если ее нет; опирается на уникальный индекс по user_id.
func referralStatsUpsertSQL(param string) string {
	return fmt.Sprintf(`
	INSERT INTO referral_stats (user_id, total_referrals, level_1_count, updated_at)
	VALUES (%s, 1, 1, NOW())
	ON CONFLICT (user_id) DO UPDATE
	SET total_referrals = referral_stats.total_referrals + 1,
		level_1_count = referral_stats.level_1_count + 1,
		updated_at = NOW()`, param)
}

// PostgresBackend хранилище поверх пула pgx
type PostgresBackend struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresBackend подключается к PostgreSQL, применяет миграции и согласует схему
func NewPostgresBackend(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*PostgresBackend, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Создание пула подключений
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}

	// Лишние вызовы ждут свободного соединения в очереди пула
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	db, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к базе данных: %w", err)
	}

	if err := db.Ping(connectCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка проверки подключения к базе данных: %w", err)
	}

	logger.Info("успешное подключение к базе данных PostgreSQL",
		zap.Int32("max_conns", cfg.MaxConns))

	if err := migrations.RunMigrations(ctx, cfg.GetDSN(), logger); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.ReconcileOnStart {
		reconciler := schema.NewReconciler(schema.NewPoolExecutor(db), logger)
		if err := reconciler.Reconcile(ctx, schema.All()); err != nil {
			db.Close()
			return nil, fmt.Errorf("ошибка согласования схемы: %w", err)
		}
	}

	return &PostgresBackend{
		db:     db,
		logger: logger,
	}, nil
}

// Name возвращает имя хранилища
func (b *PostgresBackend) Name() string {
	return config.BackendPostgres
}

// DB возвращает пул подключений
func (b *PostgresBackend) DB() *pgxpool.Pool {
	return b.db
}

func (b *PostgresBackend) wrap(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", op, ErrAlreadyExists)
		case pgForeignKeyViolation:
			// пригласивший профиль исчез между проверкой и вставкой
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
	}

	return unavailable(b.Name(), op, err)
}

func scanProfile(row pgx.Row) (*models.Profile, error) {
	p := &models.Profile{}
	err := row.Scan(
		&p.ID,
		&p.TelegramID,
		&p.TelegramUsername,
		&p.FirstName,
		&p.LastName,
		&p.AvatarURL,
		&p.ReferralCode,
		&p.ReferredBy,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetProfileByExternalID получает профиль по Telegram ID
func (b *PostgresBackend) GetProfileByExternalID(ctx context.Context, telegramID int64) (*models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE telegram_id = $1`

	p, err := scanProfile(b.db.QueryRow(ctx, query, telegramID))
	if err != nil {
		return nil, b.wrap("получение профиля по telegram_id", err)
	}
	return p, nil
}

// GetProfileByID получает профиль по ID
func (b *PostgresBackend) GetProfileByID(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE id = $1`

	p, err := scanProfile(b.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, b.wrap("получение профиля по id", err)
	}
	return p, nil
}

// GetProfileByReferralCode получает профиль по реферальному коду вместе с числом его рефералов
func (b *PostgresBackend) GetProfileByReferralCode(ctx context.Context, code string) (*models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE referral_code = $1`

	p, err := scanProfile(b.db.QueryRow(ctx, query, code))
	if err != nil {
		return nil, b.wrap("получение профиля по коду", err)
	}

	err = b.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM referrals WHERE referrer_id = $1 AND is_active`, p.ID,
	).Scan(&p.ReferralsCount)
	if err != nil {
		// число рефералов только для отображения
		b.logger.Warn("ошибка подсчета рефералов", zap.String("profile_id", p.ID.String()), zap.Error(err))
	}

	return p, nil
}

// CreateProfile создает профиль и зависимые строки в одной транзакции
func (b *PostgresBackend) CreateProfile(ctx context.Context, req *models.CreateProfileRequest) (*models.Profile, error) {
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return nil, b.wrap("начало транзакции", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	query := `
		INSERT INTO profiles (telegram_id, telegram_username, first_name, last_name, avatar_url, referral_code, referred_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + profileColumns

	p, err := scanProfile(tx.QueryRow(ctx, query,
		req.TelegramID,
		req.TelegramUsername,
		req.FirstName,
		req.LastName,
		req.AvatarURL,
		req.ReferralCode,
		req.ReferredBy,
	))
	if err != nil {
		return nil, b.wrap("создание профиля", err)
	}

	zero := decimal.Zero
	dependents := []struct {
		op    string
		query string
		args  []any
	}{
		{"создание баланса", `INSERT INTO balances (user_id, internal_balance, external_balance, total_earned, total_withdrawn)
			VALUES ($1, $2, $2, $2, $2)`, []any{p.ID, zero}},
		{"создание статистики входов", `INSERT INTO user_stats (user_id, total_logins, last_login_at) VALUES ($1, 1, NOW())`, []any{p.ID}},
		{"создание реферальной статистики", `INSERT INTO referral_stats (user_id) VALUES ($1)`, []any{p.ID}},
		{"создание роли", `INSERT INTO user_roles (user_id, role) VALUES ($1, $2)`, []any{p.ID, models.RoleUser}},
	}

	for _, d := range dependents {
		if _, err := tx.Exec(ctx, d.query, d.args...); err != nil {
			return nil, b.wrap(d.op, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, b.wrap("фиксация транзакции", err)
	}

	b.logger.Info("профиль создан",
		zap.String("profile_id", p.ID.String()),
		zap.Int64("telegram_id", p.TelegramID))

	return p, nil
}

// CreateReferralEdge создает связь или повторно активирует существующую
func (b *PostgresBackend) CreateReferralEdge(ctx context.Context, referrerID, referredID uuid.UUID, level int) (bool, error) {
	if level < 1 {
		level = defaultLevel
	}

	tag, err := b.db.Exec(ctx, referralEdgeInsertSQL("$1", "$2", "$3"), referrerID, referredID, level)
	if err != nil {
		return false, b.wrap("создание реферальной связи", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	if _, err := b.db.Exec(ctx, referralEdgeActivateSQL("$1", "$2"), referrerID, referredID); err != nil {
		return false, b.wrap("активация реферальной связи", err)
	}
	return false, nil
}

// IncrementReferralCounters атомарно увеличивает счетчики пригласившего
func (b *PostgresBackend) IncrementReferralCounters(ctx context.Context, referrerID uuid.UUID) error {
	if _, err := b.db.Exec(ctx, referralStatsUpsertSQL("$1"), referrerID); err != nil {
		return b.wrap("обновление реферальной статистики", err)
	}
	return nil
}

// GetReferralStats считает рефералов по уровням рекурсивным запросом
func (b *PostgresBackend) GetReferralStats(ctx context.Context, profileID uuid.UUID) (*models.LevelCounts, error) {
	lc := &models.LevelCounts{Source: models.StatsSourceRecursive}

	err := b.db.QueryRow(ctx, referralTreeSQL("$1"), profileID).Scan(
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
func (b *PostgresBackend) RecordLogin(ctx context.Context, profileID uuid.UUID) error {
	_, err := b.db.Exec(ctx, `
		UPDATE user_stats
		SET total_logins = total_logins + 1, last_login_at = NOW(), updated_at = NOW()
		WHERE user_id = $1`, profileID)
	if err != nil {
		return b.wrap("обновление статистики входов", err)
	}
	return nil
}

// FindOrphanReferrals находит профили с referred_by без реферальной связи
func (b *PostgresBackend) FindOrphanReferrals(ctx context.Context, limit int) ([]models.OrphanReferral, error) {
	rows, err := b.db.Query(ctx, orphanReferralsSQL("$1"), limit)
	if err != nil {
		return nil, b.wrap("поиск рассинхронизированных рефералов", err)
	}
	defer rows.Close()

	var orphans []models.OrphanReferral
	for rows.Next() {
		var o models.OrphanReferral
		if err := rows.Scan(&o.ProfileID, &o.ReferredBy, &o.CreatedAt); err != nil {
			return nil, b.wrap("чтение рассинхронизированных рефералов", err)
		}
		orphans = append(orphans, o)
	}
	if err := rows.Err(); err != nil {
		return nil, b.wrap("чтение рассинхронизированных рефералов", err)
	}
	return orphans, nil
}

// Close закрывает подключение к базе данных
func (b *PostgresBackend) Close() error {
	b.logger.Info("закрытие подключения к базе данных")
	b.db.Close()
	return nil
}
